package guard

import (
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/agentbridge/agentbridge/internal/common/logger"
	"go.uber.org/zap"
)

// Health classifications derived from the thresholds below.
const (
	HealthHealthy  = "healthy"
	HealthWarning  = "warning"
	HealthCritical = "critical"
)

// Limits holds the process-wide admission limits.
type Limits struct {
	MaxConcurrentSessions   int
	MaxConcurrentOperations int
	MemoryWarningMiB        int
	MemoryCriticalMiB       int
	MaxFDEstimate           int
}

// DefaultLimits returns the production defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxConcurrentSessions:   100,
		MaxConcurrentOperations: 50,
		MemoryWarningMiB:        512,
		MemoryCriticalMiB:       768,
		MaxFDEstimate:           512,
	}
}

// HealthReport is returned on request for diagnostics.
type HealthReport struct {
	Status           string `json:"status"`
	ActiveSessions   int    `json:"activeSessions"`
	ActiveOperations int    `json:"activeOperations"`
	MemoryMiB        int    `json:"memoryMiB"`
	FDEstimate       int    `json:"fdEstimate"`
}

// ResourceGuard is the global admission controller for sessions and
// operations.
type ResourceGuard struct {
	limits Limits

	mu         sync.Mutex
	sessions   int
	operations map[string]struct{}

	memoryMiB func() int // test hook; defaults to heap-based RSS estimate
	gcHook    func()     // invoked when memory crosses the critical threshold

	logger *logger.Logger
}

// NewResourceGuard creates a guard with the given limits.
func NewResourceGuard(limits Limits, log *logger.Logger) *ResourceGuard {
	return &ResourceGuard{
		limits:     limits,
		operations: make(map[string]struct{}),
		memoryMiB:  processMemoryMiB,
		gcHook:     func() { debug.FreeOSMemory() },
		logger:     log.WithComponent("resource-guard"),
	}
}

// SetMemoryFunc overrides the memory probe. Test hook.
func (g *ResourceGuard) SetMemoryFunc(fn func() int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.memoryMiB = fn
}

// AddSession reserves a session slot. Returns false when the fleet is full.
func (g *ResourceGuard) AddSession() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sessions >= g.limits.MaxConcurrentSessions {
		g.logger.Warn("session admission denied", zap.Int("active", g.sessions))
		return false
	}
	g.sessions++
	return true
}

// RemoveSession releases a session slot.
func (g *ResourceGuard) RemoveSession() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sessions > 0 {
		g.sessions--
	}
}

// CanStartOperation reports whether a new operation would be admitted.
func (g *ResourceGuard) CanStartOperation() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.admitLocked()
}

// StartOperation atomically reserves an operation slot for id. It returns
// false when admission is denied; each success must be paired with
// FinishOperation.
func (g *ResourceGuard) StartOperation(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.admitLocked() {
		return false
	}
	g.operations[id] = struct{}{}
	return true
}

// FinishOperation releases the slot held by id. Unknown ids are ignored so
// release is idempotent.
func (g *ResourceGuard) FinishOperation(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.operations, id)
}

// Health derives the current health classification.
func (g *ResourceGuard) Health() HealthReport {
	g.mu.Lock()
	defer g.mu.Unlock()

	mem := g.memoryMiB()
	status := HealthHealthy
	switch {
	case mem >= g.limits.MemoryCriticalMiB ||
		len(g.operations) >= g.limits.MaxConcurrentOperations ||
		g.sessions >= g.limits.MaxConcurrentSessions:
		status = HealthCritical
	case mem >= g.limits.MemoryWarningMiB ||
		len(g.operations) >= g.limits.MaxConcurrentOperations*8/10:
		status = HealthWarning
	}

	return HealthReport{
		Status:           status,
		ActiveSessions:   g.sessions,
		ActiveOperations: len(g.operations),
		MemoryMiB:        mem,
		FDEstimate:       g.fdEstimateLocked(),
	}
}

// admitLocked applies the admission rules. Caller holds the lock.
func (g *ResourceGuard) admitLocked() bool {
	mem := g.memoryMiB()
	if mem >= g.limits.MemoryCriticalMiB {
		g.logger.Warn("admission denied under memory pressure", zap.Int("memory_mib", mem))
		if g.gcHook != nil {
			g.gcHook()
		}
		return false
	}
	if len(g.operations) >= g.limits.MaxConcurrentOperations {
		return false
	}
	if g.fdEstimateLocked() >= g.limits.MaxFDEstimate {
		return false
	}
	return true
}

// fdEstimateLocked approximates open descriptors: stdio plus pipes per
// session and per in-flight operation.
func (g *ResourceGuard) fdEstimateLocked() int {
	return 8 + 4*g.sessions + 2*len(g.operations)
}

// processMemoryMiB estimates resident memory from runtime heap statistics.
func processMemoryMiB() int {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return int(ms.HeapInuse+ms.StackInuse) >> 20
}
