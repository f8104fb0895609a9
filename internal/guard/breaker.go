// Package guard protects the backend agent from overload and the bridge from
// unbounded resource growth. It holds the process-wide circuit breaker and
// the resource guard; both are constructed at startup and disposed at
// shutdown, with no state surviving across process instances.
package guard

import (
	"errors"
	"sync"
	"time"

	"github.com/agentbridge/agentbridge/internal/common/logger"
	"go.uber.org/zap"
)

// ErrCircuitOpen is the distinguished fast-fail error returned while the
// breaker is open.
var ErrCircuitOpen = errors.New("circuit open: backend temporarily unavailable")

// BreakerState is one of the three failure detector states.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

// String returns the state name for logs and diagnostics.
func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig parameterizes the failure detector. Defaults are tuned for
// an interactive coding-assistant backend.
type BreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	OpenTimeout      time.Duration
	MonitoringWindow time.Duration
}

// DefaultBreakerConfig returns the production defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 8,
		SuccessThreshold: 3,
		OpenTimeout:      10 * time.Second,
		MonitoringWindow: 120 * time.Second,
	}
}

// Breaker is a three-state circuit breaker wrapping calls to the backend.
type Breaker struct {
	cfg BreakerConfig

	mu          sync.Mutex
	state       BreakerState
	failures    int
	successes   int
	lastFailure time.Time
	reopenAt    time.Time

	now    func() time.Time // test hook
	logger *logger.Logger
}

// NewBreaker creates a breaker in the CLOSED state.
func NewBreaker(cfg BreakerConfig, log *logger.Logger) *Breaker {
	return &Breaker{
		cfg:    cfg,
		state:  StateClosed,
		now:    time.Now,
		logger: log.WithComponent("circuit-breaker"),
	}
}

// Call invokes fn under the breaker's admission policy. While OPEN it fails
// fast with ErrCircuitOpen without invoking fn.
func (b *Breaker) Call(fn func() error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn()
	b.record(err == nil)
	return err
}

// Admit decides whether a call may proceed; while OPEN it returns
// ErrCircuitOpen. Pair with RecordSuccess or RecordFailure when the outcome
// is known only later, such as a turn whose stream dies mid-flight.
func (b *Breaker) Admit() error {
	return b.admit()
}

// RecordSuccess counts a successfully completed backend call.
func (b *Breaker) RecordSuccess() {
	b.record(true)
}

// RecordFailure counts a backend failure observed outside Call, such as a
// stream that died mid-turn.
func (b *Breaker) RecordFailure() {
	b.record(false)
}

// State returns the current state, applying the open-timeout transition.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && !b.now().Before(b.reopenAt) {
		return StateHalfOpen
	}
	return b.state
}

// ForceOpen trips the breaker. Test hook.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trip()
}

// ForceClosed resets the breaker. Test hook.
func (b *Breaker) ForceClosed() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
}

// admit decides whether a call may proceed, applying failure decay and the
// OPEN to HALF_OPEN transition.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	// One failure older than the monitoring window decays per call.
	if b.failures > 0 && !b.lastFailure.IsZero() && now.Sub(b.lastFailure) > b.cfg.MonitoringWindow {
		b.failures--
		b.lastFailure = now
	}

	switch b.state {
	case StateOpen:
		if now.Before(b.reopenAt) {
			return ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.successes = 0
		b.logger.Info("circuit half-open, admitting probe call")
	case StateHalfOpen, StateClosed:
	}
	return nil
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		if success {
			if b.failures > 0 {
				b.failures--
			}
			return
		}
		b.failures++
		b.lastFailure = b.now()
		if b.failures >= b.cfg.FailureThreshold {
			b.trip()
		}
	case StateHalfOpen:
		if !success {
			b.trip()
			return
		}
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
			b.logger.Info("circuit closed after successful probes")
		}
	case StateOpen:
		// Late result from a call admitted before the trip; ignore.
	}
}

// trip moves the breaker to OPEN. Caller holds the lock.
func (b *Breaker) trip() {
	b.state = StateOpen
	b.reopenAt = b.now().Add(b.cfg.OpenTimeout)
	b.successes = 0
	b.logger.Warn("circuit opened",
		zap.Int("failures", b.failures),
		zap.Time("reopen_at", b.reopenAt))
}
