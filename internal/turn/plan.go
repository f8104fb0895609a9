package turn

import (
	"strings"
	"sync"
	"time"

	"github.com/agentbridge/agentbridge/pkg/acp/protocol"
)

// Plan priorities and statuses.
const (
	priorityHigh   = "high"
	priorityMedium = "medium"

	statusPending    = "pending"
	statusInProgress = "in_progress"
	statusCompleted  = "completed"
)

// planDebounce is the trailing delay applied to plan update notifications so
// rapid tool completions coalesce into one update.
const planDebounce = 500 * time.Millisecond

var complexityWords = []string{
	"implement", "create", "build", "refactor", "restructure", "migrate", "optimize",
}

var stepWords = []string{
	"first", "then", "next", "after", "finally", "step", "phase",
}

// isComplexPrompt applies the complexity signals: length, action verbs and
// step words.
func isComplexPrompt(prompt string) bool {
	if len(prompt) > 200 {
		return true
	}
	lower := strings.ToLower(prompt)
	for _, w := range complexityWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	for _, w := range stepWords {
		if containsWord(lower, w) {
			return true
		}
	}
	return false
}

// estimateSteps counts step-word occurrences as a proxy for how many phases
// the prompt describes.
func estimateSteps(prompt string) int {
	lower := strings.ToLower(prompt)
	steps := 0
	for _, w := range stepWords {
		if containsWord(lower, w) {
			steps++
		}
	}
	return steps
}

func containsWord(haystack, word string) bool {
	for _, field := range strings.FieldsFunc(haystack, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == ',' || r == '.' || r == ';' || r == ':'
	}) {
		if field == word {
			return true
		}
	}
	return false
}

// synthesizePlan builds the initial plan for a complex prompt.
func synthesizePlan(prompt string) []protocol.PlanEntry {
	if estimateSteps(prompt) >= 3 {
		return []protocol.PlanEntry{
			{Content: "Analyze requirements", Priority: priorityHigh, Status: statusInProgress},
			{Content: "Execute main implementation", Priority: priorityHigh, Status: statusPending},
			{Content: "Validate and finalize changes", Priority: priorityMedium, Status: statusPending},
		}
	}
	return []protocol.PlanEntry{
		{Content: summarize(prompt), Priority: priorityHigh, Status: statusInProgress},
	}
}

func summarize(prompt string) string {
	line := prompt
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	return truncate(strings.TrimSpace(line), 120)
}

// advancePlan marks the first in_progress entry completed and promotes the
// next pending entry. The completed prefix only grows and at most one entry
// is ever in_progress.
func advancePlan(entries []protocol.PlanEntry) []protocol.PlanEntry {
	out := append([]protocol.PlanEntry(nil), entries...)
	for i := range out {
		if out[i].Status == statusInProgress {
			out[i].Status = statusCompleted
			for j := i + 1; j < len(out); j++ {
				if out[j].Status == statusPending {
					out[j].Status = statusInProgress
					break
				}
			}
			break
		}
	}
	return out
}

// planDebouncer coalesces plan notifications with a trailing timer.
type planDebouncer struct {
	mu    sync.Mutex
	timer *time.Timer
	send  func()
}

func newPlanDebouncer(send func()) *planDebouncer {
	return &planDebouncer{send: send}
}

// Trigger schedules a send after the debounce window, extending the window
// if one is already pending.
func (d *planDebouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Reset(planDebounce)
		return
	}
	d.timer = time.AfterFunc(planDebounce, func() {
		d.mu.Lock()
		d.timer = nil
		d.mu.Unlock()
		d.send()
	})
}

// Flush sends immediately if an update is pending; used before the turn
// response so the host never sees a stale plan.
func (d *planDebouncer) Flush() {
	d.mu.Lock()
	pending := d.timer != nil
	if pending {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()
	if pending {
		d.send()
	}
}

// Stop drops any pending update without sending.
func (d *planDebouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
