package observe

import (
	"sync"
	"time"
)

// Timing records start/end timestamps of one launch
type Timing struct {
	mu          sync.RWMutex
	startedAt   time.Time
	completedAt time.Time
}

// NewTiming creates timing with current start time
func NewTiming() *Timing {
	return &Timing{startedAt: time.Now()}
}

// Complete records completion time; only the first call counts
func (t *Timing) Complete() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.completedAt.IsZero() {
		t.completedAt = time.Now()
	}
}

// StartedAt returns when the launch began
func (t *Timing) StartedAt() time.Time {
	return t.startedAt
}

// CompletedAt returns when the launch ended, zero while running
func (t *Timing) CompletedAt() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.completedAt
}

// Duration returns the launch duration, or the time so far while running
func (t *Timing) Duration() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.completedAt.IsZero() {
		return time.Since(t.startedAt)
	}
	return t.completedAt.Sub(t.startedAt)
}
