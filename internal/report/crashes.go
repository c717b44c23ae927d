package report

import (
	"sync"
	"time"
)

// CrashSample keeps what ops need about one crash without log diving
type CrashSample struct {
	Launch        int       `json:"launch"`
	PID           int       `json:"pid"`
	Time          time.Time `json:"time"`
	Reason        string    `json:"reason"`
	Snapshot      string    `json:"snapshot,omitempty"`
	SnapshotError string    `json:"snapshot_error,omitempty"`
}

// CrashLog maintains a ring buffer of recent crashes (last N)
type CrashLog struct {
	samples []CrashSample
	maxSize int
	mu      sync.RWMutex
}

// DefaultCrashLogSize is how many crashes the supervisor keeps in memory
const DefaultCrashLogSize = 50

// NewCrashLog creates a crash log with fixed size
func NewCrashLog(maxSize int) *CrashLog {
	if maxSize <= 0 {
		maxSize = DefaultCrashLogSize
	}
	return &CrashLog{
		samples: make([]CrashSample, 0, maxSize),
		maxSize: maxSize,
	}
}

// Record adds a crash sample (ring buffer). Results without a crash are ignored.
func (c *CrashLog) Record(r *Result) {
	if !r.Crashed {
		return
	}

	sample := CrashSample{
		Launch:        r.Launch,
		PID:           r.PID,
		Time:          r.EndTime,
		Reason:        r.CrashReason,
		Snapshot:      r.Snapshot,
		SnapshotError: r.SnapshotError,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Ring buffer: if full, drop oldest
	if len(c.samples) >= c.maxSize {
		c.samples = c.samples[1:]
	}
	c.samples = append(c.samples, sample)
}

// GetRecent returns recent crashes (newest first)
func (c *CrashLog) GetRecent(n int) []CrashSample {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if n <= 0 || n > len(c.samples) {
		n = len(c.samples)
	}

	result := make([]CrashSample, n)
	for i := 0; i < n; i++ {
		result[i] = c.samples[len(c.samples)-1-i]
	}
	return result
}

// Count returns crashes currently held (ring buffer size)
func (c *CrashLog) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.samples)
}
