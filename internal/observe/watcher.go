// Package observe watches processes it did not start. Nothing else.
package observe

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// Watcher polls for the end of a process it has no wait handle on, such as
// the guarded instance's view of its supervisor
type Watcher struct {
	pid int
}

// New creates a watcher for a PID
func New(pid int) *Watcher {
	return &Watcher{pid: pid}
}

// PID being watched
func (w *Watcher) PID() int { return w.pid }

// Exists probes the PID with signal 0. EPERM means it is alive under another
// user.
func (w *Watcher) Exists() bool {
	if w.pid <= 0 {
		return false
	}
	err := unix.Kill(w.pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Wait returns nil once the PID is gone, or ctx.Err() if ctx ends first
func (w *Watcher) Wait(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for w.Exists() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
