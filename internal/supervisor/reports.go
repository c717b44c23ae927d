package supervisor

import (
	"time"

	"github.com/psantana5/crashguard/internal/snapshot"
	"github.com/psantana5/crashguard/internal/wrapper"
)

// CrashReport is handed to the crash callback while the guarded instance is
// still parked in the handshake
type CrashReport struct {
	Launch       int
	PID          int
	Reason       string
	Stack        string
	Time         time.Time
	RestartCount uint64

	// Snapshot is nil when capture failed or is disabled. It is closed as
	// soon as the callback returns; do not retain it.
	Snapshot    snapshot.Snapshot
	SnapshotErr error
}

// ExitReport describes how a launch ended
type ExitReport struct {
	Launch     int
	PID        int
	ExitCode   int
	Signal     string
	Reason     wrapper.ExitReason
	Crashed    bool
	Duration   time.Duration
	CrashCount uint64
}

// Anomalous is true for a non-zero exit that never signalled a crash
func (r *ExitReport) Anomalous() bool {
	return !r.Crashed && r.Reason.IsFailure()
}
