// Package report turns finished launches into the supervisor's visibility
// layers: an immutable Result per launch, Prometheus counters derived from it,
// a ring buffer of recent crashes and a one-line log summary.
package report

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/psantana5/crashguard/internal/wrapper"
)

// Result is immutable launch-level truth. Set once, never change.
type Result struct {
	Launch int `json:"launch"`
	PID    int `json:"pid"`

	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`

	ExitCode int                `json:"exit_code"`
	Signal   string             `json:"signal,omitempty"`
	Reason   wrapper.ExitReason `json:"reason"`

	// Crash details, set only when the crash handshake completed
	Crashed       bool   `json:"crashed"`
	CrashReason   string `json:"crash_reason,omitempty"`
	Snapshot      string `json:"snapshot,omitempty"`
	SnapshotError string `json:"snapshot_error,omitempty"`
}

// NewResult creates an immutable result
func NewResult(launch, pid int, startTime, endTime time.Time, exitCode int, signal string, reason wrapper.ExitReason) *Result {
	return &Result{
		Launch:    launch,
		PID:       pid,
		StartTime: startTime,
		EndTime:   endTime,
		Duration:  endTime.Sub(startTime),
		ExitCode:  exitCode,
		Signal:    signal,
		Reason:    reason,
		Crashed:   reason == wrapper.ExitReasonCrashed,
	}
}

// SetCrash records the crash details. Call this ONCE, before the result is
// published.
func (r *Result) SetCrash(reason, snapshotPath string, snapshotErr error) {
	r.Crashed = true
	r.CrashReason = reason
	r.Snapshot = snapshotPath
	if snapshotErr != nil {
		r.SnapshotError = snapshotErr.Error()
	}
}

// LogSummary emits the one-line summary ops grep for
func (r *Result) LogSummary(log zerolog.Logger) {
	ev := log.Info()
	if r.Reason.IsFailure() {
		ev = log.Warn()
	}
	ev = ev.
		Int("launch", r.Launch).
		Int("pid", r.PID).
		Str("reason", string(r.Reason)).
		Int("exit", r.ExitCode).
		Dur("runtime", r.Duration)
	if r.Signal != "" {
		ev = ev.Str("signal", r.Signal)
	}
	if r.Crashed {
		ev = ev.Str("crash", r.CrashReason)
	}
	ev.Msgf("LAUNCH %d | reason=%s | runtime=%.1fs | exit=%d | pid=%d",
		r.Launch, r.Reason, r.Duration.Seconds(), r.ExitCode, r.PID)
}
