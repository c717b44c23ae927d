package wrapper

import (
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// ExitReason describes why a guarded launch ended
type ExitReason string

const (
	ExitReasonSuccess   ExitReason = "success"   // exit code 0, no crash
	ExitReasonCrashed   ExitReason = "crashed"   // crash handshake completed
	ExitReasonAnomalous ExitReason = "anomalous" // non-zero exit without a crash signal
	ExitReasonSignaled  ExitReason = "signaled"  // killed by a signal we did not send
	ExitReasonStopped   ExitReason = "stopped"   // terminated by the supervisor on shutdown
	ExitReasonUnknown   ExitReason = "unknown"
)

// ExitStatus is how a process ended, decoupled from os.ProcessState so
// launches that never were real processes can report one too
type ExitStatus struct {
	Code     int
	Signaled bool
	Signal   syscall.Signal
}

// StatusFromState converts a reaped process's state
func StatusFromState(state *os.ProcessState) ExitStatus {
	if state == nil {
		return ExitStatus{Code: -1}
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ExitStatus{Code: -1, Signaled: true, Signal: ws.Signal()}
	}
	return ExitStatus{Code: state.ExitCode()}
}

// SignalName returns the terminating signal's name, empty if none
func (s ExitStatus) SignalName() string {
	if !s.Signaled {
		return ""
	}
	return SignalName(s.Signal)
}

// DetermineExitReason classifies a finished launch. crashed is true when the
// guarded instance sent a crash frame; stopping is true when the supervisor
// itself asked the child to terminate.
func DetermineExitReason(st ExitStatus, crashed, stopping bool) ExitReason {
	switch {
	case crashed:
		return ExitReasonCrashed
	case !st.Signaled && st.Code == 0:
		return ExitReasonSuccess
	case stopping:
		return ExitReasonStopped
	case st.Signaled:
		return ExitReasonSignaled
	case st.Code > 0:
		return ExitReasonAnomalous
	}
	return ExitReasonUnknown
}

// SignalName returns the signal name for a signal number
func SignalName(sig syscall.Signal) string {
	if name := unix.SignalName(sig); name != "" {
		return name
	}
	return fmt.Sprintf("SIG%d", sig)
}

// IsSuccess returns true if the launch ended cleanly
func (r ExitReason) IsSuccess() bool {
	return r == ExitReasonSuccess
}

// IsFailure returns true for the outcomes that make a relaunch eligible
func (r ExitReason) IsFailure() bool {
	return r == ExitReasonCrashed || r == ExitReasonAnomalous || r == ExitReasonSignaled
}
