package snapshot

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"
)

// ErrorKind categorizes capture failures
type ErrorKind string

const (
	KindExited       ErrorKind = "exited"        // target died before or during capture
	KindAccessDenied ErrorKind = "access_denied" // not permitted to inspect the target
	KindFailed       ErrorKind = "failed"        // anything else
)

var (
	ErrProcessExited = errors.New("target process exited")
	ErrAccessDenied  = errors.New("access to target process denied")
	ErrUnknown       = errors.New("unknown snapshot provider")
)

// Error wraps a capture failure with its provider and target
type Error struct {
	Kind     ErrorKind
	Provider string
	PID      int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s snapshot of pid %d failed (%s): %v", e.Provider, e.PID, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets callers match on the kind sentinels
func (e *Error) Is(target error) bool {
	switch target {
	case ErrProcessExited:
		return e.Kind == KindExited
	case ErrAccessDenied:
		return e.Kind == KindAccessDenied
	}
	return false
}

func newError(provider string, pid int, err error) *Error {
	return &Error{Kind: Classify(err), Provider: provider, PID: pid, Err: err}
}

// Classify determines the kind of a capture error
func Classify(err error) ErrorKind {
	if err == nil {
		return KindFailed
	}

	switch {
	case errors.Is(err, ErrProcessExited),
		errors.Is(err, process.ErrorProcessNotRunning),
		errors.Is(err, syscall.ESRCH):
		return KindExited
	case errors.Is(err, ErrAccessDenied),
		errors.Is(err, os.ErrPermission),
		errors.Is(err, syscall.EPERM),
		errors.Is(err, syscall.EACCES):
		return KindAccessDenied
	}

	// External tools only report through their output
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"no such process", "process not running", "no such file or directory"} {
		if strings.Contains(msg, pattern) {
			return KindExited
		}
	}
	for _, pattern := range []string{"operation not permitted", "permission denied", "ptrace"} {
		if strings.Contains(msg, pattern) {
			return KindAccessDenied
		}
	}
	return KindFailed
}
