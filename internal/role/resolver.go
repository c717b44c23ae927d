// Package role decides at process start whether this instance is the
// supervisor or the guarded instance of a crashguard pair.
package role

import (
	"errors"
	"fmt"

	"github.com/psantana5/crashguard/internal/identity"
	"github.com/psantana5/crashguard/internal/namedlock"
)

// Role of a process instance
type Role string

const (
	Supervisor Role = "supervisor"
	Guarded    Role = "guarded"
)

// ErrChannelExists means the crash signal lock is already owned by a live
// guarded instance. Either a previous guarded instance is still running or a
// third process raced in; both are refused rather than queued.
var ErrChannelExists = errors.New("crash channel already exists")

// Resolution is the outcome of Resolve
type Resolution struct {
	Role     Role
	Identity identity.Identity
	Dir      string

	// Primary is owned by the supervisor for its whole lifetime; nil for guarded
	Primary *namedlock.Lock
}

// Resolve takes the primary lock if it is free (supervisor) or falls back to
// the guarded role when another process holds it. The create-and-lock step is
// a single flock call, so two processes can never both become supervisor.
func Resolve(dir string, id identity.Identity) (*Resolution, error) {
	lock, ok, err := namedlock.TryAcquire(dir, id.PrimaryLockName())
	if err != nil {
		return nil, fmt.Errorf("resolving role: %w", err)
	}

	if ok {
		return &Resolution{Role: Supervisor, Identity: id, Dir: dir, Primary: lock}, nil
	}
	return &Resolution{Role: Guarded, Identity: id, Dir: dir}, nil
}

// ClaimCrashLock takes the crash signal lock for a guarded instance, failing
// fast with ErrChannelExists when it is already owned.
func ClaimCrashLock(dir string, id identity.Identity) (*namedlock.Lock, error) {
	lock, ok, err := namedlock.TryAcquire(dir, id.CrashLockName())
	if err != nil {
		return nil, fmt.Errorf("claiming crash lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChannelExists, id.CrashLockName())
	}
	return lock, nil
}

// Release drops the primary lock, if held
func (r *Resolution) Release() error {
	if r.Primary == nil {
		return nil
	}
	return r.Primary.Release()
}
