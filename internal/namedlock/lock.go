// Package namedlock implements named, system-wide, exclusively-ownable locks on
// top of flock(2).
//
// A lock named "x" lives in <dir>/x.lock. Ownership is tied to the open file
// description, so it is released by the kernel when the owning process dies for
// any reason. The file itself may outlive its owner; holding it, not its
// existence, is what counts.
package namedlock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultPollInterval is used by Acquire when no interval is given
const DefaultPollInterval = 50 * time.Millisecond

// Lock is an owned named lock
type Lock struct {
	name string
	path string

	mu   sync.Mutex
	file *os.File
}

// DefaultDir returns the per-user directory holding lock files and sockets
func DefaultDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "crashguard")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("crashguard-%d", os.Getuid()))
}

// TryAcquire opens (creating if needed) and locks the named lock without
// blocking. ok is false when another owner holds it.
func TryAcquire(dir, name string) (lock *Lock, ok bool, err error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, false, fmt.Errorf("creating lock directory: %w", err)
	}

	path := filepath.Join(dir, name+".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, false, fmt.Errorf("opening lock %s: %w", name, err)
	}

	if err := flock(f, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("locking %s: %w", name, err)
	}

	// Record the owner for humans poking around the run dir
	_ = f.Truncate(0)
	_, _ = f.WriteAt([]byte(fmt.Sprintf("%d\n", os.Getpid())), 0)

	return &Lock{name: name, path: path, file: f}, true, nil
}

// Acquire blocks until the named lock is owned or ctx is done
func Acquire(ctx context.Context, dir, name string, poll time.Duration) (*Lock, error) {
	if poll <= 0 {
		poll = DefaultPollInterval
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		lock, ok, err := TryAcquire(dir, name)
		if err != nil {
			return nil, err
		}
		if ok {
			return lock, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for lock %s: %w", name, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Owner returns the pid recorded by the last owner of the named lock, or 0
// when the lock was never taken or was released cleanly. It only reads the
// lock file, so it never competes with a process trying to take the lock. The
// owner may have died since; check the pid before trusting it.
func Owner(dir, name string) (int, error) {
	data, err := os.ReadFile(filepath.Join(dir, name+".lock"))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading lock %s: %w", name, err)
	}

	text := strings.TrimSpace(string(data))
	if text == "" {
		return 0, nil
	}
	pid, err := strconv.Atoi(text)
	if err != nil {
		return 0, fmt.Errorf("lock %s has a malformed owner %q", name, text)
	}
	return pid, nil
}

// Name returns the lock name
func (l *Lock) Name() string { return l.name }

// Path returns the lock file path
func (l *Lock) Path() string { return l.path }

// Held reports whether this handle still owns the lock
func (l *Lock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file != nil
}

// Release unlocks and closes the lock. Calling it more than once is a no-op.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}

	// Best effort: the close below drops the lock anyway
	_ = l.file.Truncate(0)
	_ = flock(l.file, unix.LOCK_UN)
	err := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("closing lock %s: %w", l.name, err)
	}
	return nil
}

func flock(f *os.File, how int) error {
	for {
		err := unix.Flock(int(f.Fd()), how)
		if err != unix.EINTR {
			return err
		}
	}
}
