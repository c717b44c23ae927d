// Package snapshot captures diagnostic state of a guarded process while it is
// parked in the crash handshake.
//
// Providers are pluggable. The default "process" provider freezes the target
// and records what the kernel exposes about it; "gcore" asks gdb for a real
// core file; "none" disables capture.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Provider captures a snapshot of a live process
type Provider interface {
	Name() string
	Capture(ctx context.Context, pid int) (Snapshot, error)
}

// Snapshot is a scoped handle to captured artefacts. Close releases it and,
// unless artefacts are kept, deletes them. Close is idempotent.
type Snapshot interface {
	PID() int
	Path() string
	CapturedAt() time.Time
	Close() error
}

// Options configure the built-in providers
type Options struct {
	// Dir receives artefacts; defaults to a crashguard directory under TMPDIR.
	Dir string

	// Keep leaves artefacts on disk when the handle is closed.
	Keep bool

	// MaxKept bounds kept artefacts in Dir, oldest removed first; 0 keeps all.
	MaxKept int

	// GcoreBinary overrides the gcore executable.
	GcoreBinary string

	// Logger reports capture trouble that does not fail the capture.
	Logger zerolog.Logger
}

func (o Options) dir() string {
	if o.Dir != "" {
		return o.Dir
	}
	return filepath.Join(os.TempDir(), "crashguard-snapshots")
}

// New returns the named provider
func New(name string, opts Options) (Provider, error) {
	switch name {
	case "", "process":
		return NewProcessProvider(opts), nil
	case "gcore":
		return NewGcoreProvider(opts), nil
	case "none":
		return None{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknown, name)
	}
}

// artefactName builds a unique file stem for one capture
func artefactName(pid int, at time.Time) string {
	return fmt.Sprintf("crash-%d-%s", pid, at.UTC().Format("20060102T150405.000000000"))
}

// fileSnapshot is a handle backed by files on disk
type fileSnapshot struct {
	pid   int
	path  string
	at    time.Time
	keep  bool
	files []string

	once sync.Once
	err  error
}

func (s *fileSnapshot) PID() int              { return s.pid }
func (s *fileSnapshot) Path() string          { return s.path }
func (s *fileSnapshot) CapturedAt() time.Time { return s.at }

func (s *fileSnapshot) Close() error {
	s.once.Do(func() {
		if s.keep {
			return
		}
		var errs []error
		for _, f := range s.files {
			if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		s.err = errors.Join(errs...)
	})
	return s.err
}

// None disables capture; its handles carry no artefacts
type None struct{}

func (None) Name() string { return "none" }

func (None) Capture(_ context.Context, pid int) (Snapshot, error) {
	return &fileSnapshot{pid: pid, at: time.Now(), keep: true}, nil
}
