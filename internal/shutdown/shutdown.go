// Package shutdown runs cleanup steps in reverse registration order.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Func is one cleanup step
type Func func(context.Context) error

type step struct {
	name string
	fn   Func
}

// Manager handles graceful shutdown
type Manager struct {
	mu      sync.Mutex
	steps   []step
	timeout time.Duration
	log     zerolog.Logger
	once    sync.Once
	err     error
}

// New creates a new shutdown manager
func New(timeout time.Duration, log zerolog.Logger) *Manager {
	return &Manager{timeout: timeout, log: log}
}

// Register adds a shutdown step. Steps run in reverse order (LIFO).
func (m *Manager) Register(name string, fn Func) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, step{name: name, fn: fn})
}

// Shutdown runs every registered step once; later calls return the first
// result
func (m *Manager) Shutdown() error {
	m.once.Do(func() {
		m.mu.Lock()
		steps := m.steps
		m.steps = nil
		m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()

		var errs []error
		for i := len(steps) - 1; i >= 0; i-- {
			s := steps[i]
			if err := s.fn(ctx); err != nil {
				m.log.Warn().Err(err).Str("step", s.name).Msg("shutdown step failed")
				errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
				continue
			}
			m.log.Debug().Str("step", s.name).Msg("shutdown step done")
		}
		m.err = errors.Join(errs...)
	})
	return m.err
}

// NotifyContext returns a context cancelled on SIGINT or SIGTERM
func (m *Manager) NotifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			m.log.Info().Str("signal", sig.String()).Msg("received signal, initiating graceful shutdown")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// StopHTTPServer creates a shutdown step for an http.Server-like value
func StopHTTPServer(server interface{ Shutdown(context.Context) error }) Func {
	return func(ctx context.Context) error {
		return server.Shutdown(ctx)
	}
}

// CloseResource creates a shutdown step for an io.Closer
func CloseResource(closer interface{ Close() error }) Func {
	return func(context.Context) error {
		return closer.Close()
	}
}
