// Package guarded runs inside the guarded instance. It turns an unhandled
// panic into the crash handshake: signal the supervisor, stay parked while the
// snapshot is taken, then let the process die with the original panic.
package guarded

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/psantana5/crashguard/internal/channel"
	"github.com/psantana5/crashguard/internal/identity"
	"github.com/psantana5/crashguard/internal/namedlock"
	"github.com/psantana5/crashguard/internal/observe"
	"github.com/psantana5/crashguard/internal/role"
)

// Fault is an unhandled panic observed in the guarded instance
type Fault struct {
	Value any
	Stack []byte
	Time  time.Time
}

// Reason renders the panic value
func (f *Fault) Reason() string {
	if err, ok := f.Value.(error); ok {
		return err.Error()
	}
	return fmt.Sprint(f.Value)
}

// Options configure a Controller
type Options struct {
	Identity identity.Identity
	Dir      string

	// ReadyTimeout bounds the readiness exchange with the supervisor
	ReadyTimeout time.Duration

	// OnFault runs before the supervisor is signalled. Best effort: a panic
	// inside it is logged and swallowed.
	OnFault func(*Fault)

	Logger zerolog.Logger

	// Getenv defaults to os.Getenv
	Getenv func(string) string

	// Terminate ends the process after the handshake; defaults to re-panicking
	// with the original value
	Terminate func(*Fault)

	// WatchInterval is how often the supervisor pid is checked
	WatchInterval time.Duration
}

// Controller is the guarded side of one crashguard pair
type Controller struct {
	opts   Options
	log    zerolog.Logger
	spawn  SpawnContext
	lock   *namedlock.Lock
	client *channel.Client

	faulting     atomic.Bool
	park         chan struct{}
	unsupervised atomic.Bool
	stopWatch    context.CancelFunc
	closeOnce    sync.Once
}

// Open claims the crash signal lock, reads the spawn context and completes
// the readiness exchange with the supervisor
func Open(ctx context.Context, opts Options) (*Controller, error) {
	if opts.Getenv == nil {
		opts.Getenv = os.Getenv
	}
	if opts.Terminate == nil {
		opts.Terminate = func(f *Fault) { panic(f.Value) }
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 10 * time.Second
	}
	if opts.WatchInterval <= 0 {
		opts.WatchInterval = time.Second
	}

	lock, err := role.ClaimCrashLock(opts.Dir, opts.Identity)
	if err != nil {
		return nil, err
	}

	sc, err := SpawnContextFromEnv(opts.Getenv)
	if err != nil {
		lock.Release()
		return nil, err
	}

	log := opts.Logger.With().Int("restart_count", int(sc.RestartCount)).Logger()

	hello := channel.Frame{PID: os.Getpid(), Token: sc.Token, RestartCount: sc.RestartCount}
	sock := filepath.Join(opts.Dir, opts.Identity.SocketName())
	client, err := channel.Dial(ctx, sock, hello, opts.ReadyTimeout)
	if err != nil {
		lock.Release()
		return nil, fmt.Errorf("connecting to supervisor: %w", err)
	}

	c := &Controller{
		opts:   opts,
		log:    log,
		spawn:  sc,
		lock:   lock,
		client: client,
		park:   make(chan struct{}),
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	c.stopWatch = cancel
	if sc.SupervisorPID > 0 {
		go c.watchSupervisor(watchCtx, sc.SupervisorPID)
	}

	log.Info().Int("supervisor_pid", sc.SupervisorPID).Msg("crash channel ready")
	return c, nil
}

// watchSupervisor notices a dead supervisor where the kernel does not send us
// a death signal
func (c *Controller) watchSupervisor(ctx context.Context, pid int) {
	if err := observe.New(pid).Wait(ctx, c.opts.WatchInterval); err != nil {
		return
	}
	c.unsupervised.Store(true)
	c.log.Warn().Int("supervisor_pid", pid).Msg("supervisor gone, running unsupervised")
}

// RestartCount is how many crashes preceded this launch, as passed at spawn
func (c *Controller) RestartCount() uint64 {
	return c.spawn.RestartCount
}

// Unsupervised reports whether the supervisor has disappeared
func (c *Controller) Unsupervised() bool {
	return c.unsupervised.Load()
}

// Protect runs fn, turning a panic (including a memory fault) into the crash
// handshake. It does not return if fn panics.
func (c *Controller) Protect(fn func()) {
	old := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(old)

	defer func() {
		if r := recover(); r != nil {
			c.HandleFault(r, debug.Stack())
		}
	}()
	fn()
}

// Go runs fn in a new protected goroutine
func (c *Controller) Go(fn func()) {
	go c.Protect(fn)
}

// HandleFault performs the crash handshake for value and then terminates.
// Only the first fault is handled; concurrent faults park until the process
// dies.
func (c *Controller) HandleFault(value any, stack []byte) {
	if !c.faulting.CompareAndSwap(false, true) {
		<-c.park
		return
	}

	f := &Fault{Value: value, Stack: stack, Time: time.Now()}
	c.log.Error().Str("panic", f.Reason()).Msg("unhandled fault")

	c.notify(f)

	if c.unsupervised.Load() {
		c.log.Warn().Msg("no supervisor to signal, terminating")
	} else if err := c.signal(f); err != nil {
		c.log.Error().Err(err).Msg("crash handshake incomplete")
	}

	c.log.Info().Msg("process about to crash")
	c.release()
	c.opts.Terminate(f)
}

func (c *Controller) notify(f *Fault) {
	if c.opts.OnFault == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Msg("unhandled exception callback panicked")
		}
	}()
	c.opts.OnFault(f)
}

// signal sends the crash frame and blocks, with no timeout, for the ack
func (c *Controller) signal(f *Fault) error {
	frame := channel.Frame{
		PID:          os.Getpid(),
		RestartCount: c.spawn.RestartCount,
		Reason:       f.Reason(),
		Stack:        string(f.Stack),
		Time:         f.Time,
	}
	if err := c.client.SignalCrash(frame); err != nil {
		return err
	}
	c.log.Debug().Msg("crash signalled to supervisor")

	if err := c.client.AwaitAck(); err != nil {
		if errors.Is(err, channel.ErrSupervisorGone) {
			return err
		}
		return fmt.Errorf("awaiting acknowledgment: %w", err)
	}
	c.log.Debug().Msg("acknowledgment received")
	return nil
}

func (c *Controller) release() {
	c.closeOnce.Do(func() {
		c.stopWatch()
		if err := c.client.Close(); err != nil {
			c.log.Debug().Err(err).Msg("closing crash channel")
		}
		if err := c.lock.Release(); err != nil {
			c.log.Debug().Err(err).Msg("releasing crash lock")
		}
	})
}

// Close is the clean shutdown path: the supervisor sees the channel close and
// stops polling
func (c *Controller) Close() error {
	c.release()
	return nil
}
