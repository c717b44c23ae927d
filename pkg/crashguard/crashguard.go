// Package crashguard turns a program into a self-supervising pair: the first
// instance becomes the supervisor and re-executes the binary as the guarded
// instance. When the guarded instance panics, the supervisor captures a
// snapshot of it while it is parked mid-fault, reports the crash and, if
// asked to, launches it again.
//
// A typical main:
//
//	h := crashguard.New(cfg)
//	h.OnCrash(func(r *crashguard.CrashReport) { ... })
//	h.SetRestartOnCrash(true)
//	if err := h.Run(ctx, app); err != nil {
//		log.Fatal(err)
//	}
//
// Only panics raised inside Protect, Go or Run are observed. Go has no
// process-wide hook for a panic on an arbitrary goroutine.
package crashguard

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/psantana5/crashguard/internal/config"
	"github.com/psantana5/crashguard/internal/guarded"
	"github.com/psantana5/crashguard/internal/identity"
	"github.com/psantana5/crashguard/internal/logging"
	"github.com/psantana5/crashguard/internal/namedlock"
	"github.com/psantana5/crashguard/internal/report"
	"github.com/psantana5/crashguard/internal/role"
	"github.com/psantana5/crashguard/internal/shutdown"
	"github.com/psantana5/crashguard/internal/snapshot"
	"github.com/psantana5/crashguard/internal/state"
	"github.com/psantana5/crashguard/internal/supervisor"
)

type (
	Config      = config.Config
	Fault       = guarded.Fault
	CrashReport = supervisor.CrashReport
	ExitReport  = supervisor.ExitReport
	Role        = role.Role

	Launcher         = supervisor.Launcher
	LauncherFunc     = supervisor.LauncherFunc
	Child            = supervisor.Child
	SnapshotProvider = snapshot.Provider
	Snapshot         = snapshot.Snapshot
)

const (
	Supervisor = role.Supervisor
	Guarded    = role.Guarded
)

var (
	// ErrAlreadyStarted is returned by a second call to Start
	ErrAlreadyStarted = errors.New("crashguard already started")

	// ErrSupervisorFinished is returned by Start in the supervisor role when
	// the exit function returns instead of ending the process
	ErrSupervisorFinished = errors.New("supervisor finished")

	// ErrNotSupervised is returned by Start for an instance that found a
	// supervisor running but was not spawned by it
	ErrNotSupervised = guarded.ErrNotSupervised

	// ErrChannelExists is returned by Start when another guarded instance
	// already owns the crash channel
	ErrChannelExists = role.ErrChannelExists
)

// DefaultConfig returns the built-in configuration
func DefaultConfig() Config {
	return config.Defaults()
}

// Handler is the per-run crashguard context. Register callbacks and set the
// restart flag before Start.
type Handler struct {
	cfg  Config
	opts options
	log  zerolog.Logger

	onFault func(*Fault)
	onCrash func(*CrashReport)
	onExit  func(*ExitReport)

	restart atomic.Bool
	started atomic.Bool

	mu    sync.RWMutex
	role  Role
	sup   *supervisor.Controller
	guard *guarded.Controller
}

// New returns a Handler for cfg. Zero durations and an empty snapshot
// provider fall back to the defaults.
func New(cfg Config, opts ...Option) *Handler {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	h := &Handler{cfg: withDefaults(cfg), opts: o}
	if o.logger != nil {
		h.log = *o.logger
	} else {
		h.log = logging.Component("crashguard")
	}
	h.restart.Store(cfg.RestartOnCrash)
	return h
}

func withDefaults(cfg Config) Config {
	d := config.Defaults()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = d.PollInterval
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = d.ReadyTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = d.StopTimeout
	}
	if cfg.RestartBurst < 1 {
		cfg.RestartBurst = d.RestartBurst
	}
	if cfg.Snapshot.Provider == "" {
		cfg.Snapshot.Provider = d.Snapshot.Provider
	}
	return cfg
}

// OnUnhandledException registers the callback run inside the guarded
// instance when it faults, before the supervisor is signalled
func (h *Handler) OnUnhandledException(fn func(*Fault)) { h.onFault = fn }

// OnCrash registers the supervisor callback run while the faulted instance is
// parked. The snapshot is released when fn returns.
func (h *Handler) OnCrash(fn func(*CrashReport)) { h.onCrash = fn }

// OnExit registers the supervisor callback run after every launch
func (h *Handler) OnExit(fn func(*ExitReport)) { h.onExit = fn }

// SetRestartOnCrash sets the restart flag. The supervisor reads it before
// every relaunch, so it may be changed from a callback.
func (h *Handler) SetRestartOnCrash(v bool) {
	h.restart.Store(v)
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.sup != nil {
		h.sup.SetRestartOnCrash(v)
	}
}

// RestartOnCrash returns the restart flag
func (h *Handler) RestartOnCrash() bool { return h.restart.Load() }

// Role is empty until Start has resolved it
func (h *Handler) Role() Role {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.role
}

// CrashCounter is the number of crashes handled by this supervisor run. It is
// always zero in the guarded instance; see RestartCount.
func (h *Handler) CrashCounter() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.sup == nil {
		return 0
	}
	return h.sup.CrashCounter()
}

// RestartCount is the number of crashes that preceded this guarded instance,
// as passed by the supervisor at spawn. Zero in the supervisor.
func (h *Handler) RestartCount() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.guard == nil {
		return 0
	}
	return h.guard.RestartCount()
}

// Start resolves the role. The supervisor runs its launch loop and then ends
// the process with status 0. The guarded instance connects to its supervisor
// and returns so the application can run.
func (h *Handler) Start(ctx context.Context) error {
	if !h.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	id, err := identity.Derive(h.cfg.Identity)
	if err != nil {
		return err
	}
	dir := h.cfg.RunDir
	if dir == "" {
		dir = namedlock.DefaultDir()
	}

	res, err := role.Resolve(dir, id)
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.role = res.Role
	h.mu.Unlock()

	h.log = h.log.With().Str("role", string(res.Role)).Logger()
	h.log.Info().Str("identity", id.String()).Str("dir", dir).Msg("role resolved")

	if res.Role == role.Guarded {
		return h.startGuarded(ctx, res)
	}

	code := 0
	if err := h.supervise(ctx, res); err != nil {
		h.log.Error().Err(err).Msg("supervisor failed")
		code = 1
	}
	h.opts.exit(code)
	return ErrSupervisorFinished
}

func (h *Handler) startGuarded(ctx context.Context, res *role.Resolution) error {
	g, err := guarded.Open(ctx, guarded.Options{
		Identity:     res.Identity,
		Dir:          res.Dir,
		ReadyTimeout: h.cfg.ReadyTimeout,
		OnFault:      h.onFault,
		Logger:       h.log,
		Getenv:       h.opts.getenv,
	})
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.guard = g
	h.mu.Unlock()
	return nil
}

// supervise owns the primary lock until the launch loop ends
func (h *Handler) supervise(ctx context.Context, res *role.Resolution) error {
	stop := shutdown.New(h.cfg.StopTimeout, h.log)
	defer func() {
		if err := stop.Shutdown(); err != nil {
			h.log.Warn().Err(err).Msg("shutdown incomplete")
		}
	}()
	stop.Register("primary lock", func(context.Context) error { return res.Release() })

	ctx, cancel := stop.NotifyContext(ctx)
	defer cancel()

	provider := h.opts.snapshots
	if provider == nil {
		p, err := snapshot.New(h.cfg.Snapshot.Provider, snapshot.Options{
			Dir:     h.cfg.Snapshot.Dir,
			Keep:    h.cfg.Snapshot.Keep,
			MaxKept: h.cfg.Snapshot.MaxKept,
			Logger:  h.log.With().Str("component", "snapshot").Logger(),
		})
		if err != nil {
			return err
		}
		provider = p
	}

	metrics := report.NewMetrics()
	crashes := report.NewCrashLog(report.DefaultCrashLogSize)
	if h.opts.metricsDump != nil {
		stop.Register("metrics dump", func(context.Context) error {
			return report.WriteText(h.opts.metricsDump, metrics.Registry())
		})
	}

	var history *state.Manager
	if h.cfg.StatePath != "" {
		history = state.NewManager(h.cfg.StatePath)
	}

	if h.cfg.MetricsAddr != "" {
		srv, err := report.Serve(h.cfg.MetricsAddr, metrics, crashes, h.log)
		if err != nil {
			return fmt.Errorf("starting metrics endpoint: %w", err)
		}
		stop.Register("metrics endpoint", shutdown.StopHTTPServer(srv))
	}

	sup, err := supervisor.New(supervisor.Options{
		Identity:     res.Identity,
		Dir:          res.Dir,
		Launcher:     h.opts.launcher,
		Snapshots:    provider,
		PollInterval: h.cfg.PollInterval,
		ReadyTimeout: h.cfg.ReadyTimeout,
		StopTimeout:  h.cfg.StopTimeout,
		MaxRestarts:  h.cfg.MaxRestarts,
		RestartDelay: h.cfg.RestartDelay,
		RestartBurst: h.cfg.RestartBurst,
		OnCrash:      h.onCrash,
		OnExit:       h.onExit,
		Metrics:      metrics,
		Crashes:      crashes,
		State:        history,
		Logger:       h.log,
	})
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.sup = sup
	h.mu.Unlock()
	sup.SetRestartOnCrash(h.restart.Load())

	return sup.Run(ctx)
}

// Protect runs fn in the guarded instance, turning a panic into a crash
// report. Outside the guarded role fn runs unprotected.
func (h *Handler) Protect(fn func()) {
	if g := h.guarded(); g != nil {
		g.Protect(fn)
		return
	}
	fn()
}

// Go runs fn on a new goroutine under Protect
func (h *Handler) Go(fn func()) {
	go h.Protect(fn)
}

// Run starts the handler and, in the guarded instance, runs fn under Protect
// before closing the crash channel. In the supervisor role Run does not
// return unless the exit function does.
func (h *Handler) Run(ctx context.Context, fn func(context.Context) error) error {
	if err := h.Start(ctx); err != nil {
		return err
	}
	defer h.Close()

	var err error
	h.Protect(func() { err = fn(ctx) })
	return err
}

// Close releases the crash channel in the guarded instance so the supervisor
// sees a clean shutdown
func (h *Handler) Close() error {
	if g := h.guarded(); g != nil {
		return g.Close()
	}
	return nil
}

func (h *Handler) guarded() *guarded.Controller {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.guard
}

func defaultOptions() options {
	return options{
		exit:   os.Exit,
		getenv: os.Getenv,
	}
}
