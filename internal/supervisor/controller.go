// Package supervisor owns the guarded instance's lifecycle: spawn it, watch
// the crash channel, capture a snapshot while the child is parked mid-fault,
// acknowledge, and decide whether to relaunch.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/psantana5/crashguard/internal/channel"
	"github.com/psantana5/crashguard/internal/guarded"
	"github.com/psantana5/crashguard/internal/identity"
	"github.com/psantana5/crashguard/internal/observe"
	"github.com/psantana5/crashguard/internal/report"
	"github.com/psantana5/crashguard/internal/snapshot"
	"github.com/psantana5/crashguard/internal/state"
	"github.com/psantana5/crashguard/internal/wrapper"
)

// Options configure a Controller
type Options struct {
	Identity identity.Identity
	Dir      string

	Launcher  Launcher
	Snapshots snapshot.Provider

	PollInterval time.Duration
	ReadyTimeout time.Duration
	StopTimeout  time.Duration

	// MaxRestarts caps relaunches per supervisor run; 0 is unlimited
	MaxRestarts  int
	RestartDelay time.Duration
	RestartBurst int

	OnCrash func(*CrashReport)
	OnExit  func(*ExitReport)

	Metrics *report.Metrics
	Crashes *report.CrashLog
	State   *state.Manager

	Logger zerolog.Logger
}

func (o *Options) setDefaults() {
	if o.Launcher == nil {
		o.Launcher = SelfLauncher()
	}
	if o.Snapshots == nil {
		o.Snapshots = snapshot.None{}
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 200 * time.Millisecond
	}
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = 10 * time.Second
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = 10 * time.Second
	}
	if o.RestartBurst < 1 {
		o.RestartBurst = 1
	}
	if o.Metrics == nil {
		o.Metrics = report.NewMetrics()
	}
	if o.Crashes == nil {
		o.Crashes = report.NewCrashLog(report.DefaultCrashLogSize)
	}
}

// Controller is the supervisor side of one crashguard pair. The caller must
// own the primary lock for as long as the controller runs.
type Controller struct {
	opts     Options
	log      zerolog.Logger
	listener *channel.Listener
	limiter  *rate.Limiter

	restart  atomic.Bool
	crashes  atomic.Uint64
	launches int
}

// New binds the crash channel socket
func New(opts Options) (*Controller, error) {
	opts.setDefaults()

	sock := filepath.Join(opts.Dir, opts.Identity.SocketName())
	l, err := channel.Listen(sock, opts.Logger)
	if err != nil {
		return nil, err
	}

	limit := rate.Inf
	if opts.RestartDelay > 0 {
		limit = rate.Every(opts.RestartDelay)
	}

	return &Controller{
		opts:     opts,
		log:      opts.Logger,
		listener: l,
		limiter:  rate.NewLimiter(limit, opts.RestartBurst),
	}, nil
}

// SetRestartOnCrash sets the restart flag, read before every relaunch
func (c *Controller) SetRestartOnCrash(v bool) { c.restart.Store(v) }

// RestartOnCrash returns the restart flag
func (c *Controller) RestartOnCrash() bool { return c.restart.Load() }

// CrashCounter is the number of crashes fully handled in this supervisor run
func (c *Controller) CrashCounter() uint64 { return c.crashes.Load() }

// Metrics returns the controller's metrics
func (c *Controller) Metrics() *report.Metrics { return c.opts.Metrics }

// Crashes returns the recent crash log
func (c *Controller) Crashes() *report.CrashLog { return c.opts.Crashes }

// Run launches the guarded instance and relaunches it after failures until
// the restart policy says stop or ctx is cancelled. Only a failure to spawn is
// returned as an error.
func (c *Controller) Run(ctx context.Context) error {
	defer c.listener.Close()

	c.recordStart()
	defer c.recordStop()

	restarts := 0
	for ctx.Err() == nil {
		res, err := c.launch(ctx)
		if err != nil {
			return err
		}

		switch {
		case ctx.Err() != nil:
			c.log.Info().Msg("supervisor stopped")
			return nil
		case !res.Reason.IsFailure():
			c.log.Info().Str("reason", string(res.Reason)).Msg("guarded instance finished, supervisor exiting")
			return nil
		case !c.restart.Load():
			c.log.Info().Msg("restart on crash disabled, supervisor exiting")
			return nil
		case c.opts.MaxRestarts > 0 && restarts >= c.opts.MaxRestarts:
			c.log.Warn().Int("max_restarts", c.opts.MaxRestarts).Msg("restart limit reached, supervisor exiting")
			return nil
		}

		if err := c.limiter.Wait(ctx); err != nil {
			c.log.Info().Msg("supervisor stopped while waiting to restart")
			return nil
		}
		restarts++
		c.opts.Metrics.Restarts.Inc()
		if n := c.crashes.Load(); n > 0 {
			c.log.Info().Uint64("crashes", n).Msgf("App restarted after %d crash(es)", n)
		} else {
			c.log.Info().Str("reason", string(res.Reason)).Msg("App restarted after abnormal exit")
		}
	}
	return nil
}

// launch runs one guarded instance to completion
func (c *Controller) launch(ctx context.Context) (*report.Result, error) {
	c.launches++
	n := c.launches

	sc := guarded.SpawnContext{
		Token:         uuid.NewString(),
		RestartCount:  c.crashes.Load(),
		SupervisorPID: os.Getpid(),
	}
	c.listener.Expect(sc.Token)

	timing := observe.NewTiming()
	child, err := c.opts.Launcher.Launch(sc.Env())
	if err != nil {
		return nil, fmt.Errorf("spawning guarded instance: %w", err)
	}
	c.opts.Metrics.Launches.Inc()

	log := c.log.With().Int("launch", n).Int("pid", child.PID()).Logger()
	log.Info().Uint64("restart_count", sc.RestartCount).Msg("guarded instance spawned")

	var (
		handshake sync.Mutex
		stopping  atomic.Bool
	)
	go c.stopOnCancel(ctx, child, &handshake, &stopping, log)

	var crash *crashOutcome
	sess, err := c.listener.AwaitReady(ctx, child.Done(), c.opts.ReadyTimeout)
	switch {
	case err == nil:
		log.Info().Msg("crash channel ready")
		c.opts.Metrics.SetGuardedUp(true)
		crash = c.monitor(ctx, sess, child, n, &handshake, log)
		sess.Close()
		c.opts.Metrics.SetGuardedUp(false)
	case errors.Is(err, channel.ErrReadyTimeout):
		log.Warn().Dur("ready_timeout", c.opts.ReadyTimeout).
			Msg("guarded instance never became ready, waiting for exit without crash monitoring")
	case errors.Is(err, channel.ErrChildExited):
		log.Debug().Msg("guarded instance exited before becoming ready")
	}

	status, werr := child.Wait()
	timing.Complete()
	if werr != nil {
		log.Warn().Err(werr).Msg("waiting for guarded instance")
	}

	reason := wrapper.DetermineExitReason(status, crash != nil, stopping.Load())
	res := report.NewResult(n, child.PID(), timing.StartedAt(), timing.CompletedAt(),
		status.Code, status.SignalName(), reason)
	if crash != nil {
		res.SetCrash(crash.reason, crash.snapshotPath, crash.snapshotErr)
	}

	log.Info().Int("exit_code", status.Code).Msg("guarded instance exited")
	if crash == nil && reason.IsFailure() {
		log.Warn().Int("exit_code", status.Code).Str("signal", res.Signal).
			Msg("non-zero exit without crash signal")
	}
	res.LogSummary(log)
	c.record(res)

	c.fireExit(&ExitReport{
		Launch:     n,
		PID:        res.PID,
		ExitCode:   res.ExitCode,
		Signal:     res.Signal,
		Reason:     res.Reason,
		Crashed:    res.Crashed,
		Duration:   res.Duration,
		CrashCount: c.crashes.Load(),
	}, log)

	return res, nil
}

// stopOnCancel forwards a shutdown to the child, escalating to SIGKILL. A
// crash handshake in progress is allowed to finish first.
func (c *Controller) stopOnCancel(ctx context.Context, child Child, handshake *sync.Mutex, stopping *atomic.Bool, log zerolog.Logger) {
	select {
	case <-child.Done():
		return
	case <-ctx.Done():
	}

	handshake.Lock()
	stopping.Store(true)
	log.Info().Msg("stopping guarded instance")
	if err := child.Signal(syscall.SIGTERM); err != nil {
		log.Warn().Err(err).Msg("sending SIGTERM")
	}
	handshake.Unlock()

	timer := time.NewTimer(c.opts.StopTimeout)
	defer timer.Stop()
	select {
	case <-child.Done():
	case <-timer.C:
		log.Warn().Dur("stop_timeout", c.opts.StopTimeout).Msg("guarded instance ignored SIGTERM, killing")
		if err := child.Signal(syscall.SIGKILL); err != nil {
			log.Warn().Err(err).Msg("sending SIGKILL")
		}
	}
}

type crashOutcome struct {
	reason       string
	snapshotPath string
	snapshotErr  error
}

// monitor polls the session until a crash frame arrives or the child goes
// away. Each poll blocks for at most PollInterval.
func (c *Controller) monitor(ctx context.Context, sess *channel.Session, child Child, n int, handshake *sync.Mutex, log zerolog.Logger) *crashOutcome {
	for {
		f, err := sess.Poll(c.opts.PollInterval)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Warn().Err(err).Msg("crash channel read failed, monitoring stopped")
			}
			return nil
		}
		if f == nil {
			select {
			case <-child.Done():
				return nil
			default:
				continue
			}
		}
		if f.Type != channel.FrameCrash {
			log.Debug().Str("frame", string(f.Type)).Msg("ignoring unexpected frame")
			continue
		}

		handshake.Lock()
		out := c.handleCrash(ctx, sess, child.PID(), n, f, log)
		handshake.Unlock()
		return out
	}
}

// handleCrash runs strictly between the crash frame and the ack: capture,
// callback, release the snapshot, count, acknowledge
func (c *Controller) handleCrash(ctx context.Context, sess *channel.Session, pid, n int, f *channel.Frame, log zerolog.Logger) *crashOutcome {
	started := time.Now()
	log.Error().Str("reason", f.Reason).Msg("crash detected")

	// No timeout once a crash is in hand
	snap, snapErr := c.capture(context.WithoutCancel(ctx), pid, log)

	out := &crashOutcome{reason: f.Reason, snapshotErr: snapErr}
	if snap != nil {
		out.snapshotPath = snap.Path()
	}

	c.fireCrash(&CrashReport{
		Launch:       n,
		PID:          pid,
		Reason:       f.Reason,
		Stack:        f.Stack,
		Time:         f.Time,
		RestartCount: f.RestartCount,
		Snapshot:     snap,
		SnapshotErr:  snapErr,
	}, log)

	c.crashes.Add(1)

	if err := sess.Ack(); err != nil {
		log.Warn().Err(err).Msg("sending acknowledgment")
	} else {
		log.Info().Msg("acknowledgment sent")
	}
	c.opts.Metrics.ObserveCrashHandling(time.Since(started))
	return out
}

func (c *Controller) capture(ctx context.Context, pid int, log zerolog.Logger) (snapshot.Snapshot, error) {
	if _, disabled := c.opts.Snapshots.(snapshot.None); disabled {
		c.opts.Metrics.RecordSnapshot(report.SnapshotDisabled)
		return nil, nil
	}

	snap, err := c.opts.Snapshots.Capture(ctx, pid)
	if err != nil {
		c.opts.Metrics.RecordSnapshot(report.SnapshotFailed)
		log.Warn().Err(err).Str("provider", c.opts.Snapshots.Name()).
			Msg("snapshot failed, continuing without one")
		return nil, err
	}

	c.opts.Metrics.RecordSnapshot(report.SnapshotCaptured)
	log.Info().Str("provider", c.opts.Snapshots.Name()).Str("path", snap.Path()).Msg("snapshot captured")
	return snap, nil
}

// fireCrash invokes the crash callback; the snapshot is released even if the
// callback panics
func (c *Controller) fireCrash(r *CrashReport, log zerolog.Logger) {
	if r.Snapshot != nil {
		defer func() {
			if err := r.Snapshot.Close(); err != nil {
				log.Warn().Err(err).Msg("releasing snapshot")
			}
		}()
	}
	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Msg("crash callback panicked")
		}
	}()

	if c.opts.OnCrash != nil {
		c.opts.OnCrash(r)
	}
}

func (c *Controller) fireExit(r *ExitReport, log zerolog.Logger) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Msg("exit callback panicked")
		}
	}()

	if c.opts.OnExit != nil {
		c.opts.OnExit(r)
	}
}

func (c *Controller) record(res *report.Result) {
	c.opts.Metrics.RecordResult(res)
	c.opts.Crashes.Record(res)

	if c.opts.State == nil {
		return
	}
	c.opts.State.RecordResult(res)
	if err := c.opts.State.Save(); err != nil {
		c.log.Warn().Err(err).Str("path", c.opts.State.Path()).Msg("saving crash history")
	}
}

func (c *Controller) recordStart() {
	if c.opts.State == nil {
		return
	}
	if err := c.opts.State.Load(); err != nil {
		c.log.Warn().Err(err).Msg("loading crash history, starting fresh")
	}
	c.opts.State.RecordSupervisorStart(c.opts.Identity.String(), os.Getpid())
	if err := c.opts.State.Save(); err != nil {
		c.log.Warn().Err(err).Str("path", c.opts.State.Path()).Msg("saving crash history")
	}
}

func (c *Controller) recordStop() {
	if c.opts.State == nil {
		return
	}
	c.opts.State.RecordSupervisorStop()
	if err := c.opts.State.Save(); err != nil {
		c.log.Warn().Err(err).Str("path", c.opts.State.Path()).Msg("saving crash history")
	}
}
