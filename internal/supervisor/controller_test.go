package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/psantana5/crashguard/internal/guarded"
	"github.com/psantana5/crashguard/internal/identity"
	"github.com/psantana5/crashguard/internal/snapshot"
	"github.com/psantana5/crashguard/internal/state"
	"github.com/psantana5/crashguard/internal/wrapper"
)

// behaviour scripts what one fake guarded instance does
type behaviour int

const (
	crashes behaviour = iota
	exitsCleanly
	exitsAnomalously
	killedExternally
	neverReady
	runsUntilStopped
	ignoresTerm
)

// fakeChild is an in-process guarded instance driving the real guarded
// controller over the real crash channel
type fakeChild struct {
	pid     int
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	status  wrapper.ExitStatus
	signals chan os.Signal
}

func (f *fakeChild) PID() int                 { return f.pid }
func (f *fakeChild) Done() <-chan struct{}    { return f.done }
func (f *fakeChild) Signal(s os.Signal) error { f.signals <- s; return nil }

func (f *fakeChild) Wait() (wrapper.ExitStatus, error) {
	<-f.done
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, nil
}

func (f *fakeChild) exit(st wrapper.ExitStatus) {
	f.once.Do(func() {
		f.mu.Lock()
		f.status = st
		f.mu.Unlock()
		close(f.done)
	})
}

type fakeLauncher struct {
	dir    string
	id     identity.Identity
	script func(launch int) behaviour

	mu            sync.Mutex
	launches      int
	restartCounts []uint64
	children      map[int]*fakeChild
}

// exited reports whether the instance with pid had ended
func (l *fakeLauncher) exited(pid int) bool {
	l.mu.Lock()
	child := l.children[pid]
	l.mu.Unlock()
	if child == nil {
		return false
	}
	select {
	case <-child.done:
		return true
	default:
		return false
	}
}

func envLookup(env []string) func(string) string {
	vars := map[string]string{}
	for _, kv := range env {
		k, v, _ := strings.Cut(kv, "=")
		vars[k] = v
	}
	return func(k string) string { return vars[k] }
}

func (l *fakeLauncher) Launch(env []string) (Child, error) {
	l.mu.Lock()
	l.launches++
	n := l.launches
	l.mu.Unlock()

	child := &fakeChild{pid: 100000 + n, done: make(chan struct{}), signals: make(chan os.Signal, 4)}
	l.mu.Lock()
	if l.children == nil {
		l.children = map[int]*fakeChild{}
	}
	l.children[child.pid] = child
	l.mu.Unlock()

	getenv := envLookup(env)
	go l.run(child, l.script(n), getenv)
	return child, nil
}

func (l *fakeLauncher) run(child *fakeChild, b behaviour, getenv func(string) string) {
	if b == neverReady {
		time.Sleep(100 * time.Millisecond)
		child.exit(wrapper.ExitStatus{Code: 0})
		return
	}

	ctrl, err := guarded.Open(context.Background(), guarded.Options{
		Identity:     l.id,
		Dir:          l.dir,
		ReadyTimeout: time.Second,
		Logger:       zerolog.Nop(),
		Getenv:       getenv,
		Terminate: func(*guarded.Fault) {
			child.exit(wrapper.ExitStatus{Code: 2})
		},
	})
	if err != nil {
		child.exit(wrapper.ExitStatus{Code: 1})
		return
	}

	l.mu.Lock()
	l.restartCounts = append(l.restartCounts, ctrl.RestartCount())
	l.mu.Unlock()

	switch b {
	case crashes:
		ctrl.Protect(func() { panic("induced fault") })
	case exitsCleanly:
		ctrl.Close()
		child.exit(wrapper.ExitStatus{Code: 0})
	case exitsAnomalously:
		// the kernel closes the channel when a process dies
		ctrl.Close()
		child.exit(wrapper.ExitStatus{Code: 3})
	case killedExternally:
		ctrl.Close()
		child.exit(wrapper.ExitStatus{Code: -1, Signaled: true, Signal: syscall.SIGKILL})
	case runsUntilStopped:
		sig := (<-child.signals).(syscall.Signal)
		ctrl.Close()
		child.exit(wrapper.ExitStatus{Code: -1, Signaled: true, Signal: sig})
	case ignoresTerm:
		for sig := range child.signals {
			if sig == syscall.SIGKILL {
				ctrl.Close()
				child.exit(wrapper.ExitStatus{Code: -1, Signaled: true, Signal: syscall.SIGKILL})
				return
			}
		}
	}
}

// fakeSnapshots records captures and whether every handle was released
type fakeSnapshots struct {
	mu     sync.Mutex
	pids   []int
	open   int
	fail   error
	closed int

	// exited, when set, samples whether the target had ended at capture time
	exited          func(pid int) bool
	exitedAtCapture []bool
}

type fakeSnapshot struct {
	owner *fakeSnapshots
	pid   int
	once  sync.Once
}

func (s *fakeSnapshot) PID() int              { return s.pid }
func (s *fakeSnapshot) Path() string          { return "/snapshots/fake" }
func (s *fakeSnapshot) CapturedAt() time.Time { return time.Now() }
func (s *fakeSnapshot) Close() error {
	s.once.Do(func() {
		s.owner.mu.Lock()
		s.owner.open--
		s.owner.closed++
		s.owner.mu.Unlock()
	})
	return nil
}

func (f *fakeSnapshots) Name() string { return "fake" }

func (f *fakeSnapshots) Capture(_ context.Context, pid int) (snapshot.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pids = append(f.pids, pid)
	if f.exited != nil {
		f.exitedAtCapture = append(f.exitedAtCapture, f.exited(pid))
	}
	if f.fail != nil {
		return nil, f.fail
	}
	f.open++
	return &fakeSnapshot{owner: f, pid: pid}, nil
}

type fixture struct {
	launcher  *fakeLauncher
	snapshots *fakeSnapshots
	opts      Options

	mu      sync.Mutex
	onCrash []*CrashReport
	onExit  []*ExitReport
}

func newFixture(t require.TestingT, dir string, script func(int) behaviour) *fixture {
	id, err := identity.Derive("supervisor-test")
	require.NoError(t, err)

	f := &fixture{
		launcher:  &fakeLauncher{dir: dir, id: id, script: script},
		snapshots: &fakeSnapshots{},
	}
	f.opts = Options{
		Identity:     id,
		Dir:          dir,
		Launcher:     f.launcher,
		Snapshots:    f.snapshots,
		PollInterval: 10 * time.Millisecond,
		ReadyTimeout: time.Second,
		StopTimeout:  200 * time.Millisecond,
		Logger:       zerolog.Nop(),
		OnCrash: func(r *CrashReport) {
			f.mu.Lock()
			f.onCrash = append(f.onCrash, r)
			f.mu.Unlock()
		},
		OnExit: func(r *ExitReport) {
			f.mu.Lock()
			f.onExit = append(f.onExit, r)
			f.mu.Unlock()
		},
	}
	return f
}

func (f *fixture) run(t require.TestingT, restart bool) *Controller {
	c, err := New(f.opts)
	require.NoError(t, err)
	c.SetRestartOnCrash(restart)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, c.Run(ctx))
	return c
}

func always(b behaviour) func(int) behaviour {
	return func(int) behaviour { return b }
}

func TestRun_SingleCrashNoRestart(t *testing.T) {
	f := newFixture(t, t.TempDir(), always(crashes))
	c := f.run(t, false)

	assert.Equal(t, 1, f.launcher.launches)
	assert.Equal(t, uint64(1), c.CrashCounter())
	require.Len(t, f.onCrash, 1)
	require.Len(t, f.onExit, 1)

	crash := f.onCrash[0]
	assert.Equal(t, "induced fault", crash.Reason)
	assert.NotNil(t, crash.Snapshot)
	assert.NoError(t, crash.SnapshotErr)
	assert.Equal(t, []int{100001}, f.snapshots.pids)
	assert.Equal(t, 0, f.snapshots.open, "snapshot released after the callback")

	exit := f.onExit[0]
	assert.True(t, exit.Crashed)
	assert.Equal(t, wrapper.ExitReasonCrashed, exit.Reason)
	assert.Equal(t, 2, exit.ExitCode)
	assert.False(t, exit.Anomalous())

	m := c.Metrics()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Crashes))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Snapshots.WithLabelValues("captured")))
	assert.Equal(t, 1, c.Crashes().Count())
}

func TestRun_SnapshotAndCallbackPrecedeAck(t *testing.T) {
	f := newFixture(t, t.TempDir(), func(n int) behaviour {
		if n <= 2 {
			return crashes
		}
		return exitsCleanly
	})
	f.snapshots.exited = f.launcher.exited

	var (
		mu            sync.Mutex
		exitedAtCrash []bool
		openAtCrash   []int
	)
	f.opts.OnCrash = func(r *CrashReport) {
		f.snapshots.mu.Lock()
		open := f.snapshots.open
		f.snapshots.mu.Unlock()

		mu.Lock()
		defer mu.Unlock()
		exitedAtCrash = append(exitedAtCrash, f.launcher.exited(r.PID))
		openAtCrash = append(openAtCrash, open)
	}
	f.run(t, true)

	assert.Equal(t, []bool{false, false}, f.snapshots.exitedAtCapture, "captured while the instance was parked")
	assert.Equal(t, []bool{false, false}, exitedAtCrash, "callback ran before the ack released the instance")
	assert.Equal(t, []int{1, 1}, openAtCrash, "snapshot held during the callback")
	assert.Zero(t, f.snapshots.open)
}

func TestRun_CleanExitNeverCounts(t *testing.T) {
	f := newFixture(t, t.TempDir(), always(exitsCleanly))
	c := f.run(t, true)

	assert.Equal(t, 1, f.launcher.launches, "clean exit ends the loop even with restart on")
	assert.Zero(t, c.CrashCounter())
	assert.Empty(t, f.onCrash)
	require.Len(t, f.onExit, 1)
	assert.Equal(t, wrapper.ExitReasonSuccess, f.onExit[0].Reason)
	assert.Empty(t, f.snapshots.pids)
}

func TestRun_AnomalousExit(t *testing.T) {
	f := newFixture(t, t.TempDir(), always(exitsAnomalously))
	c := f.run(t, false)

	assert.Zero(t, c.CrashCounter())
	assert.Empty(t, f.onCrash)
	assert.Empty(t, f.snapshots.pids, "no snapshot without a crash signal")
	require.Len(t, f.onExit, 1)
	assert.True(t, f.onExit[0].Anomalous())
	assert.Equal(t, 3, f.onExit[0].ExitCode)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Metrics().AnomalousExits))
}

func TestRun_KilledExternally(t *testing.T) {
	f := newFixture(t, t.TempDir(), always(killedExternally))
	f.run(t, false)

	require.Len(t, f.onExit, 1)
	assert.Equal(t, wrapper.ExitReasonSignaled, f.onExit[0].Reason)
	assert.Equal(t, "SIGKILL", f.onExit[0].Signal)
	assert.True(t, f.onExit[0].Anomalous())
}

func TestRun_RestartsAfterAnomalousExit(t *testing.T) {
	f := newFixture(t, t.TempDir(), func(n int) behaviour {
		if n == 1 {
			return exitsAnomalously
		}
		return exitsCleanly
	})
	c := f.run(t, true)

	assert.Equal(t, 2, f.launcher.launches)
	assert.Zero(t, c.CrashCounter())
}

func TestRun_SnapshotFailureStillAcknowledges(t *testing.T) {
	f := newFixture(t, t.TempDir(), always(crashes))
	f.snapshots.fail = &snapshot.Error{Kind: snapshot.KindAccessDenied, Provider: "fake", Err: syscall.EPERM}
	c := f.run(t, false)

	assert.Equal(t, uint64(1), c.CrashCounter())
	require.Len(t, f.onCrash, 1)
	assert.Nil(t, f.onCrash[0].Snapshot)
	assert.ErrorIs(t, f.onCrash[0].SnapshotErr, snapshot.ErrAccessDenied)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Metrics().Snapshots.WithLabelValues("failed")))
	assert.Equal(t, wrapper.ExitReasonCrashed, f.onExit[0].Reason)
}

func TestRun_CallbackPanicsAreContained(t *testing.T) {
	f := newFixture(t, t.TempDir(), always(crashes))
	f.opts.OnCrash = func(*CrashReport) { panic("crash callback bug") }
	f.opts.OnExit = func(*ExitReport) { panic("exit callback bug") }
	c := f.run(t, false)

	assert.Equal(t, uint64(1), c.CrashCounter())
	assert.Equal(t, 0, f.snapshots.open, "snapshot released even though the callback panicked")
	assert.Equal(t, 1, f.snapshots.closed)
}

func TestRun_MaxRestarts(t *testing.T) {
	f := newFixture(t, t.TempDir(), always(crashes))
	f.opts.MaxRestarts = 2
	c := f.run(t, true)

	assert.Equal(t, 3, f.launcher.launches)
	assert.Equal(t, uint64(3), c.CrashCounter())
	assert.Equal(t, 2.0, testutil.ToFloat64(c.Metrics().Restarts))
}

func TestRun_RestartFlagReadBeforeRelaunch(t *testing.T) {
	f := newFixture(t, t.TempDir(), always(crashes))

	var c *Controller
	f.opts.OnExit = func(r *ExitReport) {
		if r.Launch == 2 {
			c.SetRestartOnCrash(false)
		}
	}
	var err error
	c, err = New(f.opts)
	require.NoError(t, err)
	c.SetRestartOnCrash(true)
	require.NoError(t, c.Run(context.Background()))

	assert.Equal(t, 2, f.launcher.launches)
	assert.False(t, c.RestartOnCrash())
}

func TestRun_ReadyTimeout(t *testing.T) {
	f := newFixture(t, t.TempDir(), always(neverReady))
	f.opts.ReadyTimeout = 20 * time.Millisecond
	c := f.run(t, false)

	assert.Zero(t, c.CrashCounter())
	require.Len(t, f.onExit, 1)
	assert.Equal(t, wrapper.ExitReasonSuccess, f.onExit[0].Reason)
}

func TestRun_StopForwardsSIGTERM(t *testing.T) {
	f := newFixture(t, t.TempDir(), always(runsUntilStopped))
	c, err := New(f.opts)
	require.NoError(t, err)
	c.SetRestartOnCrash(true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(c.Metrics().GuardedUp) == 1
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop")
	}
	require.Len(t, f.onExit, 1)
	assert.Equal(t, wrapper.ExitReasonStopped, f.onExit[0].Reason)
	assert.Equal(t, "SIGTERM", f.onExit[0].Signal)
	assert.Equal(t, 1, f.launcher.launches, "no relaunch after stop")
}

func TestRun_StopEscalatesToSIGKILL(t *testing.T) {
	f := newFixture(t, t.TempDir(), always(ignoresTerm))
	c, err := New(f.opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(c.Metrics().GuardedUp) == 1
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop")
	}
	require.Len(t, f.onExit, 1)
	assert.Equal(t, "SIGKILL", f.onExit[0].Signal)
}

func TestRun_SpawnFailure(t *testing.T) {
	f := newFixture(t, t.TempDir(), always(crashes))
	f.opts.Launcher = LauncherFunc(func([]string) (Child, error) {
		return nil, errors.New("exec format error")
	})
	c, err := New(f.opts)
	require.NoError(t, err)

	err = c.Run(context.Background())
	assert.ErrorContains(t, err, "spawning guarded instance")
}

func TestRun_PersistsHistory(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, dir, func(n int) behaviour {
		if n < 3 {
			return crashes
		}
		return exitsCleanly
	})
	path := filepath.Join(dir, "state.json")
	f.opts.State = state.NewManager(path)
	f.run(t, true)

	m := state.NewManager(path)
	require.NoError(t, m.Load())
	st := m.Snapshot()
	assert.Equal(t, int64(3), st.Statistics.Launches)
	assert.Equal(t, int64(2), st.Statistics.Crashes)
	assert.Len(t, st.Crashes, 2)
	assert.Equal(t, os.Getpid(), st.Supervisor.PID)
	assert.False(t, st.Supervisor.StoppedAt.IsZero())
}

// For N induced faults with restart on, the supervisor relaunches exactly N
// times, the counter reaches N, and launch k is told about k-1 earlier crashes
func TestProperty_RelaunchPerFault(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 5).Draw(rt, "faults")

		f := newFixture(rt, t.TempDir(), func(launch int) behaviour {
			if launch <= n {
				return crashes
			}
			return exitsCleanly
		})
		c := f.run(rt, true)

		if f.launcher.launches != n+1 {
			rt.Fatalf("launches = %d, want %d", f.launcher.launches, n+1)
		}
		if c.CrashCounter() != uint64(n) {
			rt.Fatalf("crash counter = %d, want %d", c.CrashCounter(), n)
		}
		if len(f.onCrash) != n || len(f.snapshots.pids) != n {
			rt.Fatalf("callbacks %d, snapshots %d, want %d each", len(f.onCrash), len(f.snapshots.pids), n)
		}
		if f.snapshots.open != 0 {
			rt.Fatalf("%d snapshots leaked", f.snapshots.open)
		}
		for k, rc := range f.launcher.restartCounts {
			if rc != uint64(k) {
				rt.Fatalf("launch %d saw restart count %d", k+1, rc)
			}
		}
	})
}
