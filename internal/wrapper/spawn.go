// Package wrapper spawns the guarded instance and reports how it ended.
//
// If the supervisor dies, the guarded instance must not outlive it
// unnoticed: on Linux the kernel delivers SIGTERM to the child, elsewhere the
// child watches the supervisor pid itself.
package wrapper

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/psantana5/crashguard/internal/observe"
)

// Spec describes one launch of the guarded instance
type Spec struct {
	Path string
	Args []string
	Env  []string

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// SelfSpec returns a spec that re-executes the running binary with the same
// arguments and the given extra environment
func SelfSpec(extraEnv ...string) (Spec, error) {
	exe, err := os.Executable()
	if err != nil {
		return Spec{}, fmt.Errorf("locating executable: %w", err)
	}
	return Spec{
		Path:   exe,
		Args:   os.Args[1:],
		Env:    append(os.Environ(), extraEnv...),
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}, nil
}

// Child is a running guarded instance
type Child struct {
	cmd    *exec.Cmd
	pid    int
	timing *observe.Timing

	done    chan struct{}
	mu      sync.Mutex
	status  ExitStatus
	waitErr error
}

// Spawn starts the process described by spec
func Spawn(spec Spec) (*Child, error) {
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Env = spec.Env
	cmd.Stdin = spec.Stdin
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr

	// CRITICAL: own process group, so a terminal ^C reaches the supervisor
	// first and it decides what happens to the child
	cmd.SysProcAttr = sysProcAttr()

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start: %w", err)
	}

	c := &Child{
		cmd:    cmd,
		pid:    cmd.Process.Pid,
		timing: observe.NewTiming(),
		done:   make(chan struct{}),
	}
	go c.wait()
	return c, nil
}

func (c *Child) wait() {
	err := c.cmd.Wait()
	c.timing.Complete()

	c.mu.Lock()
	c.status = StatusFromState(c.cmd.ProcessState)
	if _, ok := err.(*exec.ExitError); !ok {
		c.waitErr = err
	}
	c.mu.Unlock()

	close(c.done)
}

// PID of the child
func (c *Child) PID() int { return c.pid }

// Done closes when the child has exited and been reaped
func (c *Child) Done() <-chan struct{} { return c.done }

// Wait blocks until the child exits and returns how it ended
func (c *Child) Wait() (ExitStatus, error) {
	<-c.done
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status, c.waitErr
}

// Signal delivers sig to the child; a child that already exited is not an error
func (c *Child) Signal(sig os.Signal) error {
	select {
	case <-c.done:
		return nil
	default:
	}
	if err := c.cmd.Process.Signal(sig); err != nil && err != os.ErrProcessDone {
		return fmt.Errorf("signalling pid %d: %w", c.pid, err)
	}
	return nil
}

// Kill forcibly terminates the child
func (c *Child) Kill() error {
	return c.Signal(syscall.SIGKILL)
}

// Timing returns the launch's start/end timestamps
func (c *Child) Timing() *observe.Timing { return c.timing }
