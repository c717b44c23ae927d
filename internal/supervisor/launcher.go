package supervisor

import (
	"os"

	"github.com/psantana5/crashguard/internal/wrapper"
)

// Child is one launched guarded instance
type Child interface {
	PID() int
	Done() <-chan struct{}
	Wait() (wrapper.ExitStatus, error)
	Signal(os.Signal) error
}

// Launcher starts a guarded instance with env appended to its environment
type Launcher interface {
	Launch(env []string) (Child, error)
}

// LauncherFunc adapts a function to Launcher
type LauncherFunc func(env []string) (Child, error)

func (f LauncherFunc) Launch(env []string) (Child, error) { return f(env) }

// SelfLauncher re-executes the running binary with its original arguments
func SelfLauncher() Launcher {
	return LauncherFunc(func(env []string) (Child, error) {
		spec, err := wrapper.SelfSpec(env...)
		if err != nil {
			return nil, err
		}
		child, err := wrapper.Spawn(spec)
		if err != nil {
			return nil, err
		}
		return child, nil
	})
}
