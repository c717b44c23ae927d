package observe

import (
	"context"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTiming(t *testing.T) {
	timing := NewTiming()
	assert.True(t, timing.CompletedAt().IsZero())

	time.Sleep(5 * time.Millisecond)
	timing.Complete()
	d := timing.Duration()
	assert.GreaterOrEqual(t, d, 5*time.Millisecond)

	first := timing.CompletedAt()
	timing.Complete()
	assert.Equal(t, first, timing.CompletedAt(), "complete is recorded once")
	assert.Equal(t, d, timing.Duration())
}

func TestWatcher_Self(t *testing.T) {
	w := New(os.Getpid())
	assert.True(t, w.Exists())
	assert.Equal(t, os.Getpid(), w.PID())
}

func TestWatcher_InvalidPID(t *testing.T) {
	assert.False(t, New(0).Exists())
	assert.False(t, New(-1).Exists())
}

func TestWatcher_WaitReturnsWhenGone(t *testing.T) {
	cmd := exec.Command("sleep", "0.1")
	require.NoError(t, cmd.Start())
	go cmd.Wait()

	w := New(cmd.Process.Pid)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, w.Wait(ctx, 10*time.Millisecond))
}

func TestWatcher_WaitHonoursContext(t *testing.T) {
	w := New(os.Getpid())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, w.Wait(ctx, 10*time.Millisecond), context.DeadlineExceeded)
}
