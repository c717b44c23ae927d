package shutdown

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type closer struct{ closed int }

func (c *closer) Close() error {
	c.closed++
	return nil
}

func TestManager_LIFO(t *testing.T) {
	m := New(time.Second, zerolog.Nop())

	var order []string
	for _, name := range []string{"lock", "listener", "metrics"} {
		name := name
		m.Register(name, func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}

	require.NoError(t, m.Shutdown())
	assert.Equal(t, []string{"metrics", "listener", "lock"}, order)
}

func TestManager_ErrorsDoNotStopLaterSteps(t *testing.T) {
	m := New(time.Second, zerolog.Nop())
	c := &closer{}

	m.Register("closer", CloseResource(c))
	m.Register("broken", func(context.Context) error { return errors.New("boom") })

	err := m.Shutdown()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken: boom")
	assert.Equal(t, 1, c.closed)
}

func TestManager_RunsOnce(t *testing.T) {
	m := New(time.Second, zerolog.Nop())
	c := &closer{}
	m.Register("closer", CloseResource(c))

	require.NoError(t, m.Shutdown())
	require.NoError(t, m.Shutdown())
	assert.Equal(t, 1, c.closed)
}

func TestManager_StepsGetDeadline(t *testing.T) {
	m := New(20*time.Millisecond, zerolog.Nop())
	m.Register("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	assert.ErrorIs(t, m.Shutdown(), context.DeadlineExceeded)
}

func TestManager_NotifyContext(t *testing.T) {
	m := New(time.Second, zerolog.Nop())
	ctx, cancel := m.NotifyContext(context.Background())
	defer cancel()

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGTERM))

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context not cancelled by SIGTERM")
	}
}
