package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"time"
)

// Client is the guarded end of the crash channel
type Client struct {
	conn *net.UnixConn
	fr   *frameReader

	mu     sync.Mutex
	closed bool
}

// Dial connects to the supervisor and completes the readiness exchange
func Dial(ctx context.Context, path string, hello Frame, timeout time.Duration) (*Client, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("dialing crash channel: %w", err)
	}
	uc := conn.(*net.UnixConn)

	deadline, _ := ctx.Deadline()
	_ = uc.SetDeadline(deadline)

	hello.Type = FrameHello
	if err := writeFrame(uc, &hello); err != nil {
		uc.Close()
		return nil, err
	}

	fr := newFrameReader(uc)
	reply, err := fr.next()
	if err != nil {
		uc.Close()
		return nil, fmt.Errorf("waiting for supervisor accept: %w", err)
	}

	switch reply.Type {
	case FrameAccept:
	case FrameReject:
		uc.Close()
		return nil, ErrRejected
	default:
		uc.Close()
		return nil, fmt.Errorf("unexpected %s frame during handshake", reply.Type)
	}

	_ = uc.SetDeadline(time.Time{})
	return &Client{conn: uc, fr: fr}, nil
}

// SignalCrash announces the fault. The caller must follow up with AwaitAck.
func (c *Client) SignalCrash(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrSupervisorGone
	}

	f.Type = FrameCrash
	return writeFrame(c.conn, &f)
}

// AwaitAck blocks, without a timeout, until the supervisor acknowledges the
// crash or goes away.
func (c *Client) AwaitAck() error {
	for {
		f, err := c.fr.next()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, net.ErrClosed) {
				return ErrSupervisorGone
			}
			return fmt.Errorf("waiting for ack: %w", err)
		}
		if f.Type == FrameAck {
			return nil
		}
	}
}

// Close hangs up; the supervisor reads EOF and treats it as a clean shutdown
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}
