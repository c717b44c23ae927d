package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// helloTimeout bounds how long a fresh connection may take to identify itself
const helloTimeout = 5 * time.Second

// Listener is the supervisor end of the crash channel. It lives for the whole
// supervisor run and hands out one Session per launch.
type Listener struct {
	path string
	ln   *net.UnixListener
	log  zerolog.Logger

	mu       sync.Mutex
	expected string
	active   bool
	closed   bool
	// gen advances on every Expect and forget; a handshake publishes its
	// session only if gen has not moved since it claimed the token
	gen uint64

	ready chan *Session
	wg    sync.WaitGroup
}

// Listen binds the channel socket. The caller must own the primary lock, so any
// socket file already at path belongs to a dead supervisor and is removed.
func Listen(path string, log zerolog.Logger) (*Listener, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("removing stale socket: %w", err)
	}

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", path, err)
	}
	ln.SetUnlinkOnClose(true)

	l := &Listener{
		path:  path,
		ln:    ln,
		log:   log,
		ready: make(chan *Session, 1),
	}

	l.wg.Add(1)
	go l.acceptLoop()

	return l, nil
}

// Path returns the socket path
func (l *Listener) Path() string { return l.path }

// Expect registers the spawn token of the child about to be launched. Any
// session left over from a previous launch is discarded.
func (l *Listener) Expect(token string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	select {
	case stale := <-l.ready:
		stale.conn.Close()
	default:
	}

	l.expected = token
	l.active = false
	l.gen++
}

// AwaitReady waits for the expected child to complete the hello/accept
// exchange. It returns ErrChildExited if exited closes first and
// ErrReadyTimeout after timeout.
func (l *Listener) AwaitReady(ctx context.Context, exited <-chan struct{}, timeout time.Duration) (*Session, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case s := <-l.ready:
		return s, nil
	case <-exited:
		l.forget()
		return nil, ErrChildExited
	case <-timer.C:
		l.forget()
		return nil, ErrReadyTimeout
	case <-ctx.Done():
		l.forget()
		return nil, ctx.Err()
	}
}

// forget stops accepting the pending token. A late hello is rejected and a
// handshake already past the token check has its connection closed.
func (l *Listener) forget() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.expected = ""
	l.active = false
	l.gen++
	select {
	case stale := <-l.ready:
		stale.conn.Close()
	default:
	}
}

// Close stops accepting and removes the socket file
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	err := l.ln.Close()
	l.wg.Wait()
	return err
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()

	for {
		conn, err := l.ln.AcceptUnix()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.log.Warn().Err(err).Msg("crash channel accept failed")
			time.Sleep(50 * time.Millisecond)
			continue
		}
		go l.handshake(conn)
	}
}

func (l *Listener) handshake(conn *net.UnixConn) {
	fr := newFrameReader(conn)

	_ = conn.SetReadDeadline(time.Now().Add(helloTimeout))
	hello, err := fr.next()
	if err != nil || hello.Type != FrameHello {
		l.log.Warn().Err(err).Msg("dropping crash channel connection without hello")
		conn.Close()
		return
	}

	l.mu.Lock()
	ok := !l.closed && l.expected != "" && hello.Token == l.expected && !l.active
	gen := l.gen
	if ok {
		l.active = true
		l.expected = ""
	}
	l.mu.Unlock()

	if !ok {
		l.log.Warn().Int("pid", hello.PID).Msg("rejecting unexpected guarded instance")
		_ = conn.SetWriteDeadline(time.Now().Add(helloTimeout))
		_ = writeFrame(conn, &Frame{Type: FrameReject})
		conn.Close()
		return
	}

	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Now().Add(helloTimeout))
	if err := writeFrame(conn, &Frame{Type: FrameAccept, PID: os.Getpid()}); err != nil {
		l.log.Warn().Err(err).Int("pid", hello.PID).Msg("accept failed")
		l.release(gen)
		conn.Close()
		return
	}
	_ = conn.SetWriteDeadline(time.Time{})

	s := &Session{conn: conn, fr: fr, hello: hello, owner: l, gen: gen}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.gen != gen {
		// the launch stopped waiting after the token check; hanging up makes
		// the client see ErrSupervisorGone instead of waiting on a dead session
		l.log.Warn().Int("pid", hello.PID).Msg("guarded instance became ready after the supervisor gave up on it")
		conn.Close()
		return
	}
	select {
	case l.ready <- s:
	default:
		conn.Close()
		l.active = false
	}
}

func (l *Listener) release(gen uint64) {
	l.mu.Lock()
	if l.gen == gen {
		l.active = false
	}
	l.mu.Unlock()
}

// Session is the supervisor's view of one accepted guarded instance
type Session struct {
	conn  *net.UnixConn
	fr    *frameReader
	hello *Frame
	owner *Listener
	gen   uint64
	once  sync.Once
}

// Hello returns the frame the guarded instance identified itself with
func (s *Session) Hello() *Frame { return s.hello }

// Poll waits up to timeout for the next frame. A timeout yields (nil, nil);
// a closed peer yields io.EOF.
func (s *Session) Poll(timeout time.Duration) (*Frame, error) {
	_ = s.conn.SetReadDeadline(time.Now().Add(timeout))

	f, err := s.fr.next()
	if err == nil {
		return f, nil
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return nil, nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, net.ErrClosed) {
		return nil, io.EOF
	}
	return nil, err
}

// Ack tells the guarded instance it may terminate
func (s *Session) Ack() error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(helloTimeout))
	return writeFrame(s.conn, &Frame{Type: FrameAck})
}

// Close ends the session and lets the listener accept the next launch
func (s *Session) Close() error {
	var err error
	s.once.Do(func() {
		err = s.conn.Close()
		s.owner.release(s.gen)
	})
	return err
}
