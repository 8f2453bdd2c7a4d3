// File: server/tls.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Readiness-driven TLS on top of crypto/tls.
//
// crypto/tls only offers a blocking Handshake, so each handshaking client
// runs it on a helper goroutine bound to an fdConn. Whenever the socket
// would block, the helper parks and reports the direction it needs; the
// worker that owns the readiness event resumes it once. The net effect is a
// non-blocking step function: established, retry on read/write, or fatal.

//go:build linux

package server

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-sock/api"
	"github.com/momentics/hioload-sock/internal/concurrency"
	"github.com/momentics/hioload-sock/reactor"
)

var (
	errWantWrite = fmt.Errorf("%w: tls needs write readiness", api.ErrWouldBlock)
	errAborted   = errors.New("tls session aborted")
)

type outcomeKind uint8

const (
	outcomeDone outcomeKind = iota
	outcomeRetry
	outcomeFatal
)

// ioOutcome is what a worker does next with a client after a handshake
// step or a read attempt.
type ioOutcome struct {
	kind outcomeKind
	dir  reactor.Direction
	err  error
}

// classifyIO maps a step or read error onto the next action. It is the only
// place that decides between retry and teardown, for plain and TLS clients
// alike.
func classifyIO(err error) ioOutcome {
	switch {
	case err == nil:
		return ioOutcome{kind: outcomeDone}
	case errors.Is(err, errWantWrite):
		return ioOutcome{kind: outcomeRetry, dir: reactor.DirWrite}
	case errors.Is(err, api.ErrWouldBlock):
		return ioOutcome{kind: outcomeRetry, dir: reactor.DirRead}
	default:
		return ioOutcome{kind: outcomeFatal, err: err}
	}
}

// wouldBlockError is returned by fdConn.Read once the handshake is over. It
// is a temporary net.Error, which crypto/tls does not latch as a permanent
// connection error.
type wouldBlockError struct{}

func (wouldBlockError) Error() string        { return "fdconn: would block" }
func (wouldBlockError) Timeout() bool        { return true }
func (wouldBlockError) Temporary() bool      { return true }
func (wouldBlockError) Is(target error) bool { return target == api.ErrWouldBlock }

// fdConn adapts a non-blocking socket to net.Conn for crypto/tls. The
// descriptor belongs to the Client; Close is a no-op.
type fdConn struct {
	fd        int
	remote    net.Addr
	ioTimeout time.Duration

	// park is set while the handshake goroutine is running.
	park    func(reactor.Direction) error
	closing atomic.Bool
}

func (c *fdConn) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		n, err := concurrency.RetryEINTR(0, func() (int, error) {
			return unix.Read(c.fd, p)
		})
		switch {
		case err == nil && n == 0:
			return 0, io.EOF
		case err == nil:
			return n, nil
		case !errors.Is(err, unix.EAGAIN):
			return 0, err
		case c.park == nil:
			return 0, wouldBlockError{}
		}
		if err := c.park(reactor.DirRead); err != nil {
			return 0, err
		}
	}
}

func (c *fdConn) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := concurrency.RetryEINTR(0, func() (int, error) {
			return sendNoSignal(c.fd, p[written:])
		})
		if err == nil {
			written += n
			continue
		}
		if !errors.Is(err, unix.EAGAIN) {
			return written, err
		}
		switch {
		case c.park != nil:
			if err := c.park(reactor.DirWrite); err != nil {
				return written, err
			}
		case c.closing.Load():
			// close_notify is best effort
			return written, wouldBlockError{}
		default:
			var deadline time.Time
			if c.ioTimeout > 0 {
				deadline = time.Now().Add(c.ioTimeout)
			}
			ready, err := pollFD(c.fd, unix.POLLOUT, deadline)
			if err != nil {
				return written, err
			}
			if !ready {
				return written, os.ErrDeadlineExceeded
			}
		}
	}
	return written, nil
}

func (c *fdConn) Close() error                       { return nil }
func (c *fdConn) LocalAddr() net.Addr                { return nil }
func (c *fdConn) RemoteAddr() net.Addr               { return c.remote }
func (c *fdConn) SetDeadline(t time.Time) error      { return nil }
func (c *fdConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *fdConn) SetWriteDeadline(t time.Time) error { return nil }

// tlsSession is the TLS half of a Client. All methods except close must be
// called with the client lock held.
type tlsSession struct {
	conn *tls.Conn
	raw  *fdConn

	started     bool
	finished    bool
	established atomic.Bool

	want   chan reactor.Direction
	resume chan struct{}
	done   chan error

	abort     chan struct{}
	closeOnce sync.Once
}

func newTLSSession(fd int, peer net.Addr, cfg *tls.Config, ioTimeout time.Duration) *tlsSession {
	s := &tlsSession{
		raw:    &fdConn{fd: fd, remote: peer, ioTimeout: ioTimeout},
		want:   make(chan reactor.Direction),
		resume: make(chan struct{}),
		done:   make(chan error, 1),
		abort:  make(chan struct{}),
	}
	s.raw.park = s.park
	s.conn = tls.Server(s.raw, cfg)
	return s
}

// park runs on the handshake goroutine.
func (s *tlsSession) park(dir reactor.Direction) error {
	select {
	case s.want <- dir:
	case <-s.abort:
		return errAborted
	}
	select {
	case <-s.resume:
		return nil
	case <-s.abort:
		return errAborted
	}
}

// step advances the handshake as far as the socket allows. It returns nil
// once established, ErrWouldBlock or errWantWrite to retry, or an error
// wrapping ErrTLSFatal.
func (s *tlsSession) step() error {
	if s.finished {
		if s.established.Load() {
			return nil
		}
		return api.ErrTLSFatal
	}
	if !s.started {
		s.started = true
		go func() { s.done <- s.conn.Handshake() }()
	} else {
		select {
		case s.resume <- struct{}{}:
		case <-s.abort:
			return fmt.Errorf("%w: %w", api.ErrTLSFatal, errAborted)
		}
	}
	select {
	case dir := <-s.want:
		if dir == reactor.DirWrite {
			return errWantWrite
		}
		return api.ErrWouldBlock
	case err := <-s.done:
		s.finished = true
		s.raw.park = nil
		if err != nil {
			return fmt.Errorf("%w: handshake: %w", api.ErrTLSFatal, err)
		}
		s.established.Store(true)
		return nil
	}
}

func (s *tlsSession) read(p []byte) (int, error) {
	if !s.established.Load() {
		return 0, api.ErrHandshakePending
	}
	n, err := s.conn.Read(p)
	switch {
	case n > 0:
		return n, nil
	case err == nil:
		return 0, api.ErrWouldBlock
	case errors.Is(err, api.ErrWouldBlock):
		return 0, api.ErrWouldBlock
	case errors.Is(err, io.EOF):
		return 0, io.EOF
	default:
		return 0, fmt.Errorf("%w: read: %w", api.ErrTLSFatal, err)
	}
}

func (s *tlsSession) write(p []byte) (int, error) {
	if !s.established.Load() {
		return 0, api.ErrHandshakePending
	}
	n, err := s.conn.Write(p)
	if err != nil && n == 0 {
		return 0, fmt.Errorf("%w: write: %w", api.ErrTLSFatal, err)
	}
	return n, nil
}

// close stops a pending handshake and, for an established session, sends
// close_notify without waiting for buffer space. The socket stays open.
func (s *tlsSession) close() {
	s.closeOnce.Do(func() {
		close(s.abort)
		if s.started && !s.finished {
			// the helper goroutine is parked; wait for it to leave the fd
			<-s.done
			s.finished = true
			s.raw.park = nil
		}
		if s.established.Load() {
			s.raw.closing.Store(true)
			_ = s.conn.Close()
		}
	})
}
