// File: server/client.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Per-connection state and the blocking I/O helpers handlers use on it.

//go:build linux

package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-sock/api"
	"github.com/momentics/hioload-sock/internal/concurrency"
)

// Owner identifies a lock holder. Every worker has one; code outside the
// workers obtains its own from NewOwner.
type Owner = concurrency.Owner

// NewOwner returns a fresh, process-unique Owner.
func NewOwner() Owner { return concurrency.NewOwner() }

// TLSState tracks a client's TLS session.
type TLSState int32

const (
	TLSNone TLSState = iota
	TLSHandshaking
	TLSEstablished
	TLSFailed
)

func (s TLSState) String() string {
	switch s {
	case TLSNone:
		return "none"
	case TLSHandshaking:
		return "handshaking"
	case TLSEstablished:
		return "established"
	case TLSFailed:
		return "failed"
	default:
		return fmt.Sprintf("TLSState(%d)", int32(s))
	}
}

// Client is one accepted connection. A Client is created by
// Server.ClientAdd and becomes unusable, permanently, once Close starts.
//
// Code outside OnReceive should bracket I/O with LockAndCheck and Unlock so
// the client cannot be deleted half way through a message. Close is safe
// at any time.
type Client struct {
	id   uint32
	fd   atomic.Int32
	peer net.Addr

	epoch        time.Time
	lastActivity atomic.Int64 // nanoseconds since epoch

	usable    atomic.Bool
	deleted   atomic.Bool // OnDelete has fired
	closeOnce sync.Once
	closeErr  error

	// ioMu is held shared across each read or write syscall and exclusively
	// by Close, so a descriptor is never closed (and its number reused)
	// under an in-flight call.
	ioMu sync.RWMutex

	tls      *tlsSession
	tlsState atomic.Int32

	ioTimeout time.Duration
	lock      concurrency.ReentrantLock

	userMu   sync.Mutex
	userData any
}

func newClient(fd int, peer net.Addr, epoch time.Time, ioTimeout time.Duration) *Client {
	c := &Client{peer: peer, epoch: epoch, ioTimeout: ioTimeout}
	c.fd.Store(int32(fd))
	c.usable.Store(true)
	c.touch()
	return c
}

// ID returns the slot id, never zero for a registered client.
func (c *Client) ID() uint32 { return c.id }

// FD returns the socket descriptor, or -1 after Close.
func (c *Client) FD() int { return int(c.fd.Load()) }

// PeerAddr is the remote address recorded at accept time; may be nil.
func (c *Client) PeerAddr() net.Addr { return c.peer }

// Usable reports whether the client still accepts I/O.
func (c *Client) Usable() bool { return c.usable.Load() }

// TLSState returns the current TLS session state.
func (c *Client) TLSState() TLSState { return TLSState(c.tlsState.Load()) }

// LastActivity is the time of the last successful receive.
func (c *Client) LastActivity() time.Time {
	return c.epoch.Add(time.Duration(c.lastActivity.Load()))
}

func (c *Client) touch() {
	c.lastActivity.Store(int64(time.Since(c.epoch)))
}

// UserData returns the value attached by ClientAdd or SetUserData.
func (c *Client) UserData() any {
	c.userMu.Lock()
	defer c.userMu.Unlock()
	return c.userData
}

// SetUserData attaches an arbitrary value to the client.
func (c *Client) SetUserData(v any) {
	c.userMu.Lock()
	c.userData = v
	c.userMu.Unlock()
}

func (c *Client) String() string {
	return fmt.Sprintf("client{id=%d fd=%d peer=%v}", c.id, c.FD(), c.peer)
}

// LockAndCheck acquires the client lock for o and verifies the client is
// still usable. On ErrGone the lock is already released.
func (c *Client) LockAndCheck(o Owner) error {
	if err := c.lock.Acquire(o); err != nil {
		return err
	}
	if !c.Usable() {
		if err := c.lock.Release(o, true); err != nil {
			return err
		}
		return api.ErrGone
	}
	return nil
}

// Unlock drops one hold taken by LockAndCheck.
func (c *Client) Unlock(o Owner) error {
	return c.lock.Release(o, false)
}

// Receive reads at least one byte into p, waiting up to the socket timeout.
func (c *Client) Receive(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	deadline := c.deadline(c.ioTimeout)
	for {
		if !c.Usable() {
			return 0, api.ErrUnusable
		}
		n, err := c.readOnce(p)
		if n > 0 {
			c.touch()
			return n, nil
		}
		if !errors.Is(err, api.ErrWouldBlock) {
			return 0, err
		}
		if err := c.await(unix.POLLIN, deadline); err != nil {
			return 0, err
		}
	}
}

// ReceiveExact fills p completely. It returns false with a nil error when
// timeout elapses first; bytes read so far are left in p. timeout <= 0
// waits without limit.
func (c *Client) ReceiveExact(p []byte, timeout time.Duration) (bool, error) {
	deadline := c.deadline(timeout)
	for got := 0; got < len(p); {
		if !c.Usable() {
			return false, api.ErrUnusable
		}
		n, err := c.readOnce(p[got:])
		if n > 0 {
			got += n
			c.touch()
			continue
		}
		if !errors.Is(err, api.ErrWouldBlock) {
			return false, err
		}
		if err := c.await(unix.POLLIN, deadline); err != nil {
			if errors.Is(err, api.ErrOperationTimeout) {
				return false, nil
			}
			return false, err
		}
	}
	return true, nil
}

// Send writes at least one byte of p, waiting up to the socket timeout.
func (c *Client) Send(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	deadline := c.deadline(c.ioTimeout)
	for {
		if !c.Usable() {
			return 0, api.ErrUnusable
		}
		n, err := c.writeOnce(p)
		if n > 0 {
			return n, nil
		}
		if !errors.Is(err, api.ErrWouldBlock) {
			return 0, err
		}
		if err := c.await(unix.POLLOUT, deadline); err != nil {
			return 0, err
		}
	}
}

// SendExact writes all of p. Each wait for buffer space is bounded by the
// socket timeout.
func (c *Client) SendExact(p []byte) error {
	for sent := 0; sent < len(p); {
		n, err := c.Send(p[sent:])
		if err != nil {
			return fmt.Errorf("send %d/%d bytes: %w", sent, len(p), err)
		}
		sent += n
	}
	return nil
}

// Close marks the client unusable, ends the TLS session and closes the
// socket. Only the first call has any effect. A closed client stays in the
// server table until the worker or a ClientDel removes it.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.usable.Store(false)
		c.ioMu.Lock()
		defer c.ioMu.Unlock()
		if c.tls != nil {
			c.tls.close()
		}
		fd := int(c.fd.Swap(-1))
		if fd < 0 {
			return
		}
		_ = unix.Shutdown(fd, unix.SHUT_RDWR)
		c.closeErr = unix.Close(fd)
	})
	return c.closeErr
}

// readOnce performs one non-blocking read. It returns ErrWouldBlock (or the
// TLS want-write variant) when nothing can be read yet and io.EOF on an
// orderly shutdown by the peer.
func (c *Client) readOnce(p []byte) (int, error) {
	c.ioMu.RLock()
	defer c.ioMu.RUnlock()
	if c.FD() < 0 {
		return 0, api.ErrUnusable
	}
	if c.tls != nil {
		return c.tls.read(p)
	}
	fd := c.FD()
	if fd < 0 {
		return 0, api.ErrUnusable
	}
	n, err := concurrency.RetryEINTR(concurrency.DefaultEINTRRetries, func() (int, error) {
		return unix.Read(fd, p)
	})
	switch {
	case err == nil && n == 0:
		return 0, io.EOF
	case err == nil:
		return n, nil
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
		return 0, api.ErrWouldBlock
	default:
		return 0, fmt.Errorf("read fd %d: %w", fd, err)
	}
}

func (c *Client) writeOnce(p []byte) (int, error) {
	c.ioMu.RLock()
	defer c.ioMu.RUnlock()
	if c.FD() < 0 {
		return 0, api.ErrUnusable
	}
	if c.tls != nil {
		return c.tls.write(p)
	}
	fd := c.FD()
	if fd < 0 {
		return 0, api.ErrUnusable
	}
	n, err := sendNoSignal(fd, p)
	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
		return 0, api.ErrWouldBlock
	default:
		return 0, fmt.Errorf("write fd %d: %w", fd, err)
	}
}

func (c *Client) deadline(d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return time.Now().Add(d)
}

// await blocks until the socket is ready for events or deadline passes.
// It runs without ioMu so Close is never held up by a waiting reader; a
// descriptor closed meanwhile only causes a spurious wakeup, and the next
// readOnce or writeOnce sees it.
func (c *Client) await(events int16, deadline time.Time) error {
	fd := c.FD()
	if fd < 0 {
		return api.ErrUnusable
	}
	ready, err := pollFD(fd, events, deadline)
	if err != nil {
		return fmt.Errorf("poll fd %d: %w", fd, err)
	}
	if !ready {
		return api.ErrOperationTimeout
	}
	return nil
}
