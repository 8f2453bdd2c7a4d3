// File: server/lifecycle.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Client admission and teardown.

//go:build linux

package server

import (
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-sock/api"
	"github.com/momentics/hioload-sock/control"
	"github.com/momentics/hioload-sock/internal/slots"
	"github.com/momentics/hioload-sock/reactor"
)

// ClientAdd admits a connected socket. It applies the client socket
// options, switches fd to non-blocking, starts the TLS handshake when TLS
// is enabled, then assigns an id and registers fd with the reactor in one
// table critical section. On error the caller still owns fd.
func (s *Server) ClientAdd(fd int, peer net.Addr, userData any) (*Client, error) {
	if fd < 0 {
		return nil, fmt.Errorf("%w: fd %d", api.ErrInvalidArgument, fd)
	}
	if s.closed.Load() {
		return nil, api.ErrClosed
	}
	react, err := s.reactorReady()
	if err != nil {
		return nil, err
	}

	for _, opt := range clientSockopts(&s.cfg) {
		if err := opt.apply(fd); err != nil {
			s.log.Warn().Err(err).Int("fd", fd).Str("option", opt.name).Msg("setsockopt failed")
		}
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		s.metrics.ClientRejected(control.RejectError)
		return nil, fmt.Errorf("set non-blocking fd %d: %w", fd, err)
	}

	if s.gate != nil && !s.gate.TryAcquire(1) {
		s.metrics.ClientRejected(control.RejectExhausted)
		return nil, fmt.Errorf("%w: %d clients connected", api.ErrResourceExhausted, s.cfg.MaxClients)
	}
	releaseGate := func() {
		if s.gate != nil {
			s.gate.Release(1)
		}
	}

	c := newClient(fd, peer, s.epoch, s.cfg.SocketTimeout)
	c.SetUserData(userData)
	dir := reactor.DirRead
	if s.cfg.TLS.Enabled {
		c.tls = newTLSSession(fd, peer, s.tlsConf, s.cfg.SocketTimeout)
		c.tlsState.Store(int32(TLSHandshaking))
		out := s.handshakeStep(c)
		switch out.kind {
		case outcomeFatal:
			c.tls.close()
			releaseGate()
			s.metrics.ClientRejected(control.RejectError)
			return nil, fmt.Errorf("client fd %d: %w", fd, out.err)
		case outcomeRetry:
			dir = out.dir
		}
	}

	_, err = s.clients.Insert(func(id uint32) (*Client, error) {
		// Close snapshots the table after setting closed
		if s.closed.Load() {
			return nil, api.ErrClosed
		}
		c.id = id
		if err := react.Register(fd, id, dir); err != nil {
			return nil, err
		}
		return c, nil
	})
	if err != nil {
		if c.tls != nil {
			c.tls.close()
		}
		c.usable.Store(false)
		releaseGate()
		if errors.Is(err, api.ErrClosed) {
			return nil, api.ErrClosed
		}
		if errors.Is(err, slots.ErrExhausted) {
			s.metrics.ClientRejected(control.RejectExhausted)
			return nil, fmt.Errorf("%w: %w", api.ErrResourceExhausted, err)
		}
		s.metrics.ClientRejected(control.RejectError)
		return nil, fmt.Errorf("register client fd %d: %w", fd, err)
	}

	s.metrics.ClientAdded()
	s.log.Debug().Uint32("id", c.id).Int("fd", fd).Str("peer", addrString(peer)).Msg("client added")
	return c, nil
}

// ClientDel deletes c on behalf of owner. The caller may already hold the
// client lock with the same owner; OnDelete fires once.
func (s *Server) ClientDel(owner Owner, c *Client) error {
	if c == nil {
		return fmt.Errorf("%w: nil client", api.ErrInvalidArgument)
	}
	return s.teardown(owner, c)
}

// ClientDelByID deletes the client registered under id.
func (s *Server) ClientDelByID(owner Owner, id uint32) error {
	c, ok := s.clients.Get(id)
	if !ok {
		return fmt.Errorf("%w: client %d", api.ErrNotFound, id)
	}
	return s.teardown(owner, c)
}

// ClientDelWhere deletes every client matching pred and returns how many
// were deleted. pred runs without any client lock held.
func (s *Server) ClientDelWhere(owner Owner, pred func(c *Client) bool) int {
	n := 0
	for _, c := range s.clients.Snapshot() {
		if pred != nil && !pred(c) {
			continue
		}
		if s.teardown(owner, c) == nil {
			n++
		}
	}
	return n
}

// ReapIdle deletes clients with no received data for longer than maxIdle.
func (s *Server) ReapIdle(maxIdle time.Duration) int {
	if maxIdle <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-maxIdle)
	n := s.ClientDelWhere(s.reapOwner, func(c *Client) bool {
		return c.LastActivity().Before(cutoff)
	})
	if n > 0 {
		s.log.Debug().Int("clients", n).Dur("idle", maxIdle).Msg("reaped idle clients")
	}
	return n
}

// startReaper must be called with s.mu held.
func (s *Server) startReaper(maxIdle time.Duration) {
	interval := maxIdle / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	stop, done := make(chan struct{}), make(chan struct{})
	s.reaperStop, s.reaperDone = stop, done
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.ReapIdle(maxIdle)
			}
		}
	}()
}

// teardown removes c: client lock, OnDelete, then unregister and close
// inside the table critical section. The lock order is always client lock
// before table lock. A client that was closed directly is still removed
// from the table; only a client no longer in the table is ErrNotFound.
func (s *Server) teardown(owner Owner, c *Client) error {
	if err := c.lock.Acquire(owner); err != nil {
		return fmt.Errorf("lock client %d: %w", c.id, err)
	}
	if cur, ok := s.clients.Get(c.id); !ok || cur != c {
		_ = c.Close()
		_ = c.lock.Release(owner, true)
		return fmt.Errorf("%w: client %d", api.ErrNotFound, c.id)
	}

	if c.deleted.CompareAndSwap(false, true) {
		s.fireDelete(c)
	}
	removed := s.clients.Delete(c.id, func(v *Client) bool { return v == c }, func(v *Client) {
		// a descriptor already closed has left the epoll set with it
		if fd := v.FD(); fd >= 0 {
			if err := s.react.Unregister(fd); err != nil {
				s.log.Warn().Err(err).Uint32("id", v.id).Msg("unregister failed")
			}
		}
		if err := v.Close(); err != nil {
			s.log.Warn().Err(err).Uint32("id", v.id).Msg("close failed")
		}
	})
	if !removed {
		_ = c.Close()
	}
	if err := c.lock.Release(owner, true); err != nil {
		s.log.Error().Err(err).Uint32("id", c.id).Msg("client lock release failed")
	}
	if removed {
		if s.gate != nil {
			s.gate.Release(1)
		}
		s.metrics.ClientDeleted()
		s.log.Debug().Uint32("id", c.id).Msg("client deleted")
	}
	return nil
}

func (s *Server) fireDelete(c *Client) {
	h := s.handlers.OnDelete
	if h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Uint32("id", c.id).Msg("OnDelete panicked")
		}
	}()
	h(s, c)
}

// handshakeStep advances c's TLS handshake and records the result.
func (s *Server) handshakeStep(c *Client) ioOutcome {
	out := classifyIO(c.tls.step())
	switch out.kind {
	case outcomeDone:
		c.tlsState.Store(int32(TLSEstablished))
		s.metrics.Handshake(control.HandshakeEstablished)
	case outcomeRetry:
		s.metrics.Handshake(control.HandshakeRetry)
	case outcomeFatal:
		c.tlsState.Store(int32(TLSFailed))
		s.metrics.Handshake(control.HandshakeFailed)
	}
	return out
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
