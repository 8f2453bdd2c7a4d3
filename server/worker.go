// File: server/worker.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Worker threads: each one polls the shared reactor, accepts on the
// listener and serves client readiness.

//go:build linux

package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"runtime"
	"sync/atomic"

	"github.com/eapache/queue"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-sock/affinity"
	"github.com/momentics/hioload-sock/api"
	"github.com/momentics/hioload-sock/control"
	"github.com/momentics/hioload-sock/reactor"
)

type worker struct {
	srv     *Server
	thread  Thread
	log     zerolog.Logger
	running atomic.Bool
	done    chan struct{}

	buf     []byte
	events  []reactor.Event
	backlog *queue.Queue
}

func newWorker(s *Server, index int) *worker {
	return &worker{
		srv:     s,
		thread:  Thread{index: index, owner: NewOwner()},
		log:     s.log.With().Int("worker", index).Logger(),
		done:    make(chan struct{}),
		events:  make([]reactor.Event, s.cfg.MaxEvents),
		backlog: queue.New(),
	}
}

func (w *worker) stop() { w.running.Store(false) }

// run is the worker body. ready receives exactly one value: nil once the
// loop is about to start, or the reason the worker gave up.
func (w *worker) run(ready chan<- error) {
	defer close(w.done)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	s := w.srv
	if cpu, ok := affinity.CPUFor(s.cfg.WorkerCPUs, w.thread.index); ok {
		if err := affinity.SetAffinity(cpu); err != nil {
			w.log.Warn().Err(err).Int("cpu", cpu).Msg("cpu pinning failed")
		}
	}
	if err := w.startHook(); err != nil {
		ready <- err
		return
	}
	defer w.stopHook()

	w.buf = s.bufs.GetBuffer()
	defer s.bufs.PutBuffer(w.buf)
	defer func() {
		if r := recover(); r != nil {
			s.metrics.WorkerFailed()
			w.log.Error().Interface("panic", r).Msg("worker loop panicked")
		}
	}()

	w.running.Store(true)
	s.metrics.WorkerUp()
	defer s.metrics.WorkerDown()
	ready <- nil

	pollMs := int(s.cfg.PollTimeout.Milliseconds())
	w.log.Debug().Msg("worker running")
	for w.running.Load() {
		if err := w.poll(pollMs); err != nil {
			s.metrics.WorkerFailed()
			w.log.Error().Err(err).Msg("reactor wait failed, worker exiting")
			return
		}
		runtime.Gosched()
	}
	w.log.Debug().Msg("worker stopped")
}

func (w *worker) startHook() (err error) {
	h := w.srv.handlers.OnWorkerStart
	if h == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker %d start hook panicked: %v", w.thread.index, r)
		}
	}()
	ctx, err := h(w.srv, w.thread.index)
	if err != nil {
		return fmt.Errorf("worker %d start hook: %w", w.thread.index, err)
	}
	w.thread.user = ctx
	return nil
}

func (w *worker) stopHook() {
	h := w.srv.handlers.OnWorkerStop
	if h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			w.log.Error().Interface("panic", r).Msg("stop hook panicked")
		}
	}()
	h(w.srv, w.thread.index, w.thread.user)
}

// poll waits once and drains every ready event through the backlog.
func (w *worker) poll(timeoutMs int) error {
	n, err := w.srv.react.Wait(w.events, timeoutMs)
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		w.backlog.Add(w.events[i])
	}
	for w.backlog.Length() > 0 {
		ev := w.backlog.Remove().(reactor.Event)
		if ev.Token == reactor.ListenerToken {
			w.accept(ev.Fd)
			continue
		}
		w.serve(ev)
	}
	return nil
}

// accept takes one pending connection and re-arms the listener whatever
// the outcome.
func (w *worker) accept(listenFD int) {
	s := w.srv
	defer func() {
		if err := s.react.Rearm(listenFD, reactor.ListenerToken, reactor.DirRead); err != nil && !s.closed.Load() {
			w.log.Error().Err(err).Msg("re-arm listener failed")
		}
	}()

	fd, peer, err := acceptConn(listenFD)
	if err != nil {
		if !errors.Is(err, unix.EAGAIN) {
			s.metrics.ClientRejected(control.RejectAcceptFailed)
			w.log.Warn().Err(err).Msg("accept failed")
		}
		return
	}

	if h := s.handlers.OnAccept; h != nil {
		if !w.callAccept(h, fd, peer) {
			s.metrics.ClientRejected(control.RejectVetoed)
			_ = unix.Close(fd)
		}
		return
	}
	if _, err := s.ClientAdd(fd, peer, nil); err != nil {
		w.log.Warn().Err(err).Str("peer", addrString(peer)).Msg("client rejected")
		_ = unix.Close(fd)
	}
}

func (w *worker) callAccept(h func(*Server, *Thread, int, net.Addr) bool, fd int, peer net.Addr) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error().Interface("panic", r).Msg("OnAccept panicked")
			ok = false
		}
	}()
	return h(w.srv, &w.thread, fd, peer)
}

// serve handles readiness on a client. Stale events (unknown token or a
// recycled descriptor) are dropped.
func (w *worker) serve(ev reactor.Event) {
	c, ok := w.srv.clients.Get(ev.Token)
	if !ok || c.FD() != ev.Fd {
		return
	}
	owner := w.thread.owner
	if err := c.LockAndCheck(owner); err != nil {
		if errors.Is(err, api.ErrGone) {
			w.drop(c)
		}
		return
	}
	gone := w.process(c)
	if err := c.lock.Release(owner, gone); err != nil && !gone {
		w.log.Error().Err(err).Uint32("id", c.id).Msg("client unlock failed")
	}
}

// process runs with the client lock held and reports whether the client was
// deleted.
func (w *worker) process(c *Client) bool {
	s := w.srv
	if c.TLSState() == TLSHandshaking {
		out := s.handshakeStep(c)
		switch out.kind {
		case outcomeRetry:
			return w.rearm(c, out.dir)
		case outcomeFatal:
			w.log.Debug().Err(out.err).Uint32("id", c.id).Msg("tls handshake failed")
			return w.drop(c)
		}
		// established; the peer may have sent data along with Finished
	}

	for {
		n, err := c.readOnce(w.buf)
		if n > 0 {
			c.touch()
			s.metrics.Received(n)
			if w.dispatch(c, w.buf[:n]) <= 0 {
				return w.drop(c)
			}
			if !c.Usable() {
				// closed or deleted by the handler
				return w.drop(c)
			}
			if c.tls == nil {
				// level re-check on re-arm picks up the rest
				break
			}
			// TLS may hold decrypted bytes epoll cannot see
			continue
		}
		out := classifyIO(err)
		if out.kind == outcomeRetry {
			return w.rearm(c, out.dir)
		}
		if !errors.Is(err, io.EOF) {
			w.log.Debug().Err(err).Uint32("id", c.id).Msg("client read failed")
		}
		return w.drop(c)
	}
	return w.rearm(c, reactor.DirRead)
}

func (w *worker) dispatch(c *Client, data []byte) (res int) {
	h := w.srv.handlers.OnReceive
	if h == nil {
		return 0
	}
	defer func() {
		if r := recover(); r != nil {
			w.log.Error().Interface("panic", r).Uint32("id", c.id).Msg("OnReceive panicked")
			res = 0
		}
	}()
	return h(w.srv, &w.thread, c, data)
}

// rearm returns true when the client had to be deleted instead.
func (w *worker) rearm(c *Client, dir reactor.Direction) bool {
	if err := w.srv.react.Rearm(c.FD(), c.id, dir); err != nil {
		w.log.Warn().Err(err).Uint32("id", c.id).Msg("re-arm failed")
		return w.drop(c)
	}
	return false
}

func (w *worker) drop(c *Client) bool {
	if err := w.srv.teardown(w.thread.owner, c); err != nil && !errors.Is(err, api.ErrNotFound) {
		w.log.Error().Err(err).Uint32("id", c.id).Msg("client teardown failed")
	}
	return true
}
