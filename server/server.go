// File: server/server.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Server lifecycle: construction, socket/reactor setup, workers, shutdown.

//go:build linux

package server

import (
	"crypto/tls"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-sock/api"
	"github.com/momentics/hioload-sock/control"
	"github.com/momentics/hioload-sock/internal/slots"
	"github.com/momentics/hioload-sock/pool"
	"github.com/momentics/hioload-sock/reactor"
)

type serverState uint8

const (
	stateCreated serverState = iota
	stateInitialized
	stateListening
	stateClosed
)

// Thread is the per-worker context handed to callbacks.
type Thread struct {
	index int
	owner Owner
	user  any
}

// Index is the worker's position in start order.
func (t *Thread) Index() int { return t.index }

// Owner is the lock owner the worker uses for client locks.
func (t *Thread) Owner() Owner { return t.owner }

// Context returns the value produced by OnWorkerStart.
func (t *Thread) Context() any { return t.user }

// Handlers are the application callbacks. Every field is optional.
type Handlers struct {
	// OnWorkerStart runs on the worker thread before it polls. An error
	// aborts that worker only.
	OnWorkerStart func(s *Server, index int) (any, error)
	// OnWorkerStop runs exactly once for every worker whose start
	// succeeded, including when the loop panics.
	OnWorkerStop func(s *Server, index int, ctx any)
	// OnAccept decides the fate of an accepted descriptor. Returning true
	// means the callback took ownership (normally via ClientAdd); false
	// makes the server close fd. Without OnAccept the server calls
	// ClientAdd itself.
	OnAccept func(s *Server, t *Thread, fd int, peer net.Addr) bool
	// OnReceive gets each chunk read from an established client. data is
	// only valid during the call. A result <= 0 deletes the client; a
	// positive result keeps it armed. Without OnReceive every client is
	// deleted on its first data.
	OnReceive func(s *Server, t *Thread, c *Client, data []byte) int
	// OnDelete runs once per client, with the client lock held, before the
	// client leaves the table.
	OnDelete func(s *Server, c *Client)
}

// Server is the socket server core.
type Server struct {
	cfg      Config
	handlers Handlers

	log        zerolog.Logger
	registry   prometheus.Registerer
	namespace  string
	metrics    *control.Metrics
	probes     *control.Probes
	newReactor func() (reactor.EventReactor, error)
	idSeed     uint64
	idSource   IDSource

	mu       sync.Mutex
	state    serverState
	react    reactor.EventReactor
	listenFD int
	family   int
	sockaddr unix.Sockaddr
	tlsConf  *tls.Config
	workers  []*worker
	started  int

	clients *slots.Table[*Client]
	gate    *semaphore.Weighted
	bufs    *pool.BytePool
	epoch   time.Time
	closed  atomic.Bool

	reapOwner  Owner
	reaperStop chan struct{}
	reaperDone chan struct{}
}

// New validates cfg and builds an unstarted server. Nothing touches the
// network until Init.
func New(cfg *Config, h Handlers, opts ...ServerOption) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		cfg:        *cfg,
		handlers:   h,
		log:        zerolog.Nop(),
		newReactor: reactor.NewReactor,
		listenFD:   -1,
		epoch:      time.Now(),
		reapOwner:  NewOwner(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With().Str("component", "server").Logger()

	s.metrics = control.NewMetrics(s.registry, s.namespace)
	s.probes = control.NewProbes()
	control.RegisterPlatformProbes(s.probes)
	s.registerProbes()

	if s.idSource != nil {
		s.clients = slots.NewWithSource[*Client](cfg.MaxIDAttempts, s.idSource)
	} else {
		seed := s.idSeed
		if seed == 0 {
			seed = rand.Uint64()
		}
		s.clients = slots.New[*Client](cfg.MaxIDAttempts, seed)
	}
	if cfg.MaxClients > 0 {
		s.gate = semaphore.NewWeighted(int64(cfg.MaxClients))
	}
	s.bufs = pool.NewBytePool(cfg.RecvBufferSize)
	return s, nil
}

// Init creates the listening socket and the reactor and, when TLS is
// enabled, prepares the TLS configuration. Certificates named in the config
// are loaded here.
func (s *Server) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case stateCreated:
	case stateClosed:
		return api.ErrClosed
	default:
		return fmt.Errorf("%w: already initialized", api.ErrInvalidArgument)
	}

	family, sa, err := resolveSockaddr(s.cfg.Network, s.cfg.Address)
	if err != nil {
		return err
	}
	fd, err := newListenSocket(family)
	if err != nil {
		return err
	}
	react, err := s.newReactor()
	if err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("create reactor: %w", err)
	}

	if s.cfg.TLS.Enabled {
		minVersion, _ := s.cfg.TLS.version()
		s.tlsConf = &tls.Config{MinVersion: minVersion}
		if s.cfg.TLS.CertFile != "" {
			if err := s.loadCertificatesLocked(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile); err != nil {
				s.tlsConf = nil
				_ = react.Close()
				_ = unix.Close(fd)
				return err
			}
		}
	}

	s.listenFD, s.family, s.sockaddr, s.react = fd, family, sa, react
	s.state = stateInitialized
	s.log.Info().Str("address", s.cfg.Address).Bool("tls", s.cfg.TLS.Enabled).Msg("server initialized")
	return nil
}

// LoadCertificates loads a PEM certificate chain and private key for TLS.
// It may be called between Init and Listen.
func (s *Server) LoadCertificates(certFile, keyFile string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateCreated {
		return api.ErrNotInitialized
	}
	if s.state == stateClosed {
		return api.ErrClosed
	}
	return s.loadCertificatesLocked(certFile, keyFile)
}

func (s *Server) loadCertificatesLocked(certFile, keyFile string) error {
	if s.tlsConf == nil {
		return fmt.Errorf("%w: tls is disabled", api.ErrNotSupported)
	}
	if s.state == stateListening {
		return fmt.Errorf("%w: certificates must be loaded before Listen", api.ErrInvalidArgument)
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return api.NewError(api.ErrCodeTLS, "load certificates").
			WithContext("cert", certFile).
			WithContext("key", keyFile).
			Wrap(err)
	}
	s.tlsConf.Certificates = []tls.Certificate{cert}
	return nil
}

// Listen binds the socket, starts listening and arms the listener in the
// reactor. The idle reaper starts here when IdleTimeout is set.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case stateInitialized:
	case stateCreated:
		return api.ErrNotInitialized
	case stateClosed:
		return api.ErrClosed
	default:
		return fmt.Errorf("%w: already listening", api.ErrInvalidArgument)
	}
	if s.tlsConf != nil && len(s.tlsConf.Certificates) == 0 {
		return fmt.Errorf("%w: tls enabled without certificates", api.ErrInvalidArgument)
	}
	if err := bindAndListen(s.listenFD, s.sockaddr, s.cfg.Backlog); err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Address, err)
	}
	if err := s.react.Register(s.listenFD, reactor.ListenerToken, reactor.DirRead); err != nil {
		return fmt.Errorf("register listener: %w", err)
	}
	s.state = stateListening
	if s.cfg.IdleTimeout > 0 {
		s.startReaper(s.cfg.IdleTimeout)
	}
	s.log.Info().Stringer("addr", s.addrLocked()).Msg("listening")
	return nil
}

// StartWorkers launches n additional worker threads and returns how many
// reached the running state. Workers whose OnWorkerStart fails are logged
// and skipped.
func (s *Server) StartWorkers(n int) (int, error) {
	if n < 0 || n > MaxWorkers {
		return 0, fmt.Errorf("%w: worker count %d outside [0,%d]", api.ErrInvalidArgument, n, MaxWorkers)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return 0, api.ErrClosed
	}
	if s.state == stateCreated {
		return 0, api.ErrNotInitialized
	}
	if len(s.workers)+n > MaxWorkers {
		return 0, fmt.Errorf("%w: %d running, %d more exceeds %d", api.ErrInvalidArgument, len(s.workers), n, MaxWorkers)
	}

	running := 0
	for i := 0; i < n; i++ {
		w := newWorker(s, s.started)
		s.started++
		ready := make(chan error, 1)
		go w.run(ready)
		if err := <-ready; err != nil {
			s.metrics.WorkerFailed()
			s.log.Error().Err(err).Int("worker", w.thread.index).Msg("worker failed to start")
			continue
		}
		s.workers = append(s.workers, w)
		running++
	}
	return running, nil
}

// Workers returns the number of running workers.
func (s *Server) Workers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// Close stops the reaper and the workers, deletes every client (firing
// OnDelete), then closes the listener and the reactor. It is idempotent.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	workers := s.workers
	s.workers = nil
	reaperStop, reaperDone := s.reaperStop, s.reaperDone
	s.reaperStop, s.reaperDone = nil, nil
	s.mu.Unlock()

	if reaperStop != nil {
		close(reaperStop)
		<-reaperDone
	}
	for _, w := range workers {
		w.stop()
	}
	for _, w := range workers {
		<-w.done
	}

	owner := NewOwner()
	deleted := 0
	for _, c := range s.clients.Snapshot() {
		if err := s.teardown(owner, c); err == nil {
			deleted++
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.listenFD >= 0 {
		if err := unix.Close(s.listenFD); err != nil {
			errs = append(errs, fmt.Errorf("close listener: %w", err))
		}
		s.listenFD = -1
	}
	if s.react != nil {
		if err := s.react.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close reactor: %w", err))
		}
	}
	s.tlsConf = nil
	s.state = stateClosed
	s.log.Info().Int("workers", len(workers)).Int("clients", deleted).Msg("server closed")
	return errors.Join(errs...)
}

// Addr returns the bound listener address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addrLocked()
}

func (s *Server) addrLocked() net.Addr {
	if s.state != stateListening || s.listenFD < 0 {
		return nil
	}
	sa, err := unix.Getsockname(s.listenFD)
	if err != nil {
		return nil
	}
	return sockaddrToTCP(sa)
}

// Connections returns the number of live clients.
func (s *Server) Connections() int { return s.clients.Len() }

// UseTLS reports whether clients are wrapped in TLS.
func (s *Server) UseTLS() bool { return s.cfg.TLS.Enabled }

// Logger returns the server's logger.
func (s *Server) Logger() zerolog.Logger { return s.log }

// Config returns a copy of the active configuration.
func (s *Server) Config() Config { return s.cfg }

// Lookup finds a live client by id.
func (s *Server) Lookup(id uint32) (*Client, bool) { return s.clients.Get(id) }

// Range calls fn for a snapshot of the live clients until fn returns false.
func (s *Server) Range(fn func(c *Client) bool) {
	for _, c := range s.clients.Snapshot() {
		if !fn(c) {
			return
		}
	}
}

// Probes returns the state probes of this server.
func (s *Server) Probes() *control.Probes { return s.probes }

func (s *Server) registerProbes() {
	s.probes.Register("server.connections", func() any { return s.Connections() })
	s.probes.Register("server.workers", func() any { return s.Workers() })
	s.probes.Register("server.tls", func() any { return s.UseTLS() })
	s.probes.Register("server.address", func() any { return addrString(s.Addr()) })
	s.probes.Register("server.closed", func() any { return s.closed.Load() })
}

func (s *Server) reactorReady() (reactor.EventReactor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.react == nil {
		return nil, api.ErrNotInitialized
	}
	return s.react, nil
}
