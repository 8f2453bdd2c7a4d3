//go:build linux

package server

import (
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-sock/reactor"
)

// socketPair returns a connected stream pair: the first end for a Client,
// the second wrapped as a blocking net.Conn for the test's peer.
func socketPair(t *testing.T) (int, net.Conn) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))

	f := os.NewFile(uintptr(fds[1]), "peer")
	peer, err := net.FileConn(f)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	t.Cleanup(func() { _ = peer.Close() })
	return fds[0], peer
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Address = "127.0.0.1:0"
	cfg.PollTimeout = 20 * time.Millisecond
	cfg.SocketTimeout = 2 * time.Second
	return cfg
}

// startServer runs Init, Listen and StartWorkers(workers) and closes the
// server when the test ends.
func startServer(t *testing.T, cfg *Config, h Handlers, workers int, opts ...ServerOption) *Server {
	t.Helper()
	s, err := New(cfg, h, opts...)
	require.NoError(t, err)
	require.NoError(t, s.Init())
	require.NoError(t, s.Listen())
	n, err := s.StartWorkers(workers)
	require.NoError(t, err)
	require.Equal(t, workers, n)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func dial(t *testing.T, s *Server) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", s.Addr().String(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// deleteLog collects OnDelete calls.
type deleteLog struct {
	mu  sync.Mutex
	ids []uint32
}

func (d *deleteLog) record(_ *Server, c *Client) {
	d.mu.Lock()
	d.ids = append(d.ids, c.ID())
	d.mu.Unlock()
}

func (d *deleteLog) snapshot() []uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uint32(nil), d.ids...)
}

func (d *deleteLog) count() int { return len(d.snapshot()) }

// fixedIDs always proposes the same candidate id.
type fixedIDs int32

func (f fixedIDs) Int32() int32 { return int32(f) }

func openFDs(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir("/proc/self/fd")
	require.NoError(t, err)
	return len(entries)
}

// rawPair is socketPair for use off the test goroutine: it never calls
// FailNow and leaves the peer end as a bare descriptor.
func rawPair(t *testing.T) (int, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	t.Cleanup(func() { _ = unix.Close(fds[1]) })
	return fds[0], nil
}

// recordingReactor forwards to the real reactor and mirrors the live
// registrations by descriptor.
type recordingReactor struct {
	reactor.EventReactor
	mu   sync.Mutex
	live map[int]uint32
}

func newRecordingReactor(t *testing.T) *recordingReactor {
	t.Helper()
	return &recordingReactor{live: make(map[int]uint32)}
}

func (r *recordingReactor) factory() (reactor.EventReactor, error) {
	inner, err := reactor.NewReactor()
	if err != nil {
		return nil, err
	}
	r.EventReactor = inner
	return r, nil
}

func (r *recordingReactor) Register(fd int, token uint32, dir reactor.Direction) error {
	if err := r.EventReactor.Register(fd, token, dir); err != nil {
		return err
	}
	r.mu.Lock()
	r.live[fd] = token
	r.mu.Unlock()
	return nil
}

func (r *recordingReactor) Unregister(fd int) error {
	r.mu.Lock()
	delete(r.live, fd)
	r.mu.Unlock()
	return r.EventReactor.Unregister(fd)
}

// tokens returns the client tokens currently registered.
func (r *recordingReactor) tokens() map[uint32]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[uint32]bool, len(r.live))
	for _, tok := range r.live {
		if tok != reactor.ListenerToken {
			out[tok] = true
		}
	}
	return out
}
