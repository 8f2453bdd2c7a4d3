// File: server/socket_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Raw socket helpers: listener setup, accept, per-client options, poll.

package server

import (
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-sock/api"
	"github.com/momentics/hioload-sock/internal/concurrency"
)

// resolveSockaddr converts the configured address into a socket family and
// sockaddr. A wildcard host on "tcp" binds IPv4, like the classic
// INADDR_ANY listener.
func resolveSockaddr(network, address string) (int, unix.Sockaddr, error) {
	addr, err := net.ResolveTCPAddr(network, address)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: resolve %s: %w", api.ErrInvalidArgument, address, err)
	}
	ip4 := addr.IP.To4()
	useV4 := network == "tcp4" || (network == "tcp" && (addr.IP == nil || ip4 != nil))
	if useV4 {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		if addr.IP != nil {
			if ip4 == nil {
				return 0, nil, fmt.Errorf("%w: %s is not an IPv4 address", api.ErrInvalidArgument, addr.IP)
			}
			copy(sa.Addr[:], ip4)
		}
		return unix.AF_INET, sa, nil
	}
	sa := &unix.SockaddrInet6{Port: addr.Port}
	if addr.IP != nil {
		copy(sa.Addr[:], addr.IP.To16())
	}
	if addr.Zone != "" {
		if ifi, err := net.InterfaceByName(addr.Zone); err == nil {
			sa.ZoneId = uint32(ifi.Index)
		}
	}
	return unix.AF_INET6, sa, nil
}

// sockaddrToTCP converts a kernel address into a *net.TCPAddr; nil for
// anything else.
func sockaddrToTCP(sa unix.Sockaddr) net.Addr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		ip := make(net.IP, net.IPv4len)
		copy(ip, a.Addr[:])
		return &net.TCPAddr{IP: ip, Port: a.Port}
	case *unix.SockaddrInet6:
		ip := make(net.IP, net.IPv6len)
		copy(ip, a.Addr[:])
		addr := &net.TCPAddr{IP: ip, Port: a.Port}
		if a.ZoneId != 0 {
			if ifi, err := net.InterfaceByIndex(int(a.ZoneId)); err == nil {
				addr.Zone = ifi.Name
			}
		}
		return addr
	}
	return nil
}

func newListenSocket(family int) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	return fd, nil
}

func bindAndListen(fd int, sa unix.Sockaddr, backlog int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		return fmt.Errorf("bind: %w", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}

// acceptConn accepts one pending connection as a non-blocking descriptor.
func acceptConn(listenFD int) (int, net.Addr, error) {
	var from unix.Sockaddr
	fd, err := concurrency.RetryEINTR(concurrency.DefaultEINTRRetries, func() (int, error) {
		nfd, sa, err := unix.Accept4(listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		from = sa
		return nfd, err
	})
	if err != nil {
		return -1, nil, err
	}
	return fd, sockaddrToTCP(from), nil
}

type sockopt struct {
	name  string
	apply func(fd int) error
}

// clientSockopts lists the options ClientAdd applies to every new client.
func clientSockopts(cfg *Config) []sockopt {
	opts := []sockopt{
		{"SO_KEEPALIVE", func(fd int) error { return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1) }},
	}
	if cfg.SocketTimeout > 0 {
		tv := unix.NsecToTimeval(cfg.SocketTimeout.Nanoseconds())
		opts = append(opts,
			sockopt{"SO_RCVTIMEO", func(fd int) error { return unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv) }},
			sockopt{"SO_SNDTIMEO", func(fd int) error { return unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &tv) }},
		)
	}
	ka := cfg.KeepAlive
	if ka.Idle > 0 {
		opts = append(opts, sockopt{"TCP_KEEPIDLE", func(fd int) error {
			return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, seconds(ka.Idle))
		}})
	}
	if ka.Count > 0 {
		opts = append(opts, sockopt{"TCP_KEEPCNT", func(fd int) error {
			return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPCNT, ka.Count)
		}})
	}
	if ka.Interval > 0 {
		opts = append(opts, sockopt{"TCP_KEEPINTVL", func(fd int) error {
			return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, seconds(ka.Interval))
		}})
	}
	return opts
}

func seconds(d time.Duration) int {
	s := int(d / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}

// sendNoSignal writes to a socket without raising SIGPIPE on a closed peer.
func sendNoSignal(fd int, p []byte) (int, error) {
	return unix.SendmsgN(fd, p, nil, nil, unix.MSG_NOSIGNAL)
}

// pollFD waits for events on fd. It reports false when deadline passes
// first; a zero deadline waits forever. Hang-up and error conditions count
// as ready so the following read or write surfaces them.
func pollFD(fd int, events int16, deadline time.Time) (bool, error) {
	for {
		timeout := -1
		if !deadline.IsZero() {
			rem := time.Until(deadline)
			if rem <= 0 {
				return false, nil
			}
			timeout = int((rem + time.Millisecond - 1) / time.Millisecond)
		}
		fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
		n, err := unix.Poll(fds, timeout)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return false, err
		}
		if n > 0 {
			return true, nil
		}
	}
}
