//go:build linux
// +build linux

// File: reactor/reactor_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux epoll(7)-based reactor implementation and factory.

package reactor

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// linuxReactor is an epoll-based one-shot event reactor. The token travels
// in the event's Pad word next to the descriptor, so no Go pointer is ever
// handed to the kernel.
type linuxReactor struct {
	epfd   int
	closed atomic.Bool
}

// NewReactor constructs a new platform-specific EventReactor for Linux.
func NewReactor() (EventReactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	return &linuxReactor{epfd: epfd}, nil
}

func interest(dir Direction) uint32 {
	ev := uint32(unix.EPOLLET | unix.EPOLLONESHOT | unix.EPOLLRDHUP)
	if dir&DirRead != 0 {
		ev |= unix.EPOLLIN
	}
	if dir&DirWrite != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func (r *linuxReactor) ctl(op, fd int, token uint32, dir Direction) error {
	event := &unix.EpollEvent{
		Events: interest(dir),
		Fd:     int32(fd),
		Pad:    int32(token),
	}
	return unix.EpollCtl(r.epfd, op, fd, event)
}

// Register adds file descriptor to epoll.
func (r *linuxReactor) Register(fd int, token uint32, dir Direction) error {
	if err := r.ctl(unix.EPOLL_CTL_ADD, fd, token, dir); err != nil {
		return fmt.Errorf("epoll ctl add fd=%d: %w", fd, err)
	}
	return nil
}

// Rearm re-enables a one-shot registration.
func (r *linuxReactor) Rearm(fd int, token uint32, dir Direction) error {
	if err := r.ctl(unix.EPOLL_CTL_MOD, fd, token, dir); err != nil {
		return fmt.Errorf("epoll ctl mod fd=%d: %w", fd, err)
	}
	return nil
}

// Unregister removes a file descriptor from the watch list.
func (r *linuxReactor) Unregister(fd int) error {
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll ctl del fd=%d: %w", fd, err)
	}
	return nil
}

// Wait waits for epoll events and fills the result into events slice.
func (r *linuxReactor) Wait(events []Event, timeoutMs int) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	var buf [MaxWaitEvents]unix.EpollEvent
	raw := buf[:min(len(events), MaxWaitEvents)]
	n, err := unix.EpollWait(r.epfd, raw, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("epoll wait: %w", err)
	}
	for i := 0; i < n; i++ {
		ev := raw[i].Events
		events[i] = Event{
			Fd:       int(raw[i].Fd),
			Token:    uint32(raw[i].Pad),
			Readable: ev&unix.EPOLLIN != 0,
			Writable: ev&unix.EPOLLOUT != 0,
			Hangup:   ev&(unix.EPOLLHUP|unix.EPOLLRDHUP|unix.EPOLLERR) != 0,
		}
	}
	return n, nil
}

// Close closes the epoll instance.
func (r *linuxReactor) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	return unix.Close(r.epfd)
}
