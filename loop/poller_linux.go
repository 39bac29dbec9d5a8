//go:build linux

// File: loop/poller_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux epoll(7) backend, plus an eventfd used purely to wake the loop
// goroutine promptly when a task is deferred from another goroutine.
// Grounded on the teacher's reactor/reactor_linux.go.
package loop

import (
	"fmt"

	"golang.org/x/sys/unix"
)

type epollPoller struct {
	epfd   int
	wakeFd int
}

func newFDPoller() (fdPoller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("loop: epoll_create1: %w", err)
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("loop: eventfd: %w", err)
	}
	p := &epollPoller{epfd: epfd, wakeFd: wakeFd}
	if err := p.register(wakeFd, EventRead); err != nil {
		unix.Close(epfd)
		unix.Close(wakeFd)
		return nil, err
	}
	return p, nil
}

func toEpollMask(mask FDEvent) uint32 {
	var m uint32
	if mask&EventRead != 0 {
		m |= unix.EPOLLIN
	}
	if mask&EventWrite != 0 {
		m |= unix.EPOLLOUT
	}
	return m
}

func (p *epollPoller) register(fd int, mask FDEvent) error {
	ev := unix.EpollEvent{Events: toEpollMask(mask), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (p *epollPoller) unregister(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *epollPoller) wait(timeoutMs int) ([]readyEvent, error) {
	var raw [64]unix.EpollEvent
	n, err := unix.EpollWait(p.epfd, raw[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("loop: epoll_wait: %w", err)
	}
	out := make([]readyEvent, 0, n)
	for i := 0; i < n; i++ {
		fd := int(raw[i].Fd)
		if fd == p.wakeFd {
			var buf [8]byte
			unix.Read(p.wakeFd, buf[:])
			continue
		}
		var mask FDEvent
		if raw[i].Events&unix.EPOLLIN != 0 {
			mask |= EventRead
		}
		if raw[i].Events&unix.EPOLLOUT != 0 {
			mask |= EventWrite
		}
		if raw[i].Events&unix.EPOLLERR != 0 {
			mask |= EventError
		}
		if raw[i].Events&unix.EPOLLHUP != 0 {
			mask |= EventHup
		}
		out = append(out, readyEvent{fd: fd, mask: mask})
	}
	return out, nil
}

func (p *epollPoller) wake() {
	var buf [8]byte
	buf[0] = 1
	unix.Write(p.wakeFd, buf[:])
}

func (p *epollPoller) close() error {
	unix.Close(p.wakeFd)
	return unix.Close(p.epfd)
}
