//go:build linux

package ioloop

import (
	"golang.org/x/sys/unix"
)

const maxPollEvents = 256

// epollPoller is the Linux poller backend: epoll_create1/epoll_ctl/
// epoll_wait via golang.org/x/sys/unix, grounded on the same
// level-triggered-readiness contract the teacher's watcher.go assumes
// of its own poller (tryRead/tryWrite loop until EAGAIN).
type epollPoller struct {
	fd     int
	events [maxPollEvents]unix.EpollEvent
}

func openPoller() (poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollPoller{fd: fd}, nil
}

func (p *epollPoller) interestMask(write bool) uint32 {
	mask := uint32(unix.EPOLLIN | unix.EPOLLRDHUP)
	if write {
		mask |= unix.EPOLLOUT
	}
	return mask
}

func (p *epollPoller) watch(fd int, write bool) error {
	ev := unix.EpollEvent{Events: p.interestMask(write), Fd: int32(fd)}
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (p *epollPoller) modify(fd int, write bool) error {
	ev := unix.EpollEvent{Events: p.interestMask(write), Fd: int32(fd)}
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (p *epollPoller) forget(fd int) error {
	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.ENOENT || err == unix.EBADF {
		return nil
	}
	return err
}

func (p *epollPoller) wait(dst []pollEvent) ([]pollEvent, error) {
	for {
		n, err := unix.EpollWait(p.fd, p.events[:], -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return dst, err
		}
		for i := 0; i < n; i++ {
			e := p.events[i]
			dst = append(dst, pollEvent{
				fd:       int(e.Fd),
				readable: e.Events&(unix.EPOLLIN|unix.EPOLLERR|unix.EPOLLHUP) != 0,
				writable: e.Events&unix.EPOLLOUT != 0,
				hup:      e.Events&(unix.EPOLLHUP|unix.EPOLLRDHUP|unix.EPOLLERR) != 0,
			})
		}
		return dst, nil
	}
}

func (p *epollPoller) close() error {
	return unix.Close(p.fd)
}
