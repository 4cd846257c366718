package ioloop

import (
	"errors"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

var errNotSyscallConn = errors.New("ioloop: connection does not expose a raw file descriptor")

// Listener runs net.Listener.Accept in its own goroutine — the Go
// runtime's netpoller already parks that call efficiently, so there is
// no need to epoll the listening socket itself — and feeds each
// accepted connection's duplicated, non-blocking file descriptor into
// the loop goroutine via chAccept. The duplication mirrors the
// teacher's dupconn step in watcher.go's handlePending: once epoll
// owns a fd's readiness, all I/O against it must go through raw
// syscall.Read/Write, never through the original net.Conn, or the
// two readiness mechanisms (Go's internal netpoller and ours) would
// race over the same descriptor.
type Listener struct {
	nl   net.Listener
	loop *Loop
	die  chan struct{}
}

// Listen starts accepting TCP connections on addr and forwards them
// to loop. Call Serve to run the accept goroutine.
func Listen(loop *Loop, network, addr string) (*Listener, error) {
	nl, err := net.Listen(network, addr)
	if err != nil {
		return nil, err
	}
	return &Listener{nl: nl, loop: loop, die: make(chan struct{})}, nil
}

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr { return l.nl.Addr() }

// Serve runs the blocking accept loop until Close is called. Run it
// in its own goroutine; it communicates with the loop goroutine only
// through Loop.chAccept.
func (l *Listener) Serve() {
	for {
		conn, err := l.nl.Accept()
		if err != nil {
			select {
			case l.loop.chAccept <- acceptedConn{fd: -1, err: err}:
			case <-l.die:
			}
			return
		}
		fd, dupErr := dupFD(conn)
		conn.Close()
		select {
		case l.loop.chAccept <- acceptedConn{fd: fd, err: dupErr}:
		case <-l.die:
			if dupErr == nil {
				unix.Close(fd)
			}
			return
		}
	}
}

// Close stops accepting and unblocks Serve.
func (l *Listener) Close() error {
	close(l.die)
	return l.nl.Close()
}

// dupFD duplicates the raw file descriptor behind a TCP conn so the
// original *net.TCPConn (and the runtime's internal netpoller
// registration for it) can be discarded while the duplicate continues
// to identify the same socket for our own epoll instance.
func dupFD(conn net.Conn) (int, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1, errNotSyscallConn
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1, err
	}
	var dupfd int
	var dupErr error
	err = raw.Control(func(fd uintptr) {
		dupfd, dupErr = unix.Dup(int(fd))
	})
	if err != nil {
		return -1, err
	}
	if dupErr != nil {
		return -1, dupErr
	}
	if err := unix.SetNonblock(dupfd, true); err != nil {
		unix.Close(dupfd)
		return -1, err
	}
	return dupfd, nil
}
