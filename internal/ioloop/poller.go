// Package ioloop implements the single cooperative event-loop
// goroutine described in spec.md §5: one dedicated goroutine owns the
// OS readiness primitive and funnels batches of readiness events over
// a channel to a second goroutine that owns all mutable connection
// and scheduling state. Because that second goroutine is the only
// reader and writer of that state, none of it needs a lock — the
// split mirrors the teacher's (gaio) "pfd.Wait(chEventNotify)" versus
// "loop()" goroutines in watcher.go.
package ioloop

// pollEvent reports one file descriptor's readiness, as delivered by
// the OS-specific poller backend.
type pollEvent struct {
	fd       int
	readable bool
	writable bool
	hup      bool
}

// poller is the OS-specific readiness backend, implemented by
// poller_linux.go over epoll. A Loop owns exactly one poller.
type poller interface {
	// watch arms fd for readiness notifications. write selects
	// whether EPOLLOUT interest is included from the start.
	watch(fd int, write bool) error
	// modify changes write-interest for an already-armed fd.
	modify(fd int, write bool) error
	// forget disarms fd. Safe to call even if the fd was already
	// closed out from under the poller (the kernel drops it
	// automatically on close(2); forget just clears bookkeeping).
	forget(fd int) error
	// wait blocks until at least one event is ready or the poller is
	// closed, appending to dst and returning the extended slice.
	wait(dst []pollEvent) ([]pollEvent, error)
	close() error
}
