// Package walfs abstracts the platform preallocation, fsync, and
// advisory-locking primitives the WAL depends on, behind a capability
// seam tests can substitute. This is the "Fallocate injection" design
// note from spec.md §9: production wires Real; tests wire Pattern,
// which replays a caller-supplied sequence of {ok,fail} outcomes to
// simulate ENOSPC on a specific allocation without touching a real
// disk. Syscalls are grounded on golang.org/x/sys/unix, the pack's
// most common low-level syscall dependency (ehrlich-b-go-ublk,
// runZeroInc-sockstats).
package walfs

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// FS is the capability a WAL segment set uses for everything that
// touches the filesystem below the level of plain read/write.
type FS interface {
	// Preallocate reserves size bytes for f, growing it if necessary,
	// without requiring the bytes to be written first.
	Preallocate(f *os.File, size int64) error
	// Sync flushes f's data (and, per wantsync policy, metadata) to
	// stable storage.
	Sync(f *os.File, dataOnly bool) error
	// Lock takes an exclusive, non-blocking advisory lock on path,
	// returning an unlock function. Used once at startup on the WAL
	// directory's lockfile.
	Lock(path string) (unlock func() error, err error)
}

// real is the production FS, backed directly by Linux syscalls.
type real struct{}

// NewReal returns the production filesystem capability.
func NewReal() FS { return real{} }

func (real) Preallocate(f *os.File, size int64) error {
	return unix.Fallocate(int(f.Fd()), 0, 0, size)
}

func (real) Sync(f *os.File, dataOnly bool) error {
	if dataOnly {
		return unix.Fdatasync(int(f.Fd()))
	}
	return f.Sync()
}

func (real) Lock(path string) (func() error, error) {
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return func() error {
		unix.Flock(fd, unix.LOCK_UN)
		return unix.Close(fd)
	}, nil
}

// Outcome is one entry of a Pattern's replayed call sequence.
type Outcome bool

const (
	Fail Outcome = false
	OK   Outcome = true
)

// pattern is a test FS that replays a fixed sequence of outcomes for
// Preallocate calls; Sync and Lock always succeed (no scenario in
// spec.md §8 exercises fsync or lock failure injection). The sequence
// clamps on its last element once exhausted, so a pattern like
// {OK,OK,OK,OK,Fail} means "fail forever from the 5th call on" unless
// the caller appends more outcomes after recovery, matching scenario
// 7's "subsequent puts succeed once allocation succeeds again".
type pattern struct {
	seq []Outcome
	idx int
}

// NewPattern returns a fault-injecting FS for tests. seq must be
// non-empty.
func NewPattern(seq []Outcome) FS {
	return &pattern{seq: seq}
}

func (p *pattern) Preallocate(*os.File, int64) error {
	i := p.idx
	if i >= len(p.seq) {
		i = len(p.seq) - 1
	}
	p.idx++
	if p.seq[i] == Fail {
		return syscall.ENOSPC
	}
	return nil
}

func (p *pattern) Sync(*os.File, bool) error { return nil }

func (p *pattern) Lock(path string) (func() error, error) {
	return func() error { return nil }, nil
}
