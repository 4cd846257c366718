package ioloop

import (
	"errors"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned by Read/Write when the non-blocking fd has
// no more data/buffer space right now; the caller should wait for the
// next OnReadable/OnWritable callback.
var ErrWouldBlock = errors.New("ioloop: would block")

// Read performs a single non-blocking read on fd, mirroring the
// teacher's tryRead: loop past EINTR, translate EAGAIN into
// ErrWouldBlock, and report a clean close as n == 0 with a nil error
// (not io.EOF).
func Read(fd int, buf []byte) (int, error) {
	for {
		n, err := unix.Read(fd, buf)
		switch err {
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, ErrWouldBlock
		case nil:
			return n, nil
		default:
			return 0, err
		}
	}
}

// Write performs a single non-blocking write on fd, mirroring the
// teacher's tryWrite.
func Write(fd int, buf []byte) (int, error) {
	for {
		n, err := unix.Write(fd, buf)
		switch err {
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, ErrWouldBlock
		case nil:
			return n, nil
		default:
			return 0, err
		}
	}
}

// Close closes a duplicated connection fd obtained from dupFD.
func Close(fd int) error {
	return unix.Close(fd)
}
