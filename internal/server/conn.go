package server

import (
	"github.com/xtaci/beanq/internal/ioloop"
	"github.com/xtaci/beanq/internal/job"
	"github.com/xtaci/beanq/internal/proto"
	"github.com/xtaci/beanq/internal/tube"
)

// parseState tracks where in the line/body grammar of spec.md §4.4 a
// connection's input buffer currently sits.
type parseState int

const (
	stateCommand parseState = iota
	stateBody
	stateResync
)

// pendingPut holds the parsed header of a put command while its body
// is still arriving.
type pendingPut struct {
	priority uint32
	delayNs  int64
	ttrNs    int64
	bodySize int
}

// Transport is the minimal write surface a Conn needs. Production
// wraps a raw, epoll-armed file descriptor (fdTransport in listen.go);
// tests use an in-memory byte sink (recorder), letting the same Conn/dispatch
// code run without any poller involved — per spec.md §5 the protocol
// engine itself has no opinion about how bytes arrive.
type Transport interface {
	Write(p []byte) (n int, err error)
}

// Conn is one client connection's protocol and reservation state. All
// fields are touched only from the server's single event-loop
// goroutine; there is no internal locking (spec.md §5).
type Conn struct {
	id  uint64
	srv *Server
	tr  Transport

	inbuf  []byte
	outbuf []byte

	state   parseState
	pending pendingPut

	used    string
	watched map[string]bool

	reserved map[uint64]*job.Job

	waiting      bool
	reserveTimer *ioloop.Timer

	closed bool
}

func newConn(id uint64, srv *Server, tr Transport) *Conn {
	c := &Conn{
		id:       id,
		srv:      srv,
		tr:       tr,
		used:     tube.DefaultName,
		watched:  map[string]bool{tube.DefaultName: true},
		reserved: make(map[uint64]*job.Job),
	}
	srv.tube(tube.DefaultName).UseCount++
	srv.tube(tube.DefaultName).WatchCount++
	return c
}

// Enqueue appends b to this connection's output buffer without
// attempting to write it yet.
func (c *Conn) Enqueue(b []byte) {
	c.outbuf = append(c.outbuf, b...)
}

// Flush attempts to write any buffered output. Production transports
// may only accept a partial write (ioloop.ErrWouldBlock); the
// remainder stays buffered and the caller is responsible for arming
// write-interest.
func (c *Conn) Flush() error {
	for len(c.outbuf) > 0 {
		n, err := c.tr.Write(c.outbuf)
		if n > 0 {
			c.outbuf = c.outbuf[n:]
		}
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
	}
	return nil
}

// Feed appends newly-read bytes and processes as many complete
// commands (and command+body pairs) as are available, dispatching
// each to the server. It returns true if the connection should now be
// closed (an explicit quit).
func (c *Conn) Feed(data []byte) (closeConn bool) {
	c.inbuf = append(c.inbuf, data...)
	for {
		switch c.state {
		case stateCommand:
			idx := indexCRLF(c.inbuf)
			if idx < 0 {
				if len(c.inbuf) >= proto.MaxCommandLineLen {
					c.Enqueue(proto.ReplyBadFormat)
					c.state = stateResync
					continue
				}
				c.Flush()
				return false
			}
			line := c.inbuf[:idx]
			c.inbuf = c.inbuf[idx+2:]
			if quit := c.dispatchLine(line); quit {
				c.Flush()
				return true
			}

		case stateBody:
			need := c.pending.bodySize + 2
			if len(c.inbuf) < need {
				c.Flush()
				return false
			}
			body := c.inbuf[:c.pending.bodySize]
			tail := c.inbuf[c.pending.bodySize:need]
			c.inbuf = c.inbuf[need:]
			c.state = stateCommand
			c.finishPut(body, tail)

		case stateResync:
			idx := indexCRLF(c.inbuf)
			if idx < 0 {
				c.Flush()
				return false
			}
			c.inbuf = c.inbuf[idx+2:]
			c.state = stateCommand
		}
	}
}

func indexCRLF(b []byte) int {
	for i := 0; i+1 < len(b); i++ {
		if b[i] == '\r' && b[i+1] == '\n' {
			return i
		}
	}
	return -1
}
