package server

import (
	"errors"
	"net"

	"github.com/xtaci/beanq/internal/ioloop"
)

// fdTransport is the production Transport: a raw, non-blocking file
// descriptor registered with an ioloop.Loop. It never calls the
// syscall layer outside a Handler callback, keeping all I/O on the
// single loop goroutine per spec.md §5.
type fdTransport struct {
	fd   int
	loop *ioloop.Loop
}

func (t *fdTransport) Write(p []byte) (int, error) {
	n, err := ioloop.Write(t.fd, p)
	if err == ioloop.ErrWouldBlock {
		return n, nil
	}
	return n, err
}

// connHandler adapts a Conn to ioloop.Handler, translating readiness
// callbacks into Feed calls and buffered-write flushes.
type connHandler struct {
	conn *Conn
	srv  *Server
	loop *ioloop.Loop
	fd   int

	readBuf []byte
}

func newConnHandler(srv *Server, loop *ioloop.Loop, fd int) *connHandler {
	h := &connHandler{srv: srv, loop: loop, fd: fd, readBuf: make([]byte, 65536)}
	h.conn = srv.NewConnection(&fdTransport{fd: fd, loop: loop})
	return h
}

// OnReadable drains fd until it would block, feeding each chunk to the
// connection's protocol engine. A clean close (n==0, err==nil) or any
// read error tears the connection down.
func (h *connHandler) OnReadable() {
	for {
		n, err := ioloop.Read(h.fd, h.readBuf)
		if err == ioloop.ErrWouldBlock {
			return
		}
		if err != nil {
			h.teardown()
			return
		}
		if n == 0 {
			h.teardown()
			return
		}
		closeConn := h.conn.Feed(h.readBuf[:n])
		h.flush()
		if closeConn {
			h.teardown()
			return
		}
	}
}

// OnWritable flushes whatever is left in the connection's output
// buffer once the socket can accept more bytes.
func (h *connHandler) OnWritable() {
	h.flush()
}

// OnClosed runs the connection-close cleanup once the loop (or
// teardown) removes this fd.
func (h *connHandler) OnClosed() {
	h.srv.CloseConnection(h.conn)
}

func (h *connHandler) flush() {
	h.conn.Flush()
	want := len(h.conn.outbuf) > 0
	h.loop.SetWriteInterest(h.fd, want)
}

func (h *connHandler) teardown() {
	h.loop.Remove(h.fd)
	ioloop.Close(h.fd)
}

// Serve wires an already-listening ioloop.Listener into loop: accepted
// fds are registered as new connections, and the listener's accept
// goroutine is started. It blocks running loop.Run until the loop is
// closed; call it from the goroutine that should become the server's
// single cooperative loop goroutine.
func Serve(srv *Server, loop *ioloop.Loop, ln *ioloop.Listener) {
	go ln.Serve()
	loop.Run(func(fd int, err error) {
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				srv.log.Errorw("accept failed", "error", err)
			}
			return
		}
		h := newConnHandler(srv, loop, fd)
		if regErr := loop.Register(fd, h, false); regErr != nil {
			srv.log.Errorw("register accepted connection failed", "error", regErr)
			ioloop.Close(fd)
			return
		}
	})
}
