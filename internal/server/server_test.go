package server

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/xtaci/beanq/internal/ioloop"
)

// recorder is a Transport that appends everything written to it,
// letting tests assert on exact reply bytes without a real socket —
// Conn.Feed is transport-agnostic (see conn.go), so driving it
// directly with an in-memory sink exercises the same dispatch code a
// live epoll connection would.
type recorder struct {
	buf bytes.Buffer
}

func (r *recorder) Write(p []byte) (int, error) { return r.buf.Write(p) }

func (r *recorder) take() string {
	s := r.buf.String()
	r.buf.Reset()
	return s
}

func newTestServer() *Server {
	return New(Options{}, nil, 0)
}

func send(c *Conn, line string) {
	c.Feed([]byte(line))
}

func TestUnknownCommandReply(t *testing.T) {
	s := newTestServer()
	tr := &recorder{}
	c := s.NewConnection(tr)

	send(c, "frobnicate\r\n")
	if got := tr.take(); got != "UNKNOWN_COMMAND\r\n" {
		t.Fatalf("got %q", got)
	}
}

func TestPutThenReserveThenDelete(t *testing.T) {
	s := newTestServer()
	producer := s.NewConnection(&recorder{})
	consumerTr := &recorder{}
	consumer := s.NewConnection(consumerTr)

	send(producer, "put 10 0 60 5\r\nhello\r\n")
	got := producer.tr.(*recorder).take()
	if !strings.HasPrefix(got, "INSERTED ") {
		t.Fatalf("expected INSERTED, got %q", got)
	}

	send(consumer, "reserve\r\n")
	reply := consumerTr.take()
	if !strings.HasPrefix(reply, "RESERVED ") || !strings.HasSuffix(reply, "hello\r\n") {
		t.Fatalf("expected RESERVED ... hello, got %q", reply)
	}

	// extract the job id
	fields := strings.Fields(strings.TrimSpace(reply))
	id := fields[1]

	send(consumer, "delete "+id+"\r\n")
	if got := consumerTr.take(); got != "DELETED\r\n" {
		t.Fatalf("expected DELETED, got %q", got)
	}
}

func TestReserveBlocksUntilPut(t *testing.T) {
	s := newTestServer()
	consumerTr := &recorder{}
	consumer := s.NewConnection(consumerTr)

	send(consumer, "reserve\r\n")
	if got := consumerTr.take(); got != "" {
		t.Fatalf("expected no immediate reply while waiting, got %q", got)
	}
	if !consumer.waiting {
		t.Fatal("expected connection to be registered as waiting")
	}

	producer := s.NewConnection(&recorder{})
	send(producer, "put 0 0 60 3\r\nfoo\r\n")

	reply := consumerTr.take()
	if !strings.HasPrefix(reply, "RESERVED ") {
		t.Fatalf("expected dispatched RESERVED once a job arrives, got %q", reply)
	}
	if consumer.waiting {
		t.Fatal("connection should no longer be waiting after dispatch")
	}
}

func TestCrossConnectionDeleteOfReservedJobIsNotFound(t *testing.T) {
	s := newTestServer()
	owner := s.NewConnection(&recorder{})
	other := &recorder{}
	bystander := s.NewConnection(other)

	send(owner, "put 0 0 60 3\r\nfoo\r\n")
	send(owner, "reserve\r\n")
	reply := owner.tr.(*recorder).take()
	id := strings.Fields(strings.TrimSpace(reply))[1]

	send(bystander, "delete "+id+"\r\n")
	if got := other.take(); got != "NOT_FOUND\r\n" {
		t.Fatalf("expected NOT_FOUND for a job reserved by someone else, got %q", got)
	}
}

func TestConnectionCloseReleasesReservedJobs(t *testing.T) {
	s := newTestServer()
	owner := s.NewConnection(&recorder{})
	send(owner, "put 0 0 60 3\r\nfoo\r\n")
	send(owner, "reserve\r\n")

	s.CloseConnection(owner)

	waiterTr := &recorder{}
	waiter := s.NewConnection(waiterTr)
	send(waiter, "reserve\r\n")
	if got := waiterTr.take(); !strings.HasPrefix(got, "RESERVED ") {
		t.Fatalf("expected the released job to be reservable again, got %q", got)
	}
}

func TestWatchIgnoreGuardsLastTube(t *testing.T) {
	s := newTestServer()
	tr := &recorder{}
	c := s.NewConnection(tr)

	send(c, "watch foo\r\n")
	if got := tr.take(); got != "WATCHING 2\r\n" {
		t.Fatalf("got %q", got)
	}
	send(c, "ignore default\r\n")
	if got := tr.take(); got != "WATCHING 1\r\n" {
		t.Fatalf("got %q", got)
	}
	send(c, "ignore foo\r\n")
	if got := tr.take(); got != "NOT_IGNORED\r\n" {
		t.Fatalf("expected NOT_IGNORED when only one tube remains watched, got %q", got)
	}
}

func TestBuryThenKickMovesToReady(t *testing.T) {
	s := newTestServer()
	tr := &recorder{}
	c := s.NewConnection(tr)

	send(c, "put 0 0 60 3\r\nfoo\r\n")
	tr.take()
	send(c, "reserve\r\n")
	reply := tr.take()
	id := strings.Fields(strings.TrimSpace(reply))[1]

	send(c, "bury "+id+" 0\r\n")
	if got := tr.take(); got != "BURIED\r\n" {
		t.Fatalf("got %q", got)
	}

	send(c, "kick 1\r\n")
	if got := tr.take(); got != "KICKED 1\r\n" {
		t.Fatalf("got %q", got)
	}

	send(c, "reserve\r\n")
	if got := tr.take(); !strings.HasPrefix(got, "RESERVED ") {
		t.Fatalf("expected the kicked job to be reservable, got %q", got)
	}
}

func TestPauseTubeBlocksReserveUntilUnpause(t *testing.T) {
	loop, err := ioloop.New()
	if err != nil {
		t.Fatalf("ioloop.New: %v", err)
	}
	defer loop.Close()
	go loop.Run(nil)

	s := newTestServer()
	s.UseScheduler(loop)

	producerTr := &recorder{}
	loop.InvokeSync(func() {
		producer := s.NewConnection(producerTr)
		send(producer, "pause-tube default 1\r\n")
		if got := producerTr.take(); got != "PAUSED\r\n" {
			t.Fatalf("got %q", got)
		}
		send(producer, "put 0 0 60 3\r\nfoo\r\n")
		producerTr.take()
	})

	consumerTr := &recorder{}
	loop.InvokeSync(func() {
		consumer := s.NewConnection(consumerTr)
		send(consumer, "reserve\r\n")
		if got := consumerTr.take(); got != "" {
			t.Fatalf("expected no reply while tube is paused, got %q", got)
		}
	})

	time.Sleep(1200 * time.Millisecond)

	loop.InvokeSync(func() {
		if got := consumerTr.take(); !strings.HasPrefix(got, "RESERVED ") {
			t.Fatalf("expected dispatch once the pause lapses, got %q", got)
		}
	})
}

func TestDeadlineSoonPrecedesNewReserve(t *testing.T) {
	loop, err := ioloop.New()
	if err != nil {
		t.Fatalf("ioloop.New: %v", err)
	}
	defer loop.Close()
	go loop.Run(nil)

	s := newTestServer()
	s.UseScheduler(loop)

	tr := &recorder{}
	var c *Conn
	loop.InvokeSync(func() {
		c = s.NewConnection(tr)
		send(c, "put 0 0 2 3\r\nfoo\r\n")
		tr.take()
		send(c, "reserve\r\n")
		reply := tr.take()
		if !strings.HasPrefix(reply, "RESERVED ") {
			t.Fatalf("expected RESERVED, got %q", reply)
		}
	})

	// let the held job's TTR deadline enter the 1s safety margin
	// (TTR=2s total) before trying to reserve again.
	time.Sleep(1300 * time.Millisecond)

	loop.InvokeSync(func() {
		send(c, "reserve\r\n")
		if got := tr.take(); got != "DEADLINE_SOON\r\n" {
			t.Fatalf("expected DEADLINE_SOON, got %q", got)
		}
	})
}
