// Package server implements the beanq engine: tube/job bookkeeping,
// the protocol dispatch table of spec.md §4.4, the scheduler of
// spec.md §4.3, and the connection lifecycle of spec.md §5. The
// engine itself (Server, Conn, dispatch) is transport-agnostic — it
// is driven by whatever feeds bytes into Conn.Feed and whatever clock
// drives Server's scheduler — so internal/ioloop's epoll loop is only
// one possible driver; tests drive the same code through an in-memory
// Transport.
package server

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/xtaci/beanq/internal/ioloop"
	"github.com/xtaci/beanq/internal/job"
	"github.com/xtaci/beanq/internal/proto"
	"github.com/xtaci/beanq/internal/tube"
	"github.com/xtaci/beanq/internal/wal"
)

// SafetyMarginNanos is the DEADLINE_SOON safety margin from spec.md
// §4.3.
const SafetyMarginNanos = int64(time.Second)

// Clock abstracts "now" so tests can use a fake clock if ever needed;
// production always uses the real wall clock.
type Clock func() time.Time

// Options configures a Server.
type Options struct {
	WAL              *wal.WAL // nil disables durability (tests only)
	JobDataSizeLimit int
	Log              *zap.SugaredLogger
	Clock            Clock
}

// Server owns every tube, every live job, and every connection. All
// of it is touched only from the single event-loop goroutine that
// calls into dispatch — see spec.md §5.
type Server struct {
	tubes map[string]*tube.Tube
	jobs  map[uint64]*job.Job
	conns map[uint64]*Conn

	nextJobID  uint64
	nextConnID uint64

	wal              *wal.WAL
	jobDataSizeLimit int
	log              *zap.SugaredLogger
	clock            Clock

	ttrTimers     map[uint64]*ioloop.Timer
	delayedTimers map[string]*ioloop.Timer
	pauseTimers   map[string]*ioloop.Timer

	loop *ioloop.Loop

	draining bool

	// onFatal is invoked at most once, the first time a WAL mutation
	// reports a *wal.ErrFatal (write/fsync failure the server cannot
	// recover from, per spec.md §7). Production wires this to stop the
	// event loop and exit nonzero; tests that don't set it just leave
	// the failure logged.
	onFatal func(error)
}

// New creates a Server. nextID seeds the job id counter (from
// wal.Open's recovered nextID, or 1 for a fresh/WAL-less server).
// recovered is re-inserted into its tubes before the server accepts
// any connections.
func New(opts Options, recovered []*job.Job, nextID uint64) *Server {
	if opts.JobDataSizeLimit <= 0 {
		opts.JobDataSizeLimit = proto.JobDataSizeLimitDefault
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop().Sugar()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	s := &Server{
		tubes:            make(map[string]*tube.Tube),
		jobs:             make(map[uint64]*job.Job),
		conns:            make(map[uint64]*Conn),
		nextJobID:        nextID,
		wal:              opts.WAL,
		jobDataSizeLimit: opts.JobDataSizeLimit,
		log:              opts.Log,
		clock:            opts.Clock,
		ttrTimers:        make(map[uint64]*ioloop.Timer),
		delayedTimers:    make(map[string]*ioloop.Timer),
		pauseTimers:      make(map[string]*ioloop.Timer),
	}
	if s.nextJobID == 0 {
		s.nextJobID = 1
	}
	s.tube(tube.DefaultName) // pre-created, never collected

	for _, j := range recovered {
		s.jobs[j.ID] = j
		t := s.tube(j.TubeName)
		switch j.State {
		case job.Ready:
			t.PushReady(j)
		case job.Delayed:
			t.PushDelayed(j)
			s.armDelayedTimer(t)
		case job.Buried:
			t.Bury(j)
		}
		if j.ID >= s.nextJobID {
			s.nextJobID = j.ID + 1
		}
	}
	return s
}

// UseScheduler wires the server's TTR/delayed/pause timers through an
// ioloop.Loop, the single event-loop goroutine described in spec.md
// §5. Must be called once before the server starts accepting
// connections; tests that don't exercise deadline-driven behavior can
// skip it, in which case TTR/delayed/pause deadlines simply never
// fire (commands still work; only background expiry is inert).
func (s *Server) UseScheduler(loop *ioloop.Loop) {
	s.loop = loop
	// delayed jobs recovered in New were pushed before any scheduler
	// existed, so their promotion timers are armed here.
	for _, t := range s.tubes {
		s.armDelayedTimer(t)
	}
}

// OnFatal registers fn to run the first time a WAL mutation fails with
// a *wal.ErrFatal. Must be called before the server starts accepting
// connections.
func (s *Server) OnFatal(fn func(error)) {
	s.onFatal = fn
}

// walFatal reports whether err wraps a *wal.ErrFatal and, if so, logs
// it and invokes the registered fatal handler exactly once. Every WAL
// mutation call site must check this before deciding it is safe to
// keep serving: spec.md §7 requires a WAL write/fsync failure to be
// treated as fatal, not logged-and-ignored or folded into an ordinary
// protocol reply.
func (s *Server) walFatal(err error) bool {
	var fatalErr *wal.ErrFatal
	if !errors.As(err, &fatalErr) {
		return false
	}
	s.log.Errorw("fatal WAL failure, shutting down", "error", err)
	if s.onFatal != nil {
		s.onFatal(err)
	}
	return true
}

// walFailed reports a non-fatal WAL error for the named operation on
// jobID and returns true if err was fatal (in which case walFatal has
// already escalated it and the caller should stop what it was doing
// rather than also log a redundant line).
func (s *Server) walFailed(op string, jobID uint64, err error) bool {
	if err == nil {
		return false
	}
	if s.walFatal(err) {
		return true
	}
	s.log.Errorw("wal "+op+" failed", "job", jobID, "error", err)
	return false
}

func (s *Server) now() int64 { return s.clock().UnixNano() }

// tube returns the named tube, creating it if this is the first
// reference.
func (s *Server) tube(name string) *tube.Tube {
	t, ok := s.tubes[name]
	if !ok {
		t = tube.New(name)
		s.tubes[name] = t
	}
	return t
}

// collect deletes name's tube if it is now empty and not "default".
func (s *Server) collect(name string) {
	if name == tube.DefaultName {
		return
	}
	t, ok := s.tubes[name]
	if !ok || !t.Empty() {
		return
	}
	delete(s.tubes, name)
	s.cancelDelayedTimer(name)
	s.cancelPauseTimer(name)
}

// NewConnection registers a new connection over tr and returns it.
// Production calls this from the accept path; tests call it per
// simulated client.
func (s *Server) NewConnection(tr Transport) *Conn {
	s.nextConnID++
	c := newConn(s.nextConnID, s, tr)
	s.conns[c.id] = c
	return c
}

// CloseConnection runs the connection-close cleanup of spec.md §4.4:
// every reserved job goes back to ready, every waiter registration is
// removed, and watch/use counts are decremented.
func (s *Server) CloseConnection(c *Conn) {
	if c.closed {
		return
	}
	c.closed = true

	for _, j := range c.reserved {
		s.cancelTTRTimer(j.ID)
		j.ReleaseCount++
		j.ReservedBy = 0
		t := s.tube(j.TubeName)
		t.PushReady(j)
		if s.wal != nil {
			if err := s.wal.Update(j); err != nil {
				s.walFailed("update releasing job on connection close", j.ID, err)
			}
		}
		s.tryDispatch(t)
	}
	c.reserved = nil

	for name := range c.watched {
		if t, ok := s.tubes[name]; ok {
			t.RemoveWaiter(c.id)
			t.WatchCount--
			s.collect(name)
		}
	}
	if t, ok := s.tubes[c.used]; ok {
		t.UseCount--
		s.collect(c.used)
	}
	if c.reserveTimer != nil {
		s.cancelTimer(c.reserveTimer)
		c.reserveTimer = nil
	}

	delete(s.conns, c.id)
}

// Draining reports whether Drain has been called (SIGTERM/SIGINT/
// SIGUSR1 drain path). Commands on existing connections are still
// served while draining.
func (s *Server) Draining() bool { return s.draining }

// Drain marks the server as no longer accepting new connections (the
// listener itself is closed by the caller); existing connections keep
// being served until they finish or close.
func (s *Server) Drain() { s.draining = true }

// Shutdown runs the clean-exit path of spec.md §5: every still-open
// connection's reserved jobs are released, and the WAL (if any) is
// flushed and closed.
func (s *Server) Shutdown() error {
	for _, c := range s.conns {
		s.CloseConnection(c)
	}
	if s.wal != nil {
		return s.wal.Close()
	}
	return nil
}
