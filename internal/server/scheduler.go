package server

import (
	"time"

	"github.com/xtaci/beanq/internal/ioloop"
	"github.com/xtaci/beanq/internal/job"
	"github.com/xtaci/beanq/internal/tube"
)

// schedule arranges fn to run on the loop goroutine at deadline. It
// is a no-op (returns nil) if no scheduler has been wired via
// UseScheduler, which is fine for tests that only exercise
// request/reply commands.
func (s *Server) schedule(deadline time.Time, fn func(time.Time)) *ioloop.Timer {
	if s.loop == nil {
		return nil
	}
	return s.loop.ScheduleAt(deadline, fn)
}

func (s *Server) cancelTimer(t *ioloop.Timer) {
	if s.loop == nil || t == nil {
		return
	}
	s.loop.Cancel(t)
}

// armTTRTimer (re)schedules job j's TTR expiry, canceling any
// previous one.
func (s *Server) armTTRTimer(j *job.Job) {
	s.cancelTTRTimer(j.ID)
	id := j.ID
	t := s.schedule(time.Unix(0, j.DeadlineAt), func(now time.Time) { s.onTTRExpiry(id, now) })
	if t != nil {
		s.ttrTimers[id] = t
	}
}

func (s *Server) cancelTTRTimer(id uint64) {
	if t, ok := s.ttrTimers[id]; ok {
		s.cancelTimer(t)
		delete(s.ttrTimers, id)
	}
}

// onTTRExpiry forcibly releases a job whose reserving connection has
// held it past its TTR deadline, per spec.md §4.3.
func (s *Server) onTTRExpiry(id uint64, now time.Time) {
	delete(s.ttrTimers, id)
	j, ok := s.jobs[id]
	if !ok || j.State != job.Reserved {
		return
	}
	j.TimeoutCount++
	if c, ok := s.conns[j.ReservedBy]; ok {
		delete(c.reserved, j.ID)
	}
	j.ReservedBy = 0
	t := s.tube(j.TubeName)
	t.PushReady(j)
	if s.wal != nil {
		if err := s.wal.Update(j); err != nil {
			s.walFailed("update on TTR expiry", j.ID, err)
		}
	}
	s.tryDispatch(t)
}

// armDelayedTimer (re)schedules tube t's promotion wakeup for its
// current soonest delayed job, if any, replacing any existing one.
func (s *Server) armDelayedTimer(t *tube.Tube) {
	s.cancelDelayedTimer(t.Name)
	j, ok := t.PeekDelayed()
	if !ok {
		return
	}
	name := t.Name
	timer := s.schedule(time.Unix(0, j.DeadlineAt), func(now time.Time) { s.onDelayedWake(name, now) })
	if timer != nil {
		s.delayedTimers[name] = timer
	}
}

func (s *Server) cancelDelayedTimer(name string) {
	if t, ok := s.delayedTimers[name]; ok {
		s.cancelTimer(t)
		delete(s.delayedTimers, name)
	}
}

// onDelayedWake promotes every delayed job in tube name whose deadline
// has elapsed, then re-arms for whatever remains.
func (s *Server) onDelayedWake(name string, now time.Time) {
	delete(s.delayedTimers, name)
	t, ok := s.tubes[name]
	if !ok {
		return
	}
	nowNs := now.UnixNano()
	for {
		j, ok := t.PeekDelayed()
		if !ok || j.DeadlineAt > nowNs {
			break
		}
		t.PopDelayed()
		t.PushReady(j)
		if s.wal != nil {
			if err := s.wal.Update(j); err != nil {
				s.walFailed("update on delayed promotion", j.ID, err)
			}
		}
	}
	s.tryDispatch(t)
	s.armDelayedTimer(t)
}

// armPauseTimer schedules tube t's unpause wakeup.
func (s *Server) armPauseTimer(t *tube.Tube) {
	s.cancelPauseTimer(t.Name)
	until := t.PausedUntil()
	if until == 0 {
		return
	}
	name := t.Name
	timer := s.schedule(time.Unix(0, until), func(now time.Time) { s.onPauseExpiry(name) })
	if timer != nil {
		s.pauseTimers[name] = timer
	}
}

func (s *Server) cancelPauseTimer(name string) {
	if t, ok := s.pauseTimers[name]; ok {
		s.cancelTimer(t)
		delete(s.pauseTimers, name)
	}
}

// onPauseExpiry re-attempts dispatch to all waiters once a pause
// lapses, per spec.md §4.2 ("unpause transitions must re-attempt
// dispatch to all waiters").
func (s *Server) onPauseExpiry(name string) {
	delete(s.pauseTimers, name)
	t, ok := s.tubes[name]
	if !ok {
		return
	}
	s.tryDispatch(t)
}

// tryDispatch hands ready jobs in t to waiting consumers, earliest
// waiter first, until either is exhausted, per spec.md §5's ordering
// guarantee.
func (s *Server) tryDispatch(t *tube.Tube) {
	if t.IsPaused(s.now()) {
		return
	}
	for t.HasWaiters() {
		j, ok := t.PeekReady()
		if !ok {
			return
		}
		connID, ok := t.PopWaiter()
		if !ok {
			return
		}
		c, ok := s.conns[connID]
		if !ok {
			continue
		}
		t.PopReady()
		s.removeWaiterEverywhere(c)
		s.fulfillReserve(c, j)
	}
}

// removeWaiterEverywhere drops c from the waiting-consumer list of
// every tube it watches, not just the one that just matched — a
// connection waits on its whole watch set at once.
func (s *Server) removeWaiterEverywhere(c *Conn) {
	c.waiting = false
	if c.reserveTimer != nil {
		s.cancelTimer(c.reserveTimer)
		c.reserveTimer = nil
	}
	for name := range c.watched {
		if t, ok := s.tubes[name]; ok {
			t.RemoveWaiter(c.id)
		}
	}
}

// fulfillReserve completes a reservation for c: marks j Reserved,
// arms its TTR timer, records it in c's reserved set, and writes the
// RESERVED reply.
func (s *Server) fulfillReserve(c *Conn, j *job.Job) {
	j.State = job.Reserved
	j.ReservedBy = c.id
	j.ReserveCount++
	j.DeadlineAt = s.now() + j.TTRNs
	c.reserved[j.ID] = j
	s.armTTRTimer(j)
	if s.wal != nil {
		if err := s.wal.Update(j); err != nil {
			s.walFailed("update on reserve", j.ID, err)
		}
	}
	c.Enqueue(replyReserved(j))
	c.Flush()
}
