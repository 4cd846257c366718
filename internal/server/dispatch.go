package server

import (
	"time"

	"github.com/xtaci/beanq/internal/job"
	"github.com/xtaci/beanq/internal/proto"
	"github.com/xtaci/beanq/internal/tube"
)

// walFailed reports a non-fatal WAL error for the named operation and
// returns true if err was fatal, in which case the server is already
// shutting down and the caller should not also reply as if nothing
// happened.
func (c *Conn) walFailed(op string, jobID uint64, err error) bool {
	return c.srv.walFailed(op, jobID, err)
}

// dispatchLine parses and executes a single command line (without its
// trailing CRLF). It returns true if the connection should close
// (an explicit quit).
func (c *Conn) dispatchLine(line []byte) bool {
	fields := proto.Fields(line)
	if len(fields) == 0 {
		c.Enqueue(proto.ReplyBadFormat)
		return false
	}
	cmd := string(fields[0])
	args := fields[1:]

	switch cmd {
	case "put":
		c.cmdPut(args)
	case "use":
		c.cmdUse(args)
	case "reserve":
		c.cmdReserve(args, false)
	case "reserve-with-timeout":
		c.cmdReserve(args, true)
	case "delete":
		c.cmdDelete(args)
	case "release":
		c.cmdRelease(args)
	case "bury":
		c.cmdBury(args)
	case "touch":
		c.cmdTouch(args)
	case "watch":
		c.cmdWatch(args)
	case "ignore":
		c.cmdIgnore(args)
	case "peek":
		c.cmdPeek(args)
	case "peek-ready":
		c.cmdPeekReady()
	case "peek-delayed":
		c.cmdPeekDelayed()
	case "peek-buried":
		c.cmdPeekBuried()
	case "kick":
		c.cmdKick(args)
	case "kick-job":
		c.cmdKickJob(args)
	case "pause-tube":
		c.cmdPauseTube(args)
	case "quit":
		return true
	default:
		c.Enqueue(proto.ReplyUnknownCommand)
	}
	return false
}

func replyReserved(j *job.Job) []byte { return proto.Reserved(j.ID, j.Body) }

// cmdPut parses "put <pri> <delay> <ttr> <bytes>" and switches the
// connection into body-reading mode; the job is only actually created
// once the body+CRLF has fully arrived (finishPut).
func (c *Conn) cmdPut(args [][]byte) {
	if len(args) != 4 {
		c.Enqueue(proto.ReplyBadFormat)
		return
	}
	pri, ok := proto.ParsePriority(args[0])
	if !ok {
		c.Enqueue(proto.ReplyBadFormat)
		return
	}
	delaySec, ok := proto.ParseUint64(args[1])
	if !ok {
		c.Enqueue(proto.ReplyBadFormat)
		return
	}
	ttrSec, ok := proto.ParseUint64(args[2])
	if !ok {
		c.Enqueue(proto.ReplyBadFormat)
		return
	}
	bodyLen, ok := proto.ParseUint64(args[3])
	if !ok {
		c.Enqueue(proto.ReplyBadFormat)
		return
	}

	ttrNs := int64(ttrSec) * int64(time.Second)
	if ttrNs == 0 {
		ttrNs = job.MinTTRNanos
	}

	c.pending = pendingPut{
		priority: pri,
		delayNs:  int64(delaySec) * int64(time.Second),
		ttrNs:    ttrNs,
		bodySize: int(bodyLen),
	}
	c.state = stateBody
}

// finishPut is called once a put's declared body_size+2 bytes have
// fully arrived, regardless of whether the trailing two bytes turned
// out to be CRLF (spec.md §4.4: framing trusts the declared length,
// only the terminator correctness is checked afterward).
func (c *Conn) finishPut(body, tail []byte) {
	if string(tail) != "\r\n" {
		c.Enqueue(proto.ReplyExpectedCRLF)
		return
	}
	if len(body) > c.srv.jobDataSizeLimit {
		c.Enqueue(proto.ReplyJobTooBig)
		return
	}

	now := c.srv.now()
	j := &job.Job{
		ID:        c.srv.nextJobID,
		TubeName:  c.used,
		Priority:  c.pending.priority,
		DelayNs:   c.pending.delayNs,
		TTRNs:     c.pending.ttrNs,
		CreatedAt: now,
		Body:      append([]byte(nil), body...),
		BodySize:  len(body),
	}
	if c.pending.delayNs > 0 {
		j.State = job.Delayed
		j.DeadlineAt = now + c.pending.delayNs
	} else {
		j.State = job.Ready
	}

	if c.srv.wal != nil {
		if err := c.srv.wal.Put(j); err != nil {
			if c.srv.walFatal(err) {
				return
			}
			c.Enqueue(proto.ReplyOutOfMemory)
			return
		}
	}

	c.srv.nextJobID++
	c.srv.jobs[j.ID] = j
	t := c.srv.tube(c.used)
	t.TotalJobs++
	if j.State == job.Delayed {
		t.PushDelayed(j)
		c.srv.armDelayedTimer(t)
	} else {
		t.PushReady(j)
		c.srv.tryDispatch(t)
	}

	c.Enqueue(proto.Inserted(j.ID))
}

func (c *Conn) cmdUse(args [][]byte) {
	if len(args) != 1 || !tube.NamePattern.Match(args[0]) {
		c.Enqueue(proto.ReplyBadFormat)
		return
	}
	name := string(args[0])
	if name == c.used {
		c.Enqueue(proto.Using(name))
		return
	}
	old := c.used
	oldTube := c.srv.tube(old)
	oldTube.UseCount--
	c.used = name
	c.srv.tube(name).UseCount++
	c.srv.collect(old)
	c.Enqueue(proto.Using(name))
}

// cmdReserve implements reserve / reserve-with-timeout, including the
// DEADLINE_SOON precedence rule of spec.md §4.3.
func (c *Conn) cmdReserve(args [][]byte, withTimeout bool) {
	var timeoutSec uint64
	if withTimeout {
		if len(args) != 1 {
			c.Enqueue(proto.ReplyBadFormat)
			return
		}
		v, ok := proto.ParseUint64(args[0])
		if !ok {
			c.Enqueue(proto.ReplyBadFormat)
			return
		}
		timeoutSec = v
	} else if len(args) != 0 {
		c.Enqueue(proto.ReplyBadFormat)
		return
	}

	now := c.srv.now()
	for _, j := range c.reserved {
		if j.DeadlineAt-now <= SafetyMarginNanos {
			c.Enqueue(proto.ReplyDeadlineSoon)
			return
		}
	}

	if j, _ := c.srv.firstReadyAcrossWatched(c); j != nil {
		c.srv.fulfillReserve(c, j)
		return
	}

	if withTimeout && timeoutSec == 0 {
		c.Enqueue(proto.ReplyTimedOut)
		return
	}

	c.waiting = true
	for name := range c.watched {
		c.srv.tube(name).AddWaiter(c.id)
	}
	if withTimeout {
		deadline := time.Unix(0, now+int64(timeoutSec)*int64(time.Second))
		c.reserveTimer = c.srv.schedule(deadline, func(time.Time) { c.srv.onReserveTimeout(c) })
	}
}

// firstReadyAcrossWatched returns a ready job from any of c's watched,
// unpaused tubes, popping it, or nil if none is currently available.
func (s *Server) firstReadyAcrossWatched(c *Conn) (*job.Job, *tube.Tube) {
	now := s.now()
	for name := range c.watched {
		t, ok := s.tubes[name]
		if !ok || t.IsPaused(now) {
			continue
		}
		if j, ok := t.PopReady(); ok {
			return j, t
		}
	}
	return nil, nil
}

func (s *Server) onReserveTimeout(c *Conn) {
	c.reserveTimer = nil
	if !c.waiting {
		return
	}
	c.waiting = false
	for name := range c.watched {
		if t, ok := s.tubes[name]; ok {
			t.RemoveWaiter(c.id)
		}
	}
	c.Enqueue(proto.ReplyTimedOut)
	c.Flush()
}

// reservedJob looks up id and verifies it is currently reserved by c,
// the precondition shared by delete/release/bury/touch for a reserved
// job (cross-connection access to someone else's reservation is
// NOT_FOUND; see DESIGN.md).
func (c *Conn) reservedJob(id uint64) (*job.Job, bool) {
	j, ok := c.srv.jobs[id]
	if !ok || j.State != job.Reserved || j.ReservedBy != c.id {
		return nil, false
	}
	return j, true
}

func (c *Conn) cmdDelete(args [][]byte) {
	id, ok := parseID(args)
	if !ok {
		c.Enqueue(proto.ReplyBadFormat)
		return
	}
	j, ok := c.srv.jobs[id]
	if !ok {
		c.Enqueue(proto.ReplyNotFound)
		return
	}
	if j.State == job.Reserved && j.ReservedBy != c.id {
		c.Enqueue(proto.ReplyNotFound)
		return
	}

	t := c.srv.tube(j.TubeName)
	switch j.State {
	case job.Ready:
		t.RemoveReady(j)
	case job.Delayed:
		t.RemoveDelayed(j)
		c.srv.armDelayedTimer(t)
	case job.Buried:
		t.RemoveBuried(j)
	case job.Reserved:
		c.srv.cancelTTRTimer(j.ID)
		delete(c.reserved, j.ID)
	}
	j.State = job.Invalid
	if c.srv.wal != nil {
		if err := c.srv.wal.Delete(j); err != nil {
			if c.walFailed("delete", j.ID, err) {
				return
			}
		}
	}
	delete(c.srv.jobs, j.ID)
	t.CmdDelete++
	c.srv.collect(t.Name)
	c.Enqueue(proto.ReplyDeleted)
}

func (c *Conn) cmdRelease(args [][]byte) {
	if len(args) != 3 {
		c.Enqueue(proto.ReplyBadFormat)
		return
	}
	id, ok := proto.ParseUint64(args[0])
	if !ok {
		c.Enqueue(proto.ReplyBadFormat)
		return
	}
	pri, ok := proto.ParsePriority(args[1])
	if !ok {
		c.Enqueue(proto.ReplyBadFormat)
		return
	}
	delaySec, ok := proto.ParseUint64(args[2])
	if !ok {
		c.Enqueue(proto.ReplyBadFormat)
		return
	}

	j, ok := c.reservedJob(id)
	if !ok {
		c.Enqueue(proto.ReplyNotFound)
		return
	}
	c.srv.cancelTTRTimer(j.ID)
	delete(c.reserved, j.ID)
	j.Priority = pri
	j.ReleaseCount++
	j.ReservedBy = 0
	t := c.srv.tube(j.TubeName)
	if delaySec > 0 {
		j.DeadlineAt = c.srv.now() + int64(delaySec)*int64(time.Second)
		t.PushDelayed(j)
		c.srv.armDelayedTimer(t)
	} else {
		t.PushReady(j)
	}
	if c.srv.wal != nil {
		if err := c.srv.wal.Update(j); err != nil {
			if c.walFailed("update on release", j.ID, err) {
				return
			}
		}
	}
	if j.State == job.Ready {
		c.srv.tryDispatch(t)
	}
	c.Enqueue(proto.ReplyReleased)
}

func (c *Conn) cmdBury(args [][]byte) {
	if len(args) != 2 {
		c.Enqueue(proto.ReplyBadFormat)
		return
	}
	id, ok := proto.ParseUint64(args[0])
	if !ok {
		c.Enqueue(proto.ReplyBadFormat)
		return
	}
	pri, ok := proto.ParsePriority(args[1])
	if !ok {
		c.Enqueue(proto.ReplyBadFormat)
		return
	}
	j, ok := c.reservedJob(id)
	if !ok {
		c.Enqueue(proto.ReplyNotFound)
		return
	}
	c.srv.cancelTTRTimer(j.ID)
	delete(c.reserved, j.ID)
	j.Priority = pri
	j.ReservedBy = 0
	t := c.srv.tube(j.TubeName)
	t.Bury(j)
	if c.srv.wal != nil {
		if err := c.srv.wal.Update(j); err != nil {
			if c.walFailed("update on bury", j.ID, err) {
				return
			}
		}
	}
	c.Enqueue(proto.ReplyBuried)
}

func (c *Conn) cmdTouch(args [][]byte) {
	id, ok := parseID(args)
	if !ok {
		c.Enqueue(proto.ReplyBadFormat)
		return
	}
	j, ok := c.reservedJob(id)
	if !ok {
		c.Enqueue(proto.ReplyNotFound)
		return
	}
	j.DeadlineAt = c.srv.now() + j.TTRNs
	c.srv.armTTRTimer(j)
	if c.srv.wal != nil {
		if err := c.srv.wal.Update(j); err != nil {
			if c.walFailed("update on touch", j.ID, err) {
				return
			}
		}
	}
	c.Enqueue(proto.ReplyTouched)
}

func (c *Conn) cmdWatch(args [][]byte) {
	if len(args) != 1 || !tube.NamePattern.Match(args[0]) {
		c.Enqueue(proto.ReplyBadFormat)
		return
	}
	name := string(args[0])
	if !c.watched[name] {
		c.watched[name] = true
		c.srv.tube(name).WatchCount++
	}
	c.Enqueue(proto.Watching(len(c.watched)))
}

func (c *Conn) cmdIgnore(args [][]byte) {
	if len(args) != 1 {
		c.Enqueue(proto.ReplyBadFormat)
		return
	}
	name := string(args[0])
	if !c.watched[name] {
		c.Enqueue(proto.Watching(len(c.watched)))
		return
	}
	if len(c.watched) == 1 {
		c.Enqueue(proto.ReplyNotIgnored)
		return
	}
	delete(c.watched, name)
	if t, ok := c.srv.tubes[name]; ok {
		t.RemoveWaiter(c.id)
		t.WatchCount--
		c.srv.collect(name)
	}
	c.Enqueue(proto.Watching(len(c.watched)))
}

func (c *Conn) cmdPeek(args [][]byte) {
	id, ok := parseID(args)
	if !ok {
		c.Enqueue(proto.ReplyBadFormat)
		return
	}
	j, ok := c.srv.jobs[id]
	if !ok {
		c.Enqueue(proto.ReplyNotFound)
		return
	}
	c.Enqueue(proto.Found(j.ID, j.Body))
}

func (c *Conn) cmdPeekReady() {
	j, ok := c.srv.tube(c.used).PeekReady()
	if !ok {
		c.Enqueue(proto.ReplyNotFound)
		return
	}
	c.Enqueue(proto.Found(j.ID, j.Body))
}

func (c *Conn) cmdPeekDelayed() {
	j, ok := c.srv.tube(c.used).PeekDelayed()
	if !ok {
		c.Enqueue(proto.ReplyNotFound)
		return
	}
	c.Enqueue(proto.Found(j.ID, j.Body))
}

func (c *Conn) cmdPeekBuried() {
	j, ok := c.srv.tube(c.used).BuriedFront()
	if !ok {
		c.Enqueue(proto.ReplyNotFound)
		return
	}
	c.Enqueue(proto.Found(j.ID, j.Body))
}

func (c *Conn) cmdKick(args [][]byte) {
	n, ok := parseID(args)
	if !ok {
		c.Enqueue(proto.ReplyBadFormat)
		return
	}
	t := c.srv.tube(c.used)
	var moved []*job.Job
	if t.BuriedLen() > 0 {
		moved = t.KickBuried(int(n))
	} else {
		moved = t.KickDelayed(int(n))
		if len(moved) > 0 {
			c.srv.armDelayedTimer(t)
		}
	}
	if c.srv.wal != nil {
		for _, j := range moved {
			if err := c.srv.wal.Update(j); err != nil {
				if c.walFailed("update on kick", j.ID, err) {
					return
				}
			}
		}
	}
	if len(moved) > 0 {
		c.srv.tryDispatch(t)
	}
	c.Enqueue(proto.Kicked(len(moved)))
}

func (c *Conn) cmdKickJob(args [][]byte) {
	id, ok := parseID(args)
	if !ok {
		c.Enqueue(proto.ReplyBadFormat)
		return
	}
	j, ok := c.srv.jobs[id]
	if !ok {
		c.Enqueue(proto.ReplyNotFound)
		return
	}
	t := c.srv.tube(j.TubeName)
	switch j.State {
	case job.Buried:
		t.RemoveBuried(j)
		j.KickCount++
		t.PushReady(j)
	case job.Delayed:
		t.RemoveDelayed(j)
		c.srv.armDelayedTimer(t)
		j.KickCount++
		t.PushReady(j)
	default:
		c.Enqueue(proto.ReplyNotFound)
		return
	}
	if c.srv.wal != nil {
		if err := c.srv.wal.Update(j); err != nil {
			if c.walFailed("update on kick-job", j.ID, err) {
				return
			}
		}
	}
	c.srv.tryDispatch(t)
	c.Enqueue(proto.Kicked(1))
}

func (c *Conn) cmdPauseTube(args [][]byte) {
	if len(args) != 2 {
		c.Enqueue(proto.ReplyBadFormat)
		return
	}
	name := string(args[0])
	secs, ok := proto.ParseUint64(args[1])
	if !ok {
		c.Enqueue(proto.ReplyBadFormat)
		return
	}
	t, ok := c.srv.tubes[name]
	if !ok {
		c.Enqueue(proto.ReplyNotFound)
		return
	}
	t.Pause(c.srv.now(), int64(secs)*int64(time.Second))
	c.srv.armPauseTimer(t)
	c.Enqueue(proto.ReplyPaused)
}

func parseID(args [][]byte) (uint64, bool) {
	if len(args) != 1 {
		return 0, false
	}
	return proto.ParseUint64(args[0])
}
