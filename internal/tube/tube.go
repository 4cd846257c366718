// Package tube implements the named-queue abstraction: per-tube ready
// and delayed heaps, a buried FIFO, pause state, and the waiting-
// consumer list that reserve() dispatch drains from. Dispatch
// decisions that span multiple tubes (a connection watches several)
// are coordinated by internal/server; Tube only exposes the
// primitives that decision needs.
package tube

import (
	"container/list"
	"regexp"

	"github.com/xtaci/beanq/internal/job"
	"github.com/xtaci/beanq/internal/xheap"
)

// NamePattern is the tube-name grammar from spec.md §3, grounded on
// compmaniak-go-beanstalk's NameChars character class.
var NamePattern = regexp.MustCompile(`^[A-Za-z0-9+/;.$_()][A-Za-z0-9+/;.$_()-]{0,199}$`)

// DefaultName is the tube that is pre-created at server start and is
// never garbage collected.
const DefaultName = "default"

func readyLess(a, b *job.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.ID < b.ID
}

func delayedLess(a, b *job.Job) bool {
	if a.DeadlineAt != b.DeadlineAt {
		return a.DeadlineAt < b.DeadlineAt
	}
	return a.ID < b.ID
}

// Tube is a named queue. All mutation happens on the single
// event-loop goroutine; there is no internal locking.
type Tube struct {
	Name string

	ready   *xheap.Heap[*job.Job]
	delayed *xheap.Heap[*job.Job]
	buried  *list.List

	urgentCount int

	pausedUntil int64 // unix nanos; 0 means not paused

	waiters     *list.List // FIFO of uint64 connection ids
	waiterElems map[uint64]*list.Element

	UseCount   int
	WatchCount int

	// Counters surfaced by stats-tube (spec.md keeps the admin
	// surface itself out of scope, but the fields it would read
	// are maintained here since they fall out of normal bookkeeping).
	TotalJobs    uint64
	CmdDelete    uint64
	CmdPauseTube uint64
}

// New creates an empty tube named name.
func New(name string) *Tube {
	return &Tube{
		Name:        name,
		ready:       xheap.New(readyLess),
		delayed:     xheap.New(delayedLess),
		buried:      list.New(),
		waiters:     list.New(),
		waiterElems: make(map[uint64]*list.Element),
	}
}

// Empty reports whether the tube has no contents and no references,
// making it eligible for collection (but never for "default").
func (t *Tube) Empty() bool {
	return t.UseCount == 0 && t.WatchCount == 0 &&
		t.ready.Len() == 0 && t.delayed.Len() == 0 && t.buried.Len() == 0
}

// IsPaused reports whether the tube is currently paused as of now
// (unix nanos).
func (t *Tube) IsPaused(now int64) bool {
	return t.pausedUntil != 0 && now < t.pausedUntil
}

// Pause sets paused_until = now+duration. A zero or negative duration
// clears the pause.
func (t *Tube) Pause(now, durationNs int64) {
	t.CmdPauseTube++
	if durationNs <= 0 {
		t.pausedUntil = 0
		return
	}
	t.pausedUntil = now + durationNs
}

// PausedUntil returns the raw paused_until deadline (0 if not paused).
func (t *Tube) PausedUntil() int64 { return t.pausedUntil }

// PushReady inserts j into the ready heap.
func (t *Tube) PushReady(j *job.Job) {
	j.State = job.Ready
	if j.IsUrgent() {
		t.urgentCount++
	}
	t.ready.Push(j)
}

// PeekReady returns the front of the ready heap without removing it.
func (t *Tube) PeekReady() (*job.Job, bool) { return t.ready.Peek() }

// PopReady removes and returns the front of the ready heap.
func (t *Tube) PopReady() (*job.Job, bool) {
	j, ok := t.ready.Pop()
	if ok && j.IsUrgent() {
		t.urgentCount--
	}
	return j, ok
}

// RemoveReady removes a specific job from the ready heap (used by
// delete of a job found by id rather than by heap order).
func (t *Tube) RemoveReady(j *job.Job) {
	t.ready.Remove(j)
	if j.IsUrgent() {
		t.urgentCount--
	}
}

// ReadyLen reports the number of ready jobs.
func (t *Tube) ReadyLen() int { return t.ready.Len() }

// UrgentCount reports current_jobs_urgent.
func (t *Tube) UrgentCount() int { return t.urgentCount }

// PushDelayed inserts j into the delayed heap, keyed by j.DeadlineAt.
func (t *Tube) PushDelayed(j *job.Job) {
	j.State = job.Delayed
	t.delayed.Push(j)
}

// PeekDelayed returns the soonest delayed job without removing it.
func (t *Tube) PeekDelayed() (*job.Job, bool) { return t.delayed.Peek() }

// PopDelayed removes and returns the soonest delayed job.
func (t *Tube) PopDelayed() (*job.Job, bool) { return t.delayed.Pop() }

// RemoveDelayed removes a specific job from the delayed heap.
func (t *Tube) RemoveDelayed(j *job.Job) { t.delayed.Remove(j) }

// DelayedLen reports the number of delayed jobs.
func (t *Tube) DelayedLen() int { return t.delayed.Len() }

// Bury appends j to the tail of the buried FIFO.
func (t *Tube) Bury(j *job.Job) {
	j.State = job.Buried
	j.BuryCount++
	e := t.buried.PushBack(j)
	j.SetBuriedElem(e)
}

// RemoveBuried removes j from the buried list using its recorded
// element pointer.
func (t *Tube) RemoveBuried(j *job.Job) {
	if e := j.BuriedElem(); e != nil {
		t.buried.Remove(e)
		j.SetBuriedElem(nil)
	}
}

// BuriedLen reports the number of buried jobs.
func (t *Tube) BuriedLen() int { return t.buried.Len() }

// BuriedFront returns the head of the buried FIFO (the job a Kick
// would move first) without removing it.
func (t *Tube) BuriedFront() (*job.Job, bool) {
	e := t.buried.Front()
	if e == nil {
		return nil, false
	}
	return e.Value.(*job.Job), true
}

// KickBuried moves up to n buried jobs (head first) to ready, and
// returns the jobs actually moved so the caller can durably record
// each transition.
func (t *Tube) KickBuried(n int) []*job.Job {
	var moved []*job.Job
	for len(moved) < n {
		e := t.buried.Front()
		if e == nil {
			break
		}
		j := e.Value.(*job.Job)
		t.buried.Remove(e)
		j.SetBuriedElem(nil)
		j.KickCount++
		t.PushReady(j)
		moved = append(moved, j)
	}
	return moved
}

// KickDelayed moves up to n delayed jobs (soonest-first) to ready,
// and returns the jobs actually moved. Used when the buried list is
// empty, per spec.md §4.2.
func (t *Tube) KickDelayed(n int) []*job.Job {
	var moved []*job.Job
	for len(moved) < n {
		j, ok := t.delayed.Pop()
		if !ok {
			break
		}
		j.KickCount++
		t.PushReady(j)
		moved = append(moved, j)
	}
	return moved
}

// AddWaiter registers connID at the back of the waiting-consumer FIFO.
// It is a no-op if connID is already waiting on this tube.
func (t *Tube) AddWaiter(connID uint64) {
	if _, ok := t.waiterElems[connID]; ok {
		return
	}
	e := t.waiters.PushBack(connID)
	t.waiterElems[connID] = e
}

// RemoveWaiter removes connID from the waiting-consumer FIFO, if
// present.
func (t *Tube) RemoveWaiter(connID uint64) {
	if e, ok := t.waiterElems[connID]; ok {
		t.waiters.Remove(e)
		delete(t.waiterElems, connID)
	}
}

// HasWaiters reports whether any connection is waiting on this tube.
func (t *Tube) HasWaiters() bool { return t.waiters.Len() > 0 }

// PopWaiter removes and returns the earliest-waiting connection id.
func (t *Tube) PopWaiter() (uint64, bool) {
	e := t.waiters.Front()
	if e == nil {
		return 0, false
	}
	t.waiters.Remove(e)
	id := e.Value.(uint64)
	delete(t.waiterElems, id)
	return id, true
}
