// Package job defines the Job value object and its legal state
// transitions. A Job knows its own position in whichever per-tube
// ordering structure currently holds it (ready heap, delayed heap, or
// buried list) so that callers can remove it in O(log n) without a
// linear scan — the "indexed heap with back-pointers" design spec'd
// for the engine.
package job

import (
	"container/list"
	"fmt"
)

// State is the lifecycle state of a Job.
type State uint8

const (
	// Ready jobs sit in their tube's ready heap, waiting for a
	// consumer.
	Ready State = iota
	// Reserved jobs are held by exactly one connection under a TTR
	// lease; they are not present in any tube structure.
	Reserved
	// Delayed jobs sit in their tube's delayed heap until their
	// deadline elapses, at which point they become Ready.
	Delayed
	// Buried jobs are out of circulation until explicitly Kicked.
	Buried
	// Invalid marks a deleted job; any further reference to it is a
	// caller bug.
	Invalid
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Reserved:
		return "reserved"
	case Delayed:
		return "delayed"
	case Buried:
		return "buried"
	case Invalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// UrgentThreshold is the priority boundary below which a job counts
// toward a tube's current_jobs_urgent counter.
const UrgentThreshold = 1 << 31

// MinTTRNanos is the minimum TTR the server will honor; a put with a
// TTR of 0 seconds is clamped up to this value.
const MinTTRNanos = int64(1_000_000_000)

// Job is the identity + payload + scheduling state of one item of
// work. Fields are exported because internal/tube and internal/server
// mutate them directly while holding the single event-loop goroutine;
// there is no internal locking (see design note on concurrency).
type Job struct {
	ID       uint64
	TubeName string

	Priority uint32
	DelayNs  int64
	TTRNs    int64

	CreatedAt  int64 // unix nanos
	DeadlineAt int64 // meaning depends on State: TTR deadline when Reserved, ready-at when Delayed

	State State

	ReserveCount  uint32
	TimeoutCount  uint32
	ReleaseCount  uint32
	BuryCount     uint32
	KickCount     uint32

	Body     []byte // excludes the trailing CRLF framing bytes
	BodySize int

	// ReservedBy is the id of the connection currently holding this
	// job's lease, valid only when State == Reserved. 0 means
	// unreserved; connection ids are assigned starting at 1.
	ReservedBy uint64

	// heapIdx is the position of this job in whichever heap (ready or
	// delayed) currently contains it. It is meaningless otherwise.
	heapIdx int

	// buriedElem is this job's element in its tube's buried list,
	// valid only when State == Buried.
	buriedElem *list.Element

	// ReservedSpace is the number of WAL bytes currently reserved for
	// this job's on-disk record (max of PUT+body and UPDATE sizes),
	// tracked per spec.md's WAL space-reservation rule. Zero when WAL
	// is disabled.
	ReservedSpace uint32
	// WALSegment is the id of the binlog segment currently holding
	// this job's live record, used by compaction to decide whether a
	// rewrite is needed.
	WALSegment uint64
}

// HeapIndex and SetHeapIndex implement xheap.Item so a Job can live in
// a tube's ready or delayed heap.
func (j *Job) HeapIndex() int     { return j.heapIdx }
func (j *Job) SetHeapIndex(i int) { j.heapIdx = i }

// SetBuriedElem/BuriedElem let the owning tube track this job's
// position in the buried FIFO list without exposing container/list
// internals outside the job/tube boundary.
func (j *Job) SetBuriedElem(e *list.Element) { j.buriedElem = e }
func (j *Job) BuriedElem() *list.Element     { return j.buriedElem }

// IsUrgent reports whether this job counts toward a tube's
// current_jobs_urgent counter.
func (j *Job) IsUrgent() bool { return j.Priority < UrgentThreshold }

// ErrIllegalTransition is returned by CheckTransition when the
// requested state change is not legal from the job's current state.
type ErrIllegalTransition struct {
	ID   uint64
	From State
	To   State
}

func (e ErrIllegalTransition) Error() string {
	return fmt.Sprintf("job %d: illegal transition %s -> %s", e.ID, e.From, e.To)
}

// legal holds the adjacency of spec.md's state-transition diagram,
// excluding the "any -> invalid" rule for delete which is always
// legal and handled separately.
var legal = map[State]map[State]bool{
	Ready:    {Reserved: true},
	Reserved: {Ready: true, Delayed: true, Buried: true},
	Delayed:  {Ready: true},
	Buried:   {Ready: true},
}

// CheckTransition reports an error if moving the job identified by id
// from state from to state to is not a legal transition. Delete
// (to == Invalid) is always legal from any live state and is not
// covered by this table.
func CheckTransition(id uint64, from, to State) error {
	if to == Invalid {
		return nil
	}
	if legal[from][to] {
		return nil
	}
	return ErrIllegalTransition{ID: id, From: from, To: to}
}
