// Package wal implements the durable write-ahead log described in
// spec.md §4.5: preallocated binlog segments, up-front space
// reservation before a state change commits, compaction of jobs whose
// live record sits in a segment about to become reclaimable, and
// crash-recovery replay. The server loop is single-threaded and
// cooperative (spec.md §5), so Reserve-then-write never races with
// another command; this WAL takes advantage of that by combining
// reservation and the actual write into one call instead of exposing
// a separate commit step.
package wal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xtaci/beanq/internal/job"
	"github.com/xtaci/beanq/internal/walfs"
)

// DefaultFilesize is the default binlog segment size, matching
// beanstalkd's historical ~10MiB default from spec.md §4.5.
const DefaultFilesize = 10 * 1024 * 1024

// ErrOutOfMemory is returned when the WAL cannot reserve space for a
// record; the caller must leave in-memory state untouched and reply
// OUT_OF_MEMORY, per spec.md §4.5/§7.
var ErrOutOfMemory = errors.New("wal: out of space")

// ErrFatal wraps a write or fsync failure that the server cannot
// recover from; spec.md §7 requires the process to exit nonzero.
type ErrFatal struct{ Err error }

func (e *ErrFatal) Error() string { return fmt.Sprintf("wal: fatal: %v", e.Err) }
func (e *ErrFatal) Unwrap() error { return e.Err }

// Options configures a WAL instance.
type Options struct {
	Dir      string
	Filesize int64
	WantSync bool
	SyncRate time.Duration
	FS       walfs.FS
	Logger   *zap.SugaredLogger
}

type segment struct {
	id        uint64
	path      string
	f         *os.File
	size      int64
	writeOff  int64
	liveBytes int64
}

// WAL owns the binlog segment set for one server instance.
type WAL struct {
	dir      string
	filesize int64
	wantSync bool
	syncRate time.Duration
	fs       walfs.FS
	log      *zap.SugaredLogger

	segments  []*segment // tracked, ordered by ascending id; oldest first
	cur       *segment
	nextSeg   *segment
	nextSegID uint64

	lastSync time.Time
	unlock   func() error
}

// Open acquires the directory lock, replays any existing segments,
// and prepares a writable current+next segment pair. It returns the
// recovered jobs (already folded to final state per spec.md §4.5) and
// the lowest id the server's global counter may safely hand out next.
func Open(opts Options) (w *WAL, recovered []*job.Job, nextID uint64, err error) {
	if opts.Filesize <= 0 {
		opts.Filesize = DefaultFilesize
	}
	if opts.FS == nil {
		opts.FS = walfs.NewReal()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, nil, 0, err
	}

	unlock, err := opts.FS.Lock(filepath.Join(opts.Dir, "lock"))
	if err != nil {
		return nil, nil, 0, fmt.Errorf("wal: acquiring directory lock: %w", err)
	}

	w = &WAL{
		dir:      opts.Dir,
		filesize: opts.Filesize,
		wantSync: opts.WantSync,
		syncRate: opts.SyncRate,
		fs:       opts.FS,
		log:      opts.Logger,
		unlock:   unlock,
		lastSync: time.Now(),
	}

	existing, err := listSegmentFiles(opts.Dir)
	if err != nil {
		unlock()
		return nil, nil, 0, err
	}

	recovered, nextID, err = w.replay(existing)
	if err != nil {
		unlock()
		return nil, nil, 0, err
	}

	if len(existing) > 0 {
		w.nextSegID = existing[len(existing)-1] + 1
	} else {
		w.nextSegID = 1
	}

	cur, err := w.allocateSegment()
	if err != nil {
		unlock()
		return nil, nil, 0, fmt.Errorf("wal: allocating initial segment: %w", err)
	}
	w.cur = cur
	w.segments = append(w.segments, cur)
	if next, err := w.allocateSegment(); err == nil {
		w.nextSeg = next
	} else {
		w.log.Warnw("failed to pre-stage second wal segment at startup", "error", err)
	}

	// jobs recovered from replay pin whatever segment their PUT record
	// was last rewritten into; since those segments are gone (replay
	// never reopens old segments for writing), re-pin every surviving
	// live job into the fresh current segment via a compaction-style
	// rewrite so bookkeeping starts from a clean, consistent state.
	for _, j := range recovered {
		if j.State == job.Invalid {
			continue
		}
		if err := w.rewriteFresh(j); err != nil {
			unlock()
			return nil, nil, 0, fmt.Errorf("wal: re-pinning recovered job %d: %w", j.ID, err)
		}
	}

	// every live job has now been rewritten into the fresh segment
	// pair above; the pre-restart segments carry nothing replay still
	// needs and can be unlinked outright.
	for _, id := range existing {
		os.Remove(w.segmentPath(id))
	}

	return w, recovered, nextID, nil
}

// Close flushes and releases the directory lock.
func (w *WAL) Close() error {
	var errs []error
	if w.cur != nil {
		if err := w.fs.Sync(w.cur.f, false); err != nil {
			errs = append(errs, err)
		}
		errs = append(errs, w.cur.f.Close())
	}
	if w.nextSeg != nil {
		errs = append(errs, w.nextSeg.f.Close())
	}
	if w.unlock != nil {
		errs = append(errs, w.unlock())
	}
	return errors.Join(errs...)
}

func listSegmentFiles(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n, ok := strings.CutPrefix(e.Name(), "binlog.")
		if !ok {
			continue
		}
		id, err := strconv.ParseUint(n, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (w *WAL) segmentPath(id uint64) string {
	return filepath.Join(w.dir, "binlog."+strconv.FormatUint(id, 10))
}

func (w *WAL) allocateSegment() (*segment, error) {
	id := w.nextSegID
	path := w.segmentPath(id)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := w.fs.Preallocate(f, w.filesize); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	w.nextSegID++
	return &segment{id: id, path: path, f: f, size: w.filesize}, nil
}

// ensureCapacity guarantees the current segment has at least size
// bytes free, rolling over to the pre-staged next segment (and trying
// to stage a fresh one behind it) if not. Returns ErrOutOfMemory if no
// segment with room can be produced.
func (w *WAL) ensureCapacity(size int64) error {
	if size > w.filesize {
		return ErrOutOfMemory
	}
	if w.cur.size-w.cur.writeOff >= size {
		return nil
	}
	if w.nextSeg == nil {
		seg, err := w.allocateSegment()
		if err != nil {
			return ErrOutOfMemory
		}
		w.nextSeg = seg
	}
	w.cur = w.nextSeg
	w.segments = append(w.segments, w.cur)
	w.nextSeg = nil
	if seg, err := w.allocateSegment(); err == nil {
		w.nextSeg = seg
	} else {
		w.log.Warnw("failed to pre-stage next wal segment", "error", err)
	}
	return nil
}

func (w *WAL) maybeSync(seg *segment) error {
	if w.wantSync && w.syncRate == 0 {
		if err := w.fs.Sync(seg.f, true); err != nil {
			return &ErrFatal{Err: err}
		}
		return nil
	}
	if w.syncRate > 0 && time.Since(w.lastSync) >= w.syncRate {
		if err := w.fs.Sync(seg.f, true); err != nil {
			return &ErrFatal{Err: err}
		}
		w.lastSync = time.Now()
	}
	return nil
}

// Put writes the first durable record for a newly created job. On
// success j.WALSegment and j.ReservedSpace are populated.
func (w *WAL) Put(j *job.Job) error {
	size := int64(encodedSize(j))
	if err := w.ensureCapacity(size); err != nil {
		return err
	}
	seg := w.cur
	n, err := writePut(seg.f, j)
	if err != nil {
		return &ErrFatal{Err: err}
	}
	seg.writeOff += int64(n)
	seg.liveBytes += size
	j.WALSegment = seg.id
	j.ReservedSpace = uint32(size)
	return w.maybeSync(seg)
}

// Update writes a subsequent state-change record for j. If j's live
// PUT record sits in the oldest tracked segment and nothing else
// pins that segment, Update transparently compacts j by rewriting a
// fresh PUT into the current segment instead, per spec.md §4.5.
func (w *WAL) Update(j *job.Job) error {
	if len(w.segments) > 0 {
		oldest := w.segments[0]
		if oldest.id == j.WALSegment && oldest.liveBytes == int64(j.ReservedSpace) && oldest != w.cur {
			return w.rewriteFresh(j)
		}
	}
	if err := w.ensureCapacity(int64(headerSize)); err != nil {
		return err
	}
	seg := w.cur
	n, err := writeUpdate(seg.f, j)
	if err != nil {
		return &ErrFatal{Err: err}
	}
	seg.writeOff += int64(n)
	if err := w.maybeSync(seg); err != nil {
		return err
	}
	w.reclaim()
	return nil
}

// rewriteFresh performs a compaction rewrite: a full PUT record for j
// (current state, body, tube name) into the current segment, unpinning
// whatever segment previously held j's live record.
func (w *WAL) rewriteFresh(j *job.Job) error {
	size := int64(encodedSize(j))
	if err := w.ensureCapacity(size); err != nil {
		return err
	}
	seg := w.cur
	n, err := writePut(seg.f, j)
	if err != nil {
		return &ErrFatal{Err: err}
	}
	seg.writeOff += int64(n)
	seg.liveBytes += size
	if old := w.segmentByID(j.WALSegment); old != nil && old != seg {
		old.liveBytes -= int64(j.ReservedSpace)
	}
	j.WALSegment = seg.id
	j.ReservedSpace = uint32(size)
	if err := w.maybeSync(seg); err != nil {
		return err
	}
	w.reclaim()
	return nil
}

// Delete writes the final UPDATE (state=Invalid) for j and releases
// its pin on whatever segment held its live PUT record.
func (w *WAL) Delete(j *job.Job) error {
	if err := w.ensureCapacity(int64(headerSize)); err != nil {
		return err
	}
	seg := w.cur
	n, err := writeUpdate(seg.f, j)
	if err != nil {
		return &ErrFatal{Err: err}
	}
	seg.writeOff += int64(n)
	if old := w.segmentByID(j.WALSegment); old != nil {
		old.liveBytes -= int64(j.ReservedSpace)
	}
	j.WALSegment = 0
	j.ReservedSpace = 0
	if err := w.maybeSync(seg); err != nil {
		return err
	}
	w.reclaim()
	return nil
}

func (w *WAL) segmentByID(id uint64) *segment {
	for _, s := range w.segments {
		if s.id == id {
			return s
		}
	}
	return nil
}

// reclaim unlinks fully-drained segments that are neither the current
// nor the pre-staged next segment, per spec.md §4.5 ("segments older
// than the oldest job holding reserved space in them may be
// unlinked").
func (w *WAL) reclaim() {
	kept := w.segments[:0]
	for _, s := range w.segments {
		if s.liveBytes <= 0 && s != w.cur && s != w.nextSeg {
			s.f.Close()
			if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
				w.log.Warnw("failed to unlink drained wal segment", "path", s.path, "error", err)
			}
			continue
		}
		kept = append(kept, s)
	}
	w.segments = kept
}

// SegmentPaths returns the on-disk paths of all currently tracked
// segments, oldest first. Exposed for tests asserting rollover
// behavior (spec.md §8 scenario 6).
func (w *WAL) SegmentPaths() []string {
	paths := make([]string, 0, len(w.segments)+1)
	for _, s := range w.segments {
		paths = append(paths, s.path)
	}
	if w.nextSeg != nil {
		paths = append(paths, w.nextSeg.path)
	}
	return paths
}
