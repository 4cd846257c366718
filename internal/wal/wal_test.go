package wal

import (
	"os"
	"testing"

	"github.com/xtaci/beanq/internal/job"
	"github.com/xtaci/beanq/internal/walfs"
)

func newJob(id uint64, tube, body string) *job.Job {
	return &job.Job{
		ID:       id,
		TubeName: tube,
		Priority: 0,
		TTRNs:    job.MinTTRNanos,
		Body:     []byte(body),
		BodySize: len(body),
		State:    job.Ready,
	}
}

func TestPutThenDeleteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, recovered, nextID, err := Open(Options{Dir: dir, Filesize: 4096})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer w.Close()
	if len(recovered) != 0 || nextID != 1 {
		t.Fatalf("fresh dir should have no recovered jobs, nextID=1; got %d jobs nextID=%d", len(recovered), nextID)
	}

	j := newJob(1, "default", "hello")
	if err := w.Put(j); err != nil {
		t.Fatalf("put: %v", err)
	}
	if j.WALSegment == 0 || j.ReservedSpace == 0 {
		t.Fatal("expected job to be pinned with nonzero reserved space after put")
	}

	j.State = job.Invalid
	if err := w.Delete(j); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if j.WALSegment != 0 {
		t.Fatal("expected delete to release the job's segment pin")
	}
}

func TestReplayAfterRestart(t *testing.T) {
	dir := t.TempDir()
	w, _, _, err := Open(Options{Dir: dir, Filesize: 4096})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	j1 := newJob(1, "default", "alpha")
	j2 := newJob(2, "work", "beta")
	if err := w.Put(j1); err != nil {
		t.Fatalf("put j1: %v", err)
	}
	if err := w.Put(j2); err != nil {
		t.Fatalf("put j2: %v", err)
	}
	j2.State = job.Buried
	j2.BuryCount++
	if err := w.Update(j2); err != nil {
		t.Fatalf("update j2: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	w2, recovered, nextID, err := Open(Options{Dir: dir, Filesize: 4096})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer w2.Close()

	if nextID != 3 {
		t.Fatalf("nextID = %d, want 3", nextID)
	}
	byID := map[uint64]*job.Job{}
	for _, j := range recovered {
		byID[j.ID] = j
	}
	if len(byID) != 2 {
		t.Fatalf("recovered %d jobs, want 2", len(byID))
	}
	if got := byID[1]; got.State != job.Ready || string(got.Body) != "alpha" || got.TubeName != "default" {
		t.Fatalf("job 1 recovered wrong: %+v", got)
	}
	if got := byID[2]; got.State != job.Buried || string(got.Body) != "beta" || got.TubeName != "work" {
		t.Fatalf("job 2 recovered wrong: %+v", got)
	}
}

func TestReservedStateDemotesToReadyOnReplay(t *testing.T) {
	dir := t.TempDir()
	w, _, _, err := Open(Options{Dir: dir, Filesize: 4096})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	j := newJob(1, "default", "x")
	if err := w.Put(j); err != nil {
		t.Fatalf("put: %v", err)
	}
	j.State = job.Reserved
	j.ReserveCount++
	if err := w.Update(j); err != nil {
		t.Fatalf("update: %v", err)
	}
	w.Close()

	_, recovered, _, err := Open(Options{Dir: dir, Filesize: 4096})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if len(recovered) != 1 || recovered[0].State != job.Ready {
		t.Fatalf("expected reserved job to come back as ready, got %+v", recovered)
	}
}

func TestSegmentRolloverProducesFullSizeFiles(t *testing.T) {
	dir := t.TempDir()
	const filesize = 1024
	w, _, _, err := Open(Options{Dir: dir, Filesize: filesize})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer w.Close()

	body := make([]byte, 50)
	for i := uint64(1); i <= 40; i++ {
		j := newJob(i, "default", string(body))
		if err := w.Put(j); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}
	if len(w.segments) < 2 {
		t.Fatalf("expected at least 2 segments after rollover, got %d", len(w.segments))
	}
	for _, s := range w.segments {
		info, err := os.Stat(s.path)
		if err != nil {
			t.Fatalf("stat %s: %v", s.path, err)
		}
		if info.Size() != filesize {
			t.Fatalf("segment %s size = %d, want %d", s.path, info.Size(), filesize)
		}
	}
}

func TestOutOfMemoryOnPreallocateFailure(t *testing.T) {
	dir := t.TempDir()
	fs := walfs.NewPattern([]walfs.Outcome{walfs.OK, walfs.OK, walfs.Fail, walfs.Fail, walfs.OK, walfs.OK})
	w, _, _, err := Open(Options{Dir: dir, Filesize: 256, FS: fs})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer w.Close()

	body := make([]byte, 100)
	ok := 0
	var lastErr error
	for i := uint64(1); i <= 6; i++ {
		j := newJob(i, "default", string(body))
		if err := w.Put(j); err != nil {
			lastErr = err
			continue
		}
		ok++
	}
	if lastErr == nil {
		t.Fatal("expected at least one OUT_OF_MEMORY from the injected preallocate failure")
	}
	if ok == 0 {
		t.Fatal("expected some puts to succeed around the injected failure")
	}
}

func TestCompactionOnUpdateOfOldestPin(t *testing.T) {
	dir := t.TempDir()
	w, _, _, err := Open(Options{Dir: dir, Filesize: 512})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer w.Close()

	j := newJob(1, "default", "payload")
	if err := w.Put(j); err != nil {
		t.Fatalf("put: %v", err)
	}
	firstSeg := j.WALSegment

	// force rollovers so j's original segment becomes the oldest
	// tracked one and is no longer cur.
	filler := make([]byte, 400)
	for i := uint64(2); i <= 4; i++ {
		fj := newJob(i, "default", string(filler))
		if err := w.Put(fj); err != nil {
			t.Fatalf("filler put %d: %v", i, err)
		}
	}

	j.Priority = 5
	if err := w.Update(j); err != nil {
		t.Fatalf("update: %v", err)
	}
	if j.WALSegment == firstSeg {
		t.Fatal("expected compaction to move job off its original (now oldest) segment")
	}
}
