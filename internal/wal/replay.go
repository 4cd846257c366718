package wal

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/xtaci/beanq/internal/job"
)

// ErrReplayFailed wraps a replay-time error the server treats as
// fatal (spec.md §6 exit code 11): a segment file that cannot be
// opened or read. An UPDATE record for an id with no earlier PUT is
// skipped, not reported as a failure.
type ErrReplayFailed struct{ Err error }

func (e *ErrReplayFailed) Error() string { return fmt.Sprintf("wal: replay failed: %v", e.Err) }
func (e *ErrReplayFailed) Unwrap() error { return e.Err }

// replay reconstructs jobs by folding records per id across segments
// in ascending id order, per spec.md §4.5. It returns the recovered
// jobs (final state placement still the caller's responsibility —
// internal/server re-inserts them into tube heaps) and the next id
// the global counter should hand out.
func (w *WAL) replay(segmentIDs []uint64) ([]*job.Job, uint64, error) {
	byID := make(map[uint64]*job.Job)
	var maxID uint64

	for _, segID := range segmentIDs {
		path := w.segmentPath(segID)
		f, err := os.Open(path)
		if err != nil {
			return nil, 0, &ErrReplayFailed{Err: err}
		}
		corrupt, err := foldSegment(f, segID, byID, &maxID)
		f.Close()
		if err != nil {
			return nil, 0, &ErrReplayFailed{Err: err}
		}
		if corrupt {
			// the server was killed mid-write: this is the newest
			// data on disk, so replay stops here regardless of
			// whether further segment files exist.
			break
		}
	}

	jobs := make([]*job.Job, 0, len(byID))
	for _, j := range byID {
		jobs = append(jobs, j)
	}
	return jobs, maxID + 1, nil
}

// foldSegment reads every record in f, applying PUTs and UPDATEs to
// byID. It returns corrupt=true if a truncated trailing record was
// found (replay must stop after this segment).
func foldSegment(f *os.File, segID uint64, byID map[uint64]*job.Job, maxID *uint64) (corrupt bool, err error) {
	for {
		rec, err := readRecord(f)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return false, nil
			}
			if errors.Is(err, errShortRecord) {
				return true, nil
			}
			return false, err
		}

		if rec.h.ID > *maxID {
			*maxID = rec.h.ID
		}

		switch rec.h.Kind {
		case recordPut:
			byID[rec.h.ID] = jobFromRecord(segID, rec)
		case recordUpdate:
			j, ok := byID[rec.h.ID]
			if !ok {
				// spec.md §4.5: "records referring to unknown ids
				// after truncation are ignored".
				continue
			}
			applyUpdate(j, rec.h)
		}
	}
}

func jobFromRecord(segID uint64, rec *decodedRecord) *job.Job {
	j := &job.Job{
		ID:       rec.h.ID,
		TubeName: rec.tubeName,
		Body:     rec.body,
		BodySize: int(rec.h.BodySize),
	}
	applyUpdate(j, rec.h)
	j.WALSegment = segID
	j.ReservedSpace = uint32(headerSize + len(rec.tubeName) + len(rec.body))
	return j
}

func applyUpdate(j *job.Job, h header) {
	j.Priority = h.Priority
	j.DelayNs = h.DelayNs
	j.TTRNs = h.TTRNs
	j.CreatedAt = h.CreatedAt
	j.DeadlineAt = h.DeadlineAt
	j.ReserveCount = h.ReserveCount
	j.TimeoutCount = h.TimeoutCount
	j.ReleaseCount = h.ReleaseCount
	j.BuryCount = h.BuryCount
	j.KickCount = h.KickCount
	switch job.State(h.State) {
	case job.Reserved:
		// reservations do not survive restarts; a job recovered as
		// Reserved is placed back as Ready, per spec.md §4.5.
		j.State = job.Ready
	default:
		j.State = job.State(h.State)
	}
}
