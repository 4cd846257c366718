package wal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/xtaci/beanq/internal/job"
)

// Record kinds. recordSentinel (the zero value) marks unwritten /
// zero-padded space at the tail of a segment, per spec.md §4.5.
const (
	recordSentinel uint8 = 0
	recordPut      uint8 = 1
	recordUpdate   uint8 = 2
)

// header is the fixed-size portion of every binlog record. Byte order
// is host-native (binary.NativeEndian), matching spec.md §6's
// "format is not portable across architectures" — this WAL is read
// only by the same process family that wrote it, so there is nothing
// for a portable encoding to buy; encoding/binary is all it needs.
type header struct {
	Kind         uint8
	State        uint8
	_            uint16 // reserved
	TubeNameLen  uint16
	_            uint16 // reserved
	ID           uint64
	Priority     uint32
	_            uint32 // reserved
	DelayNs      int64
	TTRNs        int64
	CreatedAt    int64
	DeadlineAt   int64
	ReserveCount uint32
	TimeoutCount uint32
	ReleaseCount uint32
	BuryCount    uint32
	KickCount    uint32
	BodySize     uint32
}

var headerSize = binary.Size(header{})

// encodedSize returns the total on-disk size of a PUT record for j
// (header + tube name + body). This is the "reserved_space" unit
// spec.md §4.5 describes as the maximum a job's record can ever need,
// since subsequent UPDATE records never carry a body or tube name and
// are therefore never larger.
func encodedSize(j *job.Job) int {
	return headerSize + len(j.TubeName) + len(j.Body)
}

func headerFromJob(kind uint8, j *job.Job) header {
	return header{
		Kind:         kind,
		State:        uint8(j.State),
		TubeNameLen:  uint16(len(j.TubeName)),
		ID:           j.ID,
		Priority:     j.Priority,
		DelayNs:      j.DelayNs,
		TTRNs:        j.TTRNs,
		CreatedAt:    j.CreatedAt,
		DeadlineAt:   j.DeadlineAt,
		ReserveCount: j.ReserveCount,
		TimeoutCount: j.TimeoutCount,
		ReleaseCount: j.ReleaseCount,
		BuryCount:    j.BuryCount,
		KickCount:    j.KickCount,
		BodySize:     uint32(j.BodySize),
	}
}

// writePut encodes a first-write record: header + tube name + body.
func writePut(w io.Writer, j *job.Job) (int, error) {
	h := headerFromJob(recordPut, j)
	buf := new(bytes.Buffer)
	buf.Grow(encodedSize(j))
	if err := binary.Write(buf, binary.NativeEndian, &h); err != nil {
		return 0, err
	}
	buf.WriteString(j.TubeName)
	buf.Write(j.Body)
	n, err := w.Write(buf.Bytes())
	return n, err
}

// writeUpdate encodes a subsequent state-change record: header only,
// with TubeNameLen/BodySize set to zero (the tube name and body are
// reconstructed from the job's original PUT record during replay).
func writeUpdate(w io.Writer, j *job.Job) (int, error) {
	h := headerFromJob(recordUpdate, j)
	h.TubeNameLen = 0
	h.BodySize = 0
	buf := new(bytes.Buffer)
	buf.Grow(headerSize)
	if err := binary.Write(buf, binary.NativeEndian, &h); err != nil {
		return 0, err
	}
	n, err := w.Write(buf.Bytes())
	return n, err
}

// decodedRecord is a fully-read record plus its variable-length
// payload, as produced while replaying a segment.
type decodedRecord struct {
	h        header
	tubeName string
	body     []byte
}

// readRecord reads one record from r. io.EOF (clean end of readable
// data) and errShortRecord (a truncated trailing record — the server
// was killed mid-write) are both reported via distinguishable errors
// so the replay loop can tell "done" from "corrupt tail".
var errShortRecord = fmt.Errorf("wal: truncated trailing record")

func readRecord(r io.Reader) (*decodedRecord, error) {
	var h header
	hdrBuf := make([]byte, headerSize)
	if _, err := io.ReadFull(r, hdrBuf); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, errShortRecord
		}
		return nil, err
	}
	if err := binary.Read(bytes.NewReader(hdrBuf), binary.NativeEndian, &h); err != nil {
		return nil, err
	}
	if h.Kind == recordSentinel {
		return nil, io.EOF
	}
	if h.Kind != recordPut && h.Kind != recordUpdate {
		return nil, errShortRecord
	}
	rec := &decodedRecord{h: h}
	if h.TubeNameLen > 0 {
		name := make([]byte, h.TubeNameLen)
		if _, err := io.ReadFull(r, name); err != nil {
			return nil, errShortRecord
		}
		rec.tubeName = string(name)
	}
	if h.BodySize > 0 {
		body := make([]byte, h.BodySize)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, errShortRecord
		}
		rec.body = body
	}
	return rec, nil
}
