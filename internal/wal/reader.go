package wal

import (
	"errors"
	"io"
	"os"

	"exchange-core/internal/walerr"
)

// Record is one decoded (header, payload) pair yielded by replay.
type Record struct {
	Header  Header
	Payload []byte
}

// Reader replays a single segment file in ascending seq_id order. A Reader
// is not restartable: once its stream ends (clean EOF or corruption) the
// caller must open a fresh Reader to read again, per spec.
type Reader struct {
	f          *os.File
	maxPayload int
	minSeq     uint64
	done       bool
}

// OpenReader opens path for replay. fromSeq filters out records whose
// seq_id is below it; records are still read off disk in order (the format
// has no index), but only those with SeqID >= fromSeq are yielded.
func OpenReader(path string, fromSeq uint64) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Reader{f: nil, minSeq: fromSeq, done: true}, nil
		}
		return nil, walerr.NewIoError("open wal segment", err)
	}
	return &Reader{f: f, maxPayload: MaxPayloadLen, minSeq: fromSeq}, nil
}

// Next returns the next record with SeqID >= fromSeq, io.EOF when the
// stream is exhausted cleanly, or a *walerr.CorruptRecord when a checksum
// mismatch or torn header/payload is found. A CorruptRecord ends the
// stream: it is returned once, and every subsequent Next call returns
// io.EOF until a fresh Reader is opened.
func (r *Reader) Next() (Record, error) {
	if r.done || r.f == nil {
		return Record{}, io.EOF
	}

	for {
		rec, err := r.readOne()
		if err != nil {
			r.done = true
			return Record{}, err
		}
		if rec.Header.SeqID < r.minSeq {
			continue
		}
		return rec, nil
	}
}

func (r *Reader) readOne() (Record, error) {
	offset, offErr := r.f.Seek(0, io.SeekCurrent)
	if offErr != nil {
		return Record{}, walerr.NewIoError("seek wal segment", offErr)
	}

	headerBuf := make([]byte, HeaderSize)
	n, err := io.ReadFull(r.f, headerBuf)
	if err != nil {
		if errors.Is(err, io.EOF) && n == 0 {
			return Record{}, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			// Torn header at EOF: crash hit mid-write of the next record.
			return Record{}, walerr.NewCorruptRecord(offset, "truncated header at end of file")
		}
		return Record{}, walerr.NewIoError("read wal header", err)
	}

	h := decodeHeader(headerBuf)
	if h.Version != CurrentVersion {
		return Record{}, walerr.NewSchemaMismatch(h.Version, CurrentVersion)
	}
	if int(h.PayloadLen) > r.maxPayload {
		return Record{}, walerr.NewCorruptRecord(offset, "payload_len exceeds configured maximum")
	}

	payload := make([]byte, h.PayloadLen)
	if h.PayloadLen > 0 {
		n, err := io.ReadFull(r.f, payload)
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				return Record{}, walerr.NewCorruptRecord(offset, "truncated payload at end of file")
			}
			return Record{}, walerr.NewIoError("read wal payload", err)
		}
		if n != int(h.PayloadLen) {
			return Record{}, walerr.NewCorruptRecord(offset, "short payload read")
		}
	}

	if checksum(payload) != h.Checksum {
		return Record{}, walerr.NewCorruptRecord(offset, "crc32 mismatch")
	}

	return Record{Header: h, Payload: payload}, nil
}

// Close releases the underlying file handle.
func (r *Reader) Close() error {
	if r.f == nil {
		return nil
	}
	return r.f.Close()
}

// StopFunc is returned to a replay callback; returning true ends the stream
// early without treating it as an error.
type StopFunc func(Record) (stop bool, err error)

// ReplayFile drives fn over every record in path starting at fromSeq,
// stopping on clean EOF, on fn requesting stop, or on the first
// CorruptRecord (which is returned to the caller, not swallowed — recovery
// decides whether to log-and-continue or propagate).
func ReplayFile(path string, fromSeq uint64, fn StopFunc) error {
	r, err := OpenReader(path, fromSeq)
	if err != nil {
		return err
	}
	defer r.Close()

	for {
		rec, err := r.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		stop, err := fn(rec)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
}
