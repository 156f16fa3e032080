package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"exchange-core/internal/walerr"
)

// Writer appends records to the active segment (wal/current.wal) of a
// service's WAL directory. A Writer is single-owner: the spec models each
// service as one logical writer goroutine, and Writer enforces that by
// serializing Append/Flush/Rotate under a mutex rather than assuming the
// caller already does.
//
// Once any Append or Flush observes an I/O error the Writer is poisoned:
// every subsequent Append fails fast with walerr.ErrPoisonedWriter, per the
// spec's failure semantics (writers never retry, never heal).
type Writer struct {
	mu       sync.Mutex
	dir      string
	file     *os.File
	epoch    uint32
	nextSeq  uint64
	poisoned bool
}

// OpenWriter opens (creating if absent) dir/current.wal and positions the
// writer to continue from (epoch, nextSeq). Recovery computes (epoch,
// nextSeq) from the snapshot cursor plus whatever the reader replayed past
// it; see Open in ubscore, matching and settlement.
func OpenWriter(dir string, epoch uint32, nextSeq uint64) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, walerr.NewIoError("mkdir wal dir", err)
	}
	path := filepath.Join(dir, "current.wal")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, walerr.NewIoError("open current.wal", err)
	}
	return &Writer{dir: dir, file: f, epoch: epoch, nextSeq: nextSeq}, nil
}

// NextSeqID returns the seq_id that the next Append will assign, without
// mutating state. Used by recovery to publish next_seq_id/next_trade_id.
func (w *Writer) NextSeqID() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextSeq
}

// Epoch returns the writer's current generation counter.
func (w *Writer) Epoch() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.epoch
}

// Append assigns the next seq_id, frames the record and writes it to the
// active segment. It does not fsync — callers that need a durability
// guarantee before acknowledging a command must call Flush afterwards, as
// the write-ahead discipline requires.
func (w *Writer) Append(entryType EntryType, payload []byte) (Cursor, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.poisoned {
		return Cursor{}, walerr.ErrPoisonedWriter
	}
	if len(payload) > MaxPayloadLen {
		return Cursor{}, walerr.NewRejected(fmt.Sprintf("payload %d bytes exceeds max %d", len(payload), MaxPayloadLen))
	}

	seq := w.nextSeq
	h := Header{
		EntryType: entryType,
		Version:   CurrentVersion,
		Epoch:     w.epoch,
		SeqID:     seq,
	}
	buf := encodeRecord(h, payload)

	if _, err := w.file.Write(buf); err != nil {
		w.poisoned = true
		return Cursor{}, walerr.NewIoError("append", err)
	}

	w.nextSeq = seq + 1
	return Cursor{Epoch: w.epoch, SeqID: seq}, nil
}

// Flush fsyncs the segment file and its parent directory, so every Append
// that happened before this call is durable against a crash. A command
// handler must call Flush before treating its Append as committed.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *Writer) flushLocked() error {
	if w.poisoned {
		return walerr.ErrPoisonedWriter
	}
	if err := w.file.Sync(); err != nil {
		w.poisoned = true
		return walerr.NewIoError("fsync wal file", err)
	}
	if err := syncDir(w.dir); err != nil {
		w.poisoned = true
		return walerr.NewIoError("fsync wal dir", err)
	}
	return nil
}

// Rotate closes the current segment under a new archival name
// (wal-<epoch>-<end_seq>.wal), increments the epoch and opens a fresh
// current.wal. end_seq is the seq_id of the last record in the archived
// segment. seq_id continues monotonically across the rotation for every
// service (see DESIGN.md Open Questions); snapshot metadata.json does not
// carry a field recording this choice.
func (w *Writer) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.poisoned {
		return walerr.ErrPoisonedWriter
	}
	if err := w.flushLocked(); err != nil {
		return err
	}

	endSeq := w.nextSeq - 1
	archiveName := ArchivedSegmentName(w.epoch, endSeq)
	if err := w.file.Close(); err != nil {
		w.poisoned = true
		return walerr.NewIoError("close segment before rotate", err)
	}

	currentPath := filepath.Join(w.dir, "current.wal")
	archivePath := filepath.Join(w.dir, archiveName)
	if err := os.Rename(currentPath, archivePath); err != nil {
		w.poisoned = true
		return walerr.NewIoError("archive segment", err)
	}

	f, err := os.OpenFile(currentPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		w.poisoned = true
		return walerr.NewIoError("open new segment", err)
	}

	w.file = f
	w.epoch++
	return syncDir(w.dir)
}

// Close closes the underlying file handle without touching poison state.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// Poisoned reports whether a prior I/O failure has disabled this writer.
func (w *Writer) Poisoned() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.poisoned
}

// syncDir fsyncs a directory's metadata (entry additions/renames), which on
// POSIX filesystems is necessary in addition to fsyncing the file itself.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
