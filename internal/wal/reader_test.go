package wal

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"exchange-core/internal/walerr"
)

func writeNRecords(t *testing.T, dir string, n int) {
	t.Helper()
	w, err := OpenWriter(dir, 0, 1)
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	defer w.Close()
	for i := 0; i < n; i++ {
		if _, err := w.Append(EntryPlaceOrder, []byte("record")); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

func TestReplayFileReadsAllThenEOF(t *testing.T) {
	dir := t.TempDir()
	writeNRecords(t, dir, 10)

	path := SegmentPath(dir)
	r, err := OpenReader(path, 1)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}

	count := 0
	for {
		_, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		count++
	}
	if count != 10 {
		t.Fatalf("read %d records, want 10", count)
	}
}

func TestReplayStopsAtCorruptedRecordButKeepsPrefix(t *testing.T) {
	dir := t.TempDir()
	writeNRecords(t, dir, 5)

	path := SegmentPath(dir)
	flipByteNearEnd(t, path)

	var got []Record
	err := ReplayFile(path, 1, func(rec Record) (bool, error) {
		got = append(got, rec)
		return false, nil
	})

	var corrupt *walerr.CorruptRecord
	if !errors.As(err, &corrupt) {
		t.Fatalf("expected CorruptRecord, got %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("records read before corruption = %d, want 4", len(got))
	}
}

func TestReplayTruncatedTailYieldsCorruptRecord(t *testing.T) {
	dir := t.TempDir()
	writeNRecords(t, dir, 3)

	path := SegmentPath(dir)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	// Append a truncated header (fewer than HeaderSize bytes) to simulate a
	// crash mid-write of the 4th record.
	torn := append(data, []byte{0x01, 0x02, 0x03}...)
	if err := os.WriteFile(path, torn, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	var got []Record
	err = ReplayFile(path, 1, func(rec Record) (bool, error) {
		got = append(got, rec)
		return false, nil
	})
	var corrupt *walerr.CorruptRecord
	if !errors.As(err, &corrupt) {
		t.Fatalf("expected CorruptRecord for torn header, got %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("records read before torn tail = %d, want 3", len(got))
	}
}

func TestReplayTruncationAtEveryOffsetNeverPanics(t *testing.T) {
	dir := t.TempDir()
	writeNRecords(t, dir, 4)

	path := SegmentPath(dir)
	full, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	for cut := 0; cut <= len(full); cut++ {
		truncPath := filepath.Join(t.TempDir(), "current.wal")
		if err := os.WriteFile(truncPath, full[:cut], 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
		_ = ReplayFile(truncPath, 1, func(rec Record) (bool, error) {
			return false, nil
		})
	}
}

func TestOpenReaderMissingFileIsDoneNotError(t *testing.T) {
	dir := t.TempDir()
	r, err := OpenReader(filepath.Join(dir, "current.wal"), 1)
	if err != nil {
		t.Fatalf("OpenReader on missing file should not error: %v", err)
	}
	if _, err := r.Next(); err != io.EOF {
		t.Fatalf("Next on a missing-file reader = %v, want io.EOF", err)
	}
}

// flipByteNearEnd corrupts one payload byte in the last record of the file,
// so the first 4 records read intact and the 5th fails its CRC check.
func flipByteNearEnd(t *testing.T, path string) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	last := len(data) - 1
	data[last] ^= 0xFF
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}
