package wal

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriterAppendAssignsMonotonicSeqIDs(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWriter(dir, 0, 1)
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	defer w.Close()

	for i := uint64(1); i <= 5; i++ {
		cur, err := w.Append(EntryPlaceOrder, []byte("x"))
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if cur.SeqID != i {
			t.Fatalf("seq_id = %d, want %d", cur.SeqID, i)
		}
	}
	if w.NextSeqID() != 6 {
		t.Fatalf("NextSeqID = %d, want 6", w.NextSeqID())
	}
}

func TestWriterRejectsOversizedPayload(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWriter(dir, 0, 1)
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	defer w.Close()

	oversized := make([]byte, MaxPayloadLen+1)
	if _, err := w.Append(EntryPlaceOrder, oversized); err == nil {
		t.Fatal("expected rejection for oversized payload")
	}
	if w.Poisoned() {
		t.Fatal("a rejected command must not poison the writer")
	}
}

func TestWriterRotateArchivesSegment(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWriter(dir, 0, 1)
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	defer w.Close()

	for i := 0; i < 3; i++ {
		if _, err := w.Append(EntryPlaceOrder, []byte("x")); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := w.Rotate(); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if w.Epoch() != 1 {
		t.Fatalf("epoch after rotate = %d, want 1", w.Epoch())
	}

	archived := ArchivedSegmentName(0, 3)
	if _, err := os.Stat(filepath.Join(dir, archived)); err != nil {
		t.Fatalf("expected archived segment %s: %v", archived, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "current.wal")); err != nil {
		t.Fatalf("expected fresh current.wal after rotate: %v", err)
	}

	if _, err := w.Append(EntryPlaceOrder, []byte("y")); err != nil {
		t.Fatalf("Append after rotate: %v", err)
	}
}
