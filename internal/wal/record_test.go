package wal

import (
	"bytes"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	cases := []Header{
		{EntryType: EntryPlaceOrder, Version: CurrentVersion, Epoch: 0, SeqID: 1},
		{EntryType: EntryTrade, Version: CurrentVersion, Epoch: 7, SeqID: 1 << 40},
		{EntryType: EntrySettlementCheckpoint, Version: CurrentVersion, Epoch: 1, SeqID: 0},
	}
	for _, h := range cases {
		payload := []byte("hello world")
		rec := encodeRecord(h, payload)
		if len(rec) != HeaderSize+len(payload) {
			t.Fatalf("encoded record length = %d, want %d", len(rec), HeaderSize+len(payload))
		}
		got := decodeHeader(rec[:HeaderSize])
		got.PayloadLen = 0 // set by encodeRecord, compared separately below
		want := h
		want.PayloadLen = 0
		want.Checksum = 0
		got.Checksum = 0
		if got != want {
			t.Fatalf("decodeHeader = %+v, want %+v", got, want)
		}
		gotPayload := rec[HeaderSize:]
		if !bytes.Equal(gotPayload, payload) {
			t.Fatalf("payload round-trip mismatch: got %q want %q", gotPayload, payload)
		}
		fullHeader := decodeHeader(rec[:HeaderSize])
		if int(fullHeader.PayloadLen) != len(payload) {
			t.Fatalf("payload_len = %d, want %d", fullHeader.PayloadLen, len(payload))
		}
		if fullHeader.Checksum != checksum(payload) {
			t.Fatalf("checksum = %d, want %d", fullHeader.Checksum, checksum(payload))
		}
	}
}

func TestHeaderSizeIsFixed(t *testing.T) {
	rec := encodeRecord(Header{EntryType: EntryDeposit, Version: CurrentVersion}, nil)
	if len(rec) != HeaderSize {
		t.Fatalf("empty-payload record length = %d, want %d", len(rec), HeaderSize)
	}
}

func TestCursorLess(t *testing.T) {
	a := Cursor{Epoch: 0, SeqID: 5}
	b := Cursor{Epoch: 0, SeqID: 6}
	c := Cursor{Epoch: 1, SeqID: 0}
	if !a.Less(b) {
		t.Fatal("expected a < b")
	}
	if !b.Less(c) {
		t.Fatal("expected b < c (higher epoch wins regardless of seq_id)")
	}
	if c.Less(a) {
		t.Fatal("expected c not < a")
	}
}
