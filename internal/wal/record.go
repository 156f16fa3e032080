// Package wal implements the Universal WAL v2 binary format: a framed,
// append-only record stream with a fixed 20-byte header and a per-record
// CRC32 checksum over the payload. It is the leaf dependency of every
// service's persistence layer (ubscore, matching, settlement).
//
// Wire layout (little-endian throughout), grounded on the header/CRC
// approach used by journal-style WALs in the wider corpus (see
// other_examples' write-ahead-log-with-integrity-and-torn-write-recovery):
//
//	payload_len  2 bytes  uint16
//	entry_type   1 byte
//	version      1 byte
//	epoch        4 bytes  uint32
//	seq_id       8 bytes  uint64
//	checksum     4 bytes  uint32 (CRC32 IEEE over payload only)
//	payload      payload_len bytes
package wal

import (
	"encoding/binary"
	"hash/crc32"
)

// HeaderSize is the fixed on-disk size of a record header, per spec.
const HeaderSize = 20

// CurrentVersion is the only schema version this build understands.
const CurrentVersion byte = 1

// MaxPayloadLen is the default ceiling on a single record's payload size.
const MaxPayloadLen = 16 * 1024 * 1024 // 16 MiB

// EntryType tags the payload schema of a record. Values are reserved across
// the whole triad; a single service never reuses another's tag.
type EntryType byte

const (
	EntryPlaceOrder           EntryType = 0x01 // UBSCore
	EntryCancelOrder          EntryType = 0x02 // UBSCore
	EntryTrade                EntryType = 0x03 // MatchingService
	EntryBalanceSettlement    EntryType = 0x04 // UBSCore
	EntryDeposit              EntryType = 0x05 // UBSCore
	EntryWithdraw             EntryType = 0x06 // UBSCore
	EntrySnapshotMarker       EntryType = 0x07 // any (reserved, unused — see DESIGN.md)
	EntrySettlementCheckpoint EntryType = 0x10 // SettlementService
)

// Cursor identifies a position in a service's WAL as (epoch, seq_id), the
// pair the spec requires be globally orderable.
type Cursor struct {
	Epoch uint32 `json:"epoch"`
	SeqID uint64 `json:"seq_id"`
}

// Less reports whether c sorts strictly before o.
func (c Cursor) Less(o Cursor) bool {
	if c.Epoch != o.Epoch {
		return c.Epoch < o.Epoch
	}
	return c.SeqID < o.SeqID
}

// Header is the fixed 20-byte record header.
type Header struct {
	PayloadLen uint16
	EntryType  EntryType
	Version    byte
	Epoch      uint32
	SeqID      uint64
	Checksum   uint32
}

// Cursor extracts the (epoch, seq_id) pair this header sits at.
func (h Header) Cursor() Cursor { return Cursor{Epoch: h.Epoch, SeqID: h.SeqID} }

// encodeHeader writes h into a fresh HeaderSize-byte buffer.
func encodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint16(buf[0:2], h.PayloadLen)
	buf[2] = byte(h.EntryType)
	buf[3] = h.Version
	binary.LittleEndian.PutUint32(buf[4:8], h.Epoch)
	binary.LittleEndian.PutUint64(buf[8:16], h.SeqID)
	binary.LittleEndian.PutUint32(buf[16:20], h.Checksum)
	return buf
}

// decodeHeader parses exactly HeaderSize bytes into a Header. Callers must
// ensure len(buf) == HeaderSize.
func decodeHeader(buf []byte) Header {
	return Header{
		PayloadLen: binary.LittleEndian.Uint16(buf[0:2]),
		EntryType:  EntryType(buf[2]),
		Version:    buf[3],
		Epoch:      binary.LittleEndian.Uint32(buf[4:8]),
		SeqID:      binary.LittleEndian.Uint64(buf[8:16]),
		Checksum:   binary.LittleEndian.Uint32(buf[16:20]),
	}
}

// checksum computes the CRC32 (IEEE polynomial 0xEDB88320) over payload
// only, as required by the wire format — the header itself is never
// checksummed.
func checksum(payload []byte) uint32 {
	return crc32.ChecksumIEEE(payload)
}

// encodeRecord frames header‖payload into a single buffer ready for a
// single Write call, so a crash can never tear the header from the payload
// mid-syscall (it still can tear mid-DMA/mid-disk, which is exactly what
// the reader's torn-tail handling exists for).
func encodeRecord(h Header, payload []byte) []byte {
	h.PayloadLen = uint16(len(payload))
	h.Checksum = checksum(payload)
	out := make([]byte, 0, HeaderSize+len(payload))
	out = append(out, encodeHeader(h)...)
	out = append(out, payload...)
	return out
}
