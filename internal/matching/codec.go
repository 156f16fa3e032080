package matching

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
)

type bookRow struct {
	Symbol string          `json:"symbol"`
	Bids   []*RestingOrder `json:"bids"`
	Asks   []*RestingOrder `json:"asks"`
}

type snapshotBody struct {
	Books      []bookRow  `json:"books"`
	Checkpoint Checkpoint `json:"checkpoint"`
}

// encodeBooks serialises every symbol's book plus the recovery checkpoint
// (next trade id, last applied UBSCore seq) as JSON with a 4-byte
// little-endian CRC32 trailer, the same tamper-proof shape UBSCore uses for
// accounts.bin, just with the cheaper IEEE-32 checksum since an order book
// is fully re-derivable from cascading replay and does not need CRC64's
// extra margin.
func encodeBooks(books map[string]*Book, checkpoint Checkpoint) []byte {
	body := snapshotBody{Checkpoint: checkpoint}
	for _, b := range books {
		body.Books = append(body.Books, bookRow{Symbol: b.Symbol, Bids: b.Bids, Asks: b.Asks})
	}

	data, err := json.Marshal(body)
	if err != nil {
		panic(fmt.Sprintf("matching: marshal order books: %v", err))
	}

	sum := crc32.ChecksumIEEE(data)
	trailer := make([]byte, 4)
	binary.LittleEndian.PutUint32(trailer, sum)
	return append(data, trailer...)
}

// decodeBooks reverses encodeBooks, verifying the CRC32 trailer first.
func decodeBooks(data []byte) (map[string]*Book, Checkpoint, error) {
	if len(data) < 4 {
		return nil, Checkpoint{}, fmt.Errorf("orderbooks.bin too short to contain a crc32 trailer")
	}
	body := data[:len(data)-4]
	wantSum := binary.LittleEndian.Uint32(data[len(data)-4:])
	gotSum := crc32.ChecksumIEEE(body)
	if gotSum != wantSum {
		return nil, Checkpoint{}, fmt.Errorf("orderbooks.bin crc32 mismatch: got %x want %x", gotSum, wantSum)
	}

	var sb snapshotBody
	if err := json.Unmarshal(body, &sb); err != nil {
		return nil, Checkpoint{}, fmt.Errorf("unmarshal orderbooks.bin: %w", err)
	}

	books := make(map[string]*Book, len(sb.Books))
	for _, row := range sb.Books {
		books[row.Symbol] = &Book{Symbol: row.Symbol, Bids: row.Bids, Asks: row.Asks}
	}
	return books, sb.Checkpoint, nil
}
