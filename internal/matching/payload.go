package matching

import (
	"encoding/json"
	"fmt"

	"exchange-core/internal/wal"
)

func encodePayload(v any) ([]byte, error) {
	return json.Marshal(v)
}

func decodeTrade(b []byte) (Trade, error) {
	var t Trade
	err := json.Unmarshal(b, &t)
	return t, err
}

func decodeCheckpoint(b []byte) (Checkpoint, error) {
	var c Checkpoint
	err := json.Unmarshal(b, &c)
	return c, err
}

// decodeAny dispatches on entry type. This service's own WAL holds exactly
// one record kind, Trade; Checkpoint lives in the snapshot's orderbooks.bin,
// not here.
func decodeAny(entryType wal.EntryType, payload []byte) (any, error) {
	switch entryType {
	case wal.EntryTrade:
		return decodeTrade(payload)
	default:
		return nil, fmt.Errorf("matching: unexpected entry type 0x%02x", byte(entryType))
	}
}
