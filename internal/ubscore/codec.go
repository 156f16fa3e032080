package ubscore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc64"
)

var crc64Table = crc64.MakeTable(crc64.ISO)

type accountRow struct {
	Key     AccountKey `json:"key"`
	Account Account    `json:"account"`
}

// encodeAccounts serialises the account map as a self-describing JSON array
// followed by an 8-byte little-endian CRC64 (ISO polynomial) trailer over
// the JSON bytes, matching spec.md §4.2's "accounts.bin" contract.
func encodeAccounts(accounts map[AccountKey]Account) []byte {
	rows := make([]accountRow, 0, len(accounts))
	for k, v := range accounts {
		rows = append(rows, accountRow{Key: k, Account: v})
	}
	body, err := json.Marshal(rows)
	if err != nil {
		// Account and AccountKey are both plain value types with no
		// unmarshalable fields; this cannot fail in practice.
		panic(fmt.Sprintf("ubscore: marshal accounts: %v", err))
	}

	sum := crc64.Checksum(body, crc64Table)
	trailer := make([]byte, 8)
	binary.LittleEndian.PutUint64(trailer, sum)
	return append(body, trailer...)
}

// decodeAccounts reverses encodeAccounts, verifying the CRC64 trailer
// before trusting the body. A mismatch returns an error; callers treat
// that as "no snapshot" per spec.md §4.2 step 2.
func decodeAccounts(data []byte) (map[AccountKey]Account, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("accounts.bin too short to contain a crc64 trailer")
	}
	body := data[:len(data)-8]
	wantSum := binary.LittleEndian.Uint64(data[len(data)-8:])
	gotSum := crc64.Checksum(body, crc64Table)
	if gotSum != wantSum {
		return nil, fmt.Errorf("accounts.bin crc64 mismatch: got %x want %x", gotSum, wantSum)
	}

	var rows []accountRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("unmarshal accounts.bin: %w", err)
	}

	out := make(map[AccountKey]Account, len(rows))
	for _, r := range rows {
		out[r.Key] = r.Account
	}
	return out, nil
}
