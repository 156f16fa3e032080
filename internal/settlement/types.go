// Package settlement is SettlementService: durable tracking of how far
// trade post-processing has progressed. It owns no balances and no order
// books — only a single monotonically non-decreasing watermark, the
// highest trade id whose downstream side effects are confirmed durable.
package settlement

import "time"

// CheckpointRecord is the WAL payload for entry type 0x10: an announcement
// that every trade up to LastTradeID is durable downstream.
type CheckpointRecord struct {
	LastTradeID uint64 `json:"last_trade_id"`
}

// SnapshotBody is the JSON object settlement's snapshot payload file holds.
type SnapshotBody struct {
	FormatVersion int       `json:"format_version"`
	LastTradeID   uint64    `json:"last_trade_id"`
	CreatedAt     time.Time `json:"created_at"`
}
