// Package matching is MatchingService: the order-book durability layer.
// It durably records generated trades and lets order books be fully
// reconstructed by combining its own WAL of trades with a cascading replay
// of UBSCore's order/cancel decisions (spec.md §4.3).
package matching

import "exchange-core/internal/ubscore"

// RestingOrder is one order sitting on a ladder, waiting to be matched or
// canceled.
type RestingOrder struct {
	OrderID      uint64       `json:"order_id"`
	Side         ubscore.Side `json:"side"`
	Price        int64        `json:"price"`
	RemainingQty int64        `json:"remaining_qty"`
	User         string       `json:"user"`
	SeqOfIngest  uint64       `json:"seq_of_ingest"` // the UBSCore seq_id that placed it
}

// Trade is the durable record of one match between a resting order and an
// incoming order.
type Trade struct {
	TradeID     uint64 `json:"trade_id"`
	Symbol      string `json:"symbol"`
	Price       int64  `json:"price"`
	Qty         int64  `json:"qty"`
	BuyOrderID  uint64 `json:"buy_order_id"`
	SellOrderID uint64 `json:"sell_order_id"`
	BuyUser     string `json:"buy_user"`
	SellUser    string `json:"sell_user"`
	UBSCoreSeq  uint64 `json:"ubscore_seq"` // seq_id of the incoming order that produced this trade
}

// Checkpoint is MatchingService's WAL-cursor-equivalent: the UBSCore
// position it has fully consumed, and the next trade id it will assign.
type Checkpoint struct {
	LastAppliedUBSCoreSeq uint64 `json:"last_applied_ubscore_seq"`
	NextTradeID           uint64 `json:"next_trade_id"`
}

// newCheckpoint is the zero state for a fresh service: trade ids are
// 1-based, like seq_id, so NextTradeID starts at 1 rather than 0. A
// zero-value Checkpoint is never handed to callers directly for this
// reason — 0 would make the very first trade collide with
// SettlementService's "nothing processed yet" watermark.
func newCheckpoint() Checkpoint {
	return Checkpoint{NextTradeID: 1}
}
