// Package ubscore is the authoritative balance ledger: the durability core
// that makes balance mutations crash-safe and lets MatchingService cascade
// its own recovery off of UBSCore's replay stream.
package ubscore

import "time"

// Side is which side of the book an order rests on.
type Side byte

const (
	Buy Side = iota
	Sell
)

// AccountKey identifies one ledger row: a user's balance in one asset.
// spec.md §3 describes "a mapping from account identifier to account
// record"; an exchange ledger is naturally keyed per (user, asset), so we
// take AccountKey as that identifier.
type AccountKey struct {
	User  string `json:"user"`
	Asset string `json:"asset"`
}

// Account is one ledger row. Amounts are fixed-point integers in the
// asset's minor unit, per spec.md §3.
type Account struct {
	Available     int64  `json:"available"`
	Frozen        int64  `json:"frozen"`
	LockVersion   uint64 `json:"lock_version"`
	SettleVersion uint64 `json:"settle_version"`
}

// PlaceOrderCmd places an order, which locks (freezes) the funds it needs.
type PlaceOrderCmd struct {
	OrderID uint64 `json:"order_id"`
	Symbol  string `json:"symbol"`
	Side    Side   `json:"side"`
	Price   int64  `json:"price"`
	Qty     int64  `json:"qty"`
	User    string `json:"user"`
	Asset   string `json:"asset"`  // the asset frozen to back this order
	Amount  int64  `json:"amount"` // amount of Asset to freeze
}

// CancelOrderCmd cancels a resting order, releasing its frozen funds.
type CancelOrderCmd struct {
	OrderID uint64 `json:"order_id"`
	User    string `json:"user"`
	Asset   string `json:"asset"`
	Amount  int64  `json:"amount"` // amount to unfreeze
}

// DepositCmd credits available balance from an external source (Sentinel,
// out of scope here — UBSCore only records the effect).
type DepositCmd struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
	Amount  int64  `json:"amount"`
}

// WithdrawCmd debits available balance.
type WithdrawCmd struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
	Amount  int64  `json:"amount"`
}

// BalanceSettlementCmd applies a trade's balance effects to one account:
// releasing frozen funds and crediting the other side of the trade.
type BalanceSettlementCmd struct {
	Account        string `json:"account"`
	Asset          string `json:"asset"`
	AvailableDelta int64  `json:"available_delta"`
	FrozenDelta    int64  `json:"frozen_delta"`
}

// ValidOrder is what UBSCore's replay API streams to MatchingService: the
// order/cancel decisions UBSCore has durably committed, in WAL order.
type ValidOrder struct {
	Seq      uint64    `json:"seq"`
	OrderID  uint64    `json:"order_id"`
	Symbol   string    `json:"symbol"`
	Side     Side      `json:"side"`
	Price    int64     `json:"price"`
	Qty      int64     `json:"qty"`
	User     string    `json:"user"`
	Canceled bool      `json:"canceled"`
	At       time.Time `json:"at"`
}
