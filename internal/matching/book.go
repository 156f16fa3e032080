package matching

import (
	"sort"

	"exchange-core/internal/ubscore"
)

// Book is one symbol's two price-ordered ladders. It is deliberately a
// simple price-time-priority engine: the matching algorithm's
// sophistication is explicitly out of scope for this module (spec.md §1 —
// "the matching algorithm itself" is an external collaborator concern).
// What matters here is that it is deterministic, so replaying the same
// order sequence against the same starting book always reproduces the same
// trades and the same resting set.
type Book struct {
	Symbol string
	Bids   []*RestingOrder // descending price, then ascending SeqOfIngest
	Asks   []*RestingOrder // ascending price, then ascending SeqOfIngest
}

func newBook(symbol string) *Book {
	return &Book{Symbol: symbol}
}

func (b *Book) ladder(side ubscore.Side) []*RestingOrder {
	if side == ubscore.Buy {
		return b.Bids
	}
	return b.Asks
}

func (b *Book) setLadder(side ubscore.Side, l []*RestingOrder) {
	if side == ubscore.Buy {
		b.Bids = l
	} else {
		b.Asks = l
	}
}

// find returns the resting order with id, or nil.
func (b *Book) find(id uint64) *RestingOrder {
	for _, o := range b.Bids {
		if o.OrderID == id {
			return o
		}
	}
	for _, o := range b.Asks {
		if o.OrderID == id {
			return o
		}
	}
	return nil
}

// reduce shrinks a resting order's remaining quantity, removing it once it
// reaches zero. Returns true if the order was found.
func (b *Book) reduce(id uint64, qty int64) bool {
	if o := findIn(b.Bids, id); o != nil {
		o.RemainingQty -= qty
		if o.RemainingQty <= 0 {
			b.Bids = removeFrom(b.Bids, id)
		}
		return true
	}
	if o := findIn(b.Asks, id); o != nil {
		o.RemainingQty -= qty
		if o.RemainingQty <= 0 {
			b.Asks = removeFrom(b.Asks, id)
		}
		return true
	}
	return false
}

// remove drops a resting order regardless of remaining quantity (cancel).
func (b *Book) remove(id uint64) bool {
	before := len(b.Bids) + len(b.Asks)
	b.Bids = removeFrom(b.Bids, id)
	b.Asks = removeFrom(b.Asks, id)
	return len(b.Bids)+len(b.Asks) != before
}

func findIn(l []*RestingOrder, id uint64) *RestingOrder {
	for _, o := range l {
		if o.OrderID == id {
			return o
		}
	}
	return nil
}

func removeFrom(l []*RestingOrder, id uint64) []*RestingOrder {
	out := l[:0:0]
	for _, o := range l {
		if o.OrderID != id {
			out = append(out, o)
		}
	}
	return out
}

// rest inserts ro into its ladder, keeping price-time priority order.
func (b *Book) rest(ro *RestingOrder) {
	l := append(b.ladder(ro.Side), ro)
	sort.SliceStable(l, func(i, j int) bool {
		if l[i].Price != l[j].Price {
			if ro.Side == ubscore.Buy {
				return l[i].Price > l[j].Price
			}
			return l[i].Price < l[j].Price
		}
		return l[i].SeqOfIngest < l[j].SeqOfIngest
	})
	b.setLadder(ro.Side, l)
}

// crosses reports whether an incoming order at price p, side, would match
// the best opposing resting order.
func crosses(side ubscore.Side, price int64, opposingBest *RestingOrder) bool {
	if opposingBest == nil {
		return false
	}
	if side == ubscore.Buy {
		return price >= opposingBest.Price
	}
	return price <= opposingBest.Price
}

// match runs incoming (OrderID, Side, Price, Qty, User, at UBSCore seq
// ingestSeq) against the opposing ladder, producing trades for whatever
// crosses and resting the remainder, if any. allocateTradeID is called once
// per trade generated.
func (b *Book) match(orderID uint64, side ubscore.Side, price, qty int64, user string, ingestSeq uint64, allocateTradeID func() uint64) []Trade {
	var trades []Trade
	opposingSide := ubscore.Sell
	if side == ubscore.Sell {
		opposingSide = ubscore.Buy
	}

	for qty > 0 {
		opposing := b.ladder(opposingSide)
		if len(opposing) == 0 || !crosses(side, price, opposing[0]) {
			break
		}
		best := opposing[0]
		fillQty := qty
		if best.RemainingQty < fillQty {
			fillQty = best.RemainingQty
		}

		t := Trade{
			TradeID:    allocateTradeID(),
			Symbol:     b.Symbol,
			Price:      best.Price,
			Qty:        fillQty,
			UBSCoreSeq: ingestSeq,
		}
		if side == ubscore.Buy {
			t.BuyOrderID, t.BuyUser = orderID, user
			t.SellOrderID, t.SellUser = best.OrderID, best.User
		} else {
			t.SellOrderID, t.SellUser = orderID, user
			t.BuyOrderID, t.BuyUser = best.OrderID, best.User
		}
		trades = append(trades, t)

		b.reduce(best.OrderID, fillQty)
		qty -= fillQty
	}

	if qty > 0 {
		b.rest(&RestingOrder{OrderID: orderID, Side: side, Price: price, RemainingQty: qty, User: user, SeqOfIngest: ingestSeq})
	}
	return trades
}
