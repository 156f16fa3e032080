package matching

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"exchange-core/internal/config"
	"exchange-core/internal/dirlock"
	"exchange-core/internal/replay"
	"exchange-core/internal/snapshot"
	"exchange-core/internal/ubscore"
	"exchange-core/internal/wal"
	"exchange-core/internal/walerr"
)

const schemaVersion = 1

// Service is MatchingService: the order-book durability layer sitting
// downstream of UBSCore. It owns no balances and validates nothing about
// funds; it durably records trades and reconstructs its books from its own
// snapshot and trade WAL plus a cascading replay of UBSCore's order
// history (spec.md §4.3).
type Service struct {
	mu sync.Mutex

	log                           *logrus.Entry
	dataDir, walDir, snapshotsDir string
	cfg                           config.ServiceConfig

	lock     *dirlock.Lock
	w        *wal.Writer
	upstream replay.Upstream[ubscore.ValidOrder]

	books      map[string]*Book
	checkpoint Checkpoint

	sinceSnapshot  int
	lastSnapshotAt time.Time

	subscribers []func(Trade)
}

// Open recovers MatchingService from dataDir per spec.md §4.3: load the
// local snapshot if one exists, replay the local trade WAL from that point
// to absorb trades into the snapshot-resident book, then cascade into
// upstream's order history to reconstruct whatever the local trade WAL
// alone could not.
func Open(dataDir string, cfg config.ServiceConfig, upstream replay.Upstream[ubscore.ValidOrder], log *logrus.Entry) (*Service, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("service", "matching")

	lock, err := dirlock.Acquire(dataDir)
	if err != nil {
		return nil, err
	}

	walDir := filepath.Join(dataDir, "wal")
	snapshotsDir := filepath.Join(dataDir, "snapshots")
	if err := os.MkdirAll(walDir, 0o755); err != nil {
		lock.Release()
		return nil, walerr.NewIoError("mkdir matching wal dir", err)
	}
	if err := os.MkdirAll(snapshotsDir, 0o755); err != nil {
		lock.Release()
		return nil, walerr.NewIoError("mkdir matching snapshots dir", err)
	}

	books := make(map[string]*Book)
	checkpoint := newCheckpoint()
	cursor := wal.Cursor{}

	if dir, meta, ok := snapshot.Latest(snapshotsDir); ok {
		data, rerr := os.ReadFile(filepath.Join(dir, "orderbooks.bin"))
		if rerr != nil {
			log.WithError(rerr).Warn("failed to read orderbooks.bin from latest snapshot, starting from empty state")
		} else if loaded, cp, derr := decodeBooks(data); derr != nil {
			log.WithError(derr).Warn("orderbooks.bin failed crc32 verification, starting from empty state")
		} else {
			books = loaded
			checkpoint = cp
			cursor = meta.WALCursor
			log.WithField("cursor", cursor).Info("loaded matching snapshot")
		}
	}
	if checkpoint.NextTradeID == 0 {
		checkpoint.NextTradeID = 1
	}

	svc := &Service{
		log:            log,
		dataDir:        dataDir,
		walDir:         walDir,
		snapshotsDir:   snapshotsDir,
		cfg:            cfg,
		lock:           lock,
		upstream:       upstream,
		books:          books,
		checkpoint:     checkpoint,
		lastSnapshotAt: time.Now(),
	}

	// Step 2: replay the local trade WAL from the snapshot's cursor,
	// reducing or removing snapshot-resident resting orders each trade
	// consumed. An order referenced by a trade but not found resting in the
	// snapshot book was placed after the snapshot (as taker or as a maker
	// that rested and was hit later); its fill accumulates into tradeIndex
	// for step 3 to consult.
	tradeIndex := make(map[uint64]int64)
	finalCursor, err := wal.ReplayDir(walDir, cursor.SeqID+1, func(rec wal.Record) (bool, error) {
		t, derr := decodeTrade(rec.Payload)
		if derr != nil {
			return false, derr
		}
		svc.absorbLocalTrade(t, tradeIndex)
		if t.TradeID >= svc.checkpoint.NextTradeID {
			svc.checkpoint.NextTradeID = t.TradeID + 1
		}
		return false, nil
	})
	if err != nil {
		if walerr.IsCorrupt(err) {
			log.WithError(err).Warn("wal corruption during recovery, continuing with the trustworthy prefix")
		} else {
			lock.Release()
			return nil, err
		}
	}
	if finalCursor.SeqID > 0 {
		cursor = finalCursor
	}

	// Step 3: cascading replay of UBSCore's order/cancel history from the
	// last position this service had fully applied. Orders tradeIndex
	// already accounts for rest only their remainder, with no re-matching,
	// so a trade step 2 already recorded is never duplicated or re-emitted.
	// Orders tradeIndex has no record of are run through the live matching
	// logic in recovery mode: it mutates the book but produces nothing
	// durable, since by construction such an order should only ever rest.
	from := svc.checkpoint.LastAppliedUBSCoreSeq + 1
	if rerr := upstream.Replay(from, replay.Bound{}, func(vo ubscore.ValidOrder) error {
		svc.absorbUpstreamOrder(vo, tradeIndex)
		return nil
	}); rerr != nil {
		lock.Release()
		return nil, rerr
	}

	nextSeq := cursor.SeqID + 1
	w, err := wal.OpenWriter(walDir, cursor.Epoch, nextSeq)
	if err != nil {
		lock.Release()
		return nil, err
	}
	svc.w = w

	log.WithField("next_trade_id", svc.checkpoint.NextTradeID).Info("matching recovered")
	return svc, nil
}

func (s *Service) bookFor(symbol string) *Book {
	b, ok := s.books[symbol]
	if !ok {
		b = newBook(symbol)
		s.books[symbol] = b
	}
	return b
}

// BookSnapshot returns a point-in-time copy of one symbol's resting
// orders, in priority order, for operator introspection and tests.
func (s *Service) BookSnapshot(symbol string) (bids, asks []RestingOrder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.books[symbol]
	if !ok {
		return nil, nil
	}
	for _, o := range b.Bids {
		bids = append(bids, *o)
	}
	for _, o := range b.Asks {
		asks = append(asks, *o)
	}
	return bids, asks
}

// Symbols lists every symbol that has a book, including books whose ladders
// are now empty.
func (s *Service) Symbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.books))
	for sym := range s.books {
		out = append(out, sym)
	}
	return out
}

// removeFromAnyBook drops a resting order from whichever symbol's book
// holds it. Cancellation carries no symbol in UBSCore's replay stream, so
// every book is searched; this is acceptable since MatchingService never
// runs more than a handful of symbols per instance.
func (s *Service) removeFromAnyBook(orderID uint64) bool {
	for _, b := range s.books {
		if b.remove(orderID) {
			return true
		}
	}
	return false
}

func (s *Service) absorbLocalTrade(t Trade, tradeIndex map[uint64]int64) {
	book := s.bookFor(t.Symbol)
	if !book.reduce(t.BuyOrderID, t.Qty) {
		tradeIndex[t.BuyOrderID] += t.Qty
	}
	if !book.reduce(t.SellOrderID, t.Qty) {
		tradeIndex[t.SellOrderID] += t.Qty
	}
}

func (s *Service) absorbUpstreamOrder(vo ubscore.ValidOrder, tradeIndex map[uint64]int64) {
	defer func() { s.checkpoint.LastAppliedUBSCoreSeq = vo.Seq }()

	if vo.Canceled {
		s.removeFromAnyBook(vo.OrderID)
		return
	}

	book := s.bookFor(vo.Symbol)
	preFilled, known := tradeIndex[vo.OrderID]
	if known {
		remainder := vo.Qty - preFilled
		if remainder > 0 {
			book.rest(&RestingOrder{
				OrderID: vo.OrderID, Side: vo.Side, Price: vo.Price,
				RemainingQty: remainder, User: vo.User, SeqOfIngest: vo.Seq,
			})
		}
		return
	}

	discarded := book.match(vo.OrderID, vo.Side, vo.Price, vo.Qty, vo.User, vo.Seq, func() uint64 {
		id := s.checkpoint.NextTradeID
		s.checkpoint.NextTradeID++
		return id
	})
	if len(discarded) > 0 {
		s.log.WithField("order_id", vo.OrderID).Warn("cascading recovery matched an order expected to only rest; discarding the manufactured trade")
	}
}

// Subscribe registers fn to be called with every Trade this service commits
// from here on, the hook SettlementService uses to stay live post-recovery.
func (s *Service) Subscribe(fn func(Trade)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

func (s *Service) notify(t Trade) {
	for _, fn := range s.subscribers {
		fn(t)
	}
}

// HandleOrder is the live counterpart of the cascading recovery logic
// above: it applies one validated UBSCore order to the book, durably
// records whatever trades result, and only then notifies downstream.
func (s *Service) HandleOrder(vo ubscore.ValidOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if vo.Canceled {
		s.removeFromAnyBook(vo.OrderID)
		s.checkpoint.LastAppliedUBSCoreSeq = vo.Seq
		return nil
	}

	book := s.bookFor(vo.Symbol)
	trades := book.match(vo.OrderID, vo.Side, vo.Price, vo.Qty, vo.User, vo.Seq, func() uint64 {
		id := s.checkpoint.NextTradeID
		s.checkpoint.NextTradeID++
		return id
	})

	for _, t := range trades {
		body, err := encodePayload(t)
		if err != nil {
			return err
		}
		if _, err := s.w.Append(wal.EntryTrade, body); err != nil {
			return err
		}
	}
	if len(trades) > 0 {
		if err := s.w.Flush(); err != nil {
			return err
		}
	}

	s.checkpoint.LastAppliedUBSCoreSeq = vo.Seq
	s.sinceSnapshot += len(trades)

	for _, t := range trades {
		s.notify(t)
	}
	return nil
}

// NextTradeID reports the trade id the next match will assign.
func (s *Service) NextTradeID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpoint.NextTradeID
}

// MaybeSnapshot forces a snapshot if either cadence threshold has been
// crossed since the last one.
func (s *Service) MaybeSnapshot() error {
	s.mu.Lock()
	due := s.sinceSnapshot >= s.cfg.SnapshotEvery || time.Since(s.lastSnapshotAt) >= s.cfg.SnapshotInterval
	s.mu.Unlock()
	if !due {
		return nil
	}
	_, err := s.SnapshotNow()
	return err
}

// SnapshotNow forces an immediate snapshot and returns its directory name.
func (s *Service) SnapshotNow() (string, error) {
	s.mu.Lock()
	booksCopy := make(map[string]*Book, len(s.books))
	for sym, b := range s.books {
		booksCopy[sym] = &Book{Symbol: b.Symbol, Bids: append([]*RestingOrder{}, b.Bids...), Asks: append([]*RestingOrder{}, b.Asks...)}
	}
	checkpoint := s.checkpoint
	cursor := wal.Cursor{Epoch: s.w.Epoch(), SeqID: s.w.NextSeqID() - 1}
	s.mu.Unlock()

	b, err := snapshot.Begin(s.snapshotsDir)
	if err != nil {
		return "", err
	}
	if err := b.WriteFile("orderbooks.bin", encodeBooks(booksCopy, checkpoint)); err != nil {
		b.Abandon()
		return "", err
	}
	name, err := b.Finalize("matching", schemaVersion, cursor)
	if err != nil {
		b.Abandon()
		return "", err
	}

	s.mu.Lock()
	s.sinceSnapshot = 0
	s.lastSnapshotAt = time.Now()
	rotateErr := s.w.Rotate()
	s.mu.Unlock()
	if rotateErr != nil {
		s.log.WithError(rotateErr).Warn("wal rotation after snapshot failed")
	}

	if err := snapshot.Prune(s.snapshotsDir, 2); err != nil {
		s.log.WithError(err).Warn("snapshot prune failed")
	}

	s.log.WithField("snapshot", name).Info("matching snapshot complete")
	return name, nil
}

// Close releases the WAL writer and the directory lock.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.w.Close()
	s.lock.Release()
	return err
}

// Replay implements replay.Upstream[Trade] for SettlementService's own
// cascading recovery (spec.md §4.3 "replay_trades(from_trade_id,
// to_trade_id?)"). from and bound key on trade_id, not the WAL's own
// seq_id — the two happen to track each other since every WAL record this
// service writes is a Trade, but that's an implementation detail no caller
// should have to rely on, so every record is decoded and filtered on its
// trade_id rather than skipped by WAL position.
func (s *Service) Replay(from uint64, bound replay.Bound, fn replay.Stop[Trade]) error {
	_, err := wal.ReplayDir(s.walDir, 1, func(rec wal.Record) (bool, error) {
		if rec.Header.EntryType != wal.EntryTrade {
			return false, nil
		}
		t, derr := decodeTrade(rec.Payload)
		if derr != nil {
			return false, derr
		}
		if t.TradeID < from {
			return false, nil
		}
		if bound.Bound && t.TradeID > bound.To {
			return true, nil
		}
		cberr := fn(t)
		if cberr == replay.StopErr {
			return true, nil
		}
		if cberr != nil {
			return false, cberr
		}
		return false, nil
	})
	return err
}
