package ubscore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"exchange-core/internal/config"
	"exchange-core/internal/dirlock"
	"exchange-core/internal/replay"
	"exchange-core/internal/snapshot"
	"exchange-core/internal/wal"
	"exchange-core/internal/walerr"
)

const schemaVersion = 1

// Service is UBSCore: the authoritative balance ledger, protected by a WAL
// and periodic snapshots. It is single-writer — Commit-shaped methods are
// serialized by mu, which is the mutual-exclusion equivalent of the single
// logical worker spec.md §5 describes; Replay reads the WAL files from disk
// and SnapshotNow takes a copy under mu.
type Service struct {
	mu sync.Mutex

	log          *logrus.Entry
	dataDir      string
	walDir       string
	snapshotsDir string
	cfg          config.ServiceConfig

	lock *dirlock.Lock
	w    *wal.Writer
	l    *ledger

	sinceSnapshot  int
	lastSnapshotAt time.Time

	subscribers []func(ValidOrder)
}

// Open recovers UBSCore from dataDir (snapshot + WAL replay) and returns a
// ready Service, per spec.md §4.2 "Recovery".
func Open(dataDir string, cfg config.ServiceConfig, log *logrus.Entry) (*Service, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("service", "ubscore")

	lock, err := dirlock.Acquire(dataDir)
	if err != nil {
		return nil, err
	}

	walDir := filepath.Join(dataDir, "wal")
	snapshotsDir := filepath.Join(dataDir, "snapshots")
	if err := os.MkdirAll(walDir, 0o755); err != nil {
		lock.Release()
		return nil, walerr.NewIoError("mkdir ubscore wal dir", err)
	}
	if err := os.MkdirAll(snapshotsDir, 0o755); err != nil {
		lock.Release()
		return nil, walerr.NewIoError("mkdir ubscore snapshots dir", err)
	}

	l := newLedger()
	cursor := wal.Cursor{}

	if dir, meta, ok := snapshot.Latest(snapshotsDir); ok {
		data, rerr := os.ReadFile(filepath.Join(dir, "accounts.bin"))
		if rerr != nil {
			log.WithError(rerr).Warn("failed to read accounts.bin from latest snapshot, starting from empty state")
		} else if accounts, derr := decodeAccounts(data); derr != nil {
			log.WithError(derr).Warn("accounts.bin failed crc64 verification, starting from empty state")
		} else {
			l.accounts = accounts
			cursor = meta.WALCursor
			log.WithField("cursor", cursor).Info("loaded ubscore snapshot")
		}
	}

	svc := &Service{
		log:          log,
		dataDir:      dataDir,
		walDir:       walDir,
		snapshotsDir: snapshotsDir,
		cfg:          cfg,
		lock:         lock,
		l:            l,
		lastSnapshotAt: time.Now(),
	}

	// seq_id is 1-based (the first record ever written carries seq_id 1),
	// so a zero-value cursor unambiguously means "nothing replayed yet" and
	// replay always starts at cursor.SeqID+1, snapshot or no snapshot.
	finalCursor, err := wal.ReplayDir(walDir, cursor.SeqID+1, func(rec wal.Record) (bool, error) {
		svc.applyRecovered(rec)
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

	nextSeq := cursor.SeqID + 1
	w, err := wal.OpenWriter(walDir, cursor.Epoch, nextSeq)
	if err != nil {
		lock.Release()
		return nil, err
	}
	svc.w = w

	log.WithField("next_seq_id", nextSeq).Info("ubscore recovered")
	return svc, nil
}

// applyRecovered replays a single WAL record into the ledger without
// re-appending it. It does not notify subscribers; a downstream consumer
// obtains the recovered ValidOrder stream through Replay instead.
func (s *Service) applyRecovered(rec wal.Record) {
	cmdAny, err := decodeAny(rec.Header.EntryType, rec.Payload)
	if err != nil {
		s.log.WithError(err).Warn("failed to decode recovered record, skipping")
		return
	}
	switch cmd := cmdAny.(type) {
	case PlaceOrderCmd:
		s.l.applyPlaceOrder(cmd)
	case CancelOrderCmd:
		s.l.applyCancelOrder(cmd)
	case DepositCmd:
		s.l.applyDeposit(cmd)
	case WithdrawCmd:
		s.l.applyWithdraw(cmd)
	case BalanceSettlementCmd:
		s.l.applyBalanceSettlement(cmd)
	}
}

// Subscribe registers fn to be called with every ValidOrder UBSCore commits
// from here on (step 4 of the write-ahead discipline: "enqueue the result
// to downstream consumers"). It is how MatchingService stays live after
// its own cascading recovery has caught it up.
func (s *Service) Subscribe(fn func(ValidOrder)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

func (s *Service) notify(v ValidOrder) {
	for _, fn := range s.subscribers {
		fn(v)
	}
}

// commit is the single choke point every state-mutating command passes
// through: validate, append+flush, mutate, (caller notifies if needed).
// Skipping any step is not possible from outside this package — there is
// no other way to reach the ledger.
func (s *Service) commit(entryType wal.EntryType, payload any, validate func() error, apply func()) (wal.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := validate(); err != nil {
		return wal.Cursor{}, rejectedErr(err)
	}

	body, err := encodePayload(payload)
	if err != nil {
		return wal.Cursor{}, fmt.Errorf("encode payload: %w", err)
	}

	cursor, err := s.w.Append(entryType, body)
	if err != nil {
		return wal.Cursor{}, err
	}
	if err := s.w.Flush(); err != nil {
		return wal.Cursor{}, err
	}

	apply()
	s.sinceSnapshot++
	return cursor, nil
}

// PlaceOrder validates and locks the funds an order needs, producing the
// ValidOrder event MatchingService consumes.
func (s *Service) PlaceOrder(cmd PlaceOrderCmd) (ValidOrder, error) {
	cursor, err := s.commit(wal.EntryPlaceOrder, cmd,
		func() error { return s.l.validatePlaceOrder(cmd) },
		func() { s.l.applyPlaceOrder(cmd) },
	)
	if err != nil {
		return ValidOrder{}, err
	}
	vo := ValidOrder{
		Seq: cursor.SeqID, OrderID: cmd.OrderID, Symbol: cmd.Symbol,
		Side: cmd.Side, Price: cmd.Price, Qty: cmd.Qty, User: cmd.User,
		At: time.Now().UTC(),
	}
	s.mu.Lock()
	s.notify(vo)
	s.mu.Unlock()
	return vo, nil
}

// CancelOrder releases the funds a resting order had locked.
func (s *Service) CancelOrder(cmd CancelOrderCmd) (ValidOrder, error) {
	cursor, err := s.commit(wal.EntryCancelOrder, cmd,
		func() error { return s.l.validateCancelOrder(cmd) },
		func() { s.l.applyCancelOrder(cmd) },
	)
	if err != nil {
		return ValidOrder{}, err
	}
	vo := ValidOrder{Seq: cursor.SeqID, OrderID: cmd.OrderID, User: cmd.User, Canceled: true, At: time.Now().UTC()}
	s.mu.Lock()
	s.notify(vo)
	s.mu.Unlock()
	return vo, nil
}

// Deposit credits available balance.
func (s *Service) Deposit(cmd DepositCmd) error {
	_, err := s.commit(wal.EntryDeposit, cmd,
		func() error { return s.l.validateDeposit(cmd) },
		func() { s.l.applyDeposit(cmd) },
	)
	return err
}

// Withdraw debits available balance.
func (s *Service) Withdraw(cmd WithdrawCmd) error {
	_, err := s.commit(wal.EntryWithdraw, cmd,
		func() error { return s.l.validateWithdraw(cmd) },
		func() { s.l.applyWithdraw(cmd) },
	)
	return err
}

// SettleBalance applies a trade's balance effects to one account.
func (s *Service) SettleBalance(cmd BalanceSettlementCmd) error {
	_, err := s.commit(wal.EntryBalanceSettlement, cmd,
		func() error { return s.l.validateBalanceSettlement(cmd) },
		func() { s.l.applyBalanceSettlement(cmd) },
	)
	return err
}

// Account returns a point-in-time copy of one ledger row.
func (s *Service) Account(k AccountKey) Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.l.get(k)
}

// NextSeqID reports the seq_id the next WAL append will assign.
func (s *Service) NextSeqID() uint64 {
	return s.w.NextSeqID()
}

// MaybeSnapshot forces a snapshot if either cadence threshold has been
// crossed since the last one, per spec.md §4.2.
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
	accounts := s.l.snapshotCopy()
	cursor := wal.Cursor{Epoch: s.w.Epoch(), SeqID: s.w.NextSeqID() - 1}
	s.mu.Unlock()

	b, err := snapshot.Begin(s.snapshotsDir)
	if err != nil {
		return "", err
	}
	if err := b.WriteFile("accounts.bin", encodeAccounts(accounts)); err != nil {
		b.Abandon()
		return "", err
	}
	name, err := b.Finalize("ubscore", schemaVersion, cursor)
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

	s.log.WithField("snapshot", name).Info("ubscore snapshot complete")
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

// Replay implements replay.Upstream[ValidOrder] for MatchingService's
// cascading recovery (spec.md §4.2 "Replay API"). It streams strictly by
// ascending seq_id from the WAL, not from memory, so it works identically
// whether called from a fresh process or a long-running one.
func (s *Service) Replay(from uint64, bound replay.Bound, fn replay.Stop[ValidOrder]) error {
	_, err := wal.ReplayDir(s.walDir, from, func(rec wal.Record) (bool, error) {
		if bound.Bound && rec.Header.SeqID > bound.To {
			return true, nil
		}
		var vo ValidOrder
		switch rec.Header.EntryType {
		case wal.EntryPlaceOrder:
			cmd, derr := decodePlaceOrder(rec.Payload)
			if derr != nil {
				return false, derr
			}
			vo = ValidOrder{Seq: rec.Header.SeqID, OrderID: cmd.OrderID, Symbol: cmd.Symbol, Side: cmd.Side, Price: cmd.Price, Qty: cmd.Qty, User: cmd.User}
		case wal.EntryCancelOrder:
			cmd, derr := decodeCancelOrder(rec.Payload)
			if derr != nil {
				return false, derr
			}
			vo = ValidOrder{Seq: rec.Header.SeqID, OrderID: cmd.OrderID, User: cmd.User, Canceled: true}
		default:
			return false, nil // not an order/cancel record, irrelevant to this stream
		}

		cberr := fn(vo)
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
