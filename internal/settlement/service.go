package settlement

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"exchange-core/internal/config"
	"exchange-core/internal/dirlock"
	"exchange-core/internal/matching"
	"exchange-core/internal/replay"
	"exchange-core/internal/snapshot"
	"exchange-core/internal/wal"
	"exchange-core/internal/walerr"
)

const (
	schemaVersion         = 1
	snapshotFormatVersion = 1
)

// Service is SettlementService. Its only durable state is last_trade_id; it
// re-derives forward progress by requesting MatchingService replay trades
// past that watermark, both at startup and, after a restart catches it up,
// live via Subscribe on MatchingService.
type Service struct {
	mu sync.Mutex

	log                           *logrus.Entry
	dataDir, walDir, snapshotsDir string
	cfg                           config.ServiceConfig

	lock     *dirlock.Lock
	w        *wal.Writer
	upstream replay.Upstream[matching.Trade]

	lastTradeID     uint64
	sinceCheckpoint int

	sinceSnapshot  int
	lastSnapshotAt time.Time
}

// Open recovers SettlementService per spec.md §4.4: load the snapshot if
// one exists, replay local WAL checkpoints (the final one wins), then
// request MatchingService to replay trades from last_trade_id+1 so any
// trade committed while this service was down is still processed.
func Open(dataDir string, cfg config.ServiceConfig, upstream replay.Upstream[matching.Trade], log *logrus.Entry) (*Service, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("service", "settlement")

	lock, err := dirlock.Acquire(dataDir)
	if err != nil {
		return nil, err
	}

	walDir := filepath.Join(dataDir, "wal")
	snapshotsDir := filepath.Join(dataDir, "snapshots")
	if err := os.MkdirAll(walDir, 0o755); err != nil {
		lock.Release()
		return nil, walerr.NewIoError("mkdir settlement wal dir", err)
	}
	if err := os.MkdirAll(snapshotsDir, 0o755); err != nil {
		lock.Release()
		return nil, walerr.NewIoError("mkdir settlement snapshots dir", err)
	}

	var lastTradeID uint64
	cursor := wal.Cursor{}

	if dir, meta, ok := snapshot.Latest(snapshotsDir); ok {
		data, rerr := os.ReadFile(filepath.Join(dir, "checkpoint.json"))
		if rerr != nil {
			log.WithError(rerr).Warn("failed to read checkpoint.json from latest snapshot, starting from zero")
		} else if body, derr := decodeSnapshotBody(data); derr != nil {
			log.WithError(derr).Warn("checkpoint.json failed to parse, starting from zero")
		} else {
			lastTradeID = body.LastTradeID
			cursor = meta.WALCursor
			log.WithField("cursor", cursor).Info("loaded settlement snapshot")
		}
	}

	svc := &Service{
		log:            log,
		dataDir:        dataDir,
		walDir:         walDir,
		snapshotsDir:   snapshotsDir,
		cfg:            cfg,
		lock:           lock,
		upstream:       upstream,
		lastTradeID:    lastTradeID,
		lastSnapshotAt: time.Now(),
	}

	finalCursor, err := wal.ReplayDir(walDir, cursor.SeqID+1, func(rec wal.Record) (bool, error) {
		if rec.Header.EntryType != wal.EntrySettlementCheckpoint {
			return false, nil
		}
		c, derr := decodeCheckpoint(rec.Payload)
		if derr != nil {
			return false, derr
		}
		svc.lastTradeID = c.LastTradeID
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

	// Catch up on trades committed upstream while this service was down or
	// never yet seen, per spec.md §4.4 "requests MatchingService to replay
	// trades forward from last_trade_id + 1 at runtime".
	from := svc.lastTradeID + 1
	if rerr := upstream.Replay(from, replay.Bound{}, func(t matching.Trade) error {
		return svc.ProcessTrade(t)
	}); rerr != nil {
		w.Close()
		lock.Release()
		return nil, rerr
	}

	log.WithField("last_trade_id", svc.lastTradeID).Info("settlement recovered")
	return svc, nil
}

// ProcessTrade applies one trade's settlement progress. Trades at or below
// the current watermark are no-ops (spec.md §4.4 idempotency); ingesting a
// trade past it advances the watermark and, once enough trades have
// accumulated since the last durable checkpoint, writes one.
func (s *Service) ProcessTrade(t matching.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.TradeID <= s.lastTradeID {
		return nil
	}

	s.lastTradeID = t.TradeID
	s.sinceCheckpoint++
	s.sinceSnapshot++

	every := s.cfg.CheckpointEveryTrades
	if every <= 0 {
		every = 1
	}
	if s.sinceCheckpoint >= every {
		return s.writeCheckpointLocked()
	}
	return nil
}

func (s *Service) writeCheckpointLocked() error {
	body, err := encodeCheckpoint(CheckpointRecord{LastTradeID: s.lastTradeID})
	if err != nil {
		return err
	}
	if _, err := s.w.Append(wal.EntrySettlementCheckpoint, body); err != nil {
		return err
	}
	if err := s.w.Flush(); err != nil {
		return err
	}
	s.sinceCheckpoint = 0
	return nil
}

// FlushCheckpoint forces a durable checkpoint for whatever progress has
// accumulated since the last one, even if the rate-limit threshold has not
// been reached. Used on graceful shutdown to minimize redo on next boot.
func (s *Service) FlushCheckpoint() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sinceCheckpoint == 0 {
		return nil
	}
	return s.writeCheckpointLocked()
}

// LastTradeID reports the current watermark.
func (s *Service) LastTradeID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTradeID
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
	lastTradeID := s.lastTradeID
	cursor := wal.Cursor{Epoch: s.w.Epoch(), SeqID: s.w.NextSeqID() - 1}
	s.mu.Unlock()

	body := encodeSnapshotBody(SnapshotBody{
		FormatVersion: snapshotFormatVersion,
		LastTradeID:   lastTradeID,
		CreatedAt:     time.Now().UTC(),
	})

	b, err := snapshot.Begin(s.snapshotsDir)
	if err != nil {
		return "", err
	}
	if err := b.WriteFile("checkpoint.json", body); err != nil {
		b.Abandon()
		return "", err
	}
	name, err := b.Finalize("settlement", schemaVersion, cursor)
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

	s.log.WithField("snapshot", name).Info("settlement snapshot complete")
	return name, nil
}

// Close flushes any pending checkpoint, releases the WAL writer, and
// releases the directory lock.
func (s *Service) Close() error {
	if err := s.FlushCheckpoint(); err != nil {
		s.log.WithError(err).Warn("failed to flush final checkpoint on close")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.w.Close()
	s.lock.Release()
	return err
}
