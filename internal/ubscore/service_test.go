package ubscore

import (
	"os"
	"path/filepath"
	"testing"

	"exchange-core/internal/config"
)

func testConfig() config.ServiceConfig {
	return config.ServiceConfig{SnapshotEvery: 1 << 30} // effectively "never" unless forced
}

func fundAccount(t *testing.T, s *Service, user, asset string, amount int64) {
	t.Helper()
	if err := s.Deposit(DepositCmd{Account: user, Asset: asset, Amount: amount}); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
}

// TestSnapshotPlusWALRoundTrip is spec.md §8 Scenario 1: 1000 PlaceOrder
// commands, a forced snapshot, 500 more commands, a hard restart. Every
// command must be reflected in recovered state and next_seq_id must be
// 1502 (the 1500 orders plus the funding deposit occupy seq_ids 1..1501).
func TestSnapshotPlusWALRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, testConfig(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	fundAccount(t, s, "alice", "USD", 10_000_000)

	for i := uint64(1); i <= 1000; i++ {
		if _, err := s.PlaceOrder(PlaceOrderCmd{
			OrderID: i, Symbol: "BTC-USD", Side: Buy, Price: 100, Qty: 1,
			User: "alice", Asset: "USD", Amount: 100,
		}); err != nil {
			t.Fatalf("PlaceOrder %d: %v", i, err)
		}
	}
	if _, err := s.SnapshotNow(); err != nil {
		t.Fatalf("SnapshotNow: %v", err)
	}
	for i := uint64(1001); i <= 1500; i++ {
		if _, err := s.PlaceOrder(PlaceOrderCmd{
			OrderID: i, Symbol: "BTC-USD", Side: Buy, Price: 100, Qty: 1,
			User: "alice", Asset: "USD", Amount: 100,
		}); err != nil {
			t.Fatalf("PlaceOrder %d: %v", i, err)
		}
	}

	// Simulate a restart: Close only releases the directory lock and the WAL
	// file descriptor here (every commit already flushed its own record), so
	// this exercises the same recovery path a hard kill would.
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	s2, err := Open(dir, testConfig(), nil)
	if err != nil {
		t.Fatalf("re-Open: %v", err)
	}
	defer s2.Close()

	if s2.NextSeqID() != 1502 {
		// 1500 orders + 1 deposit = 1501 records, so next seq is 1502.
		t.Fatalf("NextSeqID = %d, want 1502", s2.NextSeqID())
	}
	acc := s2.Account(AccountKey{User: "alice", Asset: "USD"})
	if acc.Frozen != 150_000 {
		t.Fatalf("frozen = %d, want 150000 (1500 orders * 100)", acc.Frozen)
	}
}

// TestZombieSnapshotIsIgnored is spec.md §8 Scenario 3.
func TestZombieSnapshotIsIgnored(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, testConfig(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	fundAccount(t, s, "bob", "USD", 1000)
	if _, err := s.PlaceOrder(PlaceOrderCmd{OrderID: 1, Symbol: "BTC-USD", Side: Buy, Price: 1, Qty: 1, User: "bob", Asset: "USD", Amount: 500}); err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Fabricate a snapshot directory with no COMPLETE marker.
	snapshotsDir := filepath.Join(dir, "snapshots")
	zombieDir := filepath.Join(snapshotsDir, "snapshot-999")
	if err := os.MkdirAll(zombieDir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(zombieDir, "metadata.json"), []byte(`{"service":"ubscore"}`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.Symlink("snapshot-999", filepath.Join(snapshotsDir, "latest")); err != nil {
		t.Fatalf("Symlink: %v", err)
	}

	s2, err := Open(dir, testConfig(), nil)
	if err != nil {
		t.Fatalf("re-Open after zombie snapshot: %v", err)
	}
	defer s2.Close()

	acc := s2.Account(AccountKey{User: "bob", Asset: "USD"})
	if acc.Frozen != 500 {
		t.Fatalf("frozen = %d, want 500 (recovered via WAL replay, not the zombie snapshot)", acc.Frozen)
	}
}

// TestCorruptedAccountsSnapshotFallsBackToWAL is spec.md §8 Scenario 6.
func TestCorruptedAccountsSnapshotFallsBackToWAL(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, testConfig(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	fundAccount(t, s, "carol", "USD", 5000)
	if _, err := s.PlaceOrder(PlaceOrderCmd{OrderID: 1, Symbol: "BTC-USD", Side: Buy, Price: 1, Qty: 1, User: "carol", Asset: "USD", Amount: 1000}); err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if _, err := s.SnapshotNow(); err != nil {
		t.Fatalf("SnapshotNow: %v", err)
	}
	wantFrozen := s.Account(AccountKey{User: "carol", Asset: "USD"}).Frozen
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	snapshotsDir := filepath.Join(dir, "snapshots")
	target, err := os.Readlink(filepath.Join(snapshotsDir, "latest"))
	if err != nil {
		t.Fatalf("Readlink: %v", err)
	}
	accountsPath := filepath.Join(snapshotsDir, target, "accounts.bin")
	data, err := os.ReadFile(accountsPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	data[0] ^= 0xFF
	if err := os.WriteFile(accountsPath, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	s2, err := Open(dir, testConfig(), nil)
	if err != nil {
		t.Fatalf("re-Open after corrupted snapshot: %v", err)
	}
	defer s2.Close()

	got := s2.Account(AccountKey{User: "carol", Asset: "USD"}).Frozen
	if got != wantFrozen {
		t.Fatalf("frozen after fallback replay = %d, want %d", got, wantFrozen)
	}
}
