package redis

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goodtune/tokenmeter/internal/config"
	"github.com/goodtune/tokenmeter/internal/storage"
)

func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	// miniredis.Addr() returns "host:port", so it is used as the host with no port
	cfg := config.RedisConfig{
		Host:         mr.Addr(),
		Port:         0,
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 5,
		DialTimeout:  "5s",
		ReadTimeout:  "3s",
		WriteTimeout: "3s",
		KeyPrefix:    "test",
	}

	store, err := Open(cfg)
	if err != nil {
		t.Fatalf("Failed to open Redis store: %v", err)
	}

	return store, mr
}

func testSession(id string, at time.Time) storage.MeteringSession {
	return storage.MeteringSession{
		ID:           id,
		OwnerUserID:  "user-1",
		Category:     "REALTIME",
		StartedAt:    at,
		LastChargeAt: at,
	}
}

func TestOpen_InvalidTimeout(t *testing.T) {
	_, err := Open(config.RedisConfig{Host: "localhost", DialTimeout: "bogus"})
	if err == nil {
		t.Fatal("Expected error for invalid dial timeout")
	}
}

func TestSessionStore_CreateAndGet(t *testing.T) {
	store, mr := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	sessions := store.Sessions()
	now := time.Date(2025, 1, 15, 10, 0, 0, 123456789, time.UTC)

	if err := sessions.Create(ctx, testSession("s1", now), 2*time.Minute); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := sessions.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.OwnerUserID != "user-1" {
		t.Errorf("Expected owner user-1, got %s", got.OwnerUserID)
	}
	if got.Category != "REALTIME" {
		t.Errorf("Expected category REALTIME, got %s", got.Category)
	}
	if !got.LastChargeAt.Equal(now) {
		t.Errorf("Expected last charge %v, got %v", now, got.LastChargeAt)
	}

	if ttl := mr.TTL("test:session:s1"); ttl != 2*time.Minute {
		t.Errorf("Expected TTL 2m, got %v", ttl)
	}

	if _, err := sessions.Get(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestSessionStore_Expiry(t *testing.T) {
	store, mr := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	sessions := store.Sessions()
	now := time.Now()

	_ = sessions.Create(ctx, testSession("s1", now), time.Minute)
	mr.FastForward(2 * time.Minute)

	if _, err := sessions.Get(ctx, "s1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected expired session to be gone, got %v", err)
	}
}

func TestSessionStore_AdvanceCharge(t *testing.T) {
	store, mr := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	sessions := store.Sessions()
	start := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
	next := start.Add(10 * time.Second)

	_ = sessions.Create(ctx, testSession("s1", start), time.Minute)
	mr.FastForward(30 * time.Second)

	ok, err := sessions.AdvanceCharge(ctx, "s1", start, next, time.Minute)
	if err != nil {
		t.Fatalf("AdvanceCharge failed: %v", err)
	}
	if !ok {
		t.Fatal("Expected swap to succeed")
	}
	if ttl := mr.TTL("test:session:s1"); ttl != time.Minute {
		t.Errorf("Expected TTL refreshed to 1m, got %v", ttl)
	}

	ok, _ = sessions.AdvanceCharge(ctx, "s1", start, next.Add(time.Second), time.Minute)
	if ok {
		t.Error("Expected stale swap to fail")
	}

	got, _ := sessions.Get(ctx, "s1")
	if !got.LastChargeAt.Equal(next) {
		t.Errorf("Expected last charge %v, got %v", next, got.LastChargeAt)
	}
}

func TestSessionStore_AdvanceChargeConcurrent(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	sessions := store.Sessions()
	start := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
	_ = sessions.Create(ctx, testSession("s1", start), time.Minute)

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := sessions.AdvanceCharge(ctx, "s1", start, start.Add(10*time.Second), time.Minute)
			if err != nil {
				t.Errorf("AdvanceCharge failed: %v", err)
				return
			}
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("Expected exactly 1 winner, got %d", wins)
	}
}

func TestSessionStore_DeleteAndCount(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	sessions := store.Sessions()
	now := time.Now()

	_ = sessions.Create(ctx, testSession("s1", now), time.Minute)
	_ = sessions.Create(ctx, testSession("s2", now), time.Minute)

	count, err := sessions.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 sessions, got %d", count)
	}

	deleted, err := sessions.Delete(ctx, "s1")
	if err != nil || !deleted {
		t.Fatalf("Expected delete to succeed, got deleted=%v err=%v", deleted, err)
	}
	deleted, _ = sessions.Delete(ctx, "s1")
	if deleted {
		t.Error("Expected second delete to report false")
	}

	count, _ = sessions.Count(ctx)
	if count != 1 {
		t.Errorf("Expected 1 session, got %d", count)
	}
}

func TestBalanceStore_DebitAndCredit(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	balances := store.Balances()

	_, err := balances.Debit(ctx, storage.LedgerEntry{ID: "e0", UserID: "user-1", AmountMilli: 1500, Reason: "METERED_DRILL"})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound for unknown user, got %v", err)
	}

	balance, err := balances.Credit(ctx, storage.LedgerEntry{ID: "e1", UserID: "user-1", AmountMilli: 3000, Reason: "GRANT"})
	if err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	if balance != 3000 {
		t.Errorf("Expected balance 3000, got %d", balance)
	}

	balance, err = balances.Debit(ctx, storage.LedgerEntry{
		ID:          "e2",
		UserID:      "user-1",
		AmountMilli: 1500,
		Reason:      "METERED_REALTIME_BEAT",
		Meta:        map[string]any{"elapsed_seconds": 10},
	})
	if err != nil {
		t.Fatalf("Debit failed: %v", err)
	}
	if balance != 1500 {
		t.Errorf("Expected balance 1500, got %d", balance)
	}

	_, err = balances.Debit(ctx, storage.LedgerEntry{ID: "e3", UserID: "user-1", AmountMilli: 2000, Reason: "METERED_LIVE"})
	if !errors.Is(err, storage.ErrInsufficientBalance) {
		t.Fatalf("Expected ErrInsufficientBalance, got %v", err)
	}

	current, err := balances.Balance(ctx, "user-1")
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if current != 1500 {
		t.Errorf("Expected failed debit to leave balance at 1500, got %d", current)
	}

	ledger, err := balances.Ledger(ctx, "user-1", 10)
	if err != nil {
		t.Fatalf("Ledger failed: %v", err)
	}
	if len(ledger) != 2 {
		t.Fatalf("Expected 2 ledger entries, got %d", len(ledger))
	}
	if ledger[0].Reason != "METERED_REALTIME_BEAT" {
		t.Errorf("Expected most recent entry first, got %s", ledger[0].Reason)
	}
	if ledger[1].Reason != "GRANT" {
		t.Errorf("Expected grant entry second, got %s", ledger[1].Reason)
	}
}

func TestBalanceStore_NeverNegativeUnderContention(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	balances := store.Balances()
	_, _ = balances.Credit(ctx, storage.LedgerEntry{ID: "seed", UserID: "user-1", AmountMilli: 4500, Reason: "GRANT"})

	var succeeded int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := balances.Debit(ctx, storage.LedgerEntry{UserID: "user-1", AmountMilli: 1500, Reason: "METERED_DRILL"}); err == nil {
				atomic.AddInt32(&succeeded, 1)
			}
		}()
	}
	wg.Wait()

	if succeeded != 3 {
		t.Errorf("Expected exactly 3 successful debits, got %d", succeeded)
	}
	balance, _ := balances.Balance(ctx, "user-1")
	if balance != 0 {
		t.Errorf("Expected balance 0, got %d", balance)
	}
}
