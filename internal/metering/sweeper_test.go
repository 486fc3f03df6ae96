package metering

import (
	"context"
	"testing"
	"time"

	"github.com/goodtune/tokenmeter/internal/storage"
	"github.com/goodtune/tokenmeter/internal/storage/memory"
	"github.com/rs/zerolog"
)

func TestSweeper_RemovesIdleSessions(t *testing.T) {
	store := memory.NewSessionStore()
	clock := NewTestClock(testEpoch)
	ctx := context.Background()

	_ = store.Create(ctx, storage.MeteringSession{ID: "old", OwnerUserID: "alice", LastChargeAt: testEpoch}, time.Minute)
	_ = store.Create(ctx, storage.MeteringSession{ID: "fresh", OwnerUserID: "alice", LastChargeAt: testEpoch.Add(90 * time.Second)}, time.Minute)

	sweeper := NewSweeper(store, time.Minute, clock, zerolog.Nop())

	if n := sweeper.Sweep(ctx); n != 0 {
		t.Errorf("Expected nothing swept yet, got %d", n)
	}

	clock.Advance(2 * time.Minute)
	if n := sweeper.Sweep(ctx); n != 1 {
		t.Errorf("Expected 1 session swept, got %d", n)
	}

	if count, _ := store.Count(ctx); count != 1 {
		t.Errorf("Expected 1 remaining session, got %d", count)
	}
}

func TestSweeper_StartStop(t *testing.T) {
	sweeper := NewSweeper(memory.NewSessionStore(), 10*time.Millisecond, nil, zerolog.Nop())
	sweeper.Start()
	time.Sleep(30 * time.Millisecond)
	sweeper.Stop()
}
