package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record is missing from storage.
	ErrNotFound = errors.New("storage: record not found")

	// ErrInsufficientBalance is returned when a debit would drive a balance below zero.
	ErrInsufficientBalance = errors.New("storage: insufficient balance")
)

// SessionStore holds metered sessions.
//
// AdvanceCharge is the only way lastChargeAt moves. It succeeds only when the
// stored value still equals from, so concurrent callers that observed the same
// value collapse to a single winner.
type SessionStore interface {
	Create(ctx context.Context, session MeteringSession, ttl time.Duration) error
	Get(ctx context.Context, id string) (*MeteringSession, error)
	Delete(ctx context.Context, id string) (bool, error)
	AdvanceCharge(ctx context.Context, id string, from, to time.Time, ttl time.Duration) (bool, error)
	DeleteIdleBefore(ctx context.Context, cutoff time.Time) (int, error)
	Count(ctx context.Context) (int, error)
}

// BalanceStore manages token balances in milli-tokens.
type BalanceStore interface {
	// Debit atomically subtracts amount and returns the new balance. It fails
	// with ErrNotFound for unknown users and ErrInsufficientBalance when the
	// result would be negative.
	Debit(ctx context.Context, entry LedgerEntry) (int64, error)
	Credit(ctx context.Context, entry LedgerEntry) (int64, error)
	Balance(ctx context.Context, userID string) (int64, error)
	Ledger(ctx context.Context, userID string, limit int) ([]LedgerEntry, error)
}
