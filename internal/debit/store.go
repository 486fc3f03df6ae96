package debit

import (
	"context"
	"errors"
	"time"

	"github.com/goodtune/tokenmeter/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// milliPlaces is the number of decimal places kept by ledger-backed balances.
const milliPlaces = 3

// ReasonGrant is recorded on ledger entries created by Grant.
const ReasonGrant = "GRANT"

// StoreDebiter debits balances held in a storage.BalanceStore.
type StoreDebiter struct {
	store storage.BalanceStore
	now   func() time.Time
}

// NewStoreDebiter creates a Debiter over a ledger-backed balance store.
func NewStoreDebiter(store storage.BalanceStore) *StoreDebiter {
	return &StoreDebiter{
		store: store,
		now:   time.Now,
	}
}

// Debit implements Debiter.
func (d *StoreDebiter) Debit(ctx context.Context, req Request) (decimal.Decimal, error) {
	if err := req.Validate(); err != nil {
		return decimal.Zero, err
	}

	milli, err := toMilli(req.Amount)
	if err != nil {
		return decimal.Zero, err
	}

	balance, err := d.store.Debit(ctx, storage.LedgerEntry{
		ID:          uuid.NewString(),
		UserID:      req.UserID,
		AmountMilli: milli,
		Reason:      req.Reason,
		Meta:        req.Meta,
		CreatedAt:   d.now().UTC(),
	})
	if err != nil {
		return decimal.Zero, mapStoreError(err)
	}

	return fromMilli(balance), nil
}

// Balance implements Debiter.
func (d *StoreDebiter) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	balance, err := d.store.Balance(ctx, userID)
	if err != nil {
		return decimal.Zero, mapStoreError(err)
	}
	return fromMilli(balance), nil
}

// Grant credits tokens to a user, creating the balance if needed.
func (d *StoreDebiter) Grant(ctx context.Context, userID string, amount decimal.Decimal, note string) (decimal.Decimal, error) {
	if userID == "" {
		return decimal.Zero, newInvalidRequestError("user id is required")
	}
	if !amount.IsPositive() {
		return decimal.Zero, newInvalidRequestError("amount must be positive")
	}

	milli, err := toMilli(amount)
	if err != nil {
		return decimal.Zero, err
	}

	var meta map[string]any
	if note != "" {
		meta = map[string]any{"note": note}
	}

	balance, err := d.store.Credit(ctx, storage.LedgerEntry{
		ID:          uuid.NewString(),
		UserID:      userID,
		AmountMilli: milli,
		Reason:      ReasonGrant,
		Meta:        meta,
		CreatedAt:   d.now().UTC(),
	})
	if err != nil {
		return decimal.Zero, mapStoreError(err)
	}
	return fromMilli(balance), nil
}

// History returns the most recent ledger entries for a user.
func (d *StoreDebiter) History(ctx context.Context, userID string, limit int) ([]storage.LedgerEntry, error) {
	entries, err := d.store.Ledger(ctx, userID, limit)
	if err != nil {
		return nil, mapStoreError(err)
	}
	return entries, nil
}

func toMilli(amount decimal.Decimal) (int64, error) {
	if !amount.Equal(amount.Truncate(milliPlaces)) {
		return 0, newInvalidRequestError("amount supports at most 3 decimal places")
	}
	return amount.Shift(milliPlaces).IntPart(), nil
}

func fromMilli(milli int64) decimal.Decimal {
	return decimal.New(milli, -milliPlaces)
}

func mapStoreError(err error) error {
	switch {
	case errors.Is(err, storage.ErrInsufficientBalance):
		return ErrInsufficientBalance
	case errors.Is(err, storage.ErrNotFound):
		return ErrUnknownUser
	default:
		return newBackendError("balance store", err)
	}
}

var _ Debiter = (*StoreDebiter)(nil)
