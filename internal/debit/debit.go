// Package debit defines the atomic token debit capability and its backends.
//
// A Debiter decreases a user's stored token balance by a positive amount in a
// single atomic step and returns the resulting balance. It never lets a
// balance go negative and never deduplicates by time window; callers that
// need at-most-once charging must arrange it themselves.
package debit

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
)

// Reason codes attached to every debit.
const (
	ReasonRealtimeStart = "METERED_REALTIME_START"
	ReasonRealtimeBeat  = "METERED_REALTIME_BEAT"

	reasonPagePrefix = "METERED_"
)

// ReasonForPage derives the reason code for a fixed-amount consumption.
func ReasonForPage(page string) string {
	return reasonPagePrefix + strings.ToUpper(page)
}

// Request describes a single debit.
type Request struct {
	UserID string
	Amount decimal.Decimal
	Reason string
	Meta   map[string]any
}

// Validate checks the fields every backend relies on.
func (r Request) Validate() error {
	if r.UserID == "" {
		return newInvalidRequestError("user id is required")
	}
	if !r.Amount.IsPositive() {
		return newInvalidRequestError("amount must be positive")
	}
	if r.Reason == "" {
		return newInvalidRequestError("reason is required")
	}
	return nil
}

// Debiter is the atomic balance mutation primitive.
type Debiter interface {
	// Debit returns the balance after the debit. It fails with
	// ErrInsufficientBalance or ErrUnknownUser.
	Debit(ctx context.Context, req Request) (decimal.Decimal, error)

	// Balance returns the current balance without changing it.
	Balance(ctx context.Context, userID string) (decimal.Decimal, error)
}
