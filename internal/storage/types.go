package storage

import (
	"time"
)

// MeteringSession is the stored state of one metered realtime session.
type MeteringSession struct {
	ID           string    `json:"id"`
	OwnerUserID  string    `json:"owner_user_id"`
	Category     string    `json:"category"`
	StartedAt    time.Time `json:"started_at"`
	LastChargeAt time.Time `json:"last_charge_at"`
}

// LedgerEntry records a single balance mutation.
type LedgerEntry struct {
	ID          string         `json:"id"`
	UserID      string         `json:"user_id"`
	AmountMilli int64          `json:"amount_milli"`
	Reason      string         `json:"reason"`
	Meta        map[string]any `json:"meta,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}
