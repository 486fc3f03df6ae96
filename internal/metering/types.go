package metering

import (
	"time"

	"github.com/shopspring/decimal"
)

// CategoryRealtime is the only metered session category.
const CategoryRealtime = "REALTIME"

// Defaults applied when a Config field is left zero.
const (
	DefaultBeatInterval = 10 * time.Second
	DefaultMinBeatRatio = 0.9
	DefaultIdleTimeout  = 2 * time.Minute
)

// DefaultTokensPerBeat is charged upfront on start and on every due beat.
var DefaultTokensPerBeat = decimal.RequireFromString("1.5")

// Config holds registry configuration
type Config struct {
	BeatInterval  time.Duration
	TokensPerBeat decimal.Decimal
	MinBeatRatio  float64
	IdleTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.BeatInterval <= 0 {
		c.BeatInterval = DefaultBeatInterval
	}
	if !c.TokensPerBeat.IsPositive() {
		c.TokensPerBeat = DefaultTokensPerBeat
	}
	if c.MinBeatRatio <= 0 || c.MinBeatRatio > 1 {
		c.MinBeatRatio = DefaultMinBeatRatio
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	return c
}

// StartResult is returned by a successful Start.
type StartResult struct {
	SessionID     string
	BeatInterval  time.Duration
	TokensPerBeat decimal.Decimal
	Balance       decimal.Decimal
}

// BeatResult reports whether a beat charged the session.
// Balance is only set when Charged is true.
type BeatResult struct {
	Charged bool
	Balance *decimal.Decimal
}
