package debit

import (
	"context"
	"errors"
	"time"

	"github.com/goodtune/tokenmeter/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type instrumented struct {
	next   Debiter
	logger zerolog.Logger
}

// Instrument wraps a Debiter with metrics and structured logging.
func Instrument(next Debiter, logger zerolog.Logger) Debiter {
	return &instrumented{
		next:   next,
		logger: logger.With().Str("component", "debit").Logger(),
	}
}

func (i *instrumented) Debit(ctx context.Context, req Request) (decimal.Decimal, error) {
	start := time.Now()
	balance, err := i.next.Debit(ctx, req)
	metrics.DebitDuration.WithLabelValues(req.Reason).Observe(time.Since(start).Seconds())

	result := resultLabel(err)
	metrics.DebitsTotal.WithLabelValues(req.Reason, result).Inc()

	if err != nil {
		event := i.logger.Warn()
		if result == string(KindBackend) {
			event = i.logger.Error()
		}
		event.Err(err).
			Str("user_id", req.UserID).
			Str("reason", req.Reason).
			Str("amount", req.Amount.String()).
			Msg("Debit failed")
		return balance, err
	}

	metrics.TokensDebited.WithLabelValues(req.Reason).Add(req.Amount.InexactFloat64())
	i.logger.Debug().
		Str("user_id", req.UserID).
		Str("reason", req.Reason).
		Str("amount", req.Amount.String()).
		Str("balance", balance.String()).
		Msg("Debited tokens")

	return balance, nil
}

func (i *instrumented) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	return i.next.Balance(ctx, userID)
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	var de *Error
	if errors.As(err, &de) {
		return string(de.Kind)
	}
	return string(KindBackend)
}
