package metering

import (
	"context"
	"fmt"
	"strings"

	"github.com/goodtune/tokenmeter/internal/debit"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// DefaultPages are the pages allowed to consume fixed amounts.
var DefaultPages = []string{"DRILL", "LIVE", "REALTIME"}

// DefaultMaxConsumeAmount caps a single fixed-amount consumption.
var DefaultMaxConsumeAmount = decimal.NewFromInt(10)

// GatewayConfig holds fixed-amount consumption limits
type GatewayConfig struct {
	Pages     []string
	MaxAmount decimal.Decimal
}

// Gateway performs validated single-shot debits for non-session actions.
type Gateway struct {
	debiter   debit.Debiter
	pages     map[string]struct{}
	maxAmount decimal.Decimal
	logger    zerolog.Logger
}

// NewGateway creates a fixed-amount consumption gateway.
func NewGateway(debiter debit.Debiter, config GatewayConfig, logger zerolog.Logger) *Gateway {
	pages := config.Pages
	if len(pages) == 0 {
		pages = DefaultPages
	}
	maxAmount := config.MaxAmount
	if !maxAmount.IsPositive() {
		maxAmount = DefaultMaxConsumeAmount
	}

	allowed := make(map[string]struct{}, len(pages))
	for _, p := range pages {
		allowed[strings.ToUpper(p)] = struct{}{}
	}

	return &Gateway{
		debiter:   debiter,
		pages:     allowed,
		maxAmount: maxAmount,
		logger:    logger.With().Str("component", "consume-gateway").Logger(),
	}
}

// MaxAmount returns the per-call ceiling.
func (g *Gateway) MaxAmount() decimal.Decimal {
	return g.maxAmount
}

// Consume debits amount from userID with a reason derived from page.
func (g *Gateway) Consume(ctx context.Context, userID, page string, amount decimal.Decimal, meta map[string]any) (decimal.Decimal, error) {
	if _, ok := g.pages[page]; !ok {
		return decimal.Zero, &ValidationError{Field: "page", Message: "unsupported page"}
	}
	if !amount.IsPositive() {
		return decimal.Zero, &ValidationError{Field: "amount", Message: "must be greater than 0"}
	}
	if amount.GreaterThan(g.maxAmount) {
		return decimal.Zero, &ValidationError{Field: "amount", Message: fmt.Sprintf("must not exceed %s", g.maxAmount)}
	}

	balance, err := g.debiter.Debit(ctx, debit.Request{
		UserID: userID,
		Amount: amount,
		Reason: debit.ReasonForPage(page),
		Meta:   meta,
	})
	if err != nil {
		return decimal.Zero, err
	}

	g.logger.Debug().
		Str("user_id", userID).
		Str("page", page).
		Str("amount", amount.String()).
		Str("balance", balance.String()).
		Msg("Consumed tokens")

	return balance, nil
}

// Balance returns the caller's current balance.
func (g *Gateway) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	return g.debiter.Balance(ctx, userID)
}
