package metering

import (
	"context"
	"errors"
	"testing"

	"github.com/goodtune/tokenmeter/internal/debit"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func TestGateway_Consume(t *testing.T) {
	tests := []struct {
		name        string
		page        string
		amount      string
		wantErr     bool
		wantReason  string
		wantBalance string
	}{
		{name: "drill", page: "DRILL", amount: "2", wantReason: "METERED_DRILL", wantBalance: "18"},
		{name: "live at ceiling", page: "LIVE", amount: "10", wantReason: "METERED_LIVE", wantBalance: "10"},
		{name: "realtime fractional", page: "REALTIME", amount: "0.5", wantReason: "METERED_REALTIME", wantBalance: "19.5"},
		{name: "over ceiling", page: "DRILL", amount: "10.01", wantErr: true},
		{name: "zero amount", page: "DRILL", amount: "0", wantErr: true},
		{name: "negative amount", page: "DRILL", amount: "-1", wantErr: true},
		{name: "unknown page", page: "ADMIN", amount: "1", wantErr: true},
		{name: "lowercase page", page: "drill", amount: "1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			debiter := newFakeDebiter(map[string]string{"alice": "20"})
			gateway := NewGateway(debiter, GatewayConfig{}, zerolog.Nop())

			balance, err := gateway.Consume(context.Background(), "alice", tt.page, decimal.RequireFromString(tt.amount), map[string]any{"question": "q1"})

			if tt.wantErr {
				var verr *ValidationError
				if !errors.As(err, &verr) {
					t.Fatalf("Expected ValidationError, got %v", err)
				}
				if len(debiter.debits()) != 0 {
					t.Error("Expected debit service not to be contacted")
				}
				return
			}

			if err != nil {
				t.Fatalf("Consume failed: %v", err)
			}
			if !balance.Equal(decimal.RequireFromString(tt.wantBalance)) {
				t.Errorf("Expected balance %s, got %s", tt.wantBalance, balance)
			}

			debits := debiter.debits()
			if len(debits) != 1 {
				t.Fatalf("Expected 1 debit, got %d", len(debits))
			}
			if debits[0].Reason != tt.wantReason {
				t.Errorf("Expected reason %s, got %s", tt.wantReason, debits[0].Reason)
			}
			if debits[0].Meta["question"] != "q1" {
				t.Errorf("Expected caller meta to be forwarded, got %v", debits[0].Meta)
			}
		})
	}
}

func TestGateway_ConsumeInsufficientBalance(t *testing.T) {
	debiter := newFakeDebiter(map[string]string{"alice": "1"})
	gateway := NewGateway(debiter, GatewayConfig{}, zerolog.Nop())

	_, err := gateway.Consume(context.Background(), "alice", "LIVE", decimal.NewFromInt(5), nil)
	if !errors.Is(err, debit.ErrInsufficientBalance) {
		t.Fatalf("Expected ErrInsufficientBalance, got %v", err)
	}

	balance, _ := gateway.Balance(context.Background(), "alice")
	if !balance.Equal(decimal.NewFromInt(1)) {
		t.Errorf("Expected balance unchanged at 1, got %s", balance)
	}
}

func TestGateway_CustomLimits(t *testing.T) {
	debiter := newFakeDebiter(map[string]string{"alice": "100"})
	gateway := NewGateway(debiter, GatewayConfig{Pages: []string{"mock"}, MaxAmount: decimal.NewFromInt(3)}, zerolog.Nop())

	if _, err := gateway.Consume(context.Background(), "alice", "MOCK", decimal.NewFromInt(3), nil); err != nil {
		t.Errorf("Expected configured page to be accepted, got %v", err)
	}
	if _, err := gateway.Consume(context.Background(), "alice", "DRILL", decimal.NewFromInt(1), nil); err == nil {
		t.Error("Expected default page to be rejected when pages are configured")
	}
	if _, err := gateway.Consume(context.Background(), "alice", "MOCK", decimal.NewFromInt(4), nil); err == nil {
		t.Error("Expected amount over configured ceiling to be rejected")
	}
}
