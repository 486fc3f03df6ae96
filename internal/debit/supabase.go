package debit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SupabaseConfig configures the PostgREST RPC backend.
type SupabaseConfig struct {
	URL             string
	ServiceKey      string
	ConsumeFunction string
	BalanceFunction string
	Timeout         time.Duration
}

// SupabaseDebiter calls stored procedures through the Supabase REST gateway.
// The consume function performs the atomic check-and-decrement in Postgres.
type SupabaseDebiter struct {
	config     SupabaseConfig
	httpClient *http.Client
}

// NewSupabaseDebiter creates a Debiter for a Supabase project.
func NewSupabaseDebiter(cfg SupabaseConfig) *SupabaseDebiter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")

	return &SupabaseDebiter{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

type consumeParams struct {
	UserID string         `json:"p_user_id"`
	Amount json.Number    `json:"p_amount"`
	Reason string         `json:"p_reason"`
	Meta   map[string]any `json:"p_meta"`
}

type balanceParams struct {
	UserID string `json:"p_user_id"`
}

// postgrestError is the error body returned by PostgREST.
type postgrestError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}

// Debit implements Debiter.
func (d *SupabaseDebiter) Debit(ctx context.Context, req Request) (decimal.Decimal, error) {
	if err := req.Validate(); err != nil {
		return decimal.Zero, err
	}

	meta := req.Meta
	if meta == nil {
		meta = map[string]any{}
	}

	return d.call(ctx, d.config.ConsumeFunction, consumeParams{
		UserID: req.UserID,
		Amount: json.Number(req.Amount.String()),
		Reason: req.Reason,
		Meta:   meta,
	})
}

// Balance implements Debiter.
func (d *SupabaseDebiter) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	if userID == "" {
		return decimal.Zero, newInvalidRequestError("user id is required")
	}
	return d.call(ctx, d.config.BalanceFunction, balanceParams{UserID: userID})
}

func (d *SupabaseDebiter) call(ctx context.Context, function string, params any) (decimal.Decimal, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return decimal.Zero, newBackendError("encode rpc params", err)
	}

	url := fmt.Sprintf("%s/rest/v1/rpc/%s", d.config.URL, function)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return decimal.Zero, newBackendError("build rpc request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("apikey", d.config.ServiceKey)
	httpReq.Header.Set("Authorization", "Bearer "+d.config.ServiceKey)

	resp, err := d.httpClient.Do(httpReq)
	if err != nil {
		return decimal.Zero, newBackendError("rpc "+function, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return decimal.Zero, newBackendError("read rpc response", err)
	}

	if resp.StatusCode >= 300 {
		return decimal.Zero, classifyRPCError(resp.StatusCode, respBody)
	}

	return parseBalance(respBody)
}

// classifyRPCError maps exceptions raised by the stored procedure onto debit errors.
func classifyRPCError(status int, body []byte) error {
	var pgErr postgrestError
	_ = json.Unmarshal(body, &pgErr)

	msg := pgErr.Message
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	lower := strings.ToLower(msg)

	switch {
	case strings.Contains(lower, "insufficient"):
		return &Error{Kind: KindInsufficientBalance, Message: msg}
	case strings.Contains(lower, "unknown user"), strings.Contains(lower, "not found"):
		return &Error{Kind: KindUnknownUser, Message: msg}
	default:
		return newBackendError(fmt.Sprintf("rpc status %d", status), fmt.Errorf("%s", msg))
	}
}

// parseBalance accepts a bare number, an object or a single-row array.
func parseBalance(body []byte) (decimal.Decimal, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return decimal.Zero, newBackendError("empty rpc response", nil)
	}

	switch trimmed[0] {
	case '[':
		var rows []json.RawMessage
		if err := json.Unmarshal(trimmed, &rows); err != nil {
			return decimal.Zero, newBackendError("decode rpc response", err)
		}
		if len(rows) == 0 {
			return decimal.Zero, ErrUnknownUser
		}
		return parseBalance(rows[0])
	case '{':
		var obj struct {
			Balance    *decimal.Decimal `json:"balance"`
			NewBalance *decimal.Decimal `json:"new_balance"`
		}
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return decimal.Zero, newBackendError("decode rpc response", err)
		}
		switch {
		case obj.Balance != nil:
			return *obj.Balance, nil
		case obj.NewBalance != nil:
			return *obj.NewBalance, nil
		default:
			return decimal.Zero, newBackendError("rpc response has no balance", nil)
		}
	case 'n':
		return decimal.Zero, ErrUnknownUser
	default:
		var balance decimal.Decimal
		if err := json.Unmarshal(trimmed, &balance); err != nil {
			return decimal.Zero, newBackendError("decode rpc response", err)
		}
		return balance, nil
	}
}

var _ Debiter = (*SupabaseDebiter)(nil)
