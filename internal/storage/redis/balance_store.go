package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/goodtune/tokenmeter/internal/storage"
	"github.com/redis/go-redis/v9"
)

type balanceStore struct {
	client *redis.Client
	keys   keys
}

// Debit atomically subtracts entry.AmountMilli from the user's balance
func (s *balanceStore) Debit(ctx context.Context, entry storage.LedgerEntry) (int64, error) {
	payload, err := json.Marshal(entry)
	if err != nil {
		return 0, fmt.Errorf("failed to encode ledger entry: %w", err)
	}

	keys := []string{s.keys.balance(entry.UserID), s.keys.ledger(entry.UserID)}
	args := []interface{}{entry.AmountMilli, string(payload), ledgerCap}

	reply, err := debit.Run(ctx, s.client, keys, args...).Slice()
	if err != nil {
		return 0, err
	}
	if len(reply) != 2 {
		return 0, fmt.Errorf("unexpected debit reply length %d", len(reply))
	}

	status, err := toInt64(reply[0])
	if err != nil {
		return 0, fmt.Errorf("failed to parse debit status: %w", err)
	}
	balance, err := toInt64(reply[1])
	if err != nil {
		return 0, fmt.Errorf("failed to parse debit balance: %w", err)
	}

	switch status {
	case 1:
		return balance, nil
	case 0:
		return 0, storage.ErrNotFound
	default:
		return balance, storage.ErrInsufficientBalance
	}
}

// Credit adds entry.AmountMilli to the user's balance, creating it if needed
func (s *balanceStore) Credit(ctx context.Context, entry storage.LedgerEntry) (int64, error) {
	payload, err := json.Marshal(entry)
	if err != nil {
		return 0, fmt.Errorf("failed to encode ledger entry: %w", err)
	}

	keys := []string{s.keys.balance(entry.UserID), s.keys.ledger(entry.UserID)}
	args := []interface{}{entry.AmountMilli, string(payload), ledgerCap}

	return credit.Run(ctx, s.client, keys, args...).Int64()
}

// Balance returns the current balance in milli-tokens
func (s *balanceStore) Balance(ctx context.Context, userID string) (int64, error) {
	balance, err := s.client.Get(ctx, s.keys.balance(userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, storage.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// Ledger returns up to limit most recent entries
func (s *balanceStore) Ledger(ctx context.Context, userID string, limit int) ([]storage.LedgerEntry, error) {
	if limit <= 0 || limit > ledgerCap {
		limit = ledgerCap
	}

	raw, err := s.client.LRange(ctx, s.keys.ledger(userID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]storage.LedgerEntry, 0, len(raw))
	for _, item := range raw {
		var entry storage.LedgerEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}

	return entries, nil
}
