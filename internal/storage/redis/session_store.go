package redis

import (
	"context"
	"time"

	"github.com/goodtune/tokenmeter/internal/storage"
	"github.com/redis/go-redis/v9"
)

type sessionStore struct {
	client *redis.Client
	keys   keys
}

// Create writes the session hash and its TTL in one transaction
func (s *sessionStore) Create(ctx context.Context, session storage.MeteringSession, ttl time.Duration) error {
	sessionKey := s.keys.session(session.ID)

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, sessionKey,
			"id", session.ID,
			"owner_user_id", session.OwnerUserID,
			"category", session.Category,
			"started_at", formatTime(session.StartedAt),
			"last_charge_at", formatTime(session.LastChargeAt),
		)
		if ttl > 0 {
			pipe.PExpire(ctx, sessionKey, ttl)
		}
		return nil
	})
	return err
}

// Get retrieves a session by ID
func (s *sessionStore) Get(ctx context.Context, id string) (*storage.MeteringSession, error) {
	data, err := s.client.HGetAll(ctx, s.keys.session(id)).Result()
	if err != nil {
		return nil, err
	}

	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	return parseSession(data)
}

// Delete removes a session by ID
func (s *sessionStore) Delete(ctx context.Context, id string) (bool, error) {
	deleted, err := s.client.Del(ctx, s.keys.session(id)).Result()
	if err != nil {
		return false, err
	}
	return deleted > 0, nil
}

// AdvanceCharge atomically swaps last_charge_at and refreshes the TTL
func (s *sessionStore) AdvanceCharge(ctx context.Context, id string, from, to time.Time, ttl time.Duration) (bool, error) {
	keys := []string{s.keys.session(id)}
	args := []interface{}{formatTime(from), formatTime(to), ttl.Milliseconds()}

	swapped, err := advanceCharge.Run(ctx, s.client, keys, args...).Int64()
	if err != nil {
		return false, err
	}
	return swapped == 1, nil
}

// DeleteIdleBefore is a no-op: session keys carry a TTL that is refreshed on
// every charge, so Redis expires idle sessions on its own
func (s *sessionStore) DeleteIdleBefore(ctx context.Context, cutoff time.Time) (int, error) {
	return 0, nil
}

// Count scans for live session keys
func (s *sessionStore) Count(ctx context.Context) (int, error) {
	var cursor uint64
	count := 0

	for {
		var keys []string
		var err error
		keys, cursor, err = s.client.Scan(ctx, cursor, s.keys.sessionPattern(), 100).Result()
		if err != nil {
			return count, err
		}
		count += len(keys)

		if cursor == 0 {
			break
		}
	}

	return count, nil
}
