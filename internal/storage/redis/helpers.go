package redis

import (
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/tokenmeter/internal/storage"
)

// formatTime encodes a timestamp as Unix nanoseconds so that compare-and-swap
// can match it byte for byte
func formatTime(t time.Time) string {
	return strconv.FormatInt(t.UnixNano(), 10)
}

func parseTime(s string) (time.Time, error) {
	ns, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, ns).UTC(), nil
}

// parseSession converts a Redis hash to MeteringSession
func parseSession(data map[string]string) (*storage.MeteringSession, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	startedAt, err := parseTime(data["started_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse started_at: %w", err)
	}

	lastChargeAt, err := parseTime(data["last_charge_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse last_charge_at: %w", err)
	}

	return &storage.MeteringSession{
		ID:           data["id"],
		OwnerUserID:  data["owner_user_id"],
		Category:     data["category"],
		StartedAt:    startedAt,
		LastChargeAt: lastChargeAt,
	}, nil
}

// toInt64 converts a Lua integer reply element
func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected reply type %T", v)
	}
}
