package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/tokenmeter/internal/config"
	"github.com/goodtune/tokenmeter/internal/storage"
	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix is used when no key prefix is configured
const DefaultKeyPrefix = "tokenmeter"

// Store provides Redis-backed session and balance stores over one client
type Store struct {
	client       *redis.Client
	sessionStore *sessionStore
	balanceStore *balanceStore
}

// Open creates a new Redis-backed storage instance
func Open(cfg config.RedisConfig) (*Store, error) {
	// Parse timeouts
	dialTimeout, err := time.ParseDuration(cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}

	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}

	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	// Determine address
	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	// Ping to verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewWithClient(client, cfg.KeyPrefix), nil
}

// NewWithClient wraps an existing client. An empty prefix selects DefaultKeyPrefix.
func NewWithClient(client *redis.Client, keyPrefix string) *Store {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	k := keys{prefix: keyPrefix}

	return &Store{
		client:       client,
		sessionStore: &sessionStore{client: client, keys: k},
		balanceStore: &balanceStore{client: client, keys: k},
	}
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Sessions returns the SessionStore implementation
func (s *Store) Sessions() storage.SessionStore {
	return s.sessionStore
}

// Balances returns the BalanceStore implementation
func (s *Store) Balances() storage.BalanceStore {
	return s.balanceStore
}

// keys builds namespaced key names
type keys struct {
	prefix string
}

func (k keys) session(id string) string {
	return fmt.Sprintf("%s:session:%s", k.prefix, id)
}

func (k keys) sessionPattern() string {
	return k.prefix + ":session:*"
}

func (k keys) balance(userID string) string {
	return fmt.Sprintf("%s:balance:%s", k.prefix, userID)
}

func (k keys) ledger(userID string) string {
	return fmt.Sprintf("%s:ledger:%s", k.prefix, userID)
}
