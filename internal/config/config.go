package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Debit     DebitConfig     `mapstructure:"debit"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Metering  MeteringConfig  `mapstructure:"metering"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	CORS      CORSConfig      `mapstructure:"cors"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// ServerConfig defines listen addresses and HTTP timeouts
type ServerConfig struct {
	BindAddress  string `mapstructure:"bind_address"`
	APIPort      int    `mapstructure:"api_port"`
	MetricsPort  int    `mapstructure:"metrics_port"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// StorageConfig selects the session store backend
type StorageConfig struct {
	Type  string      `mapstructure:"type"` // "memory" or "redis"
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines the Redis connection shared by the session store and
// the redis debit backend
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
	KeyPrefix    string `mapstructure:"key_prefix"`
}

// DebitConfig selects the atomic token debit backend
type DebitConfig struct {
	Backend  string         `mapstructure:"backend"` // "supabase" or "redis"
	Supabase SupabaseConfig `mapstructure:"supabase"`
}

// SupabaseConfig defines the PostgREST RPC endpoint for token debits
type SupabaseConfig struct {
	URL             string `mapstructure:"url"`
	ServiceKey      string `mapstructure:"service_key"`
	ConsumeFunction string `mapstructure:"consume_function"`
	BalanceFunction string `mapstructure:"balance_function"`
	Timeout         string `mapstructure:"timeout"`
}

// AuthConfig defines how session cookies and bearer tokens are verified
type AuthConfig struct {
	JWTSecret  string `mapstructure:"jwt_secret"`
	Audience   string `mapstructure:"audience"`
	CookieName string `mapstructure:"cookie_name"`
	CacheSize  int    `mapstructure:"cache_size"`
	CacheTTL   string `mapstructure:"cache_ttl"`
}

// MeteringConfig defines realtime metering and consumption limits
type MeteringConfig struct {
	BeatInterval     string   `mapstructure:"beat_interval"`
	TokensPerBeat    string   `mapstructure:"tokens_per_beat"`
	MinBeatRatio     float64  `mapstructure:"min_beat_ratio"`
	MaxConsumeAmount string   `mapstructure:"max_consume_amount"`
	Pages            []string `mapstructure:"pages"`
	IdleTimeout      string   `mapstructure:"idle_timeout"`
	SweepInterval    string   `mapstructure:"sweep_interval"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// CORSConfig defines the browser origins allowed to call the API
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// RateLimitConfig defines per-user request limits
type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	SetDefaults(v)

	// Configure viper
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("TOKENMETER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	// Unmarshal config
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate config
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// SetDefaults sets default configuration values
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.bind_address", "0.0.0.0")
	v.SetDefault("server.api_port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")

	// Storage defaults
	v.SetDefault("storage.type", "memory")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 5)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")
	v.SetDefault("storage.redis.key_prefix", "tokenmeter")

	// Debit defaults
	v.SetDefault("debit.backend", "supabase")
	v.SetDefault("debit.supabase.url", "")
	v.SetDefault("debit.supabase.service_key", "")
	v.SetDefault("debit.supabase.consume_function", "sp_consume_tokens")
	v.SetDefault("debit.supabase.balance_function", "sp_get_token_balance")
	v.SetDefault("debit.supabase.timeout", "5s")

	// Auth defaults
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.audience", "authenticated")
	v.SetDefault("auth.cookie_name", "sb-access-token")
	v.SetDefault("auth.cache_size", 10000)
	v.SetDefault("auth.cache_ttl", "1m")

	// Metering defaults
	v.SetDefault("metering.beat_interval", "10s")
	v.SetDefault("metering.tokens_per_beat", "1.5")
	v.SetDefault("metering.min_beat_ratio", 0.9)
	v.SetDefault("metering.max_consume_amount", "10")
	v.SetDefault("metering.pages", []string{"DRILL", "LIVE", "REALTIME"})
	v.SetDefault("metering.idle_timeout", "2m")
	v.SetDefault("metering.sweep_interval", "1m")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// CORS defaults
	v.SetDefault("cors.allowed_origins", []string{})

	// Rate limit defaults
	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.requests_per_second", 5.0)
	v.SetDefault("rate_limit.burst", 20)
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.APIPort <= 0 || cfg.Server.APIPort > 65535 {
		return fmt.Errorf("invalid API port: %d", cfg.Server.APIPort)
	}
	if cfg.Server.MetricsPort <= 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}

	switch cfg.Storage.Type {
	case "memory", "redis":
	case "":
		cfg.Storage.Type = "memory"
	default:
		return fmt.Errorf("unknown storage type: %s (must be memory or redis)", cfg.Storage.Type)
	}

	switch cfg.Debit.Backend {
	case "supabase":
		if cfg.Debit.Supabase.URL == "" {
			return fmt.Errorf("debit.supabase.url is required for the supabase debit backend")
		}
		if cfg.Debit.Supabase.ServiceKey == "" {
			return fmt.Errorf("debit.supabase.service_key is required for the supabase debit backend")
		}
	case "redis":
	default:
		return fmt.Errorf("unknown debit backend: %s (must be supabase or redis)", cfg.Debit.Backend)
	}

	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}

	beatInterval, err := time.ParseDuration(cfg.Metering.BeatInterval)
	if err != nil || beatInterval <= 0 {
		return fmt.Errorf("invalid metering.beat_interval: %q", cfg.Metering.BeatInterval)
	}
	perBeat, err := decimal.NewFromString(cfg.Metering.TokensPerBeat)
	if err != nil || !perBeat.IsPositive() {
		return fmt.Errorf("invalid metering.tokens_per_beat: %q", cfg.Metering.TokensPerBeat)
	}
	maxConsume, err := decimal.NewFromString(cfg.Metering.MaxConsumeAmount)
	if err != nil || !maxConsume.IsPositive() {
		return fmt.Errorf("invalid metering.max_consume_amount: %q", cfg.Metering.MaxConsumeAmount)
	}
	if cfg.Metering.MinBeatRatio <= 0 || cfg.Metering.MinBeatRatio > 1 {
		return fmt.Errorf("invalid metering.min_beat_ratio: %v (must be in (0, 1])", cfg.Metering.MinBeatRatio)
	}
	// A negative idle timeout disables expiry; otherwise a live session must
	// be able to reach its next due beat
	idleTimeout, err := time.ParseDuration(cfg.Metering.IdleTimeout)
	if err != nil {
		return fmt.Errorf("invalid metering.idle_timeout: %w", err)
	}
	minElapsed := time.Duration(float64(beatInterval) * cfg.Metering.MinBeatRatio)
	if idleTimeout > 0 && idleTimeout <= minElapsed {
		return fmt.Errorf("metering.idle_timeout %s must exceed beat_interval x min_beat_ratio (%s)", idleTimeout, minElapsed)
	}
	if len(cfg.Metering.Pages) == 0 {
		return fmt.Errorf("at least one metered page is required")
	}

	if cfg.RateLimit.Enabled && cfg.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("invalid rate_limit.requests_per_second: %v", cfg.RateLimit.RequestsPerSecond)
	}

	return nil
}

// ParseDuration parses a duration string with a fallback
func ParseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
