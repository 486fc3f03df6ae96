package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/goodtune/tokenmeter/internal/api"
	"github.com/goodtune/tokenmeter/internal/config"
	"github.com/goodtune/tokenmeter/internal/debit"
	"github.com/goodtune/tokenmeter/internal/metering"
	"github.com/goodtune/tokenmeter/internal/metrics"
	"github.com/goodtune/tokenmeter/internal/storage"
	"github.com/goodtune/tokenmeter/internal/storage/memory"
	"github.com/goodtune/tokenmeter/internal/storage/redis"
	"github.com/goodtune/tokenmeter/internal/systemd"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start tokenmeter server",
	Long:  `Start the tokenmeter API server, idle session sweeper and metrics endpoint.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting tokenmeter")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	// Initialize storage
	backends, err := openBackends(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := backends.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().
		Str("type", cfg.Storage.Type).
		Str("debit_backend", cfg.Debit.Backend).
		Msg("Storage initialized")

	debiter, err := openDebiter(cfg, backends)
	if err != nil {
		return fmt.Errorf("failed to initialize debit backend: %w", err)
	}
	debiter = debit.Instrument(debiter, logger)

	// Initialize metering
	registry := metering.NewRegistry(backends.sessions, debiter, meteringConfig(cfg.Metering), metering.RealClock{}, logger)
	gateway := metering.NewGateway(debiter, metering.GatewayConfig{
		Pages:     cfg.Metering.Pages,
		MaxAmount: decimal.RequireFromString(cfg.Metering.MaxConsumeAmount),
	}, logger)

	sweeper := metering.NewSweeper(
		backends.sessions,
		config.ParseDuration(cfg.Metering.SweepInterval, metering.DefaultSweepInterval),
		metering.RealClock{},
		logger,
	)
	sweeper.Start()

	logger.Info().
		Dur("beat_interval", registry.Config().BeatInterval).
		Str("tokens_per_beat", registry.Config().TokensPerBeat.String()).
		Dur("idle_timeout", registry.Config().IdleTimeout).
		Msg("Metering initialized")

	// Initialize API server
	verifier, err := api.NewVerifier(api.AuthConfig{
		JWTSecret:  cfg.Auth.JWTSecret,
		Audience:   cfg.Auth.Audience,
		CookieName: cfg.Auth.CookieName,
		CacheSize:  cfg.Auth.CacheSize,
		CacheTTL:   config.ParseDuration(cfg.Auth.CacheTTL, api.DefaultTokenCacheTTL),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize token verifier: %w", err)
	}

	apiAddr := net.JoinHostPort(cfg.Server.BindAddress, strconv.Itoa(cfg.Server.APIPort))
	apiServer, err := api.NewServer(api.Config{
		ListenAddr:        apiAddr,
		ReadTimeout:       config.ParseDuration(cfg.Server.ReadTimeout, 15*time.Second),
		WriteTimeout:      config.ParseDuration(cfg.Server.WriteTimeout, 15*time.Second),
		AllowedOrigins:    cfg.CORS.AllowedOrigins,
		RateLimitEnabled:  cfg.RateLimit.Enabled,
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
	}, registry, gateway, verifier, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize API server: %w", err)
	}
	if sdListeners.API != nil {
		apiServer.SetListener(sdListeners.API)
	}
	if err := apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	// Start metrics server
	metricsAddr := net.JoinHostPort(cfg.Server.BindAddress, strconv.Itoa(cfg.Server.MetricsPort))
	metricsServer := metrics.NewServer(metricsAddr, logger)
	if sdListeners.Metrics != nil {
		metricsServer.SetListener(sdListeners.Metrics)
	}
	if err := metricsServer.Start(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	logger.Info().
		Str("api", apiAddr).
		Str("metrics", metricsAddr).
		Msg("tokenmeter startup complete")

	// Notify systemd that we're ready to serve requests
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	} else {
		logger.Debug().Msg("Sent systemd ready notification")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		if err := systemd.RunWatchdog(ctx); err != nil {
			logger.Error().Err(err).Msg("Systemd watchdog stopped")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received, gracefully stopping...")

	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	if err := apiServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping API server")
	}

	sweeper.Stop()

	if err := metricsServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping metrics server")
	}

	logger.Info().Msg("tokenmeter stopped")

	return nil
}

// backends holds the storage shared by the session registry and the redis debit backend.
type backends struct {
	sessions storage.SessionStore
	redis    *redis.Store
}

func (b *backends) Close() error {
	if b.redis != nil {
		return b.redis.Close()
	}
	return nil
}

func openBackends(cfg *config.Config) (*backends, error) {
	b := &backends{}

	if cfg.Storage.Type == "redis" || cfg.Debit.Backend == "redis" {
		store, err := redis.Open(cfg.Storage.Redis)
		if err != nil {
			return nil, err
		}
		b.redis = store
	}

	switch cfg.Storage.Type {
	case "redis":
		b.sessions = b.redis.Sessions()
	case "memory", "":
		b.sessions = memory.NewSessionStore()
	default:
		_ = b.Close()
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}

	return b, nil
}

func openDebiter(cfg *config.Config, b *backends) (debit.Debiter, error) {
	switch cfg.Debit.Backend {
	case "supabase":
		return debit.NewSupabaseDebiter(debit.SupabaseConfig{
			URL:             cfg.Debit.Supabase.URL,
			ServiceKey:      cfg.Debit.Supabase.ServiceKey,
			ConsumeFunction: cfg.Debit.Supabase.ConsumeFunction,
			BalanceFunction: cfg.Debit.Supabase.BalanceFunction,
			Timeout:         config.ParseDuration(cfg.Debit.Supabase.Timeout, 5*time.Second),
		}), nil
	case "redis":
		if b.redis == nil {
			return nil, fmt.Errorf("redis debit backend requires a redis connection")
		}
		return debit.NewStoreDebiter(b.redis.Balances()), nil
	default:
		return nil, fmt.Errorf("unsupported debit backend: %s", cfg.Debit.Backend)
	}
}

func meteringConfig(cfg config.MeteringConfig) metering.Config {
	return metering.Config{
		BeatInterval:  config.ParseDuration(cfg.BeatInterval, metering.DefaultBeatInterval),
		TokensPerBeat: decimal.RequireFromString(cfg.TokensPerBeat),
		MinBeatRatio:  cfg.MinBeatRatio,
		IdleTimeout:   config.ParseDuration(cfg.IdleTimeout, metering.DefaultIdleTimeout),
	}
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
