// Package api serves the token metering HTTP/JSON endpoints.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goodtune/tokenmeter/internal/metering"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// SessionMeter starts, beats and stops metered sessions.
type SessionMeter interface {
	Start(ctx context.Context, userID, category string) (*metering.StartResult, error)
	Beat(ctx context.Context, userID, sessionID string) (*metering.BeatResult, error)
	Stop(ctx context.Context, userID, sessionID string) error
}

// Consumer performs fixed-amount debits and balance reads.
type Consumer interface {
	Consume(ctx context.Context, userID, page string, amount decimal.Decimal, meta map[string]any) (decimal.Decimal, error)
	Balance(ctx context.Context, userID string) (decimal.Decimal, error)
}

// Config holds the API server configuration.
type Config struct {
	ListenAddr     string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	AllowedOrigins []string

	RateLimitEnabled  bool
	RequestsPerSecond float64
	Burst             int
}

// Server represents the API HTTP server.
type Server struct {
	config   Config
	sessions SessionMeter
	consumer Consumer
	verifier *Verifier
	limiter  *RateLimiter
	validate *validator.Validate
	router   *mux.Router
	server   *http.Server
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
	logger   zerolog.Logger
}

// NewServer creates a new API server.
func NewServer(cfg Config, sessions SessionMeter, consumer Consumer, verifier *Verifier, logger zerolog.Logger) (*Server, error) {
	s := &Server{
		config:   cfg,
		sessions: sessions,
		consumer: consumer,
		verifier: verifier,
		validate: newValidator(),
		router:   mux.NewRouter(),
		logger:   logger.With().Str("component", "api").Logger(),
	}

	if cfg.RateLimitEnabled {
		limiter, err := NewRateLimiter(cfg.RequestsPerSecond, cfg.Burst, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to create rate limiter: %w", err)
		}
		s.limiter = limiter
	}

	s.setupRoutes()

	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 15 * time.Second
	}

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Use(LoggingMiddleware(s.logger))

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	tokens := s.router.PathPrefix("/api/tokens").Subrouter()
	tokens.Use(AuthMiddleware(s.verifier, s.logger))
	if s.limiter != nil {
		tokens.Use(RateLimitMiddleware(s.limiter))
	}

	tokens.HandleFunc("/realtime/start", s.handleStart).Methods("POST")
	tokens.HandleFunc("/realtime/beat", s.handleBeat).Methods("POST")
	tokens.HandleFunc("/realtime/stop", s.handleStop).Methods("POST")
	tokens.HandleFunc("/consume", s.handleConsume).Methods("POST")
	tokens.HandleFunc("/balance", s.handleBalance).Methods("GET")
}

// Handler returns the router wrapped with CORS handling.
func (s *Server) Handler() http.Handler {
	if len(s.config.AllowedOrigins) == 0 {
		return s.router
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   s.config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the API server.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.config.ListenAddr).Msg("Starting API server")

	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated API listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()

	return nil
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping API server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}

	return nil
}
