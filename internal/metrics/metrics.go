package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Debit metrics
	DebitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokenmeter_debits_total",
			Help: "Total debit attempts against the token balance backend",
		},
		[]string{"reason", "result"},
	)

	TokensDebited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokenmeter_tokens_debited_total",
			Help: "Total tokens successfully debited",
		},
		[]string{"reason"},
	)

	DebitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tokenmeter_debit_duration_seconds",
			Help:    "Debit round trip duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"reason"},
	)

	// Session metrics
	SessionsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tokenmeter_sessions_started_total",
			Help: "Total metered sessions started",
		},
	)

	SessionsStopped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tokenmeter_sessions_stopped_total",
			Help: "Total metered sessions stopped by their owner",
		},
	)

	SessionsExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tokenmeter_sessions_expired_total",
			Help: "Total metered sessions removed after going idle",
		},
	)

	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tokenmeter_active_sessions",
			Help: "Number of metered sessions in the session store",
		},
	)

	BeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokenmeter_beats_total",
			Help: "Total heartbeats by outcome",
		},
		[]string{"outcome"},
	)

	// HTTP metrics
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokenmeter_http_requests_total",
			Help: "Total API requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tokenmeter_http_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	RateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tokenmeter_rate_limited_total",
			Help: "Total requests rejected by the rate limiter",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		DebitsTotal,
		TokensDebited,
		DebitDuration,
		SessionsStarted,
		SessionsStopped,
		SessionsExpired,
		ActiveSessions,
		BeatsTotal,
		HTTPRequestsTotal,
		HTTPRequestDuration,
		RateLimited,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
