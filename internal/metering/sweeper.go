package metering

import (
	"context"
	"time"

	"github.com/goodtune/tokenmeter/internal/metrics"
	"github.com/goodtune/tokenmeter/internal/storage"
	"github.com/rs/zerolog"
)

// DefaultSweepInterval is how often idle sessions are removed.
const DefaultSweepInterval = time.Minute

// Sweeper periodically removes idle sessions and refreshes the active session gauge.
type Sweeper struct {
	store    storage.SessionStore
	clock    Clock
	interval time.Duration
	logger   zerolog.Logger
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewSweeper creates a sweeper for store.
func NewSweeper(store storage.SessionStore, interval time.Duration, clock Clock, logger zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if clock == nil {
		clock = RealClock{}
	}

	return &Sweeper{
		store:    store,
		clock:    clock,
		interval: interval,
		logger:   logger.With().Str("component", "session-sweeper").Logger(),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start begins the sweep loop
func (s *Sweeper) Start() {
	go s.run()
	s.logger.Info().
		Dur("interval", s.interval).
		Msg("Idle session sweeper started")
}

// Stop stops the sweep loop and waits for it to exit
func (s *Sweeper) Stop() {
	close(s.stopChan)
	<-s.doneChan
	s.logger.Info().Msg("Idle session sweeper stopped")
}

func (s *Sweeper) run() {
	defer close(s.doneChan)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep(context.Background())
		case <-s.stopChan:
			return
		}
	}
}

// Sweep removes idle sessions once and returns how many were removed.
func (s *Sweeper) Sweep(ctx context.Context) int {
	deleted, err := s.store.DeleteIdleBefore(ctx, s.clock.Now())
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to sweep idle sessions")
		return 0
	}

	if deleted > 0 {
		metrics.SessionsExpired.Add(float64(deleted))
		s.logger.Debug().
			Int("sessions_deleted", deleted).
			Msg("Cleaned up idle sessions")
	}

	if count, err := s.store.Count(ctx); err == nil {
		metrics.ActiveSessions.Set(float64(count))
	} else {
		s.logger.Warn().Err(err).Msg("Failed to count sessions")
	}

	return deleted
}
