// Package metering implements realtime session metering and fixed-amount
// token consumption on top of an atomic debit primitive.
package metering

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/tokenmeter/internal/debit"
	"github.com/goodtune/tokenmeter/internal/metrics"
	"github.com/goodtune/tokenmeter/internal/storage"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Beat outcomes recorded in metrics.
const (
	beatCharged   = "charged"
	beatEarly     = "early"
	beatContended = "contended"
	beatFailed    = "failed"
)

const (
	// beatTimeout bounds a beat once it is detached from the callers waiting on it.
	beatTimeout = 30 * time.Second

	// rollbackTimeout bounds restoring the last charge after a failed debit.
	rollbackTimeout = 5 * time.Second
)

// Registry tracks metered realtime sessions and charges them on heartbeat.
type Registry struct {
	store   storage.SessionStore
	debiter debit.Debiter
	clock   Clock
	config  Config
	beats   singleflight.Group
	logger  zerolog.Logger
}

// NewRegistry creates a session registry. A negative IdleTimeout disables idle expiry.
func NewRegistry(store storage.SessionStore, debiter debit.Debiter, config Config, clock Clock, logger zerolog.Logger) *Registry {
	if clock == nil {
		clock = RealClock{}
	}

	return &Registry{
		store:   store,
		debiter: debiter,
		clock:   clock,
		config:  config.withDefaults(),
		logger:  logger.With().Str("component", "metering-registry").Logger(),
	}
}

// Config returns the effective registry configuration.
func (r *Registry) Config() Config {
	return r.config
}

// Start charges the upfront beat and registers a new session for userID.
func (r *Registry) Start(ctx context.Context, userID, category string) (*StartResult, error) {
	if category != CategoryRealtime {
		return nil, &ValidationError{Field: "page", Message: fmt.Sprintf("must be %s", CategoryRealtime)}
	}

	sessionID := generateSessionID()

	balance, err := r.debiter.Debit(ctx, debit.Request{
		UserID: userID,
		Amount: r.config.TokensPerBeat,
		Reason: debit.ReasonRealtimeStart,
		Meta:   map[string]any{"session_id": sessionID},
	})
	if err != nil {
		return nil, err
	}

	now := r.clock.Now()
	session := storage.MeteringSession{
		ID:           sessionID,
		OwnerUserID:  userID,
		Category:     category,
		StartedAt:    now,
		LastChargeAt: now,
	}

	if err := r.store.Create(ctx, session, r.ttl()); err != nil {
		// The upfront charge has already been taken at this point
		r.logger.Error().
			Err(err).
			Str("session_id", sessionID).
			Str("user_id", userID).
			Msg("Failed to register session after upfront debit")
		return nil, fmt.Errorf("failed to register session: %w", err)
	}

	metrics.SessionsStarted.Inc()
	r.logger.Info().
		Str("session_id", sessionID).
		Str("user_id", userID).
		Str("balance", balance.String()).
		Msg("Started metered session")

	return &StartResult{
		SessionID:     sessionID,
		BeatInterval:  r.config.BeatInterval,
		TokensPerBeat: r.config.TokensPerBeat,
		Balance:       balance,
	}, nil
}

// Beat charges the session if at least MinBeatRatio of the beat interval has
// elapsed since its last charge. Concurrent beats for the same session share
// one outcome, and at most one of them debits. A caller whose ctx ends stops
// waiting, but the shared beat runs to completion.
func (r *Registry) Beat(ctx context.Context, userID, sessionID string) (*BeatResult, error) {
	ch := r.beats.DoChan(sessionID+":"+userID, func() (interface{}, error) {
		// Joined callers must not inherit the first caller's cancellation
		beatCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), beatTimeout)
		defer cancel()
		return r.beat(beatCtx, userID, sessionID)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*BeatResult), nil
	}
}

func (r *Registry) beat(ctx context.Context, userID, sessionID string) (*BeatResult, error) {
	session, err := r.store.Get(ctx, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	now := r.clock.Now()
	elapsed := now.Sub(session.LastChargeAt)

	if r.config.IdleTimeout > 0 && elapsed > r.config.IdleTimeout {
		if deleted, err := r.store.Delete(ctx, sessionID); err == nil && deleted {
			metrics.SessionsExpired.Inc()
		}
		r.logger.Debug().
			Str("session_id", sessionID).
			Dur("idle", elapsed).
			Msg("Beat on idle session")
		return nil, ErrSessionNotFound
	}

	if session.OwnerUserID != userID {
		r.logger.Warn().
			Str("session_id", sessionID).
			Str("user_id", userID).
			Msg("Beat from non-owner rejected")
		return nil, ErrNotSessionOwner
	}

	if elapsed < r.minElapsed() {
		metrics.BeatsTotal.WithLabelValues(beatEarly).Inc()
		return &BeatResult{Charged: false}, nil
	}

	// Claim the interval before charging for it
	swapped, err := r.store.AdvanceCharge(ctx, sessionID, session.LastChargeAt, now, r.ttl())
	if err != nil {
		return nil, fmt.Errorf("failed to advance session: %w", err)
	}
	if !swapped {
		metrics.BeatsTotal.WithLabelValues(beatContended).Inc()
		return &BeatResult{Charged: false}, nil
	}

	balance, err := r.debiter.Debit(ctx, debit.Request{
		UserID: userID,
		Amount: r.config.TokensPerBeat,
		Reason: debit.ReasonRealtimeBeat,
		Meta: map[string]any{
			"session_id":      sessionID,
			"elapsed_seconds": int64(elapsed / time.Second),
		},
	})
	if err != nil {
		metrics.BeatsTotal.WithLabelValues(beatFailed).Inc()
		rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
		_, rbErr := r.store.AdvanceCharge(rbCtx, sessionID, now, session.LastChargeAt, r.ttl())
		cancel()
		if rbErr != nil {
			r.logger.Error().
				Err(rbErr).
				Str("session_id", sessionID).
				Msg("Failed to restore last charge after debit failure")
		}
		return nil, err
	}

	metrics.BeatsTotal.WithLabelValues(beatCharged).Inc()
	r.logger.Debug().
		Str("session_id", sessionID).
		Str("user_id", userID).
		Dur("elapsed", elapsed).
		Str("balance", balance.String()).
		Msg("Charged session beat")

	return &BeatResult{Charged: true, Balance: &balance}, nil
}

// Stop removes the session if userID owns it. Unknown and foreign sessions
// are treated as already stopped.
func (r *Registry) Stop(ctx context.Context, userID, sessionID string) error {
	session, err := r.store.Get(ctx, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}

	if session.OwnerUserID != userID {
		r.logger.Debug().
			Str("session_id", sessionID).
			Str("user_id", userID).
			Msg("Ignoring stop from non-owner")
		return nil
	}

	deleted, err := r.store.Delete(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if deleted {
		metrics.SessionsStopped.Inc()
		r.logger.Info().
			Str("session_id", sessionID).
			Str("user_id", userID).
			Dur("duration", r.clock.Now().Sub(session.StartedAt)).
			Msg("Stopped metered session")
	}

	return nil
}

func (r *Registry) minElapsed() time.Duration {
	return time.Duration(float64(r.config.BeatInterval) * r.config.MinBeatRatio)
}

func (r *Registry) ttl() time.Duration {
	if r.config.IdleTimeout < 0 {
		return 0
	}
	return r.config.IdleTimeout
}

// generateSessionID generates a unique session ID
func generateSessionID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// This should never happen with a working system RNG
		panic(fmt.Sprintf("failed to generate random session ID: %v", err))
	}
	return hex.EncodeToString(bytes)
}
