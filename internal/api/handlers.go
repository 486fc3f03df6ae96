package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/goodtune/tokenmeter/internal/debit"
	"github.com/goodtune/tokenmeter/internal/metering"
)

type startRequest struct {
	Page string `json:"page" validate:"required,max=32"`
}

type sessionRequest struct {
	SessionID string `json:"sessionId" validate:"required,max=128"`
}

type consumeRequest struct {
	Page   string          `json:"page" validate:"required,max=32"`
	Amount json.RawMessage `json:"amount" validate:"required"`
	Meta   interface{}     `json:"meta,omitempty"`
}

type startResponse struct {
	OK            bool    `json:"ok"`
	SessionID     string  `json:"sessionId"`
	BeatSeconds   float64 `json:"beatSeconds"`
	TokensPerBeat float64 `json:"tokensPerBeat"`
	Balance       float64 `json:"balance"`
}

type beatResponse struct {
	OK      bool     `json:"ok"`
	Charged bool     `json:"charged"`
	Balance *float64 `json:"balance,omitempty"`
}

type balanceResponse struct {
	OK      bool    `json:"ok"`
	Balance float64 `json:"balance"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())

	var req startRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	res, err := s.sessions.Start(r.Context(), userID, req.Page)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, startResponse{
		OK:            true,
		SessionID:     res.SessionID,
		BeatSeconds:   res.BeatInterval.Seconds(),
		TokensPerBeat: res.TokensPerBeat.InexactFloat64(),
		Balance:       res.Balance.InexactFloat64(),
	})
}

func (s *Server) handleBeat(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())

	var req sessionRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	res, err := s.sessions.Beat(r.Context(), userID, req.SessionID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	resp := beatResponse{OK: true, Charged: res.Charged}
	if res.Balance != nil {
		balance := res.Balance.InexactFloat64()
		resp.Balance = &balance
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())

	var req sessionRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	if err := s.sessions.Stop(r.Context(), userID, req.SessionID); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Server) handleConsume(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())

	var req consumeRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	balance, err := s.consumer.Consume(r.Context(), userID, req.Page, amount, metaMap(req.Meta))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, balanceResponse{OK: true, Balance: balance.InexactFloat64()})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())

	balance, err := s.consumer.Balance(r.Context(), userID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, balanceResponse{OK: true, Balance: balance.InexactFloat64()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":     true,
		"status": "healthy",
	})
}

// metaMap passes objects through and wraps any other JSON value.
func metaMap(meta interface{}) map[string]any {
	switch m := meta.(type) {
	case nil:
		return nil
	case map[string]interface{}:
		return m
	default:
		return map[string]any{"value": m}
	}
}

// writeServiceError maps domain errors to status codes. Unexpected errors are
// logged and reported generically.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var reqErr *requestError
	var validationErr *metering.ValidationError
	var debitErr *debit.Error

	switch {
	case errors.As(err, &reqErr):
		writeError(w, http.StatusBadRequest, reqErr.message)
	case errors.As(err, &validationErr):
		writeError(w, http.StatusBadRequest, validationErr.Error())
	case errors.Is(err, metering.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "Session not found")
	case errors.Is(err, metering.ErrNotSessionOwner):
		writeError(w, http.StatusForbidden, "Session belongs to another user")
	case errors.As(err, &debitErr) && debitErr.Client():
		writeError(w, http.StatusBadRequest, debitErr.Message)
	default:
		s.logger.Error().
			Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("Request failed")
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}
