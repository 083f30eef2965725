// Package httpapi is the thin HTTP wrapper over the conversation engine.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	contractx "github.com/dmartinelli/storebot/agent/contract"
	"github.com/dmartinelli/storebot/agent/engine"
	statex "github.com/dmartinelli/storebot/agent/state"
	"github.com/dmartinelli/storebot/pkg/observability"
)

type Server struct {
	engine *engine.Engine
	store  statex.Store
}

func New(eng *engine.Engine, store statex.Store) *Server {
	return &Server{engine: eng, store: store}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/turns", s.handleTurn)
	r.Get("/v1/sessions/{id}/messages", s.handleListMessages)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type turnRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text"`
}

type turnResponse struct {
	SessionID string `json:"session_id"`
	Reply     string `json:"reply"`
	Continue  bool   `json:"continue"`
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	result, err := s.engine.HandleTurn(r.Context(), req.SessionID, req.Text)
	if err != nil {
		switch {
		case errors.Is(err, contractx.ErrValidation):
			respondError(w, http.StatusBadRequest, err.Error())
		default:
			log.Error().Err(err).Msg("turn failed")
			respondError(w, http.StatusInternalServerError, "something went wrong, please try again")
		}
		return
	}

	respondJSON(w, http.StatusOK, turnResponse{
		SessionID: result.SessionID,
		Reply:     result.Reply,
		Continue:  result.Continue,
	})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	sess, err := s.store.Load(r.Context(), sessionID)
	if err != nil {
		switch {
		case errors.Is(err, statex.ErrStateNotFound), errors.Is(err, statex.ErrInvalidSession):
			respondError(w, http.StatusNotFound, "session not found")
		default:
			log.Error().Err(err).Str("session_id", sessionID).Msg("load session failed")
			respondError(w, http.StatusInternalServerError, "something went wrong, please try again")
		}
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": sess.ID,
		"mode":       sess.Mode,
		"messages":   sess.Messages,
	})
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("encode response failed")
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
