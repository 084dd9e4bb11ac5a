// Package httpapi serves the admin endpoints: health, metrics and the live
// voice sessions.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/slofp/estella/internal/logging"
	"github.com/slofp/estella/internal/voice"
)

// Sessions is the part of the session manager the API exposes.
type Sessions interface {
	List() []voice.SessionInfo
}

// Leaver ends a guild's session and leaves its voice channel.
type Leaver interface {
	Leave(guildID string) bool
}

type Server struct {
	sessions Sessions
	leaver   Leaver
	metrics  http.Handler
	started  time.Time
}

func New(sessions Sessions, leaver Leaver, metrics http.Handler) *Server {
	return &Server{sessions: sessions, leaver: leaver, metrics: metrics, started: time.Now()}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	r.Get("/sessions", s.handleListSessions)
	r.Post("/sessions/{guildID}/leave", s.handleLeave)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"sessions":       len(s.sessions.List()),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"sessions": s.sessions.List()})
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	guildID := strings.TrimSpace(chi.URLParam(r, "guildID"))
	if guildID == "" {
		respondError(w, http.StatusBadRequest, "invalid_guild_id", "missing guild id")
		return
	}
	if !s.leaver.Leave(guildID) {
		respondError(w, http.StatusNotFound, "session_not_found", "no session for guild "+guildID)
		return
	}
	logging.Infow("httpapi: session ended by request", "guild_id", guildID,
		"request_id", middleware.GetReqID(r.Context()))
	respondJSON(w, http.StatusOK, map[string]any{"guild_id": guildID, "left": true})
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Debugw("httpapi: encode response failed", "err", err)
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]any{"error": map[string]string{"code": code, "message": message}})
}
