package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/hearth-im/hearth/internal/application/roomstate"
	"github.com/hearth-im/hearth/internal/domain/room"
	"github.com/hearth-im/hearth/internal/infrastructure/sse"
)

// Server exposes the room state service to the persistence and ingestion
// layers.
type Server struct {
	stateSvc *roomstate.Service
	hub      *sse.Hub
	apiToken string
	logger   zerolog.Logger
}

// NewServer creates a Server. An empty apiToken disables bearer checks.
func NewServer(stateSvc *roomstate.Service, hub *sse.Hub, apiToken string, logger zerolog.Logger) *Server {
	return &Server{
		stateSvc: stateSvc,
		hub:      hub,
		apiToken: apiToken,
		logger:   logger.With().Str("component", "httpapi").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.healthz)

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.requireToken)

		r.Route("/rooms/{roomId}", func(r chi.Router) {
			r.Post("/state_at", s.stateAt)
			r.Get("/state", s.currentState)
			r.Get("/members", s.members)
			r.Get("/stream", s.streamRoom)
		})

		r.Route("/events", func(r chi.Router) {
			r.Post("/", s.ingestEvent)
			r.Post("/auth_events", s.authEvents)
			r.Post("/authorize", s.authorizeEvent)
			r.Post("/redaction", s.redactionPermission)
		})
	})

	return r
}

// Helpers
func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]any{
		"errcode": code,
		"error":   message,
	})
}

// respondDomainError maps service errors so a denial (403) stays
// distinguishable from an invalid event (400).
func (s *Server) respondDomainError(w http.ResponseWriter, r *http.Request, err error) {
	code := room.ErrorCode(err)
	switch code {
	case room.CodeForbidden:
		var authErr *room.AuthError
		errors.As(err, &authErr)
		respondJSON(w, http.StatusForbidden, map[string]any{
			"errcode": code,
			"error":   authErr.Message,
			"reason":  authErr.Reason,
		})
	case room.CodeTooLarge:
		respondError(w, http.StatusRequestEntityTooLarge, code, err.Error())
	case room.CodeBadJSON:
		respondError(w, http.StatusBadRequest, code, err.Error())
	case room.CodeNotFound:
		respondError(w, http.StatusNotFound, code, err.Error())
	default:
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		respondError(w, http.StatusInternalServerError, code, "internal error")
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"cachedEntries": s.stateSvc.Cache().Len(),
		"streams":       s.hub.ClientCount(),
	})
}
