// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	service "github.com/okian/divscore/internal/app"
	"github.com/okian/divscore/internal/domain/scoring"
	"github.com/okian/divscore/internal/domain/session"
	"github.com/okian/divscore/pkg/logger"
)

// Dependencies required by HTTP handlers. The session itself is not part of
// the bundle: handlers resolve it from the request context.
type Dependencies interface {
	// Calculate scores allocations and records the result in the session
	// provided through ctx.
	Calculate(ctx context.Context, allocations map[string]float64) (session.Snapshot, error)
}

// Server wires HTTP routes for the business API.
type Server struct {
	healthHandler    *HealthHandler
	statsHandler     *StatsHandler
	sessionHandler   *SessionHandler
	calculateHandler *CalculateHandler
	streamHandler    *StreamHandler
	log              logger.Logger
}

// ServerOption applies a configuration option to the Server.
type ServerOption func(*Server)

// WithLogger sets the logger used by handlers.
func WithLogger(l logger.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies, statsProvider StatsProvider, opts ...ServerOption) *Server {
	s := &Server{log: logger.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	s.healthHandler = NewHealthHandler()
	s.statsHandler = NewStatsHandler(statsProvider)
	s.sessionHandler = NewSessionHandler(s.log)
	s.calculateHandler = NewCalculateHandler(deps, s.log)
	s.streamHandler = NewStreamHandler(s.log)
	return s
}

// Register attaches all HTTP routes to mux. Session routes run below a
// provider for store.
func (s *Server) Register(mux *http.ServeMux, store *session.Store) {
	route := func(path, endpoint string, h http.HandlerFunc) {
		mux.HandleFunc(path, RequestIDMiddleware(SessionProvider(store, MetricsMiddleware(h, endpoint))))
	}

	// Specific paths first (most specific to least specific)
	mux.HandleFunc("/healthz", MetricsMiddleware(s.healthHandler.HandleHealth, "healthz"))
	mux.HandleFunc("/stats", MetricsMiddleware(s.statsHandler.HandleStats, "stats"))
	route("/api/session/calculate", "session_calculate", s.calculateHandler.HandleCalculate)
	route("/api/session/stream", "session_stream", s.streamHandler.HandleStream)
	route("/api/session", "session", s.sessionHandler.HandleSession)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

// writeDomainError maps errors from the session, calculator and service
// layers to responses.
func writeDomainError(ctx context.Context, log logger.Logger, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrMissingProvider):
		log.Error(ctx, "score session provider missing",
			logger.String("request_id", RequestIDFromContext(ctx)),
			logger.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "missing_provider", err)
	case errors.Is(err, scoring.ErrNoAllocations), errors.Is(err, scoring.ErrInvalidWeight):
		writeError(w, http.StatusBadRequest, "invalid_allocations", err)
	case errors.Is(err, service.ErrNotStarted):
		writeError(w, http.StatusServiceUnavailable, "not_started", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "canceled", err)
	default:
		log.Error(ctx, "request failed",
			logger.String("request_id", RequestIDFromContext(ctx)),
			logger.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal_error", err)
	}
}

func methodNotAllowed(w http.ResponseWriter, op string, allow string) {
	w.Header().Set("Allow", allow)
	writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", NewKind(op, ErrMethodNotAllowed))
}
