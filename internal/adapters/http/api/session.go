package api

import (
	"encoding/json"
	"net/http"

	"github.com/okian/divscore/internal/domain/session"
	"github.com/okian/divscore/pkg/logger"
)

// setScoreRequest is the body of PUT /api/session. Omitting allocations (or
// sending null) keeps the stored breakdown.
type setScoreRequest struct {
	Score       *int               `json:"score"`
	Allocations map[string]float64 `json:"allocations"`
}

// SessionHandler serves the score session resource.
type SessionHandler struct {
	log logger.Logger
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(log logger.Logger) *SessionHandler {
	return &SessionHandler{log: log}
}

// HandleSession handles GET, PUT and DELETE /api/session.
func (h *SessionHandler) HandleSession(w http.ResponseWriter, r *http.Request) {
	const op = "api.session"
	ctx := r.Context()

	store, err := session.FromContext(ctx)
	if err != nil {
		writeDomainError(ctx, h.log, w, Wrap(op, err))
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, store.Snapshot())
	case http.MethodPut:
		var req setScoreRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
			return
		}
		if req.Score == nil {
			writeError(w, http.StatusBadRequest, "bad_request", NewKind(op, ErrMissingScore))
			return
		}
		store.SetScoreData(ctx, *req.Score, req.Allocations)
		writeJSON(w, http.StatusOK, store.Snapshot())
	case http.MethodDelete:
		store.ResetScore(ctx)
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, op, "GET, PUT, DELETE")
	}
}
