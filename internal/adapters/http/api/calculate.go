package api

import (
	"encoding/json"
	"net/http"

	"github.com/okian/divscore/internal/domain/session"
	"github.com/okian/divscore/pkg/logger"
)

type calculateRequest struct {
	Allocations map[string]float64 `json:"allocations"`
}

// CalculateHandler runs the calculator and records its result.
type CalculateHandler struct {
	deps Dependencies
	log  logger.Logger
}

// NewCalculateHandler creates a new calculate handler.
func NewCalculateHandler(deps Dependencies, log logger.Logger) *CalculateHandler {
	return &CalculateHandler{deps: deps, log: log}
}

// HandleCalculate handles POST /api/session/calculate.
func (h *CalculateHandler) HandleCalculate(w http.ResponseWriter, r *http.Request) {
	const op = "api.calculate"
	ctx := r.Context()

	if r.Method != http.MethodPost {
		methodNotAllowed(w, op, http.MethodPost)
		return
	}
	if _, err := session.FromContext(ctx); err != nil {
		writeDomainError(ctx, h.log, w, Wrap(op, err))
		return
	}

	var req calculateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	snap, err := h.deps.Calculate(ctx, req.Allocations)
	if err != nil {
		writeDomainError(ctx, h.log, w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
