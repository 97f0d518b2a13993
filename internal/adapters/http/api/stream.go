package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/okian/divscore/internal/domain/session"
	"github.com/okian/divscore/pkg/logger"
)

const defaultHeartbeat = 15 * time.Second

// StreamHandler pushes session snapshots as Server-Sent Events.
type StreamHandler struct {
	log       logger.Logger
	heartbeat time.Duration
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(log logger.Logger) *StreamHandler {
	return &StreamHandler{log: log, heartbeat: defaultHeartbeat}
}

// HandleStream handles GET /api/session/stream. It sends the current
// snapshot on connect and one snapshot per change until the client leaves.
func (h *StreamHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	const op = "api.stream"
	ctx := r.Context()

	if r.Method != http.MethodGet {
		methodNotAllowed(w, op, http.MethodGet)
		return
	}
	store, err := session.FromContext(ctx)
	if err != nil {
		writeDomainError(ctx, h.log, w, Wrap(op, err))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", NewKind(op, ErrStreamingUnsupported))
		return
	}

	// Only the latest snapshot matters to a slow client.
	updates := make(chan session.Snapshot, 1)
	_, cancel := store.Subscribe(func(snap session.Snapshot) {
		select {
		case updates <- snap:
		default:
			select {
			case <-updates:
			default:
			}
			updates <- snap
		}
	})
	defer cancel()

	// Streams outlive the server's write timeout.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		h.log.Debug(ctx, "stream write deadline not cleared", logger.Error(err))
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, store.Snapshot()); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-updates:
			if err := writeEvent(w, snap); err != nil {
				h.log.Debug(ctx, "stream client gone", logger.Error(err))
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, snap session.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}
