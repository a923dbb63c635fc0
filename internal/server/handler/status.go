package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/nftindexer/internal/domain"
)

// QueueInspector reports queue backlogs.
type QueueInspector interface {
	Depth(ctx context.Context, queue string) (domain.QueueDepth, error)
}

// OrderCounter reports order counts per fillability status.
type OrderCounter interface {
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

// StatusHandler serves the runtime status: mode, queue backlogs, order
// counts and the log syncer cursor.
type StatusHandler struct {
	mode    string
	queues  []string
	depths  QueueInspector
	orders  OrderCounter
	cursors domain.SyncStateStore
	cursor  string
	logger  *slog.Logger
}

// NewStatusHandler creates a StatusHandler. cursors may be nil when the
// process does not sync logs.
func NewStatusHandler(mode string, queues []string, depths QueueInspector, orders OrderCounter,
	cursors domain.SyncStateStore, cursor string, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{
		mode:    mode,
		queues:  queues,
		depths:  depths,
		orders:  orders,
		cursors: cursors,
		cursor:  cursor,
		logger:  logger,
	}
}

// GetStatus responds with the current backlog and order counts.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logHandler(h.logger, "status")

	depths := make([]domain.QueueDepth, 0, len(h.queues))
	for _, q := range h.queues {
		d, err := h.depths.Depth(ctx, q)
		if err != nil {
			log.ErrorContext(ctx, "queue depth failed", slog.String("queue", q), slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "failed to read queue depth")
			return
		}
		depths = append(depths, d)
	}

	counts, err := h.orders.CountByStatus(ctx)
	if err != nil {
		log.ErrorContext(ctx, "order counts failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to count orders")
		return
	}

	resp := map[string]any{
		"mode":   h.mode,
		"queues": depths,
		"orders": counts,
	}
	if h.cursors != nil {
		c, err := h.cursors.GetCursor(ctx, h.cursor)
		switch {
		case err == nil:
			resp["sync"] = map[string]any{"block": c.Block, "updated_at": c.UpdatedAt}
		case errors.Is(err, domain.ErrNotFound):
			resp["sync"] = nil
		default:
			log.ErrorContext(ctx, "sync cursor failed", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "failed to read sync cursor")
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
