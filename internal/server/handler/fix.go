package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/alanyoungcy/nftindexer/internal/domain"
)

// FixHandler lets operators queue order re-checks by hand.
type FixHandler struct {
	queue  domain.JobQueue
	logger *slog.Logger
}

// NewFixHandler creates a FixHandler enqueueing onto queue.
func NewFixHandler(queue domain.JobQueue, logger *slog.Logger) *FixHandler {
	return &FixHandler{queue: queue, logger: logger}
}

// EnqueueFix queues a fix job. The body is a fix trigger; a missing
// context gets a fresh "admin-" id so repeated requests are not deduplicated.
// POST /api/orders/fix
func (h *FixHandler) EnqueueFix(w http.ResponseWriter, r *http.Request) {
	log := logHandler(h.logger, "fix")

	var fix domain.FixTrigger
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&fix); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := fix.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if fix.Context == "" {
		fix.Context = "admin-" + uuid.NewString()
	}

	job, err := domain.NewJob(domain.QueueOrderFixes, fix.Context, fix)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.queue.Enqueue(context.WithoutCancel(r.Context()), job); err != nil {
		log.ErrorContext(r.Context(), "enqueue fix failed",
			slog.String("context", fix.Context),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to enqueue fix")
		return
	}

	log.InfoContext(r.Context(), "fix queued",
		slog.String("context", fix.Context),
		slog.String("by", string(fix.By)),
		slog.String("key", fix.Key()),
	)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": job.ID,
		"queue":  job.Queue,
	})
}
