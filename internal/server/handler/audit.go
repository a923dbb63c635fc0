package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/nftindexer/internal/domain"
)

// AuditHandler lists the audit log and the dead-letter archive.
type AuditHandler struct {
	audit   domain.AuditStore
	archive domain.DeadLetterArchive
	logger  *slog.Logger
}

// NewAuditHandler creates an AuditHandler. archive may be nil when no
// blob store is configured.
func NewAuditHandler(audit domain.AuditStore, archive domain.DeadLetterArchive, logger *slog.Logger) *AuditHandler {
	return &AuditHandler{audit: audit, archive: archive, logger: logger}
}

// ListAudit returns audit rows, newest first.
// GET /api/audit?limit=&offset=&since=&until=&event=
func (h *AuditHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := h.audit.List(r.Context(), opts)
	if err != nil {
		logHandler(h.logger, "audit").ErrorContext(r.Context(), "list audit failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list audit log")
		return
	}

	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]any{
			"id":         e.ID,
			"event":      e.Event,
			"detail":     e.Detail,
			"created_at": e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

// ListDeadLetters returns archived failed jobs of one queue.
// GET /api/dead-letters?queue=
func (h *AuditHandler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		writeError(w, http.StatusNotImplemented, "dead-letter archive not configured")
		return
	}
	queue := r.URL.Query().Get("queue")
	if queue == "" {
		writeError(w, http.StatusBadRequest, "queue is required")
		return
	}

	infos, err := h.archive.ListFailedJobs(r.Context(), queue)
	if err != nil {
		logHandler(h.logger, "dead-letters").ErrorContext(r.Context(), "list dead letters failed",
			slog.String("queue", queue),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}

	out := make([]map[string]any, 0, len(infos))
	for _, info := range infos {
		out = append(out, map[string]any{
			"path":          info.Path,
			"size":          info.Size,
			"last_modified": info.LastModified,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"queue": queue, "jobs": out})
}
