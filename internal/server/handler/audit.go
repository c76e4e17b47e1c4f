package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/perpvault/internal/domain"
)

// AuditHandler serves the append-only operation audit log.
type AuditHandler struct {
	store  domain.AuditStore
	logger *slog.Logger
}

// NewAuditHandler creates an AuditHandler over the given store.
func NewAuditHandler(store domain.AuditStore, logger *slog.Logger) *AuditHandler {
	return &AuditHandler{store: store, logger: logger}
}

// ListAudit returns the most recent audit entries, newest first.
// GET /api/audit?limit=N
func (h *AuditHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 50, 500)

	entries, err := h.store.List(r.Context(), limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list audit failed",
			slog.String("error", err.Error()),
		)
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

	writeJSON(w, http.StatusOK, map[string]any{
		"entries": out,
		"count":   len(out),
	})
}
