package handler

import (
	"math/big"
	"net/http"
	"time"

	"github.com/alanyoungcy/perpvault/internal/domain"
)

// SupplyView exposes the outstanding claim supply and queue contents.
type SupplyView interface {
	ClaimSupply() *big.Int
	QueueBonds() []domain.BondBatch
}

// ShareView exposes the outstanding vault share supply.
type ShareView interface {
	ShareSupply() *big.Int
}

// StatusHandler serves a one-shot backend status summary.
type StatusHandler struct {
	mode      string
	startedAt time.Time
	perp      SupplyView
	vault     ShareView
}

// NewStatusHandler creates a StatusHandler for the given mode.
func NewStatusHandler(mode string, startedAt time.Time, perp SupplyView, vault ShareView) *StatusHandler {
	return &StatusHandler{mode: mode, startedAt: startedAt, perp: perp, vault: vault}
}

// GetStatus responds with the backend mode, uptime, and headline supplies.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	uptime := int64(time.Since(h.startedAt).Seconds())
	if uptime < 0 {
		uptime = 0
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"mode":           h.mode,
		"uptime_seconds": uptime,
		"claim_supply":   bigStr(h.perp.ClaimSupply()),
		"share_supply":   bigStr(h.vault.ShareSupply()),
		"queue_length":   len(h.perp.QueueBonds()),
	})
}
