package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/alanyoungcy/perpvault/internal/domain"
)

// OpsChannel is the signal bus channel carrying operation events.
const OpsChannel = "ops"

// emitOp publishes an operation event on the signal bus. Failures are logged
// and swallowed: the operation itself already committed.
func emitOp(ctx context.Context, bus domain.SignalBus, logger *slog.Logger, ev domain.OpEvent) {
	if bus == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := bus.Publish(ctx, OpsChannel, payload); err != nil {
		logger.WarnContext(ctx, "handler: publish op event failed",
			slog.String("op", ev.Op),
			slog.String("error", err.Error()),
		)
	}
}
