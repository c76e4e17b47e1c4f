package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/perpvault/internal/domain"
)

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps domain sentinel errors to HTTP status codes and sends
// the matching JSON error response. Unknown errors become a generic 500 so
// internals never leak to clients.
func writeDomainError(w http.ResponseWriter, logger *slog.Logger, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrUnacceptableBond),
		errors.Is(err, domain.ErrUnacceptableDeposit),
		errors.Is(err, domain.ErrUnacceptableRedemption),
		errors.Is(err, domain.ErrUnacceptableParams),
		errors.Is(err, domain.ErrUnexpectedAsset):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, domain.ErrInsufficientBalance),
		errors.Is(err, domain.ErrInsufficientDeployment),
		errors.Is(err, domain.ErrDeployedCountOverLimit),
		errors.Is(err, domain.ErrLiquidityOutOfBounds):
		writeError(w, http.StatusConflict, err.Error())
	default:
		logger.ErrorContext(r.Context(), "handler: "+op+" failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, op+" failed")
	}
}

// decodeJSON parses the request body into dst, limiting the body size to 1 MiB
// and rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// parseAddr validates and parses a hex address from a request field.
func parseAddr(field, v string) (common.Address, error) {
	if !common.IsHexAddress(v) {
		return common.Address{}, fmt.Errorf("%s is not a valid address: %q", field, v)
	}
	return common.HexToAddress(v), nil
}

// parseAmount parses a positive integer amount carried as a decimal string.
func parseAmount(field, v string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(v, 10)
	if !ok {
		return nil, fmt.Errorf("%s is not a valid integer: %q", field, v)
	}
	if n.Sign() <= 0 {
		return nil, fmt.Errorf("%s must be positive", field)
	}
	return n, nil
}

// parseLimit extracts a "limit" query parameter with a default and a cap.
func parseLimit(r *http.Request, def, max int) int {
	limit := def
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > max {
		limit = max
	}
	return limit
}

// assetList renders asset amounts as JSON rows with decimal-string balances.
func assetList(assets []domain.AssetAmount) []map[string]string {
	out := make([]map[string]string, 0, len(assets))
	for _, a := range assets {
		out = append(out, map[string]string{
			"asset":  a.Asset.Hex(),
			"amount": a.Amount.String(),
		})
	}
	return out
}

// bigStr renders a possibly-nil big.Int as a decimal string.
func bigStr(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// logHandler is a convenience to attach slog fields in handler code.
func logHandler(logger *slog.Logger, handler string) *slog.Logger {
	return logger.With(slog.String("handler", handler))
}
