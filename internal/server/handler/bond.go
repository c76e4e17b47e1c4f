package handler

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/perpvault/internal/domain"
)

// BondService defines the read-side bond queue methods the handler requires.
type BondService interface {
	QueueBonds() []domain.BondBatch
	MintingBond(ctx context.Context) (*domain.BondBatch, error)
	BurningBond(ctx context.Context) (*domain.BondBatch, error)
	PriceOf(ctx context.Context, tranche common.Address) (*big.Int, error)
}

// YieldProvider exposes the frozen-on-first-use yield table.
type YieldProvider interface {
	All() map[domain.ClassKey][]*big.Int
	Set(class domain.ClassKey, factors []*big.Int) error
}

// BondHandler serves bond-queue-related HTTP endpoints.
type BondHandler struct {
	bonds      BondService
	yields     YieldProvider
	yieldStore domain.YieldStore // may be nil; persistence is then skipped
	logger     *slog.Logger
}

// NewBondHandler creates a BondHandler with the given service and logger.
func NewBondHandler(bonds BondService, yields YieldProvider, yieldStore domain.YieldStore, logger *slog.Logger) *BondHandler {
	return &BondHandler{bonds: bonds, yields: yields, yieldStore: yieldStore, logger: logger}
}

// bondJSON is the wire rendering of one queued bond.
type bondJSON struct {
	Address    string        `json:"address"`
	Collateral string        `json:"collateral"`
	Maturity   time.Time     `json:"maturity"`
	Class      string        `json:"class"`
	Tranches   []trancheJSON `json:"tranches"`
}

type trancheJSON struct {
	Token     string `json:"token"`
	Seniority int    `json:"seniority"`
	Ratio     uint32 `json:"ratio"`
}

func toBondJSON(b *domain.BondBatch) bondJSON {
	out := bondJSON{
		Address:    b.Address.Hex(),
		Collateral: b.Collateral.Hex(),
		Maturity:   b.Maturity.UTC(),
		Class:      b.Class().Hex(),
		Tranches:   make([]trancheJSON, 0, len(b.Tranches)),
	}
	for _, t := range b.Tranches {
		out.Tranches = append(out.Tranches, trancheJSON{
			Token:     t.Token.Hex(),
			Seniority: t.Seniority,
			Ratio:     t.Ratio,
		})
	}
	return out
}

// ListBonds returns the bond queue in redemption order.
// GET /api/bonds
func (h *BondHandler) ListBonds(w http.ResponseWriter, r *http.Request) {
	bonds := h.bonds.QueueBonds()

	out := make([]bondJSON, 0, len(bonds))
	for i := range bonds {
		out = append(out, toBondJSON(&bonds[i]))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"bonds": out,
		"count": len(out),
	})
}

// MintingBond returns the bond currently accepting deposits, refreshing the
// queue against the issuer first.
// GET /api/bonds/minting
func (h *BondHandler) MintingBond(w http.ResponseWriter, r *http.Request) {
	bond, err := h.bonds.MintingBond(r.Context())
	if err != nil {
		writeDomainError(w, h.logger, r, "minting bond", err)
		return
	}
	if bond == nil {
		writeError(w, http.StatusNotFound, "no bond currently minting")
		return
	}
	writeJSON(w, http.StatusOK, toBondJSON(bond))
}

// BurningBond returns the queue head after evicting mature bonds.
// GET /api/bonds/burning
func (h *BondHandler) BurningBond(w http.ResponseWriter, r *http.Request) {
	bond, err := h.bonds.BurningBond(r.Context())
	if err != nil {
		writeDomainError(w, h.logger, r, "burning bond", err)
		return
	}
	if bond == nil {
		writeError(w, http.StatusNotFound, "bond queue is empty")
		return
	}
	writeJSON(w, http.StatusOK, toBondJSON(bond))
}

// ListYields returns every registered bond class with its per-seniority
// conversion factors, most senior first.
// GET /api/bonds/yields
func (h *BondHandler) ListYields(w http.ResponseWriter, r *http.Request) {
	all := h.yields.All()

	out := make(map[string][]string, len(all))
	for class, factors := range all {
		fs := make([]string, 0, len(factors))
		for _, f := range factors {
			fs = append(fs, f.String())
		}
		out[class.Hex()] = fs
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"yields": out,
		"count":  len(out),
	})
}

// setYieldsRequest is the body for POST /api/bonds/yields.
type setYieldsRequest struct {
	Class   string   `json:"class"`
	Factors []string `json:"factors"`
}

// SetYields installs the per-seniority conversion factors for a bond class.
// Fails once the class has minted: factors freeze on first use.
// POST /api/bonds/yields
func (h *BondHandler) SetYields(w http.ResponseWriter, r *http.Request) {
	var req setYieldsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Class) != 2+2*common.HashLength || req.Class[:2] != "0x" {
		writeError(w, http.StatusBadRequest, "class must be a 0x-prefixed 32-byte hex hash")
		return
	}
	if len(req.Factors) == 0 {
		writeError(w, http.StatusBadRequest, "factors must not be empty")
		return
	}

	class := domain.ClassKey(common.HexToHash(req.Class))
	factors := make([]*big.Int, 0, len(req.Factors))
	for i, f := range req.Factors {
		n, ok := new(big.Int).SetString(f, 10)
		if !ok || n.Sign() < 0 {
			writeError(w, http.StatusBadRequest,
				"factors["+strconv.Itoa(i)+"] must be a non-negative integer")
			return
		}
		factors = append(factors, n)
	}

	if err := h.yields.Set(class, factors); err != nil {
		writeDomainError(w, h.logger, r, "set yields", err)
		return
	}

	if h.yieldStore != nil {
		if err := h.yieldStore.SetYields(r.Context(), class, factors); err != nil {
			// The in-memory table is already updated; report but do not fail.
			h.logger.ErrorContext(r.Context(), "handler: persist yields failed",
				slog.String("class", class.Hex()),
				slog.String("error", err.Error()),
			)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"class":   class.Hex(),
		"factors": req.Factors,
	})
}

// GetPrice returns the current price of one tranche token.
// GET /api/bonds/price/{token}
func (h *BondHandler) GetPrice(w http.ResponseWriter, r *http.Request) {
	token, err := parseAddr("token", r.PathValue("token"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	price, err := h.bonds.PriceOf(r.Context(), token)
	if err != nil {
		writeDomainError(w, h.logger, r, "tranche price", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"token": token.Hex(),
		"price": price.String(),
	})
}
