package handler

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/perpvault/internal/domain"
	"github.com/alanyoungcy/perpvault/internal/perp"
)

// PerpService defines the claim engine operations the handler requires.
type PerpService interface {
	Deposit(ctx context.Context, caller, trancheIn common.Address, amount *big.Int) (perp.DepositResult, error)
	Redeem(ctx context.Context, caller common.Address, requested *big.Int) (perp.RedeemResult, error)
	RedeemIcebox(ctx context.Context, caller, trancheTok common.Address, requested *big.Int) (perp.RedeemResult, error)
	Rollover(ctx context.Context, caller, trancheIn, tokenOut common.Address, amtIn, deviationRatio *big.Int) (perp.RolloverResult, error)
	ClaimSupply() *big.Int
	ReserveEntries() []domain.AssetAmount
}

// PerpHandler serves claim-token mint, burn, and rollover endpoints.
type PerpHandler struct {
	engine PerpService
	bus    domain.SignalBus
	logger *slog.Logger
}

// NewPerpHandler creates a PerpHandler. The signal bus may be nil, in which
// case operation events are not published.
func NewPerpHandler(engine PerpService, bus domain.SignalBus, logger *slog.Logger) *PerpHandler {
	return &PerpHandler{engine: engine, bus: bus, logger: logger}
}

// depositRequest is the body for POST /api/perp/deposit.
type depositRequest struct {
	Caller  string `json:"caller"`
	Tranche string `json:"tranche"`
	Amount  string `json:"amount"`
}

// Deposit converts tranche tokens of the minting bond into claim tokens.
// POST /api/perp/deposit
func (h *PerpHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	caller, err := parseAddr("caller", req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tranche, err := parseAddr("tranche", req.Tranche)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.engine.Deposit(r.Context(), caller, tranche, amount)
	if err != nil {
		writeDomainError(w, h.logger, r, "deposit", err)
		return
	}

	emitOp(r.Context(), h.bus, h.logger, domain.OpEvent{
		Op:     "perp.deposit",
		Caller: caller.Hex(),
		Asset:  tranche.Hex(),
		Amount: bigStr(res.ClaimMinted),
		Fee:    bigStr(res.Fee),
	})

	writeJSON(w, http.StatusOK, map[string]string{
		"claim_minted": bigStr(res.ClaimMinted),
		"fee":          bigStr(res.Fee),
	})
}

// redeemRequest is the body for POST /api/perp/redeem.
type redeemRequest struct {
	Caller string `json:"caller"`
	Amount string `json:"amount"`
}

// Redeem burns claim tokens against the queue head bonds, paying out tranche
// tokens in queue order. Partial fills report the unfilled remainder.
// POST /api/perp/redeem
func (h *PerpHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	caller, err := parseAddr("caller", req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.engine.Redeem(r.Context(), caller, amount)
	if err != nil {
		writeDomainError(w, h.logger, r, "redeem", err)
		return
	}

	emitOp(r.Context(), h.bus, h.logger, domain.OpEvent{
		Op:     "perp.redeem",
		Caller: caller.Hex(),
		Amount: bigStr(res.ClaimBurned),
		Fee:    bigStr(res.Fee),
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"claim_burned": bigStr(res.ClaimBurned),
		"fee":          bigStr(res.Fee),
		"remainder":    bigStr(res.Remainder),
		"payouts":      assetList(res.Payouts),
	})
}

// iceboxRequest is the body for POST /api/perp/icebox.
type iceboxRequest struct {
	Caller  string `json:"caller"`
	Tranche string `json:"tranche"`
	Amount  string `json:"amount"`
}

// RedeemIcebox burns claim tokens against one evicted reserve tranche. Only
// allowed once the bond queue is empty.
// POST /api/perp/icebox
func (h *PerpHandler) RedeemIcebox(w http.ResponseWriter, r *http.Request) {
	var req iceboxRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	caller, err := parseAddr("caller", req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tranche, err := parseAddr("tranche", req.Tranche)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.engine.RedeemIcebox(r.Context(), caller, tranche, amount)
	if err != nil {
		writeDomainError(w, h.logger, r, "icebox redeem", err)
		return
	}

	emitOp(r.Context(), h.bus, h.logger, domain.OpEvent{
		Op:     "perp.icebox",
		Caller: caller.Hex(),
		Asset:  tranche.Hex(),
		Amount: bigStr(res.ClaimBurned),
		Fee:    bigStr(res.Fee),
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"claim_burned": bigStr(res.ClaimBurned),
		"fee":          bigStr(res.Fee),
		"remainder":    bigStr(res.Remainder),
		"payouts":      assetList(res.Payouts),
	})
}

// rolloverRequest is the body for POST /api/perp/rollover.
type rolloverRequest struct {
	Caller   string `json:"caller"`
	TokenIn  string `json:"token_in"`
	TokenOut string `json:"token_out"`
	AmountIn string `json:"amount_in"`
	// DeviationRatio optionally scales the rollover fee; empty means the
	// standard fee applies.
	DeviationRatio string `json:"deviation_ratio,omitempty"`
}

// Rollover exchanges an off-queue reserve tranche for an equally-valued amount
// of another token, scaled down on partial reserve fills.
// POST /api/perp/rollover
func (h *PerpHandler) Rollover(w http.ResponseWriter, r *http.Request) {
	var req rolloverRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	caller, err := parseAddr("caller", req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tokenIn, err := parseAddr("token_in", req.TokenIn)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tokenOut, err := parseAddr("token_out", req.TokenOut)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amountIn, err := parseAmount("amount_in", req.AmountIn)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var deviation *big.Int
	if req.DeviationRatio != "" {
		deviation, err = parseAmount("deviation_ratio", req.DeviationRatio)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	res, err := h.engine.Rollover(r.Context(), caller, tokenIn, tokenOut, amountIn, deviation)
	if err != nil {
		writeDomainError(w, h.logger, r, "rollover", err)
		return
	}

	emitOp(r.Context(), h.bus, h.logger, domain.OpEvent{
		Op:     "perp.rollover",
		Caller: caller.Hex(),
		Asset:  tokenIn.Hex(),
		Amount: bigStr(res.TrancheInUsed),
		Fee:    bigStr(res.Fee),
	})

	writeJSON(w, http.StatusOK, map[string]string{
		"token_in_used": bigStr(res.TrancheInUsed),
		"token_out_amt": bigStr(res.TokenOutAmt),
		"claim_value":   bigStr(res.ClaimEquiv),
		"fee":           bigStr(res.Fee),
	})
}

// GetReserve returns the claim reserve ledger and outstanding claim supply.
// GET /api/perp/reserve
func (h *PerpHandler) GetReserve(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"claim_supply": bigStr(h.engine.ClaimSupply()),
		"assets":       assetList(h.engine.ReserveEntries()),
	})
}
