package handler

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/perpvault/internal/domain"
	"github.com/alanyoungcy/perpvault/internal/vault"
)

// VaultService defines the vault operations the handler requires.
type VaultService interface {
	Deposit(ctx context.Context, caller common.Address, amount *big.Int) (*big.Int, error)
	Redeem(ctx context.Context, caller common.Address, shareAmt *big.Int) ([]domain.AssetAmount, error)
	ComputeMintAmt(ctx context.Context, amount *big.Int) (*big.Int, error)
	ComputeRedemptionAmts(ctx context.Context, shareAmt *big.Int) ([]domain.AssetAmount, error)
	TotalValue(ctx context.Context) (*big.Int, error)
	ShareSupply() *big.Int
	ReserveEntries() []domain.AssetAmount
	Deploy(ctx context.Context) (vault.DeployResult, error)
	Recover(ctx context.Context) (vault.RecoverResult, error)
	RecoverAndRedeploy(ctx context.Context) (vault.RecoverResult, vault.DeployResult, error)
	SwapUnderlyingForPerps(ctx context.Context, caller common.Address, amount *big.Int) (*big.Int, error)
	SwapPerpsForUnderlying(ctx context.Context, caller common.Address, claimAmt *big.Int) (*big.Int, error)
}

// VaultHandler serves vault share, automaton, and swap endpoints.
type VaultHandler struct {
	vault  VaultService
	bus    domain.SignalBus
	logger *slog.Logger
}

// NewVaultHandler creates a VaultHandler. The signal bus may be nil, in which
// case operation events are not published.
func NewVaultHandler(v VaultService, bus domain.SignalBus, logger *slog.Logger) *VaultHandler {
	return &VaultHandler{vault: v, bus: bus, logger: logger}
}

// GetState returns the vault's holdings, total value, and share supply.
// GET /api/vault
func (h *VaultHandler) GetState(w http.ResponseWriter, r *http.Request) {
	total, err := h.vault.TotalValue(r.Context())
	if err != nil {
		writeDomainError(w, h.logger, r, "vault state", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total_value":  bigStr(total),
		"share_supply": bigStr(h.vault.ShareSupply()),
		"assets":       assetList(h.vault.ReserveEntries()),
	})
}

// vaultDepositRequest is the body for POST /api/vault/deposit.
type vaultDepositRequest struct {
	Caller string `json:"caller"`
	Amount string `json:"amount"`
}

// Deposit takes underlying from the caller and mints vault shares pro rata to
// the vault's net asset value.
// POST /api/vault/deposit
func (h *VaultHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req vaultDepositRequest
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

	minted, err := h.vault.Deposit(r.Context(), caller, amount)
	if err != nil {
		writeDomainError(w, h.logger, r, "vault deposit", err)
		return
	}

	emitOp(r.Context(), h.bus, h.logger, domain.OpEvent{
		Op:     "vault.deposit",
		Caller: caller.Hex(),
		Amount: bigStr(minted),
	})

	writeJSON(w, http.StatusOK, map[string]string{
		"shares_minted": bigStr(minted),
	})
}

// vaultRedeemRequest is the body for POST /api/vault/redeem.
type vaultRedeemRequest struct {
	Caller string `json:"caller"`
	Shares string `json:"shares"`
}

// Redeem burns vault shares for a pro-rata slice of every vault holding.
// POST /api/vault/redeem
func (h *VaultHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req vaultRedeemRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	caller, err := parseAddr("caller", req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	shares, err := parseAmount("shares", req.Shares)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	payouts, err := h.vault.Redeem(r.Context(), caller, shares)
	if err != nil {
		writeDomainError(w, h.logger, r, "vault redeem", err)
		return
	}

	emitOp(r.Context(), h.bus, h.logger, domain.OpEvent{
		Op:     "vault.redeem",
		Caller: caller.Hex(),
		Amount: shares.String(),
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"payouts": assetList(payouts),
	})
}

// PreviewMint quotes the shares minted for a hypothetical deposit.
// GET /api/vault/preview/mint?amount=N
func (h *VaultHandler) PreviewMint(w http.ResponseWriter, r *http.Request) {
	amount, err := parseAmount("amount", r.URL.Query().Get("amount"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	minted, err := h.vault.ComputeMintAmt(r.Context(), amount)
	if err != nil {
		writeDomainError(w, h.logger, r, "preview mint", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"shares_minted": bigStr(minted),
	})
}

// PreviewRedeem quotes the payouts for a hypothetical share redemption.
// GET /api/vault/preview/redeem?shares=N
func (h *VaultHandler) PreviewRedeem(w http.ResponseWriter, r *http.Request) {
	shares, err := parseAmount("shares", r.URL.Query().Get("shares"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	payouts, err := h.vault.ComputeRedemptionAmts(r.Context(), shares)
	if err != nil {
		writeDomainError(w, h.logger, r, "preview redeem", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"payouts": assetList(payouts),
	})
}

// Deploy runs one deployment pass: split usable underlying into tranches and
// roll the junior tranche into the claim reserve.
// POST /api/vault/deploy
func (h *VaultHandler) Deploy(w http.ResponseWriter, r *http.Request) {
	res, err := h.vault.Deploy(r.Context())
	if err != nil {
		writeDomainError(w, h.logger, r, "vault deploy", err)
		return
	}

	emitOp(r.Context(), h.bus, h.logger, domain.OpEvent{
		Op:     "vault.deploy",
		Amount: bigStr(res.Deployed),
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"deployed": bigStr(res.Deployed),
		"minted":   assetList(res.Minted),
		"rolled":   bigStr(res.Rolled),
	})
}

// Recover runs one recovery pass over mature deployed tranches, optionally
// redeploying the released collateral in the same pass.
// POST /api/vault/recover?redeploy=true
func (h *VaultHandler) Recover(w http.ResponseWriter, r *http.Request) {
	redeploy, _ := strconv.ParseBool(r.URL.Query().Get("redeploy"))

	if redeploy {
		rec, dep, err := h.vault.RecoverAndRedeploy(r.Context())
		if err != nil {
			writeDomainError(w, h.logger, r, "vault recover", err)
			return
		}
		emitOp(r.Context(), h.bus, h.logger, domain.OpEvent{
			Op:     "vault.recover",
			Amount: bigStr(dep.Deployed),
		})
		writeJSON(w, http.StatusOK, map[string]any{
			"recovered": assetList(rec.Recovered),
			"deployed":  bigStr(dep.Deployed),
			"minted":    assetList(dep.Minted),
			"rolled":    bigStr(dep.Rolled),
		})
		return
	}

	rec, err := h.vault.Recover(r.Context())
	if err != nil {
		writeDomainError(w, h.logger, r, "vault recover", err)
		return
	}
	emitOp(r.Context(), h.bus, h.logger, domain.OpEvent{
		Op: "vault.recover",
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"recovered": assetList(rec.Recovered),
	})
}

// swapRequest is the body for POST /api/vault/swap.
type swapRequest struct {
	Caller string `json:"caller"`
	// Direction is "underlying_to_perps" or "perps_to_underlying".
	Direction string `json:"direction"`
	Amount    string `json:"amount"`
}

// Swap exchanges underlying for claim tokens (or back) at net asset value,
// within the vault's configured liquidity bounds.
// POST /api/vault/swap
func (h *VaultHandler) Swap(w http.ResponseWriter, r *http.Request) {
	var req swapRequest
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

	var out *big.Int
	switch req.Direction {
	case "underlying_to_perps":
		out, err = h.vault.SwapUnderlyingForPerps(r.Context(), caller, amount)
	case "perps_to_underlying":
		out, err = h.vault.SwapPerpsForUnderlying(r.Context(), caller, amount)
	default:
		writeError(w, http.StatusBadRequest,
			`direction must be "underlying_to_perps" or "perps_to_underlying"`)
		return
	}
	if err != nil {
		writeDomainError(w, h.logger, r, "vault swap", err)
		return
	}

	emitOp(r.Context(), h.bus, h.logger, domain.OpEvent{
		Op:     "vault.swap." + req.Direction,
		Caller: caller.Hex(),
		Amount: amount.String(),
	})

	writeJSON(w, http.StatusOK, map[string]string{
		"amount_out": bigStr(out),
	})
}
