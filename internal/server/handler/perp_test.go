package handler

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perpvault/internal/domain"
	"github.com/alanyoungcy/perpvault/internal/perp"
)

// stubPerp implements PerpService with canned results.
type stubPerp struct {
	depositRes perp.DepositResult
	depositErr error
	redeemRes  perp.RedeemResult
	redeemErr  error
	supply     *big.Int
	reserve    []domain.AssetAmount

	lastCaller common.Address
	lastAmount *big.Int
}

func (s *stubPerp) Deposit(ctx context.Context, caller, trancheIn common.Address, amount *big.Int) (perp.DepositResult, error) {
	s.lastCaller = caller
	s.lastAmount = amount
	return s.depositRes, s.depositErr
}

func (s *stubPerp) Redeem(ctx context.Context, caller common.Address, requested *big.Int) (perp.RedeemResult, error) {
	s.lastCaller = caller
	s.lastAmount = requested
	return s.redeemRes, s.redeemErr
}

func (s *stubPerp) RedeemIcebox(ctx context.Context, caller, trancheTok common.Address, requested *big.Int) (perp.RedeemResult, error) {
	return s.redeemRes, s.redeemErr
}

func (s *stubPerp) Rollover(ctx context.Context, caller, trancheIn, tokenOut common.Address, amtIn, deviationRatio *big.Int) (perp.RolloverResult, error) {
	return perp.RolloverResult{}, nil
}

func (s *stubPerp) ClaimSupply() *big.Int {
	if s.supply == nil {
		return new(big.Int)
	}
	return s.supply
}

func (s *stubPerp) ReserveEntries() []domain.AssetAmount { return s.reserve }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const (
	testCaller  = "0x1111111111111111111111111111111111111111"
	testTranche = "0x2222222222222222222222222222222222222222"
)

func TestPerpDeposit(t *testing.T) {
	stub := &stubPerp{
		depositRes: perp.DepositResult{
			ClaimMinted: big.NewInt(195),
			Fee:         big.NewInt(5),
		},
	}
	h := NewPerpHandler(stub, nil, testLogger())

	body := `{"caller":"` + testCaller + `","tranche":"` + testTranche + `","amount":"200"}`
	req := httptest.NewRequest(http.MethodPost, "/api/perp/deposit", strings.NewReader(body))
	rec := httptest.NewRecorder()

	h.Deposit(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"claim_minted":"195","fee":"5"}`, rec.Body.String())
	assert.Equal(t, common.HexToAddress(testCaller), stub.lastCaller)
	assert.Equal(t, big.NewInt(200), stub.lastAmount)
}

func TestPerpDepositRejectsBadInput(t *testing.T) {
	h := NewPerpHandler(&stubPerp{}, nil, testLogger())

	cases := map[string]string{
		"bad caller":  `{"caller":"nope","tranche":"` + testTranche + `","amount":"200"}`,
		"bad tranche": `{"caller":"` + testCaller + `","tranche":"123","amount":"200"}`,
		"zero amount": `{"caller":"` + testCaller + `","tranche":"` + testTranche + `","amount":"0"}`,
		"not a number": `{"caller":"` + testCaller + `","tranche":"` + testTranche +
			`","amount":"12.5"}`,
		"unknown field": `{"caller":"` + testCaller + `","tranche":"` + testTranche +
			`","amount":"200","extra":true}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/perp/deposit", strings.NewReader(body))
			rec := httptest.NewRecorder()
			h.Deposit(rec, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestPerpDepositMapsDomainErrors(t *testing.T) {
	stub := &stubPerp{depositErr: domain.ErrUnacceptableDeposit}
	h := NewPerpHandler(stub, nil, testLogger())

	body := `{"caller":"` + testCaller + `","tranche":"` + testTranche + `","amount":"200"}`
	req := httptest.NewRequest(http.MethodPost, "/api/perp/deposit", strings.NewReader(body))
	rec := httptest.NewRecorder()

	h.Deposit(rec, req)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	stub.depositErr = domain.ErrInsufficientBalance
	rec = httptest.NewRecorder()
	h.Deposit(rec, httptest.NewRequest(http.MethodPost, "/api/perp/deposit", strings.NewReader(body)))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestPerpRedeemReportsPayouts(t *testing.T) {
	stub := &stubPerp{
		redeemRes: perp.RedeemResult{
			ClaimBurned: big.NewInt(50),
			Fee:         new(big.Int),
			Remainder:   new(big.Int),
			Payouts: []domain.AssetAmount{
				{Asset: common.HexToAddress(testTranche), Amount: big.NewInt(50)},
			},
		},
	}
	h := NewPerpHandler(stub, nil, testLogger())

	body := `{"caller":"` + testCaller + `","amount":"50"}`
	req := httptest.NewRequest(http.MethodPost, "/api/perp/redeem", strings.NewReader(body))
	rec := httptest.NewRecorder()

	h.Redeem(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{
		"claim_burned": "50",
		"fee": "0",
		"remainder": "0",
		"payouts": [{"asset":"`+common.HexToAddress(testTranche).Hex()+`","amount":"50"}]
	}`, rec.Body.String())
}

func TestPerpGetReserve(t *testing.T) {
	stub := &stubPerp{
		supply: big.NewInt(165),
		reserve: []domain.AssetAmount{
			{Asset: common.HexToAddress(testTranche), Amount: big.NewInt(165)},
		},
	}
	h := NewPerpHandler(stub, nil, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/perp/reserve", nil)
	rec := httptest.NewRecorder()

	h.GetReserve(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{
		"claim_supply": "165",
		"assets": [{"asset":"`+common.HexToAddress(testTranche).Hex()+`","amount":"165"}]
	}`, rec.Body.String())
}
