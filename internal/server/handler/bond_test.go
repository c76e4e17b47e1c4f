package handler

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perpvault/internal/domain"
)

type stubBonds struct {
	queue []domain.BondBatch
}

func (s *stubBonds) QueueBonds() []domain.BondBatch { return s.queue }

func (s *stubBonds) MintingBond(ctx context.Context) (*domain.BondBatch, error) {
	if len(s.queue) == 0 {
		return nil, nil
	}
	b := s.queue[len(s.queue)-1]
	return &b, nil
}

func (s *stubBonds) BurningBond(ctx context.Context) (*domain.BondBatch, error) {
	if len(s.queue) == 0 {
		return nil, nil
	}
	b := s.queue[0]
	return &b, nil
}

func (s *stubBonds) PriceOf(ctx context.Context, tranche common.Address) (*big.Int, error) {
	return big.NewInt(1), nil
}

type stubYields struct {
	table  map[domain.ClassKey][]*big.Int
	setErr error
}

func (s *stubYields) All() map[domain.ClassKey][]*big.Int { return s.table }

func (s *stubYields) Set(class domain.ClassKey, factors []*big.Int) error {
	if s.setErr != nil {
		return s.setErr
	}
	if s.table == nil {
		s.table = make(map[domain.ClassKey][]*big.Int)
	}
	s.table[class] = factors
	return nil
}

const testClass = "0x3333333333333333333333333333333333333333333333333333333333333333"

func TestBondSetYields(t *testing.T) {
	yields := &stubYields{}
	h := NewBondHandler(&stubBonds{}, yields, nil, testLogger())

	body := `{"class":"` + testClass + `","factors":["1000000","900000"]}`
	req := httptest.NewRequest(http.MethodPost, "/api/bonds/yields", strings.NewReader(body))
	rec := httptest.NewRecorder()

	h.SetYields(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	class := domain.ClassKey(common.HexToHash(testClass))
	require.Len(t, yields.table[class], 2)
	assert.Equal(t, big.NewInt(1_000_000), yields.table[class][0])
	assert.Equal(t, big.NewInt(900_000), yields.table[class][1])
}

func TestBondSetYieldsFrozenClass(t *testing.T) {
	yields := &stubYields{setErr: domain.ErrUnacceptableParams}
	h := NewBondHandler(&stubBonds{}, yields, nil, testLogger())

	body := `{"class":"` + testClass + `","factors":["1000000"]}`
	req := httptest.NewRequest(http.MethodPost, "/api/bonds/yields", strings.NewReader(body))
	rec := httptest.NewRecorder()

	h.SetYields(rec, req)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestBondSetYieldsRejectsBadInput(t *testing.T) {
	h := NewBondHandler(&stubBonds{}, &stubYields{}, nil, testLogger())

	cases := map[string]string{
		"short class":     `{"class":"0x1234","factors":["1000000"]}`,
		"no factors":      `{"class":"` + testClass + `","factors":[]}`,
		"negative factor": `{"class":"` + testClass + `","factors":["-1"]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/bonds/yields", strings.NewReader(body))
			rec := httptest.NewRecorder()
			h.SetYields(rec, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestBondListYields(t *testing.T) {
	class := domain.ClassKey(common.HexToHash(testClass))
	yields := &stubYields{table: map[domain.ClassKey][]*big.Int{
		class: {big.NewInt(1_000_000)},
	}}
	h := NewBondHandler(&stubBonds{}, yields, nil, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/bonds/yields", nil)
	rec := httptest.NewRecorder()

	h.ListYields(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{
		"yields": {"`+class.Hex()+`": ["1000000"]},
		"count": 1
	}`, rec.Body.String())
}
