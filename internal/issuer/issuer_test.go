package issuer

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perpvault/internal/book"
	"github.com/alanyoungcy/perpvault/internal/domain"
)

var (
	collateral = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	holder     = common.HexToAddress("0x0000000000000000000000000000000000000a11")
)

func newIssuer(t *testing.T, now *time.Time, bk *book.Book) *Sequential {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := New(Config{
		Collateral:    collateral,
		Ratios:        []uint32{200, 800},
		BondDuration:  4 * time.Hour,
		IssueInterval: time.Hour,
	}, bk, func() time.Time { return *now }, logger)
	require.NoError(t, err)
	return s
}

func TestConfigValidate(t *testing.T) {
	err := Config{Ratios: []uint32{500, 400}, BondDuration: time.Hour}.Validate()
	require.Error(t, err)
	err = Config{Ratios: []uint32{1000}}.Validate()
	require.Error(t, err)
	err = Config{Ratios: []uint32{200, 800}, BondDuration: time.Hour}.Validate()
	require.NoError(t, err)
}

func TestIssueDerivesDistinctSeries(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := newIssuer(t, &now, book.New())

	b1, err := s.Issue(context.Background())
	require.NoError(t, err)
	now = now.Add(time.Hour)
	b2, err := s.Issue(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, b1.Address, b2.Address)
	assert.True(t, b2.Maturity.After(b1.Maturity))
	require.Len(t, b1.Tranches, 2)
	assert.NotEqual(t, b1.Tranches[0].Token, b1.Tranches[1].Token)
	// Same collateral and ratios means one class across the series.
	assert.Equal(t, b1.Class(), b2.Class())

	ok, err := s.IsInstance(context.Background(), b1.Address)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.IsInstance(context.Background(), holder)
	require.NoError(t, err)
	assert.False(t, ok)

	last, err := s.LastBond(context.Background())
	require.NoError(t, err)
	assert.Equal(t, b2.Address, last.Address)
}

func TestMaybeIssueHonorsInterval(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := newIssuer(t, &now, book.New())

	b, err := s.MaybeIssue(context.Background())
	require.NoError(t, err)
	require.NotNil(t, b)

	b, err = s.MaybeIssue(context.Background())
	require.NoError(t, err)
	assert.Nil(t, b)

	now = now.Add(time.Hour)
	b, err = s.MaybeIssue(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, b)
}

func TestSplitMintsPerRatio(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	bk := book.New()
	s := newIssuer(t, &now, bk)
	b, err := s.Issue(context.Background())
	require.NoError(t, err)

	require.NoError(t, bk.Mint(collateral, holder, big.NewInt(100)))
	minted, err := s.Split(context.Background(), b.Address, holder, big.NewInt(100))
	require.NoError(t, err)
	require.Len(t, minted, 2)
	assert.Equal(t, big.NewInt(20), minted[0].Amount)
	assert.Equal(t, big.NewInt(80), minted[1].Amount)
	assert.Equal(t, big.NewInt(100), bk.BalanceOf(collateral, b.Address))

	bond, tr, err := s.TrancheOf(context.Background(), minted[1].Asset)
	require.NoError(t, err)
	assert.Equal(t, b.Address, bond.Address)
	assert.Equal(t, 1, tr.Seniority)

	_, _, err = s.TrancheOf(context.Background(), holder)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRedeemMatureRequiresMaturity(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	bk := book.New()
	s := newIssuer(t, &now, bk)
	b, err := s.Issue(context.Background())
	require.NoError(t, err)

	require.NoError(t, bk.Mint(collateral, holder, big.NewInt(100)))
	minted, err := s.Split(context.Background(), b.Address, holder, big.NewInt(100))
	require.NoError(t, err)
	senior := minted[0]

	_, err = s.RedeemMature(context.Background(), b.Address, senior.Asset, holder, senior.Amount)
	require.ErrorIs(t, err, domain.ErrUnacceptableRedemption)

	now = now.Add(5 * time.Hour)
	released, err := s.RedeemMature(context.Background(), b.Address, senior.Asset, holder, senior.Amount)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(20), released)
	assert.Equal(t, big.NewInt(20), bk.BalanceOf(collateral, holder))
	assert.Zero(t, bk.BalanceOf(senior.Asset, holder).Sign())
}
