package policy

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlatFeesDefaults(t *testing.T) {
	f := NewFlatFees(FeeConfig{Decimals: 6})
	perc, err := f.MintFeePerc(context.Background())
	require.NoError(t, err)
	assert.Zero(t, perc.Sign())
	perc, err = f.BurnFeePerc(context.Background())
	require.NoError(t, err)
	assert.Zero(t, perc.Sign())
}

func TestRolloverFeeFlipsToReward(t *testing.T) {
	f := NewFlatFees(FeeConfig{
		Decimals:      6,
		RolloverPerc:  big.NewInt(10_000),
		RolloverRewrd: big.NewInt(5_000),
	})

	// No deviation known: the flat fee applies.
	perc, err := f.RolloverFeePerc(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(10_000), perc)

	// Balanced or over-backed: still the fee.
	perc, err = f.RolloverFeePerc(context.Background(), big.NewInt(1_000_000))
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(10_000), perc)

	// Under-backed: rollers are paid instead.
	perc, err = f.RolloverFeePerc(context.Background(), big.NewInt(900_000))
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(-5_000), perc)
}

func TestDefaultFeeConfig(t *testing.T) {
	f := NewFlatFees(DefaultFeeConfig())
	assert.Equal(t, uint8(6), f.Decimals())
	perc, err := f.MintFeePerc(context.Background())
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(25_000), perc)
	perc, err = f.VaultMintFeePerc(context.Background())
	require.NoError(t, err)
	assert.Zero(t, perc.Sign())
}
