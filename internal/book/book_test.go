package book

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perpvault/internal/domain"
)

var (
	tokenA = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	alice  = common.HexToAddress("0x0000000000000000000000000000000000000a11")
	bob    = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

func TestMintTransferBurn(t *testing.T) {
	b := New()
	require.NoError(t, b.Mint(tokenA, alice, big.NewInt(100)))
	assert.Equal(t, big.NewInt(100), b.TotalSupply(tokenA))

	require.NoError(t, b.Transfer(tokenA, alice, bob, big.NewInt(40)))
	assert.Equal(t, big.NewInt(60), b.BalanceOf(tokenA, alice))
	assert.Equal(t, big.NewInt(40), b.BalanceOf(tokenA, bob))

	require.NoError(t, b.Burn(tokenA, bob, big.NewInt(40)))
	assert.Equal(t, big.NewInt(60), b.TotalSupply(tokenA))
	assert.Zero(t, b.BalanceOf(tokenA, bob).Sign())
}

func TestInsufficientBalanceMutatesNothing(t *testing.T) {
	b := New()
	require.NoError(t, b.Mint(tokenA, alice, big.NewInt(10)))

	err := b.Transfer(tokenA, alice, bob, big.NewInt(11))
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.Equal(t, big.NewInt(10), b.BalanceOf(tokenA, alice))

	err = b.Burn(tokenA, alice, big.NewInt(11))
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.Equal(t, big.NewInt(10), b.TotalSupply(tokenA))
}

func TestNegativeAmountsRejected(t *testing.T) {
	b := New()
	require.ErrorIs(t, b.Mint(tokenA, alice, big.NewInt(-1)), domain.ErrUnacceptableParams)
	require.ErrorIs(t, b.Transfer(tokenA, alice, bob, big.NewInt(-1)), domain.ErrUnacceptableParams)
	require.ErrorIs(t, b.Burn(tokenA, alice, big.NewInt(-1)), domain.ErrUnacceptableParams)
}

func TestCheckpointRevert(t *testing.T) {
	b := New()
	require.NoError(t, b.Mint(tokenA, alice, big.NewInt(100)))

	revert, _ := b.Checkpoint()
	require.NoError(t, b.Transfer(tokenA, alice, bob, big.NewInt(30)))
	require.NoError(t, b.Burn(tokenA, alice, big.NewInt(20)))
	revert()

	assert.Equal(t, big.NewInt(100), b.BalanceOf(tokenA, alice))
	assert.Zero(t, b.BalanceOf(tokenA, bob).Sign())
	assert.Equal(t, big.NewInt(100), b.TotalSupply(tokenA))
}

func TestCheckpointDiscardKeeps(t *testing.T) {
	b := New()
	_, discard := b.Checkpoint()
	require.NoError(t, b.Mint(tokenA, alice, big.NewInt(5)))
	discard()
	assert.Equal(t, big.NewInt(5), b.BalanceOf(tokenA, alice))
}

func TestOuterRevertUndoesDiscardedInner(t *testing.T) {
	b := New()
	require.NoError(t, b.Mint(tokenA, alice, big.NewInt(100)))

	outerRevert, _ := b.Checkpoint()
	require.NoError(t, b.Transfer(tokenA, alice, bob, big.NewInt(10)))

	// Inner operation commits its own checkpoint.
	_, innerDiscard := b.Checkpoint()
	require.NoError(t, b.Transfer(tokenA, alice, bob, big.NewInt(20)))
	innerDiscard()
	require.Equal(t, big.NewInt(30), b.BalanceOf(tokenA, bob))

	// The outer revert still rolls everything back.
	outerRevert()
	assert.Equal(t, big.NewInt(100), b.BalanceOf(tokenA, alice))
	assert.Zero(t, b.BalanceOf(tokenA, bob).Sign())
}

func TestInnerRevertLeavesOuterMutations(t *testing.T) {
	b := New()
	require.NoError(t, b.Mint(tokenA, alice, big.NewInt(100)))

	_, outerDiscard := b.Checkpoint()
	require.NoError(t, b.Transfer(tokenA, alice, bob, big.NewInt(10)))

	innerRevert, _ := b.Checkpoint()
	require.NoError(t, b.Transfer(tokenA, alice, bob, big.NewInt(20)))
	innerRevert()
	assert.Equal(t, big.NewInt(10), b.BalanceOf(tokenA, bob))

	outerDiscard()
	assert.Equal(t, big.NewInt(90), b.BalanceOf(tokenA, alice))
}

func TestRevertRestoresMissingCells(t *testing.T) {
	b := New()
	revert, _ := b.Checkpoint()
	require.NoError(t, b.Mint(tokenA, alice, big.NewInt(7)))
	revert()
	assert.Zero(t, b.BalanceOf(tokenA, alice).Sign())
	assert.Zero(t, b.TotalSupply(tokenA).Sign())
}
