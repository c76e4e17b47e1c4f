package reserve

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addr(b byte) common.Address {
	var a common.Address
	a[19] = b
	return a
}

func TestSyncTracksAboveDust(t *testing.T) {
	l := New(big.NewInt(10))

	l.Sync(addr(1), big.NewInt(11))
	assert.True(t, l.Has(addr(1)))
	assert.Equal(t, big.NewInt(11), l.Balance(addr(1)))

	// At the floor exactly is dust.
	l.Sync(addr(2), big.NewInt(10))
	assert.False(t, l.Has(addr(2)))
	assert.Zero(t, l.Balance(addr(2)).Sign())

	// Falling to dust evicts.
	l.Sync(addr(1), big.NewInt(3))
	assert.False(t, l.Has(addr(1)))
	assert.Equal(t, 0, l.Len())
}

func TestSyncIsIdempotent(t *testing.T) {
	l := New(nil)
	l.Sync(addr(1), big.NewInt(5))
	l.Sync(addr(1), big.NewInt(5))
	l.Sync(addr(1), big.NewInt(7))
	assert.Equal(t, 1, l.Len())
	assert.Equal(t, big.NewInt(7), l.Balance(addr(1)))
}

func TestEntriesPreserveInsertionOrder(t *testing.T) {
	l := New(nil)
	l.Sync(addr(3), big.NewInt(30))
	l.Sync(addr(1), big.NewInt(10))
	l.Sync(addr(2), big.NewInt(20))

	entries := l.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, addr(3), entries[0].Asset)
	assert.Equal(t, addr(1), entries[1].Asset)
	assert.Equal(t, addr(2), entries[2].Asset)

	// Re-admission after eviction goes to the back.
	l.Sync(addr(3), big.NewInt(0))
	l.Sync(addr(3), big.NewInt(5))
	assets := l.Assets()
	require.Len(t, assets, 3)
	assert.Equal(t, addr(3), assets[2])
}

func TestAggregateValueSkipsDust(t *testing.T) {
	l := New(big.NewInt(2))
	l.Sync(addr(1), big.NewInt(100))
	l.Sync(addr(2), big.NewInt(50))

	total := l.AggregateValue(func(_ common.Address, bal *big.Int) *big.Int {
		return new(big.Int).Mul(bal, big.NewInt(2))
	})
	assert.Equal(t, big.NewInt(300), total)
}

func TestSnapshotRestoresMembership(t *testing.T) {
	l := New(nil)
	l.Sync(addr(1), big.NewInt(10))
	l.Sync(addr(2), big.NewInt(20))

	restore := l.Snapshot()
	l.Sync(addr(1), big.NewInt(0))
	l.Sync(addr(3), big.NewInt(30))
	require.False(t, l.Has(addr(1)))
	require.True(t, l.Has(addr(3)))

	restore()
	assert.True(t, l.Has(addr(1)))
	assert.False(t, l.Has(addr(3)))
	assert.Equal(t, []common.Address{addr(1), addr(2)}, l.Assets())
	assert.Equal(t, big.NewInt(10), l.Balance(addr(1)))
}
