package bondqueue

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perpvault/internal/domain"
)

// stubIssuer hands out a scripted sequence of bonds.
type stubIssuer struct {
	last    *domain.BondBatch
	genuine map[common.Address]bool
}

func (s *stubIssuer) LastBond(ctx context.Context) (*domain.BondBatch, error) {
	return s.last, nil
}

func (s *stubIssuer) IsInstance(ctx context.Context, bond common.Address) (bool, error) {
	return s.genuine[bond], nil
}

func addr(b byte) common.Address {
	var a common.Address
	a[19] = b
	return a
}

func bond(b byte, maturity time.Time) *domain.BondBatch {
	return &domain.BondBatch{Address: addr(b), Maturity: maturity}
}

func newQueue(iss *stubIssuer) *Queue {
	return New(Config{MinMaturity: time.Hour, MaxMaturity: 24 * time.Hour}, iss)
}

func TestMintingBondAdmitsLatest(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	iss := &stubIssuer{genuine: map[common.Address]bool{}}
	q := newQueue(iss)

	b1 := bond(1, now.Add(4*time.Hour))
	iss.last = b1
	iss.genuine[b1.Address] = true

	got, err := q.MintingBond(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, b1.Address, got.Address)
	assert.Equal(t, 1, q.Len())

	// Idempotent: same bond is not re-added.
	got, err = q.MintingBond(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, b1.Address, got.Address)
	assert.Equal(t, 1, q.Len())
}

func TestMintingBondRejections(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	iss := &stubIssuer{genuine: map[common.Address]bool{}}
	q := newQueue(iss)

	// Not recognized by the issuer.
	rogue := bond(9, now.Add(4*time.Hour))
	iss.last = rogue
	_, err := q.MintingBond(context.Background(), now)
	require.ErrorIs(t, err, domain.ErrUnacceptableBond)

	// Matures too soon.
	early := bond(2, now.Add(30*time.Minute))
	iss.last = early
	iss.genuine[early.Address] = true
	_, err = q.MintingBond(context.Background(), now)
	require.ErrorIs(t, err, domain.ErrUnacceptableBond)

	// Matures too late.
	late := bond(3, now.Add(48*time.Hour))
	iss.last = late
	iss.genuine[late.Address] = true
	_, err = q.MintingBond(context.Background(), now)
	require.ErrorIs(t, err, domain.ErrUnacceptableBond)
}

func TestQueueStaysSortedAndDuplicateFree(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	iss := &stubIssuer{genuine: map[common.Address]bool{}}
	q := newQueue(iss)

	for i := byte(1); i <= 4; i++ {
		b := bond(i, now.Add(time.Duration(i+1)*time.Hour))
		iss.last = b
		iss.genuine[b.Address] = true
		_, err := q.MintingBond(context.Background(), now)
		require.NoError(t, err)
	}
	bonds := q.Bonds()
	require.Len(t, bonds, 4)
	seen := map[common.Address]bool{}
	for i, b := range bonds {
		assert.False(t, seen[b.Address], "duplicate bond %s", b.Address.Hex())
		seen[b.Address] = true
		if i > 0 {
			assert.True(t, b.Maturity.After(bonds[i-1].Maturity))
		}
	}

	// An issuer that went backward in maturity is rejected.
	stale := bond(5, now.Add(90*time.Minute))
	iss.last = stale
	iss.genuine[stale.Address] = true
	_, err := q.MintingBond(context.Background(), now)
	require.ErrorIs(t, err, domain.ErrUnacceptableBond)
}

func TestBurningBondEvictsMonotonically(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	iss := &stubIssuer{genuine: map[common.Address]bool{}}
	q := newQueue(iss)

	b1 := bond(1, now.Add(2*time.Hour))
	b2 := bond(2, now.Add(6*time.Hour))
	for _, b := range []*domain.BondBatch{b1, b2} {
		iss.last = b
		iss.genuine[b.Address] = true
		_, err := q.MintingBond(context.Background(), now)
		require.NoError(t, err)
	}

	head := q.BurningBond(now)
	require.NotNil(t, head)
	assert.Equal(t, b1.Address, head.Address)

	// b1 leaves the window once less than MinMaturity remains.
	later := now.Add(90 * time.Minute)
	head = q.BurningBond(later)
	require.NotNil(t, head)
	assert.Equal(t, b2.Address, head.Address)
	assert.True(t, q.WasEvicted(b1.Address))
	assert.Equal(t, 1, q.Len())

	// Empty queue returns nil.
	q.BurningBond(now.Add(100 * time.Hour))
	assert.Nil(t, q.BurningBond(now.Add(100*time.Hour)))
}

func TestSnapshotRestores(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	iss := &stubIssuer{genuine: map[common.Address]bool{}}
	q := newQueue(iss)

	b1 := bond(1, now.Add(2*time.Hour))
	iss.last = b1
	iss.genuine[b1.Address] = true
	_, err := q.MintingBond(context.Background(), now)
	require.NoError(t, err)

	restore := q.Snapshot()
	q.Dequeue()
	require.Equal(t, 0, q.Len())
	restore()
	assert.Equal(t, 1, q.Len())
	assert.False(t, q.WasEvicted(b1.Address))
}
