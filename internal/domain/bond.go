package domain

import (
	"encoding/binary"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// RatioGranularity is the fixed-point base for tranche seniority ratios.
// The ratios of one bond always sum to exactly RatioGranularity.
const RatioGranularity = 1000

// Tranche is a seniority-ordered claim on a BondBatch. Each tranche is its
// own transferable token; Seniority 0 is the most senior.
type Tranche struct {
	Token     common.Address
	Bond      common.Address
	Seniority int
	Ratio     uint32 // out of RatioGranularity
}

// BondBatch is a fixed-maturity instrument holding collateral, split into
// ordered tranches. Immutable once issued.
type BondBatch struct {
	Address    common.Address
	Collateral common.Address
	Maturity   time.Time
	Tranches   []Tranche
}

// ClassKey identifies a bond class: all bonds minted with the same collateral
// token and the same seniority ratios share one key, and therefore one row in
// the yield table.
type ClassKey common.Hash

// Class derives the bond's class key as the keccak256 hash of the collateral
// address followed by the big-endian seniority ratios.
func (b *BondBatch) Class() ClassKey {
	buf := make([]byte, 0, common.AddressLength+4*len(b.Tranches))
	buf = append(buf, b.Collateral.Bytes()...)
	for _, t := range b.Tranches {
		var r [4]byte
		binary.BigEndian.PutUint32(r[:], t.Ratio)
		buf = append(buf, r[:]...)
	}
	return ClassKey(common.BytesToHash(ethcrypto.Keccak256(buf)))
}

// TrancheByToken finds the bond's tranche with the given token address.
func (b *BondBatch) TrancheByToken(token common.Address) (Tranche, bool) {
	for _, t := range b.Tranches {
		if t.Token == token {
			return t, true
		}
	}
	return Tranche{}, false
}

// IsMature reports whether the bond has reached its maturity timestamp.
func (b *BondBatch) IsMature(now time.Time) bool {
	return !now.Before(b.Maturity)
}

// Hex returns the class key as a 0x-prefixed hex string, for storage keys and
// log attributes.
func (k ClassKey) Hex() string {
	return common.Hash(k).Hex()
}

// AssetAmount pairs an asset with an integer amount. Used for redemption
// payout lists and reserve snapshots.
type AssetAmount struct {
	Asset  common.Address
	Amount *big.Int
}
