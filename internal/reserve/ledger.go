// Package reserve tracks the set of asset balances held against outstanding
// claims or shares. Membership changes only through Sync, which suppresses
// balances at or below the dust floor; enumeration preserves insertion order
// so redemption payouts are deterministic.
package reserve

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/perpvault/internal/domain"
)

// Ledger is a dust-suppressed, insertion-ordered (asset, balance) set. Not
// safe for concurrent use; the owning engine serializes access.
type Ledger struct {
	dust     *big.Int
	assets   []common.Address
	balances map[common.Address]*big.Int
}

// ValuationFn prices one tracked balance in the unit of account.
type ValuationFn func(asset common.Address, balance *big.Int) *big.Int

// New creates an empty ledger with the given dust floor. A nil floor means
// zero: any positive balance is tracked.
func New(dust *big.Int) *Ledger {
	if dust == nil {
		dust = new(big.Int)
	}
	return &Ledger{
		dust:     new(big.Int).Set(dust),
		balances: make(map[common.Address]*big.Int),
	}
}

// Sync recomputes whether asset belongs in the set given its current balance
// at the reserve address. Idempotent; the only membership mutator.
func (l *Ledger) Sync(asset common.Address, balance *big.Int) {
	if balance == nil {
		balance = new(big.Int)
	}
	_, tracked := l.balances[asset]
	if balance.Cmp(l.dust) > 0 {
		if !tracked {
			l.assets = append(l.assets, asset)
		}
		l.balances[asset] = new(big.Int).Set(balance)
		return
	}
	if tracked {
		delete(l.balances, asset)
		for i, a := range l.assets {
			if a == asset {
				l.assets = append(l.assets[:i], l.assets[i+1:]...)
				break
			}
		}
	}
}

// Has reports whether asset is currently tracked.
func (l *Ledger) Has(asset common.Address) bool {
	_, ok := l.balances[asset]
	return ok
}

// Balance returns the tracked balance, or zero for untracked assets.
func (l *Ledger) Balance(asset common.Address) *big.Int {
	if b, ok := l.balances[asset]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// Len returns the tracked-asset count.
func (l *Ledger) Len() int { return len(l.assets) }

// Assets returns the tracked assets in insertion order.
func (l *Ledger) Assets() []common.Address {
	return append([]common.Address(nil), l.assets...)
}

// Entries returns tracked (asset, balance) pairs in insertion order.
func (l *Ledger) Entries() []domain.AssetAmount {
	out := make([]domain.AssetAmount, 0, len(l.assets))
	for _, a := range l.assets {
		out = append(out, domain.AssetAmount{Asset: a, Amount: new(big.Int).Set(l.balances[a])})
	}
	return out
}

// AggregateValue sums fn over all tracked assets. Balances that have fallen
// to dust since the last sync are skipped: dust is written off, so the
// reported value may be strictly less than the literal sum of transfers.
func (l *Ledger) AggregateValue(fn ValuationFn) *big.Int {
	total := new(big.Int)
	for _, a := range l.assets {
		bal := l.balances[a]
		if bal.Cmp(l.dust) <= 0 {
			continue
		}
		if v := fn(a, new(big.Int).Set(bal)); v != nil {
			total.Add(total, v)
		}
	}
	return total
}

// Snapshot captures the ledger state for rollback of a failed operation.
func (l *Ledger) Snapshot() func() {
	assets := append([]common.Address(nil), l.assets...)
	balances := make(map[common.Address]*big.Int, len(l.balances))
	for k, v := range l.balances {
		balances[k] = new(big.Int).Set(v)
	}
	return func() {
		l.assets = assets
		l.balances = balances
	}
}
