package perp

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/alanyoungcy/perpvault/internal/domain"
)

// YieldBook is the administratively populated yield table. A class's yields
// freeze the first time they are used to mint, so the economic meaning of
// already-issued claims can never be rewritten.
type YieldBook struct {
	mu     sync.RWMutex
	yields map[domain.ClassKey][]*big.Int
	frozen map[domain.ClassKey]bool
}

// NewYieldBook creates an empty yield table.
func NewYieldBook() *YieldBook {
	return &YieldBook{
		yields: make(map[domain.ClassKey][]*big.Int),
		frozen: make(map[domain.ClassKey]bool),
	}
}

// Set installs the per-seniority yield factors for a bond class. Setting a
// frozen class fails; setting an unused class overwrites.
func (y *YieldBook) Set(class domain.ClassKey, factors []*big.Int) error {
	y.mu.Lock()
	defer y.mu.Unlock()
	if y.frozen[class] {
		return fmt.Errorf("yield table: class %s already in use: %w", class.Hex(), domain.ErrUnacceptableParams)
	}
	cp := make([]*big.Int, len(factors))
	for i, f := range factors {
		if f == nil || f.Sign() < 0 {
			return fmt.Errorf("yield table: seniority %d: %w", i, domain.ErrUnacceptableParams)
		}
		cp[i] = new(big.Int).Set(f)
	}
	y.yields[class] = cp
	return nil
}

// Yield returns the factor for one seniority, or zero when the class or
// seniority is unknown. Zero means non-convertible, not an error.
func (y *YieldBook) Yield(class domain.ClassKey, seniority int) *big.Int {
	y.mu.RLock()
	defer y.mu.RUnlock()
	fs := y.yields[class]
	if seniority < 0 || seniority >= len(fs) {
		return new(big.Int)
	}
	return new(big.Int).Set(fs[seniority])
}

// Yields returns all factors for a class, most senior first.
func (y *YieldBook) Yields(class domain.ClassKey) []*big.Int {
	y.mu.RLock()
	defer y.mu.RUnlock()
	fs := y.yields[class]
	out := make([]*big.Int, len(fs))
	for i, f := range fs {
		out[i] = new(big.Int).Set(f)
	}
	return out
}

// All returns a copy of the whole table, for persistence.
func (y *YieldBook) All() map[domain.ClassKey][]*big.Int {
	y.mu.RLock()
	defer y.mu.RUnlock()
	out := make(map[domain.ClassKey][]*big.Int, len(y.yields))
	for k, fs := range y.yields {
		cp := make([]*big.Int, len(fs))
		for i, f := range fs {
			cp[i] = new(big.Int).Set(f)
		}
		out[k] = cp
	}
	return out
}

// markUsed freezes a class after its first mint.
func (y *YieldBook) markUsed(class domain.ClassKey) {
	y.mu.Lock()
	y.frozen[class] = true
	y.mu.Unlock()
}

var _ domain.YieldTable = (*YieldBook)(nil)
