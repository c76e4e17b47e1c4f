// Package book implements the asset-transfer primitive as an in-memory
// balance book: per-asset holder balances with mint, burn, and transfer, plus
// nestable checkpoints so an engine can revert every mutation of a failed
// operation, including mutations committed by inner sub-operations.
package book

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/perpvault/internal/domain"
)

type holderKey struct {
	asset  common.Address
	holder common.Address
}

// journalEntry records one mutation's prior value. Balance entries have a
// zero supply asset; supply entries have a zero-value key.
type journalEntry struct {
	key      holderKey
	supply   bool
	prev     *big.Int // nil means the cell did not exist
	prevSeen bool
}

// Book is an in-memory domain.TokenBook. Checkpoints form a stack, so a
// composed operation (vault deploy driving several rollovers) can revert
// everything back to its own checkpoint even after inner operations
// discarded theirs.
type Book struct {
	mu       sync.Mutex
	balances map[holderKey]*big.Int
	supplies map[common.Address]*big.Int

	journal []journalEntry
	marks   []int // journal indexes of active checkpoints
}

// New creates an empty book.
func New() *Book {
	return &Book{
		balances: make(map[holderKey]*big.Int),
		supplies: make(map[common.Address]*big.Int),
	}
}

// BalanceOf returns the holder's balance of asset.
func (b *Book) BalanceOf(asset, holder common.Address) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bal, ok := b.balances[holderKey{asset, holder}]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

// TotalSupply returns the minted-minus-burned supply of asset.
func (b *Book) TotalSupply(asset common.Address) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.supplies[asset]; ok {
		return new(big.Int).Set(s)
	}
	return new(big.Int)
}

// Transfer moves amount of asset between holders. Zero amounts are no-ops; a
// short balance fails with ErrInsufficientBalance and mutates nothing.
func (b *Book) Transfer(asset, from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("book: negative transfer of %s: %w", asset.Hex(), domain.ErrUnacceptableParams)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	fk := holderKey{asset, from}
	cur := b.balances[fk]
	if cur == nil || cur.Cmp(amount) < 0 {
		return fmt.Errorf("book: transfer %s of %s from %s: %w", amount, asset.Hex(), from.Hex(), domain.ErrInsufficientBalance)
	}
	b.logBalance(fk)
	b.logBalance(holderKey{asset, to})
	b.balances[fk] = new(big.Int).Sub(cur, amount)
	b.credit(asset, to, amount)
	return nil
}

// Mint credits amount of asset to the holder and grows the supply.
func (b *Book) Mint(asset, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("book: negative mint of %s: %w", asset.Hex(), domain.ErrUnacceptableParams)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logBalance(holderKey{asset, to})
	b.logSupply(asset)
	b.credit(asset, to, amount)
	cur := b.supplies[asset]
	if cur == nil {
		cur = new(big.Int)
	}
	b.supplies[asset] = new(big.Int).Add(cur, amount)
	return nil
}

// Burn debits amount of asset from the holder and shrinks the supply.
func (b *Book) Burn(asset, from common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("book: negative burn of %s: %w", asset.Hex(), domain.ErrUnacceptableParams)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	fk := holderKey{asset, from}
	cur := b.balances[fk]
	if cur == nil || cur.Cmp(amount) < 0 {
		return fmt.Errorf("book: burn %s of %s from %s: %w", amount, asset.Hex(), from.Hex(), domain.ErrInsufficientBalance)
	}
	b.logBalance(fk)
	b.logSupply(asset)
	b.balances[fk] = new(big.Int).Sub(cur, amount)
	sup := b.supplies[asset]
	b.supplies[asset] = new(big.Int).Sub(sup, amount)
	return nil
}

// Checkpoint pushes a mark onto the checkpoint stack. revert undoes every
// mutation made after the mark, including those of inner checkpoints that
// were discarded in the meantime; discard keeps them. Checkpoints must be
// released in LIFO order, which the engines' defer discipline guarantees.
func (b *Book) Checkpoint() (revert func(), discard func()) {
	b.mu.Lock()
	mark := len(b.journal)
	b.marks = append(b.marks, mark)
	b.mu.Unlock()

	done := false
	revert = func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if done {
			return
		}
		done = true
		for i := len(b.journal) - 1; i >= mark; i-- {
			e := b.journal[i]
			if e.supply {
				if e.prev == nil {
					delete(b.supplies, e.key.asset)
				} else {
					b.supplies[e.key.asset] = e.prev
				}
			} else {
				if e.prev == nil {
					delete(b.balances, e.key)
				} else {
					b.balances[e.key] = e.prev
				}
			}
		}
		b.journal = b.journal[:mark]
		b.popMark()
	}
	discard = func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if done {
			return
		}
		done = true
		b.popMark()
		if len(b.marks) == 0 {
			b.journal = b.journal[:0]
		}
	}
	return revert, discard
}

// popMark removes the most recent mark. Caller holds mu.
func (b *Book) popMark() {
	if n := len(b.marks); n > 0 {
		b.marks = b.marks[:n-1]
	}
}

// logBalance appends the cell's current value to the journal. Caller holds mu.
func (b *Book) logBalance(k holderKey) {
	if len(b.marks) == 0 {
		return
	}
	var prev *big.Int
	if cur, ok := b.balances[k]; ok {
		prev = new(big.Int).Set(cur)
	}
	b.journal = append(b.journal, journalEntry{key: k, prev: prev})
}

// logSupply appends the supply's current value to the journal. Caller holds mu.
func (b *Book) logSupply(asset common.Address) {
	if len(b.marks) == 0 {
		return
	}
	var prev *big.Int
	if cur, ok := b.supplies[asset]; ok {
		prev = new(big.Int).Set(cur)
	}
	b.journal = append(b.journal, journalEntry{key: holderKey{asset: asset}, supply: true, prev: prev})
}

// credit adds amount to the holder's balance. Caller holds mu.
func (b *Book) credit(asset, to common.Address, amount *big.Int) {
	k := holderKey{asset, to}
	cur := b.balances[k]
	if cur == nil {
		cur = new(big.Int)
	}
	b.balances[k] = new(big.Int).Add(cur, amount)
}

var _ domain.TokenBook = (*Book)(nil)
