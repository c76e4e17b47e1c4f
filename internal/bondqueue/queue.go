// Package bondqueue maintains the FIFO of reserve bonds ordered by maturity.
// The head is the nearest-maturity "burning" bond, the tail the freshest
// "minting" bond. Admission and eviction are governed by a maturity window
// relative to the current time.
package bondqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/perpvault/internal/domain"
)

// Config sets the tolerable maturity window. A bond is admissible at time t
// when t+MinMaturity <= maturity < t+MaxMaturity.
type Config struct {
	MinMaturity time.Duration
	MaxMaturity time.Duration
}

// Queue is the ordered bond set. Not safe for concurrent use; the owning
// engine serializes access.
type Queue struct {
	cfg      Config
	issuer   domain.Issuer
	bonds    []domain.BondBatch
	enqueued map[common.Address]bool // includes evicted bonds: eviction is monotonic
	evicted  map[common.Address]bool
}

// New creates an empty queue fed by the given issuer.
func New(cfg Config, issuer domain.Issuer) *Queue {
	return &Queue{
		cfg:      cfg,
		issuer:   issuer,
		enqueued: make(map[common.Address]bool),
		evicted:  make(map[common.Address]bool),
	}
}

// Restore seeds the queue from persisted state. Bonds must already be sorted
// by strictly increasing maturity.
func (q *Queue) Restore(bonds []domain.BondBatch) error {
	for i := 1; i < len(bonds); i++ {
		if !bonds[i].Maturity.After(bonds[i-1].Maturity) {
			return fmt.Errorf("bondqueue: restore: maturities not strictly increasing at %d", i)
		}
	}
	q.bonds = append([]domain.BondBatch(nil), bonds...)
	for _, b := range bonds {
		q.enqueued[b.Address] = true
	}
	return nil
}

// IsAdmissible reports whether the bond's maturity falls inside the window.
func (q *Queue) IsAdmissible(b *domain.BondBatch, now time.Time) bool {
	return !b.Maturity.Before(now.Add(q.cfg.MinMaturity)) &&
		b.Maturity.Before(now.Add(q.cfg.MaxMaturity))
}

// Len returns the number of queued bonds.
func (q *Queue) Len() int { return len(q.bonds) }

// Bonds returns the queued bonds, head first.
func (q *Queue) Bonds() []domain.BondBatch {
	return append([]domain.BondBatch(nil), q.bonds...)
}

// Contains reports whether the bond is currently in the queue.
func (q *Queue) Contains(bond common.Address) bool {
	return q.enqueued[bond] && !q.evicted[bond]
}

// WasEvicted reports whether the bond was once queued and has been dequeued.
func (q *Queue) WasEvicted(bond common.Address) bool { return q.evicted[bond] }

// MintingBond returns the queue tail after admitting the issuer's latest bond
// if it is newer, admissible, and genuine. Enqueue is idempotent: a bond
// already seen is never re-added, and an evicted bond is never re-admitted.
func (q *Queue) MintingBond(ctx context.Context, now time.Time) (*domain.BondBatch, error) {
	cand, err := q.issuer.LastBond(ctx)
	if err != nil {
		return nil, fmt.Errorf("bondqueue: issuer: %w", err)
	}
	if cand == nil {
		return nil, domain.ErrUnacceptableBond
	}
	if q.enqueued[cand.Address] {
		if q.evicted[cand.Address] || len(q.bonds) == 0 {
			return nil, domain.ErrUnacceptableBond
		}
		tail := q.bonds[len(q.bonds)-1]
		return &tail, nil
	}

	genuine, err := q.issuer.IsInstance(ctx, cand.Address)
	if err != nil {
		return nil, fmt.Errorf("bondqueue: issuer instance check: %w", err)
	}
	if !genuine || !q.IsAdmissible(cand, now) {
		return nil, domain.ErrUnacceptableBond
	}
	// The tail's maturity only increases: reject an issuer that went backward.
	if n := len(q.bonds); n > 0 && !cand.Maturity.After(q.bonds[n-1].Maturity) {
		return nil, domain.ErrUnacceptableBond
	}

	q.bonds = append(q.bonds, *cand)
	q.enqueued[cand.Address] = true
	tail := q.bonds[len(q.bonds)-1]
	return &tail, nil
}

// BurningBond evicts the head while it exists and is no longer admissible,
// then returns the possibly-new head. Returns nil when the queue is empty.
func (q *Queue) BurningBond(now time.Time) *domain.BondBatch {
	for len(q.bonds) > 0 && !q.IsAdmissible(&q.bonds[0], now) {
		q.evict()
	}
	if len(q.bonds) == 0 {
		return nil
	}
	head := q.bonds[0]
	return &head
}

// Dequeue removes and returns the head regardless of admissibility. Used by
// redemption once the head's reserve tranches are exhausted.
func (q *Queue) Dequeue() *domain.BondBatch {
	if len(q.bonds) == 0 {
		return nil
	}
	head := q.bonds[0]
	q.evict()
	return &head
}

func (q *Queue) evict() {
	q.evicted[q.bonds[0].Address] = true
	q.bonds = q.bonds[1:]
}

// Snapshot captures the queue state for rollback of a failed operation.
func (q *Queue) Snapshot() func() {
	bonds := append([]domain.BondBatch(nil), q.bonds...)
	enq := make(map[common.Address]bool, len(q.enqueued))
	for k, v := range q.enqueued {
		enq[k] = v
	}
	ev := make(map[common.Address]bool, len(q.evicted))
	for k, v := range q.evicted {
		ev[k] = v
	}
	return func() {
		q.bonds = bonds
		q.enqueued = enq
		q.evicted = ev
	}
}
