package domain

import (
	"context"
	"io"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// QueuedBond is one persisted row of the bond queue.
type QueuedBond struct {
	Position int
	Bond     BondBatch
}

// BondStore persists the bond queue.
type BondStore interface {
	SaveQueue(ctx context.Context, bonds []BondBatch) error
	LoadQueue(ctx context.Context) ([]BondBatch, error)
}

// YieldStore persists the yield table.
type YieldStore interface {
	SetYields(ctx context.Context, class ClassKey, yields []*big.Int) error
	GetYields(ctx context.Context, class ClassKey) ([]*big.Int, error)
	List(ctx context.Context) (map[ClassKey][]*big.Int, error)
}

// ReserveSnapshot captures the full accounting state at one point in time.
type ReserveSnapshot struct {
	TakenAt     time.Time
	PerpAssets  []AssetAmount
	VaultAssets []AssetAmount
	ClaimSupply *big.Int
	ShareSupply *big.Int
}

// ReserveStore persists reserve balances and supplies.
type ReserveStore interface {
	SaveSnapshot(ctx context.Context, snap ReserveSnapshot) error
	LoadLatest(ctx context.Context) (ReserveSnapshot, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log of core operations.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, limit int) ([]AuditEntry, error)
}

// PriceCache provides fast access to the latest tranche prices. Prices are
// fixed point at fixedpoint.PriceScale, carried as decimal strings in Redis.
type PriceCache interface {
	SetPrice(ctx context.Context, tranche common.Address, price *big.Int, ts time.Time) error
	GetPrice(ctx context.Context, tranche common.Address) (*big.Int, time.Time, error)
}

// RateLimiter bounds request rates per key over a sliding window.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking, used to keep the rollover
// automaton single-writer across replicas.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// SignalBus provides pub/sub fan-out of operation events.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// BlobInfo describes one stored object.
type BlobInfo struct {
	Path         string
	Size         int64
	LastModified time.Time
}

// BlobReader reads back stored objects.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// BlobDeleter removes stored objects.
type BlobDeleter interface {
	Delete(ctx context.Context, path string) error
}

// OpEvent is the JSON payload published on the signal bus after each
// successful operation.
type OpEvent struct {
	Op        string    `json:"op"`
	Caller    string    `json:"caller,omitempty"`
	Asset     string    `json:"asset,omitempty"`
	Amount    string    `json:"amount,omitempty"`
	Fee       string    `json:"fee,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
