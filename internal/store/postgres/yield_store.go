package postgres

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/perpvault/internal/domain"
)

// YieldStore implements domain.YieldStore using PostgreSQL. Factors are
// NUMERIC(78,0), wide enough for any uint256-sized fixed-point value.
type YieldStore struct {
	pool *pgxpool.Pool
}

// NewYieldStore creates a new YieldStore backed by the given connection pool.
func NewYieldStore(pool *pgxpool.Pool) *YieldStore {
	return &YieldStore{pool: pool}
}

// SetYields replaces the persisted factors for one bond class.
func (s *YieldStore) SetYields(ctx context.Context, class domain.ClassKey, yields []*big.Int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: set yields: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM yields WHERE class = $1`, class.Hex()); err != nil {
		return fmt.Errorf("postgres: set yields: clear: %w", err)
	}
	const insert = `
		INSERT INTO yields (class, seniority, factor, updated_at)
		VALUES ($1, $2, $3::numeric, NOW())`
	for i, y := range yields {
		if _, err := tx.Exec(ctx, insert, class.Hex(), i, y.String()); err != nil {
			return fmt.Errorf("postgres: set yields: insert seniority %d: %w", i, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: set yields: commit: %w", err)
	}
	return nil
}

// GetYields returns one class's factors, most senior first. A class with no
// rows yields ErrNotFound.
func (s *YieldStore) GetYields(ctx context.Context, class domain.ClassKey) ([]*big.Int, error) {
	const query = `
		SELECT factor::text
		FROM yields
		WHERE class = $1
		ORDER BY seniority ASC`
	rows, err := s.pool.Query(ctx, query, class.Hex())
	if err != nil {
		return nil, fmt.Errorf("postgres: get yields: %w", err)
	}
	defer rows.Close()

	var out []*big.Int
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("postgres: get yields: scan: %w", err)
		}
		f, ok := new(big.Int).SetString(raw, 10)
		if !ok {
			return nil, fmt.Errorf("postgres: get yields: bad factor %q", raw)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: get yields rows: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("postgres: yields for class %s: %w", class.Hex(), domain.ErrNotFound)
	}
	return out, nil
}

// List returns the full persisted yield table.
func (s *YieldStore) List(ctx context.Context) (map[domain.ClassKey][]*big.Int, error) {
	const query = `
		SELECT class, factor::text
		FROM yields
		ORDER BY class, seniority ASC`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list yields: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.ClassKey][]*big.Int)
	for rows.Next() {
		var cls, raw string
		if err := rows.Scan(&cls, &raw); err != nil {
			return nil, fmt.Errorf("postgres: list yields: scan: %w", err)
		}
		f, ok := new(big.Int).SetString(raw, 10)
		if !ok {
			return nil, fmt.Errorf("postgres: list yields: bad factor %q", raw)
		}
		key := domain.ClassKey(common.HexToHash(cls))
		out[key] = append(out[key], f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list yields rows: %w", err)
	}
	return out, nil
}

var _ domain.YieldStore = (*YieldStore)(nil)
