package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/perpvault/internal/domain"
)

// BondStore implements domain.BondStore using PostgreSQL. The whole queue is
// rewritten on each save; at queue sizes bounded by the maturity window that
// is cheaper than diffing.
type BondStore struct {
	pool *pgxpool.Pool
}

// NewBondStore creates a new BondStore backed by the given connection pool.
func NewBondStore(pool *pgxpool.Pool) *BondStore {
	return &BondStore{pool: pool}
}

// trancheRow is the JSONB shape of one tranche.
type trancheRow struct {
	Token     string `json:"token"`
	Seniority int    `json:"seniority"`
	Ratio     uint32 `json:"ratio"`
}

// SaveQueue replaces the persisted queue with the given bonds, head first.
func (s *BondStore) SaveQueue(ctx context.Context, bonds []domain.BondBatch) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: save queue: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM bond_queue`); err != nil {
		return fmt.Errorf("postgres: save queue: clear: %w", err)
	}

	const insert = `
		INSERT INTO bond_queue (position, address, collateral, maturity, tranches)
		VALUES ($1, $2, $3, $4, $5)`
	for i, b := range bonds {
		rows := make([]trancheRow, 0, len(b.Tranches))
		for _, tr := range b.Tranches {
			rows = append(rows, trancheRow{
				Token:     tr.Token.Hex(),
				Seniority: tr.Seniority,
				Ratio:     tr.Ratio,
			})
		}
		trancheJSON, err := json.Marshal(rows)
		if err != nil {
			return fmt.Errorf("postgres: save queue: marshal tranches: %w", err)
		}
		if _, err := tx.Exec(ctx, insert,
			i, b.Address.Hex(), b.Collateral.Hex(), b.Maturity, trancheJSON,
		); err != nil {
			return fmt.Errorf("postgres: save queue: insert %s: %w", b.Address.Hex(), err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: save queue: commit: %w", err)
	}
	return nil
}

// LoadQueue returns the persisted queue, head first.
func (s *BondStore) LoadQueue(ctx context.Context) ([]domain.BondBatch, error) {
	const query = `
		SELECT address, collateral, maturity, tranches
		FROM bond_queue
		ORDER BY position ASC`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: load queue: %w", err)
	}
	defer rows.Close()

	var bonds []domain.BondBatch
	for rows.Next() {
		var (
			addr, coll  string
			b           domain.BondBatch
			trancheJSON []byte
		)
		if err := rows.Scan(&addr, &coll, &b.Maturity, &trancheJSON); err != nil {
			return nil, fmt.Errorf("postgres: load queue: scan: %w", err)
		}
		b.Address = common.HexToAddress(addr)
		b.Collateral = common.HexToAddress(coll)

		var trs []trancheRow
		if err := json.Unmarshal(trancheJSON, &trs); err != nil {
			return nil, fmt.Errorf("postgres: load queue: unmarshal tranches: %w", err)
		}
		for _, tr := range trs {
			b.Tranches = append(b.Tranches, domain.Tranche{
				Token:     common.HexToAddress(tr.Token),
				Bond:      b.Address,
				Seniority: tr.Seniority,
				Ratio:     tr.Ratio,
			})
		}
		bonds = append(bonds, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: load queue rows: %w", err)
	}
	return bonds, nil
}

var _ domain.BondStore = (*BondStore)(nil)
