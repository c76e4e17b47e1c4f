package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/perpvault/internal/domain"
)

// ReserveStore implements domain.ReserveStore using PostgreSQL. Snapshots are
// append-only; LoadLatest reads the most recent one for crash recovery.
type ReserveStore struct {
	pool *pgxpool.Pool
}

// NewReserveStore creates a new ReserveStore backed by the given connection pool.
func NewReserveStore(pool *pgxpool.Pool) *ReserveStore {
	return &ReserveStore{pool: pool}
}

// assetRow is the JSONB shape of one reserve entry. Amounts travel as decimal
// strings to survive uint256-sized values.
type assetRow struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

func marshalAssets(assets []domain.AssetAmount) ([]byte, error) {
	rows := make([]assetRow, 0, len(assets))
	for _, a := range assets {
		rows = append(rows, assetRow{Asset: a.Asset.Hex(), Amount: a.Amount.String()})
	}
	return json.Marshal(rows)
}

func unmarshalAssets(data []byte) ([]domain.AssetAmount, error) {
	var rows []assetRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, err
	}
	out := make([]domain.AssetAmount, 0, len(rows))
	for _, r := range rows {
		amt, ok := new(big.Int).SetString(r.Amount, 10)
		if !ok {
			return nil, fmt.Errorf("bad amount %q for asset %s", r.Amount, r.Asset)
		}
		out = append(out, domain.AssetAmount{Asset: common.HexToAddress(r.Asset), Amount: amt})
	}
	return out, nil
}

// SaveSnapshot appends one accounting snapshot.
func (s *ReserveStore) SaveSnapshot(ctx context.Context, snap domain.ReserveSnapshot) error {
	perpJSON, err := marshalAssets(snap.PerpAssets)
	if err != nil {
		return fmt.Errorf("postgres: save snapshot: marshal perp assets: %w", err)
	}
	vaultJSON, err := marshalAssets(snap.VaultAssets)
	if err != nil {
		return fmt.Errorf("postgres: save snapshot: marshal vault assets: %w", err)
	}

	const query = `
		INSERT INTO reserve_snapshots (taken_at, perp_assets, vault_assets, claim_supply, share_supply)
		VALUES ($1, $2, $3, $4::numeric, $5::numeric)`
	_, err = s.pool.Exec(ctx, query,
		snap.TakenAt, perpJSON, vaultJSON,
		snap.ClaimSupply.String(), snap.ShareSupply.String(),
	)
	if err != nil {
		return fmt.Errorf("postgres: save snapshot: %w", err)
	}
	return nil
}

// LoadLatest returns the most recent snapshot, or ErrNotFound when none exist.
func (s *ReserveStore) LoadLatest(ctx context.Context) (domain.ReserveSnapshot, error) {
	const query = `
		SELECT taken_at, perp_assets, vault_assets, claim_supply::text, share_supply::text
		FROM reserve_snapshots
		ORDER BY taken_at DESC, id DESC
		LIMIT 1`

	var snap domain.ReserveSnapshot
	var perpJSON, vaultJSON []byte
	var claimRaw, shareRaw string
	err := s.pool.QueryRow(ctx, query).Scan(&snap.TakenAt, &perpJSON, &vaultJSON, &claimRaw, &shareRaw)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ReserveSnapshot{}, fmt.Errorf("postgres: load snapshot: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.ReserveSnapshot{}, fmt.Errorf("postgres: load snapshot: %w", err)
	}

	if snap.PerpAssets, err = unmarshalAssets(perpJSON); err != nil {
		return domain.ReserveSnapshot{}, fmt.Errorf("postgres: load snapshot: perp assets: %w", err)
	}
	if snap.VaultAssets, err = unmarshalAssets(vaultJSON); err != nil {
		return domain.ReserveSnapshot{}, fmt.Errorf("postgres: load snapshot: vault assets: %w", err)
	}
	var ok bool
	if snap.ClaimSupply, ok = new(big.Int).SetString(claimRaw, 10); !ok {
		return domain.ReserveSnapshot{}, fmt.Errorf("postgres: load snapshot: bad claim supply %q", claimRaw)
	}
	if snap.ShareSupply, ok = new(big.Int).SetString(shareRaw, 10); !ok {
		return domain.ReserveSnapshot{}, fmt.Errorf("postgres: load snapshot: bad share supply %q", shareRaw)
	}
	return snap, nil
}

var _ domain.ReserveStore = (*ReserveStore)(nil)
