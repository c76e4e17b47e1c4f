package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/perpvault/internal/domain"
)

// StateSource produces the current accounting snapshot. The app layer
// implements it over the claim engine and the vault; the archiver only needs
// this one read method.
type StateSource interface {
	CurrentSnapshot(ctx context.Context) (domain.ReserveSnapshot, error)
}

// snapshotBlob is the JSON shape of one archived snapshot. Amounts travel as
// decimal strings.
type snapshotBlob struct {
	TakenAt     time.Time     `json:"taken_at"`
	PerpAssets  []snapshotRow `json:"perp_assets"`
	VaultAssets []snapshotRow `json:"vault_assets"`
	ClaimSupply string        `json:"claim_supply"`
	ShareSupply string        `json:"share_supply"`
}

type snapshotRow struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

// Archiver periodically uploads accounting snapshots to object storage and
// prunes old ones. Postgres remains the recovery source; the S3 copies are
// the cold audit trail.
type Archiver struct {
	writer  domain.BlobWriter
	reader  domain.BlobReader
	deleter domain.BlobDeleter
	source  StateSource
	audit   domain.AuditStore
	prefix  string
}

// NewArchiver creates an Archiver writing under the given key prefix.
func NewArchiver(
	writer domain.BlobWriter,
	reader domain.BlobReader,
	deleter domain.BlobDeleter,
	source StateSource,
	audit domain.AuditStore,
	prefix string,
) *Archiver {
	if prefix == "" {
		prefix = "snapshots"
	}
	return &Archiver{
		writer:  writer,
		reader:  reader,
		deleter: deleter,
		source:  source,
		audit:   audit,
		prefix:  prefix,
	}
}

// ArchiveSnapshot captures the current accounting state and uploads it as one
// JSON object. Returns the object key.
func (a *Archiver) ArchiveSnapshot(ctx context.Context) (string, error) {
	snap, err := a.source.CurrentSnapshot(ctx)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive snapshot: source: %w", err)
	}

	blob := snapshotBlob{
		TakenAt:     snap.TakenAt,
		PerpAssets:  toRows(snap.PerpAssets),
		VaultAssets: toRows(snap.VaultAssets),
		ClaimSupply: snap.ClaimSupply.String(),
		ShareSupply: snap.ShareSupply.String(),
	}
	data, err := json.Marshal(blob)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive snapshot: marshal: %w", err)
	}

	path := a.snapshotPath(snap.TakenAt)
	if err := a.writer.Put(ctx, path, bytes.NewReader(data), "application/json"); err != nil {
		return "", fmt.Errorf("s3blob: archive snapshot: upload: %w", err)
	}

	if err := a.audit.Log(ctx, "archive.snapshot", map[string]any{
		"path":         path,
		"taken_at":     snap.TakenAt.Format(time.RFC3339),
		"claim_supply": blob.ClaimSupply,
		"share_supply": blob.ShareSupply,
	}); err != nil {
		return path, fmt.Errorf("s3blob: archive snapshot: audit log: %w", err)
	}
	return path, nil
}

// Prune deletes archived snapshots last modified strictly before the cutoff
// and returns the count removed.
func (a *Archiver) Prune(ctx context.Context, before time.Time) (int64, error) {
	infos, err := a.reader.List(ctx, a.prefix+"/")
	if err != nil {
		return 0, fmt.Errorf("s3blob: prune snapshots: list: %w", err)
	}

	var count int64
	for _, info := range infos {
		if !info.LastModified.Before(before) {
			continue
		}
		if err := a.deleter.Delete(ctx, info.Path); err != nil {
			return count, fmt.Errorf("s3blob: prune snapshots: delete %s: %w", info.Path, err)
		}
		count++
	}

	if count > 0 {
		if err := a.audit.Log(ctx, "archive.prune", map[string]any{
			"count":  count,
			"before": before.Format(time.RFC3339),
		}); err != nil {
			return count, fmt.Errorf("s3blob: prune snapshots: audit log: %w", err)
		}
	}
	return count, nil
}

// snapshotPath builds the object key, partitioned by day:
//
//	snapshots/2025-01-07/153000.json
func (a *Archiver) snapshotPath(at time.Time) string {
	at = at.UTC()
	return fmt.Sprintf("%s/%s/%s.json", a.prefix, at.Format("2006-01-02"), at.Format("150405"))
}

func toRows(assets []domain.AssetAmount) []snapshotRow {
	rows := make([]snapshotRow, 0, len(assets))
	for _, a := range assets {
		rows = append(rows, snapshotRow{Asset: a.Asset.Hex(), Amount: a.Amount.String()})
	}
	return rows
}
