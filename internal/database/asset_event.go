package database

import (
	"context"
	"fmt"
	"time"

	"github.com/flowpbx/fastagi/internal/database/models"
)

const assetEventColumns = `id, session_id, asset, state, dir_created, downloaded, error, created_at`

// assetEventRepo implements AssetEventRepository.
type assetEventRepo struct {
	db *DB
}

// NewAssetEventRepository creates a new AssetEventRepository.
func NewAssetEventRepository(db *DB) AssetEventRepository {
	return &assetEventRepo{db: db}
}

// Create inserts a provisioning event.
func (r *assetEventRepo) Create(ctx context.Context, e *models.AssetEvent) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO asset_events (session_id, asset, state, dir_created, downloaded, error)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.Asset, e.State, e.DirCreated, e.Downloaded, e.Error,
	)
	if err != nil {
		return fmt.Errorf("inserting asset event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	e.ID = id
	return nil
}

// ListRecent returns the newest provisioning events.
func (r *assetEventRepo) ListRecent(ctx context.Context, limit int) ([]models.AssetEvent, error) {
	return r.list(ctx,
		`SELECT `+assetEventColumns+` FROM asset_events ORDER BY id DESC LIMIT ?`, limit)
}

// ListByAsset returns the newest provisioning events for one asset.
func (r *assetEventRepo) ListByAsset(ctx context.Context, asset string, limit int) ([]models.AssetEvent, error) {
	return r.list(ctx,
		`SELECT `+assetEventColumns+` FROM asset_events WHERE asset = ? ORDER BY id DESC LIMIT ?`,
		asset, limit)
}

// DeleteOlderThan removes events recorded before cutoff. created_at holds
// SQLite datetime text, so the cutoff is converted the same way.
func (r *assetEventRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM asset_events WHERE created_at < datetime(?, 'unixepoch')`,
		cutoff.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("deleting old asset events: %w", err)
	}
	return result.RowsAffected()
}

func (r *assetEventRepo) list(ctx context.Context, query string, args ...any) ([]models.AssetEvent, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing asset events: %w", err)
	}
	defer rows.Close()

	var events []models.AssetEvent
	for rows.Next() {
		var e models.AssetEvent
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Asset, &e.State,
			&e.DirCreated, &e.Downloaded, &e.Error, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning asset event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
