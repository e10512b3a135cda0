package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/legacyvault/legacyvault/internal/model"
)

const assetColumns = `
	id, user_id, asset_ref, title, description, visibility, delay_seconds, object_key,
	created_at, updated_at, deleted_at`

// CreateAsset inserts a new asset.
func (r *Repository) CreateAsset(ctx context.Context, a *model.Asset) error {
	query := `
		INSERT INTO assets (
			id, user_id, asset_ref, title, description, visibility, delay_seconds, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.pool.Exec(ctx, query,
		a.ID,
		a.UserID,
		a.Ref,
		a.Title,
		a.Description,
		string(a.Visibility),
		int64(a.Delay/time.Second),
		a.CreatedAt,
		a.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "idx_assets_user_ref") {
			return ErrAssetRefExists
		}
		return fmt.Errorf("failed to create asset: %w", err)
	}
	return nil
}

// GetAsset retrieves a live asset by ID.
func (r *Repository) GetAsset(ctx context.Context, id string) (*model.Asset, error) {
	query := `SELECT ` + assetColumns + ` FROM assets WHERE id = $1 AND deleted_at IS NULL`
	a, err := scanAsset(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAssetNotFound
		}
		return nil, fmt.Errorf("failed to get asset: %w", err)
	}
	return a, nil
}

// ListAssets returns a user's live assets ordered by creation.
func (r *Repository) ListAssets(ctx context.Context, userID string) ([]*model.Asset, error) {
	query := `
		SELECT ` + assetColumns + `
		FROM assets
		WHERE user_id = $1 AND deleted_at IS NULL
		ORDER BY created_at, id
	`
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list assets: %w", err)
	}
	defer rows.Close()

	var assets []*model.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan asset: %w", err)
		}
		assets = append(assets, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate assets: %w", err)
	}
	return assets, nil
}

// UpdateAsset writes the editable fields of an asset.
func (r *Repository) UpdateAsset(ctx context.Context, a *model.Asset) error {
	query := `
		UPDATE assets
		SET title = $2, description = $3, visibility = $4, delay_seconds = $5, updated_at = $6
		WHERE id = $1 AND deleted_at IS NULL
	`
	tag, err := r.pool.Exec(ctx, query,
		a.ID,
		a.Title,
		a.Description,
		string(a.Visibility),
		int64(a.Delay/time.Second),
		a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update asset: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAssetNotFound
	}
	return nil
}

// SetAssetObjectKey records where the asset payload lives in object storage.
func (r *Repository) SetAssetObjectKey(ctx context.Context, id, key string, at time.Time) error {
	query := `UPDATE assets SET object_key = $2, updated_at = $3 WHERE id = $1 AND deleted_at IS NULL`
	tag, err := r.pool.Exec(ctx, query, id, key, at)
	if err != nil {
		return fmt.Errorf("failed to set asset object key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAssetNotFound
	}
	return nil
}

// DeleteAsset soft-deletes an asset and unassigns it from nominees.
func (r *Repository) DeleteAsset(ctx context.Context, id string, at time.Time) error {
	return r.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE assets SET deleted_at = $2, updated_at = $2 WHERE id = $1 AND deleted_at IS NULL`, id, at)
		if err != nil {
			return fmt.Errorf("failed to delete asset: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrAssetNotFound
		}
		if _, err := tx.Exec(ctx, `DELETE FROM nominee_assets WHERE asset_id = $1`, id); err != nil {
			return fmt.Errorf("failed to unassign asset: %w", err)
		}
		return nil
	})
}

func scanAsset(row pgx.Row) (*model.Asset, error) {
	var a model.Asset
	var visibility string
	var delay int64
	var objectKey *string
	err := row.Scan(
		&a.ID,
		&a.UserID,
		&a.Ref,
		&a.Title,
		&a.Description,
		&visibility,
		&delay,
		&objectKey,
		&a.CreatedAt,
		&a.UpdatedAt,
		&a.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Visibility = model.Visibility(visibility)
	a.Delay = time.Duration(delay) * time.Second
	a.ObjectKey = stringOrEmpty(objectKey)
	return &a, nil
}
