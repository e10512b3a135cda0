package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/legacyvault/legacyvault/internal/model"
)

const nomineeColumns = `
	n.id, n.user_id, n.name, n.relation, n.email, n.phone, n.dob, n.access_level, n.share_percent,
	COALESCE(ARRAY(SELECT na.asset_id FROM nominee_assets na WHERE na.nominee_id = n.id ORDER BY na.asset_id), '{}'),
	n.verified_at, n.created_at, n.updated_at, n.deleted_at`

// CreateNominee inserts a nominee and its asset assignments.
func (r *Repository) CreateNominee(ctx context.Context, n *model.Nominee) error {
	return r.withTx(ctx, func(tx pgx.Tx) error {
		query := `
			INSERT INTO nominees (
				id, user_id, name, relation, email, phone, dob, access_level, share_percent, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`
		_, err := tx.Exec(ctx, query,
			n.ID,
			n.UserID,
			n.Name,
			n.Relation,
			n.Email,
			n.Phone,
			n.DOB,
			string(n.AccessLevel),
			n.SharePercent,
			n.CreatedAt,
			n.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to create nominee: %w", err)
		}
		return assignAssets(ctx, tx, n)
	})
}

// UpdateNominee writes the editable fields and replaces asset assignments.
func (r *Repository) UpdateNominee(ctx context.Context, n *model.Nominee) error {
	return r.withTx(ctx, func(tx pgx.Tx) error {
		query := `
			UPDATE nominees
			SET name = $2, relation = $3, email = $4, phone = $5, dob = $6, access_level = $7,
			    share_percent = $8, updated_at = $9
			WHERE id = $1 AND deleted_at IS NULL
		`
		tag, err := tx.Exec(ctx, query,
			n.ID,
			n.Name,
			n.Relation,
			n.Email,
			n.Phone,
			n.DOB,
			string(n.AccessLevel),
			n.SharePercent,
			n.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to update nominee: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNomineeNotFound
		}
		if _, err := tx.Exec(ctx, `DELETE FROM nominee_assets WHERE nominee_id = $1`, n.ID); err != nil {
			return fmt.Errorf("failed to clear nominee assets: %w", err)
		}
		return assignAssets(ctx, tx, n)
	})
}

// assignAssets links the nominee to assets owned by the same user.
func assignAssets(ctx context.Context, tx pgx.Tx, n *model.Nominee) error {
	if len(n.AssetIDs) == 0 {
		return nil
	}
	query := `
		INSERT INTO nominee_assets (nominee_id, asset_id)
		SELECT $1, a.id FROM assets a
		WHERE a.id = ANY($2) AND a.user_id = $3 AND a.deleted_at IS NULL
		ON CONFLICT DO NOTHING
	`
	tag, err := tx.Exec(ctx, query, n.ID, n.AssetIDs, n.UserID)
	if err != nil {
		return fmt.Errorf("failed to assign assets: %w", err)
	}
	if int(tag.RowsAffected()) != len(uniqueStrings(n.AssetIDs)) {
		return ErrUnknownAssetLink
	}
	return nil
}

// GetNominee retrieves a live nominee by ID.
func (r *Repository) GetNominee(ctx context.Context, id string) (*model.Nominee, error) {
	query := `SELECT ` + nomineeColumns + ` FROM nominees n WHERE n.id = $1 AND n.deleted_at IS NULL`
	n, err := scanNominee(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNomineeNotFound
		}
		return nil, fmt.Errorf("failed to get nominee: %w", err)
	}
	return n, nil
}

// ListNominees returns a user's live nominees ordered by creation.
func (r *Repository) ListNominees(ctx context.Context, userID string) ([]*model.Nominee, error) {
	query := `
		SELECT ` + nomineeColumns + `
		FROM nominees n
		WHERE n.user_id = $1 AND n.deleted_at IS NULL
		ORDER BY n.created_at, n.id
	`
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list nominees: %w", err)
	}
	defer rows.Close()

	var nominees []*model.Nominee
	for rows.Next() {
		n, err := scanNominee(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan nominee: %w", err)
		}
		nominees = append(nominees, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate nominees: %w", err)
	}
	return nominees, nil
}

// DeleteNominee soft-deletes a nominee.
func (r *Repository) DeleteNominee(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE nominees SET deleted_at = $2, updated_at = $2 WHERE id = $1 AND deleted_at IS NULL`
	tag, err := r.pool.Exec(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("failed to delete nominee: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNomineeNotFound
	}
	return nil
}

// MarkNomineeVerified stamps verified_at once.
func (r *Repository) MarkNomineeVerified(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE nominees
		SET verified_at = COALESCE(verified_at, $2), updated_at = $2
		WHERE id = $1 AND deleted_at IS NULL
	`
	tag, err := r.pool.Exec(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("failed to verify nominee: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNomineeNotFound
	}
	return nil
}

func scanNominee(row pgx.Row) (*model.Nominee, error) {
	var n model.Nominee
	var accessLevel string
	err := row.Scan(
		&n.ID,
		&n.UserID,
		&n.Name,
		&n.Relation,
		&n.Email,
		&n.Phone,
		&n.DOB,
		&accessLevel,
		&n.SharePercent,
		&n.AssetIDs,
		&n.VerifiedAt,
		&n.CreatedAt,
		&n.UpdatedAt,
		&n.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	n.AccessLevel = model.AccessLevel(accessLevel)
	return &n, nil
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
