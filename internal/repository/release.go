package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/legacyvault/legacyvault/internal/model"
)

const releaseColumns = `
	r.id, r.case_id, r.user_id, r.asset_id, r.nominee_id, r.visibility, r.due_at, r.status,
	r.requires_verification, r.released_at, r.cancelled_at, r.access_token_hash, r.notice_status,
	r.notice_attempts, r.next_notice_at, r.last_error, r.created_at, r.updated_at`

// insertReleases stores a release plan and returns how many rows were
// written. Rows for a (user, asset, nominee) triple that already has a
// scheduled or released grant are skipped.
func insertReleases(ctx context.Context, tx pgx.Tx, releases []*model.Release) (int, error) {
	if len(releases) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	query := `
		INSERT INTO disclosure_releases (
			id, case_id, user_id, asset_id, nominee_id, visibility, due_at, status,
			requires_verification, notice_status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (user_id, asset_id, nominee_id) WHERE status <> 'cancelled' DO NOTHING
	`
	for _, rel := range releases {
		batch.Queue(query,
			rel.ID,
			rel.CaseID,
			rel.UserID,
			rel.AssetID,
			rel.NomineeID,
			string(rel.Visibility),
			rel.DueAt,
			string(rel.Status),
			rel.RequiresVerification,
			string(rel.NoticeStatus),
			rel.CreatedAt,
			rel.UpdatedAt,
		)
	}

	results := tx.SendBatch(ctx, batch)
	defer results.Close()

	stored := 0
	for i := 0; i < len(releases); i++ {
		tag, err := results.Exec()
		if err != nil {
			return stored, fmt.Errorf("batch insert release %d: %w", i, err)
		}
		stored += int(tag.RowsAffected())
	}
	return stored, nil
}

// ListUserReleases returns every release planned for a user's assets.
func (r *Repository) ListUserReleases(ctx context.Context, userID string) ([]*model.Release, error) {
	query := `
		SELECT ` + releaseColumns + `
		FROM disclosure_releases r
		WHERE r.user_id = $1
		ORDER BY r.due_at, r.id
	`
	return r.queryReleases(ctx, query, userID)
}

// ListCaseReleases returns the release plan of one case.
func (r *Repository) ListCaseReleases(ctx context.Context, caseID string) ([]*model.Release, error) {
	query := `
		SELECT ` + releaseColumns + `
		FROM disclosure_releases r
		WHERE r.case_id = $1
		ORDER BY r.due_at, r.id
	`
	return r.queryReleases(ctx, query, caseID)
}

// GetReleaseByTokenHash finds a release by the hash of its access token.
func (r *Repository) GetReleaseByTokenHash(ctx context.Context, hash string) (*model.Release, error) {
	query := `SELECT ` + releaseColumns + ` FROM disclosure_releases r WHERE r.access_token_hash = $1`
	rel, err := scanRelease(r.pool.QueryRow(ctx, query, hash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrReleaseNotFound
		}
		return nil, fmt.Errorf("failed to get release: %w", err)
	}
	return rel, nil
}

// CancelScheduledReleases cancels releases of a case that have not executed.
// Released rows are left untouched.
func (r *Repository) CancelScheduledReleases(ctx context.Context, caseID string, at time.Time) (int, error) {
	query := `
		UPDATE disclosure_releases
		SET status = 'cancelled', cancelled_at = $2, updated_at = $2, lease_until = NULL
		WHERE case_id = $1 AND status = 'scheduled'
	`
	tag, err := r.pool.Exec(ctx, query, caseID, at)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel releases: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ClaimDueReleases leases scheduled releases that may execute now. Releases of
// a case whose disclosure was cancelled, or that wait on nominee verification,
// are not claimed.
func (r *Repository) ClaimDueReleases(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*model.Release, error) {
	query := `
		UPDATE disclosure_releases r
		SET lease_until = $2
		WHERE r.id IN (
			SELECT d.id
			FROM disclosure_releases d
			JOIN inactivity_cases c ON c.id = d.case_id
			JOIN nominees n ON n.id = d.nominee_id
			JOIN assets a ON a.id = d.asset_id
			WHERE d.status = 'scheduled'
			  AND d.due_at <= $1
			  AND (d.lease_until IS NULL OR d.lease_until < $1)
			  AND c.state = 'confirmed_inactive'
			  AND c.disclosure_cancelled_at IS NULL
			  AND n.deleted_at IS NULL
			  AND a.deleted_at IS NULL
			  AND (NOT d.requires_verification OR n.verified_at IS NOT NULL)
			ORDER BY d.due_at
			LIMIT $3
			FOR UPDATE OF d SKIP LOCKED
		)
		RETURNING ` + releaseColumns

	return r.queryReleases(ctx, query, now, now.Add(lease), limit)
}

// MarkReleased executes a scheduled release. It is a conditional update so a
// release is executed at most once; false means it was not scheduled anymore.
// The lease is kept until the first notice outcome is recorded.
func (r *Repository) MarkReleased(ctx context.Context, id string, at time.Time) (bool, error) {
	query := `
		UPDATE disclosure_releases
		SET status = 'released', released_at = $2, next_notice_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'scheduled'
	`
	tag, err := r.pool.Exec(ctx, query, id, at)
	if err != nil {
		return false, fmt.Errorf("failed to mark release executed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetReleaseToken replaces the access token hash of a released grant.
func (r *Repository) SetReleaseToken(ctx context.Context, id, hash string, at time.Time) error {
	query := `
		UPDATE disclosure_releases
		SET access_token_hash = $2, updated_at = $3
		WHERE id = $1 AND status = 'released'
	`
	tag, err := r.pool.Exec(ctx, query, id, hash, at)
	if err != nil {
		return fmt.Errorf("failed to set release token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrReleaseNotFound
	}
	return nil
}

// UpdateNotice records the outcome of a nominee notice attempt.
func (r *Repository) UpdateNotice(ctx context.Context, rel *model.Release) error {
	query := `
		UPDATE disclosure_releases
		SET notice_status = $2, notice_attempts = $3, next_notice_at = $4, last_error = $5,
		    updated_at = $6, lease_until = NULL
		WHERE id = $1
	`
	tag, err := r.pool.Exec(ctx, query,
		rel.ID,
		string(rel.NoticeStatus),
		rel.NoticeAttempts,
		rel.NextNoticeAt,
		nullableString(rel.LastError),
		rel.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update notice: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrReleaseNotFound
	}
	return nil
}

// ClaimDueNotices leases released grants whose nominee notice is due for a retry.
func (r *Repository) ClaimDueNotices(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*model.Release, error) {
	query := `
		UPDATE disclosure_releases r
		SET lease_until = $2
		WHERE r.id IN (
			SELECT d.id
			FROM disclosure_releases d
			WHERE d.status = 'released'
			  AND d.notice_status <> 'sent'
			  AND d.next_notice_at IS NOT NULL
			  AND d.next_notice_at <= $1
			  AND (d.lease_until IS NULL OR d.lease_until < $1)
			ORDER BY d.next_notice_at
			LIMIT $3
			FOR UPDATE OF d SKIP LOCKED
		)
		RETURNING ` + releaseColumns

	return r.queryReleases(ctx, query, now, now.Add(lease), limit)
}

func (r *Repository) queryReleases(ctx context.Context, query string, args ...any) ([]*model.Release, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query releases: %w", err)
	}
	defer rows.Close()

	var releases []*model.Release
	for rows.Next() {
		rel, err := scanRelease(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan release: %w", err)
		}
		releases = append(releases, rel)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate releases: %w", err)
	}
	return releases, nil
}

func scanRelease(row pgx.Row) (*model.Release, error) {
	var rel model.Release
	var visibility, status, noticeStatus string
	var tokenHash, lastError *string
	err := row.Scan(
		&rel.ID,
		&rel.CaseID,
		&rel.UserID,
		&rel.AssetID,
		&rel.NomineeID,
		&visibility,
		&rel.DueAt,
		&status,
		&rel.RequiresVerification,
		&rel.ReleasedAt,
		&rel.CancelledAt,
		&tokenHash,
		&noticeStatus,
		&rel.NoticeAttempts,
		&rel.NextNoticeAt,
		&lastError,
		&rel.CreatedAt,
		&rel.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rel.Visibility = model.Visibility(visibility)
	rel.Status = model.ReleaseStatus(status)
	rel.NoticeStatus = model.NoticeStatus(noticeStatus)
	rel.AccessTokenHash = stringOrEmpty(tokenHash)
	rel.LastError = stringOrEmpty(lastError)
	return &rel, nil
}
