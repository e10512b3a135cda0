package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/legacyvault/legacyvault/internal/model"
)

const caseColumns = `
	id, user_id, state, attempts_sent, probe_seq, opened_at, round_started_at, next_eval_at,
	confirmed_at, closed_at, close_reason, disclosure_cancelled_at, version, created_at, updated_at`

// CreateCase inserts a new open case. A second open case for the same user
// fails with *model.DuplicateCaseError.
func (r *Repository) CreateCase(ctx context.Context, c *model.InactivityCase) error {
	query := `
		INSERT INTO inactivity_cases (
			id, user_id, state, attempts_sent, probe_seq, opened_at, round_started_at,
			next_eval_at, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	if c.Version == 0 {
		c.Version = 1
	}
	_, err := r.pool.Exec(ctx, query,
		c.ID,
		c.UserID,
		string(c.State),
		c.AttemptsSent,
		c.ProbeSeq,
		c.OpenedAt,
		c.RoundStartedAt,
		c.NextEvalAt,
		c.Version,
		c.CreatedAt,
		c.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "idx_inactivity_cases_open_user") {
			return &model.DuplicateCaseError{UserID: c.UserID}
		}
		return fmt.Errorf("failed to create case: %w", err)
	}
	return nil
}

// SaveCase writes the mutable fields of a case if its version still matches,
// and inserts the given releases in the same transaction. It returns how many
// releases were stored. On success c.Version is incremented.
func (r *Repository) SaveCase(ctx context.Context, c *model.InactivityCase, releases []*model.Release) (int, error) {
	var stored int
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		query := `
			UPDATE inactivity_cases
			SET state = $3,
			    attempts_sent = $4,
			    probe_seq = $5,
			    round_started_at = $6,
			    next_eval_at = $7,
			    confirmed_at = $8,
			    closed_at = $9,
			    close_reason = $10,
			    disclosure_cancelled_at = $11,
			    updated_at = $12,
			    version = version + 1
			WHERE id = $1 AND version = $2
		`
		tag, err := tx.Exec(ctx, query,
			c.ID,
			c.Version,
			string(c.State),
			c.AttemptsSent,
			c.ProbeSeq,
			c.RoundStartedAt,
			c.NextEvalAt,
			c.ConfirmedAt,
			c.ClosedAt,
			nullableString(c.CloseReason),
			c.DisclosureCancelledAt,
			c.UpdatedAt,
		)
		if err != nil {
			if isUniqueViolation(err, "idx_inactivity_cases_open_user") {
				return &model.DuplicateCaseError{UserID: c.UserID}
			}
			return fmt.Errorf("failed to save case: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrVersionConflict
		}

		n, err := insertReleases(ctx, tx, releases)
		if err != nil {
			return err
		}
		stored = n
		return nil
	})
	if err != nil {
		return 0, err
	}

	c.Version++
	return stored, nil
}

// GetCase retrieves a case by ID.
func (r *Repository) GetCase(ctx context.Context, id string) (*model.InactivityCase, error) {
	query := `SELECT ` + caseColumns + ` FROM inactivity_cases WHERE id = $1`
	return r.getCase(ctx, query, id)
}

// GetOpenCase retrieves the open case of a user.
func (r *Repository) GetOpenCase(ctx context.Context, userID string) (*model.InactivityCase, error) {
	query := `SELECT ` + caseColumns + ` FROM inactivity_cases WHERE user_id = $1 AND closed_at IS NULL`
	return r.getCase(ctx, query, userID)
}

// GetLatestCase retrieves the most recently opened case of a user.
func (r *Repository) GetLatestCase(ctx context.Context, userID string) (*model.InactivityCase, error) {
	query := `
		SELECT ` + caseColumns + `
		FROM inactivity_cases
		WHERE user_id = $1
		ORDER BY opened_at DESC, id DESC
		LIMIT 1
	`
	return r.getCase(ctx, query, userID)
}

func (r *Repository) getCase(ctx context.Context, query string, arg string) (*model.InactivityCase, error) {
	c, err := scanCase(r.pool.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCaseNotFound
		}
		return nil, fmt.Errorf("failed to get case: %w", err)
	}
	return c, nil
}

// ListDueCases returns IDs of open cases whose next evaluation is due.
func (r *Repository) ListDueCases(ctx context.Context, now time.Time, limit int) ([]string, error) {
	query := `
		SELECT id
		FROM inactivity_cases
		WHERE closed_at IS NULL
		  AND next_eval_at IS NOT NULL
		  AND next_eval_at <= $1
		ORDER BY next_eval_at
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due cases: %w", err)
	}
	defer rows.Close()

	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan due cases: %w", err)
	}
	return ids, nil
}

func scanCase(row pgx.Row) (*model.InactivityCase, error) {
	var c model.InactivityCase
	var state string
	var closeReason *string
	err := row.Scan(
		&c.ID,
		&c.UserID,
		&state,
		&c.AttemptsSent,
		&c.ProbeSeq,
		&c.OpenedAt,
		&c.RoundStartedAt,
		&c.NextEvalAt,
		&c.ConfirmedAt,
		&c.ClosedAt,
		&closeReason,
		&c.DisclosureCancelledAt,
		&c.Version,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.State = model.CaseState(state)
	c.CloseReason = stringOrEmpty(closeReason)
	return &c, nil
}
