package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/legacyvault/legacyvault/internal/model"
)

const attemptColumns = `
	id, user_id, case_id, probe_seq, channel, outcome, not_before, sent_at, deadline_at,
	response_at, outcome_at, provider_ref, failure, response_token_hash, lease_until, created_at`

const entryColumns = `
	id, user_id, case_id, attempt_id, kind, channel, occurred_at, recorded_at, detail, idempotency_key`

// InsertAttempt stores a queued attempt and its ledger entry atomically.
func (r *Repository) InsertAttempt(ctx context.Context, a *model.CheckInAttempt, entry *model.LedgerEntry) error {
	return r.withTx(ctx, func(tx pgx.Tx) error {
		query := `
			INSERT INTO check_in_attempts (
				id, user_id, case_id, probe_seq, channel, outcome, not_before, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`
		_, err := tx.Exec(ctx, query,
			a.ID,
			a.UserID,
			a.CaseID,
			a.ProbeSeq,
			string(a.Channel),
			string(a.Outcome),
			a.NotBefore,
			a.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert attempt: %w", err)
		}

		if entry == nil {
			return nil
		}
		_, err = insertEntry(ctx, tx, entry)
		return err
	})
}

// MarkAttemptSent records a successful send. It only applies to a queued
// attempt; false means the attempt already left the queue.
func (r *Repository) MarkAttemptSent(ctx context.Context, attemptID string, sentAt, deadline time.Time, providerRef, tokenHash string, entry *model.LedgerEntry) (bool, error) {
	var applied bool
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		query := `
			UPDATE check_in_attempts
			SET sent_at = $2, deadline_at = $3, provider_ref = $4, response_token_hash = $5, lease_until = NULL
			WHERE id = $1 AND outcome = 'pending' AND sent_at IS NULL
		`
		tag, err := tx.Exec(ctx, query, attemptID, sentAt, deadline, nullableString(providerRef), nullableString(tokenHash))
		if err != nil {
			return fmt.Errorf("failed to mark attempt sent: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		applied = true

		if entry == nil {
			return nil
		}
		_, err = insertEntry(ctx, tx, entry)
		return err
	})
	return applied, err
}

// ResolveAttempt sets the final outcome of a pending attempt and appends its
// ledger entry in the same transaction. false means the outcome was already set.
func (r *Repository) ResolveAttempt(ctx context.Context, attemptID string, outcome model.AttemptOutcome, at time.Time, failure string, entry *model.LedgerEntry) (bool, error) {
	var applied bool
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		query := `
			UPDATE check_in_attempts
			SET outcome = $2,
			    outcome_at = $3,
			    response_at = CASE WHEN $2 = 'answered' THEN $3 ELSE response_at END,
			    failure = $4,
			    lease_until = NULL
			WHERE id = $1 AND outcome = 'pending'
		`
		tag, err := tx.Exec(ctx, query, attemptID, string(outcome), at, nullableString(failure))
		if err != nil {
			return fmt.Errorf("failed to resolve attempt: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		applied = true

		if entry == nil {
			return nil
		}
		_, err = insertEntry(ctx, tx, entry)
		return err
	})
	return applied, err
}

// AppendEntry appends a ledger entry. An entry whose idempotency key was
// already recorded is skipped and false is returned.
func (r *Repository) AppendEntry(ctx context.Context, entry *model.LedgerEntry) (bool, error) {
	return insertEntry(ctx, r.pool, entry)
}

func insertEntry(ctx context.Context, q querier, e *model.LedgerEntry) (bool, error) {
	detail, err := json.Marshal(e.Detail)
	if err != nil {
		return false, fmt.Errorf("marshal entry detail: %w", err)
	}
	if e.Detail == nil {
		detail = []byte("{}")
	}

	query := `
		INSERT INTO ledger_entries (
			id, user_id, case_id, attempt_id, kind, channel, occurred_at, recorded_at, detail, idempotency_key
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (idempotency_key) DO NOTHING
	`
	tag, err := q.Exec(ctx, query,
		e.ID,
		e.UserID,
		nullableString(e.CaseID),
		nullableString(e.AttemptID),
		string(e.Kind),
		nullableString(string(e.Channel)),
		e.OccurredAt,
		e.RecordedAt,
		detail,
		nullableString(e.IdempotencyKey),
	)
	if err != nil {
		return false, fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetAttempt retrieves an attempt by ID.
func (r *Repository) GetAttempt(ctx context.Context, id string) (*model.CheckInAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM check_in_attempts WHERE id = $1`
	return r.getAttempt(ctx, query, id)
}

// GetAttemptByTokenHash finds the attempt a response link was minted for.
func (r *Repository) GetAttemptByTokenHash(ctx context.Context, hash string) (*model.CheckInAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM check_in_attempts WHERE response_token_hash = $1`
	return r.getAttempt(ctx, query, hash)
}

func (r *Repository) getAttempt(ctx context.Context, query, arg string) (*model.CheckInAttempt, error) {
	a, err := scanAttempt(r.pool.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("failed to get attempt: %w", err)
	}
	return a, nil
}

// ListCaseAttempts returns the attempts of a case created at or after since,
// oldest first.
func (r *Repository) ListCaseAttempts(ctx context.Context, caseID string, since time.Time) ([]*model.CheckInAttempt, error) {
	query := `
		SELECT ` + attemptColumns + `
		FROM check_in_attempts
		WHERE case_id = $1 AND created_at >= $2
		ORDER BY created_at, id
	`
	return r.queryAttempts(ctx, query, caseID, since)
}

// ListProbeAttempts returns every attempt made for one probe of a case.
func (r *Repository) ListProbeAttempts(ctx context.Context, caseID string, seq int) ([]*model.CheckInAttempt, error) {
	query := `
		SELECT ` + attemptColumns + `
		FROM check_in_attempts
		WHERE case_id = $1 AND probe_seq = $2
		ORDER BY created_at, id
	`
	return r.queryAttempts(ctx, query, caseID, seq)
}

// ClaimQueuedAttempts leases queued attempts that are ready to send. Only
// attempts of open, probing cases whose user still has monitoring enabled
// are claimed.
func (r *Repository) ClaimQueuedAttempts(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*model.CheckInAttempt, error) {
	query := `
		UPDATE check_in_attempts
		SET lease_until = $2
		WHERE id IN (
			SELECT a.id
			FROM check_in_attempts a
			JOIN inactivity_cases c ON c.id = a.case_id
			JOIN inactivity_policies p ON p.user_id = c.user_id
			WHERE a.outcome = 'pending'
			  AND p.enabled
			  AND a.sent_at IS NULL
			  AND a.not_before <= $1
			  AND (a.lease_until IS NULL OR a.lease_until < $1)
			  AND a.created_at >= c.round_started_at
			  AND c.closed_at IS NULL
			  AND c.state IN ('awaiting_response', 'escalating')
			ORDER BY a.not_before
			LIMIT $3
			FOR UPDATE OF a SKIP LOCKED
		)
		RETURNING ` + attemptColumns

	return r.queryAttempts(ctx, query, now, now.Add(lease), limit)
}

func (r *Repository) queryAttempts(ctx context.Context, query string, args ...any) ([]*model.CheckInAttempt, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*model.CheckInAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate attempts: %w", err)
	}
	return attempts, nil
}

// LatestEntrySince returns the newest entry of the given kinds that occurred
// strictly after since.
func (r *Repository) LatestEntrySince(ctx context.Context, userID string, kinds []model.LedgerEntryKind, since time.Time) (*model.LedgerEntry, error) {
	names := make([]string, 0, len(kinds))
	for _, k := range kinds {
		names = append(names, string(k))
	}

	query := `
		SELECT ` + entryColumns + `
		FROM ledger_entries
		WHERE user_id = $1 AND kind = ANY($2) AND occurred_at > $3
		ORDER BY occurred_at DESC, id DESC
		LIMIT 1
	`
	e, err := scanEntry(r.pool.QueryRow(ctx, query, userID, names, since))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEntryNotFound
		}
		return nil, fmt.Errorf("failed to get latest entry: %w", err)
	}
	return e, nil
}

// GetEntry retrieves a ledger entry by ID.
func (r *Repository) GetEntry(ctx context.Context, id string) (*model.LedgerEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE id = $1`
	e, err := scanEntry(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEntryNotFound
		}
		return nil, fmt.Errorf("failed to get entry: %w", err)
	}
	return e, nil
}

// ListEntries returns a user's most recent ledger entries, newest first.
func (r *Repository) ListEntries(ctx context.Context, userID string, limit int) ([]*model.LedgerEntry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM ledger_entries
		WHERE user_id = $1
		ORDER BY recorded_at DESC, id DESC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	defer rows.Close()

	var entries []*model.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate entries: %w", err)
	}
	return entries, nil
}

func scanAttempt(row pgx.Row) (*model.CheckInAttempt, error) {
	var a model.CheckInAttempt
	var channel, outcome string
	var providerRef, failure, tokenHash *string
	err := row.Scan(
		&a.ID,
		&a.UserID,
		&a.CaseID,
		&a.ProbeSeq,
		&channel,
		&outcome,
		&a.NotBefore,
		&a.SentAt,
		&a.DeadlineAt,
		&a.ResponseAt,
		&a.OutcomeAt,
		&providerRef,
		&failure,
		&tokenHash,
		&a.LeaseUntil,
		&a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Channel = model.Channel(channel)
	a.Outcome = model.AttemptOutcome(outcome)
	a.ProviderRef = stringOrEmpty(providerRef)
	a.Failure = stringOrEmpty(failure)
	a.ResponseTokenHash = stringOrEmpty(tokenHash)
	return &a, nil
}

func scanEntry(row pgx.Row) (*model.LedgerEntry, error) {
	var e model.LedgerEntry
	var kind string
	var caseID, attemptID, channel, key *string
	var detail []byte
	err := row.Scan(
		&e.ID,
		&e.UserID,
		&caseID,
		&attemptID,
		&kind,
		&channel,
		&e.OccurredAt,
		&e.RecordedAt,
		&detail,
		&key,
	)
	if err != nil {
		return nil, err
	}
	e.Kind = model.LedgerEntryKind(kind)
	e.CaseID = stringOrEmpty(caseID)
	e.AttemptID = stringOrEmpty(attemptID)
	e.Channel = model.Channel(stringOrEmpty(channel))
	e.IdempotencyKey = stringOrEmpty(key)
	if len(detail) > 0 {
		if err := json.Unmarshal(detail, &e.Detail); err != nil {
			return nil, fmt.Errorf("unmarshal entry detail: %w", err)
		}
	}
	return &e, nil
}
