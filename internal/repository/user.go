package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/legacyvault/legacyvault/internal/model"
)

const userColumns = `
	id, first_name, last_name, email, mobile, dob, password_hash, otp_secret,
	mobile_verified_at, push_token, last_active_at, created_at, updated_at, deleted_at`

// CreateUser inserts a new user together with its inactivity policy.
func (r *Repository) CreateUser(ctx context.Context, user *model.User, policy *model.InactivityPolicy) error {
	return r.withTx(ctx, func(tx pgx.Tx) error {
		query := `
			INSERT INTO users (
				id, first_name, last_name, email, mobile, dob, password_hash, otp_secret,
				push_token, last_active_at, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		`
		_, err := tx.Exec(ctx, query,
			user.ID,
			user.FirstName,
			user.LastName,
			user.Email,
			user.Mobile,
			user.DOB,
			user.PasswordHash,
			user.OTPSecret,
			nullableString(user.PushToken),
			user.LastActiveAt,
			user.CreatedAt,
			user.UpdatedAt,
		)
		if err != nil {
			switch {
			case isUniqueViolation(err, "idx_users_email"):
				return ErrEmailExists
			case isUniqueViolation(err, "idx_users_mobile"):
				return ErrMobileExists
			}
			return fmt.Errorf("failed to create user: %w", err)
		}

		if policy != nil {
			policy.UserID = user.ID
			if err := upsertPolicy(ctx, tx, policy); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetUserByID retrieves a user by their ID.
func (r *Repository) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1 AND deleted_at IS NULL`
	user, err := scanUser(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user by ID: %w", err)
	}
	return user, nil
}

// GetUser is an alias of GetUserByID that satisfies the domain store interfaces.
func (r *Repository) GetUser(ctx context.Context, id string) (*model.User, error) {
	return r.GetUserByID(ctx, id)
}

// GetUserByMobile retrieves a user by their mobile number.
func (r *Repository) GetUserByMobile(ctx context.Context, mobile string) (*model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE mobile = $1 AND deleted_at IS NULL`
	user, err := scanUser(r.pool.QueryRow(ctx, query, mobile))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user by mobile: %w", err)
	}
	return user, nil
}

// MarkMobileVerified stamps mobile_verified_at once.
func (r *Repository) MarkMobileVerified(ctx context.Context, userID string, at time.Time) error {
	query := `
		UPDATE users
		SET mobile_verified_at = COALESCE(mobile_verified_at, $2), updated_at = $2
		WHERE id = $1 AND deleted_at IS NULL
	`
	tag, err := r.pool.Exec(ctx, query, userID, at)
	if err != nil {
		return fmt.Errorf("failed to verify mobile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// UpdateProfile writes the editable account fields: names, email, dob and
// push token.
func (r *Repository) UpdateProfile(ctx context.Context, user *model.User) error {
	query := `
		UPDATE users
		SET first_name = $2, last_name = $3, email = $4, dob = $5, push_token = $6, updated_at = $7
		WHERE id = $1 AND deleted_at IS NULL
	`
	tag, err := r.pool.Exec(ctx, query,
		user.ID,
		user.FirstName,
		user.LastName,
		user.Email,
		user.DOB,
		nullableString(user.PushToken),
		user.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "idx_users_email") {
			return ErrEmailExists
		}
		return fmt.Errorf("failed to update profile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// UpdatePasswordHash replaces the stored password hash.
func (r *Repository) UpdatePasswordHash(ctx context.Context, userID, hash string, at time.Time) error {
	query := `UPDATE users SET password_hash = $2, updated_at = $3 WHERE id = $1 AND deleted_at IS NULL`
	tag, err := r.pool.Exec(ctx, query, userID, hash, at)
	if err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// TouchLastActive moves last_active_at forward. It never moves it back.
func (r *Repository) TouchLastActive(ctx context.Context, userID string, at time.Time) error {
	query := `UPDATE users SET last_active_at = GREATEST(last_active_at, $2) WHERE id = $1`
	if _, err := r.pool.Exec(ctx, query, userID, at); err != nil {
		return fmt.Errorf("failed to touch last_active_at: %w", err)
	}
	return nil
}

// BulkTouchLastActive applies many heartbeat timestamps in one round trip.
func (r *Repository) BulkTouchLastActive(ctx context.Context, seen map[string]time.Time) error {
	if len(seen) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	query := `UPDATE users SET last_active_at = GREATEST(last_active_at, $2) WHERE id = $1`
	for userID, at := range seen {
		batch.Queue(query, userID, at)
	}

	results := r.pool.SendBatch(ctx, batch)
	defer results.Close()

	for i := 0; i < len(seen); i++ {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("batch touch %d: %w", i, err)
		}
	}
	return nil
}

// ListUsersDueForProbe returns verified users whose first probe is due and
// who have no open case. Users whose disclosure already went ahead are skipped.
func (r *Repository) ListUsersDueForProbe(ctx context.Context, now time.Time, limit int) ([]string, error) {
	query := `
		SELECT u.id
		FROM users u
		JOIN inactivity_policies p ON p.user_id = u.id
		WHERE u.deleted_at IS NULL
		  AND u.mobile_verified_at IS NOT NULL
		  AND p.enabled
		  AND u.last_active_at + make_interval(secs => p.interval_seconds) <= $1
		  AND NOT EXISTS (
		      SELECT 1 FROM inactivity_cases c
		      WHERE c.user_id = u.id
		        AND (c.closed_at IS NULL
		             OR (c.state = 'confirmed_inactive' AND c.disclosure_cancelled_at IS NULL))
		  )
		ORDER BY u.last_active_at
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due users: %w", err)
	}
	defer rows.Close()

	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan due users: %w", err)
	}
	return ids, nil
}

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	var pushToken *string
	err := row.Scan(
		&u.ID,
		&u.FirstName,
		&u.LastName,
		&u.Email,
		&u.Mobile,
		&u.DOB,
		&u.PasswordHash,
		&u.OTPSecret,
		&u.MobileVerifiedAt,
		&pushToken,
		&u.LastActiveAt,
		&u.CreatedAt,
		&u.UpdatedAt,
		&u.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	u.PushToken = stringOrEmpty(pushToken)
	return &u, nil
}
