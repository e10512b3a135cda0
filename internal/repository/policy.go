package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/legacyvault/legacyvault/internal/model"
)

// GetPolicy retrieves the inactivity policy of a user.
func (r *Repository) GetPolicy(ctx context.Context, userID string) (*model.InactivityPolicy, error) {
	query := `
		SELECT user_id, enabled, check_in_threshold, interval_seconds, response_timeout_seconds,
		       grace_period_seconds, channels, updated_at
		FROM inactivity_policies
		WHERE user_id = $1
	`

	var (
		p                        model.InactivityPolicy
		interval, timeout, grace int64
		channels                 []string
	)
	err := r.pool.QueryRow(ctx, query, userID).Scan(
		&p.UserID,
		&p.Enabled,
		&p.CheckInThreshold,
		&interval,
		&timeout,
		&grace,
		&channels,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPolicyNotFound
		}
		return nil, fmt.Errorf("failed to get policy: %w", err)
	}

	p.Interval = time.Duration(interval) * time.Second
	p.ResponseTimeout = time.Duration(timeout) * time.Second
	p.GracePeriod = time.Duration(grace) * time.Second
	p.Channels = make([]model.Channel, 0, len(channels))
	for _, ch := range channels {
		p.Channels = append(p.Channels, model.Channel(ch))
	}
	return &p, nil
}

// UpsertPolicy creates or replaces a user's inactivity policy.
func (r *Repository) UpsertPolicy(ctx context.Context, policy *model.InactivityPolicy) error {
	return upsertPolicy(ctx, r.pool, policy)
}

func upsertPolicy(ctx context.Context, q querier, policy *model.InactivityPolicy) error {
	query := `
		INSERT INTO inactivity_policies (
			user_id, enabled, check_in_threshold, interval_seconds, response_timeout_seconds,
			grace_period_seconds, channels, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			check_in_threshold = EXCLUDED.check_in_threshold,
			interval_seconds = EXCLUDED.interval_seconds,
			response_timeout_seconds = EXCLUDED.response_timeout_seconds,
			grace_period_seconds = EXCLUDED.grace_period_seconds,
			channels = EXCLUDED.channels,
			updated_at = EXCLUDED.updated_at
	`

	channels := make([]string, 0, len(policy.Channels))
	for _, ch := range policy.Channels {
		channels = append(channels, string(ch))
	}

	_, err := q.Exec(ctx, query,
		policy.UserID,
		policy.Enabled,
		policy.CheckInThreshold,
		int64(policy.Interval/time.Second),
		int64(policy.ResponseTimeout/time.Second),
		int64(policy.GracePeriod/time.Second),
		channels,
		policy.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert policy: %w", err)
	}
	return nil
}
