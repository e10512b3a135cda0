// Package disclosure plans, executes and serves the release of assets to
// nominees once a user is confirmed inactive.
package disclosure

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/legacyvault/legacyvault/internal/idgen"
	"github.com/legacyvault/legacyvault/internal/inactivity"
	"github.com/legacyvault/legacyvault/internal/metrics"
	"github.com/legacyvault/legacyvault/internal/model"
)

// PlanStore is what the planner reads and cancels.
type PlanStore interface {
	ListAssets(ctx context.Context, userID string) ([]*model.Asset, error)
	ListNominees(ctx context.Context, userID string) ([]*model.Nominee, error)
	CancelScheduledReleases(ctx context.Context, caseID string, at time.Time) (int, error)
}

// Planner builds release plans for confirmed cases. It implements
// inactivity.Planner.
type Planner struct {
	store   PlanStore
	metrics metrics.Recorder
	logger  *slog.Logger
}

var _ inactivity.Planner = (*Planner)(nil)

// NewPlanner creates a Planner.
func NewPlanner(store PlanStore, recorder metrics.Recorder, logger *slog.Logger) *Planner {
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{
		store:   store,
		metrics: recorder,
		logger:  logger.With("component", "disclosure.planner"),
	}
}

// DueAt returns when an asset is disclosed for a confirmation at confirmedAt.
func DueAt(a *model.Asset, confirmedAt time.Time) time.Time {
	if a.Visibility == model.VisibilityImmediate {
		return confirmedAt
	}
	return confirmedAt.Add(a.Delay)
}

// RequiresVerification reports whether the nominee must pass the identity
// challenge before the asset is released to them.
func RequiresVerification(a *model.Asset, n *model.Nominee) bool {
	return a.Visibility == model.VisibilityHiddenUntilConfirmed || n.AccessLevel == model.AccessLevelVerified
}

// Plan returns one scheduled release per asset and assigned nominee. A case
// that is not confirmed inactive on sufficient evidence is refused with a
// *model.PolicyViolation.
func (p *Planner) Plan(ctx context.Context, c *model.InactivityCase, unanswered []*model.CheckInAttempt, policy *model.InactivityPolicy) ([]*model.Release, error) {
	if c.State != model.CaseStateConfirmedInactive || c.ConfirmedAt == nil {
		return nil, &model.PolicyViolation{Rule: "confirmation", Detail: fmt.Sprintf("case %s is %s", c.ID, c.State)}
	}
	if c.DisclosureCancelledAt != nil {
		return nil, &model.PolicyViolation{Rule: "confirmation", Detail: "disclosure was cancelled"}
	}
	if !inactivity.Confirmable(unanswered, policy) {
		return nil, &model.PolicyViolation{Rule: "confirmation", Detail: "insufficient unanswered check-ins"}
	}

	assets, err := p.store.ListAssets(ctx, c.UserID)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	nominees, err := p.store.ListNominees(ctx, c.UserID)
	if err != nil {
		return nil, fmt.Errorf("list nominees: %w", err)
	}

	confirmedAt := *c.ConfirmedAt
	var releases []*model.Release
	for _, a := range assets {
		if a.DeletedAt != nil {
			continue
		}
		for _, n := range nominees {
			if n.DeletedAt != nil || !n.IsAssigned(a.ID) {
				continue
			}
			releases = append(releases, &model.Release{
				ID:                   idgen.NewAt(confirmedAt),
				CaseID:               c.ID,
				UserID:               c.UserID,
				AssetID:              a.ID,
				NomineeID:            n.ID,
				Visibility:           a.Visibility,
				DueAt:                DueAt(a, confirmedAt),
				Status:               model.ReleaseScheduled,
				RequiresVerification: RequiresVerification(a, n),
				NoticeStatus:         model.NoticePending,
				CreatedAt:            confirmedAt,
				UpdatedAt:            confirmedAt,
			})
		}
	}
	sort.SliceStable(releases, func(i, j int) bool {
		return releases[i].DueAt.Before(releases[j].DueAt)
	})

	if len(releases) == 0 {
		p.logger.Warn("confirmed case has nothing to disclose",
			"case_id", c.ID,
			"user_id", c.UserID,
		)
	} else {
		p.logger.Info("release plan built",
			"case_id", c.ID,
			"user_id", c.UserID,
			"releases", len(releases),
		)
	}
	return releases, nil
}

// CancelPending cancels the releases of a case that have not executed.
func (p *Planner) CancelPending(ctx context.Context, caseID string, at time.Time) (int, error) {
	n, err := p.store.CancelScheduledReleases(ctx, caseID, at)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		p.metrics.IncReleaseCancelled(n)
		p.logger.Info("scheduled releases cancelled", "case_id", caseID, "count", n)
	}
	return n, nil
}
