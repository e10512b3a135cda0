package inactivity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/legacyvault/legacyvault/internal/idgen"
	"github.com/legacyvault/legacyvault/internal/ledger"
	"github.com/legacyvault/legacyvault/internal/metrics"
	"github.com/legacyvault/legacyvault/internal/model"
	"github.com/legacyvault/legacyvault/internal/repository"
)

// Store persists users, policies and cases.
type Store interface {
	GetUser(ctx context.Context, id string) (*model.User, error)
	GetPolicy(ctx context.Context, userID string) (*model.InactivityPolicy, error)
	TouchLastActive(ctx context.Context, userID string, at time.Time) error
	GetCase(ctx context.Context, id string) (*model.InactivityCase, error)
	GetOpenCase(ctx context.Context, userID string) (*model.InactivityCase, error)
	GetLatestCase(ctx context.Context, userID string) (*model.InactivityCase, error)
	CreateCase(ctx context.Context, c *model.InactivityCase) error
	// SaveCase fails with repository.ErrVersionConflict when c.Version is
	// stale. Releases are written in the same transaction; the count of
	// releases actually stored is returned.
	SaveCase(ctx context.Context, c *model.InactivityCase, releases []*model.Release) (int, error)
	ListDueCases(ctx context.Context, now time.Time, limit int) ([]string, error)
	ListUsersDueForProbe(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// Planner turns a confirmed case into a release plan and cancels plans that
// have not executed.
type Planner interface {
	Plan(ctx context.Context, c *model.InactivityCase, unanswered []*model.CheckInAttempt, policy *model.InactivityPolicy) ([]*model.Release, error)
	CancelPending(ctx context.Context, caseID string, at time.Time) (int, error)
}

// Engine applies state machine decisions to stored cases. Every mutation of
// a user's case runs under that user's lock.
type Engine struct {
	store   Store
	ledger  *ledger.Ledger
	planner Planner
	locker  Locker
	metrics metrics.Recorder
	logger  *slog.Logger
	now     func() time.Time

	allowPostConfirmationCancel bool
}

// NewEngine creates an Engine.
func NewEngine(store Store, l *ledger.Ledger, planner Planner, locker Locker, recorder metrics.Recorder, logger *slog.Logger) *Engine {
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:                       store,
		ledger:                      l,
		planner:                     planner,
		locker:                      locker,
		metrics:                     recorder,
		logger:                      logger.With("component", "inactivity"),
		now:                         time.Now,
		allowPostConfirmationCancel: true,
	}
}

// SetClock overrides the engine clock. Used in tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// SetAllowPostConfirmationCancel controls whether a confirmed case can still
// cancel releases that have not executed.
func (e *Engine) SetAllowPostConfirmationCancel(allow bool) {
	e.allowPostConfirmationCancel = allow
}

func (e *Engine) clock() time.Time {
	return e.now().UTC()
}

func lockKey(userID string) string {
	return "user:" + userID
}

func (e *Engine) lock(ctx context.Context, userID string) (func(), error) {
	unlock, err := e.locker.Lock(ctx, lockKey(userID))
	if err != nil {
		return nil, fmt.Errorf("lock user %s: %w", userID, err)
	}
	return unlock, nil
}

// Tick opens cases for users whose first probe is due and evaluates cases
// whose timer fired. It returns how many cases were opened and evaluated.
func (e *Engine) Tick(ctx context.Context, limit int) (opened, evaluated int, err error) {
	now := e.clock()

	userIDs, err := e.store.ListUsersDueForProbe(ctx, now, limit)
	if err != nil {
		return 0, 0, fmt.Errorf("list due users: %w", err)
	}
	for _, userID := range userIDs {
		if ctx.Err() != nil {
			return opened, evaluated, ctx.Err()
		}
		c, err := e.OpenIfDue(ctx, userID)
		if err != nil {
			if errors.Is(err, model.ErrDuplicateCase) {
				e.logger.Debug("case already open", "user_id", userID)
				continue
			}
			e.logger.Error("failed to open case", "user_id", userID, "error", err)
			continue
		}
		if c != nil {
			opened++
		}
	}

	caseIDs, err := e.store.ListDueCases(ctx, now, limit)
	if err != nil {
		return opened, evaluated, fmt.Errorf("list due cases: %w", err)
	}
	for _, caseID := range caseIDs {
		if ctx.Err() != nil {
			return opened, evaluated, ctx.Err()
		}
		if _, err := e.Evaluate(ctx, caseID); err != nil {
			e.logger.Error("failed to evaluate case", "case_id", caseID, "error", err)
			continue
		}
		evaluated++
	}

	return opened, evaluated, nil
}

// OpenIfDue opens a case for the user when their first probe is due and
// evaluates it right away, which queues probe #1. It returns nil when
// nothing is due. A second open case fails with *model.DuplicateCaseError.
func (e *Engine) OpenIfDue(ctx context.Context, userID string) (*model.InactivityCase, error) {
	unlock, err := e.lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := e.clock()
	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	policy, err := e.store.GetPolicy(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	if !user.IsVerified() || user.IsDeleted() || !policy.Enabled {
		return nil, nil
	}
	if now.Before(user.LastActiveAt.Add(policy.Interval)) {
		return nil, nil
	}

	latestCase, err := e.store.GetLatestCase(ctx, userID)
	if err != nil && !errors.Is(err, repository.ErrCaseNotFound) {
		return nil, fmt.Errorf("load latest case: %w", err)
	}
	if latestCase != nil && latestCase.State == model.CaseStateConfirmedInactive && latestCase.DisclosureCancelledAt == nil {
		return nil, nil
	}

	c := &model.InactivityCase{
		ID:             idgen.NewAt(now),
		UserID:         userID,
		State:          model.CaseStateActive,
		OpenedAt:       now,
		RoundStartedAt: user.LastActiveAt,
		NextEvalAt:     &now,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.store.CreateCase(ctx, c); err != nil {
		return nil, err
	}
	e.metrics.IncCaseOpened()
	if err := e.ledger.RecordCaseOpened(ctx, c); err != nil {
		e.logger.Error("failed to record case opened", "case_id", c.ID, "error", err)
	}
	e.logger.Info("inactivity case opened",
		"case_id", c.ID,
		"user_id", userID,
		"last_active_at", user.LastActiveAt,
	)

	return e.evaluateLocked(ctx, c, policy, user.LastActiveAt, now)
}

// Evaluate runs the state machine for one case.
func (e *Engine) Evaluate(ctx context.Context, caseID string) (*model.InactivityCase, error) {
	c, err := e.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("load case: %w", err)
	}

	unlock, err := e.lock(ctx, c.UserID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	return e.reevaluate(ctx, caseID)
}

// reevaluate reloads the case under the held lock and evaluates it.
func (e *Engine) reevaluate(ctx context.Context, caseID string) (*model.InactivityCase, error) {
	c, err := e.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("reload case: %w", err)
	}
	if c.State.IsTerminal() {
		return c, nil
	}
	user, err := e.store.GetUser(ctx, c.UserID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	policy, err := e.store.GetPolicy(ctx, c.UserID)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	return e.evaluateLocked(ctx, c, policy, user.LastActiveAt, e.clock())
}

func (e *Engine) evaluateLocked(ctx context.Context, c *model.InactivityCase, policy *model.InactivityPolicy, lastActive, now time.Time) (*model.InactivityCase, error) {
	attempts, err := e.ledger.RoundAttempts(ctx, c.ID, c.RoundStartedAt)
	if err != nil {
		return nil, err
	}
	responded, err := e.ledger.LatestResponseSince(ctx, c.UserID, c.RoundStartedAt)
	if err != nil {
		return nil, err
	}

	d := Evaluate(Snapshot{
		Case:         c,
		Policy:       policy,
		LastActiveAt: lastActive,
		Attempts:     attempts,
		RespondedAt:  responded,
	}, now)

	for _, a := range d.Expire {
		if _, err := e.ledger.RecordUnanswered(ctx, a, *a.DeadlineAt); err != nil {
			return nil, err
		}
	}
	for _, a := range d.Withdraw {
		if _, err := e.ledger.Withdraw(ctx, a, now, d.Reason); err != nil {
			return nil, err
		}
	}

	next := c.Clone()
	d.Apply(next, now)

	var releases []*model.Release
	if d.Confirm {
		releases, err = e.planner.Plan(ctx, next, d.Unanswered, policy)
		if err != nil {
			e.logger.Error("refusing to confirm case",
				"case_id", c.ID,
				"user_id", c.UserID,
				"error", err,
			)
			return nil, fmt.Errorf("plan disclosure: %w", err)
		}
	}

	if d.Probe != nil {
		attempt := &model.CheckInAttempt{
			UserID:    c.UserID,
			CaseID:    c.ID,
			ProbeSeq:  d.Probe.Seq,
			Channel:   d.Probe.Channel,
			NotBefore: d.Probe.NotBefore,
			CreatedAt: now,
		}
		if err := e.ledger.Enqueue(ctx, attempt); err != nil {
			return nil, err
		}
		e.metrics.IncCheckInQueued(string(attempt.Channel))
	}

	if !caseChanged(c, next) && len(releases) == 0 {
		return c, nil
	}
	stored, err := e.store.SaveCase(ctx, next, releases)
	if err != nil {
		return nil, fmt.Errorf("save case: %w", err)
	}

	if d.Changed() {
		e.recordTransition(ctx, next, d.From, d.To, d.Reason, now)
	}
	if d.Confirm {
		e.logger.Warn("user confirmed inactive",
			"case_id", next.ID,
			"user_id", next.UserID,
			"unanswered", len(d.Unanswered),
			"releases", stored,
		)
		if skipped := len(releases) - stored; skipped > 0 {
			e.logger.Warn("release plan skipped pairs with a live grant",
				"case_id", next.ID,
				"user_id", next.UserID,
				"skipped", skipped,
			)
		}
	}
	return next, nil
}

func (e *Engine) recordTransition(ctx context.Context, c *model.InactivityCase, from, to model.CaseState, reason string, now time.Time) {
	e.metrics.IncCaseTransition(string(from), string(to))
	if err := e.ledger.RecordTransition(ctx, c, from, to, reason, now); err != nil {
		e.logger.Error("failed to record transition", "case_id", c.ID, "error", err)
	}
	e.logger.Info("case transition",
		"case_id", c.ID,
		"user_id", c.UserID,
		"from", from,
		"to", to,
		"reason", reason,
	)
}

func caseChanged(a, b *model.InactivityCase) bool {
	return a.State != b.State ||
		a.AttemptsSent != b.AttemptsSent ||
		a.ProbeSeq != b.ProbeSeq ||
		!a.RoundStartedAt.Equal(b.RoundStartedAt) ||
		!timeEqual(a.NextEvalAt, b.NextEvalAt) ||
		!timeEqual(a.ClosedAt, b.ClosedAt) ||
		!timeEqual(a.DisclosureCancelledAt, b.DisclosureCancelledAt)
}

func timeEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// RecordResponse records the user answering a check-in and re-evaluates the
// case, which returns it to Active when it was probing.
func (e *Engine) RecordResponse(ctx context.Context, attempt *model.CheckInAttempt, at time.Time, source string) (*model.InactivityCase, error) {
	unlock, err := e.lock(ctx, attempt.UserID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	recorded, err := e.ledger.RecordResponse(ctx, attempt, at, source)
	if err != nil {
		return nil, err
	}
	if recorded {
		e.metrics.IncCheckInResponse()
		if err := e.store.TouchLastActive(ctx, attempt.UserID, at); err != nil {
			return nil, err
		}
	}

	c, err := e.store.GetCase(ctx, attempt.CaseID)
	if err != nil {
		return nil, fmt.Errorf("load case: %w", err)
	}
	if c.State == model.CaseStateConfirmedInactive {
		e.logger.Warn("check-in response after confirmation",
			"case_id", c.ID,
			"user_id", c.UserID,
			"attempt_id", attempt.ID,
		)
		return c, nil
	}
	return e.reevaluate(ctx, c.ID)
}

// RecordUserAction records an explicit sign of life (login, manual check-in
// or "I'm fine"). Any open case is cancelled with the action as its reason.
// After confirmation the action is recorded but the case stays terminal.
func (e *Engine) RecordUserAction(ctx context.Context, userID, action string, at time.Time) (*model.InactivityCase, error) {
	switch action {
	case model.CloseReasonLogin, model.CloseReasonManual, model.CloseReasonImFine:
	default:
		return nil, &model.PolicyViolation{Rule: "action", Detail: fmt.Sprintf("unknown action %q", action)}
	}

	unlock, err := e.lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := e.store.TouchLastActive(ctx, userID, at); err != nil {
		return nil, err
	}

	c, err := e.store.GetOpenCase(ctx, userID)
	if err != nil && !errors.Is(err, repository.ErrCaseNotFound) {
		return nil, fmt.Errorf("load open case: %w", err)
	}

	caseID := ""
	if c != nil {
		caseID = c.ID
	}
	if err := e.ledger.RecordActivity(ctx, userID, caseID, model.EntryExplicitAction, action, at); err != nil {
		return nil, err
	}

	if c == nil {
		latestCase, err := e.store.GetLatestCase(ctx, userID)
		if err != nil {
			if errors.Is(err, repository.ErrCaseNotFound) {
				return nil, nil
			}
			return nil, fmt.Errorf("load latest case: %w", err)
		}
		if latestCase.State == model.CaseStateConfirmedInactive {
			e.logger.Warn("explicit action after confirmation",
				"case_id", latestCase.ID,
				"user_id", userID,
				"action", action,
			)
		}
		return latestCase, nil
	}

	return e.close(ctx, c, action, e.clock())
}

// close cancels an open case and withdraws its pending probes.
func (e *Engine) close(ctx context.Context, c *model.InactivityCase, reason string, now time.Time) (*model.InactivityCase, error) {
	if err := e.withdrawPending(ctx, c, now, reason); err != nil {
		return nil, err
	}

	next := c.Clone()
	next.State = model.CaseStateCancelled
	next.ClosedAt = &now
	next.CloseReason = reason
	next.NextEvalAt = nil
	next.UpdatedAt = now
	if _, err := e.store.SaveCase(ctx, next, nil); err != nil {
		return nil, fmt.Errorf("save case: %w", err)
	}
	e.recordTransition(ctx, next, c.State, next.State, reason, now)
	return next, nil
}

func (e *Engine) withdrawPending(ctx context.Context, c *model.InactivityCase, now time.Time, reason string) error {
	attempts, err := e.ledger.RoundAttempts(ctx, c.ID, c.RoundStartedAt)
	if err != nil {
		return err
	}
	for _, a := range attempts {
		if a.Outcome != model.OutcomePending {
			continue
		}
		if _, err := e.ledger.Withdraw(ctx, a, now, reason); err != nil {
			return err
		}
	}
	return nil
}

// Case returns a case owned by actorID.
func (e *Engine) Case(ctx context.Context, actorID, caseID string) (*model.InactivityCase, error) {
	c, err := e.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if c.UserID != actorID {
		return nil, &model.AuthorizationError{ActorID: actorID, Resource: "case " + caseID}
	}
	return c, nil
}

// Current returns the open case of a user, or their most recent one.
func (e *Engine) Current(ctx context.Context, userID string) (*model.InactivityCase, error) {
	c, err := e.store.GetOpenCase(ctx, userID)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, repository.ErrCaseNotFound) {
		return nil, err
	}
	return e.store.GetLatestCase(ctx, userID)
}

// lockOwned checks ownership, takes the user lock and reloads the case.
func (e *Engine) lockOwned(ctx context.Context, actorID, caseID string) (*model.InactivityCase, func(), error) {
	if _, err := e.Case(ctx, actorID, caseID); err != nil {
		return nil, nil, err
	}
	unlock, err := e.lock(ctx, actorID)
	if err != nil {
		return nil, nil, err
	}
	c, err := e.store.GetCase(ctx, caseID)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	return c, unlock, nil
}

// Pause stops probing for a case until it is resumed.
func (e *Engine) Pause(ctx context.Context, actorID, caseID string) (*model.InactivityCase, error) {
	c, unlock, err := e.lockOwned(ctx, actorID, caseID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	switch c.State {
	case model.CaseStatePaused:
		return c, nil
	case model.CaseStateActive, model.CaseStateAwaitingResponse, model.CaseStateEscalating:
	default:
		return nil, &model.PolicyViolation{Rule: "case_state", Detail: fmt.Sprintf("cannot pause a %s case", c.State)}
	}

	now := e.clock()
	if err := e.withdrawPending(ctx, c, now, ReasonPaused); err != nil {
		return nil, err
	}

	next := c.Clone()
	next.State = model.CaseStatePaused
	next.NextEvalAt = nil
	next.UpdatedAt = now
	if _, err := e.store.SaveCase(ctx, next, nil); err != nil {
		return nil, fmt.Errorf("save case: %w", err)
	}
	e.recordTransition(ctx, next, c.State, next.State, ReasonPaused, now)
	return next, nil
}

// Resume returns a paused case to Active with a fresh round.
func (e *Engine) Resume(ctx context.Context, actorID, caseID string) (*model.InactivityCase, error) {
	c, unlock, err := e.lockOwned(ctx, actorID, caseID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if c.State != model.CaseStatePaused {
		return nil, &model.PolicyViolation{Rule: "case_state", Detail: fmt.Sprintf("cannot resume a %s case", c.State)}
	}

	policy, err := e.store.GetPolicy(ctx, c.UserID)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}

	now := e.clock()
	if err := e.store.TouchLastActive(ctx, c.UserID, now); err != nil {
		return nil, err
	}

	next := c.Clone()
	next.State = model.CaseStateActive
	next.AttemptsSent = 0
	next.RoundStartedAt = now
	nextEval := now.Add(policy.Interval)
	next.NextEvalAt = &nextEval
	if !policy.Enabled {
		next.NextEvalAt = nil
	}
	next.UpdatedAt = now
	if _, err := e.store.SaveCase(ctx, next, nil); err != nil {
		return nil, fmt.Errorf("save case: %w", err)
	}
	e.recordTransition(ctx, next, c.State, next.State, ReasonResumed, now)
	return next, nil
}

// Cancel ends a case. A non-terminal case moves to Cancelled. A confirmed
// case keeps its state but its unexecuted releases are cancelled, when
// post-confirmation cancellation is allowed. Cancelling a cancelled case is
// a no-op.
func (e *Engine) Cancel(ctx context.Context, actorID, caseID string) (*model.InactivityCase, error) {
	c, unlock, err := e.lockOwned(ctx, actorID, caseID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := e.clock()
	switch c.State {
	case model.CaseStateCancelled:
		return c, nil
	case model.CaseStateConfirmedInactive:
		return e.cancelDisclosure(ctx, c, now)
	}

	if err := e.store.TouchLastActive(ctx, c.UserID, now); err != nil {
		return nil, err
	}
	return e.close(ctx, c, model.CloseReasonCancelled, now)
}

func (e *Engine) cancelDisclosure(ctx context.Context, c *model.InactivityCase, now time.Time) (*model.InactivityCase, error) {
	if !e.allowPostConfirmationCancel {
		return nil, &model.PolicyViolation{
			Rule:   "post_confirmation_cancel",
			Detail: "disclosure can no longer be cancelled",
		}
	}
	if c.DisclosureCancelledAt != nil {
		return c, nil
	}

	next := c.Clone()
	next.DisclosureCancelledAt = &now
	next.UpdatedAt = now
	if _, err := e.store.SaveCase(ctx, next, nil); err != nil {
		return nil, fmt.Errorf("save case: %w", err)
	}

	cancelled, err := e.planner.CancelPending(ctx, c.ID, now)
	if err != nil {
		return nil, fmt.Errorf("cancel releases: %w", err)
	}
	if err := e.ledger.RecordTransition(ctx, next, c.State, next.State, "disclosure_cancelled", now); err != nil {
		e.logger.Error("failed to record disclosure cancellation", "case_id", c.ID, "error", err)
	}
	e.logger.Warn("disclosure cancelled after confirmation",
		"case_id", c.ID,
		"user_id", c.UserID,
		"releases_cancelled", cancelled,
	)
	return next, nil
}

// PolicyChanged re-arms the timer of the user's open case after a policy
// update.
func (e *Engine) PolicyChanged(ctx context.Context, userID string) error {
	unlock, err := e.lock(ctx, userID)
	if err != nil {
		return err
	}
	defer unlock()

	c, err := e.store.GetOpenCase(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrCaseNotFound) {
			return nil
		}
		return err
	}
	if c.State == model.CaseStatePaused {
		return nil
	}
	_, err = e.reevaluate(ctx, c.ID)
	return err
}
