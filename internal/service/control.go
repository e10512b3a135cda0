package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/legacyvault/legacyvault/internal/auth"
	"github.com/legacyvault/legacyvault/internal/model"
	"github.com/legacyvault/legacyvault/internal/repository"
)

// Check-in kinds a user can submit from the dashboard.
const (
	CheckInManual = "manual"
	CheckInImFine = "im_fine"
)

// CaseEngine is the inactivity state machine as seen by the control plane.
type CaseEngine interface {
	Current(ctx context.Context, userID string) (*model.InactivityCase, error)
	Case(ctx context.Context, actorID, caseID string) (*model.InactivityCase, error)
	Pause(ctx context.Context, actorID, caseID string) (*model.InactivityCase, error)
	Resume(ctx context.Context, actorID, caseID string) (*model.InactivityCase, error)
	Cancel(ctx context.Context, actorID, caseID string) (*model.InactivityCase, error)
	PolicyChanged(ctx context.Context, userID string) error
	RecordUserAction(ctx context.Context, userID, action string, at time.Time) (*model.InactivityCase, error)
	RecordResponse(ctx context.Context, attempt *model.CheckInAttempt, at time.Time, source string) (*model.InactivityCase, error)
}

// CheckInLedger is the user-facing side of the check-in ledger.
type CheckInLedger interface {
	History(ctx context.Context, userID string, limit int) ([]*model.LedgerEntry, error)
	AttemptByResponseToken(ctx context.Context, tokenHash string) (*model.CheckInAttempt, error)
	RecordCorrection(ctx context.Context, userID, entryID, note string) (*model.LedgerEntry, error)
}

const maxCorrectionNote = 500

// ControlStore persists policies and reads release plans.
type ControlStore interface {
	GetPolicy(ctx context.Context, userID string) (*model.InactivityPolicy, error)
	UpsertPolicy(ctx context.Context, policy *model.InactivityPolicy) error
	ListUserReleases(ctx context.Context, userID string) ([]*model.Release, error)
}

// ControlService lets a user steer their own inactivity process.
type ControlService struct {
	engine CaseEngine
	ledger CheckInLedger
	store  ControlStore
	logger *slog.Logger
	now    func() time.Time
}

// NewControlService creates a ControlService.
func NewControlService(engine CaseEngine, ledger CheckInLedger, store ControlStore, logger *slog.Logger) *ControlService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ControlService{
		engine: engine,
		ledger: ledger,
		store:  store,
		logger: logger.With("component", "control"),
		now:    time.Now,
	}
}

// SetClock overrides the clock. Used in tests.
func (s *ControlService) SetClock(now func() time.Time) {
	s.now = now
}

func caseErr(err error) error {
	if errors.Is(err, repository.ErrCaseNotFound) {
		return ErrCaseNotFound
	}
	return err
}

// CurrentCase returns the user's open case or their most recent one.
func (s *ControlService) CurrentCase(ctx context.Context, userID string) (*model.InactivityCase, error) {
	c, err := s.engine.Current(ctx, userID)
	return c, caseErr(err)
}

// GetCase returns a case owned by actorID.
func (s *ControlService) GetCase(ctx context.Context, actorID, caseID string) (*model.InactivityCase, error) {
	c, err := s.engine.Case(ctx, actorID, caseID)
	return c, caseErr(err)
}

// Pause stops probing until the case is resumed.
func (s *ControlService) Pause(ctx context.Context, actorID, caseID string) (*model.InactivityCase, error) {
	c, err := s.engine.Pause(ctx, actorID, caseID)
	if err != nil {
		return nil, caseErr(err)
	}
	s.logger.Info("case paused", "case_id", caseID, "user_id", actorID)
	return c, nil
}

// Resume restarts a paused case with a fresh round.
func (s *ControlService) Resume(ctx context.Context, actorID, caseID string) (*model.InactivityCase, error) {
	c, err := s.engine.Resume(ctx, actorID, caseID)
	if err != nil {
		return nil, caseErr(err)
	}
	s.logger.Info("case resumed", "case_id", caseID, "user_id", actorID)
	return c, nil
}

// Cancel ends a case, or stops unexecuted releases of a confirmed one.
func (s *ControlService) Cancel(ctx context.Context, actorID, caseID string) (*model.InactivityCase, error) {
	c, err := s.engine.Cancel(ctx, actorID, caseID)
	if err != nil {
		return nil, caseErr(err)
	}
	s.logger.Info("case cancelled", "case_id", caseID, "user_id", actorID, "state", c.State)
	return c, nil
}

func requireSelf(actorID, userID string) error {
	if actorID != userID {
		return &model.AuthorizationError{ActorID: actorID, Resource: "user " + userID}
	}
	return nil
}

// GetPolicy returns a user's inactivity policy.
func (s *ControlService) GetPolicy(ctx context.Context, actorID, userID string) (*model.InactivityPolicy, error) {
	if err := requireSelf(actorID, userID); err != nil {
		return nil, err
	}
	policy, err := s.store.GetPolicy(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrPolicyNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return policy, nil
}

// PolicyInput is a full replacement of a user's policy.
type PolicyInput struct {
	Enabled          bool
	CheckInThreshold int
	Interval         time.Duration
	ResponseTimeout  time.Duration
	GracePeriod      time.Duration
	Channels         []model.Channel
}

// UpdatePolicy validates and stores a policy, then re-arms the timer of the
// user's open case.
func (s *ControlService) UpdatePolicy(ctx context.Context, actorID, userID string, input PolicyInput) (*model.InactivityPolicy, error) {
	if err := requireSelf(actorID, userID); err != nil {
		return nil, err
	}

	policy := &model.InactivityPolicy{
		UserID:           userID,
		Enabled:          input.Enabled,
		CheckInThreshold: input.CheckInThreshold,
		Interval:         input.Interval,
		ResponseTimeout:  input.ResponseTimeout,
		GracePeriod:      input.GracePeriod,
		Channels:         slices.Clone(input.Channels),
		UpdatedAt:        s.now().UTC(),
	}
	if err := policy.Validate(); err != nil {
		s.logger.Warn("policy rejected", "user_id", userID, "error", err)
		return nil, err
	}

	if err := s.store.UpsertPolicy(ctx, policy); err != nil {
		return nil, fmt.Errorf("failed to save policy: %w", err)
	}
	if err := s.engine.PolicyChanged(ctx, userID); err != nil {
		return nil, fmt.Errorf("re-arm case: %w", err)
	}
	return policy, nil
}

// CheckIn records a manual check-in or an "I'm fine" from the dashboard.
// It returns the affected case, or nil when the user had none.
func (s *ControlService) CheckIn(ctx context.Context, userID, kind string) (*model.InactivityCase, error) {
	var action string
	switch kind {
	case CheckInManual:
		action = model.CloseReasonManual
	case CheckInImFine:
		action = model.CloseReasonImFine
	default:
		return nil, invalid("kind", "must be manual or im_fine")
	}
	return s.engine.RecordUserAction(ctx, userID, action, s.now().UTC())
}

// History returns the user's ledger entries, newest first.
func (s *ControlService) History(ctx context.Context, userID string, limit int) ([]*model.LedgerEntry, error) {
	return s.ledger.History(ctx, userID, limit)
}

// CorrectEntry annotates one of the user's ledger entries. The ledger is
// append-only, so the correction is a new entry pointing at the old one and
// has no effect on case state.
func (s *ControlService) CorrectEntry(ctx context.Context, userID, entryID, note string) (*model.LedgerEntry, error) {
	note = strings.TrimSpace(note)
	switch {
	case note == "":
		return nil, invalid("note", "is required")
	case utf8.RuneCountInString(note) > maxCorrectionNote:
		return nil, invalid("note", fmt.Sprintf("must be at most %d characters", maxCorrectionNote))
	}

	entry, err := s.ledger.RecordCorrection(ctx, userID, entryID, note)
	if err != nil {
		if errors.Is(err, repository.ErrEntryNotFound) {
			return nil, ErrEntryNotFound
		}
		return nil, err
	}
	s.logger.Info("ledger entry corrected", "user_id", userID, "entry_id", entryID, "correction_id", entry.ID)
	return entry, nil
}

// Respond records the user answering a check-in through its link.
func (s *ControlService) Respond(ctx context.Context, token, source string) (*model.InactivityCase, error) {
	kind, err := auth.ParseToken(token)
	if err != nil || kind != auth.TokenKindCheckIn {
		return nil, ErrInvalidCheckInToken
	}

	attempt, err := s.ledger.AttemptByResponseToken(ctx, auth.HashToken(token))
	if err != nil {
		if errors.Is(err, repository.ErrAttemptNotFound) {
			return nil, ErrInvalidCheckInToken
		}
		return nil, err
	}

	if source == "" {
		source = "link"
	}
	c, err := s.engine.RecordResponse(ctx, attempt, s.now().UTC(), source)
	if err != nil {
		return nil, caseErr(err)
	}
	s.logger.Info("check-in answered", "attempt_id", attempt.ID, "user_id", attempt.UserID)
	return c, nil
}

// Releases returns the user's release plan.
func (s *ControlService) Releases(ctx context.Context, userID string) ([]*model.Release, error) {
	return s.store.ListUserReleases(ctx, userID)
}
