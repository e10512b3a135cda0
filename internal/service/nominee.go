package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/legacyvault/legacyvault/internal/idgen"
	"github.com/legacyvault/legacyvault/internal/model"
	"github.com/legacyvault/legacyvault/internal/repository"
)

const (
	maxRelationLength = 50
	maxSharePercent   = 100
)

// NomineeStore persists nominees and their asset assignments.
type NomineeStore interface {
	CreateNominee(ctx context.Context, n *model.Nominee) error
	GetNominee(ctx context.Context, id string) (*model.Nominee, error)
	ListNominees(ctx context.Context, userID string) ([]*model.Nominee, error)
	UpdateNominee(ctx context.Context, n *model.Nominee) error
	DeleteNominee(ctx context.Context, id string, at time.Time) error
}

// Locker serializes writes for one user.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// NomineeService manages a user's nominees.
type NomineeService struct {
	store  NomineeStore
	locker Locker
	logger *slog.Logger
	now    func() time.Time
}

// NewNomineeService creates a NomineeService.
func NewNomineeService(store NomineeStore, locker Locker, logger *slog.Logger) *NomineeService {
	if logger == nil {
		logger = slog.Default()
	}
	return &NomineeService{
		store:  store,
		locker: locker,
		logger: logger.With("component", "nominees"),
		now:    time.Now,
	}
}

// SetClock overrides the clock. Used in tests.
func (s *NomineeService) SetClock(now func() time.Time) {
	s.now = now
}

// NomineeInput is the editable part of a nominee. On update, nil fields
// keep their current value.
type NomineeInput struct {
	Name         *string
	Relation     *string
	Email        *string
	Phone        *string
	// DOB is YYYY-MM-DD; an empty string clears it.
	DOB          *string
	AccessLevel  *model.AccessLevel
	SharePercent *int
	AssetIDs     []string
	SetAssets    bool
}

func (s *NomineeService) lock(ctx context.Context, userID string) (func(), error) {
	unlock, err := s.locker.Lock(ctx, "user:"+userID)
	if err != nil {
		return nil, fmt.Errorf("lock user %s: %w", userID, err)
	}
	return unlock, nil
}

// CreateNominee adds a nominee. Estate shares across the user's nominees
// may not exceed 100%.
func (s *NomineeService) CreateNominee(ctx context.Context, userID string, input NomineeInput) (*model.Nominee, error) {
	now := s.now().UTC()
	n := &model.Nominee{
		ID:          idgen.NewAt(now),
		UserID:      userID,
		AccessLevel: model.AccessLevelFull,
		AssetIDs:    []string{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := applyNomineeInput(n, input, now); err != nil {
		return nil, err
	}
	if err := validateNominee(n); err != nil {
		return nil, err
	}

	unlock, err := s.lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := s.checkShares(ctx, n); err != nil {
		return nil, err
	}
	if err := s.store.CreateNominee(ctx, n); err != nil {
		return nil, nomineeErr(err)
	}
	s.logger.Info("nominee added", "nominee_id", n.ID, "user_id", userID)
	return n, nil
}

// GetNominee returns a nominee owned by actorID.
func (s *NomineeService) GetNominee(ctx context.Context, actorID, id string) (*model.Nominee, error) {
	n, err := s.store.GetNominee(ctx, id)
	if err != nil {
		return nil, nomineeErr(err)
	}
	if n.UserID != actorID {
		return nil, &model.AuthorizationError{ActorID: actorID, Resource: "nominee " + id}
	}
	return n, nil
}

// ListNominees returns the user's live nominees.
func (s *NomineeService) ListNominees(ctx context.Context, userID string) ([]*model.Nominee, error) {
	return s.store.ListNominees(ctx, userID)
}

// UpdateNominee applies a partial update.
func (s *NomineeService) UpdateNominee(ctx context.Context, actorID, id string, input NomineeInput) (*model.Nominee, error) {
	unlock, err := s.lock(ctx, actorID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	n, err := s.GetNominee(ctx, actorID, id)
	if err != nil {
		return nil, err
	}
	if err := applyNomineeInput(n, input, s.now().UTC()); err != nil {
		return nil, err
	}
	if err := validateNominee(n); err != nil {
		return nil, err
	}
	if err := s.checkShares(ctx, n); err != nil {
		return nil, err
	}

	n.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateNominee(ctx, n); err != nil {
		return nil, nomineeErr(err)
	}
	return n, nil
}

// DeleteNominee soft-deletes a nominee.
func (s *NomineeService) DeleteNominee(ctx context.Context, actorID, id string) error {
	if _, err := s.GetNominee(ctx, actorID, id); err != nil {
		return err
	}
	if err := s.store.DeleteNominee(ctx, id, s.now().UTC()); err != nil {
		return nomineeErr(err)
	}
	s.logger.Info("nominee removed", "nominee_id", id, "user_id", actorID)
	return nil
}

func applyNomineeInput(n *model.Nominee, input NomineeInput, now time.Time) error {
	if input.Name != nil {
		n.Name = strings.TrimSpace(*input.Name)
	}
	if input.Relation != nil {
		n.Relation = strings.TrimSpace(*input.Relation)
	}
	if input.Email != nil {
		n.Email = strings.ToLower(strings.TrimSpace(*input.Email))
	}
	if input.Phone != nil {
		n.Phone = strings.TrimSpace(*input.Phone)
	}
	if input.DOB != nil {
		switch v := strings.TrimSpace(*input.DOB); v {
		case "":
			n.DOB = nil
		default:
			// Nominees may be minors, so only the format and a past date
			// are checked.
			dob, err := time.Parse(dobLayout, v)
			if err != nil {
				return invalid("dob", "must be YYYY-MM-DD")
			}
			if dob.After(now) {
				return invalid("dob", "must not be in the future")
			}
			n.DOB = &dob
		}
	}
	if input.AccessLevel != nil {
		n.AccessLevel = *input.AccessLevel
	}
	if input.SharePercent != nil {
		n.SharePercent = *input.SharePercent
	}
	if input.SetAssets {
		n.AssetIDs = uniqueIDs(input.AssetIDs)
	}
	return nil
}

func validateNominee(n *model.Nominee) error {
	if err := validateName("name", n.Name); err != nil {
		return err
	}
	if utf8.RuneCountInString(n.Relation) > maxRelationLength {
		return invalid("relation", fmt.Sprintf("must be at most %d characters", maxRelationLength))
	}
	if n.Email == "" && n.Phone == "" {
		return invalid("email", "an email or phone is required to notify the nominee")
	}
	if n.Email != "" {
		if addr, err := mail.ParseAddress(n.Email); err != nil || addr.Address != n.Email {
			return invalid("email", "must be a valid email address")
		}
	}
	if n.Phone != "" && !mobileRegex.MatchString(n.Phone) {
		return invalid("phone", "must be in E.164 format")
	}
	if !n.AccessLevel.IsValid() {
		return invalid("access_level", "must be full or verified")
	}
	if n.SharePercent < 0 || n.SharePercent > maxSharePercent {
		return invalid("share_percent", "must be between 0 and 100")
	}
	for _, id := range n.AssetIDs {
		if !idgen.IsValid(id) {
			return invalid("asset_ids", fmt.Sprintf("%q is not a valid id", id))
		}
	}
	return nil
}

// checkShares rejects n when the user's shares would exceed 100%.
func (s *NomineeService) checkShares(ctx context.Context, n *model.Nominee) error {
	others, err := s.store.ListNominees(ctx, n.UserID)
	if err != nil {
		return err
	}
	total := n.SharePercent
	for _, o := range others {
		if o.ID != n.ID {
			total += o.SharePercent
		}
	}
	if total > maxSharePercent {
		return &model.PolicyViolation{
			Rule:   "share_percent",
			Detail: fmt.Sprintf("shares would total %d%%", total),
		}
	}
	return nil
}

func nomineeErr(err error) error {
	switch {
	case errors.Is(err, repository.ErrNomineeNotFound):
		return ErrNomineeNotFound
	case errors.Is(err, repository.ErrUnknownAssetLink):
		return invalid("asset_ids", "must reference your own assets")
	}
	return err
}

func uniqueIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
