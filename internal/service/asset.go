package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/legacyvault/legacyvault/internal/disclosure"
	"github.com/legacyvault/legacyvault/internal/idgen"
	"github.com/legacyvault/legacyvault/internal/model"
	"github.com/legacyvault/legacyvault/internal/repository"
)

const (
	maxTitleLength       = 200
	maxDescriptionLength = 4000
	maxAssetDelay        = 5 * 365 * 24 * time.Hour
)

var assetRefRegex = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// AssetStore persists the asset inventory.
type AssetStore interface {
	CreateAsset(ctx context.Context, a *model.Asset) error
	GetAsset(ctx context.Context, id string) (*model.Asset, error)
	ListAssets(ctx context.Context, userID string) ([]*model.Asset, error)
	UpdateAsset(ctx context.Context, a *model.Asset) error
	DeleteAsset(ctx context.Context, id string, at time.Time) error
}

// Uploader issues upload URLs for asset payloads.
type Uploader interface {
	UploadURL(ctx context.Context, asset *model.Asset) (*disclosure.Upload, error)
}

// AssetService manages a user's asset inventory and disclosure rules.
type AssetService struct {
	store    AssetStore
	uploader Uploader
	logger   *slog.Logger
	now      func() time.Time
}

// NewAssetService creates an AssetService.
func NewAssetService(store AssetStore, uploader Uploader, logger *slog.Logger) *AssetService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AssetService{
		store:    store,
		uploader: uploader,
		logger:   logger.With("component", "assets"),
		now:      time.Now,
	}
}

// SetClock overrides the clock. Used in tests.
func (s *AssetService) SetClock(now func() time.Time) {
	s.now = now
}

// CreateAssetInput defines input for creating an asset.
type CreateAssetInput struct {
	UserID      string
	Ref         string
	Title       string
	Description string
	Visibility  model.Visibility
	Delay       time.Duration
}

// UpdateAssetInput defines a partial update. The reference is immutable.
type UpdateAssetInput struct {
	Title       *string
	Description *string
	Visibility  *model.Visibility
	Delay       *time.Duration
}

// CreateAsset adds an asset to the inventory.
func (s *AssetService) CreateAsset(ctx context.Context, input CreateAssetInput) (*model.Asset, error) {
	now := s.now().UTC()
	a := &model.Asset{
		ID:          idgen.NewAt(now),
		UserID:      input.UserID,
		Ref:         strings.TrimSpace(input.Ref),
		Title:       strings.TrimSpace(input.Title),
		Description: strings.TrimSpace(input.Description),
		Visibility:  input.Visibility,
		Delay:       input.Delay,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if a.Visibility == "" {
		a.Visibility = model.VisibilityImmediate
	}
	if !assetRefRegex.MatchString(a.Ref) {
		return nil, invalid("asset_ref", "must be 1-64 letters, digits, dots, dashes or underscores")
	}
	if err := validateAsset(a); err != nil {
		return nil, err
	}

	if err := s.store.CreateAsset(ctx, a); err != nil {
		if errors.Is(err, repository.ErrAssetRefExists) {
			return nil, ErrAssetRefExists
		}
		return nil, fmt.Errorf("failed to create asset: %w", err)
	}
	return a, nil
}

func validateAsset(a *model.Asset) error {
	if a.Title == "" {
		return invalid("title", "is required")
	}
	if utf8.RuneCountInString(a.Title) > maxTitleLength {
		return invalid("title", fmt.Sprintf("must be at most %d characters", maxTitleLength))
	}
	if utf8.RuneCountInString(a.Description) > maxDescriptionLength {
		return invalid("description", fmt.Sprintf("must be at most %d characters", maxDescriptionLength))
	}
	if !a.Visibility.IsValid() {
		return invalid("visibility", "must be immediate, delayed or hidden_until_confirmed")
	}
	if a.Delay < 0 || a.Delay > maxAssetDelay {
		return invalid("delay", "must be between 0 and 5 years")
	}
	switch a.Visibility {
	case model.VisibilityImmediate:
		if a.Delay != 0 {
			return invalid("delay", "must be zero for immediate assets")
		}
	case model.VisibilityDelayed:
		if a.Delay == 0 {
			return invalid("delay", "is required for delayed assets")
		}
	}
	return nil
}

// GetAsset returns an asset owned by actorID.
func (s *AssetService) GetAsset(ctx context.Context, actorID, id string) (*model.Asset, error) {
	a, err := s.store.GetAsset(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrAssetNotFound) {
			return nil, ErrAssetNotFound
		}
		return nil, err
	}
	if a.UserID != actorID {
		return nil, &model.AuthorizationError{ActorID: actorID, Resource: "asset " + id}
	}
	return a, nil
}

// ListAssets returns the user's live assets.
func (s *AssetService) ListAssets(ctx context.Context, userID string) ([]*model.Asset, error) {
	return s.store.ListAssets(ctx, userID)
}

// UpdateAsset applies a partial update.
func (s *AssetService) UpdateAsset(ctx context.Context, actorID, id string, input UpdateAssetInput) (*model.Asset, error) {
	a, err := s.GetAsset(ctx, actorID, id)
	if err != nil {
		return nil, err
	}

	if input.Title != nil {
		a.Title = strings.TrimSpace(*input.Title)
	}
	if input.Description != nil {
		a.Description = strings.TrimSpace(*input.Description)
	}
	if input.Visibility != nil {
		a.Visibility = *input.Visibility
		if a.Visibility == model.VisibilityImmediate && input.Delay == nil {
			a.Delay = 0
		}
	}
	if input.Delay != nil {
		a.Delay = *input.Delay
	}
	if err := validateAsset(a); err != nil {
		return nil, err
	}

	a.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateAsset(ctx, a); err != nil {
		if errors.Is(err, repository.ErrAssetNotFound) {
			return nil, ErrAssetNotFound
		}
		return nil, err
	}
	return a, nil
}

// DeleteAsset soft-deletes an asset. Releases already planned for it stay
// in the plan but are no longer accessible.
func (s *AssetService) DeleteAsset(ctx context.Context, actorID, id string) error {
	if _, err := s.GetAsset(ctx, actorID, id); err != nil {
		return err
	}
	if err := s.store.DeleteAsset(ctx, id, s.now().UTC()); err != nil {
		if errors.Is(err, repository.ErrAssetNotFound) {
			return ErrAssetNotFound
		}
		return err
	}
	s.logger.Info("asset deleted", "asset_id", id, "user_id", actorID)
	return nil
}

// UploadURL returns a presigned URL the owner can PUT the asset payload to.
func (s *AssetService) UploadURL(ctx context.Context, actorID, id string) (*disclosure.Upload, error) {
	a, err := s.GetAsset(ctx, actorID, id)
	if err != nil {
		return nil, err
	}
	return s.uploader.UploadURL(ctx, a)
}
