package disclosure

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/legacyvault/legacyvault/internal/auth"
	"github.com/legacyvault/legacyvault/internal/idgen"
	"github.com/legacyvault/legacyvault/internal/model"
	"github.com/legacyvault/legacyvault/internal/repository"
)

var (
	// ErrGrantNotFound hides whether a token is malformed, unknown or revoked.
	ErrGrantNotFound = errors.New("disclosure not found")
	// ErrVerificationRequired means the nominee has not passed the identity challenge.
	ErrVerificationRequired = errors.New("nominee identity verification required")
	// ErrNoObjectStore means asset payloads are not configured.
	ErrNoObjectStore = errors.New("object storage is not configured")
)

// AccessStore is what nominee access and uploads need from persistence.
type AccessStore interface {
	GetReleaseByTokenHash(ctx context.Context, hash string) (*model.Release, error)
	GetAsset(ctx context.Context, id string) (*model.Asset, error)
	GetNominee(ctx context.Context, id string) (*model.Nominee, error)
	GetUser(ctx context.Context, id string) (*model.User, error)
	SetAssetObjectKey(ctx context.Context, id, key string, at time.Time) error
	MarkNomineeVerified(ctx context.Context, id string, at time.Time) error
}

// Grant is what a nominee sees for a released asset.
type Grant struct {
	ReleaseID   string     `json:"release_id"`
	OwnerName   string     `json:"owner_name"`
	NomineeName string     `json:"nominee_name"`
	AssetRef    string     `json:"asset_ref"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	ReleasedAt  time.Time  `json:"released_at"`
	DownloadURL string     `json:"download_url,omitempty"`
	ExpiresAt   *time.Time `json:"download_expires_at,omitempty"`
}

// Upload is a presigned PUT for an asset payload.
type Upload struct {
	URL       string    `json:"upload_url"`
	ObjectKey string    `json:"object_key"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Service serves released assets to nominees and presigns owner uploads.
type Service struct {
	store   AccessStore
	objects ObjectStore
	ttl     time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates a Service. objects may be nil when payload storage is
// not configured; metadata access still works.
func NewService(store AccessStore, objects ObjectStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   store,
		objects: objects,
		ttl:     PresignTTL,
		logger:  logger.With("component", "disclosure.access"),
		now:     time.Now,
	}
}

// Access resolves a nominee access token to its released grant.
func (s *Service) Access(ctx context.Context, token string) (*Grant, error) {
	kind, err := auth.ParseToken(token)
	if err != nil || kind != auth.TokenKindDisclosure {
		return nil, ErrGrantNotFound
	}

	rel, err := s.store.GetReleaseByTokenHash(ctx, auth.HashToken(token))
	if err != nil {
		if errors.Is(err, repository.ErrReleaseNotFound) {
			return nil, ErrGrantNotFound
		}
		return nil, err
	}
	if rel.Status != model.ReleaseReleased || rel.ReleasedAt == nil {
		return nil, ErrGrantNotFound
	}

	nominee, err := s.store.GetNominee(ctx, rel.NomineeID)
	if err != nil {
		if errors.Is(err, repository.ErrNomineeNotFound) {
			return nil, ErrGrantNotFound
		}
		return nil, err
	}
	if rel.RequiresVerification && !nominee.IsVerified() {
		return nil, ErrVerificationRequired
	}
	asset, err := s.store.GetAsset(ctx, rel.AssetID)
	if err != nil {
		if errors.Is(err, repository.ErrAssetNotFound) {
			return nil, ErrGrantNotFound
		}
		return nil, err
	}
	owner, err := s.store.GetUser(ctx, rel.UserID)
	if err != nil {
		return nil, fmt.Errorf("load owner: %w", err)
	}

	g := &Grant{
		ReleaseID:   rel.ID,
		OwnerName:   owner.FullName(),
		NomineeName: nominee.Name,
		AssetRef:    asset.Ref,
		Title:       asset.Title,
		Description: asset.Description,
		ReleasedAt:  *rel.ReleasedAt,
	}
	if asset.HasObject() && s.objects != nil {
		url, err := s.objects.PresignGet(ctx, asset.ObjectKey, s.ttl)
		if err != nil {
			return nil, err
		}
		expires := s.now().Add(s.ttl)
		g.DownloadURL = url
		g.ExpiresAt = &expires
	}

	s.logger.Info("disclosure accessed",
		"release_id", rel.ID,
		"nominee_id", rel.NomineeID,
		"asset_id", rel.AssetID,
	)
	return g, nil
}

// UploadURL presigns a PUT for the asset payload, assigning an object key on
// first use.
func (s *Service) UploadURL(ctx context.Context, asset *model.Asset) (*Upload, error) {
	if s.objects == nil {
		return nil, ErrNoObjectStore
	}
	now := s.now()
	key := asset.ObjectKey
	if key == "" {
		key = fmt.Sprintf("assets/%s/%s/%s", asset.UserID, asset.ID, idgen.NewAt(now))
		if err := s.store.SetAssetObjectKey(ctx, asset.ID, key, now); err != nil {
			return nil, err
		}
		asset.ObjectKey = key
	}

	url, err := s.objects.PresignPut(ctx, key, s.ttl)
	if err != nil {
		return nil, err
	}
	return &Upload{URL: url, ObjectKey: key, ExpiresAt: now.Add(s.ttl)}, nil
}

// VerifyNominee records a passed identity challenge. Held releases for the
// nominee become eligible on the next releaser tick.
func (s *Service) VerifyNominee(ctx context.Context, nomineeID string) error {
	if err := s.store.MarkNomineeVerified(ctx, nomineeID, s.now()); err != nil {
		return err
	}
	s.logger.Info("nominee verified", "nominee_id", nomineeID)
	return nil
}

// SetPresignTTL sets the lifetime of presigned URLs.
func (s *Service) SetPresignTTL(ttl time.Duration) {
	if ttl > 0 {
		s.ttl = ttl
	}
}

// SetClock overrides the clock. Used in tests.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}
