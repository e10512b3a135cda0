package disclosure

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/legacyvault/legacyvault/internal/auth"
	"github.com/legacyvault/legacyvault/internal/metrics"
	"github.com/legacyvault/legacyvault/internal/model"
	"github.com/legacyvault/legacyvault/internal/notify"
	"github.com/legacyvault/legacyvault/internal/webhook"
)

const (
	// DefaultBatchSize is the number of releases claimed per tick.
	DefaultBatchSize = 50
	// DefaultPollInterval is the time between releaser ticks.
	DefaultPollInterval = 15 * time.Second
	// DefaultLease is how long a claimed release is owned by this worker.
	DefaultLease = 2 * time.Minute
)

// noticeChannels is the order in which nominees are notified.
var noticeChannels = []model.Channel{model.ChannelEmail, model.ChannelSMS}

// ReleaseStore is what the releaser needs from persistence.
type ReleaseStore interface {
	ClaimDueReleases(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*model.Release, error)
	MarkReleased(ctx context.Context, id string, at time.Time) (bool, error)
	SetReleaseToken(ctx context.Context, id, hash string, at time.Time) error
	UpdateNotice(ctx context.Context, rel *model.Release) error
	ClaimDueNotices(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*model.Release, error)
	GetUser(ctx context.Context, id string) (*model.User, error)
	GetAsset(ctx context.Context, id string) (*model.Asset, error)
	GetNominee(ctx context.Context, id string) (*model.Nominee, error)
}

// Releaser executes due releases and notifies nominees. Execution is a
// conditional scheduled -> released update so a release happens at most
// once; notices are retried on the backoff table without re-releasing.
type Releaser struct {
	store     ReleaseStore
	registry  *notify.Registry
	templates *notify.Templates
	metrics   metrics.Recorder
	logger    *slog.Logger
	baseURL   string

	batchSize    int
	pollInterval time.Duration
	lease        time.Duration
	maxNotices   int
	now          func() time.Time
	started      bool
}

// NewReleaser creates a Releaser. baseURL prefixes nominee access links.
func NewReleaser(store ReleaseStore, registry *notify.Registry, templates *notify.Templates, recorder metrics.Recorder, baseURL string, logger *slog.Logger) *Releaser {
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Releaser{
		store:        store,
		registry:     registry,
		templates:    templates,
		metrics:      recorder,
		logger:       logger.With("component", "disclosure.releaser"),
		baseURL:      strings.TrimRight(baseURL, "/"),
		batchSize:    DefaultBatchSize,
		pollInterval: DefaultPollInterval,
		lease:        DefaultLease,
		maxNotices:   webhook.DefaultMaxAttempts,
		now:          time.Now,
	}
}

// AccessLink builds the nominee link for a disclosure token.
func AccessLink(baseURL, token string) string {
	return strings.TrimRight(baseURL, "/") + "/disclosures/" + token
}

// Run starts the release loop. Blocks until context is cancelled.
func (r *Releaser) Run(ctx context.Context) error {
	if r.started {
		return errors.New("releaser already started")
	}
	r.started = true

	r.logger.Info("releaser started",
		"poll_interval", r.pollInterval,
		"batch_size", r.batchSize,
	)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("releaser stopping")
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.processOnce(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				r.logger.Error("process error", "error", err)
			}
		}
	}
}

// processOnce executes due releases, then retries due notices. It returns the
// number of releases executed.
func (r *Releaser) processOnce(ctx context.Context) (int, error) {
	now := r.now()
	due, err := r.store.ClaimDueReleases(ctx, now, r.lease, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("claim releases: %w", err)
	}

	executed := 0
	for _, rel := range due {
		ok, err := r.execute(ctx, rel)
		if err != nil {
			r.logger.Error("release failed", "release_id", rel.ID, "error", err)
			continue
		}
		if ok {
			executed++
		}
	}

	notices, err := r.store.ClaimDueNotices(ctx, r.now(), r.lease, r.batchSize)
	if err != nil {
		return executed, fmt.Errorf("claim notices: %w", err)
	}
	for _, rel := range notices {
		if err := r.notify(ctx, rel); err != nil {
			r.logger.Error("notice failed", "release_id", rel.ID, "error", err)
		}
	}
	return executed, nil
}

func (r *Releaser) execute(ctx context.Context, rel *model.Release) (bool, error) {
	now := r.now()
	ok, err := r.store.MarkReleased(ctx, rel.ID, now)
	if err != nil {
		return false, err
	}
	if !ok {
		r.logger.Debug("release no longer scheduled", "release_id", rel.ID)
		return false, nil
	}
	rel.Status = model.ReleaseReleased
	rel.ReleasedAt = &now
	r.metrics.IncReleaseExecuted()
	r.logger.Info("release executed",
		"release_id", rel.ID,
		"case_id", rel.CaseID,
		"asset_id", rel.AssetID,
		"nominee_id", rel.NomineeID,
	)

	// The release stands even if the notice fails; notices retry on their own.
	if err := r.notify(ctx, rel); err != nil {
		r.logger.Error("notice failed", "release_id", rel.ID, "error", err)
	}
	return true, nil
}

// notify mints a fresh access token and sends the release notice. Each
// attempt replaces the previous token.
func (r *Releaser) notify(ctx context.Context, rel *model.Release) error {
	now := r.now()
	sendErr := r.sendNotice(ctx, rel, now)

	rel.NoticeAttempts++
	rel.UpdatedAt = now
	if sendErr == nil {
		rel.NoticeStatus = model.NoticeSent
		rel.NextNoticeAt = nil
		rel.LastError = ""
		r.metrics.IncReleaseNotice(string(model.NoticeSent))
	} else {
		rel.NoticeStatus = model.NoticeFailed
		rel.LastError = sendErr.Error()
		r.metrics.IncReleaseNotice(string(model.NoticeFailed))
		if webhook.IsExhausted(rel.NoticeAttempts, r.maxNotices) {
			rel.NextNoticeAt = nil
			r.logger.Error("release notice abandoned",
				"release_id", rel.ID,
				"nominee_id", rel.NomineeID,
				"attempts", rel.NoticeAttempts,
				"error", sendErr,
			)
		} else {
			next := webhook.NextRetryAt(now, rel.NoticeAttempts-1)
			rel.NextNoticeAt = &next
			r.logger.Warn("release notice will be retried",
				"release_id", rel.ID,
				"attempts", rel.NoticeAttempts,
				"next_notice_at", next,
				"error", sendErr,
			)
		}
	}

	if err := r.store.UpdateNotice(ctx, rel); err != nil {
		return fmt.Errorf("update notice: %w", err)
	}
	return nil
}

func (r *Releaser) sendNotice(ctx context.Context, rel *model.Release, now time.Time) error {
	nominee, err := r.store.GetNominee(ctx, rel.NomineeID)
	if err != nil {
		return fmt.Errorf("load nominee: %w", err)
	}
	owner, err := r.store.GetUser(ctx, rel.UserID)
	if err != nil {
		return fmt.Errorf("load owner: %w", err)
	}
	asset, err := r.store.GetAsset(ctx, rel.AssetID)
	if err != nil {
		return fmt.Errorf("load asset: %w", err)
	}

	token, err := auth.GenerateToken(auth.TokenKindDisclosure)
	if err != nil {
		return err
	}
	if err := r.store.SetReleaseToken(ctx, rel.ID, token.Hash, now); err != nil {
		return fmt.Errorf("store access token: %w", err)
	}
	rel.AccessTokenHash = token.Hash

	data := notify.ReleaseNoticeData{
		NomineeName: nominee.Name,
		OwnerName:   owner.FullName(),
		AssetTitle:  asset.Title,
		Link:        AccessLink(r.baseURL, token.Plaintext),
	}

	var errs []error
	for _, ch := range noticeChannels {
		to := notify.NomineeRecipient(nominee, ch)
		if to == "" {
			continue
		}
		msg, err := r.templates.Message(notify.TemplateReleaseNotice, ch, to, data)
		if err != nil {
			return err
		}
		msg.ID = rel.ID
		if _, err := r.registry.Send(ctx, ch, msg); err != nil {
			errs = append(errs, err)
			continue
		}
		return nil
	}
	if len(errs) == 0 {
		return notify.ErrNoRecipient
	}
	return errors.Join(errs...)
}

// SetBatchSize configures the batch size (for testing).
func (r *Releaser) SetBatchSize(size int) {
	if size > 0 {
		r.batchSize = size
	}
}

// SetPollInterval configures the poll interval (for testing).
func (r *Releaser) SetPollInterval(interval time.Duration) {
	if interval > 0 {
		r.pollInterval = interval
	}
}

// SetClock overrides the clock. Used in tests.
func (r *Releaser) SetClock(now func() time.Time) {
	r.now = now
}
