package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/legacyvault/legacyvault/internal/auth"
	"github.com/legacyvault/legacyvault/internal/ledger"
	"github.com/legacyvault/legacyvault/internal/metrics"
	"github.com/legacyvault/legacyvault/internal/model"
	"github.com/legacyvault/legacyvault/internal/webhook"
)

const (
	// DefaultBatchSize is the number of attempts claimed per tick.
	DefaultBatchSize = 50
	// DefaultPollInterval is the time between dispatcher ticks.
	DefaultPollInterval = 5 * time.Second
	// DefaultWorkers bounds concurrent sends.
	DefaultWorkers = 8
	// DefaultLease is how long a claimed attempt is owned by this dispatcher.
	DefaultLease = 2 * time.Minute
)

// Store is what the dispatcher needs from persistence.
type Store interface {
	ClaimQueuedAttempts(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*model.CheckInAttempt, error)
	GetUser(ctx context.Context, id string) (*model.User, error)
	GetPolicy(ctx context.Context, userID string) (*model.InactivityPolicy, error)
	GetCase(ctx context.Context, id string) (*model.InactivityCase, error)
}

// Locker serializes per-user work with the inactivity engine.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// Dispatcher sends queued check-ins and schedules channel fallbacks.
type Dispatcher struct {
	store     Store
	ledger    *ledger.Ledger
	locker    Locker
	registry  *Registry
	templates *Templates
	metrics   metrics.Recorder
	logger    *slog.Logger
	baseURL   string

	batchSize    int
	pollInterval time.Duration
	workers      int
	lease        time.Duration
	maxRetries   int
	now          func() time.Time
	started      bool
}

// NewDispatcher creates a Dispatcher. baseURL prefixes response links.
func NewDispatcher(store Store, l *ledger.Ledger, locker Locker, registry *Registry, templates *Templates, recorder metrics.Recorder, baseURL string, logger *slog.Logger) *Dispatcher {
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:        store,
		ledger:       l,
		locker:       locker,
		registry:     registry,
		templates:    templates,
		metrics:      recorder,
		logger:       logger.With("component", "notify.dispatcher"),
		baseURL:      strings.TrimRight(baseURL, "/"),
		batchSize:    DefaultBatchSize,
		pollInterval: DefaultPollInterval,
		workers:      DefaultWorkers,
		lease:        DefaultLease,
		maxRetries:   webhook.DefaultMaxAttempts,
		now:          time.Now,
	}
}

// CheckInLink builds the response link for a check-in token.
func CheckInLink(baseURL, token string) string {
	return strings.TrimRight(baseURL, "/") + "/check-in?token=" + url.QueryEscape(token)
}

// Run starts the dispatch loop. Blocks until context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d.started {
		return errors.New("dispatcher already started")
	}
	d.started = true

	d.logger.Info("check-in dispatcher started",
		"poll_interval", d.pollInterval,
		"batch_size", d.batchSize,
		"workers", d.workers,
	)

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("check-in dispatcher stopping")
			return ctx.Err()
		case <-ticker.C:
			if _, err := d.processOnce(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				d.logger.Error("process error", "error", err)
			}
		}
	}
}

func (d *Dispatcher) processOnce(ctx context.Context) (int, error) {
	attempts, err := d.store.ClaimQueuedAttempts(ctx, d.now(), d.lease, d.batchSize)
	if err != nil {
		return 0, fmt.Errorf("claim attempts: %w", err)
	}
	if len(attempts) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)
	for _, a := range attempts {
		g.Go(func() error {
			if err := d.dispatch(gctx, a); err != nil {
				d.logger.Error("dispatch failed",
					"attempt_id", a.ID,
					"user_id", a.UserID,
					"channel", a.Channel,
					"error", err,
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	d.logger.Debug("dispatched check-ins", "count", len(attempts))
	return len(attempts), nil
}

func (d *Dispatcher) dispatch(ctx context.Context, a *model.CheckInAttempt) error {
	start := d.now()

	user, err := d.store.GetUser(ctx, a.UserID)
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	policy, err := d.store.GetPolicy(ctx, a.UserID)
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}

	token, err := auth.GenerateToken(auth.TokenKindCheckIn)
	if err != nil {
		return err
	}

	deadline := start.Add(policy.ResponseTimeout)
	msg, err := d.templates.Message(TemplateCheckIn, a.Channel, UserRecipient(user, a.Channel), CheckInData{
		FirstName: user.FirstName,
		ProbeSeq:  a.ProbeSeq,
		Deadline:  deadline.UTC().Format("Mon 2 Jan 15:04 MST"),
		Link:      CheckInLink(d.baseURL, token.Plaintext),
	})
	if err != nil {
		return d.handleFailure(ctx, a, policy, transportError(a.Channel, err))
	}
	msg.ID = a.ID

	receipt, sendErr := d.registry.Send(ctx, a.Channel, msg)
	d.metrics.ObserveDispatchDuration(d.now().Sub(start))
	if sendErr != nil {
		return d.handleFailure(ctx, a, policy, sendErr)
	}

	sentAt := d.now()
	ok, err := d.ledger.RecordSent(ctx, a, sentAt, sentAt.Add(policy.ResponseTimeout), receipt.ProviderRef, token.Hash)
	if err != nil {
		return err
	}
	if !ok {
		d.logger.Warn("check-in resolved while sending",
			"attempt_id", a.ID,
			"user_id", a.UserID,
		)
		return nil
	}
	d.metrics.IncCheckInSent(string(a.Channel))
	return nil
}

// handleFailure records the failed send and queues the same probe on the next
// untried channel, or on the first channel after a backoff once every channel
// has failed.
func (d *Dispatcher) handleFailure(ctx context.Context, a *model.CheckInAttempt, policy *model.InactivityPolicy, cause error) error {
	unlock, err := d.locker.Lock(ctx, "user:"+a.UserID)
	if err != nil {
		return fmt.Errorf("lock user: %w", err)
	}
	defer unlock()

	now := d.now()
	recorded, err := d.ledger.RecordSendFailed(ctx, a, now, cause)
	if err != nil {
		return err
	}
	if !recorded {
		return nil
	}
	d.metrics.IncCheckInFailed(string(a.Channel))
	d.logger.Warn("check-in send failed",
		"attempt_id", a.ID,
		"user_id", a.UserID,
		"channel", a.Channel,
		"probe_seq", a.ProbeSeq,
		"error", cause,
	)

	c, err := d.store.GetCase(ctx, a.CaseID)
	if err != nil {
		return fmt.Errorf("load case: %w", err)
	}
	if !c.IsOpen() || !c.State.IsProbing() || a.CreatedAt.Before(c.RoundStartedAt) {
		return nil
	}

	attempts, err := d.ledger.ProbeAttempts(ctx, a.CaseID, a.ProbeSeq)
	if err != nil {
		return err
	}
	var tried []model.Channel
	failures := 0
	for _, p := range attempts {
		tried = append(tried, p.Channel)
		if p.Outcome == model.OutcomeSendFailed {
			failures++
		}
	}

	next := &model.CheckInAttempt{
		UserID:    a.UserID,
		CaseID:    a.CaseID,
		ProbeSeq:  a.ProbeSeq,
		NotBefore: now,
		CreatedAt: now,
	}
	if ch, ok := policy.NextChannel(a.Channel, tried); ok {
		next.Channel = ch
	} else {
		retry := failures - len(policy.Channels)
		if webhook.IsExhausted(retry, d.maxRetries) {
			d.logger.Error("check-in probe abandoned after retries",
				"case_id", a.CaseID,
				"user_id", a.UserID,
				"probe_seq", a.ProbeSeq,
				"failures", failures,
			)
			return nil
		}
		next.Channel = policy.ChannelForProbe(1)
		next.NotBefore = webhook.NextRetryAt(now, retry)
	}

	if err := d.ledger.Enqueue(ctx, next); err != nil {
		return err
	}
	d.metrics.IncCheckInQueued(string(next.Channel))
	d.logger.Info("check-in fallback queued",
		"case_id", a.CaseID,
		"probe_seq", a.ProbeSeq,
		"channel", next.Channel,
		"not_before", next.NotBefore,
	)
	return nil
}

// SetBatchSize configures the batch size (for testing).
func (d *Dispatcher) SetBatchSize(size int) {
	if size > 0 {
		d.batchSize = size
	}
}

// SetPollInterval configures the poll interval (for testing).
func (d *Dispatcher) SetPollInterval(interval time.Duration) {
	if interval > 0 {
		d.pollInterval = interval
	}
}

// SetWorkers bounds concurrent sends.
func (d *Dispatcher) SetWorkers(n int) {
	if n > 0 {
		d.workers = n
	}
}

// SetLease configures how long claimed attempts are held.
func (d *Dispatcher) SetLease(lease time.Duration) {
	if lease > 0 {
		d.lease = lease
	}
}

// SetClock overrides the clock. Used in tests.
func (d *Dispatcher) SetClock(now func() time.Time) {
	d.now = now
}
