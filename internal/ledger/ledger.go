// Package ledger records the check-in history of users. Entries are
// append-only: attempt outcomes are written once and corrections are new
// entries that point at the entry they amend.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/legacyvault/legacyvault/internal/idgen"
	"github.com/legacyvault/legacyvault/internal/model"
	"github.com/legacyvault/legacyvault/internal/repository"
)

// Store persists attempts and entries. Outcome updates must be conditional on
// the attempt still being pending and commit together with their entry.
type Store interface {
	InsertAttempt(ctx context.Context, a *model.CheckInAttempt, entry *model.LedgerEntry) error
	MarkAttemptSent(ctx context.Context, attemptID string, sentAt, deadline time.Time, providerRef, tokenHash string, entry *model.LedgerEntry) (bool, error)
	ResolveAttempt(ctx context.Context, attemptID string, outcome model.AttemptOutcome, at time.Time, failure string, entry *model.LedgerEntry) (bool, error)
	AppendEntry(ctx context.Context, entry *model.LedgerEntry) (bool, error)
	GetAttempt(ctx context.Context, id string) (*model.CheckInAttempt, error)
	GetAttemptByTokenHash(ctx context.Context, hash string) (*model.CheckInAttempt, error)
	ListCaseAttempts(ctx context.Context, caseID string, since time.Time) ([]*model.CheckInAttempt, error)
	ListProbeAttempts(ctx context.Context, caseID string, seq int) ([]*model.CheckInAttempt, error)
	LatestEntrySince(ctx context.Context, userID string, kinds []model.LedgerEntryKind, since time.Time) (*model.LedgerEntry, error)
	GetEntry(ctx context.Context, id string) (*model.LedgerEntry, error)
	ListEntries(ctx context.Context, userID string, limit int) ([]*model.LedgerEntry, error)
}

// Ledger is the check-in ledger.
type Ledger struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Ledger.
func New(store Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:  store,
		logger: logger.With("component", "ledger"),
		now:    time.Now,
	}
}

// SetClock overrides the clock used for recorded_at. Used in tests.
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}

func (l *Ledger) entry(a *model.CheckInAttempt, kind model.LedgerEntryKind, at time.Time) *model.LedgerEntry {
	return &model.LedgerEntry{
		ID:         idgen.New(),
		UserID:     a.UserID,
		CaseID:     a.CaseID,
		AttemptID:  a.ID,
		Kind:       kind,
		Channel:    a.Channel,
		OccurredAt: at,
		RecordedAt: l.now().UTC(),
		Detail:     map[string]string{"probe_seq": fmt.Sprint(a.ProbeSeq)},
	}
}

// Enqueue stores a new pending attempt. ID, outcome and created_at are
// filled in when empty.
func (l *Ledger) Enqueue(ctx context.Context, a *model.CheckInAttempt) error {
	if a.ID == "" {
		a.ID = idgen.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = l.now().UTC()
	}
	a.Outcome = model.OutcomePending

	entry := l.entry(a, model.EntryProbeQueued, a.CreatedAt)
	entry.Detail["not_before"] = a.NotBefore.UTC().Format(time.RFC3339)
	if err := l.store.InsertAttempt(ctx, a, entry); err != nil {
		return fmt.Errorf("enqueue attempt: %w", err)
	}
	return nil
}

// RecordSent marks a queued attempt as delivered to the provider. The
// response deadline starts counting at sentAt.
func (l *Ledger) RecordSent(ctx context.Context, a *model.CheckInAttempt, sentAt, deadline time.Time, providerRef, tokenHash string) (bool, error) {
	entry := l.entry(a, model.EntryProbeSent, sentAt)
	entry.Detail["deadline_at"] = deadline.UTC().Format(time.RFC3339)
	if providerRef != "" {
		entry.Detail["provider_ref"] = providerRef
	}

	ok, err := l.store.MarkAttemptSent(ctx, a.ID, sentAt, deadline, providerRef, tokenHash, entry)
	if err != nil {
		return false, fmt.Errorf("record sent: %w", err)
	}
	if ok {
		a.SentAt = &sentAt
		a.DeadlineAt = &deadline
		a.ProviderRef = providerRef
		a.ResponseTokenHash = tokenHash
	}
	return ok, nil
}

// RecordSendFailed closes an attempt whose transport failed. Send failures
// never count as unanswered.
func (l *Ledger) RecordSendFailed(ctx context.Context, a *model.CheckInAttempt, at time.Time, cause error) (bool, error) {
	failure := ""
	if cause != nil {
		failure = cause.Error()
	}
	entry := l.entry(a, model.EntrySendFailed, at)
	entry.Detail["failure"] = failure
	return l.resolve(ctx, a, model.OutcomeSendFailed, at, failure, entry)
}

// RecordUnanswered closes an attempt whose response deadline passed.
func (l *Ledger) RecordUnanswered(ctx context.Context, a *model.CheckInAttempt, at time.Time) (bool, error) {
	return l.resolve(ctx, a, model.OutcomeUnanswered, at, "", l.entry(a, model.EntryUnanswered, at))
}

// Withdraw closes an attempt superseded by a round reset.
func (l *Ledger) Withdraw(ctx context.Context, a *model.CheckInAttempt, at time.Time, reason string) (bool, error) {
	entry := l.entry(a, model.EntryWithdrawn, at)
	if reason != "" {
		entry.Detail["reason"] = reason
	}
	return l.resolve(ctx, a, model.OutcomeWithdrawn, at, "", entry)
}

// RecordResponse records the user answering an attempt. The attempt becomes
// answered if it is still pending. A late response is still written to the
// ledger. Recording the same response twice is a no-op; the returned bool
// reports whether anything new was recorded.
func (l *Ledger) RecordResponse(ctx context.Context, a *model.CheckInAttempt, at time.Time, source string) (bool, error) {
	entry := l.entry(a, model.EntryResponse, at)
	entry.IdempotencyKey = "response:" + a.ID
	if source != "" {
		entry.Detail["source"] = source
	}

	ok, err := l.resolve(ctx, a, model.OutcomeAnswered, at, "", entry)
	if err != nil || ok {
		return ok, err
	}

	// The attempt already has an outcome. Keep the evidence anyway.
	entry.ID = idgen.New()
	entry.Detail["late"] = "true"
	entry.Detail["outcome"] = string(a.Outcome)
	appended, err := l.store.AppendEntry(ctx, entry)
	if err != nil {
		return false, fmt.Errorf("record late response: %w", err)
	}
	if appended {
		l.logger.Info("late check-in response recorded",
			"attempt_id", a.ID,
			"user_id", a.UserID,
		)
	}
	return appended, nil
}

func (l *Ledger) resolve(ctx context.Context, a *model.CheckInAttempt, outcome model.AttemptOutcome, at time.Time, failure string, entry *model.LedgerEntry) (bool, error) {
	ok, err := l.store.ResolveAttempt(ctx, a.ID, outcome, at, failure, entry)
	if err != nil {
		return false, fmt.Errorf("resolve attempt %s as %s: %w", a.ID, outcome, err)
	}
	if ok {
		a.Outcome = outcome
		a.OutcomeAt = &at
		a.Failure = failure
		a.LeaseUntil = nil
		if outcome == model.OutcomeAnswered {
			a.ResponseAt = &at
		}
	}
	return ok, nil
}

// RecordActivity appends an activity or explicit_action entry for a user.
func (l *Ledger) RecordActivity(ctx context.Context, userID, caseID string, kind model.LedgerEntryKind, source string, at time.Time) error {
	if kind != model.EntryActivity && kind != model.EntryExplicitAction {
		return fmt.Errorf("record activity: unsupported kind %q", kind)
	}
	entry := &model.LedgerEntry{
		ID:         idgen.New(),
		UserID:     userID,
		CaseID:     caseID,
		Kind:       kind,
		OccurredAt: at,
		RecordedAt: l.now().UTC(),
		Detail:     map[string]string{"source": source},
	}
	if _, err := l.store.AppendEntry(ctx, entry); err != nil {
		return fmt.Errorf("record activity: %w", err)
	}
	return nil
}

// RecordCaseOpened appends a case_opened entry.
func (l *Ledger) RecordCaseOpened(ctx context.Context, c *model.InactivityCase) error {
	entry := &model.LedgerEntry{
		ID:             idgen.New(),
		UserID:         c.UserID,
		CaseID:         c.ID,
		Kind:           model.EntryCaseOpened,
		OccurredAt:     c.OpenedAt,
		RecordedAt:     l.now().UTC(),
		IdempotencyKey: "case_opened:" + c.ID,
	}
	if _, err := l.store.AppendEntry(ctx, entry); err != nil {
		return fmt.Errorf("record case opened: %w", err)
	}
	return nil
}

// RecordTransition appends a case_transition entry.
func (l *Ledger) RecordTransition(ctx context.Context, c *model.InactivityCase, from, to model.CaseState, reason string, at time.Time) error {
	entry := &model.LedgerEntry{
		ID:         idgen.New(),
		UserID:     c.UserID,
		CaseID:     c.ID,
		Kind:       model.EntryCaseTransition,
		OccurredAt: at,
		RecordedAt: l.now().UTC(),
		Detail: map[string]string{
			"from":    string(from),
			"to":      string(to),
			"version": fmt.Sprint(c.Version),
		},
		IdempotencyKey: fmt.Sprintf("transition:%s:%d", c.ID, c.Version),
	}
	if reason != "" {
		entry.Detail["reason"] = reason
	}
	if _, err := l.store.AppendEntry(ctx, entry); err != nil {
		return fmt.Errorf("record transition: %w", err)
	}
	return nil
}

// RecordCorrection appends a correction that references an earlier entry of
// the same user. The original entry is never modified.
func (l *Ledger) RecordCorrection(ctx context.Context, userID, entryID, note string) (*model.LedgerEntry, error) {
	original, err := l.store.GetEntry(ctx, entryID)
	if err != nil {
		return nil, fmt.Errorf("load corrected entry: %w", err)
	}
	if original.UserID != userID {
		return nil, &model.AuthorizationError{ActorID: userID, Resource: "ledger entry " + entryID}
	}

	now := l.now().UTC()
	entry := &model.LedgerEntry{
		ID:         idgen.New(),
		UserID:     userID,
		CaseID:     original.CaseID,
		AttemptID:  original.AttemptID,
		Kind:       model.EntryCorrection,
		OccurredAt: now,
		RecordedAt: now,
		Detail: map[string]string{
			"corrects": entryID,
			"note":     note,
		},
	}
	if _, err := l.store.AppendEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("record correction: %w", err)
	}
	return entry, nil
}

// LatestResponseSince returns when the user last responded strictly after
// since, or nil if they did not.
func (l *Ledger) LatestResponseSince(ctx context.Context, userID string, since time.Time) (*time.Time, error) {
	e, err := l.store.LatestEntrySince(ctx, userID, model.ResponseKinds, since)
	if err != nil {
		if errors.Is(err, repository.ErrEntryNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest response: %w", err)
	}
	at := e.OccurredAt
	return &at, nil
}

// HasRespondedSince reports whether the user responded strictly after since.
func (l *Ledger) HasRespondedSince(ctx context.Context, userID string, since time.Time) (bool, error) {
	at, err := l.LatestResponseSince(ctx, userID, since)
	return at != nil, err
}

// RoundAttempts returns the attempts of a case created since the round began.
func (l *Ledger) RoundAttempts(ctx context.Context, caseID string, since time.Time) ([]*model.CheckInAttempt, error) {
	attempts, err := l.store.ListCaseAttempts(ctx, caseID, since)
	if err != nil {
		return nil, fmt.Errorf("round attempts: %w", err)
	}
	return attempts, nil
}

// ProbeAttempts returns every attempt made for one probe of a case.
func (l *Ledger) ProbeAttempts(ctx context.Context, caseID string, seq int) ([]*model.CheckInAttempt, error) {
	attempts, err := l.store.ListProbeAttempts(ctx, caseID, seq)
	if err != nil {
		return nil, fmt.Errorf("probe attempts: %w", err)
	}
	return attempts, nil
}

// Attempt loads one attempt.
func (l *Ledger) Attempt(ctx context.Context, id string) (*model.CheckInAttempt, error) {
	return l.store.GetAttempt(ctx, id)
}

// AttemptByResponseToken resolves the attempt a response link was minted for.
func (l *Ledger) AttemptByResponseToken(ctx context.Context, tokenHash string) (*model.CheckInAttempt, error) {
	return l.store.GetAttemptByTokenHash(ctx, tokenHash)
}

// History returns a user's newest entries first.
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]*model.LedgerEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	entries, err := l.store.ListEntries(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	return entries, nil
}
