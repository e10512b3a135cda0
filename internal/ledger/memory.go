package ledger

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/legacyvault/legacyvault/internal/model"
	"github.com/legacyvault/legacyvault/internal/repository"
)

// MemoryStore is an in-process Store used by tests and local tooling.
type MemoryStore struct {
	mu       sync.Mutex
	attempts map[string]*model.CheckInAttempt
	order    []string
	entries  []*model.LedgerEntry
	keys     map[string]bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		attempts: make(map[string]*model.CheckInAttempt),
		keys:     make(map[string]bool),
	}
}

func copyAttempt(a *model.CheckInAttempt) *model.CheckInAttempt {
	cp := *a
	return &cp
}

// InsertAttempt implements Store.
func (m *MemoryStore) InsertAttempt(ctx context.Context, a *model.CheckInAttempt, entry *model.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.attempts[a.ID] = copyAttempt(a)
	m.order = append(m.order, a.ID)
	if entry != nil {
		m.appendLocked(entry)
	}
	return nil
}

// MarkAttemptSent implements Store.
func (m *MemoryStore) MarkAttemptSent(ctx context.Context, attemptID string, sentAt, deadline time.Time, providerRef, tokenHash string, entry *model.LedgerEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.attempts[attemptID]
	if !ok || !a.IsQueued() {
		return false, nil
	}
	a.SentAt = &sentAt
	a.DeadlineAt = &deadline
	a.ProviderRef = providerRef
	a.ResponseTokenHash = tokenHash
	a.LeaseUntil = nil
	if entry != nil {
		m.appendLocked(entry)
	}
	return true, nil
}

// ResolveAttempt implements Store.
func (m *MemoryStore) ResolveAttempt(ctx context.Context, attemptID string, outcome model.AttemptOutcome, at time.Time, failure string, entry *model.LedgerEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.attempts[attemptID]
	if !ok || a.Outcome != model.OutcomePending {
		return false, nil
	}
	a.Outcome = outcome
	a.OutcomeAt = &at
	a.Failure = failure
	a.LeaseUntil = nil
	if outcome == model.OutcomeAnswered {
		a.ResponseAt = &at
	}
	if entry != nil {
		m.appendLocked(entry)
	}
	return true, nil
}

// AppendEntry implements Store.
func (m *MemoryStore) AppendEntry(ctx context.Context, entry *model.LedgerEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(entry), nil
}

func (m *MemoryStore) appendLocked(entry *model.LedgerEntry) bool {
	if entry.IdempotencyKey != "" {
		if m.keys[entry.IdempotencyKey] {
			return false
		}
		m.keys[entry.IdempotencyKey] = true
	}
	cp := *entry
	m.entries = append(m.entries, &cp)
	return true
}

// GetAttempt implements Store.
func (m *MemoryStore) GetAttempt(ctx context.Context, id string) (*model.CheckInAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.attempts[id]
	if !ok {
		return nil, repository.ErrAttemptNotFound
	}
	return copyAttempt(a), nil
}

// GetAttemptByTokenHash implements Store.
func (m *MemoryStore) GetAttemptByTokenHash(ctx context.Context, hash string) (*model.CheckInAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.attempts {
		if hash != "" && a.ResponseTokenHash == hash {
			return copyAttempt(a), nil
		}
	}
	return nil, repository.ErrAttemptNotFound
}

// ListCaseAttempts implements Store.
func (m *MemoryStore) ListCaseAttempts(ctx context.Context, caseID string, since time.Time) ([]*model.CheckInAttempt, error) {
	return m.filter(func(a *model.CheckInAttempt) bool {
		return a.CaseID == caseID && !a.CreatedAt.Before(since)
	}), nil
}

// ListProbeAttempts implements Store.
func (m *MemoryStore) ListProbeAttempts(ctx context.Context, caseID string, seq int) ([]*model.CheckInAttempt, error) {
	return m.filter(func(a *model.CheckInAttempt) bool {
		return a.CaseID == caseID && a.ProbeSeq == seq
	}), nil
}

// Attempts returns every attempt in insertion order.
func (m *MemoryStore) Attempts() []*model.CheckInAttempt {
	return m.filter(func(*model.CheckInAttempt) bool { return true })
}

func (m *MemoryStore) filter(keep func(*model.CheckInAttempt) bool) []*model.CheckInAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*model.CheckInAttempt
	for _, id := range m.order {
		if a := m.attempts[id]; keep(a) {
			out = append(out, copyAttempt(a))
		}
	}
	return out
}

// LatestEntrySince implements Store.
func (m *MemoryStore) LatestEntrySince(ctx context.Context, userID string, kinds []model.LedgerEntryKind, since time.Time) (*model.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest *model.LedgerEntry
	for _, e := range m.entries {
		if e.UserID != userID || !slices.Contains(kinds, e.Kind) || !e.OccurredAt.After(since) {
			continue
		}
		if latest == nil || e.OccurredAt.After(latest.OccurredAt) {
			latest = e
		}
	}
	if latest == nil {
		return nil, repository.ErrEntryNotFound
	}
	cp := *latest
	return &cp, nil
}

// GetEntry implements Store.
func (m *MemoryStore) GetEntry(ctx context.Context, id string) (*model.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.entries {
		if e.ID == id {
			cp := *e
			return &cp, nil
		}
	}
	return nil, repository.ErrEntryNotFound
}

// ListEntries implements Store.
func (m *MemoryStore) ListEntries(ctx context.Context, userID string, limit int) ([]*model.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*model.LedgerEntry
	for i := len(m.entries) - 1; i >= 0; i-- {
		if e := m.entries[i]; e.UserID == userID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].RecordedAt.After(out[j].RecordedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Entries returns every entry in append order.
func (m *MemoryStore) Entries() []*model.LedgerEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*model.LedgerEntry, 0, len(m.entries))
	for _, e := range m.entries {
		cp := *e
		out = append(out, &cp)
	}
	return out
}
