package inactivity

import (
	"context"
	"sync"
	"time"

	"github.com/legacyvault/legacyvault/internal/model"
	"github.com/legacyvault/legacyvault/internal/repository"
)

// fakeStore is an in-memory Store with the same conflict semantics as the
// Postgres repository.
type fakeStore struct {
	mu       sync.Mutex
	users    map[string]*model.User
	policies map[string]*model.InactivityPolicy
	cases    map[string]*model.InactivityCase
	releases []*model.Release
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:    make(map[string]*model.User),
		policies: make(map[string]*model.InactivityPolicy),
		cases:    make(map[string]*model.InactivityCase),
	}
}

func (s *fakeStore) addUser(u *model.User, p *model.InactivityPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
	s.policies[u.ID] = p
}

func (s *fakeStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *fakeStore) GetPolicy(ctx context.Context, userID string) (*model.InactivityPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[userID]
	if !ok {
		return nil, repository.ErrPolicyNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *fakeStore) TouchLastActive(ctx context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[userID]; ok && at.After(u.LastActiveAt) {
		u.LastActiveAt = at
	}
	return nil
}

func (s *fakeStore) GetCase(ctx context.Context, id string) (*model.InactivityCase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cases[id]
	if !ok {
		return nil, repository.ErrCaseNotFound
	}
	return c.Clone(), nil
}

func (s *fakeStore) GetOpenCase(ctx context.Context, userID string) (*model.InactivityCase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.cases {
		if c.UserID == userID && c.IsOpen() {
			return c.Clone(), nil
		}
	}
	return nil, repository.ErrCaseNotFound
}

func (s *fakeStore) GetLatestCase(ctx context.Context, userID string) (*model.InactivityCase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *model.InactivityCase
	for _, c := range s.cases {
		if c.UserID == userID && (latest == nil || c.OpenedAt.After(latest.OpenedAt)) {
			latest = c
		}
	}
	if latest == nil {
		return nil, repository.ErrCaseNotFound
	}
	return latest.Clone(), nil
}

func (s *fakeStore) CreateCase(ctx context.Context, c *model.InactivityCase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.cases {
		if existing.UserID == c.UserID && existing.IsOpen() {
			return &model.DuplicateCaseError{UserID: c.UserID}
		}
	}
	s.cases[c.ID] = c.Clone()
	return nil
}

func (s *fakeStore) SaveCase(ctx context.Context, c *model.InactivityCase, releases []*model.Release) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.cases[c.ID]
	if !ok {
		return 0, repository.ErrCaseNotFound
	}
	if stored.Version != c.Version {
		return 0, repository.ErrVersionConflict
	}
	c.Version++
	s.cases[c.ID] = c.Clone()
	s.releases = append(s.releases, releases...)
	return len(releases), nil
}

func (s *fakeStore) ListDueCases(ctx context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, c := range s.cases {
		if c.IsOpen() && c.NextEvalAt != nil && !c.NextEvalAt.After(now) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *fakeStore) ListUsersDueForProbe(ctx context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, u := range s.users {
		p := s.policies[id]
		if !u.IsVerified() || !p.Enabled || now.Before(u.LastActiveAt.Add(p.Interval)) {
			continue
		}
		blocked := false
		for _, c := range s.cases {
			if c.UserID == id && (c.IsOpen() || (c.State == model.CaseStateConfirmedInactive && c.DisclosureCancelledAt == nil)) {
				blocked = true
			}
		}
		if !blocked {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// fakePlanner plans one immediate release per confirmation.
type fakePlanner struct {
	mu        sync.Mutex
	plans     int
	cancelled []string
	err       error
}

func (p *fakePlanner) Plan(ctx context.Context, c *model.InactivityCase, unanswered []*model.CheckInAttempt, policy *model.InactivityPolicy) ([]*model.Release, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	if !Confirmable(unanswered, policy) {
		return nil, &model.PolicyViolation{Rule: "confirmation", Detail: "case is not confirmable"}
	}
	p.plans++
	return []*model.Release{{
		ID:        "release-" + c.ID,
		CaseID:    c.ID,
		UserID:    c.UserID,
		AssetID:   "asset-1",
		NomineeID: "nominee-1",
		DueAt:     *c.ConfirmedAt,
		Status:    model.ReleaseScheduled,
	}}, nil
}

func (p *fakePlanner) CancelPending(ctx context.Context, caseID string, at time.Time) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled = append(p.cancelled, caseID)
	return 1, nil
}
