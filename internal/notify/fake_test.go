package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/legacyvault/legacyvault/internal/ledger"
	"github.com/legacyvault/legacyvault/internal/model"
	"github.com/legacyvault/legacyvault/internal/repository"
)

type fakeStore struct {
	mu       sync.Mutex
	mem      *ledger.MemoryStore
	users    map[string]*model.User
	policies map[string]*model.InactivityPolicy
	cases    map[string]*model.InactivityCase
	leased   map[string]time.Time
}

func newFakeStore(mem *ledger.MemoryStore) *fakeStore {
	return &fakeStore{
		mem:      mem,
		users:    make(map[string]*model.User),
		policies: make(map[string]*model.InactivityPolicy),
		cases:    make(map[string]*model.InactivityCase),
		leased:   make(map[string]time.Time),
	}
}

func (s *fakeStore) ClaimQueuedAttempts(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*model.CheckInAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.CheckInAttempt
	for _, a := range s.mem.Attempts() {
		if len(out) == limit {
			break
		}
		c, ok := s.cases[a.CaseID]
		if !ok || !c.IsOpen() || !c.State.IsProbing() || a.CreatedAt.Before(c.RoundStartedAt) {
			continue
		}
		if !a.IsQueued() || a.NotBefore.After(now) {
			continue
		}
		if until, ok := s.leased[a.ID]; ok && !until.Before(now) {
			continue
		}
		s.leased[a.ID] = now.Add(lease)
		out = append(out, a)
	}
	return out, nil
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

func (s *fakeStore) GetCase(ctx context.Context, id string) (*model.InactivityCase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cases[id]
	if !ok {
		return nil, repository.ErrCaseNotFound
	}
	return c.Clone(), nil
}

// fakeChannel records messages and fails while fail is set.
type fakeChannel struct {
	mu   sync.Mutex
	kind model.Channel
	fail error
	sent []Message
}

func (c *fakeChannel) Kind() model.Channel { return c.kind }

func (c *fakeChannel) Send(ctx context.Context, msg Message) (Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if msg.To == "" {
		return Receipt{}, transportError(c.kind, ErrNoRecipient)
	}
	if c.fail != nil {
		return Receipt{}, transportError(c.kind, c.fail)
	}
	c.sent = append(c.sent, msg)
	return Receipt{Channel: c.kind, ProviderRef: "ref-" + msg.ID, SentAt: time.Now()}, nil
}

func (c *fakeChannel) setFail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail = err
}

func (c *fakeChannel) messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.sent...)
}

type mutexLocker struct {
	mu sync.Mutex
}

func (l *mutexLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	return l.mu.Unlock, nil
}

var errGatewayDown = errors.New("gateway down")
