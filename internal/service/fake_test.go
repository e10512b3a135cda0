package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/legacyvault/legacyvault/internal/cache"
	"github.com/legacyvault/legacyvault/internal/disclosure"
	"github.com/legacyvault/legacyvault/internal/model"
	"github.com/legacyvault/legacyvault/internal/notify"
	"github.com/legacyvault/legacyvault/internal/repository"
)

var day0 = time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

type fakeStore struct {
	mu       sync.Mutex
	users    map[string]*model.User
	policies map[string]*model.InactivityPolicy
	assets   map[string]*model.Asset
	nominees map[string]*model.Nominee
	releases []*model.Release
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:    map[string]*model.User{},
		policies: map[string]*model.InactivityPolicy{},
		assets:   map[string]*model.Asset{},
		nominees: map[string]*model.Nominee{},
	}
}

func (s *fakeStore) CreateUser(_ context.Context, u *model.User, p *model.InactivityPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Email == u.Email {
			return repository.ErrEmailExists
		}
		if existing.Mobile == u.Mobile {
			return repository.ErrMobileExists
		}
	}
	cp := *u
	s.users[u.ID] = &cp
	if p != nil {
		p.UserID = u.ID
		pc := *p
		s.policies[u.ID] = &pc
	}
	return nil
}

func (s *fakeStore) GetUserByID(_ context.Context, id string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *fakeStore) GetUserByMobile(_ context.Context, mobile string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Mobile == mobile {
			cp := *u
			return &cp, nil
		}
	}
	return nil, repository.ErrUserNotFound
}

func (s *fakeStore) MarkMobileVerified(_ context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return repository.ErrUserNotFound
	}
	if u.MobileVerifiedAt == nil {
		u.MobileVerifiedAt = &at
	}
	return nil
}

func (s *fakeStore) UpdateProfile(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; !ok {
		return repository.ErrUserNotFound
	}
	for id, existing := range s.users {
		if id != u.ID && existing.Email == u.Email {
			return repository.ErrEmailExists
		}
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *fakeStore) UpdatePasswordHash(_ context.Context, userID, hash string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return repository.ErrUserNotFound
	}
	u.PasswordHash = hash
	u.UpdatedAt = at
	return nil
}

func (s *fakeStore) GetPolicy(_ context.Context, userID string) (*model.InactivityPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[userID]
	if !ok {
		return nil, repository.ErrPolicyNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *fakeStore) UpsertPolicy(_ context.Context, p *model.InactivityPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.policies[p.UserID] = &cp
	return nil
}

func (s *fakeStore) ListUserReleases(_ context.Context, userID string) ([]*model.Release, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Release
	for _, r := range s.releases {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fakeStore) CreateAsset(_ context.Context, a *model.Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.assets {
		if existing.UserID == a.UserID && existing.Ref == a.Ref && existing.DeletedAt == nil {
			return repository.ErrAssetRefExists
		}
	}
	cp := *a
	s.assets[a.ID] = &cp
	return nil
}

func (s *fakeStore) GetAsset(_ context.Context, id string) (*model.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assets[id]
	if !ok || a.DeletedAt != nil {
		return nil, repository.ErrAssetNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *fakeStore) ListAssets(_ context.Context, userID string) ([]*model.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Asset
	for _, a := range s.assets {
		if a.UserID == userID && a.DeletedAt == nil {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeStore) UpdateAsset(_ context.Context, a *model.Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.assets[a.ID]; !ok {
		return repository.ErrAssetNotFound
	}
	cp := *a
	s.assets[a.ID] = &cp
	return nil
}

func (s *fakeStore) DeleteAsset(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assets[id]
	if !ok || a.DeletedAt != nil {
		return repository.ErrAssetNotFound
	}
	a.DeletedAt = &at
	return nil
}

func (s *fakeStore) CreateNominee(_ context.Context, n *model.Nominee) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkAssetsLocked(n); err != nil {
		return err
	}
	cp := *n
	s.nominees[n.ID] = &cp
	return nil
}

func (s *fakeStore) checkAssetsLocked(n *model.Nominee) error {
	for _, id := range n.AssetIDs {
		a, ok := s.assets[id]
		if !ok || a.UserID != n.UserID || a.DeletedAt != nil {
			return repository.ErrUnknownAssetLink
		}
	}
	return nil
}

func (s *fakeStore) GetNominee(_ context.Context, id string) (*model.Nominee, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nominees[id]
	if !ok || n.DeletedAt != nil {
		return nil, repository.ErrNomineeNotFound
	}
	cp := *n
	return &cp, nil
}

func (s *fakeStore) ListNominees(_ context.Context, userID string) ([]*model.Nominee, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Nominee
	for _, n := range s.nominees {
		if n.UserID == userID && n.DeletedAt == nil {
			cp := *n
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeStore) UpdateNominee(_ context.Context, n *model.Nominee) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nominees[n.ID]; !ok {
		return repository.ErrNomineeNotFound
	}
	if err := s.checkAssetsLocked(n); err != nil {
		return err
	}
	cp := *n
	s.nominees[n.ID] = &cp
	return nil
}

func (s *fakeStore) DeleteNominee(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nominees[id]
	if !ok || n.DeletedAt != nil {
		return repository.ErrNomineeNotFound
	}
	n.DeletedAt = &at
	return nil
}

type fakeSessions struct {
	mu       sync.Mutex
	sessions map[string]string
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{sessions: map[string]string{}}
}

func (f *fakeSessions) StoreSession(_ context.Context, jti, userID string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[jti] = userID
	return nil
}

func (f *fakeSessions) SessionOwner(_ context.Context, jti string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[jti], nil
}

func (f *fakeSessions) RotateSession(_ context.Context, oldJTI, newJTI, userID string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[oldJTI]; !ok {
		return false, nil
	}
	delete(f.sessions, oldJTI)
	f.sessions[newJTI] = userID
	return true, nil
}

func (f *fakeSessions) RevokeSession(_ context.Context, jti string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, jti)
	return nil
}

func (f *fakeSessions) RevokeAllSessions(_ context.Context, userID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for jti, owner := range f.sessions {
		if owner == userID {
			delete(f.sessions, jti)
			n++
		}
	}
	return n, nil
}

type fakeCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func newFakeCounter() *fakeCounter {
	return &fakeCounter{counts: map[string]int{}}
}

func (f *fakeCounter) Hit(_ context.Context, scope, subject string, limit int, window time.Duration) (*cache.CounterResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := scope + ":" + subject
	f.counts[key]++
	n := f.counts[key]
	res := &cache.CounterResult{Allowed: n <= limit, Count: int64(n)}
	if !res.Allowed {
		res.RetryAfter = window
	}
	return res, nil
}

func (f *fakeCounter) ResetCounter(_ context.Context, scope, subject string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.counts, scope+":"+subject)
	return nil
}

type recordedAction struct {
	userID string
	action string
	at     time.Time
}

type fakeEngine struct {
	mu        sync.Mutex
	cases     map[string]*model.InactivityCase
	actions   []recordedAction
	responses []string
	rearmed   []string
	err       error
	actionErr error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{cases: map[string]*model.InactivityCase{}}
}

func (f *fakeEngine) owned(actorID, caseID string) (*model.InactivityCase, error) {
	c, ok := f.cases[caseID]
	if !ok {
		return nil, repository.ErrCaseNotFound
	}
	if c.UserID != actorID {
		return nil, &model.AuthorizationError{ActorID: actorID, Resource: "case " + caseID}
	}
	return c, nil
}

func (f *fakeEngine) Current(_ context.Context, userID string) (*model.InactivityCase, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.cases {
		if c.UserID == userID {
			return c, nil
		}
	}
	return nil, repository.ErrCaseNotFound
}

func (f *fakeEngine) Case(_ context.Context, actorID, caseID string) (*model.InactivityCase, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.owned(actorID, caseID)
}

func (f *fakeEngine) transition(actorID, caseID string, to model.CaseState) (*model.InactivityCase, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	c, err := f.owned(actorID, caseID)
	if err != nil {
		return nil, err
	}
	c.State = to
	return c, nil
}

func (f *fakeEngine) Pause(_ context.Context, actorID, caseID string) (*model.InactivityCase, error) {
	return f.transition(actorID, caseID, model.CaseStatePaused)
}

func (f *fakeEngine) Resume(_ context.Context, actorID, caseID string) (*model.InactivityCase, error) {
	return f.transition(actorID, caseID, model.CaseStateActive)
}

func (f *fakeEngine) Cancel(_ context.Context, actorID, caseID string) (*model.InactivityCase, error) {
	return f.transition(actorID, caseID, model.CaseStateCancelled)
}

func (f *fakeEngine) PolicyChanged(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rearmed = append(f.rearmed, userID)
	return nil
}

func (f *fakeEngine) RecordUserAction(_ context.Context, userID, action string, at time.Time) (*model.InactivityCase, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, recordedAction{userID: userID, action: action, at: at})
	return nil, f.actionErr
}

func (f *fakeEngine) RecordResponse(_ context.Context, attempt *model.CheckInAttempt, _ time.Time, source string) (*model.InactivityCase, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, attempt.ID+":"+source)
	c, ok := f.cases[attempt.CaseID]
	if !ok {
		return nil, repository.ErrCaseNotFound
	}
	c.State = model.CaseStateActive
	return c, nil
}

type fakeLedger struct {
	attempts map[string]*model.CheckInAttempt
	entries  []*model.LedgerEntry
}

func (f *fakeLedger) History(_ context.Context, userID string, limit int) ([]*model.LedgerEntry, error) {
	var out []*model.LedgerEntry
	for _, e := range f.entries {
		if e.UserID == userID && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeLedger) RecordCorrection(_ context.Context, userID, entryID, note string) (*model.LedgerEntry, error) {
	for _, e := range f.entries {
		if e.ID != entryID {
			continue
		}
		if e.UserID != userID {
			return nil, &model.AuthorizationError{ActorID: userID, Resource: "ledger entry " + entryID}
		}
		c := &model.LedgerEntry{
			ID:         "correction-" + entryID,
			UserID:     userID,
			CaseID:     e.CaseID,
			Kind:       model.EntryCorrection,
			OccurredAt: day0,
			RecordedAt: day0,
			Detail:     map[string]string{"corrects": entryID, "note": note},
		}
		f.entries = append(f.entries, c)
		return c, nil
	}
	return nil, fmt.Errorf("load corrected entry: %w", repository.ErrEntryNotFound)
}

func (f *fakeLedger) AttemptByResponseToken(_ context.Context, hash string) (*model.CheckInAttempt, error) {
	a, ok := f.attempts[hash]
	if !ok {
		return nil, repository.ErrAttemptNotFound
	}
	return a, nil
}

type fakeUploader struct{}

func (fakeUploader) UploadURL(_ context.Context, a *model.Asset) (*disclosure.Upload, error) {
	key := "assets/" + a.UserID + "/" + a.ID
	return &disclosure.Upload{URL: "https://objects.test/" + key, ObjectKey: key, ExpiresAt: day0.Add(disclosure.PresignTTL)}, nil
}

type mutexLocker struct {
	mu   sync.Mutex
	keys []string
}

func (l *mutexLocker) Lock(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	l.keys = append(l.keys, key)
	return l.mu.Unlock, nil
}

type smsChannel struct {
	mu   sync.Mutex
	sent []notify.Message
	fail bool
}

func (c *smsChannel) Kind() model.Channel { return model.ChannelSMS }

func (c *smsChannel) Send(_ context.Context, msg notify.Message) (notify.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return notify.Receipt{}, &model.TransportError{Channel: model.ChannelSMS, Err: fmt.Errorf("gateway down")}
	}
	c.sent = append(c.sent, msg)
	return notify.Receipt{Channel: model.ChannelSMS, ProviderRef: "sms-" + msg.ID, SentAt: day0}, nil
}

func (c *smsChannel) messages() []notify.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]notify.Message(nil), c.sent...)
}
