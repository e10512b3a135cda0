package disclosure

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/legacyvault/legacyvault/internal/model"
	"github.com/legacyvault/legacyvault/internal/notify"
	"github.com/legacyvault/legacyvault/internal/repository"
)

// memStore mirrors the claim conditions of the Postgres repository.
type memStore struct {
	mu       sync.Mutex
	users    map[string]*model.User
	assets   map[string]*model.Asset
	nominees map[string]*model.Nominee
	cases    map[string]*model.InactivityCase
	releases map[string]*model.Release
	leases   map[string]time.Time
	executed int
}

func newMemStore() *memStore {
	return &memStore{
		users:    make(map[string]*model.User),
		assets:   make(map[string]*model.Asset),
		nominees: make(map[string]*model.Nominee),
		cases:    make(map[string]*model.InactivityCase),
		releases: make(map[string]*model.Release),
		leases:   make(map[string]time.Time),
	}
}

func (s *memStore) insert(releases []*model.Release) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rel := range releases {
		cp := *rel
		s.releases[rel.ID] = &cp
	}
}

func (s *memStore) release(id string) *model.Release {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.releases[id]
	return &cp
}

func (s *memStore) releaseFor(assetID, nomineeID string) *model.Release {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rel := range s.releases {
		if rel.AssetID == assetID && rel.NomineeID == nomineeID {
			cp := *rel
			return &cp
		}
	}
	return nil
}

func (s *memStore) sorted(keep func(*model.Release) bool) []*model.Release {
	var out []*model.Release
	for _, rel := range s.releases {
		if keep(rel) {
			out = append(out, rel)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DueAt.Equal(out[j].DueAt) {
			return out[i].DueAt.Before(out[j].DueAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *memStore) leased(id string, now time.Time) bool {
	until, ok := s.leases[id]
	return ok && !until.Before(now)
}

func (s *memStore) claim(candidates []*model.Release, now time.Time, lease time.Duration, limit int) []*model.Release {
	var out []*model.Release
	for _, rel := range candidates {
		if len(out) == limit {
			break
		}
		if s.leased(rel.ID, now) {
			continue
		}
		s.leases[rel.ID] = now.Add(lease)
		cp := *rel
		out = append(out, &cp)
	}
	return out
}

func (s *memStore) ClaimDueReleases(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*model.Release, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	due := s.sorted(func(rel *model.Release) bool {
		c, ok := s.cases[rel.CaseID]
		if !ok || c.State != model.CaseStateConfirmedInactive || c.DisclosureCancelledAt != nil {
			return false
		}
		n, ok := s.nominees[rel.NomineeID]
		if !ok || n.DeletedAt != nil {
			return false
		}
		a, ok := s.assets[rel.AssetID]
		if !ok || a.DeletedAt != nil {
			return false
		}
		if rel.RequiresVerification && !n.IsVerified() {
			return false
		}
		return rel.Status == model.ReleaseScheduled && !rel.DueAt.After(now)
	})
	return s.claim(due, now, lease, limit), nil
}

func (s *memStore) MarkReleased(ctx context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rel, ok := s.releases[id]
	if !ok || rel.Status != model.ReleaseScheduled {
		return false, nil
	}
	rel.Status = model.ReleaseReleased
	rel.ReleasedAt = &at
	rel.NextNoticeAt = &at
	rel.UpdatedAt = at
	s.executed++
	return true, nil
}

func (s *memStore) SetReleaseToken(ctx context.Context, id, hash string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rel, ok := s.releases[id]
	if !ok || rel.Status != model.ReleaseReleased {
		return repository.ErrReleaseNotFound
	}
	rel.AccessTokenHash = hash
	rel.UpdatedAt = at
	return nil
}

func (s *memStore) UpdateNotice(ctx context.Context, in *model.Release) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rel, ok := s.releases[in.ID]
	if !ok {
		return repository.ErrReleaseNotFound
	}
	rel.NoticeStatus = in.NoticeStatus
	rel.NoticeAttempts = in.NoticeAttempts
	rel.NextNoticeAt = in.NextNoticeAt
	rel.LastError = in.LastError
	rel.UpdatedAt = in.UpdatedAt
	delete(s.leases, in.ID)
	return nil
}

func (s *memStore) ClaimDueNotices(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*model.Release, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	due := s.sorted(func(rel *model.Release) bool {
		return rel.Status == model.ReleaseReleased &&
			rel.NoticeStatus != model.NoticeSent &&
			rel.NextNoticeAt != nil && !rel.NextNoticeAt.After(now)
	})
	return s.claim(due, now, lease, limit), nil
}

func (s *memStore) CancelScheduledReleases(ctx context.Context, caseID string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rel := range s.releases {
		if rel.CaseID == caseID && rel.Status == model.ReleaseScheduled {
			rel.Status = model.ReleaseCancelled
			rel.CancelledAt = &at
			n++
		}
	}
	return n, nil
}

func (s *memStore) GetReleaseByTokenHash(ctx context.Context, hash string) (*model.Release, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rel := range s.releases {
		if rel.AccessTokenHash != "" && rel.AccessTokenHash == hash {
			cp := *rel
			return &cp, nil
		}
	}
	return nil, repository.ErrReleaseNotFound
}

func (s *memStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *memStore) GetAsset(ctx context.Context, id string) (*model.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assets[id]
	if !ok || a.DeletedAt != nil {
		return nil, repository.ErrAssetNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *memStore) ListAssets(ctx context.Context, userID string) ([]*model.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Asset
	for _, a := range s.assets {
		if a.UserID == userID && a.DeletedAt == nil {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) SetAssetObjectKey(ctx context.Context, id, key string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assets[id]
	if !ok || a.DeletedAt != nil {
		return repository.ErrAssetNotFound
	}
	a.ObjectKey = key
	a.UpdatedAt = at
	return nil
}

func (s *memStore) GetNominee(ctx context.Context, id string) (*model.Nominee, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nominees[id]
	if !ok || n.DeletedAt != nil {
		return nil, repository.ErrNomineeNotFound
	}
	cp := *n
	return &cp, nil
}

func (s *memStore) ListNominees(ctx context.Context, userID string) ([]*model.Nominee, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Nominee
	for _, n := range s.nominees {
		if n.UserID == userID && n.DeletedAt == nil {
			cp := *n
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) MarkNomineeVerified(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nominees[id]
	if !ok || n.DeletedAt != nil {
		return repository.ErrNomineeNotFound
	}
	if n.VerifiedAt == nil {
		n.VerifiedAt = &at
	}
	return nil
}

// recordingChannel captures sent notices and fails while fail is set.
type recordingChannel struct {
	mu   sync.Mutex
	kind model.Channel
	fail bool
	sent []notify.Message
}

func (c *recordingChannel) Kind() model.Channel { return c.kind }

func (c *recordingChannel) Send(ctx context.Context, msg notify.Message) (notify.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return notify.Receipt{}, &model.TransportError{Channel: c.kind, Err: context.DeadlineExceeded}
	}
	c.sent = append(c.sent, msg)
	return notify.Receipt{Channel: c.kind, ProviderRef: "ref-" + msg.ID, SentAt: time.Now()}, nil
}

func (c *recordingChannel) setFail(fail bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail = fail
}

func (c *recordingChannel) messages() []notify.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]notify.Message(nil), c.sent...)
}

// fakeObjects presigns deterministic URLs.
type fakeObjects struct {
	mu   sync.Mutex
	puts []string
}

func (f *fakeObjects) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return "https://objects.test/" + key + "?op=get&ttl=" + ttl.String(), nil
}

func (f *fakeObjects) PresignPut(ctx context.Context, key string, ttl time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts = append(f.puts, key)
	return "https://objects.test/" + key + "?op=put&ttl=" + ttl.String(), nil
}

func tokenFrom(body string) string {
	i := strings.Index(body, "lv_ds_")
	if i < 0 {
		return ""
	}
	return body[i : i+len("lv_ds_")+43]
}
