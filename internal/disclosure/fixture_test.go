package disclosure

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/legacyvault/legacyvault/internal/metrics"
	"github.com/legacyvault/legacyvault/internal/model"
	"github.com/legacyvault/legacyvault/internal/notify"
)

var (
	day0        = time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)
	confirmedAt = day0.Add(216 * time.Hour)
)

type fixture struct {
	store    *memStore
	planner  *Planner
	releaser *Releaser
	service  *Service
	objects  *fakeObjects
	metrics  *metrics.InMemoryRecorder
	email    *recordingChannel
	sms      *recordingChannel
	c        *model.InactivityCase
	policy   *model.InactivityPolicy
	missed   []*model.CheckInAttempt
	now      time.Time
}

func sentAttempt(id string, at time.Time) *model.CheckInAttempt {
	deadline := at.Add(72 * time.Hour)
	return &model.CheckInAttempt{
		ID:         id,
		UserID:     "user-1",
		CaseID:     "case-1",
		Outcome:    model.OutcomeUnanswered,
		SentAt:     &at,
		DeadlineAt: &deadline,
	}
}

// newFixture confirms case-1 at confirmedAt and stores its release plan:
//
//	asset-imm    immediate       -> nom-a, nom-b (verified access)
//	asset-hidden hidden, 7 days  -> nom-a
//	asset-delay  delayed, 30 days-> nom-a
//	asset-orphan immediate       -> nobody
func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		store:   newMemStore(),
		objects: &fakeObjects{},
		metrics: metrics.NewInMemory(),
		email:   &recordingChannel{kind: model.ChannelEmail},
		sms:     &recordingChannel{kind: model.ChannelSMS},
		now:     confirmedAt,
	}

	f.store.users["user-1"] = &model.User{ID: "user-1", FirstName: "Ravi", LastName: "Kumar"}
	for _, a := range []*model.Asset{
		{ID: "asset-imm", Ref: "bank-1", Title: "Savings account", Visibility: model.VisibilityImmediate, ObjectKey: "assets/user-1/asset-imm/k1"},
		{ID: "asset-hidden", Ref: "will", Title: "Will", Visibility: model.VisibilityHiddenUntilConfirmed, Delay: 7 * 24 * time.Hour},
		{ID: "asset-delay", Ref: "house", Title: "House deed", Visibility: model.VisibilityDelayed, Delay: 30 * 24 * time.Hour},
		{ID: "asset-orphan", Ref: "misc", Title: "Misc", Visibility: model.VisibilityImmediate},
	} {
		a.UserID = "user-1"
		f.store.assets[a.ID] = a
	}
	f.store.nominees["nom-a"] = &model.Nominee{
		ID: "nom-a", UserID: "user-1", Name: "Meera", Email: "meera@example.com", Phone: "+14155550111",
		AccessLevel: model.AccessLevelFull, SharePercent: 60,
		AssetIDs: []string{"asset-imm", "asset-hidden", "asset-delay"},
	}
	f.store.nominees["nom-b"] = &model.Nominee{
		ID: "nom-b", UserID: "user-1", Name: "Arjun", Phone: "+14155550122",
		AccessLevel: model.AccessLevelVerified, SharePercent: 40,
		AssetIDs: []string{"asset-imm"},
	}

	ca := confirmedAt
	f.c = &model.InactivityCase{
		ID:           "case-1",
		UserID:       "user-1",
		State:        model.CaseStateConfirmedInactive,
		AttemptsSent: 3,
		ConfirmedAt:  &ca,
	}
	f.store.cases[f.c.ID] = f.c
	f.policy = &model.InactivityPolicy{
		UserID:           "user-1",
		Enabled:          true,
		CheckInThreshold: 3,
		Interval:         30 * 24 * time.Hour,
		ResponseTimeout:  72 * time.Hour,
		Channels:         []model.Channel{model.ChannelEmail, model.ChannelSMS},
	}
	f.missed = []*model.CheckInAttempt{
		sentAttempt("att-1", day0),
		sentAttempt("att-2", day0.Add(72*time.Hour)),
		sentAttempt("att-3", day0.Add(144*time.Hour)),
	}

	templates, err := notify.LoadTemplates("")
	require.NoError(t, err)
	registry := notify.NewRegistry(f.email, f.sms)

	f.planner = NewPlanner(f.store, f.metrics, nil)
	f.releaser = NewReleaser(f.store, registry, templates, f.metrics, "https://app.legacyvault.test", nil)
	f.releaser.SetClock(f.clock)
	f.service = NewService(f.store, f.objects, nil)
	f.service.SetClock(f.clock)

	releases, err := f.planner.Plan(context.Background(), f.c, f.missed, f.policy)
	require.NoError(t, err)
	f.store.insert(releases)
	return f
}

func (f *fixture) clock() time.Time { return f.now }

func (f *fixture) process(t *testing.T) int {
	t.Helper()
	n, err := f.releaser.processOnce(context.Background())
	require.NoError(t, err)
	return n
}
