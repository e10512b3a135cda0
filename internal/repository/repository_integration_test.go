//go:build integration

package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/legacyvault/legacyvault/internal/idgen"
	"github.com/legacyvault/legacyvault/internal/model"
	"github.com/legacyvault/legacyvault/internal/testutil"
)

// ============================================================================
// User and Policy
// ============================================================================

func TestIntegrationRepository_CreateUserWithPolicy(t *testing.T) {
	ctx, repo := newRepoTestEnv(t)

	user := testutil.NewTestUser(t)
	policy := testutil.NewTestPolicy("")
	if err := repo.CreateUser(ctx, user, policy); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	got, err := repo.GetUserByMobile(ctx, user.Mobile)
	if err != nil {
		t.Fatalf("GetUserByMobile failed: %v", err)
	}
	if got.ID != user.ID {
		t.Errorf("ID mismatch: got %q, want %q", got.ID, user.ID)
	}

	p, err := repo.GetPolicy(ctx, user.ID)
	if err != nil {
		t.Fatalf("GetPolicy failed: %v", err)
	}
	if p.CheckInThreshold != 3 || p.Interval != policy.Interval {
		t.Errorf("policy mismatch: %+v", p)
	}
	if len(p.Channels) != 2 || p.Channels[0] != model.ChannelEmail {
		t.Errorf("channel order not kept: %v", p.Channels)
	}
}

func TestIntegrationRepository_CreateUser_Duplicates(t *testing.T) {
	ctx, repo := newRepoTestEnv(t)

	first := testutil.NewTestUser(t)
	if err := repo.CreateUser(ctx, first, nil); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	sameMobile := testutil.NewTestUser(t)
	sameMobile.Mobile = first.Mobile
	if err := repo.CreateUser(ctx, sameMobile, nil); !errors.Is(err, ErrMobileExists) {
		t.Errorf("Expected ErrMobileExists, got: %v", err)
	}

	sameEmail := testutil.NewTestUser(t)
	sameEmail.Email = first.Email
	if err := repo.CreateUser(ctx, sameEmail, nil); !errors.Is(err, ErrEmailExists) {
		t.Errorf("Expected ErrEmailExists, got: %v", err)
	}
}

func TestIntegrationRepository_GetUser_NotFound(t *testing.T) {
	ctx, repo := newRepoTestEnv(t)

	if _, err := repo.GetUserByID(ctx, "missing"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("Expected ErrUserNotFound, got: %v", err)
	}
	if _, err := repo.GetPolicy(ctx, "missing"); !errors.Is(err, ErrPolicyNotFound) {
		t.Errorf("Expected ErrPolicyNotFound, got: %v", err)
	}
}

func TestIntegrationRepository_UpdateProfileAndPassword(t *testing.T) {
	ctx, repo := newRepoTestEnv(t)

	user := seedUser(t, ctx, repo)
	other := seedUser(t, ctx, repo)

	user.FirstName = "Augusta"
	user.PushToken = "fcm-token"
	if err := repo.UpdateProfile(ctx, user); err != nil {
		t.Fatalf("UpdateProfile failed: %v", err)
	}
	got, err := repo.GetUserByID(ctx, user.ID)
	if err != nil {
		t.Fatalf("GetUserByID failed: %v", err)
	}
	if got.FirstName != "Augusta" || got.PushToken != "fcm-token" {
		t.Errorf("profile not stored: %+v", got)
	}

	user.Email = other.Email
	if err := repo.UpdateProfile(ctx, user); !errors.Is(err, ErrEmailExists) {
		t.Errorf("Expected ErrEmailExists, got: %v", err)
	}

	if err := repo.UpdatePasswordHash(ctx, user.ID, "new-hash", time.Now().UTC()); err != nil {
		t.Fatalf("UpdatePasswordHash failed: %v", err)
	}
	got, err = repo.GetUserByID(ctx, user.ID)
	if err != nil {
		t.Fatalf("GetUserByID failed: %v", err)
	}
	if got.PasswordHash != "new-hash" {
		t.Errorf("PasswordHash: got %q", got.PasswordHash)
	}
	if err := repo.UpdatePasswordHash(ctx, "missing", "x", time.Now().UTC()); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("Expected ErrUserNotFound, got: %v", err)
	}
}

func TestIntegrationRepository_BulkTouchLastActive(t *testing.T) {
	ctx, repo := newRepoTestEnv(t)

	user := seedUser(t, ctx, repo)
	later := user.LastActiveAt.Add(2 * time.Hour)
	earlier := user.LastActiveAt.Add(-2 * time.Hour)

	if err := repo.BulkTouchLastActive(ctx, map[string]time.Time{user.ID: later}); err != nil {
		t.Fatalf("BulkTouchLastActive failed: %v", err)
	}
	// Older sightings never move last_active_at backwards.
	if err := repo.BulkTouchLastActive(ctx, map[string]time.Time{user.ID: earlier}); err != nil {
		t.Fatalf("BulkTouchLastActive failed: %v", err)
	}

	got, err := repo.GetUserByID(ctx, user.ID)
	if err != nil {
		t.Fatalf("GetUserByID failed: %v", err)
	}
	if !got.LastActiveAt.Equal(later) {
		t.Errorf("LastActiveAt: got %v, want %v", got.LastActiveAt, later)
	}
}

// ============================================================================
// Cases
// ============================================================================

func TestIntegrationRepository_OneOpenCasePerUser(t *testing.T) {
	ctx, repo := newRepoTestEnv(t)

	user := seedUser(t, ctx, repo)
	first := newCase(user.ID)
	if err := repo.CreateCase(ctx, first); err != nil {
		t.Fatalf("CreateCase failed: %v", err)
	}

	var dup *model.DuplicateCaseError
	if err := repo.CreateCase(ctx, newCase(user.ID)); !errors.As(err, &dup) {
		t.Fatalf("Expected DuplicateCaseError, got: %v", err)
	}

	open, err := repo.GetOpenCase(ctx, user.ID)
	if err != nil {
		t.Fatalf("GetOpenCase failed: %v", err)
	}
	if open.ID != first.ID {
		t.Errorf("open case: got %q, want %q", open.ID, first.ID)
	}
}

func TestIntegrationRepository_SaveCase_VersionConflict(t *testing.T) {
	ctx, repo := newRepoTestEnv(t)

	user := seedUser(t, ctx, repo)
	c := newCase(user.ID)
	if err := repo.CreateCase(ctx, c); err != nil {
		t.Fatalf("CreateCase failed: %v", err)
	}

	stale := c.Clone()

	c.State = model.CaseStateAwaitingResponse
	c.AttemptsSent = 1
	if _, err := repo.SaveCase(ctx, c, nil); err != nil {
		t.Fatalf("SaveCase failed: %v", err)
	}
	if c.Version != 2 {
		t.Errorf("Version: got %d, want 2", c.Version)
	}

	stale.State = model.CaseStatePaused
	if _, err := repo.SaveCase(ctx, stale, nil); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("Expected ErrVersionConflict, got: %v", err)
	}
}

func TestIntegrationRepository_CloseCaseAllowsReopen(t *testing.T) {
	ctx, repo := newRepoTestEnv(t)

	user := seedUser(t, ctx, repo)
	c := newCase(user.ID)
	if err := repo.CreateCase(ctx, c); err != nil {
		t.Fatalf("CreateCase failed: %v", err)
	}

	closedAt := c.OpenedAt.Add(time.Hour)
	c.State = model.CaseStateCancelled
	c.ClosedAt = &closedAt
	c.CloseReason = model.CloseReasonCancelled
	c.NextEvalAt = nil
	if _, err := repo.SaveCase(ctx, c, nil); err != nil {
		t.Fatalf("SaveCase failed: %v", err)
	}

	if _, err := repo.GetOpenCase(ctx, user.ID); !errors.Is(err, ErrCaseNotFound) {
		t.Errorf("Expected ErrCaseNotFound, got: %v", err)
	}

	next := newCase(user.ID)
	next.OpenedAt = closedAt.Add(time.Hour)
	next.RoundStartedAt = next.OpenedAt
	if err := repo.CreateCase(ctx, next); err != nil {
		t.Fatalf("reopen failed: %v", err)
	}

	latest, err := repo.GetLatestCase(ctx, user.ID)
	if err != nil {
		t.Fatalf("GetLatestCase failed: %v", err)
	}
	if latest.ID != next.ID {
		t.Errorf("latest case: got %q, want %q", latest.ID, next.ID)
	}
}

// ============================================================================
// Ledger
// ============================================================================

func TestIntegrationRepository_AttemptLifecycle(t *testing.T) {
	ctx, repo := newRepoTestEnv(t)

	user := seedUser(t, ctx, repo)
	c := newCase(user.ID)
	c.State = model.CaseStateAwaitingResponse
	if err := repo.CreateCase(ctx, c); err != nil {
		t.Fatalf("CreateCase failed: %v", err)
	}

	now := c.OpenedAt
	a := &model.CheckInAttempt{
		ID:        idgen.NewAt(now),
		UserID:    user.ID,
		CaseID:    c.ID,
		ProbeSeq:  1,
		Channel:   model.ChannelEmail,
		Outcome:   model.OutcomePending,
		NotBefore: now,
		CreatedAt: now,
	}
	if err := repo.InsertAttempt(ctx, a, ledgerEntry(a, model.EntryProbeQueued, now)); err != nil {
		t.Fatalf("InsertAttempt failed: %v", err)
	}

	claimed, err := repo.ClaimQueuedAttempts(ctx, now, time.Minute, 10)
	if err != nil {
		t.Fatalf("ClaimQueuedAttempts failed: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != a.ID {
		t.Fatalf("claimed: got %d attempts", len(claimed))
	}
	// A leased attempt is not handed out twice.
	again, err := repo.ClaimQueuedAttempts(ctx, now, time.Minute, 10)
	if err != nil {
		t.Fatalf("ClaimQueuedAttempts failed: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("leased attempt claimed again")
	}

	sentAt := now.Add(time.Second)
	ok, err := repo.MarkAttemptSent(ctx, a.ID, sentAt, sentAt.Add(72*time.Hour), "msg-1", "token-hash-1",
		ledgerEntry(a, model.EntryProbeSent, sentAt))
	if err != nil || !ok {
		t.Fatalf("MarkAttemptSent: ok=%v err=%v", ok, err)
	}

	byToken, err := repo.GetAttemptByTokenHash(ctx, "token-hash-1")
	if err != nil {
		t.Fatalf("GetAttemptByTokenHash failed: %v", err)
	}
	if byToken.ID != a.ID || byToken.SentAt == nil {
		t.Errorf("attempt by token mismatch: %+v", byToken)
	}

	answeredAt := sentAt.Add(time.Hour)
	ok, err = repo.ResolveAttempt(ctx, a.ID, model.OutcomeAnswered, answeredAt, "", ledgerEntry(a, model.EntryResponse, answeredAt))
	if err != nil || !ok {
		t.Fatalf("ResolveAttempt: ok=%v err=%v", ok, err)
	}

	// Outcomes are write-once.
	ok, err = repo.ResolveAttempt(ctx, a.ID, model.OutcomeUnanswered, answeredAt.Add(time.Hour), "", ledgerEntry(a, model.EntryUnanswered, answeredAt))
	if err != nil {
		t.Fatalf("second ResolveAttempt failed: %v", err)
	}
	if ok {
		t.Error("second resolution should not apply")
	}

	got, err := repo.GetAttempt(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetAttempt failed: %v", err)
	}
	if got.Outcome != model.OutcomeAnswered {
		t.Errorf("Outcome: got %q, want answered", got.Outcome)
	}

	entries, err := repo.ListEntries(ctx, user.ID, 10)
	if err != nil {
		t.Fatalf("ListEntries failed: %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("ledger entries: got %d, want 3", len(entries))
	}
}

func TestIntegrationRepository_LedgerIsAppendOnly(t *testing.T) {
	ctx, repo := newRepoTestEnv(t)

	user := seedUser(t, ctx, repo)
	now := time.Now().UTC().Truncate(time.Microsecond)
	entry := &model.LedgerEntry{
		ID:             idgen.NewAt(now),
		UserID:         user.ID,
		Kind:           model.EntryActivity,
		OccurredAt:     now,
		RecordedAt:     now,
		Detail:         map[string]string{"source": "login"},
		IdempotencyKey: "activity:" + user.ID + ":1",
	}

	inserted, err := repo.AppendEntry(ctx, entry)
	if err != nil || !inserted {
		t.Fatalf("AppendEntry: inserted=%v err=%v", inserted, err)
	}

	dup := *entry
	dup.ID = idgen.NewAt(now)
	inserted, err = repo.AppendEntry(ctx, &dup)
	if err != nil {
		t.Fatalf("AppendEntry duplicate failed: %v", err)
	}
	if inserted {
		t.Error("entry with a recorded idempotency key should be skipped")
	}

	if _, err := repo.Pool().Exec(ctx, `UPDATE ledger_entries SET kind = 'correction' WHERE id = $1`, entry.ID); err == nil {
		t.Error("Expected ledger update to be rejected")
	}
	if _, err := repo.Pool().Exec(ctx, `DELETE FROM ledger_entries WHERE id = $1`, entry.ID); err == nil {
		t.Error("Expected ledger delete to be rejected")
	}

	got, err := repo.GetEntry(ctx, entry.ID)
	if err != nil {
		t.Fatalf("GetEntry failed: %v", err)
	}
	if got.Detail["source"] != "login" {
		t.Errorf("Detail: got %v", got.Detail)
	}
}

// ============================================================================
// Assets and Nominees
// ============================================================================

func TestIntegrationRepository_AssetRefUniquePerUser(t *testing.T) {
	ctx, repo := newRepoTestEnv(t)

	user := seedUser(t, ctx, repo)
	a := testutil.NewTestAsset(t, user.ID, model.VisibilityImmediate, 0)
	if err := repo.CreateAsset(ctx, a); err != nil {
		t.Fatalf("CreateAsset failed: %v", err)
	}

	dup := testutil.NewTestAsset(t, user.ID, model.VisibilityDelayed, time.Hour)
	dup.Ref = a.Ref
	if err := repo.CreateAsset(ctx, dup); !errors.Is(err, ErrAssetRefExists) {
		t.Errorf("Expected ErrAssetRefExists, got: %v", err)
	}

	// Another owner may reuse the reference.
	other := seedUser(t, ctx, repo)
	theirs := testutil.NewTestAsset(t, other.ID, model.VisibilityImmediate, 0)
	theirs.Ref = a.Ref
	if err := repo.CreateAsset(ctx, theirs); err != nil {
		t.Errorf("CreateAsset for another owner failed: %v", err)
	}
}

func TestIntegrationRepository_NomineeAssignments(t *testing.T) {
	ctx, repo := newRepoTestEnv(t)

	user := seedUser(t, ctx, repo)
	a1 := testutil.NewTestAsset(t, user.ID, model.VisibilityImmediate, 0)
	a2 := testutil.NewTestAsset(t, user.ID, model.VisibilityHiddenUntilConfirmed, 0)
	for _, a := range []*model.Asset{a1, a2} {
		if err := repo.CreateAsset(ctx, a); err != nil {
			t.Fatalf("CreateAsset failed: %v", err)
		}
	}

	n := testutil.NewTestNominee(t, user.ID, 50, a1.ID, a2.ID, a1.ID)
	if err := repo.CreateNominee(ctx, n); err != nil {
		t.Fatalf("CreateNominee failed: %v", err)
	}

	got, err := repo.GetNominee(ctx, n.ID)
	if err != nil {
		t.Fatalf("GetNominee failed: %v", err)
	}
	if len(got.AssetIDs) != 2 {
		t.Errorf("AssetIDs: got %v, want two distinct ids", got.AssetIDs)
	}

	// Deleting an asset drops its assignments.
	if err := repo.DeleteAsset(ctx, a1.ID, time.Now().UTC()); err != nil {
		t.Fatalf("DeleteAsset failed: %v", err)
	}
	got, err = repo.GetNominee(ctx, n.ID)
	if err != nil {
		t.Fatalf("GetNominee failed: %v", err)
	}
	if len(got.AssetIDs) != 1 || got.AssetIDs[0] != a2.ID {
		t.Errorf("AssetIDs after delete: got %v", got.AssetIDs)
	}

	if _, err := repo.GetAsset(ctx, a1.ID); !errors.Is(err, ErrAssetNotFound) {
		t.Errorf("Expected ErrAssetNotFound, got: %v", err)
	}
}

func TestIntegrationRepository_NomineeDOB(t *testing.T) {
	ctx, repo := newRepoTestEnv(t)

	user := seedUser(t, ctx, repo)
	n := testutil.NewTestNominee(t, user.ID, 10)
	dob := time.Date(2014, 2, 28, 0, 0, 0, 0, time.UTC)
	n.DOB = &dob
	if err := repo.CreateNominee(ctx, n); err != nil {
		t.Fatalf("CreateNominee failed: %v", err)
	}

	got, err := repo.GetNominee(ctx, n.ID)
	if err != nil {
		t.Fatalf("GetNominee failed: %v", err)
	}
	if got.DOB == nil || got.DOB.Format(time.DateOnly) != "2014-02-28" {
		t.Errorf("DOB: got %v", got.DOB)
	}

	got.DOB = nil
	if err := repo.UpdateNominee(ctx, got); err != nil {
		t.Fatalf("UpdateNominee failed: %v", err)
	}
	got, err = repo.GetNominee(ctx, n.ID)
	if err != nil {
		t.Fatalf("GetNominee failed: %v", err)
	}
	if got.DOB != nil {
		t.Errorf("DOB should be cleared, got %v", got.DOB)
	}
}

func TestIntegrationRepository_NomineeUnknownAsset(t *testing.T) {
	ctx, repo := newRepoTestEnv(t)

	user := seedUser(t, ctx, repo)
	n := testutil.NewTestNominee(t, user.ID, 10, "no-such-asset")
	if err := repo.CreateNominee(ctx, n); !errors.Is(err, ErrUnknownAssetLink) {
		t.Errorf("Expected ErrUnknownAssetLink, got: %v", err)
	}
}

// ============================================================================
// Releases
// ============================================================================

func TestIntegrationRepository_ReleasesAtMostOncePerTriple(t *testing.T) {
	ctx, repo := newRepoTestEnv(t)

	user := seedUser(t, ctx, repo)
	asset := testutil.NewTestAsset(t, user.ID, model.VisibilityImmediate, 0)
	if err := repo.CreateAsset(ctx, asset); err != nil {
		t.Fatalf("CreateAsset failed: %v", err)
	}
	nominee := testutil.NewTestNominee(t, user.ID, 100, asset.ID)
	if err := repo.CreateNominee(ctx, nominee); err != nil {
		t.Fatalf("CreateNominee failed: %v", err)
	}

	c := newCase(user.ID)
	if err := repo.CreateCase(ctx, c); err != nil {
		t.Fatalf("CreateCase failed: %v", err)
	}

	confirmedAt := c.OpenedAt.Add(time.Hour)
	c.State = model.CaseStateConfirmedInactive
	c.ConfirmedAt = &confirmedAt
	c.ClosedAt = &confirmedAt
	c.CloseReason = model.CloseReasonConfirmed
	c.NextEvalAt = nil

	rel := newRelease(c, asset.ID, nominee.ID, confirmedAt)
	dup := newRelease(c, asset.ID, nominee.ID, confirmedAt)
	stored, err := repo.SaveCase(ctx, c, []*model.Release{rel, dup})
	if err != nil {
		t.Fatalf("SaveCase failed: %v", err)
	}
	if stored != 1 {
		t.Errorf("stored: got %d, want 1", stored)
	}

	releases, err := repo.ListCaseReleases(ctx, c.ID)
	if err != nil {
		t.Fatalf("ListCaseReleases failed: %v", err)
	}
	if len(releases) != 1 {
		t.Fatalf("releases: got %d, want 1", len(releases))
	}

	claimed, err := repo.ClaimDueReleases(ctx, confirmedAt, time.Minute, 10)
	if err != nil {
		t.Fatalf("ClaimDueReleases failed: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed: got %d, want 1", len(claimed))
	}

	ok, err := repo.MarkReleased(ctx, claimed[0].ID, confirmedAt)
	if err != nil || !ok {
		t.Fatalf("MarkReleased: ok=%v err=%v", ok, err)
	}
	ok, err = repo.MarkReleased(ctx, claimed[0].ID, confirmedAt)
	if err != nil {
		t.Fatalf("second MarkReleased failed: %v", err)
	}
	if ok {
		t.Error("release executed twice")
	}

	if err := repo.SetReleaseToken(ctx, claimed[0].ID, "grant-hash", confirmedAt); err != nil {
		t.Fatalf("SetReleaseToken failed: %v", err)
	}
	got, err := repo.GetReleaseByTokenHash(ctx, "grant-hash")
	if err != nil {
		t.Fatalf("GetReleaseByTokenHash failed: %v", err)
	}
	if got.Status != model.ReleaseReleased || got.ReleasedAt == nil {
		t.Errorf("release not executed: %+v", got)
	}
}

func TestIntegrationRepository_CancelScheduledReleases(t *testing.T) {
	ctx, repo := newRepoTestEnv(t)

	user := seedUser(t, ctx, repo)
	asset := testutil.NewTestAsset(t, user.ID, model.VisibilityDelayed, 7*24*time.Hour)
	if err := repo.CreateAsset(ctx, asset); err != nil {
		t.Fatalf("CreateAsset failed: %v", err)
	}
	nominee := testutil.NewTestNominee(t, user.ID, 100, asset.ID)
	if err := repo.CreateNominee(ctx, nominee); err != nil {
		t.Fatalf("CreateNominee failed: %v", err)
	}
	c := newCase(user.ID)
	if err := repo.CreateCase(ctx, c); err != nil {
		t.Fatalf("CreateCase failed: %v", err)
	}

	confirmedAt := c.OpenedAt.Add(time.Hour)
	c.State = model.CaseStateConfirmedInactive
	c.ConfirmedAt = &confirmedAt
	c.ClosedAt = &confirmedAt
	c.CloseReason = model.CloseReasonConfirmed
	c.NextEvalAt = nil
	rel := newRelease(c, asset.ID, nominee.ID, confirmedAt.Add(asset.Delay))
	if _, err := repo.SaveCase(ctx, c, []*model.Release{rel}); err != nil {
		t.Fatalf("SaveCase failed: %v", err)
	}

	n, err := repo.CancelScheduledReleases(ctx, c.ID, confirmedAt.Add(time.Hour))
	if err != nil {
		t.Fatalf("CancelScheduledReleases failed: %v", err)
	}
	if n != 1 {
		t.Errorf("cancelled: got %d, want 1", n)
	}

	claimed, err := repo.ClaimDueReleases(ctx, confirmedAt.Add(30*24*time.Hour), time.Minute, 10)
	if err != nil {
		t.Fatalf("ClaimDueReleases failed: %v", err)
	}
	if len(claimed) != 0 {
		t.Errorf("cancelled release was claimed")
	}
}

func TestIntegrationRepository_ReopenedCaseDisclosesCancelledPairs(t *testing.T) {
	ctx, repo := newRepoTestEnv(t)

	user := seedUser(t, ctx, repo)
	asset := testutil.NewTestAsset(t, user.ID, model.VisibilityDelayed, 7*24*time.Hour)
	if err := repo.CreateAsset(ctx, asset); err != nil {
		t.Fatalf("CreateAsset failed: %v", err)
	}
	nominee := testutil.NewTestNominee(t, user.ID, 100, asset.ID)
	if err := repo.CreateNominee(ctx, nominee); err != nil {
		t.Fatalf("CreateNominee failed: %v", err)
	}

	// First case confirms, then the owner cancels the disclosure.
	first := newCase(user.ID)
	if err := repo.CreateCase(ctx, first); err != nil {
		t.Fatalf("CreateCase failed: %v", err)
	}
	confirmedAt := first.OpenedAt.Add(time.Hour)
	first.State = model.CaseStateConfirmedInactive
	first.ConfirmedAt = &confirmedAt
	first.ClosedAt = &confirmedAt
	first.CloseReason = model.CloseReasonConfirmed
	first.NextEvalAt = nil
	if _, err := repo.SaveCase(ctx, first, []*model.Release{newRelease(first, asset.ID, nominee.ID, confirmedAt.Add(asset.Delay))}); err != nil {
		t.Fatalf("SaveCase failed: %v", err)
	}
	cancelledAt := confirmedAt.Add(time.Hour)
	if n, err := repo.CancelScheduledReleases(ctx, first.ID, cancelledAt); err != nil || n != 1 {
		t.Fatalf("CancelScheduledReleases: n=%d err=%v", n, err)
	}
	first.DisclosureCancelledAt = &cancelledAt
	if _, err := repo.SaveCase(ctx, first, nil); err != nil {
		t.Fatalf("SaveCase failed: %v", err)
	}

	// A later case confirms for the same pair.
	second := newCase(user.ID)
	second.OpenedAt = cancelledAt.Add(30 * 24 * time.Hour)
	second.RoundStartedAt = second.OpenedAt
	if err := repo.CreateCase(ctx, second); err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	reconfirmedAt := second.OpenedAt.Add(time.Hour)
	second.State = model.CaseStateConfirmedInactive
	second.ConfirmedAt = &reconfirmedAt
	second.ClosedAt = &reconfirmedAt
	second.CloseReason = model.CloseReasonConfirmed
	second.NextEvalAt = nil
	stored, err := repo.SaveCase(ctx, second, []*model.Release{newRelease(second, asset.ID, nominee.ID, reconfirmedAt)})
	if err != nil {
		t.Fatalf("SaveCase failed: %v", err)
	}
	if stored != 1 {
		t.Fatalf("stored: got %d, want 1", stored)
	}

	claimed, err := repo.ClaimDueReleases(ctx, reconfirmedAt, time.Minute, 10)
	if err != nil {
		t.Fatalf("ClaimDueReleases failed: %v", err)
	}
	if len(claimed) != 1 || claimed[0].CaseID != second.ID {
		t.Fatalf("claimed: got %d releases, want the second case's", len(claimed))
	}
	if ok, err := repo.MarkReleased(ctx, claimed[0].ID, reconfirmedAt); err != nil || !ok {
		t.Fatalf("MarkReleased: ok=%v err=%v", ok, err)
	}

	// Once released, the pair is never planned again.
	third := newRelease(second, asset.ID, nominee.ID, reconfirmedAt.Add(time.Hour))
	stored, err = repo.SaveCase(ctx, second, []*model.Release{third})
	if err != nil {
		t.Fatalf("SaveCase failed: %v", err)
	}
	if stored != 0 {
		t.Errorf("released pair planned again: stored %d", stored)
	}
}

func TestIntegrationRepository_ClaimSkipsDisabledPolicy(t *testing.T) {
	ctx, repo := newRepoTestEnv(t)

	user := seedUser(t, ctx, repo)
	c := newCase(user.ID)
	c.State = model.CaseStateEscalating
	if err := repo.CreateCase(ctx, c); err != nil {
		t.Fatalf("CreateCase failed: %v", err)
	}

	now := c.OpenedAt
	a := &model.CheckInAttempt{
		ID:        idgen.NewAt(now),
		UserID:    user.ID,
		CaseID:    c.ID,
		ProbeSeq:  2,
		Channel:   model.ChannelSMS,
		Outcome:   model.OutcomePending,
		NotBefore: now,
		CreatedAt: now,
	}
	if err := repo.InsertAttempt(ctx, a, ledgerEntry(a, model.EntryProbeQueued, now)); err != nil {
		t.Fatalf("InsertAttempt failed: %v", err)
	}

	policy, err := repo.GetPolicy(ctx, user.ID)
	if err != nil {
		t.Fatalf("GetPolicy failed: %v", err)
	}
	policy.Enabled = false
	if err := repo.UpsertPolicy(ctx, policy); err != nil {
		t.Fatalf("UpsertPolicy failed: %v", err)
	}

	claimed, err := repo.ClaimQueuedAttempts(ctx, now, time.Minute, 10)
	if err != nil {
		t.Fatalf("ClaimQueuedAttempts failed: %v", err)
	}
	if len(claimed) != 0 {
		t.Errorf("probe claimed while monitoring is disabled")
	}

	policy.Enabled = true
	if err := repo.UpsertPolicy(ctx, policy); err != nil {
		t.Fatalf("UpsertPolicy failed: %v", err)
	}
	claimed, err = repo.ClaimQueuedAttempts(ctx, now, time.Minute, 10)
	if err != nil {
		t.Fatalf("ClaimQueuedAttempts failed: %v", err)
	}
	if len(claimed) != 1 {
		t.Errorf("claimed after re-enable: got %d, want 1", len(claimed))
	}
}

// ============================================================================
// Test Environment Setup
// ============================================================================

func newRepoTestEnv(t *testing.T) (context.Context, *Repository) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration tests in short mode")
	}

	ctx := context.Background()
	dbURL := testutil.RequireEnv(t, "DATABASE_URL")

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("connect db: %v", err)
	}
	t.Cleanup(pool.Close)

	unlock, err := testutil.AcquireDBLock(ctx, pool)
	if err != nil {
		t.Fatalf("acquire db lock: %v", err)
	}
	t.Cleanup(func() {
		_ = unlock()
	})

	if err := testutil.ResetSchema(ctx, pool); err != nil {
		t.Fatalf("reset schema: %v", err)
	}

	return ctx, NewWithPool(pool)
}

func seedUser(t *testing.T, ctx context.Context, repo *Repository) *model.User {
	t.Helper()
	user := testutil.NewTestUser(t)
	if err := repo.CreateUser(ctx, user, testutil.NewTestPolicy("")); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	return user
}

func newCase(userID string) *model.InactivityCase {
	now := time.Now().UTC().Truncate(time.Microsecond)
	next := now.Add(time.Hour)
	return &model.InactivityCase{
		ID:             idgen.NewAt(now),
		UserID:         userID,
		State:          model.CaseStateActive,
		OpenedAt:       now,
		RoundStartedAt: now,
		NextEvalAt:     &next,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func newRelease(c *model.InactivityCase, assetID, nomineeID string, due time.Time) *model.Release {
	return &model.Release{
		ID:           idgen.NewAt(due),
		CaseID:       c.ID,
		UserID:       c.UserID,
		AssetID:      assetID,
		NomineeID:    nomineeID,
		Visibility:   model.VisibilityImmediate,
		DueAt:        due,
		Status:       model.ReleaseScheduled,
		NoticeStatus: model.NoticePending,
		CreatedAt:    due,
		UpdatedAt:    due,
	}
}

func ledgerEntry(a *model.CheckInAttempt, kind model.LedgerEntryKind, at time.Time) *model.LedgerEntry {
	return &model.LedgerEntry{
		ID:             idgen.NewAt(at),
		UserID:         a.UserID,
		CaseID:         a.CaseID,
		AttemptID:      a.ID,
		Kind:           kind,
		Channel:        a.Channel,
		OccurredAt:     at,
		RecordedAt:     at,
		IdempotencyKey: string(kind) + ":" + a.ID,
	}
}
