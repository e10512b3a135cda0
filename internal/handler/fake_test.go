package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/legacyvault/legacyvault/internal/activity"
	"github.com/legacyvault/legacyvault/internal/auth"
	"github.com/legacyvault/legacyvault/internal/disclosure"
	"github.com/legacyvault/legacyvault/internal/metrics"
	"github.com/legacyvault/legacyvault/internal/middleware"
	"github.com/legacyvault/legacyvault/internal/model"
	"github.com/legacyvault/legacyvault/internal/repository"
	"github.com/legacyvault/legacyvault/internal/service"
)

const (
	testSecret       = "handler-test-secret-0123456789ab"
	testCallbackKey  = "identity-callback-secret"
	testUserID       = "01HZX0000000000000000USER1"
	otherUserID      = "01HZX0000000000000000USER2"
	unverifiedUserID = "01HZX0000000000000000USER3"
)

var day0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testUser(id string) *model.User {
	verified := day0
	return &model.User{
		ID:               id,
		FirstName:        "Ada",
		LastName:         "Lovelace",
		Email:            "ada@example.com",
		Mobile:           "+14155550100",
		DOB:              time.Date(1990, 12, 10, 0, 0, 0, 0, time.UTC),
		MobileVerifiedAt: &verified,
		LastActiveAt:     day0,
		CreatedAt:        day0,
		UpdatedAt:        day0,
	}
}

// fakeAuth implements AuthAPI.
type fakeAuth struct {
	err       error
	issuer    *auth.TokenIssuer
	pushToken string
	firstName string
	loggedOut string
	signups   []service.SignupInput
	passwords [][2]string
}

func (f *fakeAuth) result(id string) (*service.AuthResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	pair, err := f.issuer.Issue(id, true)
	if err != nil {
		return nil, err
	}
	return &service.AuthResult{User: testUser(id), Tokens: pair}, nil
}

func (f *fakeAuth) Signup(_ context.Context, input service.SignupInput) (*model.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.signups = append(f.signups, input)
	u := testUser(testUserID)
	u.MobileVerifiedAt = nil
	u.Mobile = input.Mobile
	return u, nil
}

func (f *fakeAuth) VerifyOTP(context.Context, string, string) (*service.AuthResult, error) {
	return f.result(testUserID)
}

func (f *fakeAuth) ResendOTP(context.Context, string) error { return f.err }

func (f *fakeAuth) Login(context.Context, string, string) (*service.AuthResult, error) {
	return f.result(testUserID)
}

func (f *fakeAuth) Refresh(context.Context, string) (*auth.TokenPair, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.issuer.Issue(testUserID, true)
}

func (f *fakeAuth) Logout(_ context.Context, token string) error {
	if f.err != nil {
		return f.err
	}
	f.loggedOut = token
	return nil
}

func (f *fakeAuth) Me(_ context.Context, userID string) (*model.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	u := testUser(userID)
	u.PushToken = f.pushToken
	if f.firstName != "" {
		u.FirstName = f.firstName
	}
	return u, nil
}

func (f *fakeAuth) UpdateProfile(ctx context.Context, userID string, input service.ProfileInput) (*model.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	if input.PushToken != nil {
		f.pushToken = *input.PushToken
	}
	if input.FirstName != nil {
		f.firstName = *input.FirstName
	}
	return f.Me(ctx, userID)
}

func (f *fakeAuth) ChangePassword(_ context.Context, _, current, next string) error {
	if f.err != nil {
		return f.err
	}
	f.passwords = append(f.passwords, [2]string{current, next})
	return nil
}

// fakeControl implements ControlAPI.
type fakeControl struct {
	err      error
	cases    map[string]*model.InactivityCase
	policy   *model.InactivityPolicy
	input    service.PolicyInput
	kinds    []string
	tokens   []string
	limit    int
	entries  []*model.LedgerEntry
	releases []*model.Release
}

func newFakeControl() *fakeControl {
	return &fakeControl{cases: make(map[string]*model.InactivityCase)}
}

func (f *fakeControl) owned(actorID, caseID string) (*model.InactivityCase, error) {
	if f.err != nil {
		return nil, f.err
	}
	c, ok := f.cases[caseID]
	if !ok {
		return nil, service.ErrCaseNotFound
	}
	if c.UserID != actorID {
		return nil, &model.AuthorizationError{ActorID: actorID, Resource: "case " + caseID}
	}
	return c, nil
}

func (f *fakeControl) CurrentCase(_ context.Context, userID string) (*model.InactivityCase, error) {
	if f.err != nil {
		return nil, f.err
	}
	for _, c := range f.cases {
		if c.UserID == userID {
			return c, nil
		}
	}
	return nil, service.ErrCaseNotFound
}

func (f *fakeControl) GetCase(_ context.Context, actorID, caseID string) (*model.InactivityCase, error) {
	return f.owned(actorID, caseID)
}

func (f *fakeControl) Pause(_ context.Context, actorID, caseID string) (*model.InactivityCase, error) {
	c, err := f.owned(actorID, caseID)
	if err != nil {
		return nil, err
	}
	if c.State == model.CaseStatePaused || c.State.IsTerminal() {
		return nil, &model.PolicyViolation{Rule: "case_state", Detail: "cannot pause a " + string(c.State) + " case"}
	}
	c.State = model.CaseStatePaused
	return c, nil
}

func (f *fakeControl) Resume(_ context.Context, actorID, caseID string) (*model.InactivityCase, error) {
	c, err := f.owned(actorID, caseID)
	if err != nil {
		return nil, err
	}
	c.State = model.CaseStateActive
	return c, nil
}

func (f *fakeControl) Cancel(_ context.Context, actorID, caseID string) (*model.InactivityCase, error) {
	c, err := f.owned(actorID, caseID)
	if err != nil {
		return nil, err
	}
	closed := day0
	c.State = model.CaseStateCancelled
	c.ClosedAt = &closed
	c.CloseReason = model.CloseReasonCancelled
	return c, nil
}

func (f *fakeControl) GetPolicy(_ context.Context, actorID, userID string) (*model.InactivityPolicy, error) {
	if actorID != userID {
		return nil, &model.AuthorizationError{ActorID: actorID, Resource: "policy of " + userID}
	}
	return f.policy, nil
}

func (f *fakeControl) UpdatePolicy(_ context.Context, actorID, userID string, input service.PolicyInput) (*model.InactivityPolicy, error) {
	if actorID != userID {
		return nil, &model.AuthorizationError{ActorID: actorID, Resource: "policy of " + userID}
	}
	p := &model.InactivityPolicy{
		UserID:           userID,
		Enabled:          input.Enabled,
		CheckInThreshold: input.CheckInThreshold,
		Interval:         input.Interval,
		ResponseTimeout:  input.ResponseTimeout,
		GracePeriod:      input.GracePeriod,
		Channels:         input.Channels,
		UpdatedAt:        day0,
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	f.input = input
	f.policy = p
	return p, nil
}

func (f *fakeControl) CheckIn(_ context.Context, userID, kind string) (*model.InactivityCase, error) {
	if kind != service.CheckInManual && kind != service.CheckInImFine {
		return nil, &service.ValidationError{Field: "kind", Message: "must be manual or im_fine"}
	}
	f.kinds = append(f.kinds, kind)
	for _, c := range f.cases {
		if c.UserID == userID {
			return c, nil
		}
	}
	return nil, nil
}

func (f *fakeControl) History(_ context.Context, _ string, limit int) ([]*model.LedgerEntry, error) {
	f.limit = limit
	return f.entries, nil
}

func (f *fakeControl) CorrectEntry(_ context.Context, userID, entryID, note string) (*model.LedgerEntry, error) {
	if note == "" {
		return nil, &service.ValidationError{Field: "note", Message: "is required"}
	}
	for _, e := range f.entries {
		if e.ID != entryID {
			continue
		}
		if e.UserID != userID {
			return nil, &model.AuthorizationError{ActorID: userID, Resource: "ledger entry " + entryID}
		}
		c := &model.LedgerEntry{
			ID:         "correction-1",
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
	return nil, service.ErrEntryNotFound
}

func (f *fakeControl) Respond(_ context.Context, token, _ string) (*model.InactivityCase, error) {
	kind, err := auth.ParseToken(token)
	if err != nil || kind != auth.TokenKindCheckIn {
		return nil, service.ErrInvalidCheckInToken
	}
	f.tokens = append(f.tokens, token)
	return &model.InactivityCase{ID: "case-1", UserID: testUserID, State: model.CaseStateActive, OpenedAt: day0, RoundStartedAt: day0, UpdatedAt: day0}, nil
}

func (f *fakeControl) Releases(context.Context, string) ([]*model.Release, error) {
	return f.releases, nil
}

// fakeAssets implements AssetAPI.
type fakeAssets struct {
	assets map[string]*model.Asset
	seq    int
}

func newFakeAssets() *fakeAssets {
	return &fakeAssets{assets: make(map[string]*model.Asset)}
}

func (f *fakeAssets) CreateAsset(_ context.Context, input service.CreateAssetInput) (*model.Asset, error) {
	if input.Title == "" {
		return nil, &service.ValidationError{Field: "title", Message: "is required"}
	}
	for _, a := range f.assets {
		if a.UserID == input.UserID && a.Ref == input.Ref {
			return nil, service.ErrAssetRefExists
		}
	}
	f.seq++
	vis := input.Visibility
	if vis == "" {
		vis = model.VisibilityImmediate
	}
	a := &model.Asset{
		ID: fmt.Sprintf("asset-%d", f.seq), UserID: input.UserID, Ref: input.Ref, Title: input.Title,
		Description: input.Description, Visibility: vis, Delay: input.Delay, CreatedAt: day0, UpdatedAt: day0,
	}
	f.assets[a.ID] = a
	return a, nil
}

func (f *fakeAssets) GetAsset(_ context.Context, actorID, id string) (*model.Asset, error) {
	a, ok := f.assets[id]
	if !ok {
		return nil, service.ErrAssetNotFound
	}
	if a.UserID != actorID {
		return nil, &model.AuthorizationError{ActorID: actorID, Resource: "asset " + id}
	}
	return a, nil
}

func (f *fakeAssets) ListAssets(_ context.Context, userID string) ([]*model.Asset, error) {
	var out []*model.Asset
	for _, a := range f.assets {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeAssets) UpdateAsset(ctx context.Context, actorID, id string, input service.UpdateAssetInput) (*model.Asset, error) {
	a, err := f.GetAsset(ctx, actorID, id)
	if err != nil {
		return nil, err
	}
	if input.Title != nil {
		a.Title = *input.Title
	}
	if input.Visibility != nil {
		a.Visibility = *input.Visibility
	}
	if input.Delay != nil {
		a.Delay = *input.Delay
	}
	return a, nil
}

func (f *fakeAssets) DeleteAsset(ctx context.Context, actorID, id string) error {
	if _, err := f.GetAsset(ctx, actorID, id); err != nil {
		return err
	}
	delete(f.assets, id)
	return nil
}

func (f *fakeAssets) UploadURL(ctx context.Context, actorID, id string) (*disclosure.Upload, error) {
	a, err := f.GetAsset(ctx, actorID, id)
	if err != nil {
		return nil, err
	}
	a.ObjectKey = "assets/" + a.UserID + "/" + a.ID + "/obj"
	return &disclosure.Upload{URL: "https://s3.example.com/" + a.ObjectKey + "?sig=x", ObjectKey: a.ObjectKey, ExpiresAt: day0.Add(15 * time.Minute)}, nil
}

// fakeNominees implements NomineeAPI.
type fakeNominees struct {
	nominees map[string]*model.Nominee
	inputs   []service.NomineeInput
}

func newFakeNominees() *fakeNominees {
	return &fakeNominees{nominees: make(map[string]*model.Nominee)}
}

func (f *fakeNominees) CreateNominee(_ context.Context, userID string, input service.NomineeInput) (*model.Nominee, error) {
	f.inputs = append(f.inputs, input)
	if input.SharePercent != nil && *input.SharePercent > 100 {
		return nil, &model.PolicyViolation{Rule: "share_percent", Detail: "total share exceeds 100"}
	}
	n := &model.Nominee{ID: "nominee-1", UserID: userID, AccessLevel: model.AccessLevelFull, AssetIDs: input.AssetIDs, CreatedAt: day0, UpdatedAt: day0}
	if input.Name != nil {
		n.Name = *input.Name
	}
	if input.Email != nil {
		n.Email = *input.Email
	}
	if input.AccessLevel != nil {
		n.AccessLevel = *input.AccessLevel
	}
	if input.SharePercent != nil {
		n.SharePercent = *input.SharePercent
	}
	if input.DOB != nil {
		dob, err := time.Parse(time.DateOnly, *input.DOB)
		if err != nil {
			return nil, &service.ValidationError{Field: "dob", Message: "must be YYYY-MM-DD"}
		}
		n.DOB = &dob
	}
	f.nominees[n.ID] = n
	return n, nil
}

func (f *fakeNominees) GetNominee(_ context.Context, actorID, id string) (*model.Nominee, error) {
	n, ok := f.nominees[id]
	if !ok {
		return nil, service.ErrNomineeNotFound
	}
	if n.UserID != actorID {
		return nil, &model.AuthorizationError{ActorID: actorID, Resource: "nominee " + id}
	}
	return n, nil
}

func (f *fakeNominees) ListNominees(_ context.Context, userID string) ([]*model.Nominee, error) {
	var out []*model.Nominee
	for _, n := range f.nominees {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *fakeNominees) UpdateNominee(ctx context.Context, actorID, id string, input service.NomineeInput) (*model.Nominee, error) {
	n, err := f.GetNominee(ctx, actorID, id)
	if err != nil {
		return nil, err
	}
	f.inputs = append(f.inputs, input)
	if input.SetAssets {
		n.AssetIDs = input.AssetIDs
	}
	if input.Relation != nil {
		n.Relation = *input.Relation
	}
	return n, nil
}

func (f *fakeNominees) DeleteNominee(ctx context.Context, actorID, id string) error {
	if _, err := f.GetNominee(ctx, actorID, id); err != nil {
		return err
	}
	delete(f.nominees, id)
	return nil
}

// fakeDisclosure implements DisclosureAPI.
type fakeDisclosure struct {
	grants   map[string]*disclosure.Grant
	held     map[string]bool
	known    map[string]bool
	verified []string
}

func (f *fakeDisclosure) Access(_ context.Context, token string) (*disclosure.Grant, error) {
	if f.held[token] {
		return nil, disclosure.ErrVerificationRequired
	}
	g, ok := f.grants[token]
	if !ok {
		return nil, disclosure.ErrGrantNotFound
	}
	return g, nil
}

func (f *fakeDisclosure) VerifyNominee(_ context.Context, id string) error {
	if !f.known[id] {
		return repository.ErrNomineeNotFound
	}
	f.verified = append(f.verified, id)
	return nil
}

type recordingPublisher struct {
	mu    sync.Mutex
	beats []activity.Heartbeat
}

func (p *recordingPublisher) Publish(hb activity.Heartbeat) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.beats = append(p.beats, hb)
	return true
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.beats)
}

// harness wires the real router to fakes.
type harness struct {
	t          *testing.T
	router     http.Handler
	issuer     *auth.TokenIssuer
	auth       *fakeAuth
	control    *fakeControl
	assets     *fakeAssets
	nominees   *fakeNominees
	disclosure *fakeDisclosure
	dh         *DisclosureHandler
	beats      *recordingPublisher
	metrics    *metrics.InMemoryRecorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	issuer := auth.NewTokenIssuer(testSecret, "legacyvault-test", 15*time.Minute, time.Hour)
	h := &harness{
		t:          t,
		issuer:     issuer,
		auth:       &fakeAuth{issuer: issuer},
		control:    newFakeControl(),
		assets:     newFakeAssets(),
		nominees:   newFakeNominees(),
		disclosure: &fakeDisclosure{grants: map[string]*disclosure.Grant{}, held: map[string]bool{}, known: map[string]bool{}},
		beats:      &recordingPublisher{},
		metrics:    metrics.NewInMemory(),
	}

	logger := discardLogger()
	h.dh = NewDisclosureHandler(h.disclosure, testCallbackKey, logger)
	h.router = NewRouter(RouterConfig{
		Logger:             logger,
		Root:               New(),
		Health:             NewHealthHandler(nil, nil),
		Metrics:            NewMetricsHandler(h.metrics),
		Auth:               NewAuthHandler(h.auth, logger),
		Cases:              NewCaseHandler(h.control, logger),
		Assets:             NewAssetHandler(h.assets, logger),
		Nominees:           NewNomineeHandler(h.nominees, logger),
		Disclosure:         h.dh,
		Tokens:             issuer,
		Heartbeats:         h.beats,
		CORS:               middleware.DefaultCORSConfig(),
		IsDevelopment:      true,
		MaxRequestBodySize: 1 << 20,
		Now:                func() time.Time { return day0 },
	})
	return h
}

// token issues an access token for userID.
func (h *harness) token(userID string, verified bool) string {
	h.t.Helper()
	pair, err := h.issuer.Issue(userID, verified)
	require.NoError(h.t, err)
	return pair.AccessToken
}

// do sends a request through the router. body may be nil, a string, or a
// value to encode as JSON.
func (h *harness) do(method, path string, body any, token string) *httptest.ResponseRecorder {
	h.t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(h.t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func newRequest(t *testing.T, method, path, body string) *http.Request {
	t.Helper()
	return httptest.NewRequest(method, path, bytes.NewBufferString(body))
}

func serve(h *harness, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}
