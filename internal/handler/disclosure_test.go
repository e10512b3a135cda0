package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legacyvault/legacyvault/internal/disclosure"
	"github.com/legacyvault/legacyvault/internal/handler/dto"
	"github.com/legacyvault/legacyvault/internal/webhook"
)

const disclosureToken = "lv_ds_QUJDREVGR0hJSktMTU5PUFFSU1RVVldYWVphYmNkZWZn"

func TestDisclosure_Access(t *testing.T) {
	h := newHarness(t)
	h.disclosure.grants[disclosureToken] = &disclosure.Grant{
		ReleaseID:   "rel-1",
		OwnerName:   "Ada Lovelace",
		NomineeName: "Grace Hopper",
		AssetRef:    "BANK-001",
		Title:       "Savings account",
		ReleasedAt:  day0,
	}

	rec := h.do(http.MethodGet, "/disclosures/"+disclosureToken, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	grant := decodeBody[disclosure.Grant](t, rec)
	assert.Equal(t, "BANK-001", grant.AssetRef)
	assert.Equal(t, "Grace Hopper", grant.NomineeName)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	rec = h.do(http.MethodGet, "/disclosures/lv_ds_unknown", nil, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "DISCLOSURE_NOT_FOUND", decodeBody[dto.ErrorResponse](t, rec).Code)
}

func TestDisclosure_AccessHeldForVerification(t *testing.T) {
	h := newHarness(t)
	h.disclosure.held[disclosureToken] = true

	rec := h.do(http.MethodGet, "/disclosures/"+disclosureToken, nil, "")
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "VERIFICATION_REQUIRED", decodeBody[dto.ErrorResponse](t, rec).Code)
}

func signedCallback(t *testing.T, secret string, body []byte, at time.Time) *http.Request {
	t.Helper()
	req := newRequest(t, http.MethodPost, "/webhooks/identity", string(body))
	req.Header.Set("Content-Type", "application/json")
	webhook.SignRequest(req, secret, "delivery-1", body, at)
	return req
}

func TestDisclosure_IdentityCallback(t *testing.T) {
	payload := func(nomineeID, status string) []byte {
		raw, err := json.Marshal(dto.IdentityCallbackRequest{NomineeID: nomineeID, Status: status})
		require.NoError(t, err)
		return raw
	}

	tests := []struct {
		name       string
		body       []byte
		secret     string
		signedAt   time.Time
		wantStatus int
		wantCode   string
		wantMarked bool
	}{
		{name: "verified", body: payload("nominee-1", "verified"), secret: testCallbackKey, signedAt: day0, wantStatus: http.StatusOK, wantMarked: true},
		{name: "rejected status is ignored", body: payload("nominee-1", "rejected"), secret: testCallbackKey, signedAt: day0, wantStatus: http.StatusAccepted},
		{name: "unknown nominee", body: payload("nominee-404", "verified"), secret: testCallbackKey, signedAt: day0, wantStatus: http.StatusNotFound, wantCode: "NOMINEE_NOT_FOUND"},
		{name: "missing nominee id", body: payload("", "verified"), secret: testCallbackKey, signedAt: day0, wantStatus: http.StatusBadRequest, wantCode: "INVALID_JSON"},
		{name: "wrong secret", body: payload("nominee-1", "verified"), secret: "someone-else", signedAt: day0, wantStatus: http.StatusUnauthorized, wantCode: "INVALID_SIGNATURE"},
		{name: "replayed", body: payload("nominee-1", "verified"), secret: testCallbackKey, signedAt: day0.Add(-time.Hour), wantStatus: http.StatusUnauthorized, wantCode: "INVALID_SIGNATURE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.dh.SetClock(func() time.Time { return day0 })
			h.disclosure.known["nominee-1"] = true

			rec := serve(h, signedCallback(t, tt.secret, tt.body, tt.signedAt))
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())

			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, decodeBody[dto.ErrorResponse](t, rec).Code)
			}
			if tt.wantMarked {
				assert.Equal(t, []string{"nominee-1"}, h.disclosure.verified)
			} else {
				assert.Empty(t, h.disclosure.verified)
			}
		})
	}
}

func TestDisclosure_IdentityCallbackUnsigned(t *testing.T) {
	h := newHarness(t)
	h.disclosure.known["nominee-1"] = true

	rec := h.do(http.MethodPost, "/webhooks/identity", dto.IdentityCallbackRequest{NomineeID: "nominee-1", Status: "verified"}, "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, h.disclosure.verified)
}

func TestDisclosure_IdentityCallbackDisabled(t *testing.T) {
	dh := NewDisclosureHandler(&fakeDisclosure{}, "", discardLogger())

	body := []byte(`{"nominee_id":"nominee-1","status":"verified"}`)
	req := signedCallback(t, testCallbackKey, body, time.Now())
	rec := httptest.NewRecorder()
	dh.IdentityCallback(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "CALLBACK_DISABLED", decodeBody[dto.ErrorResponse](t, rec).Code)
}
