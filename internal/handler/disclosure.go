package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/legacyvault/legacyvault/internal/disclosure"
	"github.com/legacyvault/legacyvault/internal/handler/dto"
	"github.com/legacyvault/legacyvault/internal/repository"
	"github.com/legacyvault/legacyvault/internal/webhook"
)

// IdentityStatusVerified is the callback status that marks a nominee verified.
const IdentityStatusVerified = "verified"

// DisclosureAPI is the nominee-facing surface used by DisclosureHandler.
type DisclosureAPI interface {
	Access(ctx context.Context, token string) (*disclosure.Grant, error)
	VerifyNominee(ctx context.Context, nomineeID string) error
}

// DisclosureHandler serves nominee access links and the identity provider
// callback. Neither route uses a session; the link token and the request
// signature are the credentials.
type DisclosureHandler struct {
	svc            DisclosureAPI
	callbackSecret string
	logger         *slog.Logger
	now            func() time.Time
}

// NewDisclosureHandler creates a new DisclosureHandler. An empty
// callbackSecret disables the identity callback.
func NewDisclosureHandler(svc DisclosureAPI, callbackSecret string, logger *slog.Logger) *DisclosureHandler {
	return &DisclosureHandler{
		svc:            svc,
		callbackSecret: callbackSecret,
		logger:         logger.With("component", "handler.disclosure"),
		now:            time.Now,
	}
}

// SetClock overrides the clock. Used in tests.
func (h *DisclosureHandler) SetClock(now func() time.Time) {
	h.now = now
}

// Access handles GET /disclosures/{token}.
func (h *DisclosureHandler) Access(w http.ResponseWriter, r *http.Request) {
	grant, err := h.svc.Access(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

// IdentityCallback handles POST /webhooks/identity.
func (h *DisclosureHandler) IdentityCallback(w http.ResponseWriter, r *http.Request) {
	if h.callbackSecret == "" {
		writeError(w, http.StatusServiceUnavailable, "CALLBACK_DISABLED", "Identity callback is not configured")
		return
	}

	body, err := webhook.VerifyRequest(r, h.callbackSecret, webhook.DefaultReplayWindow, h.now())
	if err != nil {
		h.logger.Warn("identity callback rejected",
			slog.String("reason", err.Error()),
			slog.String("ip", r.RemoteAddr),
		)
		writeError(w, http.StatusUnauthorized, "INVALID_SIGNATURE", "Signature verification failed")
		return
	}

	var req dto.IdentityCallbackRequest
	if err := json.Unmarshal(body, &req); err != nil || req.NomineeID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid callback payload")
		return
	}

	if req.Status != IdentityStatusVerified {
		h.logger.Info("identity callback ignored",
			slog.String("nominee_id", req.NomineeID),
			slog.String("status", req.Status),
		)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "ignored"})
		return
	}

	if err := h.svc.VerifyNominee(r.Context(), req.NomineeID); err != nil {
		if errors.Is(err, repository.ErrNomineeNotFound) {
			writeError(w, http.StatusNotFound, "NOMINEE_NOT_FOUND", "Nominee not found")
			return
		}
		handleServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "verified"})
}
