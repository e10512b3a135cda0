package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/legacyvault/legacyvault/internal/auth"
	"github.com/legacyvault/legacyvault/internal/handler/dto"
	"github.com/legacyvault/legacyvault/internal/model"
	"github.com/legacyvault/legacyvault/internal/service"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// ControlAPI is the case, policy and check-in surface used by CaseHandler.
type ControlAPI interface {
	CurrentCase(ctx context.Context, userID string) (*model.InactivityCase, error)
	GetCase(ctx context.Context, actorID, caseID string) (*model.InactivityCase, error)
	Pause(ctx context.Context, actorID, caseID string) (*model.InactivityCase, error)
	Resume(ctx context.Context, actorID, caseID string) (*model.InactivityCase, error)
	Cancel(ctx context.Context, actorID, caseID string) (*model.InactivityCase, error)
	GetPolicy(ctx context.Context, actorID, userID string) (*model.InactivityPolicy, error)
	UpdatePolicy(ctx context.Context, actorID, userID string, input service.PolicyInput) (*model.InactivityPolicy, error)
	CheckIn(ctx context.Context, userID, kind string) (*model.InactivityCase, error)
	History(ctx context.Context, userID string, limit int) ([]*model.LedgerEntry, error)
	CorrectEntry(ctx context.Context, userID, entryID, note string) (*model.LedgerEntry, error)
	Respond(ctx context.Context, token, source string) (*model.InactivityCase, error)
	Releases(ctx context.Context, userID string) ([]*model.Release, error)
}

// CaseHandler serves the control plane for inactivity monitoring.
type CaseHandler struct {
	svc    ControlAPI
	logger *slog.Logger
}

// NewCaseHandler creates a new CaseHandler.
func NewCaseHandler(svc ControlAPI, logger *slog.Logger) *CaseHandler {
	return &CaseHandler{svc: svc, logger: logger}
}

// Current handles GET /api/v1/cases/current.
func (h *CaseHandler) Current(w http.ResponseWriter, r *http.Request) {
	p := auth.MustPrincipalFromContext(r.Context())

	c, err := h.svc.CurrentCase(r.Context(), p.UserID)
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.ToCaseResponse(c))
}

// Get handles GET /api/v1/cases/{caseID}.
func (h *CaseHandler) Get(w http.ResponseWriter, r *http.Request) {
	h.caseAction(w, r, h.svc.GetCase)
}

// Pause handles POST /api/v1/cases/{caseID}/pause.
func (h *CaseHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.caseAction(w, r, h.svc.Pause)
}

// Resume handles POST /api/v1/cases/{caseID}/resume.
func (h *CaseHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.caseAction(w, r, h.svc.Resume)
}

// Cancel handles POST /api/v1/cases/{caseID}/cancel.
func (h *CaseHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.caseAction(w, r, h.svc.Cancel)
}

func (h *CaseHandler) caseAction(
	w http.ResponseWriter,
	r *http.Request,
	action func(ctx context.Context, actorID, caseID string) (*model.InactivityCase, error),
) {
	p := auth.MustPrincipalFromContext(r.Context())
	caseID := chi.URLParam(r, "caseID")
	if caseID == "" {
		writeError(w, http.StatusBadRequest, "MISSING_ID", "Case ID is required")
		return
	}

	c, err := action(r.Context(), p.UserID, caseID)
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.ToCaseResponse(c))
}

// GetPolicy handles GET /api/v1/users/{userID}/policy.
func (h *CaseHandler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	p := auth.MustPrincipalFromContext(r.Context())

	policy, err := h.svc.GetPolicy(r.Context(), p.UserID, chi.URLParam(r, "userID"))
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.ToPolicyResponse(policy))
}

// UpdatePolicy handles PUT /api/v1/users/{userID}/policy.
func (h *CaseHandler) UpdatePolicy(w http.ResponseWriter, r *http.Request) {
	p := auth.MustPrincipalFromContext(r.Context())

	var req dto.PolicyRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	channels := make([]model.Channel, len(req.Channels))
	for i, ch := range req.Channels {
		channels[i] = model.Channel(ch)
	}
	input := service.PolicyInput{
		Enabled:          req.Enabled,
		CheckInThreshold: req.CheckInThreshold,
		Interval:         time.Duration(req.IntervalSeconds) * time.Second,
		ResponseTimeout:  time.Duration(req.ResponseTimeoutSeconds) * time.Second,
		GracePeriod:      time.Duration(req.GracePeriodSeconds) * time.Second,
		Channels:         channels,
	}

	policy, err := h.svc.UpdatePolicy(r.Context(), p.UserID, chi.URLParam(r, "userID"), input)
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.ToPolicyResponse(policy))
}

// CheckIn handles POST /api/v1/check-ins.
func (h *CaseHandler) CheckIn(w http.ResponseWriter, r *http.Request) {
	p := auth.MustPrincipalFromContext(r.Context())

	var req dto.CheckInRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	c, err := h.svc.CheckIn(r.Context(), p.UserID, req.Kind)
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.CheckInResponse{Recorded: true, Case: dto.ToCaseResponse(c)})
}

// History handles GET /api/v1/check-ins.
func (h *CaseHandler) History(w http.ResponseWriter, r *http.Request) {
	p := auth.MustPrincipalFromContext(r.Context())

	limit := defaultHistoryLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= maxHistoryLimit {
			limit = parsed
		}
	}

	entries, err := h.svc.History(r.Context(), p.UserID, limit)
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.ToLedgerList(entries))
}

// Correct handles POST /api/v1/check-ins/{entryID}/corrections.
func (h *CaseHandler) Correct(w http.ResponseWriter, r *http.Request) {
	p := auth.MustPrincipalFromContext(r.Context())

	var req dto.CorrectionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	entry, err := h.svc.CorrectEntry(r.Context(), p.UserID, chi.URLParam(r, "entryID"), req.Note)
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, dto.ToLedgerEntryResponse(entry))
}

// Respond handles POST /check-ins/respond. It is public: the link token is
// the credential.
func (h *CaseHandler) Respond(w http.ResponseWriter, r *http.Request) {
	var req dto.RespondRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, "MISSING_TOKEN", "Token is required")
		return
	}

	c, err := h.svc.Respond(r.Context(), req.Token, req.Source)
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.CheckInResponse{Recorded: true, Case: dto.ToCaseResponse(c)})
}

// Releases handles GET /api/v1/releases.
func (h *CaseHandler) Releases(w http.ResponseWriter, r *http.Request) {
	p := auth.MustPrincipalFromContext(r.Context())

	releases, err := h.svc.Releases(r.Context(), p.UserID)
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.ToReleaseList(releases))
}
