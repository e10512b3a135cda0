package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/legacyvault/legacyvault/internal/auth"
	"github.com/legacyvault/legacyvault/internal/disclosure"
	"github.com/legacyvault/legacyvault/internal/handler/dto"
	"github.com/legacyvault/legacyvault/internal/model"
	"github.com/legacyvault/legacyvault/internal/service"
)

// AssetAPI is the asset inventory surface used by AssetHandler.
type AssetAPI interface {
	CreateAsset(ctx context.Context, input service.CreateAssetInput) (*model.Asset, error)
	GetAsset(ctx context.Context, actorID, id string) (*model.Asset, error)
	ListAssets(ctx context.Context, userID string) ([]*model.Asset, error)
	UpdateAsset(ctx context.Context, actorID, id string, input service.UpdateAssetInput) (*model.Asset, error)
	DeleteAsset(ctx context.Context, actorID, id string) error
	UploadURL(ctx context.Context, actorID, id string) (*disclosure.Upload, error)
}

// NomineeAPI is the nominee surface used by NomineeHandler.
type NomineeAPI interface {
	CreateNominee(ctx context.Context, userID string, input service.NomineeInput) (*model.Nominee, error)
	GetNominee(ctx context.Context, actorID, id string) (*model.Nominee, error)
	ListNominees(ctx context.Context, userID string) ([]*model.Nominee, error)
	UpdateNominee(ctx context.Context, actorID, id string, input service.NomineeInput) (*model.Nominee, error)
	DeleteNominee(ctx context.Context, actorID, id string) error
}

// AssetHandler handles HTTP requests for asset operations.
type AssetHandler struct {
	svc    AssetAPI
	logger *slog.Logger
}

// NewAssetHandler creates a new AssetHandler.
func NewAssetHandler(svc AssetAPI, logger *slog.Logger) *AssetHandler {
	return &AssetHandler{svc: svc, logger: logger}
}

// Create handles POST /api/v1/assets.
func (h *AssetHandler) Create(w http.ResponseWriter, r *http.Request) {
	p := auth.MustPrincipalFromContext(r.Context())

	var req dto.CreateAssetRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	asset, err := h.svc.CreateAsset(r.Context(), service.CreateAssetInput{
		UserID:      p.UserID,
		Ref:         req.AssetRef,
		Title:       req.Title,
		Description: req.Description,
		Visibility:  model.Visibility(req.Visibility),
		Delay:       time.Duration(req.DelaySeconds) * time.Second,
	})
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, dto.ToAssetResponse(asset))
}

// Get handles GET /api/v1/assets/{id}.
func (h *AssetHandler) Get(w http.ResponseWriter, r *http.Request) {
	p := auth.MustPrincipalFromContext(r.Context())

	asset, err := h.svc.GetAsset(r.Context(), p.UserID, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.ToAssetResponse(asset))
}

// List handles GET /api/v1/assets.
func (h *AssetHandler) List(w http.ResponseWriter, r *http.Request) {
	p := auth.MustPrincipalFromContext(r.Context())

	assets, err := h.svc.ListAssets(r.Context(), p.UserID)
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	out := make([]dto.AssetResponse, 0, len(assets))
	for _, a := range assets {
		out = append(out, *dto.ToAssetResponse(a))
	}
	writeJSON(w, http.StatusOK, dto.ListResponse[dto.AssetResponse]{Data: out})
}

// Update handles PATCH /api/v1/assets/{id}.
func (h *AssetHandler) Update(w http.ResponseWriter, r *http.Request) {
	p := auth.MustPrincipalFromContext(r.Context())

	var req dto.UpdateAssetRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	input := service.UpdateAssetInput{
		Title:       req.Title,
		Description: req.Description,
	}
	if req.Visibility != nil {
		v := model.Visibility(*req.Visibility)
		input.Visibility = &v
	}
	if req.DelaySeconds != nil {
		d := time.Duration(*req.DelaySeconds) * time.Second
		input.Delay = &d
	}

	asset, err := h.svc.UpdateAsset(r.Context(), p.UserID, chi.URLParam(r, "id"), input)
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.ToAssetResponse(asset))
}

// Delete handles DELETE /api/v1/assets/{id}.
func (h *AssetHandler) Delete(w http.ResponseWriter, r *http.Request) {
	p := auth.MustPrincipalFromContext(r.Context())

	if err := h.svc.DeleteAsset(r.Context(), p.UserID, chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UploadURL handles POST /api/v1/assets/{id}/upload-url.
func (h *AssetHandler) UploadURL(w http.ResponseWriter, r *http.Request) {
	p := auth.MustPrincipalFromContext(r.Context())

	upload, err := h.svc.UploadURL(r.Context(), p.UserID, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, upload)
}

// NomineeHandler handles HTTP requests for nominee operations.
type NomineeHandler struct {
	svc    NomineeAPI
	logger *slog.Logger
}

// NewNomineeHandler creates a new NomineeHandler.
func NewNomineeHandler(svc NomineeAPI, logger *slog.Logger) *NomineeHandler {
	return &NomineeHandler{svc: svc, logger: logger}
}

// Create handles POST /api/v1/nominees.
func (h *NomineeHandler) Create(w http.ResponseWriter, r *http.Request) {
	p := auth.MustPrincipalFromContext(r.Context())

	var req dto.NomineeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	n, err := h.svc.CreateNominee(r.Context(), p.UserID, toNomineeInput(req))
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, dto.ToNomineeResponse(n))
}

// Get handles GET /api/v1/nominees/{id}.
func (h *NomineeHandler) Get(w http.ResponseWriter, r *http.Request) {
	p := auth.MustPrincipalFromContext(r.Context())

	n, err := h.svc.GetNominee(r.Context(), p.UserID, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.ToNomineeResponse(n))
}

// List handles GET /api/v1/nominees.
func (h *NomineeHandler) List(w http.ResponseWriter, r *http.Request) {
	p := auth.MustPrincipalFromContext(r.Context())

	nominees, err := h.svc.ListNominees(r.Context(), p.UserID)
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	out := make([]dto.NomineeResponse, 0, len(nominees))
	for _, n := range nominees {
		out = append(out, *dto.ToNomineeResponse(n))
	}
	writeJSON(w, http.StatusOK, dto.ListResponse[dto.NomineeResponse]{Data: out})
}

// Update handles PATCH /api/v1/nominees/{id}.
func (h *NomineeHandler) Update(w http.ResponseWriter, r *http.Request) {
	p := auth.MustPrincipalFromContext(r.Context())

	var req dto.NomineeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	n, err := h.svc.UpdateNominee(r.Context(), p.UserID, chi.URLParam(r, "id"), toNomineeInput(req))
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.ToNomineeResponse(n))
}

// Delete handles DELETE /api/v1/nominees/{id}.
func (h *NomineeHandler) Delete(w http.ResponseWriter, r *http.Request) {
	p := auth.MustPrincipalFromContext(r.Context())

	if err := h.svc.DeleteNominee(r.Context(), p.UserID, chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func toNomineeInput(req dto.NomineeRequest) service.NomineeInput {
	input := service.NomineeInput{
		Name:         req.Name,
		Relation:     req.Relation,
		Email:        req.Email,
		Phone:        req.Phone,
		DOB:          req.DOB,
		SharePercent: req.SharePercent,
	}
	if req.AccessLevel != nil {
		level := model.AccessLevel(*req.AccessLevel)
		input.AccessLevel = &level
	}
	if req.AssetIDs != nil {
		input.AssetIDs = *req.AssetIDs
		input.SetAssets = true
	}
	return input
}
