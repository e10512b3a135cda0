package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/legacyvault/legacyvault/internal/auth"
	"github.com/legacyvault/legacyvault/internal/handler/dto"
	"github.com/legacyvault/legacyvault/internal/model"
	"github.com/legacyvault/legacyvault/internal/service"
)

// AuthAPI is the account and session surface used by AuthHandler.
type AuthAPI interface {
	Signup(ctx context.Context, input service.SignupInput) (*model.User, error)
	VerifyOTP(ctx context.Context, mobile, code string) (*service.AuthResult, error)
	ResendOTP(ctx context.Context, mobile string) error
	Login(ctx context.Context, mobile, password string) (*service.AuthResult, error)
	Refresh(ctx context.Context, refreshToken string) (*auth.TokenPair, error)
	Logout(ctx context.Context, refreshToken string) error
	Me(ctx context.Context, userID string) (*model.User, error)
	UpdateProfile(ctx context.Context, userID string, input service.ProfileInput) (*model.User, error)
	ChangePassword(ctx context.Context, userID, current, next string) error
}

// AuthHandler handles signup, OTP verification, sessions and the account.
type AuthHandler struct {
	svc    AuthAPI
	logger *slog.Logger
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(svc AuthAPI, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{svc: svc, logger: logger}
}

// Signup handles POST /auth/signup.
func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req dto.SignupRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	user, err := h.svc.Signup(r.Context(), service.SignupInput{
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Email:     req.Email,
		Mobile:    req.Mobile,
		DOB:       req.DOB,
		Password:  req.Password,
	})
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, dto.SignupResponse{
		User:        dto.ToUserResponse(user),
		OTPSentTo:   dto.MaskMobile(user.Mobile),
		OTPRequired: true,
	})
}

// VerifyOTP handles POST /auth/verify-otp.
func (h *AuthHandler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req dto.VerifyOTPRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.svc.VerifyOTP(r.Context(), req.Mobile, req.OTP)
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toAuthResponse(result))
}

// ResendOTP handles POST /auth/resend-otp. The response does not reveal
// whether the mobile number is registered.
func (h *AuthHandler) ResendOTP(w http.ResponseWriter, r *http.Request) {
	var req dto.ResendOTPRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.svc.ResendOTP(r.Context(), req.Mobile); err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"sent": true})
}

// Login handles POST /auth/login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req dto.LoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.svc.Login(r.Context(), req.Mobile, req.Password)
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toAuthResponse(result))
}

// Refresh handles POST /auth/refresh-token.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req dto.RefreshRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	tokens, err := h.svc.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.ToTokenResponse(tokens))
}

// Logout handles POST /auth/logout.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	var req dto.RefreshRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.svc.Logout(r.Context(), req.RefreshToken); err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Me handles GET /api/v1/me.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	p := auth.MustPrincipalFromContext(r.Context())

	user, err := h.svc.Me(r.Context(), p.UserID)
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.ToUserResponse(user))
}

// UpdateMe handles PATCH /api/v1/me.
func (h *AuthHandler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	p := auth.MustPrincipalFromContext(r.Context())

	var req dto.UpdateMeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	user, err := h.svc.UpdateProfile(r.Context(), p.UserID, service.ProfileInput{
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Email:     req.Email,
		DOB:       req.DOB,
		PushToken: req.PushToken,
	})
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.ToUserResponse(user))
}

// ChangePassword handles POST /api/v1/me/password. Every refresh session of
// the account is revoked on success.
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	p := auth.MustPrincipalFromContext(r.Context())

	var req dto.ChangePasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.NewPassword != req.ConfirmPassword {
		handleServiceError(w, r, h.logger, &service.ValidationError{Field: "confirm_password", Message: "does not match new_password"})
		return
	}

	if err := h.svc.ChangePassword(r.Context(), p.UserID, req.CurrentPassword, req.NewPassword); err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func toAuthResponse(result *service.AuthResult) *dto.AuthResponse {
	return &dto.AuthResponse{
		User:   dto.ToUserResponse(result.User),
		Tokens: dto.ToTokenResponse(result.Tokens),
	}
}
