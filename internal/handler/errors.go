package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/legacyvault/legacyvault/internal/disclosure"
	"github.com/legacyvault/legacyvault/internal/handler/dto"
	"github.com/legacyvault/legacyvault/internal/middleware"
	"github.com/legacyvault/legacyvault/internal/model"
	"github.com/legacyvault/legacyvault/internal/service"
)

// Policy violation rules that describe the case state rather than the input.
var stateRules = map[string]bool{
	"case_state":               true,
	"post_confirmation_cancel": true,
}

// handleServiceError maps service and domain errors to HTTP responses.
// Anything unrecognized is logged and reported as 500.
func handleServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var (
		validation *service.ValidationError
		limited    *service.RateLimitError
		violation  *model.PolicyViolation
	)

	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, dto.ErrorResponse{
			Error: validation.Message,
			Code:  "VALIDATION_FAILED",
			Field: validation.Field,
		})

	case errors.As(err, &limited):
		secs := int(limited.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeError(w, http.StatusTooManyRequests, "TOO_MANY_ATTEMPTS", "Too many attempts, try again later")

	case errors.Is(err, service.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid mobile or password")
	case errors.Is(err, service.ErrInvalidRefreshToken):
		writeError(w, http.StatusUnauthorized, "INVALID_REFRESH_TOKEN", "Refresh token is invalid or expired")
	case errors.Is(err, service.ErrInvalidOTP):
		writeError(w, http.StatusBadRequest, "INVALID_OTP", "Invalid or expired code")
	case errors.Is(err, service.ErrNotVerified):
		writeError(w, http.StatusForbidden, "NOT_VERIFIED", "Mobile number is not verified")
	case errors.Is(err, service.ErrAlreadyVerified):
		writeError(w, http.StatusConflict, "ALREADY_VERIFIED", "Mobile number is already verified")

	case errors.Is(err, service.ErrEmailExists):
		writeError(w, http.StatusConflict, "EMAIL_EXISTS", "Email already registered")
	case errors.Is(err, service.ErrMobileExists):
		writeError(w, http.StatusConflict, "MOBILE_EXISTS", "Mobile already registered")
	case errors.Is(err, service.ErrAssetRefExists):
		writeError(w, http.StatusConflict, "ASSET_REF_EXISTS", "Asset reference already exists")

	case errors.Is(err, service.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "USER_NOT_FOUND", "User not found")
	case errors.Is(err, service.ErrCaseNotFound):
		writeError(w, http.StatusNotFound, "CASE_NOT_FOUND", "Inactivity case not found")
	case errors.Is(err, service.ErrNomineeNotFound):
		writeError(w, http.StatusNotFound, "NOMINEE_NOT_FOUND", "Nominee not found")
	case errors.Is(err, service.ErrAssetNotFound):
		writeError(w, http.StatusNotFound, "ASSET_NOT_FOUND", "Asset not found")
	case errors.Is(err, service.ErrEntryNotFound):
		writeError(w, http.StatusNotFound, "ENTRY_NOT_FOUND", "Ledger entry not found")
	case errors.Is(err, service.ErrInvalidCheckInToken):
		writeError(w, http.StatusNotFound, "CHECK_IN_NOT_FOUND", "Check-in link is invalid or expired")
	case errors.Is(err, disclosure.ErrGrantNotFound):
		writeError(w, http.StatusNotFound, "DISCLOSURE_NOT_FOUND", "Disclosure not found")

	case errors.Is(err, disclosure.ErrVerificationRequired):
		writeError(w, http.StatusForbidden, "VERIFICATION_REQUIRED", "Identity verification is required")
	case errors.Is(err, model.ErrForbidden):
		logger.Warn("forbidden",
			slog.String("error", err.Error()),
			slog.String("endpoint", r.Method+" "+middleware.RedactPath(r.URL.Path)),
		)
		writeError(w, http.StatusForbidden, "FORBIDDEN", "You may not access this resource")

	case errors.As(err, &violation):
		if stateRules[violation.Rule] {
			writeJSON(w, http.StatusConflict, dto.ErrorResponse{
				Error: violation.Detail,
				Code:  "INVALID_STATE",
				Field: violation.Rule,
			})
			return
		}
		writeJSON(w, http.StatusUnprocessableEntity, dto.ErrorResponse{
			Error: violation.Detail,
			Code:  "POLICY_VIOLATION",
			Field: violation.Rule,
		})
	case errors.Is(err, model.ErrDuplicateCase):
		writeError(w, http.StatusConflict, "DUPLICATE_CASE", "An inactivity case is already open")

	case errors.Is(err, disclosure.ErrNoObjectStore):
		writeError(w, http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "Object storage is not configured")

	default:
		logger.Error("internal_error",
			slog.String("error", err.Error()),
			slog.String("endpoint", r.Method+" "+middleware.RedactPath(r.URL.Path)),
		)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An internal error occurred")
	}
}
