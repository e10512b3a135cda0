// Package service provides business logic for the application.
package service

import (
	"errors"
	"fmt"
	"time"
)

// Service errors.
var (
	ErrValidation          = errors.New("validation failed")
	ErrInvalidCredentials  = errors.New("invalid mobile or password")
	ErrNotVerified         = errors.New("mobile number is not verified")
	ErrAlreadyVerified     = errors.New("mobile number is already verified")
	ErrInvalidOTP          = errors.New("invalid or expired code")
	ErrTooManyAttempts     = errors.New("too many attempts")
	ErrEmailExists         = errors.New("email already registered")
	ErrMobileExists        = errors.New("mobile already registered")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	ErrUserNotFound        = errors.New("user not found")
	ErrCaseNotFound        = errors.New("inactivity case not found")
	ErrNomineeNotFound     = errors.New("nominee not found")
	ErrAssetNotFound       = errors.New("asset not found")
	ErrAssetRefExists      = errors.New("asset reference already exists")
	ErrInvalidCheckInToken = errors.New("invalid check-in token")
	ErrEntryNotFound       = errors.New("ledger entry not found")
)

// ValidationError reports a rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Is lets errors.Is(err, ErrValidation) match.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// RateLimitError is returned when a per-subject counter is exhausted.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("too many attempts, retry after %s", e.RetryAfter.Round(time.Second))
}

// Is lets errors.Is(err, ErrTooManyAttempts) match.
func (e *RateLimitError) Is(target error) bool { return target == ErrTooManyAttempts }
