package dto

import (
	"time"

	"github.com/legacyvault/legacyvault/internal/auth"
	"github.com/legacyvault/legacyvault/internal/model"
)

// SignupRequest represents the request body for creating an account.
type SignupRequest struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Mobile    string `json:"mobile"`
	DOB       string `json:"dob"`
	Password  string `json:"password"`
}

// VerifyOTPRequest represents the request body for verifying a mobile number.
type VerifyOTPRequest struct {
	Mobile string `json:"mobile"`
	OTP    string `json:"otp"`
}

// ResendOTPRequest represents the request body for requesting a new code.
type ResendOTPRequest struct {
	Mobile string `json:"mobile"`
}

// LoginRequest represents the request body for logging in.
type LoginRequest struct {
	Mobile   string `json:"mobile"`
	Password string `json:"password"`
}

// RefreshRequest carries a refresh token for rotation or logout.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// UpdateMeRequest is the editable part of the account. Omitted fields are
// left unchanged; the mobile number is fixed once verified.
type UpdateMeRequest struct {
	FirstName *string `json:"first_name"`
	LastName  *string `json:"last_name"`
	Email     *string `json:"email"`
	DOB       *string `json:"dob"`
	PushToken *string `json:"push_token"`
}

// ChangePasswordRequest represents the password change payload.
type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
	ConfirmPassword string `json:"confirm_password"`
}

// UserResponse represents the account in API responses.
type UserResponse struct {
	ID               string     `json:"id"`
	FirstName        string     `json:"first_name"`
	LastName         string     `json:"last_name"`
	Email            string     `json:"email"`
	Mobile           string     `json:"mobile"`
	DOB              string     `json:"dob"`
	MobileVerified   bool       `json:"mobile_verified"`
	MobileVerifiedAt *time.Time `json:"mobile_verified_at,omitempty"`
	PushEnabled      bool       `json:"push_enabled"`
	LastActiveAt     time.Time  `json:"last_active_at"`
	CreatedAt        time.Time  `json:"created_at"`
}

// TokenResponse represents an issued token pair.
type TokenResponse struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// AuthResponse is a user together with a fresh session.
type AuthResponse struct {
	User   *UserResponse  `json:"user"`
	Tokens *TokenResponse `json:"tokens"`
}

// SignupResponse acknowledges a new, unverified account.
type SignupResponse struct {
	User        *UserResponse `json:"user"`
	OTPSentTo   string        `json:"otp_sent_to"`
	OTPRequired bool          `json:"otp_required"`
}

// ToUserResponse converts a User model to UserResponse DTO.
func ToUserResponse(u *model.User) *UserResponse {
	return &UserResponse{
		ID:               u.ID,
		FirstName:        u.FirstName,
		LastName:         u.LastName,
		Email:            u.Email,
		Mobile:           u.Mobile,
		DOB:              u.DOB.Format(time.DateOnly),
		MobileVerified:   u.IsVerified(),
		MobileVerifiedAt: u.MobileVerifiedAt,
		PushEnabled:      u.PushToken != "",
		LastActiveAt:     u.LastActiveAt,
		CreatedAt:        u.CreatedAt,
	}
}

// ToTokenResponse converts an issued pair to TokenResponse DTO.
func ToTokenResponse(p *auth.TokenPair) *TokenResponse {
	return &TokenResponse{
		AccessToken:      p.AccessToken,
		RefreshToken:     p.RefreshToken,
		TokenType:        "Bearer",
		AccessExpiresAt:  p.AccessExpiresAt,
		RefreshExpiresAt: p.RefreshExpiresAt,
	}
}

// MaskMobile hides all but the last four digits of a phone number.
func MaskMobile(mobile string) string {
	if len(mobile) <= 4 {
		return mobile
	}
	masked := []byte(mobile)
	for i := 1; i < len(masked)-4; i++ {
		masked[i] = '*'
	}
	return string(masked)
}
