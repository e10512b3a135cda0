// Package model defines domain entities for the application.
package model

import "time"

// User is an account holder whose activity is monitored.
type User struct {
	ID               string     `json:"id"`
	FirstName        string     `json:"first_name"`
	LastName         string     `json:"last_name"`
	Email            string     `json:"email"`
	Mobile           string     `json:"mobile"`
	DOB              time.Time  `json:"dob"`
	PasswordHash     string     `json:"-"` // Never serialize
	OTPSecret        string     `json:"-"` // Never serialize
	MobileVerifiedAt *time.Time `json:"mobile_verified_at,omitempty"`
	PushToken        string     `json:"-"`
	LastActiveAt     time.Time  `json:"last_active_at"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	DeletedAt        *time.Time `json:"-"`
}

// IsVerified returns true once the mobile number passed OTP verification.
func (u *User) IsVerified() bool {
	return u.MobileVerifiedAt != nil
}

// IsDeleted returns true if the user is soft-deleted.
func (u *User) IsDeleted() bool {
	return u.DeletedAt != nil
}

// FullName joins first and last name.
func (u *User) FullName() string {
	if u.LastName == "" {
		return u.FirstName
	}
	return u.FirstName + " " + u.LastName
}

// ContactFor returns the address used to reach the user on a channel.
// An empty string means the user has no contact for that channel.
func (u *User) ContactFor(ch Channel) string {
	switch ch {
	case ChannelEmail:
		return u.Email
	case ChannelSMS, ChannelVoice:
		return u.Mobile
	case ChannelPush:
		return u.PushToken
	default:
		return ""
	}
}
