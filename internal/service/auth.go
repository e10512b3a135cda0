package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"regexp"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/legacyvault/legacyvault/internal/auth"
	"github.com/legacyvault/legacyvault/internal/cache"
	"github.com/legacyvault/legacyvault/internal/idgen"
	"github.com/legacyvault/legacyvault/internal/metrics"
	"github.com/legacyvault/legacyvault/internal/model"
	"github.com/legacyvault/legacyvault/internal/notify"
	"github.com/legacyvault/legacyvault/internal/repository"
)

const (
	minPasswordLength = 8
	maxPasswordLength = 128
	maxNameLength     = 100
	maxPushToken      = 4096
	minAge            = 18
	dobLayout         = "2006-01-02"

	counterScopeVerify = "verify"
	counterScopeResend = "resend"
)

var mobileRegex = regexp.MustCompile(`^\+[1-9][0-9]{7,14}$`)

// UserStore persists accounts.
type UserStore interface {
	CreateUser(ctx context.Context, user *model.User, policy *model.InactivityPolicy) error
	GetUserByID(ctx context.Context, id string) (*model.User, error)
	GetUserByMobile(ctx context.Context, mobile string) (*model.User, error)
	MarkMobileVerified(ctx context.Context, userID string, at time.Time) error
	UpdateProfile(ctx context.Context, user *model.User) error
	UpdatePasswordHash(ctx context.Context, userID, hash string, at time.Time) error
}

// SessionStore tracks live refresh tokens by jti.
type SessionStore interface {
	StoreSession(ctx context.Context, jti, userID string, ttl time.Duration) error
	SessionOwner(ctx context.Context, jti string) (string, error)
	RotateSession(ctx context.Context, oldJTI, newJTI, userID string, ttl time.Duration) (bool, error)
	RevokeSession(ctx context.Context, jti string) error
	RevokeAllSessions(ctx context.Context, userID string) (int, error)
}

// AttemptCounter limits OTP verification and resend attempts per mobile.
type AttemptCounter interface {
	Hit(ctx context.Context, scope, subject string, limit int, window time.Duration) (*cache.CounterResult, error)
	ResetCounter(ctx context.Context, scope, subject string) error
}

// ActionRecorder records explicit signs of life.
type ActionRecorder interface {
	RecordUserAction(ctx context.Context, userID, action string, at time.Time) (*model.InactivityCase, error)
}

// AuthConfig holds the tunables of AuthService.
type AuthConfig struct {
	DefaultPolicy model.InactivityPolicy
	ResendLimit   int
	ResendWindow  time.Duration
	VerifyLimit   int
	VerifyWindow  time.Duration
}

// AuthService handles signup, OTP verification and sessions.
type AuthService struct {
	users     UserStore
	sessions  SessionStore
	counter   AttemptCounter
	actions   ActionRecorder
	issuer    *auth.TokenIssuer
	otp       *auth.OTP
	registry  *notify.Registry
	templates *notify.Templates
	cfg       AuthConfig
	metrics   metrics.Recorder
	logger    *slog.Logger
	now       func() time.Time
}

// NewAuthService creates an AuthService.
func NewAuthService(
	users UserStore,
	sessions SessionStore,
	counter AttemptCounter,
	actions ActionRecorder,
	issuer *auth.TokenIssuer,
	otp *auth.OTP,
	registry *notify.Registry,
	templates *notify.Templates,
	cfg AuthConfig,
	logger *slog.Logger,
) *AuthService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthService{
		users:     users,
		sessions:  sessions,
		counter:   counter,
		actions:   actions,
		issuer:    issuer,
		otp:       otp,
		registry:  registry,
		templates: templates,
		cfg:       cfg,
		metrics:   metrics.NewNoop(),
		logger:    logger.With("component", "auth"),
		now:       time.Now,
	}
}

// SetMetrics sets the recorder for login side effects.
func (s *AuthService) SetMetrics(recorder metrics.Recorder) {
	if recorder != nil {
		s.metrics = recorder
	}
}

// SetClock overrides the clock. Used in tests.
func (s *AuthService) SetClock(now func() time.Time) {
	s.now = now
}

func (s *AuthService) clock() time.Time {
	return s.now().UTC()
}

// SignupInput defines input for creating an account.
type SignupInput struct {
	FirstName string
	LastName  string
	Email     string
	Mobile    string
	DOB       string
	Password  string
}

// AuthResult is a user together with a fresh token pair.
type AuthResult struct {
	User   *model.User
	Tokens *auth.TokenPair
}

// Signup creates an unverified account with the default inactivity policy
// and sends the first OTP by SMS.
func (s *AuthService) Signup(ctx context.Context, input SignupInput) (*model.User, error) {
	now := s.clock()

	dob, err := validateSignup(&input, now)
	if err != nil {
		return nil, err
	}

	hash, err := auth.HashPassword(input.Password)
	if err != nil {
		return nil, err
	}
	secret, err := s.otp.NewSecret(input.Mobile)
	if err != nil {
		return nil, err
	}

	user := &model.User{
		ID:           idgen.NewAt(now),
		FirstName:    input.FirstName,
		LastName:     input.LastName,
		Email:        input.Email,
		Mobile:       input.Mobile,
		DOB:          dob,
		PasswordHash: hash,
		OTPSecret:    secret,
		LastActiveAt: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	policy := s.cfg.DefaultPolicy
	policy.Channels = slices.Clone(policy.Channels)
	policy.UpdatedAt = now

	if err := s.users.CreateUser(ctx, user, &policy); err != nil {
		switch {
		case errors.Is(err, repository.ErrEmailExists):
			return nil, ErrEmailExists
		case errors.Is(err, repository.ErrMobileExists):
			return nil, ErrMobileExists
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	if err := s.sendOTP(ctx, user, now); err != nil {
		// The account exists; the client can ask for a resend.
		s.logger.Warn("failed to send signup otp", "user_id", user.ID, "error", err)
	}

	s.logger.Info("user signed up", "user_id", user.ID)
	return user, nil
}

func validateSignup(input *SignupInput, now time.Time) (time.Time, error) {
	input.FirstName = strings.TrimSpace(input.FirstName)
	input.LastName = strings.TrimSpace(input.LastName)
	input.Email = strings.ToLower(strings.TrimSpace(input.Email))
	input.Mobile = strings.TrimSpace(input.Mobile)

	if err := validateName("first_name", input.FirstName); err != nil {
		return time.Time{}, err
	}
	if err := validateName("last_name", input.LastName); err != nil {
		return time.Time{}, err
	}
	if addr, err := mail.ParseAddress(input.Email); err != nil || addr.Address != input.Email {
		return time.Time{}, invalid("email", "must be a valid email address")
	}
	if !mobileRegex.MatchString(input.Mobile) {
		return time.Time{}, invalid("mobile", "must be in E.164 format")
	}

	dob, err := parseDOB(input.DOB, now)
	if err != nil {
		return time.Time{}, err
	}
	if err := validatePassword("password", input.Password); err != nil {
		return time.Time{}, err
	}
	return dob, nil
}

func parseDOB(v string, now time.Time) (time.Time, error) {
	dob, err := time.Parse(dobLayout, strings.TrimSpace(v))
	if err != nil {
		return time.Time{}, invalid("dob", "must be YYYY-MM-DD")
	}
	if dob.AddDate(minAge, 0, 0).After(now) {
		return time.Time{}, invalid("dob", fmt.Sprintf("must be at least %d years old", minAge))
	}
	return dob, nil
}

func validatePassword(field, v string) error {
	if len(v) < minPasswordLength {
		return invalid(field, fmt.Sprintf("must be at least %d characters", minPasswordLength))
	}
	if len(v) > maxPasswordLength {
		return invalid(field, fmt.Sprintf("must be at most %d characters", maxPasswordLength))
	}
	return nil
}

func validateName(field, v string) error {
	if v == "" {
		return invalid(field, "is required")
	}
	if utf8.RuneCountInString(v) > maxNameLength {
		return invalid(field, fmt.Sprintf("must be at most %d characters", maxNameLength))
	}
	return nil
}

func (s *AuthService) sendOTP(ctx context.Context, user *model.User, now time.Time) error {
	code, err := s.otp.Code(user.OTPSecret, now)
	if err != nil {
		return err
	}
	msg, err := s.templates.Message(notify.TemplateOTP, model.ChannelSMS, user.Mobile, notify.OTPData{
		Code:    code,
		Minutes: int(s.otp.Period() / time.Minute),
	})
	if err != nil {
		return err
	}
	msg.ID = idgen.NewAt(now)
	if _, err := s.registry.Send(ctx, model.ChannelSMS, msg); err != nil {
		return err
	}
	return nil
}

func (s *AuthService) hit(ctx context.Context, scope, mobile string, limit int, window time.Duration) error {
	res, err := s.counter.Hit(ctx, scope, mobile, limit, window)
	if err != nil {
		return fmt.Errorf("check %s limit: %w", scope, err)
	}
	if !res.Allowed {
		return &RateLimitError{RetryAfter: res.RetryAfter}
	}
	return nil
}

// VerifyOTP checks the SMS code, marks the mobile verified and starts a session.
func (s *AuthService) VerifyOTP(ctx context.Context, mobile, code string) (*AuthResult, error) {
	mobile = strings.TrimSpace(mobile)
	if err := s.hit(ctx, counterScopeVerify, mobile, s.cfg.VerifyLimit, s.cfg.VerifyWindow); err != nil {
		return nil, err
	}

	user, err := s.users.GetUserByMobile(ctx, mobile)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrInvalidOTP
		}
		return nil, err
	}
	if user.IsVerified() {
		return nil, ErrAlreadyVerified
	}

	now := s.clock()
	if !s.otp.Validate(strings.TrimSpace(code), user.OTPSecret, now) {
		return nil, ErrInvalidOTP
	}

	if err := s.users.MarkMobileVerified(ctx, user.ID, now); err != nil {
		return nil, err
	}
	user.MobileVerifiedAt = &now
	if err := s.counter.ResetCounter(ctx, counterScopeVerify, mobile); err != nil {
		s.logger.Warn("failed to reset otp counter", "user_id", user.ID, "error", err)
	}

	tokens, err := s.startSession(ctx, user)
	if err != nil {
		return nil, err
	}
	s.logger.Info("mobile verified", "user_id", user.ID)
	return &AuthResult{User: user, Tokens: tokens}, nil
}

// ResendOTP sends a new code. Unknown mobiles are accepted silently.
func (s *AuthService) ResendOTP(ctx context.Context, mobile string) error {
	mobile = strings.TrimSpace(mobile)
	if !mobileRegex.MatchString(mobile) {
		return invalid("mobile", "must be in E.164 format")
	}
	if err := s.hit(ctx, counterScopeResend, mobile, s.cfg.ResendLimit, s.cfg.ResendWindow); err != nil {
		return err
	}

	user, err := s.users.GetUserByMobile(ctx, mobile)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil
		}
		return err
	}
	if user.IsVerified() {
		return ErrAlreadyVerified
	}
	return s.sendOTP(ctx, user, s.clock())
}

// Login checks the password of a verified user and starts a session. A login
// is an explicit sign of life and closes any open inactivity case.
func (s *AuthService) Login(ctx context.Context, mobile, password string) (*AuthResult, error) {
	user, err := s.users.GetUserByMobile(ctx, strings.TrimSpace(mobile))
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			auth.VerifyDummy(password)
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	ok, err := auth.VerifyPassword(password, user.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("verify password: %w", err)
	}
	if !ok {
		return nil, ErrInvalidCredentials
	}
	if !user.IsVerified() {
		return nil, ErrNotVerified
	}

	tokens, err := s.startSession(ctx, user)
	if err != nil {
		return nil, err
	}

	// The login itself succeeds; the case is re-evaluated on the next sign of life.
	if _, err := s.actions.RecordUserAction(ctx, user.ID, model.CloseReasonLogin, s.clock()); err != nil {
		s.metrics.IncUserActionFailed(model.CloseReasonLogin)
		s.logger.Error("failed to record login as user action", "user_id", user.ID, "error", err)
	}
	return &AuthResult{User: user, Tokens: tokens}, nil
}

func (s *AuthService) startSession(ctx context.Context, user *model.User) (*auth.TokenPair, error) {
	tokens, err := s.issuer.Issue(user.ID, user.IsVerified())
	if err != nil {
		return nil, err
	}
	if err := s.sessions.StoreSession(ctx, tokens.RefreshID, user.ID, s.issuer.RefreshTTL()); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}
	return tokens, nil
}

// Refresh rotates a refresh token. A refresh token can be used once.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*auth.TokenPair, error) {
	claims, err := s.issuer.Parse(refreshToken, auth.TokenTypeRefresh)
	if err != nil {
		return nil, ErrInvalidRefreshToken
	}

	owner, err := s.sessions.SessionOwner(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if owner == "" || owner != claims.Subject {
		return nil, ErrInvalidRefreshToken
	}

	user, err := s.users.GetUserByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrInvalidRefreshToken
		}
		return nil, err
	}

	tokens, err := s.issuer.Issue(user.ID, user.IsVerified())
	if err != nil {
		return nil, err
	}
	rotated, err := s.sessions.RotateSession(ctx, claims.ID, tokens.RefreshID, user.ID, s.issuer.RefreshTTL())
	if err != nil {
		return nil, fmt.Errorf("rotate session: %w", err)
	}
	if !rotated {
		s.logger.Warn("refresh token reused", "user_id", user.ID, "jti", claims.ID)
		return nil, ErrInvalidRefreshToken
	}
	return tokens, nil
}

// Logout revokes a refresh token.
func (s *AuthService) Logout(ctx context.Context, refreshToken string) error {
	claims, err := s.issuer.Parse(refreshToken, auth.TokenTypeRefresh)
	if err != nil {
		return ErrInvalidRefreshToken
	}
	return s.sessions.RevokeSession(ctx, claims.ID)
}

// Me returns the authenticated user.
func (s *AuthService) Me(ctx context.Context, userID string) (*model.User, error) {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return user, nil
}

// ProfileInput holds a partial account update. Nil fields are left alone.
type ProfileInput struct {
	FirstName *string
	LastName  *string
	Email     *string
	DOB       *string
	// PushToken is the device token used by the push channel. An empty
	// token disables push.
	PushToken *string
}

// UpdateProfile applies a partial account update. The mobile number is the
// login identity and cannot be changed here.
func (s *AuthService) UpdateProfile(ctx context.Context, userID string, input ProfileInput) (*model.User, error) {
	user, err := s.Me(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := s.clock()

	if input.FirstName != nil {
		v := strings.TrimSpace(*input.FirstName)
		if err := validateName("first_name", v); err != nil {
			return nil, err
		}
		user.FirstName = v
	}
	if input.LastName != nil {
		v := strings.TrimSpace(*input.LastName)
		if err := validateName("last_name", v); err != nil {
			return nil, err
		}
		user.LastName = v
	}
	if input.Email != nil {
		v := strings.ToLower(strings.TrimSpace(*input.Email))
		if addr, err := mail.ParseAddress(v); err != nil || addr.Address != v {
			return nil, invalid("email", "must be a valid email address")
		}
		user.Email = v
	}
	if input.DOB != nil {
		dob, err := parseDOB(*input.DOB, now)
		if err != nil {
			return nil, err
		}
		user.DOB = dob
	}
	if input.PushToken != nil {
		v := strings.TrimSpace(*input.PushToken)
		if len(v) > maxPushToken {
			return nil, invalid("push_token", "too long")
		}
		user.PushToken = v
	}
	user.UpdatedAt = now

	if err := s.users.UpdateProfile(ctx, user); err != nil {
		switch {
		case errors.Is(err, repository.ErrUserNotFound):
			return nil, ErrUserNotFound
		case errors.Is(err, repository.ErrEmailExists):
			return nil, ErrEmailExists
		}
		return nil, err
	}
	return user, nil
}

// ChangePassword replaces the password after checking the current one and
// revokes every refresh token of the user. Access tokens already issued stay
// valid until they expire.
func (s *AuthService) ChangePassword(ctx context.Context, userID, current, next string) error {
	user, err := s.Me(ctx, userID)
	if err != nil {
		return err
	}

	ok, err := auth.VerifyPassword(current, user.PasswordHash)
	if err != nil {
		return fmt.Errorf("verify password: %w", err)
	}
	if !ok {
		return invalid("current_password", "is incorrect")
	}
	if err := validatePassword("new_password", next); err != nil {
		return err
	}
	if next == current {
		return invalid("new_password", "must differ from the current password")
	}

	hash, err := auth.HashPassword(next)
	if err != nil {
		return err
	}
	if err := s.users.UpdatePasswordHash(ctx, userID, hash, s.clock()); err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return ErrUserNotFound
		}
		return err
	}

	revoked, err := s.sessions.RevokeAllSessions(ctx, userID)
	if err != nil {
		return fmt.Errorf("revoke sessions: %w", err)
	}
	s.logger.Info("password changed", "user_id", userID, "sessions_revoked", revoked)
	return nil
}
