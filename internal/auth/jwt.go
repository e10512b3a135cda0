package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/legacyvault/legacyvault/internal/idgen"
)

// Token types carried in the typ claim.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

var (
	// ErrInvalidToken is returned for malformed, expired or badly signed tokens.
	ErrInvalidToken = errors.New("invalid token")
	// ErrWrongTokenType is returned when a refresh token is used as access or vice versa.
	ErrWrongTokenType = errors.New("wrong token type")
)

// Claims are the JWT claims of access and refresh tokens.
type Claims struct {
	Type     string `json:"typ"`
	Verified bool   `json:"mv,omitempty"`
	jwt.RegisteredClaims
}

// TokenPair is an access token and its refresh token.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	RefreshID        string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// TokenIssuer signs and parses HS256 session tokens.
type TokenIssuer struct {
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewTokenIssuer creates a TokenIssuer.
func NewTokenIssuer(secret, issuer string, accessTTL, refreshTTL time.Duration) *TokenIssuer {
	if accessTTL <= 0 {
		accessTTL = 15 * time.Minute
	}
	if refreshTTL <= 0 {
		refreshTTL = 30 * 24 * time.Hour
	}
	return &TokenIssuer{
		secret:     []byte(secret),
		issuer:     issuer,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}
}

// SetClock overrides the clock. Used in tests.
func (i *TokenIssuer) SetClock(now func() time.Time) {
	i.now = now
}

// RefreshTTL returns the lifetime of refresh tokens.
func (i *TokenIssuer) RefreshTTL() time.Duration {
	return i.refreshTTL
}

// Issue signs a new access/refresh pair for a user.
func (i *TokenIssuer) Issue(userID string, verified bool) (*TokenPair, error) {
	now := i.now().UTC()

	access, accessExp, _, err := i.sign(userID, verified, TokenTypeAccess, now, i.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, refreshExp, jti, err := i.sign(userID, verified, TokenTypeRefresh, now, i.refreshTTL)
	if err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		RefreshID:        jti,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

func (i *TokenIssuer) sign(userID string, verified bool, typ string, now time.Time, ttl time.Duration) (string, time.Time, string, error) {
	exp := now.Add(ttl)
	jti := idgen.NewAt(now)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Type:     typ,
		Verified: verified,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   userID,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, "", fmt.Errorf("sign %s token: %w", typ, err)
	}
	return signed, exp, jti, nil
}

// Parse validates a token and checks its type.
func (i *TokenIssuer) Parse(tokenString, wantType string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" || claims.ID == "" {
		return nil, ErrInvalidToken
	}
	if claims.Type != wantType {
		return nil, ErrWrongTokenType
	}
	return claims, nil
}
