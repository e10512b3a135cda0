package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
)

// Opaque link tokens are embedded in check-in and disclosure links.
// Format: lv_{kind}_{43 base64url chars}
// Example: lv_ci_Q2hlY2staW4gcmVzcG9uc2UgdG9rZW4gZXhhbXBsZSEh
//
// Only the SHA-256 of a token is stored, so a database leak does not expose
// live links.
const (
	// TokenKindCheckIn authenticates a response to a check-in probe.
	TokenKindCheckIn = "ci"
	// TokenKindDisclosure grants a nominee access to a released asset.
	TokenKindDisclosure = "ds"

	tokenSecretBytes = 32
)

var (
	// ErrInvalidTokenFormat indicates the token format is invalid.
	ErrInvalidTokenFormat = errors.New("invalid token format")

	tokenFormatRegex = regexp.MustCompile(`^lv_(ci|ds)_([A-Za-z0-9_-]{43})$`)
)

// GeneratedToken is a freshly minted link token.
type GeneratedToken struct {
	Plaintext string // Sent to the recipient only
	Hash      string // SHA-256 hex, stored
}

// GenerateToken mints a link token of the given kind.
func GenerateToken(kind string) (*GeneratedToken, error) {
	if kind != TokenKindCheckIn && kind != TokenKindDisclosure {
		return nil, fmt.Errorf("unknown token kind %q", kind)
	}

	secret := make([]byte, tokenSecretBytes)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}
	plaintext := "lv_" + kind + "_" + base64.RawURLEncoding.EncodeToString(secret)

	return &GeneratedToken{
		Plaintext: plaintext,
		Hash:      HashToken(plaintext),
	}, nil
}

// HashToken returns the storage hash of a link token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// ParseToken validates the format and returns the token kind.
func ParseToken(token string) (string, error) {
	m := tokenFormatRegex.FindStringSubmatch(token)
	if m == nil {
		return "", ErrInvalidTokenFormat
	}
	return m[1], nil
}
