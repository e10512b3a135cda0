package auth

import (
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// OTP issues and checks the SMS verification codes. Codes are TOTP values
// derived from a per-user secret, so nothing but the secret is stored.
type OTP struct {
	issuer string
	opts   totp.ValidateOpts
}

// NewOTP creates an OTP with six digits, the given period and a skew of one
// period either side.
func NewOTP(issuer string, period time.Duration) *OTP {
	if period <= 0 {
		period = 5 * time.Minute
	}
	return &OTP{
		issuer: issuer,
		opts: totp.ValidateOpts{
			Period:    uint(period / time.Second),
			Skew:      1,
			Digits:    otp.DigitsSix,
			Algorithm: otp.AlgorithmSHA1,
		},
	}
}

// NewSecret generates a base32 TOTP secret for an account.
func (o *OTP) NewSecret(accountName string) (string, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      o.issuer,
		AccountName: accountName,
		Period:      o.opts.Period,
		Digits:      o.opts.Digits,
		Algorithm:   o.opts.Algorithm,
	})
	if err != nil {
		return "", fmt.Errorf("generate otp secret: %w", err)
	}
	return key.Secret(), nil
}

// Code returns the code valid at t.
func (o *OTP) Code(secret string, t time.Time) (string, error) {
	code, err := totp.GenerateCodeCustom(secret, t, o.opts)
	if err != nil {
		return "", fmt.Errorf("generate otp code: %w", err)
	}
	return code, nil
}

// Validate reports whether code is valid for secret at t.
func (o *OTP) Validate(code, secret string, t time.Time) bool {
	ok, err := totp.ValidateCustom(code, secret, t, o.opts)
	return err == nil && ok
}

// Period returns the code lifetime.
func (o *OTP) Period() time.Duration {
	return time.Duration(o.opts.Period) * time.Second
}
