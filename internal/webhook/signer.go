// Package webhook signs and verifies the HMAC-authenticated HTTP calls
// exchanged with external gateways: outbound SMS, voice and push requests,
// and inbound identity callbacks. It also owns the shared retry schedule.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

var (
	// ErrReplayWindowExceeded is returned when timestamp is outside replay window.
	ErrReplayWindowExceeded = errors.New("timestamp outside replay window")
	// ErrInvalidSignature is returned when signature verification fails.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrMissingHeaders is returned when a signed request lacks its headers.
	ErrMissingHeaders = errors.New("missing signature headers")
)

const (
	// DefaultReplayWindow is the default replay protection window.
	DefaultReplayWindow = 5 * time.Minute

	// MaxSignedBodyBytes bounds the body read by VerifyRequest.
	MaxSignedBodyBytes = 64 << 10
)

// GenerateSignature creates the HMAC-SHA256 signature of a payload.
// The canonical string format is: "{timestamp}.{payload}"
func GenerateSignature(secret string, timestamp int64, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte{'.'})
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// ValidateSignature verifies a signature with replay protection relative to now.
func ValidateSignature(secret, signature string, timestamp int64, payload []byte, replayWindow time.Duration, now time.Time) error {
	if abs(now.Unix()-timestamp) > int64(replayWindow.Seconds()) {
		return ErrReplayWindowExceeded
	}

	expected := GenerateSignature(secret, timestamp, payload)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}

// SignRequest sets the signature, timestamp and delivery id headers on an
// outbound request carrying payload.
func SignRequest(req *http.Request, secret, deliveryID string, payload []byte, now time.Time) {
	ts := now.Unix()
	SetHeaders(req, Headers{
		Signature:  GenerateSignature(secret, ts, payload),
		Timestamp:  strconv.FormatInt(ts, 10),
		DeliveryID: deliveryID,
	})
}

// VerifyRequest reads and authenticates the body of an inbound signed
// request. The body is returned only when the signature is valid.
func VerifyRequest(r *http.Request, secret string, replayWindow time.Duration, now time.Time) ([]byte, error) {
	sig := r.Header.Get(HeaderSignature)
	tsRaw := r.Header.Get(HeaderTimestamp)
	if sig == "" || tsRaw == "" {
		return nil, ErrMissingHeaders
	}
	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad timestamp", ErrMissingHeaders)
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxSignedBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if err := ValidateSignature(secret, sig, ts, body, replayWindow, now); err != nil {
		return nil, err
	}
	return body, nil
}

func abs(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}
