package webhook

import (
	"net"
	"net/http"
	"time"
)

const (
	// ClientTimeout is the total request timeout.
	ClientTimeout = 15 * time.Second
	// DialTimeout is the connection timeout.
	DialTimeout = 5 * time.Second
	// TLSHandshakeTimeout is the TLS negotiation timeout.
	TLSHandshakeTimeout = 5 * time.Second
	// ResponseHeaderTimeout is time to wait for response headers.
	ResponseHeaderTimeout = 10 * time.Second
)

// NewHTTPClient creates an HTTP client for gateway calls. It never follows
// redirects.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Timeout: ClientTimeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   DialTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   TLSHandshakeTimeout,
			ResponseHeaderTimeout: ResponseHeaderTimeout,
			MaxIdleConns:          50,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Headers are the authentication headers of a signed request.
type Headers struct {
	Signature  string
	Timestamp  string
	DeliveryID string
}

// Header names for signed requests.
const (
	HeaderSignature  = "X-LegacyVault-Signature"
	HeaderTimestamp  = "X-LegacyVault-Timestamp"
	HeaderDeliveryID = "X-LegacyVault-Delivery-Id"
)

// SetHeaders applies signed-request headers.
func SetHeaders(req *http.Request, h Headers) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, h.Signature)
	req.Header.Set(HeaderTimestamp, h.Timestamp)
	if h.DeliveryID != "" {
		req.Header.Set(HeaderDeliveryID, h.DeliveryID)
	}
	req.Header.Set("User-Agent", "LegacyVault-Gateway/1.0")
}
