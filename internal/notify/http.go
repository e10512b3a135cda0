package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/legacyvault/legacyvault/internal/idgen"
	"github.com/legacyvault/legacyvault/internal/model"
	"github.com/legacyvault/legacyvault/internal/webhook"
)

// gatewayRequest is the JSON body posted to SMS, voice and push gateways.
type gatewayRequest struct {
	DeliveryID string `json:"delivery_id"`
	Channel    string `json:"channel"`
	To         string `json:"to"`
	Subject    string `json:"subject,omitempty"`
	Body       string `json:"body"`
	Template   string `json:"template,omitempty"`
}

type gatewayResponse struct {
	ID string `json:"id"`
}

// HTTPChannel posts signed JSON to a provider gateway.
type HTTPChannel struct {
	kind   model.Channel
	url    string
	secret string
	client *http.Client
	logger *slog.Logger
	now    func() time.Time
}

// NewHTTPChannel creates an HTTPChannel. In strict mode the gateway URL must
// be HTTPS on a public host.
func NewHTTPChannel(kind model.Channel, gatewayURL, secret string, strict bool, client *http.Client, logger *slog.Logger) (*HTTPChannel, error) {
	if err := webhook.ValidateGatewayURL(gatewayURL, strict); err != nil {
		return nil, fmt.Errorf("%s gateway: %w", kind, err)
	}
	if client == nil {
		client = webhook.NewHTTPClient()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPChannel{
		kind:   kind,
		url:    gatewayURL,
		secret: secret,
		client: client,
		logger: logger.With("component", "notify.http", "channel", kind, "gateway", webhook.RedactURL(gatewayURL)),
		now:    time.Now,
	}, nil
}

// Kind implements Channel.
func (c *HTTPChannel) Kind() model.Channel { return c.kind }

// Send implements Channel.
func (c *HTTPChannel) Send(ctx context.Context, msg Message) (Receipt, error) {
	if msg.To == "" {
		return Receipt{}, transportError(c.kind, ErrNoRecipient)
	}

	deliveryID := msg.ID
	if deliveryID == "" {
		deliveryID = idgen.New()
	}
	payload, err := json.Marshal(gatewayRequest{
		DeliveryID: deliveryID,
		Channel:    string(c.kind),
		To:         msg.To,
		Subject:    msg.Subject,
		Body:       msg.Body,
		Template:   msg.Template,
	})
	if err != nil {
		return Receipt{}, transportError(c.kind, fmt.Errorf("marshal: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return Receipt{}, transportError(c.kind, fmt.Errorf("build request: %w", err))
	}
	webhook.SignRequest(req, c.secret, deliveryID, payload, c.now())

	resp, err := c.client.Do(req)
	if err != nil {
		return Receipt{}, transportError(c.kind, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Receipt{}, transportError(c.kind, fmt.Errorf("gateway status %d", resp.StatusCode))
	}

	ref := deliveryID
	var gr gatewayResponse
	if err := json.Unmarshal(body, &gr); err == nil && gr.ID != "" {
		ref = gr.ID
	}
	c.logger.Debug("gateway accepted message", "delivery_id", deliveryID, "provider_ref", ref)
	return Receipt{Channel: c.kind, ProviderRef: ref, SentAt: c.now()}, nil
}
