package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/legacyvault/legacyvault/internal/idgen"
	"github.com/legacyvault/legacyvault/internal/model"
)

// LogChannel writes messages to the log instead of sending them.
// Development only.
type LogChannel struct {
	kind   model.Channel
	logger *slog.Logger
}

// NewLogChannel creates a LogChannel for kind.
func NewLogChannel(kind model.Channel, logger *slog.Logger) *LogChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogChannel{kind: kind, logger: logger.With("component", "notify.log")}
}

// Kind implements Channel.
func (c *LogChannel) Kind() model.Channel { return c.kind }

// Send implements Channel.
func (c *LogChannel) Send(ctx context.Context, msg Message) (Receipt, error) {
	if msg.To == "" {
		return Receipt{}, transportError(c.kind, ErrNoRecipient)
	}
	ref := "log-" + idgen.New()
	c.logger.Info("notification",
		"channel", c.kind,
		"to", msg.To,
		"template", msg.Template,
		"subject", msg.Subject,
		"body", msg.Body,
		"provider_ref", ref,
	)
	return Receipt{Channel: c.kind, ProviderRef: ref, SentAt: time.Now()}, nil
}
