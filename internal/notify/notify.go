// Package notify delivers check-ins, OTP codes and release notices over the
// configured transports (email, SMS, voice and push).
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/legacyvault/legacyvault/internal/model"
)

// ErrNoRecipient means the recipient has no address for the channel.
var ErrNoRecipient = errors.New("no recipient for channel")

// Message is a rendered notification addressed to one recipient.
type Message struct {
	ID       string
	To       string
	Subject  string
	Body     string
	Template string
}

// Receipt is the provider acknowledgement of a sent message.
type Receipt struct {
	Channel     model.Channel
	ProviderRef string
	SentAt      time.Time
}

// Channel sends messages over one transport. Failures are returned as
// *model.TransportError.
type Channel interface {
	Kind() model.Channel
	Send(ctx context.Context, msg Message) (Receipt, error)
}

func transportError(ch model.Channel, err error) error {
	var te *model.TransportError
	if errors.As(err, &te) {
		return err
	}
	return &model.TransportError{Channel: ch, Err: err}
}
