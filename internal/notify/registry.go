package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/legacyvault/legacyvault/internal/model"
)

// Registry maps channel kinds to adapters.
type Registry struct {
	mu       sync.RWMutex
	channels map[model.Channel]Channel
}

// NewRegistry creates a Registry holding channels.
func NewRegistry(channels ...Channel) *Registry {
	r := &Registry{channels: make(map[model.Channel]Channel)}
	for _, ch := range channels {
		r.Register(ch)
	}
	return r
}

// Register adds or replaces the adapter for ch.Kind().
func (r *Registry) Register(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[ch.Kind()] = ch
}

// Get returns the adapter for kind.
func (r *Registry) Get(kind model.Channel) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[kind]
	return ch, ok
}

// Kinds returns the registered channel kinds in model.ValidChannels order.
func (r *Registry) Kinds() []model.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var kinds []model.Channel
	for _, k := range model.ValidChannels {
		if _, ok := r.channels[k]; ok {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// Send sends msg over kind. An unregistered kind is a transport error.
func (r *Registry) Send(ctx context.Context, kind model.Channel, msg Message) (Receipt, error) {
	ch, ok := r.Get(kind)
	if !ok {
		return Receipt{}, transportError(kind, fmt.Errorf("channel not configured"))
	}
	return ch.Send(ctx, msg)
}

// UserRecipient returns the user's address on kind, or "".
func UserRecipient(u *model.User, kind model.Channel) string {
	return u.ContactFor(kind)
}

// NomineeRecipient returns the nominee's address on kind, or "".
// Nominees are reached by email, SMS or voice only.
func NomineeRecipient(n *model.Nominee, kind model.Channel) string {
	switch kind {
	case model.ChannelEmail:
		return n.Email
	case model.ChannelSMS, model.ChannelVoice:
		return n.Phone
	default:
		return ""
	}
}
