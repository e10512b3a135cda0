package notify

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/legacyvault/legacyvault/internal/model"
)

// Throttle limits the send rate of a channel to stay inside provider quotas.
// Send blocks until a token is available or ctx is done.
type Throttle struct {
	next    Channel
	limiter *rate.Limiter
}

// NewThrottle wraps next with a limiter of perSecond sends and burst.
func NewThrottle(next Channel, perSecond float64, burst int) *Throttle {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	return &Throttle{next: next, limiter: rate.NewLimiter(limit, burst)}
}

// Kind implements Channel.
func (t *Throttle) Kind() model.Channel { return t.next.Kind() }

// Send implements Channel.
func (t *Throttle) Send(ctx context.Context, msg Message) (Receipt, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return Receipt{}, transportError(t.next.Kind(), err)
	}
	return t.next.Send(ctx, msg)
}
