package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/legacyvault/legacyvault/internal/metrics"
)

const (
	// DefaultBufferSize is the number of heartbeats held before dropping.
	DefaultBufferSize = 1024

	// PublishTimeout is the max time to wait for one Redis publish.
	PublishTimeout = 100 * time.Millisecond

	publishWorkers = 2
)

// streamAdder is the subset of the Redis client the publisher uses.
type streamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// Publisher enqueues heartbeats to the Redis stream without blocking the
// request path. When the buffer is full heartbeats are dropped and counted.
type Publisher struct {
	redis   streamAdder
	logger  *slog.Logger
	metrics metrics.Recorder
	buffer  chan Heartbeat

	startOnce sync.Once
	wg        sync.WaitGroup
}

// NewPublisher creates a heartbeat publisher. Call Start before Publish.
func NewPublisher(client streamAdder, logger *slog.Logger, recorder metrics.Recorder, bufferSize int) *Publisher {
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Publisher{
		redis:   client,
		logger:  logger.With("component", "activity.publisher"),
		metrics: recorder,
		buffer:  make(chan Heartbeat, bufferSize),
	}
}

// Publish queues hb. It never blocks; false means the heartbeat was dropped.
func (p *Publisher) Publish(hb Heartbeat) bool {
	select {
	case p.buffer <- hb:
		return true
	default:
		p.metrics.IncActivityEventPublished("dropped")
		p.logger.Debug("heartbeat dropped, buffer full", "user_id", hb.UserID)
		return false
	}
}

// Start launches the goroutines that drain the buffer into the stream. They
// exit when ctx is cancelled, after flushing what is buffered.
func (p *Publisher) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		for i := 0; i < publishWorkers; i++ {
			p.wg.Add(1)
			go p.drain(ctx)
		}
	})
}

// Shutdown waits for the drain goroutines to finish. The context passed to
// Start must be cancelled first.
func (p *Publisher) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Publisher) drain(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case hb := <-p.buffer:
			p.send(hb)
		case <-ctx.Done():
			for {
				select {
				case hb := <-p.buffer:
					p.send(hb)
				default:
					return
				}
			}
		}
	}
}

func (p *Publisher) send(hb Heartbeat) {
	ctx, cancel := context.WithTimeout(context.Background(), PublishTimeout)
	defer cancel()

	if _, err := p.add(ctx, hb); err != nil {
		p.logger.Warn("failed to publish heartbeat",
			"user_id", hb.UserID,
			"error", err,
		)
		p.metrics.IncActivityEventPublished("dropped")
		return
	}
	p.metrics.IncActivityEventPublished("success")
}

func (p *Publisher) add(ctx context.Context, hb Heartbeat) (string, error) {
	data, err := json.Marshal(hb)
	if err != nil {
		return "", fmt.Errorf("marshal heartbeat: %w", err)
	}

	id, err := p.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey,
		MaxLen: MaxStreamLen,
		Approx: true,
		ID:     "*",
		Values: map[string]interface{}{
			"payload": string(data),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}
	return id, nil
}
