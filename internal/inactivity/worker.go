package inactivity

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

const (
	// DefaultBatchSize is the number of users and cases handled per tick.
	DefaultBatchSize = 100
	// DefaultPollInterval is the time between evaluator ticks.
	DefaultPollInterval = 30 * time.Second
)

// Worker periodically opens due cases and evaluates cases whose timer fired.
type Worker struct {
	engine       *Engine
	logger       *slog.Logger
	batchSize    int
	pollInterval time.Duration
	started      bool
}

// NewWorker creates a new evaluator worker.
func NewWorker(engine *Engine, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		engine:       engine,
		logger:       logger.With("component", "inactivity.worker"),
		batchSize:    DefaultBatchSize,
		pollInterval: DefaultPollInterval,
	}
}

// Run starts the worker loop. Blocks until context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if w.started {
		return errors.New("worker already started")
	}
	w.started = true

	w.logger.Info("inactivity evaluator started",
		"poll_interval", w.pollInterval,
		"batch_size", w.batchSize,
	)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("inactivity evaluator stopping")
			return ctx.Err()
		case <-ticker.C:
			if err := w.processOnce(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				w.logger.Error("process error", "error", err)
			}
		}
	}
}

func (w *Worker) processOnce(ctx context.Context) error {
	opened, evaluated, err := w.engine.Tick(ctx, w.batchSize)
	if opened > 0 || evaluated > 0 {
		w.logger.Debug("evaluator tick",
			"opened", opened,
			"evaluated", evaluated,
		)
	}
	return err
}

// SetBatchSize configures the batch size (for testing).
func (w *Worker) SetBatchSize(size int) {
	if size > 0 {
		w.batchSize = size
	}
}

// SetPollInterval configures the poll interval (for testing).
func (w *Worker) SetPollInterval(interval time.Duration) {
	if interval > 0 {
		w.pollInterval = interval
	}
}
