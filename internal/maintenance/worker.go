// Package maintenance runs the periodic housekeeping sweep over the local store.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/pccare/internal/events"
)

const defaultInterval = time.Hour

// Store is the housekeeping surface of the local store.
type Store interface {
	ExpirePendingExecutions(ctx context.Context) ([]string, error)
	PruneExecutions(ctx context.Context, age time.Duration) (int64, error)
}

// Worker sweeps stale execution requests out of the store.
type Worker struct {
	store     Store
	retention time.Duration
	interval  time.Duration
	events    events.Publisher
	logger    *slog.Logger
}

// NewWorker creates a Worker that prunes settled requests older than retention.
func NewWorker(st Store, retention, interval time.Duration, pub events.Publisher, logger *slog.Logger) *Worker {
	if interval <= 0 {
		interval = defaultInterval
	}
	if pub == nil {
		pub = events.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{store: st, retention: retention, interval: interval, events: pub, logger: logger}
}

// Run sweeps at start and on every interval until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	w.logger.Info("Maintenance worker started", "interval", w.interval, "retention", w.retention)

	w.Sweep(ctx)
	for {
		select {
		case <-ticker.C:
			w.Sweep(ctx)
		case <-ctx.Done():
			w.logger.Info("Maintenance worker shutting down", "reason", ctx.Err())
			return nil
		}
	}
}

// Sweep expires pending requests whose window closed while nothing was
// watching them, then prunes settled requests past retention. Requests whose
// outcome was never reported are kept.
func (w *Worker) Sweep(ctx context.Context) {
	ids, err := w.store.ExpirePendingExecutions(ctx)
	if err != nil {
		w.logger.Error("Maintenance worker failed to expire requests", "error", err)
	}
	for _, id := range ids {
		w.events.Publish(events.TypeExecutionExpired, map[string]string{"id": id})
	}

	if w.retention <= 0 {
		return
	}
	deleted, err := w.store.PruneExecutions(ctx, w.retention)
	if err != nil {
		w.logger.Error("Maintenance worker failed to prune requests", "error", err)
		return
	}
	if deleted > 0 {
		w.logger.Info("Maintenance worker pruned requests", "count", deleted)
	}
}
