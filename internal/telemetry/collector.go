// Package telemetry samples host health into the local store.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/pccare/internal/domain"
	"github.com/ashureev/pccare/internal/events"
	"github.com/ashureev/pccare/internal/native"
)

// Source reads the host metrics.
type Source interface {
	Read(ctx context.Context) (native.Reading, error)
}

// Store persists samples.
type Store interface {
	AppendTelemetry(ctx context.Context, sample *domain.TelemetrySample) error
}

// Collector samples the host and records the result.
type Collector struct {
	source   Source
	store    Store
	interval time.Duration
	events   events.Publisher
	logger   *slog.Logger
}

// NewCollector creates a Collector.
func NewCollector(source Source, st Store, interval time.Duration, pub events.Publisher, logger *slog.Logger) *Collector {
	if interval <= 0 {
		interval = time.Minute
	}
	if pub == nil {
		pub = events.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{source: source, store: st, interval: interval, events: pub, logger: logger}
}

// Collect takes one sample, stores it unsynced and publishes it.
func (c *Collector) Collect(ctx context.Context) (*domain.TelemetrySample, error) {
	r, err := c.source.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("read metrics: %w", err)
	}
	score := r.HealthScore()
	sample := &domain.TelemetrySample{
		CPUPercent:    r.CPUPercent,
		MemoryPercent: r.MemoryPercent,
		DiskPercent:   r.DiskPercent,
		HealthScore:   score,
		HealthStatus:  domain.HealthStatusFor(score),
	}
	if err := c.store.AppendTelemetry(ctx, sample); err != nil {
		return nil, fmt.Errorf("store telemetry: %w", err)
	}
	c.events.Publish(events.TypeTelemetry, sample)
	return sample, nil
}

// Run collects on every interval until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	c.logger.Info("Telemetry collector started", "interval", c.interval)

	c.collectOnce(ctx)
	for {
		select {
		case <-ticker.C:
			c.collectOnce(ctx)
		case <-ctx.Done():
			c.logger.Info("Telemetry collector shutting down", "reason", ctx.Err())
			return nil
		}
	}
}

func (c *Collector) collectOnce(ctx context.Context) {
	if _, err := c.Collect(ctx); err != nil && ctx.Err() == nil {
		c.logger.Warn("Telemetry sample failed", "error", err)
	}
}
