// Package connectivity decides whether the remote authority is reachable.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/pccare/internal/clock"
	"github.com/ashureev/pccare/internal/events"
	"golang.org/x/sync/singleflight"
)

// Prober performs one reachability check against the remote.
type Prober interface {
	Probe(ctx context.Context) error
}

// Options configures a Monitor.
type Options struct {
	Timeout  time.Duration
	CacheTTL time.Duration
	Interval time.Duration
	Clock    clock.Clock
	Events   events.Publisher
	Logger   *slog.Logger
}

// Monitor answers "is the remote reachable right now" with a bounded,
// briefly cached probe.
type Monitor struct {
	prober   Prober
	timeout  time.Duration
	cacheTTL time.Duration
	interval time.Duration
	clock    clock.Clock
	events   events.Publisher
	logger   *slog.Logger
	group    singleflight.Group

	mu          sync.RWMutex
	online      bool
	checkedAt   time.Time
	checked     bool
	onReconnect []func()
}

// NewMonitor creates a Monitor. Zero options fall back to a 2s timeout, a
// 500ms cache and a 15s background interval.
func NewMonitor(prober Prober, opts Options) *Monitor {
	m := &Monitor{
		prober:   prober,
		timeout:  opts.Timeout,
		cacheTTL: opts.CacheTTL,
		interval: opts.Interval,
		clock:    opts.Clock,
		events:   opts.Events,
		logger:   opts.Logger,
	}
	if m.timeout <= 0 {
		m.timeout = 2 * time.Second
	}
	if m.cacheTTL < 0 {
		m.cacheTTL = 0
	} else if opts.CacheTTL == 0 {
		m.cacheTTL = 500 * time.Millisecond
	}
	if m.interval <= 0 {
		m.interval = 15 * time.Second
	}
	if m.clock == nil {
		m.clock = clock.Real()
	}
	if m.events == nil {
		m.events = events.Discard
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// OnReconnect registers fn to run each time the remote becomes reachable
// after being unreachable. Callbacks run on their own goroutine.
func (m *Monitor) OnReconnect(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReconnect = append(m.onReconnect, fn)
}

// Online returns the last known state without probing.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// IsOnline returns a fresh answer, reusing a probe result younger than the
// cache TTL. Concurrent callers share a single probe. A probe that does not
// finish within the timeout counts as offline.
func (m *Monitor) IsOnline(ctx context.Context) bool {
	m.mu.RLock()
	if m.checked && m.clock.Now().Sub(m.checkedAt) < m.cacheTTL {
		online := m.online
		m.mu.RUnlock()
		return online
	}
	m.mu.RUnlock()

	// Shared by every waiting caller; only m.timeout bounds it.
	shared := context.WithoutCancel(ctx)
	v, _, _ := m.group.Do("probe", func() (any, error) {
		return m.probe(shared), nil
	})
	return v.(bool)
}

func (m *Monitor) probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := m.prober.Probe(probeCtx)
	online := err == nil
	if err != nil {
		m.logger.Debug("Remote probe failed", "error", err)
	}
	m.record(online)
	return online
}

func (m *Monitor) record(online bool) {
	m.mu.Lock()
	was, first := m.online, !m.checked
	m.online = online
	m.checked = true
	m.checkedAt = m.clock.Now()
	callbacks := append([]func(){}, m.onReconnect...)
	m.mu.Unlock()

	if !first && was == online {
		return
	}
	m.logger.Info("Connectivity changed", "online", online)
	m.events.Publish(events.TypeOnlineChanged, map[string]bool{"online": online})

	// The first probe after start counts as a reconnect only when it succeeds.
	if online {
		for _, fn := range callbacks {
			go fn()
		}
	}
}

// Run probes on every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.logger.Info("Connectivity monitor started", "interval", m.interval, "timeout", m.timeout)

	m.IsOnline(ctx)
	for {
		select {
		case <-ticker.C:
			m.IsOnline(ctx)
		case <-ctx.Done():
			m.logger.Info("Connectivity monitor shutting down", "reason", ctx.Err())
			return nil
		}
	}
}
