package authorization

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/pccare/internal/clock"
	"github.com/ashureev/pccare/internal/domain"
	"github.com/ashureev/pccare/internal/events"
	"github.com/ashureev/pccare/internal/identity"
	"github.com/ashureev/pccare/internal/remote"
)

// PollerOptions configures a Poller.
type PollerOptions struct {
	Interval     time.Duration
	InitialDelay time.Duration
	Clock        clock.Clock
	Events       events.Publisher
	Logger       *slog.Logger
}

// Poller asks the remote authority for the newest pending request and
// surfaces it locally while the device's single slot is free.
type Poller struct {
	store        Store
	remote       Remote
	conn         Connectivity
	device       DeviceResolver
	notifier     Notifier
	interval     time.Duration
	initialDelay time.Duration
	clock        clock.Clock
	events       events.Publisher
	logger       *slog.Logger

	mu     sync.Mutex
	timers map[string]clock.Timer
}

// NewPoller creates a Poller. notifier may be nil.
func NewPoller(st Store, rem Remote, conn Connectivity, device DeviceResolver, notifier Notifier, opts PollerOptions) *Poller {
	p := &Poller{
		store:        st,
		remote:       rem,
		conn:         conn,
		device:       device,
		notifier:     notifier,
		interval:     opts.Interval,
		initialDelay: opts.InitialDelay,
		clock:        opts.Clock,
		events:       opts.Events,
		logger:       opts.Logger,
		timers:       make(map[string]clock.Timer),
	}
	if p.interval <= 0 {
		p.interval = 30 * time.Second
	}
	if p.clock == nil {
		p.clock = clock.Real()
	}
	if p.events == nil {
		p.events = events.Discard
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// Tick runs one poll. Failures are logged; the next tick tries again.
func (p *Poller) Tick(ctx context.Context) {
	if _, err := p.tick(ctx); err != nil && ctx.Err() == nil {
		level := slog.LevelWarn
		if remote.IsConnectivity(err) || errors.Is(err, identity.ErrNoToken) {
			level = slog.LevelDebug
		}
		p.logger.Log(ctx, level, "Authorization poll failed", "error", err)
	}
}

// tick returns the request it surfaced, if any.
func (p *Poller) tick(ctx context.Context) (*domain.RemoteExecution, error) {
	p.expireDue(ctx)

	if !p.conn.IsOnline(ctx) {
		return nil, nil
	}
	inFlight, err := p.store.GetInFlightExecution(ctx)
	if err != nil {
		return nil, fmt.Errorf("check in-flight request: %w", err)
	}
	if inFlight != nil {
		return nil, nil
	}

	deviceID, err := p.device.DeviceID(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve device: %w", err)
	}
	rec, err := p.remote.FetchPendingExecution(ctx, deviceID)
	if err != nil {
		if errors.Is(err, remote.ErrDeviceUnknown) {
			if ierr := p.device.Invalidate(ctx); ierr != nil {
				p.logger.Warn("Failed to drop cached device id", "error", ierr)
			}
		}
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}

	now := p.clock.Now()
	if rec.ExpiredAt(now) {
		p.logger.Debug("Ignoring expired request", "execution_id", rec.ID, "expires_at", rec.ExpiresAt)
		return nil, nil
	}

	saved, err := p.store.SaveExecution(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("save request %s: %w", rec.ID, err)
	}
	if !saved {
		return nil, nil
	}

	p.logger.Info("Remote request awaiting decision",
		"execution_id", rec.ID,
		"slug", rec.OperationSlug,
		"expires_in", rec.ExpiresAt.Sub(now).Round(time.Second),
	)
	p.events.Publish(events.TypeExecutionPending, rec)
	p.notifyPending(ctx, rec)
	p.armExpiry(rec.ID, rec.ExpiresAt.Sub(now))
	return rec, nil
}

func (p *Poller) notifyPending(ctx context.Context, rec *domain.RemoteExecution) {
	if p.notifier == nil {
		return
	}
	who := rec.RequestedBy
	if who == "" {
		who = "Your support team"
	}
	what := rec.OperationSlug
	if rec.Operation != nil && rec.Operation.Name != "" {
		what = rec.Operation.Name
	}
	if err := p.notifier.Notify(ctx, "Approval needed", fmt.Sprintf("%s wants to run %s on this PC.", who, what)); err != nil {
		p.logger.Warn("Failed to show notification", "error", err)
	}
}

// armExpiry expires the request locally when its window closes, unless it
// was decided first.
func (p *Poller) armExpiry(id string, after time.Duration) {
	t := p.clock.AfterFunc(after, func() {
		p.mu.Lock()
		delete(p.timers, id)
		p.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		p.expireDue(ctx)
	})

	p.mu.Lock()
	defer p.mu.Unlock()
	if prev, ok := p.timers[id]; ok {
		prev.Stop()
	}
	p.timers[id] = t
}

func (p *Poller) expireDue(ctx context.Context) {
	ids, err := p.store.ExpirePendingExecutions(ctx)
	if err != nil {
		p.logger.Warn("Failed to expire requests", "error", err)
		return
	}
	for _, id := range ids {
		p.logger.Info("Remote request expired", "execution_id", id)
		p.events.Publish(events.TypeExecutionExpired, map[string]string{"id": id})
	}
}

// Stop cancels pending expiry timers.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, t := range p.timers {
		t.Stop()
		delete(p.timers, id)
	}
}

// Run polls after the initial delay and then on every interval until ctx is
// cancelled.
func (p *Poller) Run(ctx context.Context) error {
	defer p.Stop()
	p.logger.Info("Authorization poller started", "interval", p.interval, "initial_delay", p.initialDelay)

	delay := time.NewTimer(p.initialDelay)
	defer delay.Stop()
	select {
	case <-delay.C:
	case <-ctx.Done():
		return nil
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Tick(ctx)
	for {
		select {
		case <-ticker.C:
			p.Tick(ctx)
		case <-ctx.Done():
			p.logger.Info("Authorization poller shutting down", "reason", ctx.Err())
			return nil
		}
	}
}
