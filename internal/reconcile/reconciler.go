// Package reconcile keeps the local store and the remote authority in step.
// The local store stays authoritative for the UI; the remote is pulled for
// the catalog and settings and receives locally produced history.
package reconcile

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
	"github.com/ashureev/pccare/internal/remote"
	"github.com/ashureev/pccare/internal/store"
)

const pushBatchSize = 100

// Store is the subset of the local store the reconciler writes.
type Store interface {
	UpsertOperations(ctx context.Context, ops []domain.Operation) (int, error)
	DeactivateMissingOperations(ctx context.Context, present []string, confirmedBefore time.Time) (int, error)
	GetUnsyncedTelemetry(ctx context.Context, limit int) ([]domain.TelemetrySample, error)
	MarkTelemetrySynced(ctx context.Context, id int64) error
	GetUnsyncedConversation(ctx context.Context, limit int) ([]domain.ConversationEntry, error)
	MarkConversationSynced(ctx context.Context, id int64) error
	GetUnsyncedSupportRequests(ctx context.Context, limit int) ([]domain.SupportRequest, error)
	MarkSupportRequestSynced(ctx context.Context, id int64) error
	SetSetting(ctx context.Context, key, value string) error
}

// Remote is the subset of the remote client the reconciler calls.
type Remote interface {
	FetchOperations(ctx context.Context) ([]domain.Operation, error)
	FetchSettings(ctx context.Context, deviceID string) (map[string]string, error)
	PushTelemetry(ctx context.Context, deviceID string, s domain.TelemetrySample) error
	PushConversation(ctx context.Context, deviceID string, e domain.ConversationEntry) error
	SubmitSupportRequest(ctx context.Context, deviceID string, r domain.SupportRequest) error
}

// Connectivity reports whether the remote is reachable.
type Connectivity interface {
	IsOnline(ctx context.Context) bool
}

// DeviceResolver yields the remote device id. Invalidate drops a cached id
// the remote no longer recognizes.
type DeviceResolver interface {
	DeviceID(ctx context.Context) (string, error)
	Invalidate(ctx context.Context) error
}

// Result counts the rows moved by one sync cycle.
type Result struct {
	Pulled int `json:"pulled"`
	Pushed int `json:"pushed"`
}

// Options configures a Reconciler.
type Options struct {
	Interval time.Duration
	// Grace is how long a cached operation may be missing from the remote
	// catalog before it is marked inactive. Zero deactivates it on the first
	// cycle that omits it.
	Grace  time.Duration
	Clock  clock.Clock
	Events events.Publisher
	Logger *slog.Logger
}

// Reconciler runs sync cycles. Cycles are serialized.
type Reconciler struct {
	store    Store
	remote   Remote
	conn     Connectivity
	device   DeviceResolver
	interval time.Duration
	grace    time.Duration
	clock    clock.Clock
	events   events.Publisher
	logger   *slog.Logger

	mu      sync.Mutex
	trigger chan struct{}
}

// New creates a Reconciler.
func New(st Store, remote Remote, conn Connectivity, device DeviceResolver, opts Options) *Reconciler {
	r := &Reconciler{
		store:    st,
		remote:   remote,
		conn:     conn,
		device:   device,
		interval: opts.Interval,
		grace:    opts.Grace,
		clock:    opts.Clock,
		events:   opts.Events,
		logger:   opts.Logger,
		trigger:  make(chan struct{}, 1),
	}
	if r.interval <= 0 {
		r.interval = 5 * time.Minute
	}
	if r.clock == nil {
		r.clock = clock.Real()
	}
	if r.events == nil {
		r.events = events.Discard
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Sync runs one cycle. Offline it returns a zero Result and no error without
// touching the store. A failure abandons the rest of the cycle; rows already
// written stay written and the Result counts them.
func (r *Reconciler) Sync(ctx context.Context) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res Result
	if !r.conn.IsOnline(ctx) {
		r.logger.Debug("Skipping sync while offline")
		return res, nil
	}
	cycleStart := r.clock.Now()

	pulled, err := r.pullCatalog(ctx, cycleStart)
	res.Pulled += pulled
	if err != nil {
		return res, err
	}

	deviceID, err := r.device.DeviceID(ctx)
	if err != nil {
		// Without a device id only the shared catalog can be synced.
		r.logger.Warn("Skipping device sync", "error", err)
		r.finish(ctx, res)
		return res, nil
	}

	pulled, err = r.pullSettings(ctx, deviceID)
	res.Pulled += pulled
	if err != nil {
		return res, r.checkDevice(ctx, err)
	}

	for _, push := range []func(context.Context, string) (int, error){
		r.pushTelemetry,
		r.pushConversation,
		r.pushSupportRequests,
	} {
		n, err := push(ctx, deviceID)
		res.Pushed += n
		if err != nil {
			return res, r.checkDevice(ctx, err)
		}
	}

	r.finish(ctx, res)
	return res, nil
}

// checkDevice forgets the cached device id when the remote no longer knows
// it, so the next cycle resolves the token again.
func (r *Reconciler) checkDevice(ctx context.Context, err error) error {
	if !errors.Is(err, remote.ErrDeviceUnknown) {
		return err
	}
	r.logger.Warn("Remote no longer recognizes this device", "error", err)
	if ierr := r.device.Invalidate(ctx); ierr != nil {
		r.logger.Warn("Failed to drop cached device id", "error", ierr)
	}
	return err
}

func (r *Reconciler) finish(ctx context.Context, res Result) {
	if err := r.store.SetSetting(ctx, domain.SettingLastSyncAt, r.clock.Now().UTC().Format(time.RFC3339)); err != nil {
		r.logger.Warn("Failed to record sync time", "error", err)
	}
	r.events.Publish(events.TypeSyncCompleted, res)
	r.logger.Info("Sync completed", "pulled", res.Pulled, "pushed", res.Pushed)
}

func (r *Reconciler) pullCatalog(ctx context.Context, cycleStart time.Time) (int, error) {
	ops, err := r.remote.FetchOperations(ctx)
	if err != nil {
		return 0, fmt.Errorf("pull catalog: %w", err)
	}

	n, err := r.store.UpsertOperations(ctx, ops)
	if err != nil {
		return 0, fmt.Errorf("store catalog: %w", err)
	}

	present := make([]string, 0, len(ops))
	for _, op := range ops {
		present = append(present, op.Slug)
	}
	var confirmedBefore time.Time
	if r.grace > 0 {
		confirmedBefore = cycleStart.Add(-r.grace)
	}
	deactivated, err := r.store.DeactivateMissingOperations(ctx, present, confirmedBefore)
	if err != nil {
		return n, fmt.Errorf("deactivate missing operations: %w", err)
	}
	if deactivated > 0 {
		r.logger.Info("Operations no longer offered by remote", "count", deactivated)
	}

	if n > 0 || deactivated > 0 {
		r.events.Publish(events.TypeCatalogUpdated, map[string]int{"upserted": n, "deactivated": deactivated})
	}
	return n, nil
}

func (r *Reconciler) pullSettings(ctx context.Context, deviceID string) (int, error) {
	settings, err := r.remote.FetchSettings(ctx, deviceID)
	if err != nil {
		return 0, fmt.Errorf("pull settings: %w", err)
	}
	n := 0
	for k, v := range settings {
		if err := r.store.SetSetting(ctx, domain.RemoteSettingPrefix+k, v); err != nil {
			return n, fmt.Errorf("store setting %s: %w", k, err)
		}
		n++
	}
	return n, nil
}

func (r *Reconciler) pushTelemetry(ctx context.Context, deviceID string) (int, error) {
	samples, err := r.store.GetUnsyncedTelemetry(ctx, pushBatchSize)
	if err != nil {
		return 0, fmt.Errorf("load unsynced telemetry: %w", err)
	}
	pushed := 0
	for _, s := range samples {
		if err := r.remote.PushTelemetry(ctx, deviceID, s); err != nil {
			return pushed, fmt.Errorf("push telemetry %s: %w", s.ClientID, err)
		}
		if err := markSynced(ctx, r.store.MarkTelemetrySynced, s.ID); err != nil {
			return pushed, err
		}
		pushed++
	}
	return pushed, nil
}

func (r *Reconciler) pushConversation(ctx context.Context, deviceID string) (int, error) {
	entries, err := r.store.GetUnsyncedConversation(ctx, pushBatchSize)
	if err != nil {
		return 0, fmt.Errorf("load unsynced conversation: %w", err)
	}
	pushed := 0
	for _, e := range entries {
		if err := r.remote.PushConversation(ctx, deviceID, e); err != nil {
			return pushed, fmt.Errorf("push conversation %s: %w", e.ClientID, err)
		}
		if err := markSynced(ctx, r.store.MarkConversationSynced, e.ID); err != nil {
			return pushed, err
		}
		pushed++
	}
	return pushed, nil
}

func (r *Reconciler) pushSupportRequests(ctx context.Context, deviceID string) (int, error) {
	reqs, err := r.store.GetUnsyncedSupportRequests(ctx, pushBatchSize)
	if err != nil {
		return 0, fmt.Errorf("load unsynced support requests: %w", err)
	}
	pushed := 0
	for _, req := range reqs {
		if err := r.remote.SubmitSupportRequest(ctx, deviceID, req); err != nil {
			return pushed, fmt.Errorf("submit support request %s: %w", req.ClientID, err)
		}
		if err := markSynced(ctx, r.store.MarkSupportRequestSynced, req.ID); err != nil {
			return pushed, err
		}
		pushed++
	}
	return pushed, nil
}

// markSynced tolerates rows trimmed from the ring buffer mid-push.
func markSynced(ctx context.Context, mark func(context.Context, int64) error, id int64) error {
	if err := mark(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("mark %d synced: %w", id, err)
	}
	return nil
}

// Trigger requests a cycle as soon as possible. Requests made while a
// cycle is queued are coalesced.
func (r *Reconciler) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Run syncs at start, on every interval, and on Trigger until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	r.logger.Info("Sync reconciler started", "interval", r.interval, "grace", r.grace)

	r.runOnce(ctx)
	for {
		select {
		case <-ticker.C:
			r.runOnce(ctx)
		case <-r.trigger:
			r.runOnce(ctx)
		case <-ctx.Done():
			r.logger.Info("Sync reconciler shutting down", "reason", ctx.Err())
			return nil
		}
	}
}

func (r *Reconciler) runOnce(ctx context.Context) {
	if _, err := r.Sync(ctx); err != nil && ctx.Err() == nil {
		r.logger.Error("Sync failed", "error", err)
	}
}
