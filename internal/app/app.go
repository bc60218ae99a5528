// Package app wires the agent's components together and runs them.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/pccare/internal/api"
	"github.com/ashureev/pccare/internal/authorization"
	"github.com/ashureev/pccare/internal/clock"
	"github.com/ashureev/pccare/internal/config"
	"github.com/ashureev/pccare/internal/connectivity"
	"github.com/ashureev/pccare/internal/events"
	"github.com/ashureev/pccare/internal/execution"
	"github.com/ashureev/pccare/internal/identity"
	"github.com/ashureev/pccare/internal/maintenance"
	"github.com/ashureev/pccare/internal/native"
	"github.com/ashureev/pccare/internal/reconcile"
	"github.com/ashureev/pccare/internal/remote"
	"github.com/ashureev/pccare/internal/shared"
	"github.com/ashureev/pccare/internal/store"
	"github.com/ashureev/pccare/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// App holds every long-lived component.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	Store       *store.SQLiteStore
	Remote      *remote.Client
	Events      *events.Hub
	Monitor     *connectivity.Monitor
	Device      *identity.Resolver
	Reconciler  *reconcile.Reconciler
	Pipeline    *execution.Pipeline
	Collector   *telemetry.Collector
	Poller      *authorization.Poller
	Machine     *authorization.Machine
	Maintenance *maintenance.Worker
}

// New opens the local store and builds all components. Nothing runs until Run.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	clk := clock.Real()

	st, err := store.NewSQLite(cfg.DBPath,
		store.WithClock(clk),
		store.WithTelemetryRetention(cfg.Retention.TelemetrySamples),
		store.WithRetryPolicy(shared.RetryPolicy{
			MaxRetries: cfg.Retry.DatabaseMaxRetries,
			BaseDelay:  cfg.Retry.DatabaseRetryBaseDelay,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}

	a := &App{cfg: cfg, logger: logger, Store: st}
	a.Events = events.NewHub(0, logger.With("component", "events"))
	a.Remote = remote.New(remote.Options{
		BaseURL:     cfg.Remote.URL,
		APIKey:      cfg.Remote.APIKey,
		BearerToken: cfg.Remote.BearerToken,
		Timeout:     cfg.Remote.RequestTimeout,
		Logger:      logger.With("component", "remote"),
	})
	a.Monitor = connectivity.NewMonitor(a.Remote, connectivity.Options{
		Timeout:  cfg.Remote.ProbeTimeout,
		CacheTTL: cfg.Remote.ProbeCacheTTL,
		Interval: cfg.Schedule.ProbeInterval,
		Clock:    clk,
		Events:   a.Events,
		Logger:   logger.With("component", "connectivity"),
	})
	tokens := native.TokenSource{Token: cfg.Device.Token, Path: cfg.Device.TokenFile}
	a.Device = identity.NewResolver(tokens, a.Remote, st, logger.With("component", "identity"))

	a.Reconciler = reconcile.New(st, a.Remote, a.Monitor, a.Device, reconcile.Options{
		Interval: cfg.Schedule.SyncInterval,
		Grace:    cfg.Schedule.CatalogGrace,
		Clock:    clk,
		Events:   a.Events,
		Logger:   logger.With("component", "reconcile"),
	})
	a.Monitor.OnReconnect(a.Reconciler.Trigger)

	a.Collector = telemetry.NewCollector(native.NewMetrics(), st, cfg.Schedule.TelemetryInterval, a.Events,
		logger.With("component", "telemetry"))

	notifier := native.NewNotifier(cfg.NotificationsEnabled, logger.With("component", "notify"))
	runner := native.NewScriptRunner(native.RunnerOptions{Logger: logger.With("component", "native")})
	a.Pipeline = execution.NewPipeline(runner, st, notifier, a.Collector, execution.Options{
		TranscriptSize: cfg.Execution.TranscriptSize,
		Timeout:        cfg.Execution.Timeout,
		Clock:          clk,
		Events:         a.Events,
		Logger:         logger.With("component", "execution"),
	})

	a.Poller = authorization.NewPoller(st, a.Remote, a.Monitor, a.Device, notifier, authorization.PollerOptions{
		Interval:     cfg.Schedule.PollInterval,
		InitialDelay: cfg.Schedule.InitialPollDelay,
		Clock:        clk,
		Events:       a.Events,
		Logger:       logger.With("component", "poller"),
	})
	a.Machine = authorization.NewMachine(st, a.Remote, a.Monitor, a.Pipeline, authorization.MachineOptions{
		OutputCap: cfg.Execution.OutputCap,
		Clock:     clk,
		Events:    a.Events,
		Logger:    logger.With("component", "authorization"),
	})
	a.Maintenance = maintenance.NewWorker(st, cfg.Retention.Executions, time.Hour, a.Events,
		logger.With("component", "maintenance"))

	return a, nil
}

// Handler builds the local HTTP API.
func (a *App) Handler() http.Handler {
	h := api.NewHandler(api.Deps{
		Repo:              a.Store,
		Pipeline:          a.Pipeline,
		Decider:           a.Machine,
		Syncer:            a.Reconciler,
		Connectivity:      a.Monitor,
		Events:            a.Events,
		ConversationLimit: a.cfg.Retention.ConversationLimit,
		AllowedOrigins:    a.cfg.AllowedOrigins(),
	})
	return api.NewRouter(h, api.NewHealthHandler(a.Store, a.Monitor))
}

// Run recovers interrupted requests, then runs every periodic task and the
// HTTP server until ctx is cancelled. Background runs of accepted requests
// are allowed to finish before Run returns.
func (a *App) Run(ctx context.Context) error {
	if err := a.Store.Ping(ctx); err != nil {
		return fmt.Errorf("local store unreachable: %w", err)
	}
	if n, err := a.Machine.RecoverInterrupted(ctx); err != nil {
		a.logger.Error("Failed to recover interrupted requests", "error", err)
	} else if n > 0 {
		a.logger.Warn("Recovered interrupted requests", "count", n)
	}

	srv := &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      0, // websocket streams and long local runs
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Monitor.Run(gctx) })
	g.Go(func() error { return a.Reconciler.Run(gctx) })
	g.Go(func() error { return a.Poller.Run(gctx) })
	g.Go(func() error { return a.Collector.Run(gctx) })
	g.Go(func() error { return a.Maintenance.Run(gctx) })
	g.Go(func() error {
		a.logger.Info("Server listening", "addr", srv.Addr, "remote_enabled", a.cfg.RemoteEnabled())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("Server forced to shutdown", "error", err)
		}
		return nil
	})

	err := g.Wait()
	a.logger.Info("Waiting for running operations to finish")
	if !a.Machine.Wait(a.cfg.Execution.Timeout) {
		a.logger.Warn("Operations still running at shutdown")
	}
	return err
}

// Close releases the local store.
func (a *App) Close() error {
	return a.Store.Close()
}
