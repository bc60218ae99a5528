// Package execution runs cataloged operations through the native capability
// layer and turns the streamed output into a single outcome.
package execution

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/pccare/internal/clock"
	"github.com/ashureev/pccare/internal/domain"
	"github.com/ashureev/pccare/internal/events"
	"github.com/google/uuid"
)

var (
	// ErrConfirmationRequired is returned when a local run was not confirmed.
	ErrConfirmationRequired = errors.New("confirmation required")
	// ErrOperationUnavailable is returned for unknown or inactive operations.
	ErrOperationUnavailable = errors.New("operation unavailable")
	// ErrBusy is returned when a local run is requested while another runs.
	ErrBusy = errors.New("another operation is running")
)

// Mode tells how a run was initiated.
type Mode string

const (
	ModeLocal  Mode = "local"
	ModeRemote Mode = "remote"
)

// Request is handed to the native layer.
type Request struct {
	RunID     string
	Mode      Mode
	Operation domain.Operation
}

// Capability is the native host layer. The stream ends with a LineResult
// line whose Success flag is the authoritative outcome.
type Capability interface {
	RunOperation(ctx context.Context, req Request) iter.Seq2[domain.OutputLine, error]
}

// Notifier shows a local notification.
type Notifier interface {
	Notify(ctx context.Context, title, body string) error
}

// TelemetryRefresher takes a fresh telemetry sample.
type TelemetryRefresher interface {
	Collect(ctx context.Context) (*domain.TelemetrySample, error)
}

// Catalog resolves operations by slug.
type Catalog interface {
	GetOperation(ctx context.Context, slug string) (*domain.Operation, error)
}

// Confirmation is what the user sees before a local run.
type Confirmation struct {
	Slug          string          `json:"slug"`
	Name          string          `json:"name"`
	Description   string          `json:"description"`
	Category      string          `json:"category"`
	Risk          domain.RiskTier `json:"risk_level"`
	RequiresAdmin bool            `json:"requires_admin"`
}

// Result is the outcome of one run.
type Result struct {
	RunID      string    `json:"run_id"`
	Slug       string    `json:"slug"`
	Mode       Mode      `json:"mode"`
	Success    bool      `json:"success"`
	Output     string    `json:"output"`
	Error      string    `json:"error,omitempty"`
	Truncated  bool      `json:"truncated"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// OutputEvent is published for every streamed line.
type OutputEvent struct {
	RunID string            `json:"run_id"`
	Slug  string            `json:"slug"`
	Mode  Mode              `json:"mode"`
	Line  domain.OutputLine `json:"line"`
}

// Options configures a Pipeline.
type Options struct {
	TranscriptSize int
	Timeout        time.Duration
	Clock          clock.Clock
	Events         events.Publisher
	Logger         *slog.Logger
}

// Pipeline runs one operation at a time.
type Pipeline struct {
	native    Capability
	catalog   Catalog
	notifier  Notifier
	telemetry TelemetryRefresher
	size      int
	timeout   time.Duration
	clock     clock.Clock
	events    events.Publisher
	logger    *slog.Logger

	running sync.Mutex
}

// NewPipeline creates a Pipeline. notifier and telemetry may be nil.
func NewPipeline(native Capability, catalog Catalog, notifier Notifier, telemetry TelemetryRefresher, opts Options) *Pipeline {
	p := &Pipeline{
		native:    native,
		catalog:   catalog,
		notifier:  notifier,
		telemetry: telemetry,
		size:      opts.TranscriptSize,
		timeout:   opts.Timeout,
		clock:     opts.Clock,
		events:    opts.Events,
		logger:    opts.Logger,
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

// Confirm describes the operation so the user can approve a local run.
func (p *Pipeline) Confirm(ctx context.Context, slug string) (*Confirmation, error) {
	op, err := p.lookup(ctx, slug)
	if err != nil {
		return nil, err
	}
	return &Confirmation{
		Slug:          op.Slug,
		Name:          op.Name,
		Description:   op.Description,
		Category:      op.Category,
		Risk:          op.Risk,
		RequiresAdmin: op.RequiresAdmin,
	}, nil
}

// RunLocal runs a user-initiated operation after the confirm step. It never
// contacts the remote authority.
func (p *Pipeline) RunLocal(ctx context.Context, slug string, confirmed bool) (*Result, error) {
	if !confirmed {
		return nil, ErrConfirmationRequired
	}
	op, err := p.lookup(ctx, slug)
	if err != nil {
		return nil, err
	}
	if !p.running.TryLock() {
		return nil, ErrBusy
	}
	defer p.running.Unlock()

	return p.run(ctx, *op, ModeLocal, uuid.NewString()), nil
}

// RunAuthorized runs an operation the user has authorized for the remote
// authority. It waits for any local run to finish first.
func (p *Pipeline) RunAuthorized(ctx context.Context, op domain.Operation, executionID string) *Result {
	p.running.Lock()
	defer p.running.Unlock()
	return p.run(ctx, op, ModeRemote, executionID)
}

func (p *Pipeline) lookup(ctx context.Context, slug string) (*domain.Operation, error) {
	op, err := p.catalog.GetOperation(ctx, slug)
	if err != nil {
		return nil, fmt.Errorf("load operation %s: %w", slug, err)
	}
	if op == nil || !op.Listable() {
		return nil, fmt.Errorf("%s: %w", slug, ErrOperationUnavailable)
	}
	return op, nil
}

func (p *Pipeline) run(ctx context.Context, op domain.Operation, mode Mode, runID string) (res *Result) {
	res = &Result{RunID: runID, Slug: op.Slug, Mode: mode, StartedAt: p.clock.Now()}
	transcript := NewTranscript(p.size)
	logger := p.logger.With("run_id", runID, "slug", op.Slug, "mode", mode)
	logger.Info("Operation started")

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Native layer panicked", "panic", r)
			res.Success = false
			res.Error = fmt.Sprintf("operation crashed: %v", r)
			res.Output = transcript.String()
			res.Truncated = transcript.Wrapped()
			res.FinishedAt = p.clock.Now()
		}
	}()

	var final *domain.OutputLine
	var streamErr error
	for line, err := range p.native.RunOperation(ctx, Request{RunID: runID, Mode: mode, Operation: op}) {
		if err != nil {
			streamErr = err
			break
		}
		if line.At.IsZero() {
			line.At = p.clock.Now()
		}
		if line.Kind == domain.LineResult {
			l := line
			final = &l
			continue
		}
		transcript.WriteLine(line.Text)
		p.events.Publish(events.TypeExecutionOutput, OutputEvent{RunID: runID, Slug: op.Slug, Mode: mode, Line: line})
	}

	res.FinishedAt = p.clock.Now()
	res.Output = transcript.String()
	res.Truncated = transcript.Wrapped()

	switch {
	case streamErr != nil:
		res.Error = streamErr.Error()
	case final == nil:
		res.Error = "operation ended without reporting a result"
	case !final.Success:
		res.Error = final.Text
		if res.Error == "" {
			res.Error = "operation reported failure"
		}
	default:
		res.Success = true
	}

	if res.Success {
		logger.Info("Operation succeeded", "duration", res.FinishedAt.Sub(res.StartedAt))
		p.afterSuccess(ctx, op)
	} else {
		logger.Warn("Operation failed", "error", res.Error)
	}
	return res
}

func (p *Pipeline) afterSuccess(ctx context.Context, op domain.Operation) {
	if p.notifier != nil {
		if err := p.notifier.Notify(ctx, "Maintenance complete", op.Name+" finished successfully."); err != nil {
			p.logger.Warn("Failed to show notification", "error", err)
		}
	}
	if p.telemetry != nil {
		if _, err := p.telemetry.Collect(ctx); err != nil {
			p.logger.Warn("Failed to refresh telemetry", "error", err)
		}
	}
}
