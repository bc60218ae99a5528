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
	"github.com/ashureev/pccare/internal/execution"
	"github.com/ashureev/pccare/internal/remote"
	"github.com/ashureev/pccare/internal/store"
)

var (
	// ErrNotFound is returned for unknown request ids.
	ErrNotFound = errors.New("request not found")
	// ErrAlreadyDecided is returned when the request has left pending.
	ErrAlreadyDecided = errors.New("request already decided")
	// ErrExpired is returned when the decision arrived after the window closed.
	ErrExpired = errors.New("request expired")
)

// Decision is the user's answer to a pending request.
type Decision string

const (
	Accept Decision = "accept"
	Reject Decision = "reject"
)

// ParseDecision validates a decision string.
func ParseDecision(s string) (Decision, error) {
	switch d := Decision(s); d {
	case Accept, Reject:
		return d, nil
	}
	return "", fmt.Errorf("unknown decision %q", s)
}

const interruptedMessage = "interrupted before completion"

// MachineOptions configures a Machine.
type MachineOptions struct {
	// OutputCap bounds the output reported for a completed run, in characters.
	OutputCap int
	Clock     clock.Clock
	Events    events.Publisher
	Logger    *slog.Logger
}

// Machine applies user decisions and runs accepted requests.
type Machine struct {
	store     Store
	remote    Remote
	conn      Connectivity
	runner    Runner
	outputCap int
	clock     clock.Clock
	events    events.Publisher
	logger    *slog.Logger

	mu sync.Mutex
	wg sync.WaitGroup
}

// NewMachine creates a Machine.
func NewMachine(st Store, rem Remote, conn Connectivity, runner Runner, opts MachineOptions) *Machine {
	m := &Machine{
		store:     st,
		remote:    rem,
		conn:      conn,
		runner:    runner,
		outputCap: opts.OutputCap,
		clock:     opts.Clock,
		events:    opts.Events,
		logger:    opts.Logger,
	}
	if m.outputCap <= 0 {
		m.outputCap = 10000
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

// Decide applies the user's decision to a pending request. Accepting claims
// the request and returns immediately; the operation runs in the background
// and is not cancelled with ctx.
func (m *Machine) Decide(ctx context.Context, id string, d Decision) (*domain.RemoteExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.store.GetExecution(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load request %s: %w", id, err)
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	switch {
	case rec.Status == domain.StatusExpired:
		return rec, ErrExpired
	case rec.Status != domain.StatusPending:
		return rec, ErrAlreadyDecided
	case rec.ExpiredAt(m.clock.Now()):
		return m.expire(ctx, rec)
	}

	target := domain.StatusAuthorized
	if d == Reject {
		target = domain.StatusRejected
	}
	if err := m.store.UpdateExecutionStatus(ctx, id, target, nil, nil); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			return m.explainConflict(ctx, id)
		}
		return nil, err
	}
	rec.Status = target
	m.logger.Info("Request decided", "execution_id", id, "decision", d)
	m.events.Publish(events.TypeExecutionUpdated, rec)

	detached := context.WithoutCancel(ctx)
	m.wg.Add(1)
	if d == Reject {
		go func() {
			defer m.wg.Done()
			m.report(detached, id, remote.ExecutionPatch{Status: domain.StatusRejected}, true)
		}()
		return rec, nil
	}
	go func() {
		defer m.wg.Done()
		m.execute(detached, *rec)
	}()
	return rec, nil
}

// explainConflict maps a lost guarded update onto the caller-facing error.
func (m *Machine) explainConflict(ctx context.Context, id string) (*domain.RemoteExecution, error) {
	rec, err := m.store.GetExecution(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reload request %s: %w", id, err)
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	switch {
	case rec.Status == domain.StatusPending && rec.ExpiredAt(m.clock.Now()):
		return m.expire(ctx, rec)
	case rec.Status == domain.StatusExpired:
		return rec, ErrExpired
	}
	return rec, ErrAlreadyDecided
}

func (m *Machine) expire(ctx context.Context, rec *domain.RemoteExecution) (*domain.RemoteExecution, error) {
	err := m.store.UpdateExecutionStatus(ctx, rec.ID, domain.StatusExpired, nil, nil)
	if err != nil && !errors.Is(err, store.ErrInvalidTransition) {
		return nil, err
	}
	if err == nil {
		m.logger.Info("Remote request expired", "execution_id", rec.ID)
		m.events.Publish(events.TypeExecutionExpired, map[string]string{"id": rec.ID})
	}
	rec.Status = domain.StatusExpired
	return rec, ErrExpired
}

func (m *Machine) execute(ctx context.Context, rec domain.RemoteExecution) {
	logger := m.logger.With("execution_id", rec.ID, "slug", rec.OperationSlug)

	if err := m.store.UpdateExecutionStatus(ctx, rec.ID, domain.StatusRunning, nil, nil); err != nil {
		logger.Error("Failed to mark request running", "error", err)
		m.finish(ctx, rec.ID, domain.StatusFailed, "", "could not start the operation")
		return
	}
	started := m.clock.Now()
	m.publishCurrent(ctx, rec.ID)
	m.report(ctx, rec.ID, remote.ExecutionPatch{Status: domain.StatusRunning, StartedAt: &started}, false)

	op, err := m.resolveOperation(ctx, rec)
	if err != nil {
		logger.Warn("Operation unavailable", "error", err)
		m.finish(ctx, rec.ID, domain.StatusFailed, "", "operation is not available on this device")
		return
	}

	res := m.runner.RunAuthorized(ctx, *op, rec.ID)
	if res.Success {
		m.finish(ctx, rec.ID, domain.StatusCompleted, execution.TruncateOutput(res.Output, m.outputCap), "")
		return
	}
	msg := res.Error
	if msg == "" {
		msg = "operation failed"
	}
	m.finish(ctx, rec.ID, domain.StatusFailed, execution.TruncateOutput(res.Output, m.outputCap), msg)
}

// resolveOperation prefers the active cached operation over the snapshot
// embedded in the request.
func (m *Machine) resolveOperation(ctx context.Context, rec domain.RemoteExecution) (*domain.Operation, error) {
	op, err := m.store.GetOperation(ctx, rec.OperationSlug)
	if err != nil {
		m.logger.Warn("Failed to read cached operation", "slug", rec.OperationSlug, "error", err)
	}
	if op != nil && op.Listable() {
		return op, nil
	}
	if rec.Operation != nil && rec.Operation.Source != "" {
		snapshot := *rec.Operation
		if snapshot.Slug == "" {
			snapshot.Slug = rec.OperationSlug
		}
		return &snapshot, nil
	}
	return nil, fmt.Errorf("operation %s not found", rec.OperationSlug)
}

// finish records the terminal state and reports it.
func (m *Machine) finish(ctx context.Context, id string, status domain.ExecutionStatus, output, errText string) {
	var outPtr, errPtr *string
	if output != "" {
		outPtr = &output
	}
	if errText != "" {
		errPtr = &errText
	}
	if err := m.store.UpdateExecutionStatus(ctx, id, status, outPtr, errPtr); err != nil {
		m.logger.Error("Failed to record outcome", "execution_id", id, "status", status, "error", err)
	}
	completed := m.clock.Now()
	m.logger.Info("Remote request finished", "execution_id", id, "status", status)
	m.publishCurrent(ctx, id)
	m.report(ctx, id, remote.ExecutionPatch{
		Status:      status,
		CompletedAt: &completed,
		Output:      outPtr,
		Error:       errPtr,
	}, true)
}

// report patches the remote record. It is skipped while offline and never
// retried; a terminal patch that succeeds marks the row reported.
func (m *Machine) report(ctx context.Context, id string, patch remote.ExecutionPatch, terminal bool) {
	if !m.conn.IsOnline(ctx) {
		m.logger.Info("Offline, outcome not reported", "execution_id", id, "status", patch.Status)
		return
	}
	if err := m.remote.PatchExecution(ctx, id, patch); err != nil {
		m.logger.Warn("Failed to report request status", "execution_id", id, "status", patch.Status, "error", err)
		return
	}
	if !terminal {
		return
	}
	if err := m.store.MarkExecutionReported(ctx, id); err != nil {
		m.logger.Warn("Failed to mark request reported", "execution_id", id, "error", err)
	}
}

func (m *Machine) publishCurrent(ctx context.Context, id string) {
	rec, err := m.store.GetExecution(ctx, id)
	if err != nil || rec == nil {
		return
	}
	m.events.Publish(events.TypeExecutionUpdated, rec)
}

// RecoverInterrupted fails requests left authorized or running by a previous
// process and reports them. It returns how many were recovered.
func (m *Machine) RecoverInterrupted(ctx context.Context) (int, error) {
	recs, err := m.store.InterruptedExecutions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list interrupted requests: %w", err)
	}
	for _, rec := range recs {
		m.logger.Warn("Recovering interrupted request", "execution_id", rec.ID, "status", rec.Status)
		m.finish(ctx, rec.ID, domain.StatusFailed, "", interruptedMessage)
	}
	return len(recs), nil
}

// Wait blocks until background runs and reports have finished, or until
// timeout elapses. It reports whether everything finished.
func (m *Machine) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	if timeout <= 0 {
		<-done
		return true
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}
