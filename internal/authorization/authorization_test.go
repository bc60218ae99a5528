package authorization

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/pccare/internal/clock"
	"github.com/ashureev/pccare/internal/domain"
	"github.com/ashureev/pccare/internal/events"
	"github.com/ashureev/pccare/internal/execution"
	"github.com/ashureev/pccare/internal/remote"
	"github.com/ashureev/pccare/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeRemote struct {
	mu       sync.Mutex
	pending  []*domain.RemoteExecution
	fetches  int
	patches  []remote.ExecutionPatch
	patchErr error
	fetchErr error
}

func (f *fakeRemote) FetchPendingExecution(context.Context, string) (*domain.RemoteExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	if len(f.pending) == 0 {
		return nil, nil
	}
	rec := *f.pending[0]
	f.pending = f.pending[1:]
	return &rec, nil
}

func (f *fakeRemote) PatchExecution(_ context.Context, _ string, p remote.ExecutionPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.patchErr != nil {
		return f.patchErr
	}
	f.patches = append(f.patches, p)
	return nil
}

func (f *fakeRemote) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func (f *fakeRemote) statuses() []domain.ExecutionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.ExecutionStatus
	for _, p := range f.patches {
		out = append(out, p.Status)
	}
	return out
}

type fakeConn struct{ online bool }

func (f *fakeConn) IsOnline(context.Context) bool { return f.online }

type fakeDevice struct {
	mu          sync.Mutex
	invalidated int
}

func (*fakeDevice) DeviceID(context.Context) (string, error) { return "dev-1", nil }

func (f *fakeDevice) Invalidate(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated++
	return nil
}

type fakeRunner struct {
	mu          sync.Mutex
	result      execution.Result
	calls       int
	statusAtRun domain.ExecutionStatus
	st          Store
}

func (f *fakeRunner) RunAuthorized(ctx context.Context, op domain.Operation, id string) *execution.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if rec, err := f.st.GetExecution(ctx, id); err == nil && rec != nil {
		f.statusAtRun = rec.Status
	}
	res := f.result
	res.RunID = id
	res.Slug = op.Slug
	return &res
}

type nopNotifier struct{ n int }

func (n *nopNotifier) Notify(context.Context, string, string) error {
	n.n++
	return nil
}

type harness struct {
	store    *store.SQLiteStore
	clock    *clock.FakeClock
	remote   *fakeRemote
	conn     *fakeConn
	device   *fakeDevice
	runner   *fakeRunner
	notifier *nopNotifier
	poller   *Poller
	machine  *Machine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fc := clock.Fake(t0)
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "cache.db"), store.WithClock(fc))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	h := &harness{
		store:    st,
		clock:    fc,
		remote:   &fakeRemote{},
		conn:     &fakeConn{online: true},
		device:   &fakeDevice{},
		notifier: &nopNotifier{},
	}
	h.runner = &fakeRunner{st: st, result: execution.Result{Success: true, Output: "Freed 1.2 GB"}}
	h.poller = NewPoller(st, h.remote, h.conn, h.device, h.notifier, PollerOptions{Clock: fc})
	h.machine = NewMachine(st, h.remote, h.conn, h.runner, MachineOptions{OutputCap: 100, Clock: fc})
	t.Cleanup(func() {
		h.poller.Stop()
		h.machine.Wait(0)
	})
	return h
}

func request(id string, expiresIn time.Duration) *domain.RemoteExecution {
	return &domain.RemoteExecution{
		ID:            id,
		OperationSlug: "cleanup",
		Operation: &domain.Operation{
			Slug: "cleanup", Name: "Disk cleanup", Language: "powershell",
			Source: "Remove-Item $env:TEMP\\* -Recurse", Risk: domain.RiskLow, Active: true,
		},
		RequestedBy: "Helpdesk",
		Status:      domain.StatusPending,
		ExpiresAt:   t0.Add(expiresIn),
		CreatedAt:   t0,
	}
}

func (h *harness) surface(t *testing.T, rec *domain.RemoteExecution) {
	t.Helper()
	h.remote.pending = append(h.remote.pending, rec)
	got, err := h.poller.tick(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestPollerForgetsDeviceTheRemoteDropped(t *testing.T) {
	h := newHarness(t)
	h.remote.fetchErr = &remote.ProtocolError{Op: "fetch pending execution", StatusCode: 409, Err: remote.ErrDeviceUnknown}

	_, err := h.poller.tick(context.Background())
	require.ErrorIs(t, err, remote.ErrDeviceUnknown)
	assert.Equal(t, 1, h.device.invalidated)

	h.remote.fetchErr = errors.New("http 500")
	_, err = h.poller.tick(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, h.device.invalidated, "other failures keep the cached id")
}

func TestPollerSurfacesPendingRequest(t *testing.T) {
	h := newHarness(t)
	hub := events.NewHub(8, nil)
	ch, cancel := hub.Subscribe()
	defer cancel()
	h.poller.events = hub

	h.surface(t, request("r1", 90*time.Second))

	pending, err := h.store.GetPendingExecution(context.Background())
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, "r1", pending.ID)
	assert.Equal(t, 1, h.notifier.n)
	assert.Equal(t, events.TypeExecutionPending, (<-ch).Type)
}

func TestPollerNeverPersistsSecondRequest(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.surface(t, request("r1", 90*time.Second))

	h.remote.pending = append(h.remote.pending, request("r2", 90*time.Second))
	h.poller.Tick(ctx)
	assert.Equal(t, 1, h.remote.fetchCount(), "no fetch while a request is in flight")

	// Even if the fetch races past the in-flight check, the save refuses it.
	saved, err := h.store.SaveExecution(ctx, request("r2", 90*time.Second))
	require.NoError(t, err)
	assert.False(t, saved)
	rec, err := h.store.GetExecution(ctx, "r2")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestPollerIgnoresExpiredRequest(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	h.remote.pending = append(h.remote.pending, request("r1", 0), request("r2", -time.Second))
	for range 2 {
		got, err := h.poller.tick(ctx)
		require.NoError(t, err)
		assert.Nil(t, got)
	}

	pending, err := h.store.GetPendingExecution(ctx)
	require.NoError(t, err)
	assert.Nil(t, pending)
	assert.Zero(t, h.notifier.n)
}

func TestPollerSkipsWhileOffline(t *testing.T) {
	h := newHarness(t)
	h.conn.online = false
	h.remote.pending = append(h.remote.pending, request("r1", 90*time.Second))

	h.poller.Tick(context.Background())
	assert.Zero(t, h.remote.fetchCount())
}

func TestPendingRequestExpiresLocally(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.surface(t, request("r1", 90*time.Second))

	h.clock.Advance(89 * time.Second)
	pending, err := h.store.GetPendingExecution(ctx)
	require.NoError(t, err)
	require.NotNil(t, pending)

	h.clock.Advance(2 * time.Second)
	pending, err = h.store.GetPendingExecution(ctx)
	require.NoError(t, err)
	assert.Nil(t, pending)

	rec, err := h.store.GetExecution(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, rec.Status)
	assert.Empty(t, h.remote.statuses(), "expiry is not reported")

	_, err = h.machine.Decide(ctx, "r1", Accept)
	assert.ErrorIs(t, err, ErrExpired)
	assert.Zero(t, h.runner.calls)
}

func TestDecideAfterExpiryWithoutTimer(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	saved, err := h.store.SaveExecution(ctx, request("r1", 90*time.Second))
	require.NoError(t, err)
	require.True(t, saved)

	h.clock.Advance(90 * time.Second)
	rec, err := h.machine.Decide(ctx, "r1", Accept)
	assert.ErrorIs(t, err, ErrExpired)
	assert.Equal(t, domain.StatusExpired, rec.Status)
	h.machine.Wait(0)
	assert.Zero(t, h.runner.calls)
	assert.Empty(t, h.remote.statuses())
}

func TestAcceptRunsAndCompletes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.surface(t, request("r1", 90*time.Second))

	rec, err := h.machine.Decide(ctx, "r1", Accept)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAuthorized, rec.Status)
	require.True(t, h.machine.Wait(5*time.Second))

	assert.Equal(t, 1, h.runner.calls)
	assert.Equal(t, domain.StatusRunning, h.runner.statusAtRun, "running is recorded before the operation starts")

	final, err := h.store.GetExecution(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, final.Status)
	assert.Equal(t, "Freed 1.2 GB", final.Output)
	assert.True(t, final.Reported)
	assert.Equal(t, []domain.ExecutionStatus{domain.StatusRunning, domain.StatusCompleted}, h.remote.statuses())

	_, err = h.machine.Decide(ctx, "r1", Reject)
	assert.ErrorIs(t, err, ErrAlreadyDecided)
}

func TestAcceptWithFailingRunner(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.runner.result = execution.Result{Success: false, Error: "exited with code 1"}
	h.surface(t, request("r1", 90*time.Second))

	_, err := h.machine.Decide(ctx, "r1", Accept)
	require.NoError(t, err)
	require.True(t, h.machine.Wait(5*time.Second))

	final, err := h.store.GetExecution(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, final.Status)
	assert.Equal(t, "exited with code 1", final.Error)

	h.remote.mu.Lock()
	last := h.remote.patches[len(h.remote.patches)-1]
	h.remote.mu.Unlock()
	assert.Equal(t, domain.StatusFailed, last.Status)
	require.NotNil(t, last.Error)
	assert.NotEmpty(t, *last.Error)
	assert.NotNil(t, last.CompletedAt)

	// The slot is free again, so the next tick polls.
	before := h.remote.fetchCount()
	h.poller.Tick(ctx)
	assert.Equal(t, before+1, h.remote.fetchCount())
}

func TestRejectNeverRuns(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.surface(t, request("r1", 90*time.Second))

	rec, err := h.machine.Decide(ctx, "r1", Reject)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, rec.Status)
	require.True(t, h.machine.Wait(5*time.Second))

	assert.Zero(t, h.runner.calls)
	assert.Equal(t, []domain.ExecutionStatus{domain.StatusRejected}, h.remote.statuses())
	final, err := h.store.GetExecution(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, final.Reported)
}

func TestOfflineOutcomeIsNotReported(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.surface(t, request("r1", 90*time.Second))
	h.conn.online = false

	_, err := h.machine.Decide(ctx, "r1", Accept)
	require.NoError(t, err)
	require.True(t, h.machine.Wait(5*time.Second))

	final, err := h.store.GetExecution(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, final.Status)
	assert.False(t, final.Reported)
	assert.Empty(t, h.remote.statuses())
}

func TestPatchFailureDoesNotBlockCompletion(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.surface(t, request("r1", 90*time.Second))
	h.remote.patchErr = errors.New("http 503")

	_, err := h.machine.Decide(ctx, "r1", Accept)
	require.NoError(t, err)
	require.True(t, h.machine.Wait(5*time.Second))

	final, err := h.store.GetExecution(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, final.Status)
	assert.False(t, final.Reported)
}

func TestAcceptPrefersCachedOperation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	cached := domain.Operation{Slug: "cleanup", Name: "Disk cleanup v2", Language: "powershell", Source: "v2", Active: true, Risk: domain.RiskLow}
	_, err := h.store.UpsertOperations(ctx, []domain.Operation{cached})
	require.NoError(t, err)

	var got domain.Operation
	h.machine.runner = runnerFunc(func(_ context.Context, op domain.Operation, id string) *execution.Result {
		got = op
		return &execution.Result{RunID: id, Success: true}
	})
	h.surface(t, request("r1", 90*time.Second))

	_, err = h.machine.Decide(ctx, "r1", Accept)
	require.NoError(t, err)
	require.True(t, h.machine.Wait(5*time.Second))
	assert.Equal(t, "v2", got.Source)
}

func TestAcceptUnknownOperationFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	rec := request("r1", 90*time.Second)
	rec.Operation = nil
	h.surface(t, rec)

	_, err := h.machine.Decide(ctx, "r1", Accept)
	require.NoError(t, err)
	require.True(t, h.machine.Wait(5*time.Second))

	final, err := h.store.GetExecution(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, final.Status)
	assert.NotEmpty(t, final.Error)
	assert.Zero(t, h.runner.calls)
}

func TestDecideUnknownRequest(t *testing.T) {
	h := newHarness(t)
	_, err := h.machine.Decide(context.Background(), "nope", Accept)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOutputIsCapped(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'x'
	}
	h.runner.result = execution.Result{Success: true, Output: string(long)}
	h.surface(t, request("r1", 90*time.Second))

	_, err := h.machine.Decide(ctx, "r1", Accept)
	require.NoError(t, err)
	require.True(t, h.machine.Wait(5*time.Second))

	final, err := h.store.GetExecution(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 100, len([]rune(final.Output)))
}

func TestRecoverInterrupted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.surface(t, request("r1", 90*time.Second))
	require.NoError(t, h.store.UpdateExecutionStatus(ctx, "r1", domain.StatusAuthorized, nil, nil))

	n, err := h.machine.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	final, err := h.store.GetExecution(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, final.Status)
	assert.Equal(t, interruptedMessage, final.Error)
	assert.True(t, final.Reported)

	inFlight, err := h.store.GetInFlightExecution(ctx)
	require.NoError(t, err)
	assert.Nil(t, inFlight)
}

func TestParseDecision(t *testing.T) {
	d, err := ParseDecision("accept")
	require.NoError(t, err)
	assert.Equal(t, Accept, d)
	_, err = ParseDecision("maybe")
	assert.Error(t, err)
}

type runnerFunc func(ctx context.Context, op domain.Operation, id string) *execution.Result

func (f runnerFunc) RunAuthorized(ctx context.Context, op domain.Operation, id string) *execution.Result {
	return f(ctx, op, id)
}
