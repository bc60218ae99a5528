package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/pccare/internal/clock"
	"github.com/ashureev/pccare/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, opts ...Option) (*SQLiteStore, *clock.FakeClock) {
	t.Helper()
	fc := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	opts = append([]Option{WithClock(fc)}, opts...)
	s, err := NewSQLite(filepath.Join(t.TempDir(), "cache.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, fc
}

func op(slug string) domain.Operation {
	return domain.Operation{
		Slug:     slug,
		Name:     slug,
		Language: "powershell",
		Source:   "Write-Output " + slug,
		Risk:     domain.RiskLow,
		Active:   true,
	}
}

func TestUpsertOperationsIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	snapshot := []domain.Operation{op("cleanup"), op("dns-flush")}
	_, err := s.UpsertOperations(ctx, snapshot)
	require.NoError(t, err)
	first, err := s.GetOperations(ctx, true)
	require.NoError(t, err)

	_, err = s.UpsertOperations(ctx, snapshot)
	require.NoError(t, err)
	second, err := s.GetOperations(ctx, true)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, second, 2)
}

func TestDeactivateMissingOperations(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	_, err := s.UpsertOperations(ctx, []domain.Operation{op("cleanup"), op("old-tool")})
	require.NoError(t, err)

	n, err := s.DeactivateMissingOperations(ctx, []string{"cleanup"}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	listed, err := s.GetOperations(ctx, false)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "cleanup", listed[0].Slug)

	old, err := s.GetOperation(ctx, "old-tool")
	require.NoError(t, err)
	require.NotNil(t, old, "inactive operations stay cached")
	assert.False(t, old.Active)
}

func TestDeactivateMissingOperationsRespectsGrace(t *testing.T) {
	ctx := context.Background()
	s, fc := newTestStore(t)

	_, err := s.UpsertOperations(ctx, []domain.Operation{op("old-tool")})
	require.NoError(t, err)

	n, err := s.DeactivateMissingOperations(ctx, nil, fc.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n, "recently confirmed rows survive the grace window")

	fc.Advance(2 * time.Minute)
	n, err = s.DeactivateMissingOperations(ctx, nil, fc.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestGetOperationMissing(t *testing.T) {
	s, _ := newTestStore(t)
	got, err := s.GetOperation(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestTelemetryRingBuffer(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, WithTelemetryRetention(3))

	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendTelemetry(ctx, &domain.TelemetrySample{CPUPercent: float64(i), HealthStatus: domain.HealthGood}))
	}

	recent, err := s.GetRecentTelemetry(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, 4.0, recent[0].CPUPercent)
	assert.Equal(t, 2.0, recent[2].CPUPercent)

	unsynced, err := s.GetUnsyncedTelemetry(ctx, 10)
	require.NoError(t, err)
	require.Len(t, unsynced, 3)
	assert.Equal(t, 2.0, unsynced[0].CPUPercent, "unsynced rows come in insertion order")

	require.NoError(t, s.MarkTelemetrySynced(ctx, unsynced[0].ID))
	unsynced, err = s.GetUnsyncedTelemetry(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, unsynced, 2)

	err = s.MarkTelemetrySynced(ctx, 9999)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestTimestampsKeepMilliseconds(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 250*int(time.Millisecond), time.UTC)

	require.NoError(t, s.AppendTelemetry(ctx, &domain.TelemetrySample{RecordedAt: at, HealthStatus: domain.HealthGood}))
	require.NoError(t, s.AppendTelemetry(ctx, &domain.TelemetrySample{RecordedAt: at.Add(500 * time.Millisecond), HealthStatus: domain.HealthGood}))
	samples, err := s.GetUnsyncedTelemetry(ctx, 10)
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.Equal(t, at.UnixMilli(), samples[0].RecordedAt.UnixMilli())
	assert.Equal(t, int64(500), samples[1].RecordedAt.Sub(samples[0].RecordedAt).Milliseconds())

	require.NoError(t, s.AppendSupportRequest(ctx, &domain.SupportRequest{Subject: "Slow", Message: "It lags", CreatedAt: at}))
	reqs, err := s.GetUnsyncedSupportRequests(ctx, 10)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, at.UnixMilli(), reqs[0].CreatedAt.UnixMilli())
}

func TestConversationChronological(t *testing.T) {
	ctx := context.Background()
	s, fc := newTestStore(t)

	for _, text := range []string{"hi", "hello", "my pc is slow"} {
		fc.Advance(time.Second)
		require.NoError(t, s.AppendConversation(ctx, &domain.ConversationEntry{Role: domain.RoleUser, Content: text}))
	}

	last2, err := s.GetConversation(ctx, 2)
	require.NoError(t, err)
	require.Len(t, last2, 2)
	assert.Equal(t, "hello", last2[0].Content)
	assert.Equal(t, "my pc is slow", last2[1].Content)
	assert.NotEmpty(t, last2[0].ClientID)

	err = s.AppendConversation(ctx, &domain.ConversationEntry{Role: "system", Content: "x"})
	assert.Error(t, err)
}

func TestSettings(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	_, ok, err := s.GetSetting(ctx, domain.SettingOnboardingComplete)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetSetting(ctx, domain.SettingOnboardingComplete, "false"))
	require.NoError(t, s.SetSetting(ctx, domain.SettingOnboardingComplete, "true"))
	require.NoError(t, s.SetSetting(ctx, domain.RemoteSettingPrefix+"theme", "dark"))

	v, ok, err := s.GetSetting(ctx, domain.SettingOnboardingComplete)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "true", v)

	remote, err := s.ListSettings(ctx, domain.RemoteSettingPrefix)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"remote.theme": "dark"}, remote)

	require.NoError(t, s.DeleteSetting(ctx, domain.SettingOnboardingComplete))
	_, ok, err = s.GetSetting(ctx, domain.SettingOnboardingComplete)
	require.NoError(t, err)
	assert.False(t, ok)
}

func pendingRequest(id string, now time.Time, ttl time.Duration) *domain.RemoteExecution {
	cleanup := op("cleanup")
	return &domain.RemoteExecution{
		ID:            id,
		OperationSlug: "cleanup",
		Operation:     &cleanup,
		RequestedBy:   "tech@example.com",
		ExpiresAt:     now.Add(ttl),
	}
}

func TestSaveExecutionSingleSlot(t *testing.T) {
	ctx := context.Background()
	s, fc := newTestStore(t)

	saved, err := s.SaveExecution(ctx, pendingRequest("r1", fc.Now(), 90*time.Second))
	require.NoError(t, err)
	assert.True(t, saved)

	saved, err = s.SaveExecution(ctx, pendingRequest("r2", fc.Now(), 90*time.Second))
	require.NoError(t, err)
	assert.False(t, saved, "second request while one is in flight is not persisted")

	got, err := s.GetExecution(ctx, "r2")
	require.NoError(t, err)
	assert.Nil(t, got)

	saved, err = s.SaveExecution(ctx, pendingRequest("r1", fc.Now(), 90*time.Second))
	require.NoError(t, err)
	assert.False(t, saved)

	pending, err := s.GetPendingExecution(ctx)
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, "r1", pending.ID)
	require.NotNil(t, pending.Operation)
	assert.Equal(t, "cleanup", pending.Operation.Slug)
}

func TestSaveExecutionRejectsExpired(t *testing.T) {
	s, fc := newTestStore(t)
	saved, err := s.SaveExecution(context.Background(), pendingRequest("r1", fc.Now(), -time.Second))
	require.NoError(t, err)
	assert.False(t, saved)
}

func TestPendingExecutionExpires(t *testing.T) {
	ctx := context.Background()
	s, fc := newTestStore(t)

	saved, err := s.SaveExecution(ctx, pendingRequest("r1", fc.Now(), 90*time.Second))
	require.NoError(t, err)
	require.True(t, saved)

	fc.Advance(89 * time.Second)
	pending, err := s.GetPendingExecution(ctx)
	require.NoError(t, err)
	assert.NotNil(t, pending)

	fc.Advance(2 * time.Second)
	pending, err = s.GetPendingExecution(ctx)
	require.NoError(t, err)
	assert.Nil(t, pending)

	inFlight, err := s.GetInFlightExecution(ctx)
	require.NoError(t, err)
	assert.Nil(t, inFlight, "an expired request frees the slot")

	ids, err := s.ExpirePendingExecutions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, ids)

	rec, err := s.GetExecution(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, rec.Status)

	saved, err = s.SaveExecution(ctx, pendingRequest("r2", fc.Now(), 90*time.Second))
	require.NoError(t, err)
	assert.True(t, saved)
}

func TestUpdateExecutionStatusGuarded(t *testing.T) {
	ctx := context.Background()
	s, fc := newTestStore(t)

	_, err := s.SaveExecution(ctx, pendingRequest("r1", fc.Now(), 90*time.Second))
	require.NoError(t, err)

	err = s.UpdateExecutionStatus(ctx, "r1", domain.StatusRunning, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition, "pending cannot skip authorization")

	require.NoError(t, s.UpdateExecutionStatus(ctx, "r1", domain.StatusAuthorized, nil, nil))
	err = s.UpdateExecutionStatus(ctx, "r1", domain.StatusAuthorized, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition, "a second decision is rejected")

	require.NoError(t, s.UpdateExecutionStatus(ctx, "r1", domain.StatusRunning, nil, nil))
	out := "done"
	require.NoError(t, s.UpdateExecutionStatus(ctx, "r1", domain.StatusCompleted, &out, nil))

	rec, err := s.GetExecution(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, rec.Status)
	assert.Equal(t, "done", rec.Output)
	assert.NotNil(t, rec.StartedAt)
	assert.NotNil(t, rec.CompletedAt)

	errText := "late"
	err = s.UpdateExecutionStatus(ctx, "r1", domain.StatusFailed, nil, &errText)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	err = s.UpdateExecutionStatus(ctx, "missing", domain.StatusRejected, nil, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAuthorizeAfterExpiryFails(t *testing.T) {
	ctx := context.Background()
	s, fc := newTestStore(t)

	_, err := s.SaveExecution(ctx, pendingRequest("r1", fc.Now(), 10*time.Second))
	require.NoError(t, err)
	fc.Advance(10 * time.Second)

	err = s.UpdateExecutionStatus(ctx, "r1", domain.StatusAuthorized, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	require.NoError(t, s.UpdateExecutionStatus(ctx, "r1", domain.StatusExpired, nil, nil))
}

func TestInterruptedAndPrune(t *testing.T) {
	ctx := context.Background()
	s, fc := newTestStore(t)

	_, err := s.SaveExecution(ctx, pendingRequest("r1", fc.Now(), time.Minute))
	require.NoError(t, err)
	require.NoError(t, s.UpdateExecutionStatus(ctx, "r1", domain.StatusAuthorized, nil, nil))
	require.NoError(t, s.UpdateExecutionStatus(ctx, "r1", domain.StatusRunning, nil, nil))

	interrupted, err := s.InterruptedExecutions(ctx)
	require.NoError(t, err)
	require.Len(t, interrupted, 1)

	msg := "interrupted"
	require.NoError(t, s.UpdateExecutionStatus(ctx, "r1", domain.StatusFailed, nil, &msg))

	fc.Advance(48 * time.Hour)
	n, err := s.PruneExecutions(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n, "unreported outcomes are kept")

	require.NoError(t, s.MarkExecutionReported(ctx, "r1"))
	fc.Advance(48 * time.Hour)
	n, err = s.PruneExecutions(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
