package maintenance

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/pccare/internal/clock"
	"github.com/ashureev/pccare/internal/domain"
	"github.com/ashureev/pccare/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweep(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fc := clock.Fake(t0)
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "cache.db"), store.WithClock(fc))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	save := func(id string) {
		t.Helper()
		ok, err := st.SaveExecution(ctx, &domain.RemoteExecution{
			ID: id, OperationSlug: "cleanup", Status: domain.StatusPending, ExpiresAt: fc.Now().Add(time.Minute),
		})
		require.NoError(t, err)
		require.True(t, ok)
	}

	// A rejected request that was reported, and a failed one that was not.
	save("reported")
	require.NoError(t, st.UpdateExecutionStatus(ctx, "reported", domain.StatusRejected, nil, nil))
	require.NoError(t, st.MarkExecutionReported(ctx, "reported"))

	save("unreported")
	require.NoError(t, st.UpdateExecutionStatus(ctx, "unreported", domain.StatusAuthorized, nil, nil))
	msg := "exited with code 1"
	require.NoError(t, st.UpdateExecutionStatus(ctx, "unreported", domain.StatusFailed, nil, &msg))

	save("stale")

	fc.Advance(48 * time.Hour)
	w := NewWorker(st, 24*time.Hour, time.Hour, nil, nil)
	w.Sweep(ctx)

	stale, err := st.GetExecution(ctx, "stale")
	require.NoError(t, err)
	require.NotNil(t, stale, "expired today, kept until it ages out")
	assert.Equal(t, domain.StatusExpired, stale.Status)

	gone, err := st.GetExecution(ctx, "reported")
	require.NoError(t, err)
	assert.Nil(t, gone)

	kept, err := st.GetExecution(ctx, "unreported")
	require.NoError(t, err)
	assert.NotNil(t, kept, "unreported outcomes are never pruned")

	fc.Advance(48 * time.Hour)
	w.Sweep(ctx)
	stale, err = st.GetExecution(ctx, "stale")
	require.NoError(t, err)
	assert.Nil(t, stale)
}
