package dailycap

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalrelay/internal/store"
	"signalrelay/internal/util"
)

func newTestTracker(t *testing.T, loc *time.Location, at *time.Time) *Tracker {
	t.Helper()
	tr := NewTracker(store.NewMemoryDailyTradeStore(), loc, util.NopLogger())
	tr.SetClock(func() time.Time { return *at })
	return tr
}

func TestTracker_DayBoundary(t *testing.T) {
	ctx := context.Background()
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	now := time.Date(2024, 3, 12, 10, 0, 0, 0, ny)
	tr := newTestTracker(t, ny, &now)

	traded, err := tr.HasTradedToday(ctx, "AAPL")
	require.NoError(t, err)
	assert.False(t, traded)

	inserted, err := tr.MarkTraded(ctx, "aapl")
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = tr.MarkTraded(ctx, "AAPL")
	require.NoError(t, err)
	assert.False(t, inserted, "second mark on the same day")

	traded, err = tr.HasTradedToday(ctx, "AAPL")
	require.NoError(t, err)
	assert.True(t, traded)

	traded, err = tr.HasTradedToday(ctx, "MSFT")
	require.NoError(t, err)
	assert.False(t, traded, "cap is per symbol")

	now = time.Date(2024, 3, 13, 0, 1, 0, 0, ny)
	traded, err = tr.HasTradedToday(ctx, "AAPL")
	require.NoError(t, err)
	assert.False(t, traded, "cap resets on the next calendar day")
}

func TestTracker_DateUsesConfiguredZone(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// 02:30 UTC on the 13th is still the 12th in New York.
	now := time.Date(2024, 3, 13, 2, 30, 0, 0, time.UTC)
	assert.Equal(t, "2024-03-12", newTestTracker(t, ny, &now).Today())
	assert.Equal(t, "2024-03-13", newTestTracker(t, time.UTC, &now).Today())
}

func TestTracker_PruneOlderThan(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	tr := newTestTracker(t, time.UTC, &now)

	for d := 0; d < 10; d++ {
		_, err := tr.MarkTraded(ctx, "SPY")
		require.NoError(t, err)
		now = now.AddDate(0, 0, 1)
	}
	// now is 2024-03-11; cutoff is 2024-03-04.
	removed, err := tr.PruneOlderThan(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	history, err := tr.History(ctx)
	require.NoError(t, err)
	assert.Len(t, history, 7)
	assert.NotContains(t, history, "2024-03-03")
	assert.Contains(t, history, "2024-03-04")

	_, err = tr.PruneOlderThan(ctx, 0)
	assert.Error(t, err)
}

func TestTracker_PruneOncePerDay(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryDailyTradeStore()
	now := time.Date(2024, 3, 11, 9, 0, 0, 0, time.UTC)
	tr := NewTracker(s, time.UTC, util.NopLogger())
	tr.SetClock(func() time.Time { return now })

	_, err := s.MarkTraded(ctx, "2024-03-01", "SPY")
	require.NoError(t, err)
	assert.True(t, tr.pruneOncePerDay(ctx, 7))
	traded, err := s.Traded(ctx, "2024-03-01", "SPY")
	require.NoError(t, err)
	assert.False(t, traded)

	// Later the same day nothing is pruned.
	_, err = s.MarkTraded(ctx, "2024-03-02", "SPY")
	require.NoError(t, err)
	now = now.Add(10 * time.Hour)
	assert.False(t, tr.pruneOncePerDay(ctx, 7))
	traded, err = s.Traded(ctx, "2024-03-02", "SPY")
	require.NoError(t, err)
	assert.True(t, traded)

	// The next date prunes again.
	now = now.Add(5 * time.Hour)
	assert.True(t, tr.pruneOncePerDay(ctx, 7))
	traded, err = s.Traded(ctx, "2024-03-02", "SPY")
	require.NoError(t, err)
	assert.False(t, traded)

	// A failed prune is retried.
	now = now.AddDate(0, 0, 1)
	assert.False(t, tr.pruneOncePerDay(ctx, 0))
	assert.True(t, tr.pruneOncePerDay(ctx, 7))
}

func TestTracker_RunRetention(t *testing.T) {
	s := store.NewMemoryDailyTradeStore()
	now := time.Date(2024, 3, 11, 9, 0, 0, 0, time.UTC)
	tr := NewTracker(s, time.UTC, util.NopLogger())
	tr.SetClock(func() time.Time { return now })
	_, err := s.MarkTraded(context.Background(), "2024-03-01", "SPY")
	require.NoError(t, err)
	_, err = s.MarkTraded(context.Background(), "2024-03-10", "QQQ")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tr.RunRetention(ctx, 7, time.Hour)
		close(done)
	}()

	require.Eventually(t, func() bool {
		all, err := s.All(context.Background())
		return err == nil && len(all) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunRetention did not return after cancel")
	}
}

func TestTracker_TradedTodayAndClear(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 12, 15, 0, 0, 0, time.UTC)
	tr := newTestTracker(t, time.UTC, &now)

	for _, s := range []string{"TSLA", "AAPL"} {
		_, err := tr.MarkTraded(ctx, s)
		require.NoError(t, err)
	}
	syms, err := tr.TradedToday(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL", "TSLA"}, syms)

	n, err := tr.ClearToday(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	traded, err := tr.HasTradedToday(ctx, "AAPL")
	require.NoError(t, err)
	assert.False(t, traded)
}
