// Package dailycap enforces one entry per symbol per calendar day.
package dailycap

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"signalrelay/internal/store"
)

// Tracker answers "has this symbol been entered today" against a
// store.DailyTradeStore. The calendar date is computed in an explicit
// location, never the host's local zone.
type Tracker struct {
	store store.DailyTradeStore
	loc   *time.Location
	now   func() time.Time
	log   *slog.Logger

	prunedFor string // date of the last successful scheduled prune
}

// NewTracker creates a Tracker whose day boundary is midnight in loc.
func NewTracker(s store.DailyTradeStore, loc *time.Location, log *slog.Logger) *Tracker {
	if loc == nil {
		loc = time.UTC
	}
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		store: s,
		loc:   loc,
		now:   time.Now,
		log:   log.With("component", "dailycap"),
	}
}

// SetClock replaces the time source.
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

// Today returns the current date key.
func (t *Tracker) Today() string {
	return t.dateKey(t.now())
}

func (t *Tracker) dateKey(at time.Time) string {
	return at.In(t.loc).Format(store.DateLayout)
}

// HasTradedToday reports whether symbol was entered today.
func (t *Tracker) HasTradedToday(ctx context.Context, symbol string) (bool, error) {
	ok, err := t.store.Traded(ctx, t.Today(), normalize(symbol))
	if err != nil {
		return false, fmt.Errorf("checking daily cap for %s: %w", symbol, err)
	}
	return ok, nil
}

// MarkTraded records symbol as entered today. It reports false when the
// symbol was already recorded.
func (t *Tracker) MarkTraded(ctx context.Context, symbol string) (bool, error) {
	date := t.Today()
	inserted, err := t.store.MarkTraded(ctx, date, normalize(symbol))
	if err != nil {
		return false, fmt.Errorf("marking %s traded: %w", symbol, err)
	}
	if inserted {
		t.log.Info("symbol marked traded", "symbol", symbol, "date", date)
	}
	return inserted, nil
}

// PruneOlderThan removes records dated more than days before today.
func (t *Tracker) PruneOlderThan(ctx context.Context, days int) (int, error) {
	if days < 1 {
		return 0, fmt.Errorf("retention must be at least one day, got %d", days)
	}
	cutoff := t.now().In(t.loc).AddDate(0, 0, -days).Format(store.DateLayout)
	n, err := t.store.PruneBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning daily trades before %s: %w", cutoff, err)
	}
	if n > 0 {
		t.log.Info("pruned daily trade records", "before", cutoff, "removed", n)
	}
	return n, nil
}

// RunRetention prunes records older than days once per date until ctx is
// done. The date is checked immediately and then every interval; a failed
// prune is retried on the next check.
func (t *Tracker) RunRetention(ctx context.Context, days int, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		t.pruneOncePerDay(ctx, days)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// pruneOncePerDay prunes unless today was already pruned. It reports
// whether a prune ran successfully.
func (t *Tracker) pruneOncePerDay(ctx context.Context, days int) bool {
	today := t.Today()
	if today == t.prunedFor {
		return false
	}
	if _, err := t.PruneOlderThan(ctx, days); err != nil {
		t.log.Warn("scheduled prune failed", "date", today, "error", err)
		return false
	}
	t.prunedFor = today
	return true
}

// TradedToday returns today's capped symbols, sorted.
func (t *Tracker) TradedToday(ctx context.Context) ([]string, error) {
	return t.store.Symbols(ctx, t.Today())
}

// ClearToday lifts the cap for every symbol today.
func (t *Tracker) ClearToday(ctx context.Context) (int, error) {
	date := t.Today()
	n, err := t.store.ClearDate(ctx, date)
	if err != nil {
		return 0, fmt.Errorf("clearing daily trades for %s: %w", date, err)
	}
	t.log.Warn("daily cap cleared", "date", date, "removed", n)
	return n, nil
}

// History returns every retained date with its symbols.
func (t *Tracker) History(ctx context.Context) (map[string][]string, error) {
	return t.store.All(ctx)
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
