package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"signalrelay/internal/util"
)

// Flattener closes every position. *Engine satisfies it.
type Flattener interface {
	Flatten(ctx context.Context, trigger string) FlattenReport
}

// AutoFlattener polls the calendar and flattens the book once per trading
// date when the flatten window opens.
type AutoFlattener struct {
	target   Flattener
	cal      *util.TradingCalendar
	interval time.Duration
	now      func() time.Time
	log      *slog.Logger

	mu       sync.Mutex
	lastDate string
}

// NewAutoFlattener creates an AutoFlattener polling every interval
// (default 20s).
func NewAutoFlattener(target Flattener, cal *util.TradingCalendar, interval time.Duration, log *slog.Logger) *AutoFlattener {
	if interval <= 0 {
		interval = 20 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &AutoFlattener{
		target:   target,
		cal:      cal,
		interval: interval,
		now:      time.Now,
		log:      log.With("component", "auto_flatten"),
	}
}

// Run checks the flatten window every interval until ctx is done.
func (a *AutoFlattener) Run(ctx context.Context) error {
	a.log.Info("auto-flatten started", "interval", a.interval)
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.Check(ctx)
		}
	}
}

// Check flattens if now is inside the flatten window and today's flatten
// has not yet completed. A run with failures is retried on the next check.
// It reports whether a flatten ran.
func (a *AutoFlattener) Check(ctx context.Context) bool {
	now := a.now()
	if !a.cal.InFlattenWindow(now) {
		return false
	}
	date := a.cal.DateKey(now)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lastDate == date {
		return false
	}

	a.log.Info("flatten window open, flattening", "date", date, "close", a.cal.NextClose(now))
	rep := a.target.Flatten(ctx, "auto")
	if rep.Skipped {
		return false
	}
	if rep.Failed == 0 {
		a.lastDate = date
	} else {
		a.log.Error("auto-flatten incomplete, will retry", "date", date, "failed", rep.Failed, "errors", rep.Errors)
	}
	return true
}
