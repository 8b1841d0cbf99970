// Package store defines persistence interfaces for the daily trade log and
// the execution journal, with SQLite, Postgres, Parquet and in-memory
// implementations.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")
)

// DateLayout is the layout of date keys used by DailyTradeStore. Keys sort
// lexically in date order.
const DateLayout = "2006-01-02"

// DailyTradeStore records which symbols have been entered on which date.
// Implementations must make MarkTraded atomic: two concurrent calls for the
// same key report inserted=true exactly once.
type DailyTradeStore interface {
	// MarkTraded records (date, symbol) and reports whether it was newly
	// inserted.
	MarkTraded(ctx context.Context, date, symbol string) (inserted bool, err error)

	// Traded reports whether (date, symbol) was recorded.
	Traded(ctx context.Context, date, symbol string) (bool, error)

	// Symbols returns the symbols recorded for date, sorted.
	Symbols(ctx context.Context, date string) ([]string, error)

	// All returns every recorded date with its symbols.
	All(ctx context.Context) (map[string][]string, error)

	// PruneBefore removes every record dated strictly before date and
	// returns the number of rows removed.
	PruneBefore(ctx context.Context, date string) (int, error)

	// ClearDate removes every record for date.
	ClearDate(ctx context.Context, date string) (int, error)
}

// JournalEntry is one executed or suppressed signal.
type JournalEntry struct {
	At             time.Time `json:"at"`
	Symbol         string    `json:"symbol"`
	Action         string    `json:"action"`
	Intent         string    `json:"intent"`
	Status         string    `json:"status"`
	Reason         string    `json:"reason,omitempty"`
	Side           string    `json:"side,omitempty"`
	Qty            string    `json:"qty,omitempty"`
	Notional       string    `json:"notional,omitempty"`
	OrderType      string    `json:"order_type,omitempty"`
	LimitPrice     string    `json:"limit_price,omitempty"`
	BrokerOrderID  string    `json:"broker_order_id,omitempty"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	ErrorKind      string    `json:"error_kind,omitempty"`
	Message        string    `json:"message"`
}

// JournalStore is an append-only log of signal outcomes.
type JournalStore interface {
	// Append persists entries.
	Append(ctx context.Context, entries ...JournalEntry) error

	// Read returns the entries recorded on the given UTC date, oldest first.
	Read(ctx context.Context, date time.Time) ([]JournalEntry, error)
}
