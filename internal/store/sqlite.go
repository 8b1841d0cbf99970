package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ DailyTradeStore = (*SQLiteStore)(nil)

// SQLiteStore implements DailyTradeStore backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, applies the
// schema and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// SQLite allows a single writer; serialising connections avoids
	// SQLITE_BUSY under concurrent webhooks.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS daily_trades (
	trade_date TEXT    NOT NULL,
	symbol     TEXT    NOT NULL,
	marked_at  INTEGER NOT NULL,
	PRIMARY KEY (trade_date, symbol)
)`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating daily_trades table: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// DailyTradeStore implementation
// ---------------------------------------------------------------------------

// MarkTraded inserts (date, symbol) unless it already exists.
func (s *SQLiteStore) MarkTraded(ctx context.Context, date, symbol string) (bool, error) {
	if date == "" || symbol == "" {
		return false, ErrInvalidInput
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO daily_trades (trade_date, symbol, marked_at) VALUES (?, ?, ?)`,
		date, symbol, time.Now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("marking %s traded on %s: %w", symbol, date, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Traded reports whether (date, symbol) exists.
func (s *SQLiteStore) Traded(ctx context.Context, date, symbol string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM daily_trades WHERE trade_date = ? AND symbol = ?)`,
		date, symbol).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("querying daily trade %s/%s: %w", date, symbol, err)
	}
	return exists, nil
}

// Symbols returns the symbols recorded for date.
func (s *SQLiteStore) Symbols(ctx context.Context, date string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT symbol FROM daily_trades WHERE trade_date = ? ORDER BY symbol`, date)
	if err != nil {
		return nil, fmt.Errorf("listing daily trades for %s: %w", date, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, err
		}
		out = append(out, sym)
	}
	return out, rows.Err()
}

// All returns every recorded date with its symbols.
func (s *SQLiteStore) All(ctx context.Context) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT trade_date, symbol FROM daily_trades ORDER BY trade_date, symbol`)
	if err != nil {
		return nil, fmt.Errorf("listing daily trades: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var date, sym string
		if err := rows.Scan(&date, &sym); err != nil {
			return nil, err
		}
		out[date] = append(out[date], sym)
	}
	return out, rows.Err()
}

// PruneBefore deletes records dated before date.
func (s *SQLiteStore) PruneBefore(ctx context.Context, date string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM daily_trades WHERE trade_date < ?`, date)
	if err != nil {
		return 0, fmt.Errorf("pruning daily trades before %s: %w", date, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ClearDate deletes records for date.
func (s *SQLiteStore) ClearDate(ctx context.Context, date string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM daily_trades WHERE trade_date = ?`, date)
	if err != nil {
		return 0, fmt.Errorf("clearing daily trades for %s: %w", date, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}
