package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Compile-time interface check.
var _ DailyTradeStore = (*PostgresStore)(nil)

// PostgresStore implements DailyTradeStore on a shared Postgres database so
// several relay instances can enforce one daily cap.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn, verifies the connection and applies the
// schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS daily_trades (
			trade_date TEXT        NOT NULL,
			symbol     TEXT        NOT NULL,
			marked_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (trade_date, symbol)
		)
	`)
	if err != nil {
		return fmt.Errorf("apply daily_trades schema: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// DailyTradeStore implementation
// ---------------------------------------------------------------------------

// MarkTraded inserts (date, symbol), doing nothing on conflict.
func (s *PostgresStore) MarkTraded(ctx context.Context, date, symbol string) (bool, error) {
	if date == "" || symbol == "" {
		return false, ErrInvalidInput
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO daily_trades (trade_date, symbol)
		VALUES ($1, $2)
		ON CONFLICT (trade_date, symbol) DO NOTHING
	`, date, symbol)
	if err != nil {
		return false, fmt.Errorf("mark %s traded on %s: %w", symbol, date, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Traded reports whether (date, symbol) exists.
func (s *PostgresStore) Traded(ctx context.Context, date, symbol string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM daily_trades WHERE trade_date = $1 AND symbol = $2)
	`, date, symbol).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query daily trade %s/%s: %w", date, symbol, err)
	}
	return exists, nil
}

// Symbols returns the symbols recorded for date.
func (s *PostgresStore) Symbols(ctx context.Context, date string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT symbol FROM daily_trades WHERE trade_date = $1 ORDER BY symbol
	`, date)
	if err != nil {
		return nil, fmt.Errorf("list daily trades for %s: %w", date, err)
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
func (s *PostgresStore) All(ctx context.Context) (map[string][]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT trade_date, symbol
		FROM daily_trades
		ORDER BY trade_date, symbol
	`)
	if err != nil {
		return nil, fmt.Errorf("list daily trades: %w", err)
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
func (s *PostgresStore) PruneBefore(ctx context.Context, date string) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM daily_trades WHERE trade_date < $1`, date)
	if err != nil {
		return 0, fmt.Errorf("prune daily trades before %s: %w", date, err)
	}
	return int(tag.RowsAffected()), nil
}

// ClearDate deletes records for date.
func (s *PostgresStore) ClearDate(ctx context.Context, date string) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM daily_trades WHERE trade_date = $1`, date)
	if err != nil {
		return 0, fmt.Errorf("clear daily trades for %s: %w", date, err)
	}
	return int(tag.RowsAffected()), nil
}
