package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"
)

// Compile-time interface check.
var _ JournalStore = (*ParquetJournal)(nil)

// ParquetJournal implements JournalStore using one Parquet file per UTC day:
//
//	<DataDir>/journal/<YYYY-MM-DD>.parquet
type ParquetJournal struct {
	DataDir string

	mu sync.Mutex
}

// NewParquetJournal creates a new ParquetJournal rooted at dataDir.
func NewParquetJournal(dataDir string) *ParquetJournal {
	return &ParquetJournal{DataDir: dataDir}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// JournalRecord is the Parquet schema for a journal entry. Decimal amounts
// are kept as strings to avoid float rounding.
type JournalRecord struct {
	Timestamp      int64  `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Symbol         string `parquet:"symbol"`
	Action         string `parquet:"action"`
	Intent         string `parquet:"intent"`
	Status         string `parquet:"status"`
	Reason         string `parquet:"reason"`
	Side           string `parquet:"side"`
	Qty            string `parquet:"qty"`
	Notional       string `parquet:"notional"`
	OrderType      string `parquet:"order_type"`
	LimitPrice     string `parquet:"limit_price"`
	BrokerOrderID  string `parquet:"broker_order_id"`
	IdempotencyKey string `parquet:"idempotency_key"`
	ErrorKind      string `parquet:"error_kind"`
	Message        string `parquet:"message"`
}

// ---------------------------------------------------------------------------
// JournalStore implementation
// ---------------------------------------------------------------------------

// Append merges entries into their day files.
func (j *ParquetJournal) Append(_ context.Context, entries ...JournalEntry) error {
	if len(entries) == 0 {
		return nil
	}

	groups := make(map[string][]JournalRecord)
	for _, e := range entries {
		day := e.At.UTC().Format(DateLayout)
		groups[day] = append(groups[day], toJournalRecord(e))
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	for day, records := range groups {
		path := j.journalPath(day)

		// Missing file means first write of the day.
		existing, _ := readParquetFile[JournalRecord](path)
		merged := mergeJournalRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing journal for %s: %w", day, err)
		}
	}
	return nil
}

// Read returns the entries for date's UTC day.
func (j *ParquetJournal) Read(_ context.Context, date time.Time) ([]JournalEntry, error) {
	path := j.journalPath(date.UTC().Format(DateLayout))

	j.mu.Lock()
	defer j.mu.Unlock()
	records, err := readParquetFile[JournalRecord](path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading journal %s: %w", path, err)
	}

	out := make([]JournalEntry, 0, len(records))
	for _, r := range records {
		out = append(out, fromJournalRecord(r))
	}
	return out, nil
}

func toJournalRecord(e JournalEntry) JournalRecord {
	return JournalRecord{
		Timestamp:      e.At.UnixMilli(),
		Symbol:         e.Symbol,
		Action:         e.Action,
		Intent:         e.Intent,
		Status:         e.Status,
		Reason:         e.Reason,
		Side:           e.Side,
		Qty:            e.Qty,
		Notional:       e.Notional,
		OrderType:      e.OrderType,
		LimitPrice:     e.LimitPrice,
		BrokerOrderID:  e.BrokerOrderID,
		IdempotencyKey: e.IdempotencyKey,
		ErrorKind:      e.ErrorKind,
		Message:        e.Message,
	}
}

func fromJournalRecord(r JournalRecord) JournalEntry {
	return JournalEntry{
		At:             time.UnixMilli(r.Timestamp).UTC(),
		Symbol:         r.Symbol,
		Action:         r.Action,
		Intent:         r.Intent,
		Status:         r.Status,
		Reason:         r.Reason,
		Side:           r.Side,
		Qty:            r.Qty,
		Notional:       r.Notional,
		OrderType:      r.OrderType,
		LimitPrice:     r.LimitPrice,
		BrokerOrderID:  r.BrokerOrderID,
		IdempotencyKey: r.IdempotencyKey,
		ErrorKind:      r.ErrorKind,
		Message:        r.Message,
	}
}

// ---------------------------------------------------------------------------
// Path helpers
// ---------------------------------------------------------------------------

// journalPath returns the filesystem path for a day's journal file.
func (j *ParquetJournal) journalPath(day string) string {
	return filepath.Join(j.DataDir, "journal", day+".parquet")
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeJournalRecords deduplicates records by (idempotency key, timestamp,
// status), preferring incoming records. Results are sorted by timestamp.
func mergeJournalRecords(existing, incoming []JournalRecord) []JournalRecord {
	type key struct {
		idem   string
		ts     int64
		status string
		symbol string
	}
	seen := make(map[key]JournalRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[key{r.IdempotencyKey, r.Timestamp, r.Status, r.Symbol}] = r
	}
	for _, r := range incoming {
		seen[key{r.IdempotencyKey, r.Timestamp, r.Status, r.Symbol}] = r
	}

	merged := make([]JournalRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Timestamp != merged[j].Timestamp {
			return merged[i].Timestamp < merged[j].Timestamp
		}
		return merged[i].IdempotencyKey < merged[j].IdempotencyKey
	})
	return merged
}
