package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Compile-time interface checks.
var _ DailyTradeStore = (*MemoryDailyTradeStore)(nil)
var _ JournalStore = (*MemoryJournal)(nil)

// MemoryDailyTradeStore is an in-memory DailyTradeStore.
type MemoryDailyTradeStore struct {
	mu   sync.RWMutex
	days map[string]map[string]struct{}
}

// NewMemoryDailyTradeStore creates an empty store.
func NewMemoryDailyTradeStore() *MemoryDailyTradeStore {
	return &MemoryDailyTradeStore{days: make(map[string]map[string]struct{})}
}

// MarkTraded implements DailyTradeStore.
func (s *MemoryDailyTradeStore) MarkTraded(_ context.Context, date, symbol string) (bool, error) {
	if date == "" || symbol == "" {
		return false, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	syms, ok := s.days[date]
	if !ok {
		syms = make(map[string]struct{})
		s.days[date] = syms
	}
	if _, exists := syms[symbol]; exists {
		return false, nil
	}
	syms[symbol] = struct{}{}
	return true, nil
}

// Traded implements DailyTradeStore.
func (s *MemoryDailyTradeStore) Traded(_ context.Context, date, symbol string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.days[date][symbol]
	return ok, nil
}

// Symbols implements DailyTradeStore.
func (s *MemoryDailyTradeStore) Symbols(_ context.Context, date string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.days[date]), nil
}

// All implements DailyTradeStore.
func (s *MemoryDailyTradeStore) All(_ context.Context) (map[string][]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]string, len(s.days))
	for d, syms := range s.days {
		out[d] = sortedKeys(syms)
	}
	return out, nil
}

// PruneBefore implements DailyTradeStore.
func (s *MemoryDailyTradeStore) PruneBefore(_ context.Context, date string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for d, syms := range s.days {
		if d < date {
			n += len(syms)
			delete(s.days, d)
		}
	}
	return n, nil
}

// ClearDate implements DailyTradeStore.
func (s *MemoryDailyTradeStore) ClearDate(_ context.Context, date string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.days[date])
	delete(s.days, date)
	return n, nil
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MemoryJournal is an in-memory JournalStore.
type MemoryJournal struct {
	mu      sync.RWMutex
	entries []JournalEntry
}

// NewMemoryJournal creates an empty journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{}
}

// Append implements JournalStore.
func (j *MemoryJournal) Append(_ context.Context, entries ...JournalEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entries...)
	return nil
}

// Read implements JournalStore.
func (j *MemoryJournal) Read(_ context.Context, date time.Time) ([]JournalEntry, error) {
	day := date.UTC().Format(DateLayout)
	j.mu.RLock()
	defer j.mu.RUnlock()
	var out []JournalEntry
	for _, e := range j.entries {
		if e.At.UTC().Format(DateLayout) == day {
			out = append(out, e)
		}
	}
	return out, nil
}
