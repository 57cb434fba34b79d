package memorystore

import (
	"sort"
	"sync"
	"time"
)

// QuoteStore holds the latest QuoteRecord per symbol.
type QuoteStore struct {
	mu      sync.RWMutex
	records map[string]*QuoteRecord
}

func NewQuoteStore() *QuoteStore {
	return &QuoteStore{
		records: make(map[string]*QuoteRecord),
	}
}

// ReplaceAll drops every record and installs the given set.
func (s *QuoteStore) ReplaceAll(records map[string]QuoteRecord) {
	next := make(map[string]*QuoteRecord, len(records))
	for sym, r := range records {
		r := r
		next[sym] = &r
	}

	s.mu.Lock()
	s.records = next
	s.mu.Unlock()
}

// Apply mutates the price and change fields of the record matching u.Symbol.
// It returns false, and inserts nothing, when the symbol is not tracked.
func (s *QuoteStore) Apply(u PriceUpdate, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[u.Symbol]
	if !ok {
		return false
	}
	r.CurrentPrice = u.Price
	r.ChangePercent24h = u.Change24hPercent
	r.LastUpdated = at
	return true
}

func (s *QuoteStore) Get(symbol string) (QuoteRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[symbol]
	if !ok {
		return QuoteRecord{}, false
	}
	return *r, true
}

// Snapshot returns a copy safe to hand to other goroutines.
func (s *QuoteStore) Snapshot() map[string]QuoteRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]QuoteRecord, len(s.records))
	for sym, r := range s.records {
		out[sym] = *r
	}
	return out
}

// Symbols returns the tracked symbols in lexical order.
func (s *QuoteStore) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.records))
	for sym := range s.records {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

func (s *QuoteStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
