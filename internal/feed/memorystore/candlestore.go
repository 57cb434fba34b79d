package memorystore

import (
	"sort"
	"sync"
	"time"
)

// CandleStore caches recent candle series per (symbol, interval).
type CandleStore struct {
	globalMu sync.RWMutex
	data     map[CandleKey]*seriesStore
	maxLen   int
}

type seriesStore struct {
	mu        sync.Mutex
	candles   []Candle // ascending by OpenTime, unique OpenTime
	updatedAt time.Time
}

// NewCandleStore keeps at most maxLen candles per series (0 means unbounded).
func NewCandleStore(maxLen int) *CandleStore {
	return &CandleStore{
		data:   make(map[CandleKey]*seriesStore),
		maxLen: maxLen,
	}
}

// Merge inserts candles into the series for key. A candle with an OpenTime
// already present replaces the stored one.
func (s *CandleStore) Merge(key CandleKey, candles []Candle, at time.Time) {
	// Fast path: lock per-series store only
	s.globalMu.RLock()
	store, ok := s.data[key]
	s.globalMu.RUnlock()

	if !ok {
		s.globalMu.Lock()
		if store, ok = s.data[key]; !ok {
			store = &seriesStore{}
			s.data[key] = store
		}
		s.globalMu.Unlock()
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	byTime := make(map[int64]Candle, len(store.candles)+len(candles))
	for _, c := range store.candles {
		byTime[c.OpenTime.UnixMilli()] = c
	}
	for _, c := range candles {
		byTime[c.OpenTime.UnixMilli()] = c
	}

	merged := make([]Candle, 0, len(byTime))
	for _, c := range byTime {
		merged = append(merged, c)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].OpenTime.Before(merged[j].OpenTime) })

	if s.maxLen > 0 && len(merged) > s.maxLen {
		merged = merged[len(merged)-s.maxLen:]
	}
	store.candles = merged
	store.updatedAt = at
}

// Latest returns up to limit most recent candles for key and the time the
// series was last merged.
func (s *CandleStore) Latest(key CandleKey, limit int) ([]Candle, time.Time) {
	s.globalMu.RLock()
	store, ok := s.data[key]
	s.globalMu.RUnlock()
	if !ok {
		return nil, time.Time{}
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	src := store.candles
	if limit > 0 && len(src) > limit {
		src = src[len(src)-limit:]
	}
	cp := make([]Candle, len(src))
	copy(cp, src)
	return cp, store.updatedAt
}

// CountAll returns the total number of candles stored across all series.
func (s *CandleStore) CountAll() int {
	s.globalMu.RLock()
	defer s.globalMu.RUnlock()

	total := 0
	for _, store := range s.data {
		store.mu.Lock()
		total += len(store.candles)
		store.mu.Unlock()
	}
	return total
}
