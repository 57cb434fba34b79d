package testutils

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"pricefeed/internal/feed/memorystore"
)

// FakeQuoteSource serves canned quotes and candles.
type FakeQuoteSource struct {
	Mu        sync.Mutex
	Quotes    map[string]memorystore.QuoteRecord
	Err       error   // returned when errs is drained
	errs      []error // consumed one per call
	Calls     int
	Candles   []memorystore.Candle
	CandleErr error

	// OnFetch, when set, replaces the canned behaviour. call starts at 1.
	OnFetch func(ctx context.Context, call int, symbolKeys []string) (map[string]memorystore.QuoteRecord, error)
}

func NewFakeQuoteSource(quotes ...memorystore.QuoteRecord) *FakeQuoteSource {
	s := &FakeQuoteSource{Quotes: make(map[string]memorystore.QuoteRecord)}
	for _, q := range quotes {
		s.Quotes[q.Symbol] = q
	}
	return s
}

// FailNext queues errors for the next fetches.
func (s *FakeQuoteSource) FailNext(errs ...error) {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	s.errs = append(s.errs, errs...)
}

func (s *FakeQuoteSource) FetchQuotes(ctx context.Context, symbolKeys []string) (map[string]memorystore.QuoteRecord, error) {
	s.Mu.Lock()
	s.Calls++
	call := s.Calls
	hook := s.OnFetch
	s.Mu.Unlock()

	if hook != nil {
		return hook(ctx, call, symbolKeys)
	}

	s.Mu.Lock()
	defer s.Mu.Unlock()
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return nil, err
	}
	if s.Err != nil {
		return nil, s.Err
	}

	out := make(map[string]memorystore.QuoteRecord)
	for _, key := range symbolKeys {
		if q, ok := s.Quotes[strings.ToUpper(key)]; ok {
			out[q.Symbol] = q
		}
	}
	return out, nil
}

func (s *FakeQuoteSource) FetchCandles(ctx context.Context, symbolKey, interval string, limit int) ([]memorystore.Candle, error) {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	if s.CandleErr != nil {
		return nil, s.CandleErr
	}
	out := s.Candles
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return append([]memorystore.Candle(nil), out...), nil
}

func (s *FakeQuoteSource) CallCount() int {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	return s.Calls
}

// Quote builds a QuoteRecord with the given price and change.
func Quote(symbol string, price, change float64) memorystore.QuoteRecord {
	return memorystore.QuoteRecord{
		Symbol:           symbol,
		CurrentPrice:     price,
		ChangePercent24h: change,
		High24h:          price * 1.02,
		Low24h:           price * 0.98,
		Volume24h:        1000,
		LastUpdated:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// Eventually polls cond until it holds or the deadline passes.
func Eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}

func AssertTrue(t *testing.T, condition bool, msg string) {
	t.Helper()
	if !condition {
		t.Errorf("Assertion failed: %s", msg)
	}
}
