package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pricefeed/internal/feed/candles"
	"pricefeed/internal/feed/coordinator"
	"pricefeed/internal/feed/fallback"
	"pricefeed/internal/feed/hub"
	"pricefeed/internal/feed/memorystore"
	"pricefeed/internal/feed/stream"
	"pricefeed/internal/feed/testutils"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type fakeFeed struct {
	view       coordinator.View
	refetchErr error
	refetches  int
	favorites  map[string]bool
}

func (f *fakeFeed) View() coordinator.View { return f.view }

func (f *fakeFeed) Quote(symbolKey string) (memorystore.QuoteRecord, bool) {
	r, ok := f.view.Records[symbolKey]
	return r, ok
}

func (f *fakeFeed) Refetch(context.Context) error {
	f.refetches++
	return f.refetchErr
}

func (f *fakeFeed) ToggleFavorite(symbolKey string) bool {
	f.favorites[symbolKey] = !f.favorites[symbolKey]
	return f.favorites[symbolKey]
}

func (f *fakeFeed) Symbols() []string { return []string{"BTC", "ETH"} }

type staticStats struct{}

func (staticStats) Stats() stream.Stats { return stream.Stats{State: "OPEN", Reconnects: 2} }

type fakeMirror struct {
	err error
}

func (m fakeMirror) Latest(_ context.Context, symbols []string) (map[string]memorystore.PriceUpdate, error) {
	if m.err != nil {
		return nil, m.err
	}
	return map[string]memorystore.PriceUpdate{"BTC": {Symbol: "BTC", Price: 64000}}, nil
}

type fakePinger struct {
	err error
}

func (p fakePinger) Ping(context.Context) error { return p.err }

func newTestRouter(t *testing.T, mirror MirrorReader) (*gin.Engine, *fakeFeed, *testutils.FakeQuoteSource) {
	return newTestRouterWith(t, mirror, nil)
}

func newTestRouterWith(t *testing.T, mirror MirrorReader, provider Pinger) (*gin.Engine, *fakeFeed, *testutils.FakeQuoteSource) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	feed := &fakeFeed{
		view: coordinator.View{
			Records:        map[string]memorystore.QuoteRecord{"BTC": testutils.Quote("BTC", 64000, 1.5)},
			Connected:      true,
			LastUpdateTime: &now,
			StreamState:    "OPEN",
		},
		favorites: make(map[string]bool),
	}

	source := testutils.NewFakeQuoteSource()
	clk := testutils.NewFakeClock(now)
	svc := candles.NewService(source, memorystore.NewCandleStore(100), nil, fallback.NewGenerator(1, clk), clk, zap.NewNop())

	h := NewHandler(feed, svc, hub.New(zap.NewNop()), staticStats{}, mirror, zap.NewNop(), Options{DefaultLimit: 50, DefaultSMA: []int{20}, Provider: provider})
	return NewRouter(h, []string{"http://localhost:3000"}), feed, source
}

func do(r http.Handler, method, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, target, nil)
	req.Header.Set("Origin", "http://localhost:3000")
	r.ServeHTTP(w, req)
	return w
}

// go test -v --run TestGetQuotes
func TestGetQuotes(t *testing.T) {
	r, _, _ := newTestRouter(t, nil)

	w := do(r, http.MethodGet, "/api/v1/quotes")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("missing CORS header, got %q", got)
	}

	var v coordinator.View
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !v.Connected || v.Records["BTC"].CurrentPrice != 64000 || v.StreamState != "OPEN" {
		t.Errorf("unexpected view %+v", v)
	}

	if w := do(r, http.MethodGet, "/api/v1/quotes/BTC"); w.Code != http.StatusOK {
		t.Errorf("single quote status %d", w.Code)
	}
	if w := do(r, http.MethodGet, "/api/v1/quotes/XYZ"); w.Code != http.StatusNotFound {
		t.Errorf("untracked quote status %d", w.Code)
	}
}

// go test -v --run TestGetStatus
func TestGetStatus(t *testing.T) {
	r, _, _ := newTestRouter(t, nil)

	w := do(r, http.MethodGet, "/api/v1/status")
	var body struct {
		Connected bool         `json:"connected"`
		Symbols   []string     `json:"symbols"`
		Stream    stream.Stats `json:"stream"`
		Hub       hub.Stats    `json:"hub"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Connected || len(body.Symbols) != 2 || body.Stream.Reconnects != 2 || body.Stream.State != "OPEN" {
		t.Errorf("unexpected status %+v", body)
	}
}

// go test -v --run TestRefetchAndFavorites
func TestRefetchAndFavorites(t *testing.T) {
	r, feed, _ := newTestRouter(t, nil)

	if w := do(r, http.MethodPost, "/api/v1/refetch"); w.Code != http.StatusOK || feed.refetches != 1 {
		t.Fatalf("refetch status %d, calls %d", w.Code, feed.refetches)
	}
	feed.refetchErr = errors.New("coordinator not started")
	if w := do(r, http.MethodPost, "/api/v1/refetch"); w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", w.Code)
	}

	var fav struct {
		Symbol   string `json:"symbol"`
		Favorite bool   `json:"favorite"`
	}
	w := do(r, http.MethodPost, "/api/v1/favorites/eth")
	if err := json.Unmarshal(w.Body.Bytes(), &fav); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if fav.Symbol != "ETH" || !fav.Favorite {
		t.Errorf("unexpected toggle %+v", fav)
	}
	w = do(r, http.MethodPost, "/api/v1/favorites/ETH")
	_ = json.Unmarshal(w.Body.Bytes(), &fav)
	if fav.Favorite {
		t.Error("second toggle should clear the favorite")
	}
}

// go test -v --run TestGetCandles
func TestGetCandles(t *testing.T) {
	r, _, source := newTestRouter(t, nil)
	for i := 0; i < 30; i++ {
		c := float64(100 + i)
		source.Candles = append(source.Candles, memorystore.Candle{
			OpenTime: time.Date(2024, 1, 1, i%24, 0, 0, 0, time.UTC).AddDate(0, 0, i/24),
			Open:     c,
			High:     c + 1,
			Low:      c - 1,
			Close:    c,
			Volume:   1,
		})
	}

	w := do(r, http.MethodGet, "/api/v1/candles?symbol=btc&interval=1h&limit=30&sma=5,10")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	var series candles.Series
	if err := json.Unmarshal(w.Body.Bytes(), &series); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if series.Origin != candles.OriginLive || len(series.Candles) != 30 || len(series.SMA) != 2 || len(series.SMA[5]) != 30 {
		t.Errorf("unexpected series origin=%s candles=%d sma=%d", series.Origin, len(series.Candles), len(series.SMA))
	}

	// default limit and default sma
	w = do(r, http.MethodGet, "/api/v1/candles?symbol=btc")
	_ = json.Unmarshal(w.Body.Bytes(), &series)
	if len(series.Candles) != 30 || len(series.SMA[20]) != 30 {
		t.Errorf("defaults not applied: candles=%d sma=%v", len(series.Candles), series.SMA)
	}

	bad := []string{
		"/api/v1/candles",
		"/api/v1/candles?symbol=btc&limit=ten",
		"/api/v1/candles?symbol=btc&sma=a,b",
		"/api/v1/candles?symbol=btc&interval=2h",
		"/api/v1/candles?symbol=btc&limit=0",
	}
	for _, target := range bad {
		if w := do(r, http.MethodGet, target); w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", target, w.Code)
		}
	}
}

// go test -v --run TestGetMirror
func TestGetMirror(t *testing.T) {
	r, _, _ := newTestRouter(t, nil)
	if w := do(r, http.MethodGet, "/api/v1/mirror"); w.Code != http.StatusNotFound {
		t.Errorf("disabled mirror: expected 404, got %d", w.Code)
	}

	r, _, _ = newTestRouter(t, fakeMirror{})
	w := do(r, http.MethodGet, "/api/v1/mirror")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	var body struct {
		Quotes map[string]memorystore.PriceUpdate `json:"quotes"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if body.Quotes["BTC"].Price != 64000 {
		t.Errorf("unexpected mirror body %s", w.Body.String())
	}

	r, _, _ = newTestRouter(t, fakeMirror{err: errors.New("dial tcp: connection refused")})
	if w := do(r, http.MethodGet, "/api/v1/mirror"); w.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", w.Code)
	}
}

// go test -v --run TestHealthz
func TestHealthz(t *testing.T) {
	cases := []struct {
		name     string
		provider Pinger
		want     string
	}{
		{name: "no provider check", provider: nil, want: ""},
		{name: "provider up", provider: fakePinger{}, want: "ok"},
		{name: "provider down", provider: fakePinger{err: errors.New("connection refused")}, want: "unreachable"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, _, _ := newTestRouterWith(t, nil, tc.provider)
			w := do(r, http.MethodGet, "/healthz")
			if w.Code != http.StatusOK {
				t.Fatalf("status %d", w.Code)
			}
			var body map[string]string
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body["status"] != "ok" || body["provider"] != tc.want {
				t.Errorf("unexpected body %v", body)
			}
		})
	}
}
