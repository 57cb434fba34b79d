package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pricefeed/internal/feed/memorystore"
)

// RESTClient reads public spot market data. It never retries; each failed
// call returns an *APIError whose Kind tells the caller how to react.
type RESTClient struct {
	baseURL    string
	quoteAsset string
	httpClient *http.Client
}

func NewRESTClient(baseURL, quoteAsset string, timeout time.Duration) *RESTClient {
	return &RESTClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		quoteAsset: strings.ToUpper(quoteAsset),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// FetchQuotes returns one QuoteRecord per requested base asset present in the
// 24h ticker response. Assets the provider does not report are left out.
func (c *RESTClient) FetchQuotes(ctx context.Context, symbolKeys []string) (map[string]memorystore.QuoteRecord, error) {
	out := make(map[string]memorystore.QuoteRecord, len(symbolKeys))
	if len(symbolKeys) == 0 {
		return out, nil
	}

	pairs := make([]string, 0, len(symbolKeys))
	wanted := make(map[string]bool, len(symbolKeys))
	for _, key := range symbolKeys {
		key = strings.ToUpper(key)
		if wanted[key] {
			continue
		}
		wanted[key] = true
		pairs = append(pairs, PairSymbol(key, c.quoteAsset))
	}

	tickers, err := c.fetchTickers(ctx, pairs)
	if err != nil {
		return nil, err
	}

	for _, t := range tickers {
		key := BaseAsset(t.Symbol, c.quoteAsset)
		if !wanted[key] || !t.LastPrice.IsPositive() {
			continue
		}

		updated := time.Now().UTC()
		if t.CloseTime > 0 {
			updated = time.UnixMilli(t.CloseTime).UTC()
		}

		out[key] = memorystore.QuoteRecord{
			Symbol:           key,
			CurrentPrice:     t.LastPrice.InexactFloat64(),
			ChangePercent24h: t.PriceChangePercent.InexactFloat64(),
			High24h:          t.HighPrice.InexactFloat64(),
			Low24h:           t.LowPrice.InexactFloat64(),
			Volume24h:        t.Volume.InexactFloat64(),
			LastUpdated:      updated,
		}
	}

	return out, nil
}

// fetchTickers asks for all pairs in one request. Binance rejects the whole
// batch when any pair is unlisted, so that case is retried one pair at a time
// and the unlisted pairs are dropped.
func (c *RESTClient) fetchTickers(ctx context.Context, pairs []string) ([]Ticker24hr, error) {
	encoded, err := json.Marshal(pairs)
	if err != nil {
		return nil, decodeError("encode symbols: %v", err)
	}

	q := url.Values{}
	q.Set("symbols", string(encoded))

	var tickers []Ticker24hr
	err = c.getJSON(ctx, c.baseURL+"/api/v3/ticker/24hr?"+q.Encode(), &tickers)
	if err == nil || !IsInvalidSymbol(err) {
		return tickers, err
	}

	tickers = tickers[:0]
	for _, pair := range pairs {
		q := url.Values{}
		q.Set("symbol", pair)

		var t Ticker24hr
		err := c.getJSON(ctx, c.baseURL+"/api/v3/ticker/24hr?"+q.Encode(), &t)
		switch {
		case err == nil:
			tickers = append(tickers, t)
		case IsInvalidSymbol(err):
			continue
		default:
			return nil, err
		}
	}
	return tickers, nil
}

// FetchCandles returns up to limit most recent candles for symbolKey, oldest first.
func (c *RESTClient) FetchCandles(ctx context.Context, symbolKey, interval string, limit int) ([]memorystore.Candle, error) {
	meta, err := ParseKlineInterval(interval)
	if err != nil {
		return nil, &APIError{Kind: ErrDecode, Msg: err.Error()}
	}
	if limit <= 0 || limit > MaxKlineLimit {
		limit = MaxKlineLimit
	}

	q := url.Values{}
	q.Set("symbol", PairSymbol(symbolKey, c.quoteAsset))
	q.Set("interval", meta.APIValue)
	q.Set("limit", strconv.Itoa(limit))
	endpoint := c.baseURL + "/api/v3/klines?" + q.Encode()

	var rows [][]json.RawMessage
	if err := c.getJSON(ctx, endpoint, &rows); err != nil {
		return nil, err
	}

	return ParseKlineRows(rows), nil
}

// Ping checks REST reachability.
func (c *RESTClient) Ping(ctx context.Context) error {
	var empty struct{}
	return c.getJSON(ctx, c.baseURL+"/api/v3/ping", &empty)
}

func (c *RESTClient) getJSON(ctx context.Context, endpoint string, v any) error {
	// Construct the GET request with context for timeout/cancel support
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return networkError(fmt.Errorf("creating request: %w", err))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return networkError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := &APIError{
			Kind:       classifyStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Msg:        strings.TrimSpace(string(body)),
			RetryAfter: parseRetryAfter(resp.Header),
		}
		var envelope ErrorResponse
		if json.Unmarshal(body, &envelope) == nil && envelope.Msg != "" {
			apiErr.Code = envelope.Code
			apiErr.Msg = envelope.Msg
		}
		return apiErr
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return decodeError("decode response: %v", err)
	}
	return nil
}

// PairSymbol joins a base asset and a quote asset: ("btc", "USDT") → "BTCUSDT".
func PairSymbol(base, quote string) string {
	return strings.ToUpper(base) + strings.ToUpper(quote)
}

// BaseAsset strips the quote asset suffix: ("ETHUSDT", "USDT") → "ETH".
// A symbol without the suffix is returned upper-cased as is.
func BaseAsset(pair, quote string) string {
	pair = strings.ToUpper(pair)
	quote = strings.ToUpper(quote)
	if quote != "" && len(pair) > len(quote) && strings.HasSuffix(pair, quote) {
		return strings.TrimSuffix(pair, quote)
	}
	return pair
}
