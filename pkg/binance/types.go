package binance

import "github.com/shopspring/decimal"

// ErrorResponse is the body Binance returns alongside non-2xx statuses.
type ErrorResponse struct {
	Code int    `json:"code"` // negative provider error code, e.g. -1121 invalid symbol
	Msg  string `json:"msg"`
}

// Ticker24hr is one element of GET /api/v3/ticker/24hr.
// Numeric fields arrive as JSON strings.
type Ticker24hr struct {
	Symbol             string          `json:"symbol"`             // e.g. "BTCUSDT"
	PriceChange        decimal.Decimal `json:"priceChange"`        // absolute 24h change
	PriceChangePercent decimal.Decimal `json:"priceChangePercent"` // 24h change, percent
	LastPrice          decimal.Decimal `json:"lastPrice"`
	HighPrice          decimal.Decimal `json:"highPrice"`
	LowPrice           decimal.Decimal `json:"lowPrice"`
	Volume             decimal.Decimal `json:"volume"`      // base asset volume
	QuoteVolume        decimal.Decimal `json:"quoteVolume"` // quote asset volume
	CloseTime          int64           `json:"closeTime"`   // ms since epoch
}
