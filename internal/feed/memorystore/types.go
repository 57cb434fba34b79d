package memorystore

import (
	"math"
	"time"
)

// PriceUpdate is a single normalized ticker event from the push stream.
type PriceUpdate struct {
	Symbol           string    `json:"symbol"`             // uppercase base asset, e.g. "BTC"
	Price            float64   `json:"price"`              // last traded price in the quote asset
	Change24hPercent float64   `json:"change_24h_percent"` // rolling 24h change, percent
	EventTime        time.Time `json:"event_time"`         // provider event time; zero when the frame has none
}

// QuoteRecord is the current view of one tracked symbol.
type QuoteRecord struct {
	Symbol           string    `json:"symbol"`
	CurrentPrice     float64   `json:"current_price"`
	ChangePercent24h float64   `json:"change_percent_24h"`
	High24h          float64   `json:"high_24h"`
	Low24h           float64   `json:"low_24h"`
	Volume24h        float64   `json:"volume_24h"`
	MarketCap        float64   `json:"market_cap"` // 0 when unknown
	LastUpdated      time.Time `json:"last_updated"`
}

// Candle is one OHLCV bar.
type Candle struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// Valid reports whether the bar's extremes bound its open and close.
func (c Candle) Valid() bool {
	return c.Low <= math.Min(c.Open, c.Close) && c.High >= math.Max(c.Open, c.Close)
}

// CandleKey identifies one candle series.
type CandleKey struct {
	Symbol   string
	Interval string
}
