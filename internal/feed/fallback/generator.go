package fallback

import (
	"hash/fnv"
	"math"
	"math/rand"
	"strings"
	"time"

	"pricefeed/internal/feed/clock"
	"pricefeed/internal/feed/memorystore"
	"pricefeed/pkg/binance"
)

// Reference prices for the default watchlist. Other symbols get a price
// derived from their name.
var basePrices = map[string]float64{
	"BTC":  65000,
	"ETH":  3200,
	"SOL":  150,
	"BNB":  580,
	"XRP":  0.55,
	"ADA":  0.45,
	"DOGE": 0.12,
}

// Circulating supply used for the synthetic market cap.
var supplies = map[string]float64{
	"BTC":  19_700_000,
	"ETH":  120_000_000,
	"SOL":  460_000_000,
	"BNB":  150_000_000,
	"XRP":  55_000_000_000,
	"ADA":  35_000_000_000,
	"DOGE": 145_000_000_000,
}

// Generator produces sample quotes and candles when no live source answers.
// Output depends only on the seed, the symbol and the clock.
type Generator struct {
	seed  int64
	clock clock.Clock
}

func NewGenerator(seed int64, clk clock.Clock) *Generator {
	if clk == nil {
		clk = clock.Real()
	}
	return &Generator{seed: seed, clock: clk}
}

// SyntheticQuotes returns one record per requested symbol.
func (g *Generator) SyntheticQuotes(symbolKeys []string) map[string]memorystore.QuoteRecord {
	now := g.clock.Now().UTC()
	out := make(map[string]memorystore.QuoteRecord, len(symbolKeys))

	for _, key := range symbolKeys {
		key = strings.ToUpper(key)
		r := g.rand(key, "quote")

		base := BasePrice(key)
		price := base * (1 + (r.Float64()-0.5)*0.04)
		change := (r.Float64() - 0.5) * 10
		high := price * (1 + r.Float64()*0.03)
		low := price * (1 - r.Float64()*0.03)

		rec := memorystore.QuoteRecord{
			Symbol:           key,
			CurrentPrice:     price,
			ChangePercent24h: change,
			High24h:          high,
			Low24h:           low,
			Volume24h:        (0.2 + r.Float64()) * 1_000_000 / math.Max(base, 1) * 100,
			LastUpdated:      now,
		}
		if supply, ok := supplies[key]; ok {
			rec.MarketCap = price * supply
		}
		out[key] = rec
	}
	return out
}

// SyntheticCandles returns count bars ending at the current interval boundary,
// oldest first. Unknown intervals fall back to one hour.
func (g *Generator) SyntheticCandles(symbolKey, interval string, count int) []memorystore.Candle {
	if count <= 0 {
		return nil
	}
	step := time.Hour
	if meta, err := binance.ParseKlineInterval(interval); err == nil {
		step = meta.Duration
	}

	symbolKey = strings.ToUpper(symbolKey)
	r := g.rand(symbolKey, interval)
	end := g.clock.Now().UTC().Truncate(step)
	first := end.Add(-time.Duration(count-1) * step)

	// per-bar volatility grows with the bar length, capped for weekly bars
	vol := math.Min(0.002*math.Sqrt(step.Minutes()), 0.08)

	out := make([]memorystore.Candle, 0, count)
	open := BasePrice(symbolKey)
	for i := 0; i < count; i++ {
		move := r.NormFloat64() * vol
		// keep a single bar within ±50%
		move = math.Max(-0.5, math.Min(0.5, move))
		closePrice := open * (1 + move)

		hi := math.Max(open, closePrice) * (1 + r.Float64()*vol/2)
		lo := math.Min(open, closePrice) * (1 - r.Float64()*vol/2)

		out = append(out, memorystore.Candle{
			OpenTime: first.Add(time.Duration(i) * step),
			Open:     open,
			High:     hi,
			Low:      lo,
			Close:    closePrice,
			Volume:   r.Float64() * 1000,
		})
		open = closePrice
	}
	return out
}

// BasePrice is the reference price the generator centres a symbol on.
func BasePrice(symbolKey string) float64 {
	if p, ok := basePrices[strings.ToUpper(symbolKey)]; ok {
		return p
	}
	h := hash(strings.ToUpper(symbolKey))
	return 0.5 + float64(h%20000)/100
}

func (g *Generator) rand(symbolKey, salt string) *rand.Rand {
	return rand.New(rand.NewSource(g.seed ^ int64(hash(symbolKey+"|"+salt))))
}

func hash(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
