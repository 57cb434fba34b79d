package binance

import (
	"encoding/json"
	"sort"
	"time"

	"pricefeed/internal/feed/memorystore"

	"github.com/shopspring/decimal"
)

// ParseKlineRows converts kline rows into candles ordered by open time.
// Rows look like [openTime, "open", "high", "low", "close", "volume", closeTime, ...].
// Incomplete rows, unparseable rows, rows whose high/low do not bound open/close
// and repeated open times are skipped.
func ParseKlineRows(raw [][]json.RawMessage) []memorystore.Candle {
	out := make([]memorystore.Candle, 0, len(raw))
	seen := make(map[int64]bool, len(raw))

	for _, row := range raw {
		if len(row) < 6 {
			continue // skip incomplete row
		}

		var openMs int64
		if err := json.Unmarshal(row[0], &openMs); err != nil {
			continue
		}
		if seen[openMs] {
			continue
		}

		var vals [5]decimal.Decimal
		ok := true
		for i := range vals {
			if err := vals[i].UnmarshalJSON(row[i+1]); err != nil {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}

		c := memorystore.Candle{
			OpenTime: time.UnixMilli(openMs).UTC(),
			Open:     vals[0].InexactFloat64(),
			High:     vals[1].InexactFloat64(),
			Low:      vals[2].InexactFloat64(),
			Close:    vals[3].InexactFloat64(),
			Volume:   vals[4].InexactFloat64(),
		}
		if !c.Valid() || c.Volume < 0 {
			continue
		}

		seen[openMs] = true
		out = append(out, c)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime.Before(out[j].OpenTime) })
	return out
}
