package binance

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"pricefeed/internal/feed/memorystore"

	"github.com/shopspring/decimal"
)

// Accepted keys per field: the compact 24hrTicker stream keys first, then the
// long-form names some relays emit.
var (
	symbolFields    = []string{"s", "symbol"}
	priceFields     = []string{"c", "lastPrice", "price"}
	changeFields    = []string{"P", "changePercent", "priceChangePercent"}
	eventTimeFields = []string{"E", "eventTime"}
)

// ParseTickerFrame turns one stream frame into a PriceUpdate.
//
// ok is false with a nil error for control frames that carry no ticker
// (subscription acks, heartbeats). Malformed frames and frames missing the
// symbol, price or change fields return an error wrapping ErrParse.
func ParseTickerFrame(msg []byte, quoteAsset string) (update memorystore.PriceUpdate, ok bool, err error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(msg, &fields); err != nil {
		return update, false, parseError("invalid json: %v", err)
	}

	// Combined streams wrap the payload: {"stream":"ethusdt@ticker","data":{...}}
	if data, wrapped := fields["data"]; wrapped {
		fields = nil
		if err := json.Unmarshal(data, &fields); err != nil {
			return update, false, parseError("invalid data payload: %v", err)
		}
	}

	if isControlFrame(fields) {
		return update, false, nil
	}

	rawSymbol, found := pick(fields, symbolFields)
	if !found {
		return update, false, parseError("missing symbol")
	}
	var symbol string
	if err := json.Unmarshal(rawSymbol, &symbol); err != nil || symbol == "" {
		return update, false, parseError("invalid symbol %s", rawSymbol)
	}

	price, err := pickDecimal(fields, priceFields, "price")
	if err != nil {
		return update, false, err
	}
	if !price.IsPositive() {
		return update, false, parseError("non-positive price %s for %s", price, symbol)
	}

	change, err := pickDecimal(fields, changeFields, "change percent")
	if err != nil {
		return update, false, err
	}

	update = memorystore.PriceUpdate{
		Symbol:           BaseAsset(symbol, quoteAsset),
		Price:            price.InexactFloat64(),
		Change24hPercent: change.InexactFloat64(),
	}

	if rawTime, found := pick(fields, eventTimeFields); found {
		var ms int64
		if json.Unmarshal(rawTime, &ms) == nil && ms > 0 {
			update.EventTime = time.UnixMilli(ms).UTC()
		}
	}

	return update, true, nil
}

// isControlFrame matches {"result":null,"id":1} style replies and frames
// without any ticker field.
func isControlFrame(fields map[string]json.RawMessage) bool {
	if _, isReply := fields["result"]; isReply {
		return true
	}
	if _, hasID := fields["id"]; hasID {
		_, hasSymbol := pick(fields, symbolFields)
		return !hasSymbol
	}
	if ev, found := fields["e"]; found {
		var name string
		if json.Unmarshal(ev, &name) == nil && !strings.HasSuffix(name, "Ticker") {
			return true
		}
	}
	return false
}

func pick(fields map[string]json.RawMessage, keys []string) (json.RawMessage, bool) {
	for _, k := range keys {
		if v, ok := fields[k]; ok && len(v) > 0 && string(v) != "null" {
			return v, true
		}
	}
	return nil, false
}

func pickDecimal(fields map[string]json.RawMessage, keys []string, name string) (decimal.Decimal, error) {
	raw, found := pick(fields, keys)
	if !found {
		return decimal.Zero, parseError("missing %s", name)
	}
	var d decimal.Decimal
	if err := d.UnmarshalJSON(raw); err != nil {
		return decimal.Zero, parseError("invalid %s %s: %v", name, raw, err)
	}
	return d, nil
}

func parseError(format string, args ...any) error {
	return &APIError{Kind: ErrParse, Msg: fmt.Sprintf(format, args...)}
}
