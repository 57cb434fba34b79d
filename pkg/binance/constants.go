package binance

import (
	"fmt"
	"time"
)

// KlineInterval is the interval key accepted by the kline endpoint.
type KlineInterval string

// KlineIntervalMeta holds the API value and the bar duration for an interval.
type KlineIntervalMeta struct {
	APIValue string
	Duration time.Duration
}

const (
	Interval1Min   KlineInterval = "1m"
	Interval5Min   KlineInterval = "5m"
	Interval15Min  KlineInterval = "15m"
	Interval30Min  KlineInterval = "30m"
	Interval1Hour  KlineInterval = "1h"
	Interval4Hour  KlineInterval = "4h"
	IntervalDaily  KlineInterval = "1d"
	IntervalWeekly KlineInterval = "1w"
)

var validKlineIntervals = map[KlineInterval]KlineIntervalMeta{
	Interval1Min:   {APIValue: "1m", Duration: time.Minute},
	Interval5Min:   {APIValue: "5m", Duration: 5 * time.Minute},
	Interval15Min:  {APIValue: "15m", Duration: 15 * time.Minute},
	Interval30Min:  {APIValue: "30m", Duration: 30 * time.Minute},
	Interval1Hour:  {APIValue: "1h", Duration: time.Hour},
	Interval4Hour:  {APIValue: "4h", Duration: 4 * time.Hour},
	IntervalDaily:  {APIValue: "1d", Duration: 24 * time.Hour},
	IntervalWeekly: {APIValue: "1w", Duration: 7 * 24 * time.Hour},
}

// IsValid checks if the KlineInterval is one of the supported keys.
func (k KlineInterval) IsValid() bool {
	_, ok := validKlineIntervals[k]
	return ok
}

// ParseKlineInterval parses a string into a valid KlineIntervalMeta.
func ParseKlineInterval(s string) (KlineIntervalMeta, error) {
	meta, ok := validKlineIntervals[KlineInterval(s)]
	if !ok {
		return KlineIntervalMeta{}, fmt.Errorf("invalid KlineInterval: %s", s)
	}
	return meta, nil
}

// MaxKlineLimit is the largest page the kline endpoint serves.
const MaxKlineLimit = 1000
