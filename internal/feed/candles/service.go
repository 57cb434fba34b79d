package candles

import (
	"context"
	"fmt"
	"strings"

	"pricefeed/internal/feed/clock"
	"pricefeed/internal/feed/memorystore"
	"pricefeed/pkg/binance"

	"github.com/markcheno/go-talib"
	"go.uber.org/zap"
)

// Source is where the current candles come from.
type Source interface {
	FetchCandles(ctx context.Context, symbolKey, interval string, limit int) ([]memorystore.Candle, error)
}

// Archive persists candle series.
type Archive interface {
	SaveCandles(ctx context.Context, symbol, interval string, candles []memorystore.Candle) error
	LoadCandles(ctx context.Context, symbol, interval string, limit int) ([]memorystore.Candle, error)
}

// Synthesizer fills in when nothing else has data.
type Synthesizer interface {
	SyntheticCandles(symbolKey, interval string, count int) []memorystore.Candle
}

// Origin tags where a series came from.
type Origin string

const (
	OriginLive      Origin = "live"
	OriginCache     Origin = "cache"
	OriginArchive   Origin = "archive"
	OriginSynthetic Origin = "synthetic"
)

// Series is the answer to one candle request.
type Series struct {
	Symbol   string               `json:"symbol"`
	Interval string               `json:"interval"`
	Origin   Origin               `json:"origin"`
	Candles  []memorystore.Candle `json:"candles"`
	// SMA holds one value per candle; entries before a full window are 0.
	SMA   map[int][]float64 `json:"sma,omitempty"`
	Error string            `json:"error,omitempty"`
}

// Service answers candle requests with a single REST attempt and falls back
// to the cache, the archive and finally sample data.
type Service struct {
	source  Source
	cache   *memorystore.CandleStore
	archive Archive // nil when no database is configured
	synth   Synthesizer
	clock   clock.Clock
	logger  *zap.Logger
}

func NewService(source Source, cache *memorystore.CandleStore, archive Archive, synth Synthesizer, clk clock.Clock, logger *zap.Logger) *Service {
	if clk == nil {
		clk = clock.Real()
	}
	return &Service{
		source:  source,
		cache:   cache,
		archive: archive,
		synth:   synth,
		clock:   clk,
		logger:  logger,
	}
}

// Get returns up to limit candles, oldest first. Only invalid arguments are
// errors; provider failures are reported in Series.Error.
func (s *Service) Get(ctx context.Context, symbolKey, interval string, limit int, smaPeriods []int) (Series, error) {
	symbolKey = strings.ToUpper(strings.TrimSpace(symbolKey))
	if symbolKey == "" {
		return Series{}, fmt.Errorf("symbol is required")
	}
	if !binance.KlineInterval(interval).IsValid() {
		return Series{}, fmt.Errorf("unsupported interval %q", interval)
	}
	if limit <= 0 || limit > binance.MaxKlineLimit {
		return Series{}, fmt.Errorf("limit must be between 1 and %d", binance.MaxKlineLimit)
	}

	series := s.load(ctx, symbolKey, interval, limit)
	series.SMA = MovingAverages(series.Candles, smaPeriods)
	return series, nil
}

func (s *Service) load(ctx context.Context, symbolKey, interval string, limit int) Series {
	series := Series{Symbol: symbolKey, Interval: interval}
	key := memorystore.CandleKey{Symbol: symbolKey, Interval: interval}

	candles, err := s.source.FetchCandles(ctx, symbolKey, interval, limit)
	if err == nil && len(candles) > 0 {
		s.cache.Merge(key, candles, s.clock.Now())
		if s.archive != nil {
			if err := s.archive.SaveCandles(ctx, symbolKey, interval, candles); err != nil {
				s.logger.Warn("failed to archive candles", zap.String("symbol", symbolKey), zap.Error(err))
			}
		}
		series.Origin = OriginLive
		series.Candles = candles
		return series
	}
	if err == nil {
		err = fmt.Errorf("no candles returned")
	}
	series.Error = err.Error()
	s.logger.Warn("candle fetch failed, falling back",
		zap.String("symbol", symbolKey), zap.String("interval", interval), zap.Error(err))

	if cached, _ := s.cache.Latest(key, limit); len(cached) > 0 {
		series.Origin = OriginCache
		series.Candles = cached
		return series
	}

	if s.archive != nil {
		stored, err := s.archive.LoadCandles(ctx, symbolKey, interval, limit)
		if err != nil {
			s.logger.Warn("failed to read candle archive", zap.String("symbol", symbolKey), zap.Error(err))
		} else if len(stored) > 0 {
			series.Origin = OriginArchive
			series.Candles = stored
			return series
		}
	}

	series.Origin = OriginSynthetic
	series.Candles = s.synth.SyntheticCandles(symbolKey, interval, limit)
	return series
}

// MovingAverages computes a simple moving average of closes for each period
// in 2..len(candles). Other periods are skipped.
func MovingAverages(candles []memorystore.Candle, periods []int) map[int][]float64 {
	if len(candles) == 0 || len(periods) == 0 {
		return nil
	}
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}

	out := make(map[int][]float64, len(periods))
	for _, p := range periods {
		if p < 2 || p > len(closes) {
			continue
		}
		out[p] = talib.Sma(closes, p)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
