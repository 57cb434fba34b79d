package candles

import (
	"context"
	"sync"
	"time"

	"pricefeed/internal/feed/clock"

	"go.uber.org/zap"
)

// Pruner is implemented by archives that can drop old bars.
type Pruner interface {
	DeleteOldCandles(ctx context.Context, before time.Time) (int64, error)
}

// Archiver copies recent candles of every tracked series into the archive,
// once at startup and then every day at UTC midnight.
type Archiver struct {
	Source      Source
	Archive     Archive
	Symbols     func() []string
	Intervals   []string
	Limit       int
	Concurrency int
	Timeout     time.Duration
	Retention   time.Duration // bars older than this are pruned after each run; 0 keeps all
	Clock       clock.Clock
	Logger      *zap.Logger
}

// Start runs the archiver until ctx is done.
func (a *Archiver) Start(ctx context.Context) {
	go func() {
		// Run immediately once at startup
		a.RunOnce(ctx)

		for {
			// Wait until next UTC midnight
			wait := time.Until(NextMidnight(time.Now()))
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			a.RunOnce(ctx)
		}
	}()
}

// RunOnce archives every (symbol, interval) pair and returns how many series
// were stored.
func (a *Archiver) RunOnce(ctx context.Context) int {
	symbols := a.Symbols()
	concurrency := a.Concurrency
	if concurrency <= 0 {
		concurrency = 5
	}
	sem := make(chan struct{}, concurrency) // max concurrent fetches

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		stored int
	)
	for _, symbol := range symbols {
		for _, interval := range a.Intervals {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				wg.Wait()
				return stored
			}

			wg.Add(1)
			go func(symbol, interval string) {
				defer func() { <-sem; wg.Done() }()
				if a.archiveSeries(ctx, symbol, interval) {
					mu.Lock()
					stored++
					mu.Unlock()
				}
			}(symbol, interval)
		}
	}
	wg.Wait()

	a.Logger.Info("candle archive run finished",
		zap.Int("series", stored), zap.Int("symbols", len(symbols)), zap.Strings("intervals", a.Intervals))
	a.prune(ctx)
	return stored
}

func (a *Archiver) prune(ctx context.Context) {
	pruner, ok := a.Archive.(Pruner)
	if !ok || a.Retention <= 0 {
		return
	}
	clk := a.Clock
	if clk == nil {
		clk = clock.Real()
	}
	before := clk.Now().Add(-a.Retention)

	deleted, err := pruner.DeleteOldCandles(ctx, before)
	if err != nil {
		a.Logger.Warn("failed to prune candle archive", zap.Error(err))
		return
	}
	a.Logger.Info("pruned candle archive", zap.Int64("deleted", deleted), zap.Time("before", before))
}

func (a *Archiver) archiveSeries(ctx context.Context, symbol, interval string) bool {
	timeout := a.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	candles, err := a.Source.FetchCandles(ctx, symbol, interval, a.Limit)
	if err != nil {
		a.Logger.Warn("failed to fetch candles for archive",
			zap.String("symbol", symbol), zap.String("interval", interval), zap.Error(err))
		return false
	}
	if err := a.Archive.SaveCandles(ctx, symbol, interval, candles); err != nil {
		a.Logger.Warn("failed to archive candles",
			zap.String("symbol", symbol), zap.String("interval", interval), zap.Error(err))
		return false
	}
	return true
}

// NextMidnight returns the first UTC midnight strictly after now.
func NextMidnight(now time.Time) time.Time {
	return now.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
}
