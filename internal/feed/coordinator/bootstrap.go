package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pricefeed/internal/feed/memorystore"
	"pricefeed/pkg/binance"

	"go.uber.org/zap"
)

// bootstrap starts one fetch sequence. Only the most recently started
// sequence may apply its result.
func (c *Coordinator) bootstrap(ctx context.Context, gen uint64) {
	c.mu.Lock()
	c.fetchSeq++
	seq := c.fetchSeq
	symbols := append([]string(nil), c.symbols...)
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	c.mu.Unlock()

	c.fetch(ctx, gen, seq, symbols, 0)
}

func (c *Coordinator) fetch(ctx context.Context, gen, seq uint64, symbols []string, attempt int) {
	fetchCtx, cancel := context.WithTimeout(ctx, c.opts.FetchTimeout)
	records, err := c.source.FetchQuotes(fetchCtx, symbols)
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen || !c.running {
		return
	}
	if seq != c.fetchSeq {
		c.logger.Debug("discarding superseded bootstrap result", zap.Uint64("seq", seq))
		return
	}

	switch {
	case err == nil:
		c.applyBootstrapLocked(symbols, records)
	case errors.Is(err, binance.ErrRateLimit) && attempt < c.opts.RateLimitMaxAttempts:
		delay := c.rateLimitDelay(err, attempt)
		c.errMsg = fmt.Sprintf("rate limited by market data provider; retrying in %s", delay)
		c.logger.Warn("bootstrap rate limited, retrying",
			zap.Duration("delay", delay), zap.Int("attempt", attempt+1), zap.Error(err))

		runCtx := c.runCtx
		c.retryTimer = c.clock.AfterFunc(delay, func() {
			c.fetch(runCtx, gen, seq, symbols, attempt+1)
		})
	default:
		c.fallbackLocked(symbols, err)
	}
}

func (c *Coordinator) applyBootstrapLocked(symbols []string, records map[string]memorystore.QuoteRecord) {
	for _, sym := range symbols {
		if _, ok := records[sym]; !ok {
			c.logger.Warn("symbol missing from quote response", zap.String("symbol", sym))
		}
	}

	c.store.ReplaceAll(records)
	c.lastUpdate = c.clock.Now()
	c.connected = !c.degraded
	c.sticky = false
	if !c.degraded {
		c.errMsg = ""
	}
	c.logger.Info("bootstrap loaded", zap.Int("count", len(records)))

	if c.streamStarted {
		return
	}
	c.streamStarted = true
	gen := c.gen
	c.startTimer = c.clock.AfterFunc(c.opts.StartDelay, func() { c.startStream(gen) })
}

// fallbackLocked handles a failed fetch. Before the stream is up the records
// are replaced by sample data and the coordinator goes sticky; afterwards the
// live records are kept and only the error is reported.
func (c *Coordinator) fallbackLocked(symbols []string, err error) {
	if c.streamStarted {
		c.errMsg = describe(err)
		c.logger.Warn("refetch failed, keeping live records", zap.Error(err))
		return
	}

	c.errMsg = describe(err) + "; showing sample data"
	c.store.ReplaceAll(c.synth.SyntheticQuotes(symbols))
	c.connected = false
	c.sticky = true
	c.logger.Error("bootstrap failed, showing sample data", zap.Error(err))
}

func (c *Coordinator) startStream(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || !c.running || c.sticky {
		c.mu.Unlock()
		return
	}
	c.startTimer = nil
	symbols := append([]string(nil), c.symbols...)
	c.mu.Unlock()

	c.logger.Info("starting stream", zap.Strings("symbols", symbols))
	c.streamer.Connect(symbols)
}

func (c *Coordinator) schedulePollLocked(gen uint64) {
	if c.opts.PollInterval <= 0 || c.pollTimer != nil {
		return
	}
	c.pollTimer = c.clock.AfterFunc(c.opts.PollInterval, func() { c.poll(gen) })
}

// poll refreshes the records over REST while the stream is in FALLBACK.
func (c *Coordinator) poll(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || !c.running || !c.degraded {
		c.mu.Unlock()
		return
	}
	c.pollTimer = nil
	c.fetchSeq++
	seq := c.fetchSeq
	symbols := append([]string(nil), c.symbols...)
	ctx := c.runCtx
	c.mu.Unlock()

	fetchCtx, cancel := context.WithTimeout(ctx, c.opts.FetchTimeout)
	records, err := c.source.FetchQuotes(fetchCtx, symbols)
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || !c.running || !c.degraded {
		return
	}
	switch {
	case err != nil:
		c.logger.Warn("poll failed", zap.Error(err))
	case seq == c.fetchSeq:
		c.store.ReplaceAll(records)
		c.lastUpdate = c.clock.Now()
	}
	c.schedulePollLocked(gen)
}

func (c *Coordinator) rateLimitDelay(err error, attempt int) time.Duration {
	delay := c.opts.RateLimitDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	var apiErr *binance.APIError
	if errors.As(err, &apiErr) && apiErr.RetryAfter > delay {
		delay = apiErr.RetryAfter
	}
	if c.opts.RateLimitMaxDelay > 0 && delay > c.opts.RateLimitMaxDelay {
		delay = c.opts.RateLimitMaxDelay
	}
	return delay
}

func describe(err error) string {
	switch binance.KindOf(err) {
	case binance.ErrRateLimit:
		return "market data provider is rate limiting requests"
	case binance.ErrAuth:
		return "market data provider rejected the request"
	case binance.ErrDecode:
		return "market data provider sent an unreadable response"
	default:
		return "unable to reach market data provider"
	}
}
