package coordinator

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"pricefeed/internal/feed/clock"
	"pricefeed/internal/feed/hub"
	"pricefeed/internal/feed/memorystore"
	"pricefeed/internal/feed/stream"

	"go.uber.org/zap"
)

var ErrAlreadyStarted = errors.New("coordinator already started")

// QuoteSource is the REST side of the provider.
type QuoteSource interface {
	FetchQuotes(ctx context.Context, symbolKeys []string) (map[string]memorystore.QuoteRecord, error)
}

// Streamer is the streaming connection manager as seen by the coordinator.
type Streamer interface {
	Connect(symbols []string)
	Disconnect()
	State() stream.State
	OnStateChange(fn func(stream.State))
}

// Synthesizer produces sample quotes when the provider is unreachable.
type Synthesizer interface {
	SyntheticQuotes(symbolKeys []string) map[string]memorystore.QuoteRecord
}

type Options struct {
	StartDelay     time.Duration // bootstrap success → stream connect
	HealthInterval time.Duration
	PollInterval   time.Duration // REST polling while the stream is in FALLBACK
	FetchTimeout   time.Duration

	RateLimitDelay       time.Duration
	RateLimitMaxDelay    time.Duration
	RateLimitMaxAttempts int
}

// Coordinator bootstraps quotes over REST, hands over to the stream, and
// owns the record set the dashboard reads.
type Coordinator struct {
	source   QuoteSource
	streamer Streamer
	hub      *hub.Hub
	synth    Synthesizer
	clock    clock.Clock
	logger   *zap.Logger
	opts     Options
	store    *memorystore.QuoteStore

	mu            sync.Mutex
	running       bool
	gen           uint64 // bumped by Start and Stop; timers from older runs are ignored
	fetchSeq      uint64 // last-fetch-wins
	runCtx        context.Context
	cancelRun     context.CancelFunc
	symbols       []string
	handle        hub.Handle
	connected     bool
	lastUpdate    time.Time
	errMsg        string
	sticky        bool // bootstrap fell back to sample data; stream stays off
	degraded      bool // stream in FALLBACK, polling REST
	streamStarted bool
	favorites     map[string]bool

	startTimer  clock.Timer
	healthTimer clock.Timer
	pollTimer   clock.Timer
	retryTimer  clock.Timer
}

func New(source QuoteSource, streamer Streamer, h *hub.Hub, synth Synthesizer, clk clock.Clock, logger *zap.Logger, opts Options) *Coordinator {
	if clk == nil {
		clk = clock.Real()
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Second
	}
	c := &Coordinator{
		source:    source,
		streamer:  streamer,
		hub:       h,
		synth:     synth,
		clock:     clk,
		logger:    logger,
		opts:      opts,
		store:     memorystore.NewQuoteStore(),
		favorites: make(map[string]bool),
	}
	streamer.OnStateChange(c.onStreamState)
	return c
}

// Start runs the bootstrap fetch and, once it succeeds, schedules the stream
// after StartDelay. A failed bootstrap installs sample data and leaves the
// stream off until Refetch succeeds. Start returns after the first fetch; rate
// limited retries continue in the background.
func (c *Coordinator) Start(ctx context.Context, symbols []string) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.running = true
	c.gen++
	gen := c.gen
	c.symbols = normalize(symbols)
	// background fetches outlive ctx's deadline but not Stop
	c.runCtx, c.cancelRun = context.WithCancel(context.WithoutCancel(ctx))
	c.handle = c.hub.Subscribe(hub.SubscriberFunc(c.onUpdate))
	c.connected = false
	c.sticky = false
	c.degraded = false
	c.errMsg = ""
	c.lastUpdate = time.Time{}
	c.store.ReplaceAll(nil)
	c.scheduleHealthLocked(gen)
	runCtx := c.runCtx
	tracked := append([]string(nil), c.symbols...)
	c.mu.Unlock()

	c.logger.Info("coordinator starting", zap.Strings("symbols", tracked))
	c.bootstrap(runCtx, gen)
	return nil
}

// Refetch re-runs the bootstrap fetch without touching a running stream.
func (c *Coordinator) Refetch(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return errors.New("coordinator not started")
	}
	gen := c.gen
	runCtx := c.runCtx
	c.mu.Unlock()

	// cancelled by either the caller or Stop
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(runCtx, cancel)
	defer stop()

	c.bootstrap(ctx, gen)
	return nil
}

// Stop unsubscribes from the hub, closes the stream and cancels every timer.
// It is safe to call more than once.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.gen++
	for _, t := range []*clock.Timer{&c.startTimer, &c.healthTimer, &c.pollTimer, &c.retryTimer} {
		if *t != nil {
			(*t).Stop()
			*t = nil
		}
	}
	c.cancelRun()
	handle := c.handle
	c.handle = ""
	c.streamStarted = false
	c.connected = false
	c.degraded = false
	c.mu.Unlock()

	c.hub.Unsubscribe(handle)
	c.streamer.Disconnect()
	c.logger.Info("coordinator stopped")
}

// ToggleFavorite flips the favorite flag for symbolKey and returns the new value.
func (c *Coordinator) ToggleFavorite(symbolKey string) bool {
	key := strings.ToUpper(strings.TrimSpace(symbolKey))

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.favorites[key] {
		delete(c.favorites, key)
		return false
	}
	c.favorites[key] = true
	return true
}

// Symbols returns the tracked symbol keys.
func (c *Coordinator) Symbols() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.symbols...)
}

func (c *Coordinator) onUpdate(u memorystore.PriceUpdate) error {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return nil
	}
	if !c.store.Apply(u, now) {
		c.logger.Debug("update for untracked symbol", zap.String("symbol", u.Symbol))
		return nil
	}
	c.lastUpdate = now
	c.connected = true
	return nil
}

func (c *Coordinator) onStreamState(s stream.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}

	switch s {
	case stream.Open:
		c.connected = true
		if c.degraded {
			c.degraded = false
			c.errMsg = ""
			if c.pollTimer != nil {
				c.pollTimer.Stop()
				c.pollTimer = nil
			}
		}
	case stream.Idle, stream.ReconnectScheduled:
		c.connected = false
	case stream.Fallback:
		c.connected = false
		c.degraded = true
		c.errMsg = "live stream unavailable; polling for prices"
		c.logger.Warn("stream in fallback, switching to polling", zap.Duration("interval", c.opts.PollInterval))
		c.schedulePollLocked(c.gen)
	}
}

func (c *Coordinator) scheduleHealthLocked(gen uint64) {
	if c.opts.HealthInterval <= 0 {
		return
	}
	c.healthTimer = c.clock.AfterFunc(c.opts.HealthInterval, func() { c.healthCheck(gen) })
}

// healthCheck restarts a stream that went IDLE on its own or gave up in
// FALLBACK. RECONNECT_SCHEDULED and CONNECTING are already on their way back.
func (c *Coordinator) healthCheck(gen uint64) {
	state := c.streamer.State()

	c.mu.Lock()
	if gen != c.gen || !c.running {
		c.mu.Unlock()
		return
	}
	reconnect := c.streamStarted && !c.sticky && (state == stream.Idle || state == stream.Fallback)
	symbols := append([]string(nil), c.symbols...)
	c.scheduleHealthLocked(gen)
	c.mu.Unlock()

	if reconnect {
		c.logger.Info("health check: stream down, reconnecting", zap.String("state", state.String()))
		c.streamer.Connect(symbols)
	}
}

func normalize(symbols []string) []string {
	out := make([]string, 0, len(symbols))
	seen := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
