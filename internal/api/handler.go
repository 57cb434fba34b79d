package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pricefeed/internal/feed/candles"
	"pricefeed/internal/feed/coordinator"
	"pricefeed/internal/feed/hub"
	"pricefeed/internal/feed/memorystore"
	"pricefeed/internal/feed/stream"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Feed is the coordinator as seen by the HTTP layer.
type Feed interface {
	View() coordinator.View
	Quote(symbolKey string) (memorystore.QuoteRecord, bool)
	Refetch(ctx context.Context) error
	ToggleFavorite(symbolKey string) bool
	Symbols() []string
}

type CandleReader interface {
	Get(ctx context.Context, symbolKey, interval string, limit int, smaPeriods []int) (candles.Series, error)
}

type HubStats interface {
	Stats() hub.Stats
}

type StreamStats interface {
	Stats() stream.Stats
}

// MirrorReader reads quotes back from the Redis mirror.
type MirrorReader interface {
	Latest(ctx context.Context, symbols []string) (map[string]memorystore.PriceUpdate, error)
}

// Pinger checks that the market data provider answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	feed    Feed
	candles CandleReader
	hub     HubStats
	stream  StreamStats
	mirror  MirrorReader // nil when Redis is disabled
	pinger  Pinger       // nil skips the provider check
	logger  *zap.Logger

	defaultLimit int
	defaultSMA   []int
}

type Options struct {
	DefaultLimit int
	DefaultSMA   []int
	Provider     Pinger
}

func NewHandler(feed Feed, candleReader CandleReader, hubStats HubStats, streamStats StreamStats, mirror MirrorReader, logger *zap.Logger, opts Options) *Handler {
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = 200
	}
	return &Handler{
		feed:         feed,
		candles:      candleReader,
		hub:          hubStats,
		stream:       streamStats,
		mirror:       mirror,
		pinger:       opts.Provider,
		logger:       logger,
		defaultLimit: opts.DefaultLimit,
		defaultSMA:   opts.DefaultSMA,
	}
}

// Healthz reports liveness and, when configured, whether the provider answers.
// The process stays healthy while the provider is down; the feed degrades instead.
func (h *Handler) Healthz(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if h.pinger != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()
		if err := h.pinger.Ping(ctx); err != nil {
			h.logger.Debug("provider ping failed", zap.Error(err))
			body["provider"] = "unreachable"
		} else {
			body["provider"] = "ok"
		}
	}
	c.JSON(http.StatusOK, body)
}

// GetQuotes returns the dashboard view.
func (h *Handler) GetQuotes(c *gin.Context) {
	c.JSON(http.StatusOK, h.feed.View())
}

// GetQuote returns a single record.
func (h *Handler) GetQuote(c *gin.Context) {
	record, ok := h.feed.Quote(c.Param("symbol"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "symbol not tracked"})
		return
	}
	c.JSON(http.StatusOK, record)
}

// GetStatus reports connection state and counters without the records.
func (h *Handler) GetStatus(c *gin.Context) {
	v := h.feed.View()
	c.JSON(http.StatusOK, gin.H{
		"connected":        v.Connected,
		"degraded":         v.Degraded,
		"error":            v.Error,
		"last_update_time": v.LastUpdateTime,
		"symbols":          h.feed.Symbols(),
		"stream":           h.stream.Stats(),
		"hub":              h.hub.Stats(),
	})
}

// Refetch re-runs the REST bootstrap.
func (h *Handler) Refetch(c *gin.Context) {
	if err := h.feed.Refetch(c.Request.Context()); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.feed.View())
}

// ToggleFavorite flips the favorite flag of a symbol.
func (h *Handler) ToggleFavorite(c *gin.Context) {
	symbol := strings.ToUpper(strings.TrimSpace(c.Param("symbol")))
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol is required"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "favorite": h.feed.ToggleFavorite(symbol)})
}

// GetCandles returns a candle series with optional moving averages,
// e.g. /api/v1/candles?symbol=BTC&interval=1h&limit=100&sma=20,50
func (h *Handler) GetCandles(c *gin.Context) {
	symbol := c.Query("symbol")
	interval := c.DefaultQuery("interval", "1h")

	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol is required"})
		return
	}

	limit := h.defaultLimit
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer"})
			return
		}
		limit = n
	}

	periods := h.defaultSMA
	if s, ok := c.GetQuery("sma"); ok {
		p, err := parsePeriods(s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "sma must be a comma separated list of integers"})
			return
		}
		periods = p
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 15*time.Second)
	defer cancel()

	series, err := h.candles.Get(ctx, symbol, interval, limit, periods)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, series)
}

// GetMirror returns the quotes currently held in Redis.
func (h *Handler) GetMirror(c *gin.Context) {
	if h.mirror == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "redis mirror disabled"})
		return
	}
	quotes, err := h.mirror.Latest(c.Request.Context(), h.feed.Symbols())
	if err != nil {
		h.logger.Warn("failed to read redis mirror", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to read redis mirror"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"quotes": quotes})
}

func parsePeriods(s string) ([]int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}
