package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pricefeed/internal/feed/memorystore"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyPrefix     = "quote:"
	channelPrefix = "prices."

	defaultQueueSize = 1024
)

// ErrQueueFull is returned by OnUpdate when the writer has fallen behind.
// The update is dropped.
var ErrQueueFull = errors.New("mirror queue full")

// Mirror copies every hub update into Redis so other processes can read the
// latest price (GET quote:<SYM>) or follow it live (SUBSCRIBE prices.<SYM>).
// Updates are queued and written by Run.
type Mirror struct {
	client  *redis.Client
	ttl     time.Duration
	timeout time.Duration
	queue   chan memorystore.PriceUpdate
	logger  *zap.Logger
}

func New(client *redis.Client, ttl time.Duration, queueSize int, logger *zap.Logger) *Mirror {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Mirror{
		client:  client,
		ttl:     ttl,
		timeout: 2 * time.Second,
		queue:   make(chan memorystore.PriceUpdate, queueSize),
		logger:  logger,
	}
}

// NewClient connects to Redis and checks it answers.
func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

func Key(symbol string) string     { return keyPrefix + symbol }
func Channel(symbol string) string { return channelPrefix + symbol }

// OnUpdate implements hub.Subscriber. It never blocks the publisher.
func (m *Mirror) OnUpdate(u memorystore.PriceUpdate) error {
	select {
	case m.queue <- u:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run writes queued updates until ctx is done.
func (m *Mirror) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-m.queue:
			if err := m.write(ctx, u); err != nil {
				m.logger.Warn("failed to mirror update", zap.String("symbol", u.Symbol), zap.Error(err))
			}
		}
	}
}

func (m *Mirror) write(ctx context.Context, u memorystore.PriceUpdate) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("failed to marshal update: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	pipe := m.client.Pipeline()
	pipe.Set(ctx, Key(u.Symbol), data, m.ttl)
	pipe.Publish(ctx, Channel(u.Symbol), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to mirror %s: %w", u.Symbol, err)
	}
	return nil
}

// Latest reads the mirrored updates for symbols. Symbols with no live key are
// left out.
func (m *Mirror) Latest(ctx context.Context, symbols []string) (map[string]memorystore.PriceUpdate, error) {
	out := make(map[string]memorystore.PriceUpdate, len(symbols))
	if len(symbols) == 0 {
		return out, nil
	}

	keys := make([]string, len(symbols))
	for i, sym := range symbols {
		keys[i] = Key(sym)
	}
	values, err := m.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read mirrored quotes: %w", err)
	}

	for i, val := range values {
		payload, ok := val.(string)
		if !ok || payload == "" {
			continue
		}
		var u memorystore.PriceUpdate
		if err := json.Unmarshal([]byte(payload), &u); err != nil {
			m.logger.Warn("skipping unreadable mirrored quote", zap.String("key", keys[i]), zap.Error(err))
			continue
		}
		out[u.Symbol] = u
	}
	return out, nil
}
