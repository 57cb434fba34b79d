package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"pricefeed/internal/feed/hub"
	"pricefeed/internal/feed/memorystore"
	"pricefeed/internal/feed/testutils"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func newTestMirror(t *testing.T, queueSize int) (*Mirror, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, time.Minute, queueSize, zap.NewNop()), mr, rdb
}

func runMirror(t *testing.T, m *Mirror) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// go test -v --run TestMirrorWritesLatest
func TestMirrorWritesLatest(t *testing.T) {
	m, mr, _ := newTestMirror(t, 0)
	runMirror(t, m)
	ctx := context.Background()

	u := memorystore.PriceUpdate{Symbol: "BTC", Price: 64000.5, Change24hPercent: -1.25}
	if err := m.OnUpdate(u); err != nil {
		t.Fatalf("mirror update: %v", err)
	}

	var got map[string]memorystore.PriceUpdate
	testutils.Eventually(t, func() bool {
		var err error
		got, err = m.Latest(ctx, []string{"BTC", "ETH"})
		return err == nil && len(got) == 1
	}, "mirrored quote")
	if got["BTC"].Price != 64000.5 || got["BTC"].Change24hPercent != -1.25 {
		t.Fatalf("unexpected mirrored quotes %+v", got)
	}
	if ttl := mr.TTL(Key("BTC")); ttl != time.Minute {
		t.Errorf("expected 1m ttl, got %v", ttl)
	}

	mr.FastForward(2 * time.Minute)
	got, _ = m.Latest(ctx, []string{"BTC"})
	if len(got) != 0 {
		t.Errorf("expired quote still returned: %+v", got)
	}
}

// go test -v --run TestMirrorPublishes
func TestMirrorPublishes(t *testing.T) {
	m, _, rdb := newTestMirror(t, 0)
	runMirror(t, m)
	ctx := context.Background()

	sub := rdb.Subscribe(ctx, Channel("ETH"))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	h := hub.New(zap.NewNop())
	h.Subscribe(m)
	h.Publish(memorystore.PriceUpdate{Symbol: "ETH", Price: 2650, Change24hPercent: 3.2})

	select {
	case msg := <-sub.Channel():
		var u memorystore.PriceUpdate
		if err := json.Unmarshal([]byte(msg.Payload), &u); err != nil {
			t.Fatalf("payload: %v", err)
		}
		if msg.Channel != "prices.ETH" || u.Price != 2650 {
			t.Errorf("unexpected message %s %+v", msg.Channel, u)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message published")
	}
	if st := h.Stats(); st.Delivered != 1 || st.Failed != 0 {
		t.Errorf("unexpected hub stats %+v", st)
	}
}

// go test -v --run TestMirrorDoesNotBlockPublisher
func TestMirrorDoesNotBlockPublisher(t *testing.T) {
	// no Run: nothing drains the queue
	m, _, _ := newTestMirror(t, 1)
	h := hub.New(zap.NewNop())
	h.Subscribe(m)

	start := time.Now()
	h.Publish(memorystore.PriceUpdate{Symbol: "BTC", Price: 1})
	h.Publish(memorystore.PriceUpdate{Symbol: "BTC", Price: 2})
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("publish blocked for %v", elapsed)
	}

	if st := h.Stats(); st.Delivered != 1 || st.Failed != 1 {
		t.Errorf("expected the second update to be dropped, got %+v", st)
	}
	if err := m.OnUpdate(memorystore.PriceUpdate{Symbol: "ETH"}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
}

// go test -v --run TestMirrorRedisDown
func TestMirrorRedisDown(t *testing.T) {
	m, mr, _ := newTestMirror(t, 0)
	mr.Close()

	if err := m.write(context.Background(), memorystore.PriceUpdate{Symbol: "SOL", Price: 150}); err == nil {
		t.Fatal("expected an error with redis down")
	}
	if _, err := m.Latest(context.Background(), []string{"SOL"}); err == nil {
		t.Fatal("expected an error with redis down")
	}
}
