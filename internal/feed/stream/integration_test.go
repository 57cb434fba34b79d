package stream

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pricefeed/internal/feed/memorystore"
	"pricefeed/internal/feed/testutils"
	"pricefeed/pkg/binance"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"
)

// startFakeExchange serves the combined stream. Each accepted connection is
// handed to the test after its subscription message has been read.
func startFakeExchange(t *testing.T) (string, <-chan net.Conn, <-chan binance.SubscribeRequest) {
	t.Helper()
	conns := make(chan net.Conn, 4)
	subs := make(chan binance.SubscribeRequest, 4)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		msg, err := wsutil.ReadClientText(conn)
		if err != nil {
			conn.Close()
			return
		}
		var req binance.SubscribeRequest
		if err := json.Unmarshal(msg, &req); err != nil {
			conn.Close()
			return
		}
		subs <- req
		conns <- conn
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http"), conns, subs
}

// go test -v --run TestManagerAgainstFakeExchange
func TestManagerAgainstFakeExchange(t *testing.T) {
	url, conns, subs := startFakeExchange(t)

	logger := zap.NewNop()
	dialer := binance.NewWSDialer(url, "USDT", 2*time.Second, logger)
	clk := testutils.NewFakeClock(time.Now())
	pub := &chanPublisher{ch: make(chan memorystore.PriceUpdate, 16)}
	m := NewManager(dialer, pub, clk, logger, testOpts)
	t.Cleanup(m.Disconnect)

	m.Connect([]string{"BTC", "ETH"})

	var req binance.SubscribeRequest
	select {
	case req = <-subs:
	case <-time.After(2 * time.Second):
		t.Fatal("no subscription received")
	}
	if req.Method != "SUBSCRIBE" || len(req.Params) != 2 || req.Params[0] != "btcusdt@ticker" || req.Params[1] != "ethusdt@ticker" {
		t.Fatalf("unexpected subscription %+v", req)
	}
	server := <-conns
	waitState(t, m, Open)

	// ack, then one combined-stream ticker
	frames := []string{
		`{"result":null,"id":1}`,
		`{"stream":"btcusdt@ticker","data":{"e":"24hrTicker","E":1700000000000,"s":"BTCUSDT","c":"64000.5","P":"-1.25"}}`,
	}
	for _, f := range frames {
		if err := wsutil.WriteServerText(server, []byte(f)); err != nil {
			t.Fatalf("write frame: %v", err)
		}
	}

	select {
	case u := <-pub.ch:
		if u.Symbol != "BTC" || u.Price != 64000.5 || u.Change24hPercent != -1.25 {
			t.Fatalf("unexpected update %+v", u)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no update published")
	}

	// dropping the TCP connection without a close frame is abnormal
	server.Close()
	waitState(t, m, ReconnectScheduled)
	waitPending(t, clk).Fire()

	select {
	case <-subs:
	case <-time.After(2 * time.Second):
		t.Fatal("manager did not resubscribe after reconnect")
	}
	server = <-conns
	waitState(t, m, Open)

	// a normal closure from the server leaves the manager idle
	body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "bye")
	if err := wsutil.WriteServerMessage(server, ws.OpClose, body); err != nil {
		t.Fatalf("write close: %v", err)
	}
	waitState(t, m, Idle)
	if len(clk.Pending()) != 0 {
		t.Error("normal closure must not schedule a reconnect")
	}
	server.Close()
}
