package stream

import (
	"reflect"
	"sync"
	"testing"
	"time"

	"pricefeed/internal/feed/memorystore"
	"pricefeed/internal/feed/testutils"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type chanPublisher struct {
	ch chan memorystore.PriceUpdate
}

func (p *chanPublisher) Publish(u memorystore.PriceUpdate) { p.ch <- u }

type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (l *stateLog) record(s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, s)
}

func (l *stateLog) snapshot() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]State(nil), l.states...)
}

var testOpts = Options{
	QuoteAsset:  "USDT",
	BaseDelay:   time.Second,
	CapDelay:    30 * time.Second,
	MaxAttempts: 5,
}

func newTestManager(t *testing.T) (*Manager, *testutils.FakeDialer, *testutils.FakeClock, *chanPublisher) {
	t.Helper()
	dialer := testutils.NewFakeDialer()
	clk := testutils.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	pub := &chanPublisher{ch: make(chan memorystore.PriceUpdate, 16)}
	m := NewManager(dialer, pub, clk, zap.NewNop(), testOpts)
	t.Cleanup(m.Disconnect)
	return m, dialer, clk, pub
}

func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	testutils.Eventually(t, func() bool { return m.State() == want }, "state "+want.String())
}

// waitPending blocks until exactly one timer is pending and returns it.
func waitPending(t *testing.T, clk *testutils.FakeClock) *testutils.FakeTimer {
	t.Helper()
	testutils.Eventually(t, func() bool { return len(clk.Pending()) == 1 }, "one pending timer")
	return clk.Pending()[0]
}

// go test -v --run TestBackoff
func TestBackoff(t *testing.T) {
	want := []time.Duration{1, 2, 4, 8, 16, 30, 30}
	for attempt, w := range want {
		if got := Backoff(time.Second, 30*time.Second, attempt); got != w*time.Second {
			t.Errorf("attempt %d: got %v, want %v", attempt, got, w*time.Second)
		}
	}
	if got := Backoff(0, time.Second, 3); got != 0 {
		t.Errorf("zero base should give zero delay, got %v", got)
	}
}

// go test -v --run TestReconnectDelaySequenceThenFallback
func TestReconnectDelaySequenceThenFallback(t *testing.T) {
	m, dialer, clk, _ := newTestManager(t)
	states := &stateLog{}
	m.OnStateChange(states.record)

	for i := 0; i < 6; i++ {
		dialer.FailNext(testutils.ErrDialRefused)
	}

	m.Connect([]string{"BTC", "ETH"})
	for i := 0; i < 5; i++ {
		waitState(t, m, ReconnectScheduled)
		waitPending(t, clk).Fire()
	}
	waitState(t, m, Fallback)

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	if got := clk.Delays(); !reflect.DeepEqual(got, want) {
		t.Fatalf("delays = %v, want %v", got, want)
	}
	if len(clk.Pending()) != 0 {
		t.Fatal("no timer may be scheduled after entering FALLBACK")
	}
	if dialer.DialCount() != 6 {
		t.Errorf("expected 6 dials, got %d", dialer.DialCount())
	}
	if st := m.Stats(); st.Reconnects != 5 || st.LastError == "" || st.State != "FALLBACK" {
		t.Errorf("unexpected stats %+v", st)
	}

	got := states.snapshot()
	if got[len(got)-1] != Fallback {
		t.Errorf("listener did not see FALLBACK last: %v", got)
	}
}

// go test -v --run TestDisconnectCancelsPendingReconnect
func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	m, dialer, clk, _ := newTestManager(t)
	dialer.FailNext(testutils.ErrDialRefused)

	m.Connect([]string{"BTC"})
	waitState(t, m, ReconnectScheduled)
	timer := waitPending(t, clk)

	m.Disconnect()
	if m.State() != Idle {
		t.Fatalf("expected IDLE after disconnect, got %v", m.State())
	}
	if !timer.Stopped() {
		t.Fatal("pending reconnect timer was not stopped")
	}

	// the timer fires anyway, racing the stop
	timer.Fire()
	if m.State() != Idle {
		t.Fatalf("late timer fire changed state to %v", m.State())
	}
	time.Sleep(20 * time.Millisecond)
	if dialer.DialCount() != 1 {
		t.Errorf("late timer fire dialed again: %d dials", dialer.DialCount())
	}
	if m.Stats().Attempts != 0 {
		t.Errorf("attempts not reset: %d", m.Stats().Attempts)
	}
}

// go test -v --run TestOpenResetsAttempts
func TestOpenResetsAttempts(t *testing.T) {
	m, dialer, clk, _ := newTestManager(t)
	dialer.FailNext(testutils.ErrDialRefused, testutils.ErrDialRefused)

	m.Connect([]string{"BTC"})
	waitState(t, m, ReconnectScheduled)
	waitPending(t, clk).Fire()
	waitState(t, m, ReconnectScheduled)
	waitPending(t, clk).Fire()
	waitState(t, m, Open)

	if m.Stats().Attempts != 0 {
		t.Fatalf("attempts not reset on open: %d", m.Stats().Attempts)
	}

	dialer.LastConn().CloseWithCode(websocket.CloseAbnormalClosure)
	waitState(t, m, ReconnectScheduled)
	if d := waitPending(t, clk).Delay; d != time.Second {
		t.Errorf("first delay after a successful open = %v, want 1s", d)
	}
}

// go test -v --run TestFramePublished
func TestFramePublished(t *testing.T) {
	m, dialer, _, pub := newTestManager(t)

	m.Connect([]string{"BTC", "ETH"})
	waitState(t, m, Open)

	conn := dialer.LastConn()
	conn.Push(`{"result":null,"id":1}`)
	conn.Push(`{"s":`)
	conn.Push(`{"symbol":"ETHUSDT","lastPrice":"2650.00","changePercent":"3.2"}`)

	select {
	case u := <-pub.ch:
		if u.Symbol != "ETH" || u.Price != 2650 || u.Change24hPercent != 3.2 {
			t.Fatalf("unexpected update %+v", u)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no update published")
	}

	st := m.Stats()
	if st.FramesParsed != 1 || st.FramesDropped != 1 {
		t.Errorf("unexpected frame counters %+v", st)
	}
	if m.State() != Open {
		t.Errorf("a bad frame must not close the stream, state %v", m.State())
	}
}

// go test -v --run TestNormalClosureGoesIdle
func TestNormalClosureGoesIdle(t *testing.T) {
	m, dialer, clk, _ := newTestManager(t)

	m.Connect([]string{"BTC"})
	waitState(t, m, Open)

	dialer.LastConn().CloseWithCode(websocket.CloseNormalClosure)
	waitState(t, m, Idle)

	if len(clk.Pending()) != 0 {
		t.Error("normal closure must not schedule a reconnect")
	}
	if !dialer.LastConn().IsClosed() {
		t.Error("connection not released")
	}
}

// go test -v --run TestConnectIdempotent
func TestConnectIdempotent(t *testing.T) {
	m, dialer, _, _ := newTestManager(t)

	m.Connect([]string{"BTC"})
	m.Connect([]string{"BTC"})
	waitState(t, m, Open)
	m.Connect([]string{"ETH"})

	time.Sleep(20 * time.Millisecond)
	if dialer.DialCount() != 1 {
		t.Fatalf("expected exactly one dial, got %d", dialer.DialCount())
	}
	if got := dialer.Call(0); !reflect.DeepEqual(got, []string{"BTC"}) {
		t.Errorf("unexpected subscription %v", got)
	}
}

// go test -v --run TestConnectWhileScheduledDialsNow
func TestConnectWhileScheduledDialsNow(t *testing.T) {
	m, dialer, clk, _ := newTestManager(t)
	dialer.FailNext(testutils.ErrDialRefused)

	m.Connect([]string{"BTC"})
	waitState(t, m, ReconnectScheduled)
	timer := waitPending(t, clk)

	m.Connect(nil)
	waitState(t, m, Open)

	if !timer.Stopped() {
		t.Error("scheduled reconnect should be cancelled by an explicit connect")
	}
	if got := dialer.Call(1); !reflect.DeepEqual(got, []string{"BTC"}) {
		t.Errorf("nil symbols should reuse the previous subscription, got %v", got)
	}
}

// go test -v --run TestDisconnectWhileOpen
func TestDisconnectWhileOpen(t *testing.T) {
	m, dialer, _, pub := newTestManager(t)
	states := &stateLog{}
	m.OnStateChange(states.record)

	m.Connect([]string{"BTC"})
	waitState(t, m, Open)
	testutils.Eventually(t, func() bool { return len(states.snapshot()) == 2 }, "open notified")
	conn := dialer.LastConn()

	m.Disconnect()
	if m.State() != Idle {
		t.Fatalf("expected IDLE, got %v", m.State())
	}
	conn.Mu.Lock()
	closeSent := conn.CloseWritten
	conn.Mu.Unlock()
	if !closeSent || !conn.IsClosed() {
		t.Error("expected a close frame and a closed connection")
	}

	got := states.snapshot()
	want := []State{Connecting, Open, Closing, Idle}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
	select {
	case u := <-pub.ch:
		t.Errorf("unexpected publish after disconnect: %+v", u)
	default:
	}
}
