package stream

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"pricefeed/internal/feed/clock"
	"pricefeed/pkg/binance"

	"go.uber.org/zap"
)

// Manager owns one streaming connection and its reconnect policy.
//
// Every dial, read loop and timer is tagged with the epoch current when it
// was started. Disconnect and every new dial bump the epoch, so results from
// older work are dropped instead of acting on the current connection.
type Manager struct {
	dialer  binance.Dialer
	clock   clock.Clock
	logger  *zap.Logger
	opts    Options
	handle  func(msg []byte)
	counter frameCounters

	reconnects atomic.Uint64

	mu         sync.Mutex
	state      State
	symbols    []string
	attempts   int
	epoch      uint64
	conn       binance.Conn
	timer      clock.Timer
	cancelDial context.CancelFunc
	lastErr    string
	listeners  []func(State)
}

func NewManager(dialer binance.Dialer, pub Publisher, clk clock.Clock, logger *zap.Logger, opts Options) *Manager {
	if clk == nil {
		clk = clock.Real()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	m := &Manager{
		dialer: dialer,
		clock:  clk,
		logger: logger,
		opts:   opts,
	}
	m.handle = MakeFrameHandler(logger, opts.QuoteAsset, pub, &m.counter)
	return m
}

// OnStateChange registers fn to be called after every state transition.
// Callbacks run without the manager lock held and may call back into it.
func (m *Manager) OnStateChange(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		State:         m.state.String(),
		Attempts:      m.attempts,
		Reconnects:    m.reconnects.Load(),
		FramesParsed:  m.counter.parsed.Load(),
		FramesDropped: m.counter.dropped.Load(),
		LastError:     m.lastErr,
	}
}

// Connect opens the connection for symbols. It is a no-op while connecting or
// open. A pending reconnect is replaced by an immediate dial. A nil symbols
// slice reuses the previous subscription.
func (m *Manager) Connect(symbols []string) {
	m.mu.Lock()
	switch m.state {
	case Connecting, Open:
		m.mu.Unlock()
		return
	case ReconnectScheduled:
		m.stopTimerLocked()
	case Fallback:
		m.attempts = 0
	}

	if symbols != nil {
		m.symbols = normalize(symbols)
	}
	if len(m.symbols) == 0 {
		m.mu.Unlock()
		m.logger.Warn("connect called without symbols")
		return
	}

	epoch, ctx, syms := m.beginDialLocked()
	notify := m.setStateLocked(Connecting)
	m.mu.Unlock()

	notify()
	go m.run(ctx, epoch, syms)
}

// Disconnect closes the connection with a normal closure and cancels any
// pending reconnect. The manager ends IDLE with the attempt counter reset.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.epoch++
	epoch := m.epoch
	m.stopTimerLocked()
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	m.attempts = 0
	conn := m.conn
	m.conn = nil

	if conn == nil {
		notify := m.setStateLocked(Idle)
		m.mu.Unlock()
		notify()
		return
	}

	notify := m.setStateLocked(Closing)
	m.mu.Unlock()
	notify()

	if err := binance.CloseNormally(conn, "client disconnect"); err != nil {
		m.logger.Debug("close after disconnect", zap.Error(err))
	}

	m.mu.Lock()
	if m.epoch != epoch {
		// a Connect raced in while closing
		m.mu.Unlock()
		return
	}
	notify = m.setStateLocked(Idle)
	m.mu.Unlock()
	notify()
	m.logger.Info("stream disconnected")
}

func (m *Manager) run(ctx context.Context, epoch uint64, symbols []string) {
	conn, err := m.dialer.Dial(ctx, symbols)

	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	if err != nil {
		notify := m.failLocked(err)
		m.mu.Unlock()
		notify()
		return
	}

	m.conn = conn
	m.attempts = 0
	m.lastErr = ""
	notify := m.setStateLocked(Open)
	m.mu.Unlock()
	notify()

	m.logger.Info("stream open", zap.Strings("symbols", symbols))
	m.readLoop(epoch, conn)
}

func (m *Manager) readLoop(epoch uint64, conn binance.Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			m.onReadError(epoch, conn, err)
			return
		}
		if !m.current(epoch) {
			return
		}
		m.handle(msg)
	}
}

func (m *Manager) onReadError(epoch uint64, conn binance.Conn, err error) {
	m.mu.Lock()
	if epoch != m.epoch {
		// closed by Disconnect or superseded
		m.mu.Unlock()
		return
	}
	m.conn = nil
	_ = conn.Close()

	var notify func()
	if binance.IsNormalClosure(err) {
		m.epoch++
		m.attempts = 0
		notify = m.setStateLocked(Idle)
		m.logger.Info("stream closed normally")
	} else {
		notify = m.failLocked(err)
	}
	m.mu.Unlock()
	notify()
}

// failLocked schedules the next reconnect, or enters FALLBACK once
// MaxAttempts reconnects have failed without an open in between.
func (m *Manager) failLocked(err error) func() {
	m.lastErr = err.Error()

	if m.attempts >= m.opts.MaxAttempts {
		m.logger.Error("stream reconnect attempts exhausted, entering fallback",
			zap.Int("attempts", m.attempts), zap.Error(err))
		m.epoch++
		return m.setStateLocked(Fallback)
	}

	delay := Backoff(m.opts.BaseDelay, m.opts.CapDelay, m.attempts)
	m.attempts++
	epoch := m.epoch
	m.timer = m.clock.AfterFunc(delay, func() { m.onTimer(epoch) })

	m.logger.Warn("stream failed, reconnect scheduled",
		zap.Error(err), zap.Duration("delay", delay), zap.Int("attempt", m.attempts))
	return m.setStateLocked(ReconnectScheduled)
}

func (m *Manager) onTimer(epoch uint64) {
	m.mu.Lock()
	if epoch != m.epoch || m.state != ReconnectScheduled {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	next, ctx, syms := m.beginDialLocked()
	notify := m.setStateLocked(Connecting)
	m.mu.Unlock()

	m.reconnects.Add(1)
	notify()
	go m.run(ctx, next, syms)
}

func (m *Manager) beginDialLocked() (uint64, context.Context, []string) {
	m.epoch++
	ctx, cancel := context.WithCancel(context.Background())
	m.cancelDial = cancel
	return m.epoch, ctx, append([]string(nil), m.symbols...)
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) current(epoch uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return epoch == m.epoch
}

// setStateLocked records s and returns a func that notifies listeners.
// The returned func must be called after the lock is released.
func (m *Manager) setStateLocked(s State) func() {
	if m.state == s {
		return func() {}
	}
	m.state = s
	listeners := append([]func(State){}, m.listeners...)
	return func() {
		for _, fn := range listeners {
			fn(s)
		}
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
