package testutils

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"

	"pricefeed/pkg/binance"

	"github.com/gorilla/websocket"
)

type readResult struct {
	data []byte
	err  error
}

// FakeConn is an in-memory stream connection. Frames pushed with Push are
// returned by ReadMessage in order.
type FakeConn struct {
	reads     chan readResult
	closed    chan struct{}
	closeOnce sync.Once

	Mu           sync.Mutex
	Written      []string // text frames and JSON written by the client
	CloseWritten bool
}

func NewFakeConn() *FakeConn {
	return &FakeConn{
		reads:  make(chan readResult, 64),
		closed: make(chan struct{}),
	}
}

// Push queues one inbound text frame.
func (c *FakeConn) Push(frame string) {
	c.reads <- readResult{data: []byte(frame)}
}

// Fail makes the next read return err, e.g. a *websocket.CloseError.
func (c *FakeConn) Fail(err error) {
	c.reads <- readResult{err: err}
}

// CloseWithCode is shorthand for Fail with a close frame.
func (c *FakeConn) CloseWithCode(code int) {
	c.Fail(&websocket.CloseError{Code: code})
}

func (c *FakeConn) ReadMessage() (int, []byte, error) {
	select {
	case r := <-c.reads:
		if r.err != nil {
			return 0, nil, r.err
		}
		return websocket.TextMessage, r.data, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *FakeConn) WriteMessage(messageType int, data []byte) error {
	if c.IsClosed() {
		return net.ErrClosed
	}
	c.Mu.Lock()
	defer c.Mu.Unlock()
	if messageType == websocket.CloseMessage {
		c.CloseWritten = true
		return nil
	}
	c.Written = append(c.Written, string(data))
	return nil
}

func (c *FakeConn) WriteJSON(v interface{}) error {
	if c.IsClosed() {
		return net.ErrClosed
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.Mu.Lock()
	defer c.Mu.Unlock()
	c.Written = append(c.Written, string(b))
	return nil
}

func (c *FakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *FakeConn) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// ErrDialRefused is a generic transport failure for FakeDialer.
var ErrDialRefused = errors.New("dial refused")

// FakeDialer returns queued errors first, then fresh FakeConns.
type FakeDialer struct {
	Mu     sync.Mutex
	Calls  [][]string
	errs   []error
	conns  []*FakeConn
	dialed chan *FakeConn
}

func NewFakeDialer() *FakeDialer {
	return &FakeDialer{dialed: make(chan *FakeConn, 64)}
}

// FailNext queues errors for the next dials.
func (d *FakeDialer) FailNext(errs ...error) {
	d.Mu.Lock()
	defer d.Mu.Unlock()
	d.errs = append(d.errs, errs...)
}

func (d *FakeDialer) Dial(ctx context.Context, symbolKeys []string) (binance.Conn, error) {
	d.Mu.Lock()
	defer d.Mu.Unlock()

	d.Calls = append(d.Calls, append([]string(nil), symbolKeys...))
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conn := NewFakeConn()
	d.conns = append(d.conns, conn)
	d.dialed <- conn
	return conn, nil
}

// Dialed delivers every connection handed out, in order.
func (d *FakeDialer) Dialed() <-chan *FakeConn {
	return d.dialed
}

func (d *FakeDialer) DialCount() int {
	d.Mu.Lock()
	defer d.Mu.Unlock()
	return len(d.Calls)
}

// Call returns the symbols passed to the i-th dial.
func (d *FakeDialer) Call(i int) []string {
	d.Mu.Lock()
	defer d.Mu.Unlock()
	return d.Calls[i]
}

// LastConn returns the most recent successful connection, or nil.
func (d *FakeDialer) LastConn() *FakeConn {
	d.Mu.Lock()
	defer d.Mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}
