package binance

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Conn is the subset of *websocket.Conn the stream manager uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteJSON(v interface{}) error
	Close() error
}

// Dialer opens a stream connection already subscribed to the given symbols.
type Dialer interface {
	Dial(ctx context.Context, symbolKeys []string) (Conn, error)
}

// SubscribeRequest is the live subscription message for the combined stream.
type SubscribeRequest struct {
	Method string   `json:"method"` // "SUBSCRIBE"
	Params []string `json:"params"` // e.g. ["btcusdt@ticker", "ethusdt@ticker"]
	ID     uint64   `json:"id"`
}

// WSDialer dials the combined stream endpoint and subscribes to one
// <pair>@ticker stream per symbol.
type WSDialer struct {
	url        string
	quoteAsset string
	dialer     websocket.Dialer
	logger     *zap.Logger
	nextID     atomic.Uint64
}

func NewWSDialer(url, quoteAsset string, handshakeTimeout time.Duration, logger *zap.Logger) *WSDialer {
	return &WSDialer{
		url:        url,
		quoteAsset: quoteAsset,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
		logger: logger,
	}
}

// Dial connects and sends the subscription. It does not start a reader.
func (d *WSDialer) Dial(ctx context.Context, symbolKeys []string) (Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, d.url, nil)
	if err != nil {
		if resp != nil {
			return nil, &APIError{Kind: classifyStatus(resp.StatusCode), StatusCode: resp.StatusCode, Msg: err.Error()}
		}
		return nil, networkError(err)
	}
	d.logger.Info("websocket connected", zap.String("url", d.url))

	// Send subscription message
	req := SubscribeRequest{
		Method: "SUBSCRIBE",
		Params: StreamNames(symbolKeys, d.quoteAsset),
		ID:     d.nextID.Add(1),
	}
	if err := conn.WriteJSON(req); err != nil {
		_ = conn.Close()
		return nil, networkError(fmt.Errorf("websocket subscribe failed: %w", err))
	}
	d.logger.Debug("subscription sent", zap.Strings("streams", req.Params), zap.Uint64("id", req.ID))

	return conn, nil
}

// StreamNames builds ticker stream names: ["BTC"] → ["btcusdt@ticker"].
func StreamNames(symbolKeys []string, quoteAsset string) []string {
	out := make([]string, 0, len(symbolKeys))
	for _, key := range symbolKeys {
		out = append(out, strings.ToLower(PairSymbol(key, quoteAsset))+"@ticker")
	}
	return out
}

// IsNormalClosure reports whether err is a close frame with code 1000.
func IsNormalClosure(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure)
}

// CloseNormally sends a 1000 close frame and closes the connection.
func CloseNormally(conn Conn, reason string) error {
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
	return conn.Close()
}
