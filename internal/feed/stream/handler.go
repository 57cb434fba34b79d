package stream

import (
	"sync/atomic"

	"pricefeed/pkg/binance"

	"go.uber.org/zap"
)

type frameCounters struct {
	parsed  atomic.Uint64
	dropped atomic.Uint64
}

// MakeFrameHandler returns a function that parses one inbound frame and
// publishes the resulting update, if any.
func MakeFrameHandler(logger *zap.Logger, quoteAsset string, pub Publisher, counters *frameCounters) func(msg []byte) {
	return func(msg []byte) {
		update, ok, err := binance.ParseTickerFrame(msg, quoteAsset)
		if err != nil {
			counters.dropped.Add(1)
			logger.Warn("dropping unparseable frame", zap.Error(err), zap.ByteString("frame", truncate(msg, 256)))
			return
		}
		if !ok {
			return // Ignore control frames (e.g., subscription responses)
		}

		counters.parsed.Add(1)
		pub.Publish(update)
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
