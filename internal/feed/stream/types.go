package stream

import (
	"time"

	"pricefeed/internal/feed/memorystore"
)

// State is the lifecycle of the single streaming connection.
type State int

const (
	Idle State = iota
	Connecting
	Open
	Closing
	ReconnectScheduled
	Fallback
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Connecting:
		return "CONNECTING"
	case Open:
		return "OPEN"
	case Closing:
		return "CLOSING"
	case ReconnectScheduled:
		return "RECONNECT_SCHEDULED"
	case Fallback:
		return "FALLBACK"
	default:
		return "UNKNOWN"
	}
}

// Publisher receives parsed updates from the read loop.
type Publisher interface {
	Publish(u memorystore.PriceUpdate)
}

// Options tunes the reconnect policy.
type Options struct {
	QuoteAsset  string        // e.g. "USDT"
	BaseDelay   time.Duration // first reconnect delay
	CapDelay    time.Duration // upper bound for any delay
	MaxAttempts int           // failures tolerated before FALLBACK
}

// Stats is a point-in-time view of the manager.
type Stats struct {
	State         string `json:"state"`
	Attempts      int    `json:"attempts"`
	Reconnects    uint64 `json:"reconnects"`
	FramesParsed  uint64 `json:"frames_parsed"`
	FramesDropped uint64 `json:"frames_dropped"`
	LastError     string `json:"last_error,omitempty"`
}

// Backoff returns min(base * 2^attempt, maxDelay).
func Backoff(base, maxDelay time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if maxDelay > 0 && d >= maxDelay {
			return maxDelay
		}
	}
	if maxDelay > 0 && d > maxDelay {
		return maxDelay
	}
	return d
}
