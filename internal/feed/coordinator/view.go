package coordinator

import (
	"strings"
	"time"

	"pricefeed/internal/feed/memorystore"
)

// View is what the presentation layer renders.
type View struct {
	Records        map[string]memorystore.QuoteRecord `json:"records"`
	Connected      bool                               `json:"connected"`
	LastUpdateTime *time.Time                         `json:"last_update_time"` // nil until the first live data
	Error          string                             `json:"error"`
	Favorites      []string                           `json:"favorites"`
	StreamState    string                             `json:"stream_state"`
	Degraded       bool                               `json:"degraded"` // sample data or REST polling
}

// View returns a consistent snapshot of the coordinator.
func (c *Coordinator) View() View {
	streamState := c.streamer.State().String()

	c.mu.Lock()
	defer c.mu.Unlock()

	v := View{
		Records:     c.store.Snapshot(),
		Connected:   c.connected,
		Error:       c.errMsg,
		Favorites:   sortedKeys(c.favorites),
		StreamState: streamState,
		Degraded:    c.sticky || c.degraded,
	}
	if !c.lastUpdate.IsZero() {
		t := c.lastUpdate
		v.LastUpdateTime = &t
	}
	return v
}

// Quote returns the current record for symbolKey.
func (c *Coordinator) Quote(symbolKey string) (memorystore.QuoteRecord, bool) {
	return c.store.Get(strings.ToUpper(strings.TrimSpace(symbolKey)))
}
