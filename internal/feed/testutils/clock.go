package testutils

import (
	"sort"
	"sync"
	"time"

	"pricefeed/internal/feed/clock"
)

// FakeClock hands out timers that only fire when the test says so.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*FakeTimer
}

func NewFakeClock(now time.Time) *FakeClock {
	return &FakeClock{now: now}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) clock.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &FakeTimer{clock: c, Delay: d, due: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Delays lists every delay ever scheduled, in scheduling order.
func (c *FakeClock) Delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]time.Duration, 0, len(c.timers))
	for _, t := range c.timers {
		out = append(out, t.Delay)
	}
	return out
}

// Pending returns timers that have neither fired nor been stopped.
func (c *FakeClock) Pending() []*FakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*FakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

// PendingWithDelay returns the first pending timer scheduled with delay d.
func (c *FakeClock) PendingWithDelay(d time.Duration) *FakeTimer {
	for _, t := range c.Pending() {
		if t.Delay == d {
			return t
		}
	}
	return nil
}

// Advance moves the clock forward and fires due timers in due order. Timers
// scheduled by fired callbacks are considered too.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()

	for {
		next := c.nextDue()
		if next == nil {
			return
		}
		next.Fire()
	}
}

func (c *FakeClock) nextDue() *FakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	var due []*FakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.due.After(c.now) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].due.Before(due[j].due) })
	return due[0]
}

// FakeTimer is a timer created by FakeClock.
type FakeTimer struct {
	clock   *FakeClock
	Delay   time.Duration
	due     time.Time
	f       func()
	stopped bool
	fired   bool
}

func (t *FakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Stopped reports whether Stop was called before the timer fired.
func (t *FakeTimer) Stopped() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	return t.stopped
}

// Fire runs the callback on the calling goroutine, even when the timer was
// stopped. That mimics a fire racing with Stop.
func (t *FakeTimer) Fire() {
	t.clock.mu.Lock()
	t.fired = true
	f := t.f
	t.clock.mu.Unlock()

	f()
}
