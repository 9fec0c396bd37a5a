// Package clocktest provides a manually advanced [clock.Clock] for tests.
package clocktest

import (
	"sync"
	"time"

	"github.com/MrWong99/earshot/pkg/clock"
)

// Clock is a [clock.Clock] whose time only moves when [Clock.Advance] is
// called. Timers and tickers fire in due-time order during Advance.
//
// AfterFunc callbacks run synchronously on the goroutine calling Advance.
// Ticker sends block until the tick is received or the ticker is stopped,
// which lets a test step a sampling loop one tick at a time.
type Clock struct {
	mu      sync.Mutex
	now     time.Time
	seq     uint64
	waiters []*waiter
}

var (
	_ clock.Clock  = (*Clock)(nil)
	_ clock.Ticker = ticker{}
)

type waiter struct {
	c      *Clock
	seq    uint64
	when   time.Time
	period time.Duration
	fn     func()
	ch     chan time.Time
	stopCh chan struct{}
	done   bool
}

// New returns a Clock starting at start.
func New(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc schedules f to run once the clock has advanced by d.
func (c *Clock) AfterFunc(d time.Duration, f func()) clock.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := &waiter{c: c, when: c.now.Add(d), fn: f, stopCh: make(chan struct{})}
	c.addLocked(w)
	return w
}

// NewTicker returns a ticker with period d.
func (c *Clock) NewTicker(d time.Duration) clock.Ticker {
	if d <= 0 {
		panic("clocktest: non-positive ticker period")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	w := &waiter{
		c:      c,
		when:   c.now.Add(d),
		period: d,
		ch:     make(chan time.Time),
		stopCh: make(chan struct{}),
	}
	c.addLocked(w)
	return ticker{w}
}

// Pending returns the number of timers and tickers that have not fired or
// been stopped.
func (c *Clock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// Advance moves the clock forward by d, firing everything that comes due in
// chronological order. Timers scheduled by callbacks during Advance fire in
// the same call if they fall inside the window.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		w := c.earliestLocked(target)
		if w == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		c.now = w.when
		at := w.when
		if w.period > 0 {
			w.when = w.when.Add(w.period)
		} else {
			w.done = true
			c.removeLocked(w)
		}
		c.mu.Unlock()

		if w.fn != nil {
			w.fn()
			continue
		}
		select {
		case w.ch <- at:
		case <-w.stopCh:
		}
	}
}

func (c *Clock) addLocked(w *waiter) {
	c.seq++
	w.seq = c.seq
	c.waiters = append(c.waiters, w)
}

func (c *Clock) earliestLocked(target time.Time) *waiter {
	var best *waiter
	for _, w := range c.waiters {
		if w.when.After(target) {
			continue
		}
		if best == nil || w.when.Before(best.when) || (w.when.Equal(best.when) && w.seq < best.seq) {
			best = w
		}
	}
	return best
}

func (c *Clock) removeLocked(w *waiter) {
	for i, x := range c.waiters {
		if x == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

// Stop implements [clock.Timer].
func (w *waiter) Stop() bool {
	w.c.mu.Lock()
	defer w.c.mu.Unlock()
	if w.done {
		return false
	}
	w.done = true
	close(w.stopCh)
	w.c.removeLocked(w)
	return true
}

// ticker adapts a periodic waiter to [clock.Ticker], whose Stop reports
// nothing.
type ticker struct{ w *waiter }

func (t ticker) C() <-chan time.Time { return t.w.ch }
func (t ticker) Stop()               { t.w.Stop() }
