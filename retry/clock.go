package retry

import (
	"sort"
	"sync"
	"time"
)

// Clock is a source of time. Components which sleep or schedule take a Clock,
// so tests may substitute a FakeClock.
type Clock interface {
	Now() time.Time
	// After returns a channel which receives the Clock's time once |d| elapses.
	After(d time.Duration) <-chan time.Time
}

// SystemClock is the Clock of the host.
var SystemClock Clock = systemClock{}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// FakeClock is a Clock which moves only when Advanced.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	timers  []fakeTimer
	waiting chan struct{} // Closed and replaced on each new timer.
}

type fakeTimer struct {
	at time.Time
	ch chan time.Time
}

// NewFakeClock returns a FakeClock at |now|.
func NewFakeClock(now time.Time) *FakeClock {
	return &FakeClock{now: now, waiting: make(chan struct{})}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After returns a channel which receives once the clock is Advanced past |d|.
// A non-positive |d| fires immediately.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	var ch = make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.timers = append(c.timers, fakeTimer{at: c.now.Add(d), ch: ch})
	close(c.waiting)
	c.waiting = make(chan struct{})
	return ch
}

// Advance moves the clock forward by |d|, firing timers which come due.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
	sort.SliceStable(c.timers, func(i, j int) bool { return c.timers[i].at.Before(c.timers[j].at) })

	var remain = c.timers[:0]
	for _, t := range c.timers {
		if t.at.After(c.now) {
			remain = append(remain, t)
		} else {
			t.ch <- c.now
		}
	}
	c.timers = remain
}

// Timers returns the number of pending timers.
func (c *FakeClock) Timers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// BlockUntil blocks until at least |n| timers are pending.
func (c *FakeClock) BlockUntil(n int) {
	for {
		c.mu.Lock()
		var pending, waiting = len(c.timers), c.waiting
		c.mu.Unlock()

		if pending >= n {
			return
		}
		<-waiting
	}
}
