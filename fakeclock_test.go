package opmux

import (
	"sort"
	"sync"
	"time"
)

// fakeClock is a Clock whose time moves only on Advance.
// AfterFunc callbacks run on the goroutine calling Advance, in deadline
// order, with no lock held.
type fakeClock struct {
	mu      sync.Mutex
	current time.Time
	timers  map[*fakeTimer]struct{}
	changed *sync.Cond
}

type fakeTimer struct {
	c        *fakeClock
	deadline time.Time
	callback func()
}

func newFakeClock() *fakeClock {
	c := &fakeClock{
		current: time.Date(2018, 1, 1, 0, 0, 0, 0, time.UTC),
		timers:  make(map[*fakeTimer]struct{}),
	}
	c.changed = sync.NewCond(&c.mu)
	return c
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	t := &fakeTimer{c: c, callback: f}
	t.Reset(d)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	_, pending := t.c.timers[t]
	delete(t.c.timers, t)
	t.c.changed.Broadcast()
	return pending
}

func (t *fakeTimer) Reset(d time.Duration) bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	_, pending := t.c.timers[t]
	t.deadline = t.c.current.Add(d)
	t.c.timers[t] = struct{}{}
	t.c.changed.Broadcast()
	return pending
}

// Advance moves time forward by d and fires the timers that are due.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	now := c.current
	var due []*fakeTimer
	for t := range c.timers {
		if !t.deadline.After(now) {
			due = append(due, t)
			delete(c.timers, t)
		}
	}
	c.changed.Broadcast()
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	for _, t := range due {
		t.callback()
	}
}

// WaitForTimers blocks until at least n timers are pending.
func (c *fakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.timers) < n {
		c.changed.Wait()
	}
}

// Pending returns the number of timers not yet fired or stopped.
func (c *fakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}
