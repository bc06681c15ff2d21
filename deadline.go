// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package opmux

import (
	"sync"
	"time"
)

// operationDeadline owns the single expiration timer of an operation.
type operationDeadline struct {
	mu       sync.Mutex // guards fields below
	clock    Clock
	deadline time.Time
	timer    Timer
	stopped  bool
	onExpiry func()
}

func makeOperationDeadline(clock Clock, onExpiry func()) operationDeadline {
	return operationDeadline{clock: clock, onExpiry: onExpiry}
}

// set sets the point in time when the operation expires.
// The one timer is rescheduled; a second one is never started.
// A time in the past expires the operation promptly.
func (d *operationDeadline) set(t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.deadline = t
	dur := t.Sub(d.clock.Now())
	if dur <= 0 {
		d.stopped = true
		if d.timer != nil {
			d.timer.Stop()
		}
		go d.onExpiry()
		return
	}
	if d.timer == nil {
		d.timer = d.clock.AfterFunc(dur, d.fire)
		return
	}
	d.timer.Stop()
	d.timer.Reset(dur)
}

// fire runs when the timer elapses. A stale firing after the deadline
// was extended reschedules instead of expiring.
func (d *operationDeadline) fire() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	if remain := d.deadline.Sub(d.clock.Now()); remain > 0 {
		d.timer.Reset(remain)
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.mu.Unlock()
	d.onExpiry()
}

// remaining returns the nonnegative time left before the deadline.
func (d *operationDeadline) remaining() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	if remain := d.deadline.Sub(d.clock.Now()); remain > 0 {
		return remain
	}
	return 0
}

// stop disarms the timer for good.
func (d *operationDeadline) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
}
