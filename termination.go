package opmux

import (
	"sync"
	"sync/atomic"
)

const (
	terminationActive     = int32(0)
	terminationTerminated = int32(1)
)

// termination is the one-shot terminal state of an operation.
//
// The Outcome is assigned by compare-and-set under mu, the same lock that
// guards the callback list, so a callback is either queued before the
// assignment or sees the assigned Outcome. Callbacks run one at a time in
// registration order; whichever goroutine finds the queue idle drains it.
type termination struct {
	state     int32 // atomic; terminationActive or terminationTerminated
	mu        sync.Mutex
	outcome   Outcome
	cause     error
	callbacks []func(Outcome)
	draining  bool
	done      chan struct{}
}

func makeTermination() termination {
	return termination{done: make(chan struct{})}
}

func (t *termination) isActive() bool {
	return atomic.LoadInt32(&t.state) == terminationActive
}

// assign fixes the Outcome if no Outcome was fixed before, and returns
// true if this call won. The winner must call drain.
func (t *termination) assign(outcome Outcome, cause error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !atomic.CompareAndSwapInt32(&t.state, terminationActive, terminationTerminated) {
		return false
	}
	t.outcome = outcome
	t.cause = cause
	t.draining = true
	close(t.done)
	return true
}

// add registers callback. It returns true if the operation has already
// terminated and nobody is draining, in which case the caller must drain.
func (t *termination) add(callback func(Outcome)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = append(t.callbacks, callback)
	if atomic.LoadInt32(&t.state) == terminationActive || t.draining {
		return false
	}
	t.draining = true
	return true
}

// drain invokes queued callbacks in order using run until the queue is empty.
func (t *termination) drain(run func(func(Outcome), Outcome)) {
	for {
		t.mu.Lock()
		if len(t.callbacks) == 0 {
			t.draining = false
			t.mu.Unlock()
			return
		}
		callback := t.callbacks[0]
		t.callbacks = t.callbacks[1:]
		outcome := t.outcome
		t.mu.Unlock()
		run(callback, outcome)
	}
}

func (t *termination) result() (Outcome, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outcome, t.cause
}
