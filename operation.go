// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package opmux

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "deadline exceeded" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// operation is the machinery shared by front and back operations:
// the terminal Outcome, the deadline, the send window and completion
// tracking. It implements OperationContext.
type operation struct {
	id       OperationID
	traceID  uuid.UUID
	failure  Outcome // assigned by Fail
	clock    Clock
	log      zerolog.Logger
	end      *endState
	term     termination
	deadline operationDeadline
	credits  chan struct{}     // send window, nil if the peer does not acknowledge
	notify   func(Outcome)     // tells the peer about a local Outcome, best effort
	retire   func(OperationID) // removes the operation from its End

	cmu           sync.Mutex // guards sentFinal and receivedFinal
	sentFinal     bool       // we sent COMPLETION or ENTIRE
	receivedFinal bool       // we delivered the peer's COMPLETION or ENTIRE
}

func (o *operation) init(id OperationID, traceID uuid.UUID, failure Outcome, end *endState,
	cfg *Config, window bool, notify func(Outcome), retire func(OperationID)) {
	o.id = id
	o.traceID = traceID
	o.failure = failure
	o.clock = cfg.Clock
	o.log = cfg.Logger.With().Str("op", id.String()).Logger()
	o.end = end
	o.term = makeTermination()
	o.deadline = makeOperationDeadline(cfg.Clock, o.expire)
	o.notify = notify
	o.retire = retire
	if window {
		o.credits = make(chan struct{}, MaxWindow)
		for i := 0; i < cfg.Window; i++ {
			o.credits <- struct{}{}
		}
	}
}

func (o *operation) String() string {
	return fmt.Sprintf("[op %v %v]", o.id, o.Outcome())
}

// IsActive implements OperationContext.
func (o *operation) IsActive() bool {
	return o.term.isActive()
}

// AddTerminationCallback implements OperationContext.
func (o *operation) AddTerminationCallback(callback func(Outcome)) {
	if o.term.add(callback) {
		o.term.drain(o.runCallback)
	}
}

// TimeRemaining implements OperationContext.
func (o *operation) TimeRemaining() time.Duration {
	return o.deadline.remaining()
}

// Fail implements OperationContext.
func (o *operation) Fail(err error) {
	if err == nil {
		err = errors.New("failed")
	}
	o.finish(o.failure, err, true)
}

// TraceID implements OperationContext.
func (o *operation) TraceID() uuid.UUID {
	return o.traceID
}

// Outcome implements OperationContext.
func (o *operation) Outcome() Outcome {
	if o.term.isActive() {
		return OutcomeNone
	}
	outcome, _ := o.term.result()
	return outcome
}

// Err implements OperationContext.
func (o *operation) Err() error {
	if o.term.isActive() {
		return nil
	}
	_, cause := o.term.result()
	return cause
}

// Done implements OperationContext.
func (o *operation) Done() <-chan struct{} {
	return o.term.done
}

func (o *operation) terminatedError() error {
	outcome, _ := o.term.result()
	return errors.WithStack(TerminatedError{Outcome: outcome})
}

func (o *operation) expire() {
	o.finish(OutcomeExpired, errors.WithStack(timeoutError{}), true)
}

// finish assigns outcome if the operation is still active, and then
// notifies the peer (if notify is set) and retires the operation. The
// End counts the Outcome only once the callbacks have run. It must not
// be called while holding the send or receive lock.
func (o *operation) finish(outcome Outcome, cause error, notify bool) bool {
	if !o.term.assign(outcome, cause) {
		return false
	}
	o.conclude(outcome, notify)
	return true
}

// finishFromPeer is finish for the ticket delivery path. The Outcome is
// fixed at once, but since the peer may be holding its send lock while
// calling us, the rest happens on another goroutine.
func (o *operation) finishFromPeer(outcome Outcome, cause error, notify bool) bool {
	if !o.term.assign(outcome, cause) {
		return false
	}
	go o.conclude(outcome, notify)
	return true
}

func (o *operation) conclude(outcome Outcome, notify bool) {
	o.deadline.stop()
	if notify {
		o.notify(outcome)
	}
	o.retire(o.id)
	if e := o.log.Debug(); e.Enabled() {
		_, cause := o.term.result()
		e.Stringer("outcome", outcome).AnErr("cause", cause).Msg("terminated")
	}
	o.term.drain(o.runCallback)
	o.end.operationTerminated(outcome)
}

func (o *operation) runCallback(callback func(Outcome), outcome Outcome) {
	if err := safely(func() error { callback(outcome); return nil }); err != nil {
		o.log.Error().Err(err).Msg("termination callback panicked")
	}
}

// acquireCredit waits for room in the send window.
// Must be called with the send lock held.
func (o *operation) acquireCredit() error {
	if o.credits == nil {
		return nil
	}
	select {
	case <-o.credits:
		return nil
	case <-o.term.done:
		return o.terminatedError()
	}
}

// acknowledged returns one credit to the send window.
func (o *operation) acknowledged() {
	if o.credits == nil {
		return
	}
	select {
	case o.credits <- struct{}{}:
	default:
		o.log.Warn().Msg("acknowledgement overflows send window")
	}
}

// markFinal records that the final ticket was sent (or received and
// delivered). It returns true exactly once, when both have happened.
func (o *operation) markFinal(sent bool) bool {
	o.cmu.Lock()
	defer o.cmu.Unlock()
	before := o.sentFinal && o.receivedFinal
	if sent {
		o.sentFinal = true
	} else {
		o.receivedFinal = true
	}
	return !before && o.sentFinal && o.receivedFinal
}

// setTimeout moves the deadline to now + timeout.
func (o *operation) setTimeout(timeout time.Duration) {
	o.deadline.set(o.clock.Now().Add(timeout))
}
