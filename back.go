// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package opmux

import (
	"sync"
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/pkg/errors"
)

// BackEnd services the operations commenced by the ForeLink it is
// joined with, using a Servicer.
type BackEnd struct {
	cfg      Config
	servicer Servicer
	state    *endState
	ops      cmap.ConcurrentMap[OperationID, *backOperation]
	retired  cmap.ConcurrentMap[OperationID, time.Time] // id to expiry
	retires  int64                                      // atomic
	mu       sync.Mutex                                 // guards fore
	fore     ForeLink
}

// retiredSweepInterval is how many retirements pass between sweeps of
// expired entries in BackEnd.retired.
const retiredSweepInterval = 1024

var (
	_ BackLink                = (*BackEnd)(nil)
	_ BackToFrontAcknowledger = (*BackEnd)(nil)
	_ LinkFailureHandler      = (*BackEnd)(nil)
)

// NewBackEnd returns a BackEnd that is not yet joined with a ForeLink.
func NewBackEnd(servicer Servicer, cfg Config) *BackEnd {
	cfg = cfg.withDefaults()
	return &BackEnd{
		cfg:      cfg,
		servicer: servicer,
		state:    newEndState(cfg.Logger),
		ops:      cmap.NewStringer[OperationID, *backOperation](),
		retired:  cmap.NewStringer[OperationID, time.Time](),
	}
}

// JoinForeLink implements RearLink.
func (b *BackEnd) JoinForeLink(fore ForeLink) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fore != nil {
		return errors.WithStack(ErrAlreadyJoined)
	}
	b.fore = fore
	return nil
}

func (b *BackEnd) foreLink() ForeLink {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fore
}

// AcceptFrontToBackTicket implements RearLink.
// An initial ticket for an unknown operation creates it; any other
// ticket for an operation that is not live is dropped. Operations
// are remembered for MaximumTimeout after they terminate, and an
// initial ticket reusing such an id is dropped too.
func (b *BackEnd) AcceptFrontToBackTicket(t FrontToBackTicket) error {
	bo, ok := b.ops.Get(t.OperationID)
	if !ok {
		if !t.Kind.IsInitial() {
			b.cfg.Logger.Debug().Stringer("ticket", t).Msg("dropped ticket for unknown operation")
			return nil
		}
		if b.isRetired(t.OperationID) {
			b.cfg.Logger.Debug().Stringer("ticket", t).Msg("dropped ticket for retired operation")
			return nil
		}
		bo = b.newOperation(t)
		if !b.ops.SetIfAbsent(t.OperationID, bo) {
			if bo, ok = b.ops.Get(t.OperationID); !ok {
				return nil
			}
		} else {
			b.state.operationStarted()
			bo.setTimeout(b.cfg.DefaultTimeout)
		}
	}
	bo.accept(t)
	return nil
}

func (b *BackEnd) newOperation(t FrontToBackTicket) *backOperation {
	fore := b.foreLink()
	bo := &backOperation{
		fore:         fore,
		subscription: t.Subscription,
		queue:        make(chan FrontToBackTicket, MaxWindow),
	}
	_, windowed := fore.(FrontToBackAcknowledger)
	bo.init(t.OperationID, t.TraceID, OutcomeServicerFailure, b.state, &b.cfg, windowed, bo.notifyPeer, b.retire)
	bo.servicer = b.servicer
	bo.cfg = &b.cfg
	return bo
}

// retire forgets a terminated operation. The id is tombstoned before it
// leaves ops, so a lookup that misses ops always sees the tombstone.
func (b *BackEnd) retire(id OperationID) {
	now := b.cfg.Clock.Now()
	b.retired.Set(id, now.Add(b.cfg.MaximumTimeout))
	b.ops.Remove(id)
	if atomic.AddInt64(&b.retires, 1)%retiredSweepInterval == 0 {
		b.sweepRetired(now)
	}
}

func (b *BackEnd) isRetired(id OperationID) bool {
	expiry, ok := b.retired.Get(id)
	if !ok {
		return false
	}
	if b.cfg.Clock.Now().Before(expiry) {
		return true
	}
	b.retired.RemoveCb(id, func(_ OperationID, v time.Time, exists bool) bool {
		return exists && v.Equal(expiry)
	})
	return false
}

// sweepRetired removes the tombstones that have expired by now.
func (b *BackEnd) sweepRetired(now time.Time) {
	for _, id := range b.retired.Keys() {
		b.retired.RemoveCb(id, func(_ OperationID, expiry time.Time, exists bool) bool {
			return exists && !now.Before(expiry)
		})
	}
}

// AcknowledgeBackToFront implements BackToFrontAcknowledger.
func (b *BackEnd) AcknowledgeBackToFront(id OperationID) {
	if bo, ok := b.ops.Get(id); ok {
		bo.acknowledged()
	}
}

// LinkFailed terminates every live operation with RECEPTION_FAILURE.
// No tickets are sent.
func (b *BackEnd) LinkFailed(err error) {
	if err == nil {
		err = errors.WithStack(ErrLinkClosed)
	}
	for _, bo := range b.ops.Items() {
		bo.finish(OutcomeReceptionFailure, err, false)
	}
}

// OperationStats implements End.
func (b *BackEnd) OperationStats() map[Outcome]int {
	return b.state.operationStats()
}

// AddIdleAction implements End.
func (b *BackEnd) AddIdleAction(action func()) {
	b.state.addIdleAction(action)
}

// LiveOperations returns the number of operations not yet terminated.
func (b *BackEnd) LiveOperations() int {
	return b.state.liveOperations()
}

// backOperation is the back's half of an operation.
type backOperation struct {
	operation
	cfg          *Config
	servicer     Servicer
	fore         ForeLink // nil if the BackEnd was not joined
	subscription SubscriptionKind

	wmu       sync.Mutex // guards fields below
	outSeq    int
	outClosed bool

	rmu   sync.Mutex // guards in
	in    sequencer
	queue chan FrontToBackTicket
}

// accept handles a ticket from the front.
func (bo *backOperation) accept(t FrontToBackTicket) {
	bo.rmu.Lock()
	adm, err := bo.in.admitFront(t)
	if adm == admitAccept && t.Timeout > 0 {
		bo.setTimeout(bo.cfg.clampTimeout(t.Timeout))
	}
	if adm == admitAccept && !t.Kind.IsAbortion() {
		select {
		case bo.queue <- t:
		default:
			adm, err = admitViolation, errors.WithStack(ErrWindowOverrun)
		}
	}
	if adm == admitViolation {
		bo.in.closed = true
	}
	bo.rmu.Unlock()

	switch adm {
	case admitClosed:
		bo.log.Debug().Stringer("ticket", t).Msg("dropped ticket after end of sequence")
		return
	case admitViolation:
		bo.log.Warn().Err(err).Stringer("ticket", t).Msg("reception failure")
		bo.finishFromPeer(OutcomeReceptionFailure, err, true)
		return
	}

	if t.Kind.IsAbortion() {
		bo.finishFromPeer(outcomeOfFrontAbortion(t.Kind), errors.WithStack(PeerError{Kind: t.Kind}), false)
		return
	}
	if t.Kind.IsInitial() {
		go bo.serve(t.Name)
	}
}

// serve invokes the Servicer and then feeds it the operation's input.
func (bo *backOperation) serve(name string) {
	var input Consumer
	err := safely(func() (err error) {
		input, err = bo.servicer.Service(name, bo, backOutput{bo})
		return
	})
	if err != nil {
		switch {
		case IsNoSuchMethod(err):
			bo.finish(OutcomeReceptionFailure, err, true)
		case IsAbandoned(err):
			bo.finish(OutcomeCancelled, err, true)
		default:
			bo.finish(OutcomeServicerFailure, err, true)
		}
		return
	}
	for {
		select {
		case <-bo.term.done:
			return
		case t := <-bo.queue:
			if !bo.IsActive() {
				return
			}
			if err := safely(func() error { return deliverFrontToBack(input, t) }); err != nil {
				bo.finish(OutcomeServicerFailure, err, true)
				return
			}
			bo.acknowledge()
			if t.Kind.IsTerminal() {
				if bo.markFinal(false) {
					bo.finish(OutcomeCompleted, nil, false)
				}
				return
			}
		}
	}
}

func deliverFrontToBack(c Consumer, t FrontToBackTicket) error {
	switch t.Kind {
	case FrontCommencement:
		if t.Payload == nil {
			return nil
		}
		return c.Consume(t.Payload)
	case FrontEntire, FrontCompletion:
		return consumeTerminal(c, t.Payload)
	}
	return c.Consume(t.Payload)
}

func (bo *backOperation) acknowledge() {
	if ack, ok := bo.fore.(FrontToBackAcknowledger); ok {
		ack.AcknowledgeFrontToBack(bo.id)
	}
}

// transmit sends one back-to-front ticket that takes a place in the
// front's receive queue.
func (bo *backOperation) transmit(kind BackToFrontKind, payload interface{}) error {
	bo.wmu.Lock()
	if !bo.IsActive() {
		bo.wmu.Unlock()
		return bo.terminatedError()
	}
	if bo.outClosed {
		bo.wmu.Unlock()
		return errors.WithStack(ErrInputClosed)
	}
	if bo.fore == nil {
		bo.wmu.Unlock()
		err := errors.WithStack(ErrNotJoined)
		bo.finish(OutcomeTransmissionFailure, err, false)
		return err
	}
	t, err := NewBackToFrontTicket(bo.id, bo.outSeq, kind, payload)
	if err == nil {
		err = bo.acquireCredit()
	}
	if err != nil {
		bo.wmu.Unlock()
		return err
	}
	bo.outSeq++
	if kind.IsTerminal() {
		bo.outClosed = true
	}
	err = bo.fore.AcceptBackToFrontTicket(t)
	bo.wmu.Unlock()

	if err != nil {
		bo.finish(OutcomeTransmissionFailure, err, false)
		return err
	}
	if kind.IsTerminal() && bo.markFinal(true) {
		bo.finish(OutcomeCompleted, nil, false)
	}
	return nil
}

// notifyPeer sends the abortion ticket for a local Outcome unless the
// output sequence is already closed.
func (bo *backOperation) notifyPeer(outcome Outcome) {
	kind, ok := backKindFor(outcome)
	if !ok || bo.fore == nil {
		return
	}
	bo.wmu.Lock()
	defer bo.wmu.Unlock()
	if bo.outClosed {
		return
	}
	t := BackToFrontTicket{
		OperationID:    bo.id,
		SequenceNumber: bo.outSeq,
		Kind:           kind,
	}
	bo.outSeq++
	bo.outClosed = true
	if err := bo.fore.AcceptBackToFrontTicket(t); err != nil {
		bo.log.Debug().Err(err).Stringer("ticket", t).Msg("abortion not sent")
	}
}

// backOutput is the Consumer handed to the Servicer for the operation's
// results. Unless the front subscribed to everything, only the fact of
// completion is sent.
type backOutput struct {
	bo *backOperation
}

func (out backOutput) full() bool {
	return out.bo.subscription == SubscriptionFull
}

func (out backOutput) Consume(value interface{}) error {
	if !out.full() {
		if !out.bo.IsActive() {
			return out.bo.terminatedError()
		}
		return nil
	}
	return out.bo.transmit(BackContinuation, value)
}

func (out backOutput) Terminate() error {
	return out.bo.transmit(BackCompletion, nil)
}

func (out backOutput) ConsumeAndTerminate(value interface{}) error {
	if !out.full() {
		value = nil
	}
	return out.bo.transmit(BackCompletion, value)
}
