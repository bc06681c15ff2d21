// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package opmux

import (
	"sync"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/pkg/errors"
)

// FrontEnd commences operations and emits their front-to-back tickets
// to the RearLink it is joined with.
type FrontEnd struct {
	cfg   Config
	state *endState
	ops   cmap.ConcurrentMap[OperationID, *frontOperation]
	mu    sync.Mutex // guards rear
	rear  RearLink
}

var (
	_ FrontLink               = (*FrontEnd)(nil)
	_ FrontToBackAcknowledger = (*FrontEnd)(nil)
	_ LinkFailureHandler      = (*FrontEnd)(nil)
)

// NewFrontEnd returns a FrontEnd that is not yet joined with a RearLink.
func NewFrontEnd(cfg Config) *FrontEnd {
	cfg = cfg.withDefaults()
	return &FrontEnd{
		cfg:   cfg,
		state: newEndState(cfg.Logger),
		ops:   cmap.NewStringer[OperationID, *frontOperation](),
	}
}

// JoinRearLink implements ForeLink.
func (f *FrontEnd) JoinRearLink(rear RearLink) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rear != nil {
		return errors.WithStack(ErrAlreadyJoined)
	}
	f.rear = rear
	return nil
}

func (f *FrontEnd) rearLink() RearLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rear
}

// Operate implements Front.
func (f *FrontEnd) Operate(name string, payload interface{}, complete bool, timeout time.Duration,
	subscription ServicedSubscription, traceID uuid.UUID) (Operation, error) {
	if name == "" {
		return nil, errors.New("operation name is empty")
	}
	if timeout < 0 {
		return nil, errors.Errorf("negative timeout %v", timeout)
	}
	if err := subscription.Validate(); err != nil {
		return nil, err
	}
	rear := f.rearLink()
	if rear == nil {
		return nil, errors.WithStack(ErrNotJoined)
	}

	fo := f.newOperation(rear, subscription.Kind, traceID)
	fo.pendingTimeout = timeout
	f.ops.Set(fo.id, fo)
	f.state.operationStarted()

	budget := timeout
	if budget == 0 {
		budget = f.cfg.DefaultTimeout
	}
	fo.setTimeout(budget)

	if subscription.Kind == SubscriptionFull {
		go fo.ingest(subscription.Ingestor)
	}

	kind := FrontCommencement
	if complete {
		kind = FrontEntire
	}
	if err := fo.transmit(kind, name, subscription.Kind, payload); err != nil {
		f.cfg.Logger.Debug().Err(err).Str("name", name).Msg("commencement not sent")
	}
	return fo, nil
}

func (f *FrontEnd) newOperation(rear RearLink, sub SubscriptionKind, traceID uuid.UUID) *frontOperation {
	fo := &frontOperation{
		rear:         rear,
		subscription: sub,
	}
	_, windowed := rear.(BackToFrontAcknowledger)
	fo.init(NewOperationID(), traceID, OutcomeServicedFailure, f.state, &f.cfg, windowed, fo.notifyPeer, f.retire)
	if sub == SubscriptionFull {
		fo.queue = make(chan BackToFrontTicket, MaxWindow)
	}
	return fo
}

func (f *FrontEnd) retire(id OperationID) {
	f.ops.Remove(id)
}

// AcceptBackToFrontTicket implements ForeLink.
// Tickets for operations that are not live are dropped.
func (f *FrontEnd) AcceptBackToFrontTicket(t BackToFrontTicket) error {
	fo, ok := f.ops.Get(t.OperationID)
	if !ok {
		f.cfg.Logger.Debug().Stringer("ticket", t).Msg("dropped ticket for unknown operation")
		return nil
	}
	fo.accept(t)
	return nil
}

// AcknowledgeFrontToBack implements FrontToBackAcknowledger.
func (f *FrontEnd) AcknowledgeFrontToBack(id OperationID) {
	if fo, ok := f.ops.Get(id); ok {
		fo.acknowledged()
	}
}

// LinkFailed terminates every live operation with RECEPTION_FAILURE.
// No tickets are sent.
func (f *FrontEnd) LinkFailed(err error) {
	if err == nil {
		err = errors.WithStack(ErrLinkClosed)
	}
	for _, fo := range f.ops.Items() {
		fo.finish(OutcomeReceptionFailure, err, false)
	}
}

// OperationStats implements End.
func (f *FrontEnd) OperationStats() map[Outcome]int {
	return f.state.operationStats()
}

// AddIdleAction implements End.
func (f *FrontEnd) AddIdleAction(action func()) {
	f.state.addIdleAction(action)
}

// LiveOperations returns the number of operations not yet terminated.
func (f *FrontEnd) LiveOperations() int {
	return f.state.liveOperations()
}

// frontOperation is the front's half of an operation.
type frontOperation struct {
	operation
	rear         RearLink
	subscription SubscriptionKind

	wmu            sync.Mutex // guards fields below
	outSeq         int
	outClosed      bool          // COMPLETION or ENTIRE sent, or the sequence ended otherwise
	pendingTimeout time.Duration // carried by the next ticket sent

	rmu   sync.Mutex // guards in
	in    sequencer
	queue chan BackToFrontTicket // nil unless the subscription is FULL
}

var _ Operation = (*frontOperation)(nil)

// Consumer implements Operation.
func (fo *frontOperation) Consumer() Consumer {
	return frontInput{fo}
}

// Context implements Operation.
func (fo *frontOperation) Context() OperationContext {
	return fo
}

// Cancel implements Operation.
func (fo *frontOperation) Cancel() {
	fo.finish(OutcomeCancelled, nil, true)
}

// SetTimeout implements Operation.
func (fo *frontOperation) SetTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		return errors.Errorf("timeout must be positive, not %v", timeout)
	}
	fo.wmu.Lock()
	defer fo.wmu.Unlock()
	if !fo.IsActive() {
		return fo.terminatedError()
	}
	if fo.outClosed {
		return errors.WithStack(ErrInputClosed)
	}
	fo.pendingTimeout = timeout
	fo.setTimeout(timeout)
	return nil
}

// transmit sends one front-to-back ticket that takes a place in the
// back's receive queue.
func (fo *frontOperation) transmit(kind FrontToBackKind, name string, sub SubscriptionKind, payload interface{}) error {
	fo.wmu.Lock()
	if !fo.IsActive() {
		fo.wmu.Unlock()
		return fo.terminatedError()
	}
	if fo.outClosed {
		fo.wmu.Unlock()
		return errors.WithStack(ErrInputClosed)
	}
	t, err := NewFrontToBackTicket(fo.id, fo.outSeq, kind, name, sub, fo.traceID, payload, fo.pendingTimeout)
	if err == nil {
		err = fo.acquireCredit()
	}
	if err != nil {
		fo.wmu.Unlock()
		return err
	}
	fo.outSeq++
	fo.pendingTimeout = 0
	if kind.IsTerminal() {
		fo.outClosed = true
	}
	err = fo.rear.AcceptFrontToBackTicket(t)
	fo.wmu.Unlock()

	if err != nil {
		fo.finish(OutcomeTransmissionFailure, err, false)
		return err
	}
	if kind.IsTerminal() && fo.markFinal(true) {
		fo.finish(OutcomeCompleted, nil, false)
	}
	return nil
}

// notifyPeer sends the abortion ticket for a local Outcome. Nothing is
// sent if the back never heard of the operation or the sequence is closed.
func (fo *frontOperation) notifyPeer(outcome Outcome) {
	kind, ok := frontKindFor(outcome)
	if !ok {
		return
	}
	fo.wmu.Lock()
	defer fo.wmu.Unlock()
	if fo.outSeq == 0 || fo.outClosed {
		return
	}
	t := FrontToBackTicket{
		OperationID:    fo.id,
		SequenceNumber: fo.outSeq,
		Kind:           kind,
		TraceID:        fo.traceID,
	}
	fo.outSeq++
	fo.outClosed = true
	if err := fo.rear.AcceptFrontToBackTicket(t); err != nil {
		fo.log.Debug().Err(err).Stringer("ticket", t).Msg("abortion not sent")
	}
}

// accept handles a ticket from the back.
func (fo *frontOperation) accept(t BackToFrontTicket) {
	fo.rmu.Lock()
	adm, err := fo.in.admitBack(t)
	if adm == admitAccept && fo.queue != nil && !t.Kind.IsAbortion() {
		select {
		case fo.queue <- t:
		default:
			adm, err = admitViolation, errors.WithStack(ErrWindowOverrun)
		}
	}
	if adm == admitViolation {
		fo.in.closed = true
	}
	fo.rmu.Unlock()

	switch adm {
	case admitClosed:
		fo.log.Debug().Stringer("ticket", t).Msg("dropped ticket after end of sequence")
		return
	case admitViolation:
		fo.log.Warn().Err(err).Stringer("ticket", t).Msg("reception failure")
		fo.finishFromPeer(OutcomeReceptionFailure, err, true)
		return
	}

	if t.Kind.IsAbortion() {
		fo.finishFromPeer(outcomeOfBackAbortion(t.Kind), errors.WithStack(PeerError{Kind: t.Kind}), false)
		return
	}
	if fo.queue == nil {
		// payloads are not wanted, so they count as delivered at once
		fo.acknowledge()
		if t.Kind == BackCompletion && fo.markFinal(false) {
			fo.finishFromPeer(OutcomeCompleted, nil, false)
		}
	}
}

func (fo *frontOperation) acknowledge() {
	if ack, ok := fo.rear.(BackToFrontAcknowledger); ok {
		ack.AcknowledgeBackToFront(fo.id)
	}
}

// ingest runs the delivery of a FULL subscription's results.
func (fo *frontOperation) ingest(ingestor ServicedIngestor) {
	var consumer Consumer
	err := safely(func() (err error) {
		consumer, err = ingestor.Consumer(fo)
		return
	})
	if err != nil {
		if IsAbandoned(err) {
			fo.finish(OutcomeCancelled, err, true)
		} else {
			fo.finish(OutcomeServicedFailure, err, true)
		}
		return
	}
	for {
		select {
		case <-fo.term.done:
			return
		case t := <-fo.queue:
			if !fo.IsActive() {
				return
			}
			if err := safely(func() error { return deliverBackToFront(consumer, t) }); err != nil {
				fo.finish(OutcomeServicedFailure, err, true)
				return
			}
			fo.acknowledge()
			if t.Kind == BackCompletion {
				if fo.markFinal(false) {
					fo.finish(OutcomeCompleted, nil, false)
				}
				return
			}
		}
	}
}

func deliverBackToFront(c Consumer, t BackToFrontTicket) error {
	if t.Kind == BackCompletion {
		return consumeTerminal(c, t.Payload)
	}
	return c.Consume(t.Payload)
}

// frontInput is the Consumer for an operation's further input.
type frontInput struct {
	fo *frontOperation
}

func (in frontInput) Consume(value interface{}) error {
	return in.fo.transmit(FrontContinuation, "", 0, value)
}

func (in frontInput) Terminate() error {
	return in.fo.transmit(FrontCompletion, "", 0, nil)
}

func (in frontInput) ConsumeAndTerminate(value interface{}) error {
	return in.fo.transmit(FrontCompletion, "", 0, value)
}
