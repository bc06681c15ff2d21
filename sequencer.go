package opmux

import (
	"fmt"

	"github.com/pkg/errors"
)

type admission int

const (
	admitAccept    = admission(0) // deliver the ticket
	admitViolation = admission(1) // protocol violation, fail the operation
	admitClosed    = admission(2) // sequence already closed, drop the ticket
)

// sequencer enforces the ordering of one direction of one operation.
// It is not safe for concurrent use; the owner serializes access.
type sequencer struct {
	next   int  // next expected sequence number
	closed bool // a terminal ticket has been admitted
}

// admit checks a ticket's sequence number and initial/terminal status.
// The error is non-nil exactly when the result is admitViolation.
func (s *sequencer) admit(seq int, initial, terminal bool, kind fmt.Stringer) (admission, error) {
	if s.closed {
		return admitClosed, nil
	}
	if seq != s.next {
		return admitViolation, errors.WithStack(&SequenceError{Expected: s.next, Received: seq, Kind: kind})
	}
	if initial && seq != 0 {
		return admitViolation, errors.WithStack(&TicketError{Kind: kind, Reason: "initial kind after first ticket"})
	}
	s.next++
	if terminal {
		s.closed = true
	}
	return admitAccept, nil
}

// admitFront admits a front-to-back ticket. The first ticket must be initial.
func (s *sequencer) admitFront(t FrontToBackTicket) (admission, error) {
	if s.closed {
		return admitClosed, nil
	}
	if err := t.Validate(); err != nil {
		return admitViolation, err
	}
	if s.next == 0 && !t.Kind.IsInitial() {
		return admitViolation, errors.WithStack(&TicketError{Kind: t.Kind, Reason: "operation must start with commencement or entire"})
	}
	return s.admit(t.SequenceNumber, t.Kind.IsInitial(), t.Kind.IsTerminal(), t.Kind)
}

// admitBack admits a back-to-front ticket.
func (s *sequencer) admitBack(t BackToFrontTicket) (admission, error) {
	if s.closed {
		return admitClosed, nil
	}
	if err := t.Validate(); err != nil {
		return admitViolation, err
	}
	return s.admit(t.SequenceNumber, false, t.Kind.IsTerminal(), t.Kind)
}
