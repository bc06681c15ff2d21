package opmux

import (
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// OperationID identifies an operation for its lifetime within one Front-Back pairing.
type OperationID uuid.UUID

// NewOperationID returns a fresh random OperationID.
func NewOperationID() OperationID {
	return OperationID(uuid.New())
}

func (id OperationID) String() string {
	return uuid.UUID(id).String()
}

// FrontToBackTicket is a value sent from a front to a back.
//
// Name and Subscription are present only on COMMENCEMENT and ENTIRE tickets.
// Payload must be present on CONTINUATION and absent on CANCELLATION; a nil
// Payload means absent. A nil slice, map or pointer encodes the same as nil
// in a frame, so it counts as absent too. A nonzero Timeout replaces the
// operation's time budget, measured from the ticket's arrival.
type FrontToBackTicket struct {
	OperationID    OperationID
	SequenceNumber int
	Kind           FrontToBackKind
	Name           string
	Subscription   SubscriptionKind
	TraceID        uuid.UUID
	Payload        interface{}
	Timeout        time.Duration
}

// NewFrontToBackTicket returns a validated FrontToBackTicket.
func NewFrontToBackTicket(id OperationID, seq int, kind FrontToBackKind, name string,
	subscription SubscriptionKind, traceID uuid.UUID, payload interface{}, timeout time.Duration) (FrontToBackTicket, error) {
	t := FrontToBackTicket{
		OperationID:    id,
		SequenceNumber: seq,
		Kind:           kind,
		Name:           name,
		Subscription:   subscription,
		TraceID:        traceID,
		Payload:        absentAsNil(payload),
		Timeout:        timeout,
	}
	return t, t.Validate()
}

// isAbsent returns true if v is nil or a nil slice, map, pointer,
// channel, function or interface.
func isAbsent(v interface{}) bool {
	if v == nil {
		return true
	}
	switch rv := reflect.ValueOf(v); rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Ptr, reflect.Chan, reflect.Func, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

func absentAsNil(v interface{}) interface{} {
	if isAbsent(v) {
		return nil
	}
	return v
}

func (t FrontToBackTicket) malformed(format string, args ...interface{}) error {
	return errors.WithStack(&TicketError{Kind: t.Kind, Reason: fmt.Sprintf(format, args...)})
}

// Validate checks the field-presence rules for the ticket's kind.
func (t FrontToBackTicket) Validate() error {
	if !t.Kind.IsValid() {
		return t.malformed("unknown kind %d", int(t.Kind))
	}
	if t.SequenceNumber < 0 {
		return t.malformed("negative sequence number %d", t.SequenceNumber)
	}
	if t.Kind.IsInitial() {
		if t.SequenceNumber != 0 {
			return t.malformed("sequence number %d, must be 0", t.SequenceNumber)
		}
		if t.Name == "" {
			return t.malformed("missing name")
		}
		if !t.Subscription.IsValid() {
			return t.malformed("missing subscription")
		}
	} else {
		if t.SequenceNumber == 0 {
			return t.malformed("sequence number 0 is reserved for commencement")
		}
		if t.Name != "" {
			return t.malformed("name %q not allowed", t.Name)
		}
		if t.Subscription != subscriptionInvalid {
			return t.malformed("subscription not allowed")
		}
	}
	switch t.Kind {
	case FrontContinuation:
		if isAbsent(t.Payload) {
			return t.malformed("missing payload")
		}
	case FrontCancellation:
		if !isAbsent(t.Payload) {
			return t.malformed("payload not allowed")
		}
	}
	if t.Timeout < 0 {
		return t.malformed("negative timeout %v", t.Timeout)
	}
	return nil
}

func (t FrontToBackTicket) String() string {
	return fmt.Sprintf("[F2B %v #%d %v]", t.OperationID, t.SequenceNumber, t.Kind)
}

// BackToFrontTicket is a value sent from a back to a front.
//
// Payload must be present on CONTINUATION, may be present on COMPLETION
// and must be absent otherwise. Absence is judged as for FrontToBackTicket.
type BackToFrontTicket struct {
	OperationID    OperationID
	SequenceNumber int
	Kind           BackToFrontKind
	Payload        interface{}
}

// NewBackToFrontTicket returns a validated BackToFrontTicket.
func NewBackToFrontTicket(id OperationID, seq int, kind BackToFrontKind, payload interface{}) (BackToFrontTicket, error) {
	t := BackToFrontTicket{
		OperationID:    id,
		SequenceNumber: seq,
		Kind:           kind,
		Payload:        absentAsNil(payload),
	}
	return t, t.Validate()
}

func (t BackToFrontTicket) malformed(format string, args ...interface{}) error {
	return errors.WithStack(&TicketError{Kind: t.Kind, Reason: fmt.Sprintf(format, args...)})
}

// Validate checks the field-presence rules for the ticket's kind.
func (t BackToFrontTicket) Validate() error {
	if !t.Kind.IsValid() {
		return t.malformed("unknown kind %d", int(t.Kind))
	}
	if t.SequenceNumber < 0 {
		return t.malformed("negative sequence number %d", t.SequenceNumber)
	}
	switch t.Kind {
	case BackContinuation:
		if isAbsent(t.Payload) {
			return t.malformed("missing payload")
		}
	case BackCompletion:
	default:
		if !isAbsent(t.Payload) {
			return t.malformed("payload not allowed")
		}
	}
	return nil
}

func (t BackToFrontTicket) String() string {
	return fmt.Sprintf("[B2F %v #%d %v]", t.OperationID, t.SequenceNumber, t.Kind)
}
