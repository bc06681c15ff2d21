package opmux

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrAlreadyJoined is returned when mating a link that already has a peer.
	ErrAlreadyJoined = errors.New("link already joined")
	// ErrNotJoined is returned when an End must emit a ticket but has no peer.
	ErrNotJoined = errors.New("link not joined")
	// ErrInputClosed is returned when writing to an operation's input after it was completed.
	ErrInputClosed = errors.New("operation input closed")
	// ErrWindowOverrun means a peer queued more tickets than the receive window holds.
	ErrWindowOverrun = errors.New("receive window overrun")
	// ErrLinkClosed is returned by a closed Muxer.
	ErrLinkClosed = errors.New("link closed")
)

// NoSuchMethodError is returned by a Servicer that has no method with the given name.
type NoSuchMethodError struct {
	Name string
}

func (e NoSuchMethodError) Error() string {
	return fmt.Sprintf("no such method %q", e.Name)
}

// AbandonedError is returned by a Servicer or ServicedIngestor when the
// operation was aborted and there is no longer any reason to service it.
type AbandonedError struct{}

func (AbandonedError) Error() string { return "operation abandoned" }

// TicketError reports a ticket that violates the field-presence rules of its kind.
type TicketError struct {
	Kind   fmt.Stringer // the ticket kind
	Reason string
}

func (e *TicketError) Error() string {
	return fmt.Sprintf("malformed %v ticket: %s", e.Kind, e.Reason)
}

// SequenceError reports a ticket that arrived out of sequence.
type SequenceError struct {
	Expected int
	Received int
	Kind     fmt.Stringer
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("%v ticket out of sequence: expected %d, received %d", e.Kind, e.Expected, e.Received)
}

// TerminatedError is returned when acting on an operation that already terminated.
type TerminatedError struct {
	Outcome Outcome
}

func (e TerminatedError) Error() string {
	return fmt.Sprintf("operation terminated: %v", e.Outcome)
}

// PeerError is the cause recorded when the peer aborted the operation.
type PeerError struct {
	Kind fmt.Stringer // the abortion ticket kind received
}

func (e PeerError) Error() string {
	return fmt.Sprintf("peer sent %v", e.Kind)
}

// IsNoSuchMethod returns true if the cause of err is a NoSuchMethodError.
func IsNoSuchMethod(err error) bool {
	_, ok := errors.Cause(err).(NoSuchMethodError)
	return ok
}

// IsAbandoned returns true if the cause of err is an AbandonedError.
func IsAbandoned(err error) bool {
	_, ok := errors.Cause(err).(AbandonedError)
	return ok
}

type panicError struct {
	value interface{}
}

func (e panicError) Error() string { return fmt.Sprintf("panic: %v", e.value) }

// safely calls fn, turning a panic into an error.
func safely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.WithStack(panicError{value: r})
		}
	}()
	return fn()
}
