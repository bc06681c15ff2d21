package opmux

import (
	"time"

	"github.com/google/uuid"
)

// OperationContext affords information about, and action upon, one operation.
type OperationContext interface {
	// IsActive reports whether the operation has not yet terminated.
	IsActive() bool
	// AddTerminationCallback adds a function called with the Outcome once the
	// operation terminates. If it already terminated, callback is called promptly.
	AddTerminationCallback(callback func(Outcome))
	// TimeRemaining returns the nonnegative time left before the operation expires.
	TimeRemaining() time.Duration
	// Fail terminates the operation as failed by the party holding this context.
	Fail(err error)
	// TraceID identifies the set of related operations this one belongs to.
	TraceID() uuid.UUID
	// Outcome returns the terminal Outcome, or OutcomeNone while active.
	Outcome() Outcome
	// Err returns the local cause of the termination, if any.
	Err() error
	// Done returns a channel that is closed when the operation terminates.
	Done() <-chan struct{}
}

// Servicer is implemented by services.
type Servicer interface {
	// Service services an operation, returning the Consumer for its input values.
	// It returns a NoSuchMethodError if it has no method called name, and an
	// AbandonedError if the operation was aborted.
	Service(name string, ctx OperationContext, output Consumer) (Consumer, error)
}

// ServicerFunc adapts a function to a Servicer.
type ServicerFunc func(name string, ctx OperationContext, output Consumer) (Consumer, error)

// Service implements Servicer.
func (f ServicerFunc) Service(name string, ctx OperationContext, output Consumer) (Consumer, error) {
	return f(name, ctx, output)
}

// Operation is an in-progress operation.
type Operation interface {
	// Consumer accepts the operation's further input values.
	Consumer() Consumer
	// Context affords information and action about the operation.
	Context() OperationContext
	// Cancel cancels the operation.
	Cancel()
	// SetTimeout replaces the operation's time budget, measured from now,
	// and asks the back to do the same with the next ticket sent.
	SetTimeout(timeout time.Duration) error
}

// End is the common type of Fronts and Backs.
type End interface {
	// OperationStats returns the number of terminated operations by Outcome.
	OperationStats() map[Outcome]int
	// AddIdleAction adds an action called once there are no ongoing operations.
	AddIdleAction(action func())
}

// Front affords the invocation of operations.
type Front interface {
	End
	// Operate commences an operation. If complete is true, payload is the
	// entire input and no more input may follow.
	Operate(name string, payload interface{}, complete bool, timeout time.Duration,
		subscription ServicedSubscription, traceID uuid.UUID) (Operation, error)
}

// Back performs the work of operations.
type Back interface {
	End
}

// ForeLink accepts back-to-front tickets and emits front-to-back tickets.
type ForeLink interface {
	AcceptBackToFrontTicket(t BackToFrontTicket) error
	// JoinRearLink mates this link with its peer. It may be called only once.
	JoinRearLink(rear RearLink) error
}

// RearLink accepts front-to-back tickets and emits back-to-front tickets.
type RearLink interface {
	AcceptFrontToBackTicket(t FrontToBackTicket) error
	// JoinForeLink mates this link with its peer. It may be called only once.
	JoinForeLink(fore ForeLink) error
}

// FrontLink is a Front that operates by exchanging tickets.
type FrontLink interface {
	Front
	ForeLink
}

// BackLink is a Back that operates by exchanging tickets.
type BackLink interface {
	Back
	RearLink
}

// FrontToBackAcknowledger accepts acknowledgements of front-to-back tickets
// taken off the back's receive queue. A link accepting acknowledgements
// also sends them, so a front uses its send window only towards a
// RearLink that implements BackToFrontAcknowledger, and vice versa.
type FrontToBackAcknowledger interface {
	AcknowledgeFrontToBack(id OperationID)
}

// BackToFrontAcknowledger accepts acknowledgements of back-to-front tickets.
type BackToFrontAcknowledger interface {
	AcknowledgeBackToFront(id OperationID)
}

// LinkFailureHandler is implemented by Ends that can be told their link is gone.
type LinkFailureHandler interface {
	LinkFailed(err error)
}

// Mate joins fore and rear to each other.
func Mate(fore ForeLink, rear RearLink) error {
	if err := fore.JoinRearLink(rear); err != nil {
		return err
	}
	return rear.JoinForeLink(fore)
}
