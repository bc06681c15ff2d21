package opmux

import "fmt"

// Outcome enumerates the ways an operation can terminate.
type Outcome int8

const (
	// OutcomeNone is the Outcome of an operation that has not terminated. It is never assigned.
	OutcomeNone = Outcome(0)
	// OutcomeCompleted means both ends completed their halves of the operation.
	OutcomeCompleted = Outcome(1)
	// OutcomeCancelled means either party cancelled the operation.
	OutcomeCancelled = Outcome(2)
	// OutcomeExpired means the deadline elapsed before completion.
	OutcomeExpired = Outcome(3)
	// OutcomeReceptionFailure means an inbound ticket was malformed, out of sequence or lost.
	OutcomeReceptionFailure = Outcome(4)
	// OutcomeTransmissionFailure means an outbound ticket could not be delivered.
	OutcomeTransmissionFailure = Outcome(5)
	// OutcomeServicerFailure means the servicing side failed.
	OutcomeServicerFailure = Outcome(6)
	// OutcomeServicedFailure means the calling side failed.
	OutcomeServicedFailure = Outcome(7)
)

var outcomeTexts = map[Outcome]string{
	OutcomeNone:                "none",
	OutcomeCompleted:           "completed",
	OutcomeCancelled:           "cancelled",
	OutcomeExpired:             "expired",
	OutcomeReceptionFailure:    "reception failure",
	OutcomeTransmissionFailure: "transmission failure",
	OutcomeServicerFailure:     "servicer failure",
	OutcomeServicedFailure:     "serviced failure",
}

func (o Outcome) String() string {
	if s, ok := outcomeTexts[o]; ok {
		return s
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Outcomes returns the closed set of terminal Outcomes.
func Outcomes() []Outcome {
	return []Outcome{
		OutcomeCompleted,
		OutcomeCancelled,
		OutcomeExpired,
		OutcomeReceptionFailure,
		OutcomeTransmissionFailure,
		OutcomeServicerFailure,
		OutcomeServicedFailure,
	}
}

// FrontToBackKind identifies the overall kind of a FrontToBackTicket.
type FrontToBackKind uint8

const (
	frontKindInvalid = FrontToBackKind(0x00)
	// FrontCommencement starts an operation; more tickets follow.
	FrontCommencement = FrontToBackKind(0x01)
	// FrontContinuation carries one more payload.
	FrontContinuation = FrontToBackKind(0x02)
	// FrontCompletion ends the front's input.
	FrontCompletion = FrontToBackKind(0x03)
	// FrontEntire is a COMMENCEMENT and a COMPLETION in one ticket.
	FrontEntire = FrontToBackKind(0x04)
	// FrontCancellation cancels the operation.
	FrontCancellation = FrontToBackKind(0x05)
	// FrontExpiration reports that the front's deadline elapsed.
	FrontExpiration = FrontToBackKind(0x06)
	// FrontServicerFailure reports a servicer failure observed at the front.
	FrontServicerFailure = FrontToBackKind(0x07)
	// FrontServicedFailure reports that the front (the serviced party) failed.
	FrontServicedFailure = FrontToBackKind(0x08)
	// FrontReceptionFailure reports that the front could not take a back-to-front ticket.
	FrontReceptionFailure = FrontToBackKind(0x09)
	// FrontTransmissionFailure reports that the front could not send.
	FrontTransmissionFailure = FrontToBackKind(0x0a)
)

var frontKindTexts = map[FrontToBackKind]string{
	frontKindInvalid:         "invalid",
	FrontCommencement:        "commencement",
	FrontContinuation:        "continuation",
	FrontCompletion:          "completion",
	FrontEntire:              "entire",
	FrontCancellation:        "cancellation",
	FrontExpiration:          "expiration",
	FrontServicerFailure:     "servicer failure",
	FrontServicedFailure:     "serviced failure",
	FrontReceptionFailure:    "reception failure",
	FrontTransmissionFailure: "transmission failure",
}

func (k FrontToBackKind) String() string {
	if s, ok := frontKindTexts[k]; ok {
		return s
	}
	return fmt.Sprintf("FrontToBackKind(%d)", int(k))
}

// IsValid returns true for the ten defined kinds.
func (k FrontToBackKind) IsValid() bool {
	return k >= FrontCommencement && k <= FrontTransmissionFailure
}

// IsInitial returns true for kinds that may only start an operation.
func (k FrontToBackKind) IsInitial() bool {
	return k == FrontCommencement || k == FrontEntire
}

// IsTerminal returns true for kinds that close the front-to-back sequence.
func (k FrontToBackKind) IsTerminal() bool {
	return k.IsValid() && k != FrontCommencement && k != FrontContinuation
}

// IsAbortion returns true for terminal kinds that end the operation without completing it.
func (k FrontToBackKind) IsAbortion() bool {
	return k.IsTerminal() && k != FrontCompletion && k != FrontEntire
}

// BackToFrontKind identifies the overall kind of a BackToFrontTicket.
type BackToFrontKind uint8

const (
	backKindInvalid = BackToFrontKind(0x00)
	// BackContinuation carries one result payload.
	BackContinuation = BackToFrontKind(0x02)
	// BackCompletion ends the back's output.
	BackCompletion = BackToFrontKind(0x03)
	// BackCancellation cancels the operation.
	BackCancellation = BackToFrontKind(0x05)
	// BackExpiration reports that the back's deadline elapsed.
	BackExpiration = BackToFrontKind(0x06)
	// BackServicerFailure reports that the servicer failed.
	BackServicerFailure = BackToFrontKind(0x07)
	// BackServicedFailure reports a serviced failure observed at the back.
	BackServicedFailure = BackToFrontKind(0x08)
	// BackReceptionFailure reports that the back could not take a front-to-back ticket.
	BackReceptionFailure = BackToFrontKind(0x09)
	// BackTransmissionFailure reports that the back could not send.
	BackTransmissionFailure = BackToFrontKind(0x0a)
)

var backKindTexts = map[BackToFrontKind]string{
	backKindInvalid:         "invalid",
	BackContinuation:        "continuation",
	BackCompletion:          "completion",
	BackCancellation:        "cancellation",
	BackExpiration:          "expiration",
	BackServicerFailure:     "servicer failure",
	BackServicedFailure:     "serviced failure",
	BackReceptionFailure:    "reception failure",
	BackTransmissionFailure: "transmission failure",
}

func (k BackToFrontKind) String() string {
	if s, ok := backKindTexts[k]; ok {
		return s
	}
	return fmt.Sprintf("BackToFrontKind(%d)", int(k))
}

// IsValid returns true for the eight defined kinds.
func (k BackToFrontKind) IsValid() bool {
	_, ok := backKindTexts[k]
	return ok && k != backKindInvalid
}

// IsTerminal returns true for kinds that close the back-to-front sequence.
func (k BackToFrontKind) IsTerminal() bool {
	return k.IsValid() && k != BackContinuation
}

// IsAbortion returns true for terminal kinds that end the operation without completing it.
func (k BackToFrontKind) IsAbortion() bool {
	return k.IsTerminal() && k != BackCompletion
}

// SubscriptionKind describes a serviced party's interest in an operation's results.
type SubscriptionKind uint8

const (
	subscriptionInvalid = SubscriptionKind(0)
	// SubscriptionFull streams every result payload to an ingestor's consumer.
	SubscriptionFull = SubscriptionKind(1)
	// SubscriptionTerminationOnly discards payloads and reports only termination.
	SubscriptionTerminationOnly = SubscriptionKind(2)
	// SubscriptionNone sets up no result plumbing at all.
	SubscriptionNone = SubscriptionKind(3)
)

var subscriptionTexts = map[SubscriptionKind]string{
	subscriptionInvalid:         "invalid",
	SubscriptionFull:            "full",
	SubscriptionTerminationOnly: "termination only",
	SubscriptionNone:            "none",
}

func (k SubscriptionKind) String() string {
	if s, ok := subscriptionTexts[k]; ok {
		return s
	}
	return fmt.Sprintf("SubscriptionKind(%d)", int(k))
}

// IsValid returns true for the three defined kinds.
func (k SubscriptionKind) IsValid() bool {
	return k >= SubscriptionFull && k <= SubscriptionNone
}

// frontKindFor returns the ticket kind a front uses to tell the back
// about a locally assigned Outcome. The second return value is false
// when no ticket is sent for that Outcome.
func frontKindFor(outcome Outcome) (FrontToBackKind, bool) {
	switch outcome {
	case OutcomeCancelled:
		return FrontCancellation, true
	case OutcomeExpired:
		return FrontExpiration, true
	case OutcomeServicerFailure:
		return FrontServicerFailure, true
	case OutcomeServicedFailure:
		return FrontServicedFailure, true
	case OutcomeReceptionFailure:
		return FrontReceptionFailure, true
	}
	return frontKindInvalid, false
}

// backKindFor is the back-to-front counterpart of frontKindFor.
func backKindFor(outcome Outcome) (BackToFrontKind, bool) {
	switch outcome {
	case OutcomeCancelled:
		return BackCancellation, true
	case OutcomeExpired:
		return BackExpiration, true
	case OutcomeServicerFailure:
		return BackServicerFailure, true
	case OutcomeServicedFailure:
		return BackServicedFailure, true
	case OutcomeReceptionFailure:
		return BackReceptionFailure, true
	}
	return backKindInvalid, false
}

// outcomeOfFrontAbortion maps an abortion ticket received by the back
// to the Outcome the back assigns. A peer's reception failure is our
// transmission failure and vice versa.
func outcomeOfFrontAbortion(k FrontToBackKind) Outcome {
	switch k {
	case FrontCancellation:
		return OutcomeCancelled
	case FrontExpiration:
		return OutcomeExpired
	case FrontServicerFailure:
		return OutcomeServicerFailure
	case FrontServicedFailure:
		return OutcomeServicedFailure
	case FrontReceptionFailure:
		return OutcomeTransmissionFailure
	case FrontTransmissionFailure:
		return OutcomeReceptionFailure
	}
	return OutcomeNone
}

// outcomeOfBackAbortion maps an abortion ticket received by the front.
func outcomeOfBackAbortion(k BackToFrontKind) Outcome {
	switch k {
	case BackCancellation:
		return OutcomeCancelled
	case BackExpiration:
		return OutcomeExpired
	case BackServicerFailure:
		return OutcomeServicerFailure
	case BackServicedFailure:
		return OutcomeServicedFailure
	case BackReceptionFailure:
		return OutcomeTransmissionFailure
	case BackTransmissionFailure:
		return OutcomeReceptionFailure
	}
	return OutcomeNone
}
