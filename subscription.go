package opmux

import "github.com/pkg/errors"

// ServicedIngestor is responsible for accepting the results of an operation.
type ServicedIngestor interface {
	// Consumer affords the Consumer to which the operation's results are passed.
	// It returns an AbandonedError if the operation was aborted and there
	// no longer is any reason to ingest results.
	Consumer(ctx OperationContext) (Consumer, error)
}

// IngestorFunc adapts a function to a ServicedIngestor.
type IngestorFunc func(ctx OperationContext) (Consumer, error)

// Consumer implements ServicedIngestor.
func (f IngestorFunc) Consumer(ctx OperationContext) (Consumer, error) {
	return f(ctx)
}

// ServicedSubscription is a serviced party's interest in an operation.
// Ingestor must be set for SubscriptionFull and nil otherwise.
type ServicedSubscription struct {
	Kind     SubscriptionKind
	Ingestor ServicedIngestor
}

// FullSubscription subscribes to every result through ingestor.
func FullSubscription(ingestor ServicedIngestor) ServicedSubscription {
	return ServicedSubscription{Kind: SubscriptionFull, Ingestor: ingestor}
}

// TerminationOnlySubscription subscribes to termination only.
func TerminationOnlySubscription() ServicedSubscription {
	return ServicedSubscription{Kind: SubscriptionTerminationOnly}
}

// NoSubscription subscribes to nothing.
func NoSubscription() ServicedSubscription {
	return ServicedSubscription{Kind: SubscriptionNone}
}

// Validate checks that the Ingestor is present exactly for SubscriptionFull.
func (s ServicedSubscription) Validate() error {
	switch s.Kind {
	case SubscriptionFull:
		if s.Ingestor == nil {
			return errors.Errorf("%v subscription requires an ingestor", s.Kind)
		}
	case SubscriptionTerminationOnly, SubscriptionNone:
		if s.Ingestor != nil {
			return errors.Errorf("%v subscription must not have an ingestor", s.Kind)
		}
	default:
		return errors.Errorf("invalid subscription kind %v", s.Kind)
	}
	return nil
}
