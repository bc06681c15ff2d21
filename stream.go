package opmux

// Consumer is a push-style sink of values.
//
// Consume accepts one value. Terminate signals that no more values follow.
// ConsumeAndTerminate does both in one call. An error means the value was
// not accepted.
type Consumer interface {
	Consume(value interface{}) error
	Terminate() error
	ConsumeAndTerminate(value interface{}) error
}

// NullConsumer discards everything.
type NullConsumer struct{}

// Consume implements Consumer.
func (NullConsumer) Consume(interface{}) error { return nil }

// Terminate implements Consumer.
func (NullConsumer) Terminate() error { return nil }

// ConsumeAndTerminate implements Consumer.
func (NullConsumer) ConsumeAndTerminate(interface{}) error { return nil }

// consumeTerminal delivers a completion's optional payload to c.
func consumeTerminal(c Consumer, payload interface{}) error {
	if payload == nil {
		return c.Terminate()
	}
	return c.ConsumeAndTerminate(payload)
}
