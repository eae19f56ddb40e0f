package broker

import "encoding/json"

// Message is the control handle a consumer receives for one delivered log
// entry. Exactly one of Ack, Nack, or DeadLetter may be called on a given
// handle.
type Message struct {
	ID              string
	Topic           string
	Subscription    string
	Headers         map[string]string
	Payload         json.RawMessage
	RedeliveryCount int
	RetryOf         string

	loop *ConsumerLoop
	done bool
}
