package broker

import "fmt"

// ConnectionError reports a failure to establish or release transport
// resources: unreachable broker, bad credentials, or missing required
// configuration. Missing configuration surfaces at Connect time, not later.
type ConnectionError struct {
	Broker string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: connection: %v", e.Broker, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// PublishError reports a serialization failure or a transport-rejected send.
type PublishError struct {
	Broker string
	Topic  string
	Err    error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("%s: publish to %q: %v", e.Broker, e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// ConsumeError reports a subscribe or poll failure.
type ConsumeError struct {
	Broker string
	Topic  string
	Err    error
}

func (e *ConsumeError) Error() string {
	return fmt.Sprintf("%s: consume from %q: %v", e.Broker, e.Topic, e.Err)
}

func (e *ConsumeError) Unwrap() error { return e.Err }

// RemoveError reports a transport-rejected delete. A backend that cannot
// support targeted deletion at all does not return this; that case is a
// successful no-op with a logged capability warning.
type RemoveError struct {
	Broker string
	Topic  string
	Err    error
}

func (e *RemoveError) Error() string {
	return fmt.Sprintf("%s: remove from %q: %v", e.Broker, e.Topic, e.Err)
}

func (e *RemoveError) Unwrap() error { return e.Err }
