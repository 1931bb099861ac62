package broker

import "context"

// Delivery is a consumed message together with the backend-issued handle
// identifying it. Receipt is empty for backends that issue no handle; for
// backends that do, Remove must be given the exact handle captured here,
// never one reconstructed from the payload.
type Delivery struct {
	Envelope Envelope
	Receipt  string
}

// Capabilities describes what the active backend can meaningfully do.
// Callers may introspect these instead of discovering a no-op at runtime.
type Capabilities struct {
	// TargetedDelete reports whether Remove actually deletes the addressed
	// message. When false, Remove succeeds but only logs a capability warning.
	TargetedDelete bool
}

// MessageBroker is the contract every backend adapter implements.
//
// Connect MUST be idempotent: connecting an already-connected adapter is a
// no-op. Disconnect MUST be safe to call even if Connect was never called or
// already failed. Publish lazily creates the topic's underlying resource;
// calling it twice for the same topic never creates duplicates. Consume
// returns a possibly-empty batch of currently available messages and always
// returns within the adapter's configured window, regardless of how the
// backend natively delivers.
type MessageBroker interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Publish(ctx context.Context, topic string, env Envelope) error
	Consume(ctx context.Context, topic string) ([]Delivery, error)
	Remove(ctx context.Context, topic string, d Delivery) error
	Capabilities() Capabilities
}
