package inbox

import "context"

// Channel is a reconnect-capable realtime transport delivering server-pushed
// message and event notifications. The engine owns the connect/disconnect
// lifecycle and keep-alive scheduling; the transport itself is external.
type Channel interface {
	// Connect establishes a subscription. The engine holds at most one live
	// subscription per session and tears down the predecessor before
	// establishing a replacement.
	Connect(ctx context.Context) (Subscription, error)
}

// Subscription is one live realtime connection.
type Subscription interface {
	// Events returns the inbound event stream. The channel is closed when
	// the subscription terminates, after which Err reports why.
	Events() <-chan ChannelEvent

	// KeepAlive pings the connection; called periodically by the engine.
	KeepAlive(ctx context.Context) error

	// Err returns the terminal error after Events closes. A benign
	// disconnect reports ErrChannelClosed (or nil).
	Err() error

	// Close tears the subscription down. Idempotent.
	Close() error
}
