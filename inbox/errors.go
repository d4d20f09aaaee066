package inbox

import (
	"errors"
	"fmt"
)

// Common sentinels surfaced by the engine.
var (
	// ErrNotAuthenticated indicates no signed-in user or credential.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrNotInitialized indicates an operation before the first successful fetch.
	ErrNotInitialized = errors.New("inbox not initialized")

	// ErrNotFound indicates the referenced message is not held in any feed.
	ErrNotFound = errors.New("message not found")

	// ErrChannelClosed marks a benign realtime disconnect; it is filtered and
	// never surfaced to listeners.
	ErrChannelClosed = errors.New("channel closed")
)

// GatewayError wraps a failed remote gateway call.
type GatewayError struct {
	Op  string
	Err error
}

func (e *GatewayError) Error() string { return fmt.Sprintf("gateway %s: %v", e.Op, e.Err) }

func (e *GatewayError) Unwrap() error { return e.Err }

// ChannelError wraps a realtime transport failure (not a benign disconnect).
type ChannelError struct {
	Err error
}

func (e *ChannelError) Error() string { return fmt.Sprintf("realtime channel: %v", e.Err) }

func (e *ChannelError) Unwrap() error { return e.Err }
