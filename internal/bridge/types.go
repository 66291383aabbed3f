package bridge

import (
	"context"
	"errors"
	"time"

	"github.com/rickgao/relay/internal/hub"
)

// Errors
var (
	ErrNotSubscribed  = errors.New("not subscribed")
	ErrReceiveTimeout = errors.New("receive timeout")
)

// State describes where the bridge is in its subscription lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	}
	return "unknown"
}

// Subscriber is one subscription to an external pub/sub channel. A
// subscriber is single-use: after a Receive failure the bridge closes it
// and asks for a fresh subscription via Subscribe.
type Subscriber interface {
	// Subscribe establishes the subscription.
	Subscribe(ctx context.Context) error

	// Receive waits up to timeout for the next message. It returns
	// ErrReceiveTimeout when the interval elapses without a message,
	// which is not a failure.
	Receive(ctx context.Context, timeout time.Duration) ([]byte, error)

	// Close tears the subscription down. Safe to call when not subscribed.
	Close() error
}

// Broadcaster is the hub-side sink for bridged messages.
type Broadcaster interface {
	Broadcast(data any, exclude hub.ConnID)
}

// Config configures the bridge.
type Config struct {
	Channel            string        // External channel name
	ReceiveTimeout     time.Duration // Bounded wait per receive; also the shutdown latency bound
	ReconnectBaseDelay time.Duration // First retry delay after a failure
	ReconnectMaxDelay  time.Duration // Backoff cap
}

// DefaultConfig returns sensible defaults. The 1:30 base-to-cap ratio is
// part of the reconnect contract.
func DefaultConfig() Config {
	return Config{
		Channel:            "events",
		ReceiveTimeout:     1 * time.Second,
		ReconnectBaseDelay: 1 * time.Second,
		ReconnectMaxDelay:  30 * time.Second,
	}
}
