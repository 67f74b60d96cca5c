// Package bus defines the channel-oriented publish/subscribe abstraction the
// broker, bridge, and workers talk through. A channel is a named broadcast
// stream: every live subscription receives every message published after it
// was created, and messages published with no subscribers are lost.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrClosed is returned by operations on a closed bus or subscription.
var ErrClosed = errors.New("bus closed")

// Handler consumes one message payload. Handlers for a single subscription
// run sequentially.
type Handler func(ctx context.Context, payload []byte)

// Publisher delivers payloads to a channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Subscription is a live listener on a single channel.
type Subscription interface {
	// Channel returns the channel name the subscription listens on.
	Channel() string
	// Receive invokes h for each message until ctx is cancelled or the
	// subscription is closed. Both cases return nil.
	Receive(ctx context.Context, h Handler) error
	// Close releases the subscription. It is safe to call more than once.
	Close(ctx context.Context) error
}

// Subscriber opens subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// Bus is a full client connection.
type Bus interface {
	Publisher
	Subscriber
	Close() error
}

// PublishJSON marshals v and publishes it on channel.
func PublishJSON(ctx context.Context, p Publisher, channel string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal payload for %s: %w", channel, err)
	}
	if err := p.Publish(ctx, channel, data); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}
