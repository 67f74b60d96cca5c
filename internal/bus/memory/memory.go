// Package memory provides an in-process bus for tests and single-binary
// development runs.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/datasource-broker/internal/bus"
)

const defaultBuffer = 256

// Bus fans published payloads out to every live subscription on a channel.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
	closed bool
}

var _ bus.Bus = (*Bus)(nil)

// New returns an empty Bus. buffer bounds the per-subscription backlog; a
// non-positive value selects the default.
func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Bus{subs: make(map[string]map[*Subscription]struct{}), buffer: buffer}
}

// Publish copies payload into every subscription on channel. It blocks while a
// subscriber's backlog is full, bounded by ctx.
func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return bus.ErrClosed
	}
	targets := make([]*Subscription, 0, len(b.subs[channel]))
	for sub := range b.subs[channel] {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		msg := append([]byte(nil), payload...)
		if err := sub.deliver(ctx, msg); err != nil {
			return fmt.Errorf("deliver on %s: %w", channel, err)
		}
	}
	return nil
}

// Subscribe registers a new subscription; messages published from now on are
// buffered until Receive drains them.
func (b *Bus) Subscribe(_ context.Context, channel string) (bus.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, bus.ErrClosed
	}
	sub := &Subscription{
		bus:     b,
		channel: channel,
		msgs:    make(chan []byte, b.buffer),
		done:    make(chan struct{}),
	}
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[*Subscription]struct{})
	}
	b.subs[channel][sub] = struct{}{}
	return sub, nil
}

// Subscribers reports how many live subscriptions exist on channel.
func (b *Bus) Subscribers(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

// Close detaches every subscription.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	all := b.subs
	b.subs = make(map[string]map[*Subscription]struct{})
	b.mu.Unlock()

	for _, set := range all {
		for sub := range set {
			sub.stop()
		}
	}
	return nil
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.subs[sub.channel]
	delete(set, sub)
	if len(set) == 0 {
		delete(b.subs, sub.channel)
	}
}

// Subscription is one listener registered on a memory Bus.
type Subscription struct {
	bus     *Bus
	channel string
	msgs    chan []byte
	done    chan struct{}
	once    sync.Once
}

// Channel returns the subscribed channel name.
func (s *Subscription) Channel() string {
	return s.channel
}

// Receive hands messages to h in publish order.
func (s *Subscription) Receive(ctx context.Context, h bus.Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.done:
			return nil
		case msg := <-s.msgs:
			h(ctx, msg)
		}
	}
}

// Close unregisters the subscription and ends any running Receive.
func (s *Subscription) Close(context.Context) error {
	s.bus.remove(s)
	s.stop()
	return nil
}

func (s *Subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *Subscription) deliver(ctx context.Context, msg []byte) error {
	select {
	case <-s.done:
		return nil
	default:
	}
	select {
	case s.msgs <- msg:
		return nil
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
