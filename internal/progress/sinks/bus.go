package sinks

import (
	"context"
	"fmt"

	"github.com/JakeFAU/datasource-broker/internal/bus"
	"github.com/JakeFAU/datasource-broker/internal/progress"
)

// ChannelPrefix is the default prefix for per-caller progress channels.
const ChannelPrefix = "datasource_progress"

// ProgressChannel names the channel progress for callerAddress is published on.
func ProgressChannel(prefix, callerAddress string) string {
	if prefix == "" {
		prefix = ChannelPrefix
	}
	return prefix + "_" + callerAddress
}

// BusSink publishes each batch as one JSON array on a fixed channel so the
// caller that started a job can follow it.
type BusSink struct {
	pub     bus.Publisher
	channel string
}

// NewBusSink returns a sink publishing to channel.
func NewBusSink(pub bus.Publisher, channel string) (*BusSink, error) {
	if pub == nil {
		return nil, fmt.Errorf("bus sink: publisher is required")
	}
	if channel == "" {
		return nil, fmt.Errorf("bus sink: channel is required")
	}
	return &BusSink{pub: pub, channel: channel}, nil
}

// Channel returns the destination channel.
func (s *BusSink) Channel() string {
	return s.channel
}

// Consume publishes the batch.
func (s *BusSink) Consume(ctx context.Context, batch []progress.Event) error {
	if len(batch) == 0 {
		return nil
	}
	if err := bus.PublishJSON(ctx, s.pub, s.channel, batch); err != nil {
		return fmt.Errorf("bus sink: %w", err)
	}
	return nil
}

// Close implements the Sink interface; the publisher is owned by the caller.
func (s *BusSink) Close(context.Context) error {
	return nil
}
