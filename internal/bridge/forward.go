package bridge

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/datasource-broker/internal/bus"
)

// DefaultForwardChannel carries bridge events for remote consumers.
const DefaultForwardChannel = "realtime_events"

// BusForwarder republishes every event on a bus channel.
type BusForwarder struct {
	pub     bus.Publisher
	channel string
	logger  *zap.Logger
}

// NewBusForwarder returns a Subscriber publishing to channel.
func NewBusForwarder(pub bus.Publisher, channel string, logger *zap.Logger) *BusForwarder {
	if channel == "" {
		channel = DefaultForwardChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BusForwarder{pub: pub, channel: channel, logger: logger}
}

// Notify publishes evt as JSON. Failures are logged.
func (f *BusForwarder) Notify(ctx context.Context, evt Event) {
	if err := bus.PublishJSON(ctx, f.pub, f.channel, evt); err != nil {
		f.logger.Warn("bridge forward failed", zap.String("channel", f.channel), zap.Error(err))
	}
}
