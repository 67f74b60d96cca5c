package sinks

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/datasource-broker/internal/bus"
	"github.com/JakeFAU/datasource-broker/internal/progress"
)

// Follow subscribes to a progress channel and re-emits every decoded event to
// observer until ctx is done. Undecodable batches are logged and skipped.
func Follow(
	ctx context.Context,
	sub bus.Subscriber,
	channel string,
	observer progress.Observer,
	logger *zap.Logger,
) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	subscription, err := sub.Subscribe(ctx, channel)
	if err != nil {
		return fmt.Errorf("follow %s: %w", channel, err)
	}
	defer func() {
		if cerr := subscription.Close(context.WithoutCancel(ctx)); cerr != nil {
			logger.Warn("close progress subscription", zap.String("channel", channel), zap.Error(cerr))
		}
	}()
	err = subscription.Receive(ctx, func(_ context.Context, payload []byte) {
		var batch []progress.Event
		if err := json.Unmarshal(payload, &batch); err != nil {
			logger.Warn("discarding undecodable progress batch", zap.String("channel", channel), zap.Error(err))
			return
		}
		for _, evt := range batch {
			observer.Emit(evt)
		}
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("follow %s: %w", channel, err)
	}
	return nil
}
