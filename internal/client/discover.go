package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/datasource-broker/internal/broker"
	"github.com/JakeFAU/datasource-broker/internal/bus"
)

// Discover listens on the discovery channel until ctx is done and returns the
// latest beacon of every broker heard, ordered by address.
func Discover(ctx context.Context, sub bus.Subscriber, channel string, logger *zap.Logger) ([]broker.Beacon, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if channel == "" {
		channel = broker.DefaultDiscoveryChannel
	}
	subscription, err := sub.Subscribe(ctx, channel)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	defer func() {
		if cerr := subscription.Close(context.WithoutCancel(ctx)); cerr != nil {
			logger.Warn("close discovery subscription", zap.Error(cerr))
		}
	}()

	var (
		mu   sync.Mutex
		seen = make(map[string]broker.Beacon)
	)
	err = subscription.Receive(ctx, func(_ context.Context, payload []byte) {
		var b broker.Beacon
		if err := json.Unmarshal(payload, &b); err != nil || b.Address == "" {
			logger.Debug("ignoring malformed beacon", zap.ByteString("payload", payload))
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if prev, ok := seen[b.Address]; !ok || b.Timestamp >= prev.Timestamp {
			seen[b.Address] = b
		}
	})
	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("receive %s: %w", channel, err)
	}

	mu.Lock()
	defer mu.Unlock()
	out := make([]broker.Beacon, 0, len(seen))
	for _, b := range seen {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}
