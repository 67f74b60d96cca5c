// Package broker answers command envelopes arriving on the bus and announces
// itself on the discovery channel.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/datasource-broker/internal/bus"
	"github.com/JakeFAU/datasource-broker/internal/metrics"
)

var (
	// ErrMethodNotFound is returned for an unknown method name.
	ErrMethodNotFound = errors.New("method not found")
	// ErrInvalidParams is returned when an operation cannot decode its params.
	ErrInvalidParams = errors.New("invalid params")
)

const (
	defaultBeaconInterval  = 5 * time.Second
	defaultRequestTimeout  = 30 * time.Second
	defaultResponseTimeout = 10 * time.Second
)

// Clock supplies beacon timestamps.
type Clock interface {
	Now() time.Time
}

// Config controls channel names and concurrency.
type Config struct {
	// Address identifies this broker. Empty means LocalAddress().
	Address string
	// CommandChannel overrides the derived <ChannelPrefix>_<Address>.
	CommandChannel   string
	ChannelPrefix    string
	DiscoveryChannel string
	// BeaconInterval of zero uses the default; negative disables beacons.
	BeaconInterval time.Duration
	// MaxInFlight caps concurrently handled envelopes; 0 is unbounded.
	MaxInFlight int64
	// RequestTimeout bounds a single operation.
	RequestTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Address == "" {
		c.Address = LocalAddress()
	}
	if c.CommandChannel == "" {
		c.CommandChannel = CommandChannel(c.ChannelPrefix, c.Address)
	}
	if c.DiscoveryChannel == "" {
		c.DiscoveryChannel = DefaultDiscoveryChannel
	}
	if c.BeaconInterval == 0 {
		c.BeaconInterval = defaultBeaconInterval
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	return c
}

// Operation handles one method. params is the raw JSON from the envelope and
// may be empty.
type Operation func(ctx context.Context, params []byte) (any, error)

// Broker dispatches envelopes to operations.
type Broker struct {
	cfg    Config
	bus    bus.Bus
	logger *zap.Logger
	clock  Clock
	sem    *semaphore.Weighted

	mu  sync.RWMutex
	ops map[string]Operation

	inflight  sync.WaitGroup
	listening atomic.Bool
}

// New creates a Broker with no operations; see Register and RegisterDefaults.
func New(cfg Config, b bus.Bus, clock Clock, logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = wallClock{}
	}
	cfg = cfg.withDefaults()
	br := &Broker{
		cfg:    cfg,
		bus:    b,
		logger: logger,
		clock:  clock,
		ops:    make(map[string]Operation),
	}
	if cfg.MaxInFlight > 0 {
		br.sem = semaphore.NewWeighted(cfg.MaxInFlight)
	}
	return br
}

// Address returns the advertised broker address.
func (b *Broker) Address() string {
	return b.cfg.Address
}

// CommandChannel returns the channel the broker listens on.
func (b *Broker) CommandChannel() string {
	return b.cfg.CommandChannel
}

// Listening reports whether Run is subscribed to the command channel.
func (b *Broker) Listening() bool {
	return b.listening.Load()
}

// Register binds method to op, replacing any previous binding.
func (b *Broker) Register(method string, op Operation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ops[method] = op
}

// Methods lists registered method names.
func (b *Broker) Methods() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.ops))
	for name := range b.ops {
		out = append(out, name)
	}
	return out
}

// Run subscribes to the command channel and serves until ctx is done. It
// returns after in-flight requests have been answered.
func (b *Broker) Run(ctx context.Context) error {
	sub, err := b.bus.Subscribe(ctx, b.cfg.CommandChannel)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", b.cfg.CommandChannel, err)
	}
	b.listening.Store(true)
	defer b.listening.Store(false)
	b.logger.Info("broker listening",
		zap.String("address", b.cfg.Address),
		zap.String("command_channel", b.cfg.CommandChannel),
	)

	var beacon sync.WaitGroup
	if b.cfg.BeaconInterval > 0 {
		beacon.Add(1)
		go func() {
			defer beacon.Done()
			b.announce(ctx)
		}()
	}

	recvErr := sub.Receive(ctx, b.accept)
	b.inflight.Wait()
	beacon.Wait()
	if err := sub.Close(context.WithoutCancel(ctx)); err != nil {
		b.logger.Warn("close command subscription", zap.Error(err))
	}
	if recvErr != nil && ctx.Err() == nil {
		return fmt.Errorf("receive %s: %w", b.cfg.CommandChannel, recvErr)
	}
	return nil
}

// accept runs on the receive loop. It only waits when the in-flight cap is
// reached; the envelope is handled on its own goroutine.
func (b *Broker) accept(ctx context.Context, payload []byte) {
	if b.sem != nil {
		if err := b.sem.Acquire(ctx, 1); err != nil {
			b.logger.Warn("dropping envelope during shutdown", zap.Error(err))
			return
		}
	}
	b.inflight.Add(1)
	go func() {
		defer b.inflight.Done()
		if b.sem != nil {
			defer b.sem.Release(1)
		}
		b.handle(ctx, payload)
	}()
}

func (b *Broker) handle(ctx context.Context, payload []byte) {
	metrics.IncBrokerInFlight()
	defer metrics.DecBrokerInFlight()
	start := time.Now()

	req, decodeErr := decodeRequest(payload)
	if req.ResponseChannel == "" {
		b.logger.Warn("dropping envelope without response channel",
			zap.String("request_id", req.RequestID),
			zap.NamedError("decode_error", decodeErr),
		)
		return
	}

	var (
		result any
		err    error
	)
	if decodeErr != nil {
		err = fmt.Errorf("%w: %w", ErrInvalidParams, decodeErr)
	} else {
		result, err = b.Dispatch(ctx, req.Method, req.Params)
	}
	if err != nil {
		b.logger.Warn("request failed",
			zap.String("request_id", req.RequestID),
			zap.String("method", req.Method),
			zap.Error(err),
		)
		result = ErrorResult{Error: err.Error()}
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultResponseTimeout)
	defer cancel()
	resp := Response{RequestID: req.RequestID, Result: result}
	if perr := bus.PublishJSON(pubCtx, b.bus, req.ResponseChannel, resp); perr != nil {
		b.logger.Error("publish response failed",
			zap.String("request_id", req.RequestID),
			zap.String("response_channel", req.ResponseChannel),
			zap.Error(perr),
		)
	}
	metrics.ObserveBrokerRequest(b.metricMethod(req.Method), err != nil, time.Since(start))
	b.logger.Debug("request served",
		zap.String("request_id", req.RequestID),
		zap.String("method", req.Method),
		zap.Duration("elapsed", time.Since(start)),
	)
}

// Dispatch runs method with params. Panics inside the operation are returned
// as errors.
func (b *Broker) Dispatch(ctx context.Context, method string, params []byte) (result any, err error) {
	b.mu.RLock()
	op, ok := b.ops[method]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMethodNotFound, method)
	}
	ctx, cancel := context.WithTimeout(ctx, b.cfg.RequestTimeout)
	defer cancel()
	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			err = fmt.Errorf("%s: panic: %v", method, rec)
		}
	}()
	return op(ctx, params)
}

func (b *Broker) metricMethod(method string) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if _, ok := b.ops[method]; ok {
		return method
	}
	return "unknown"
}

func (b *Broker) announce(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.BeaconInterval)
	defer ticker.Stop()
	for {
		b.beacon(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (b *Broker) beacon(ctx context.Context) {
	now := b.clock.Now()
	msg := Beacon{
		Address:        b.cfg.Address,
		CommandChannel: b.cfg.CommandChannel,
		Timestamp:      float64(now.UnixNano()) / float64(time.Second),
	}
	err := bus.PublishJSON(ctx, b.bus, b.cfg.DiscoveryChannel, msg)
	metrics.ObserveBeacon(err)
	if err != nil && ctx.Err() == nil {
		b.logger.Warn("beacon publish failed", zap.String("channel", b.cfg.DiscoveryChannel), zap.Error(err))
	}
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }
