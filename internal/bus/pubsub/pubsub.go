// Package pubsub implements the bus on Google Cloud Pub/Sub. Every channel is
// a topic and every Subscribe call creates a private subscription that is
// deleted again on Close, which yields broadcast semantics: each subscriber
// sees each message and nothing published before it subscribed.
package pubsub

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/JakeFAU/datasource-broker/internal/bus"
	"github.com/JakeFAU/datasource-broker/internal/id/uuid"
)

// Config carries the Pub/Sub connection settings.
type Config struct {
	ProjectID string
	// SubscriptionPrefix is prepended to generated subscription ids.
	SubscriptionPrefix string
	// AckDeadline bounds how long a handler may hold a message.
	AckDeadline time.Duration
	// SubscriptionTTL lets the server garbage-collect subscriptions left behind
	// by crashed processes. Zero keeps the server default.
	SubscriptionTTL time.Duration
}

// Bus is a bus.Bus backed by a Pub/Sub client.
type Bus struct {
	client *pubsub.Client
	cfg    Config
	logger *zap.Logger
	ids    uuid.Generator

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
	closed bool
}

var _ bus.Bus = (*Bus)(nil)

// New dials Pub/Sub. PUBSUB_EMULATOR_HOST is honoured by the client library.
func New(ctx context.Context, cfg Config, logger *zap.Logger, opts ...option.ClientOption) (*Bus, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("pubsub project id is required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}
	return NewFromClient(client, cfg, logger), nil
}

// NewFromClient wraps an existing client; Close closes it.
func NewFromClient(client *pubsub.Client, cfg Config, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SubscriptionPrefix == "" {
		cfg.SubscriptionPrefix = "sub"
	}
	if cfg.AckDeadline <= 0 {
		cfg.AckDeadline = 10 * time.Second
	}
	return &Bus{
		client: client,
		cfg:    cfg,
		logger: logger,
		ids:    uuid.New(),
		topics: make(map[string]*pubsub.Topic),
	}
}

// Publish sends payload to the channel's topic and waits for the server ack.
func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	topic, err := b.topic(ctx, channel)
	if err != nil {
		return err
	}
	if _, err := topic.Publish(ctx, &pubsub.Message{Data: payload}).Get(ctx); err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

// Subscribe creates a fresh subscription attached to the channel's topic.
func (b *Bus) Subscribe(ctx context.Context, channel string) (bus.Subscription, error) {
	topic, err := b.topic(ctx, channel)
	if err != nil {
		return nil, err
	}
	id, err := b.ids.NewChannel(b.cfg.SubscriptionPrefix)
	if err != nil {
		return nil, err
	}
	subCfg := pubsub.SubscriptionConfig{Topic: topic, AckDeadline: b.cfg.AckDeadline}
	if b.cfg.SubscriptionTTL > 0 {
		subCfg.ExpirationPolicy = b.cfg.SubscriptionTTL
	}
	id = capID(id)
	sub, err := b.client.CreateSubscription(ctx, id, subCfg)
	if err != nil {
		return nil, fmt.Errorf("create subscription for %s: %w", channel, err)
	}
	sub.ReceiveSettings.NumGoroutines = 1
	sub.ReceiveSettings.MaxOutstandingMessages = 1
	b.logger.Debug("subscribed", zap.String("channel", channel), zap.String("subscription", id))
	return &Subscription{sub: sub, channel: channel, logger: b.logger}, nil
}

// Close flushes pending publishes and closes the client.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	topics := b.topics
	b.topics = nil
	b.mu.Unlock()

	for _, t := range topics {
		t.Stop()
	}
	if err := b.client.Close(); err != nil {
		return fmt.Errorf("failed to close pubsub client: %w", err)
	}
	return nil
}

func (b *Bus) topic(ctx context.Context, channel string) (*pubsub.Topic, error) {
	id := TopicID(channel)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, bus.ErrClosed
	}
	if t, ok := b.topics[id]; ok {
		return t, nil
	}
	t := b.client.Topic(id)
	exists, err := t.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check topic %s: %w", id, err)
	}
	if !exists {
		created, err := b.client.CreateTopic(ctx, id)
		switch {
		case err == nil:
			t = created
		case status.Code(err) == codes.AlreadyExists:
		default:
			return nil, fmt.Errorf("create topic %s: %w", id, err)
		}
	}
	b.topics[id] = t
	return t, nil
}

// maxResourceID is Pub/Sub's limit on topic and subscription ids.
const maxResourceID = 255

// TopicID maps a channel name onto a valid Pub/Sub resource id: letters
// first, 3 to 255 characters, and only [A-Za-z0-9-_.~+%]. Longer names are
// truncated and suffixed with a hash of the full id.
func TopicID(channel string) string {
	var sb strings.Builder
	for _, r := range channel {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			sb.WriteRune(r)
		case strings.ContainsRune("-_.~+%", r):
			sb.WriteRune(r)
		default:
			sb.WriteRune('_')
		}
	}
	id := sb.String()
	if id == "" || !isLetter(id[0]) || strings.HasPrefix(strings.ToLower(id), "goog") {
		id = "c" + id
	}
	for len(id) < 3 {
		id += "_"
	}
	return capID(id)
}

func capID(id string) string {
	if len(id) <= maxResourceID {
		return id
	}
	sum := sha256.Sum256([]byte(id))
	suffix := "-" + hex.EncodeToString(sum[:8])
	return id[:maxResourceID-len(suffix)] + suffix
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// Subscription wraps a private Pub/Sub subscription.
type Subscription struct {
	sub     *pubsub.Subscription
	channel string
	logger  *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	closed bool
}

// Channel returns the subscribed channel name.
func (s *Subscription) Channel() string {
	return s.channel
}

// Receive acks each message before handing its payload to h.
func (s *Subscription) Receive(ctx context.Context, h bus.Handler) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	rctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	err := s.sub.Receive(rctx, func(ctx context.Context, msg *pubsub.Message) {
		msg.Ack()
		h(ctx, msg.Data)
	})
	if err != nil && !s.isClosed() && ctx.Err() == nil {
		return fmt.Errorf("receive on %s: %w", s.channel, err)
	}
	return nil
}

// Close stops any running Receive and deletes the subscription.
func (s *Subscription) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	if err := s.sub.Delete(ctx); err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("delete subscription %s: %w", s.sub.ID(), err)
	}
	return nil
}

func (s *Subscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
