// Package client sends command envelopes to a broker and waits for the
// matching response.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/datasource-broker/internal/broker"
	"github.com/JakeFAU/datasource-broker/internal/bus"
)

// DefaultResponsePrefix prefixes private response channels.
const DefaultResponsePrefix = "datasource_response"

const defaultTimeout = 30 * time.Second

// ErrRemote wraps an {error} result returned by the broker.
var ErrRemote = errors.New("remote error")

// IDGenerator creates request ids and channel names.
type IDGenerator interface {
	NewID() (string, error)
	NewChannel(prefix string) (string, error)
}

// Config controls where requests are sent.
type Config struct {
	CommandChannel string
	ResponsePrefix string
	Timeout        time.Duration
}

// Client issues requests over a bus.
type Client struct {
	bus    bus.Bus
	ids    IDGenerator
	cfg    Config
	logger *zap.Logger
}

// New creates a Client.
func New(b bus.Bus, ids IDGenerator, cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ResponsePrefix == "" {
		cfg.ResponsePrefix = DefaultResponsePrefix
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{bus: b, ids: ids, cfg: cfg, logger: logger}
}

// Call sends method with params and returns the raw result. A result that is
// exactly {"error": msg} is returned as an error wrapping ErrRemote.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c.cfg.CommandChannel == "" {
		return nil, errors.New("client: command channel is required")
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	requestID, err := c.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("request id: %w", err)
	}
	responseChannel, err := c.ids.NewChannel(c.cfg.ResponsePrefix)
	if err != nil {
		return nil, fmt.Errorf("response channel: %w", err)
	}
	var rawParams json.RawMessage
	if params != nil {
		if rawParams, err = json.Marshal(params); err != nil {
			return nil, fmt.Errorf("encode params: %w", err)
		}
	}

	sub, err := c.bus.Subscribe(ctx, responseChannel)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", responseChannel, err)
	}
	defer func() {
		if cerr := sub.Close(context.WithoutCancel(ctx)); cerr != nil {
			c.logger.Warn("close response subscription", zap.String("channel", responseChannel), zap.Error(cerr))
		}
	}()

	req := broker.Request{
		RequestID:       requestID,
		Method:          method,
		Params:          rawParams,
		ResponseChannel: responseChannel,
	}
	if err := bus.PublishJSON(ctx, c.bus, c.cfg.CommandChannel, req); err != nil {
		return nil, fmt.Errorf("publish %s: %w", method, err)
	}
	c.logger.Debug("request sent",
		zap.String("request_id", requestID),
		zap.String("method", method),
		zap.String("command_channel", c.cfg.CommandChannel),
	)

	result, err := awaitResponse(ctx, sub, requestID, c.logger)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	if msg, ok := remoteError(result); ok {
		return nil, fmt.Errorf("%s: %w: %s", method, ErrRemote, msg)
	}
	return result, nil
}

func awaitResponse(ctx context.Context, sub bus.Subscription, requestID string, logger *zap.Logger) (json.RawMessage, error) {
	recvCtx, stop := context.WithCancel(ctx)
	defer stop()

	var (
		once   sync.Once
		got    bool
		result json.RawMessage
	)
	err := sub.Receive(recvCtx, func(_ context.Context, payload []byte) {
		var resp struct {
			RequestID string          `json:"request_id"`
			Result    json.RawMessage `json:"result"`
		}
		if err := json.Unmarshal(payload, &resp); err != nil {
			logger.Warn("discarding undecodable response", zap.Error(err))
			return
		}
		if resp.RequestID != requestID {
			logger.Debug("ignoring response for another request", zap.String("request_id", resp.RequestID))
			return
		}
		once.Do(func() {
			got = true
			result = resp.Result
			stop()
		})
	})
	if got {
		if result == nil {
			result = json.RawMessage("null")
		}
		return result, nil
	}
	if err != nil {
		return nil, fmt.Errorf("receive response: %w", err)
	}
	return nil, fmt.Errorf("await response: %w", context.Cause(ctx))
}

func remoteError(result json.RawMessage) (string, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(result, &obj); err != nil || len(obj) != 1 {
		return "", false
	}
	raw, ok := obj["error"]
	if !ok {
		return "", false
	}
	var msg string
	if err := json.Unmarshal(raw, &msg); err != nil {
		return string(raw), true
	}
	return msg, true
}
