package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/datasource-broker/internal/bus"
	"github.com/JakeFAU/datasource-broker/internal/bus/memory"
)

const testAddress = "10.9.8.7"

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type harness struct {
	t      *testing.T
	bus    *memory.Bus
	broker *Broker
	logs   *observer.ObservedLogs
	seq    atomic.Int64
}

func startBroker(t *testing.T, cfg Config, register func(*Broker)) *harness {
	t.Helper()
	b := memory.New(0)
	core, logs := observer.New(zap.DebugLevel)
	if cfg.Address == "" {
		cfg.Address = testAddress
	}
	if cfg.BeaconInterval == 0 {
		cfg.BeaconInterval = -1
	}
	br := New(cfg, b, fixedClock{now: time.Unix(1700000000, 500000000)}, zap.New(core))
	if register != nil {
		register(br)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- br.Run(ctx) }()
	require.Eventually(t, func() bool { return b.Subscribers(br.CommandChannel()) == 1 }, time.Second, 5*time.Millisecond)
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
		require.NoError(t, b.Close())
	})
	return &harness{t: t, bus: b, broker: br, logs: logs}
}

// call publishes an envelope and waits for the single response on its
// private channel.
func (h *harness) call(method string, params any) Response {
	h.t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(h.t, err)
	n := h.seq.Add(1)
	req := Request{
		RequestID:       fmt.Sprintf("req-%d", n),
		Method:          method,
		Params:          raw,
		ResponseChannel: fmt.Sprintf("resp-%d", n),
	}
	payload, err := json.Marshal(req)
	require.NoError(h.t, err)
	return h.send(req.ResponseChannel, payload)
}

func (h *harness) send(responseChannel string, payload []byte) Response {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sub, err := h.bus.Subscribe(ctx, responseChannel)
	require.NoError(h.t, err)
	defer func() { _ = sub.Close(ctx) }()

	require.NoError(h.t, h.bus.Publish(ctx, h.broker.CommandChannel(), payload))
	got := make(chan []byte, 1)
	recvCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		_ = sub.Receive(recvCtx, func(_ context.Context, msg []byte) {
			select {
			case got <- msg:
			default:
			}
		})
	}()
	select {
	case msg := <-got:
		var resp struct {
			RequestID string          `json:"request_id"`
			Result    json.RawMessage `json:"result"`
		}
		require.NoError(h.t, json.Unmarshal(msg, &resp))
		return Response{RequestID: resp.RequestID, Result: resp.Result}
	case <-ctx.Done():
		h.t.Fatalf("no response on %s", responseChannel)
		return Response{}
	}
}

func resultError(t *testing.T, resp Response) string {
	t.Helper()
	var er ErrorResult
	require.NoError(t, json.Unmarshal(resp.Result.(json.RawMessage), &er))
	return er.Error
}

func TestBrokerAnswersRegisteredMethod(t *testing.T) {
	t.Parallel()

	h := startBroker(t, Config{}, func(b *Broker) {
		b.Register("echo", func(_ context.Context, params []byte) (any, error) {
			return json.RawMessage(params), nil
		})
	})

	resp := h.call("echo", map[string]int{"x": 1})
	assert.Equal(t, "req-1", resp.RequestID)
	assert.JSONEq(t, `{"x":1}`, string(resp.Result.(json.RawMessage)))
	assert.Equal(t, "datasource_commands_"+testAddress, h.broker.CommandChannel())
	assert.Eventually(t, h.broker.Listening, time.Second, 5*time.Millisecond)
}

func TestBrokerUnknownMethod(t *testing.T) {
	t.Parallel()

	h := startBroker(t, Config{}, nil)
	resp := h.call("frobnicate", nil)
	assert.Contains(t, resultError(t, resp), "method not found")
	assert.Contains(t, resultError(t, resp), "frobnicate")
}

func TestBrokerRecoversFromPanic(t *testing.T) {
	t.Parallel()

	h := startBroker(t, Config{}, func(b *Broker) {
		b.Register("boom", func(context.Context, []byte) (any, error) { panic("kaput") })
		b.Register("ok", func(context.Context, []byte) (any, error) { return "fine", nil })
	})

	assert.Contains(t, resultError(t, h.call("boom", nil)), "kaput")
	assert.JSONEq(t, `"fine"`, string(h.call("ok", nil).Result.(json.RawMessage)))
}

func TestBrokerOperationErrorBecomesResult(t *testing.T) {
	t.Parallel()

	h := startBroker(t, Config{}, func(b *Broker) {
		b.Register("fail", func(context.Context, []byte) (any, error) { return nil, errors.New("no such repo") })
	})
	assert.Equal(t, "no such repo", resultError(t, h.call("fail", nil)))
}

func TestBrokerMalformedEnvelopeWithResponseChannel(t *testing.T) {
	t.Parallel()

	h := startBroker(t, Config{}, nil)
	resp := h.send("resp-bad", []byte(`{"request_id":"r1","method":5,"response_channel":"resp-bad"}`))
	assert.Equal(t, "r1", resp.RequestID)
	assert.Contains(t, resultError(t, resp), "invalid params")
}

func TestBrokerDropsEnvelopeWithoutResponseChannel(t *testing.T) {
	t.Parallel()

	h := startBroker(t, Config{}, nil)
	require.NoError(t, h.bus.Publish(context.Background(), h.broker.CommandChannel(), []byte("not json")))
	require.Eventually(t, func() bool {
		return h.logs.FilterMessage("dropping envelope without response channel").Len() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestBrokerHandlesEnvelopesConcurrently(t *testing.T) {
	t.Parallel()

	var arrived sync.WaitGroup
	arrived.Add(2)
	h := startBroker(t, Config{}, func(b *Broker) {
		b.Register("rendezvous", func(ctx context.Context, _ []byte) (any, error) {
			arrived.Done()
			done := make(chan struct{})
			go func() {
				arrived.Wait()
				close(done)
			}()
			select {
			case <-done:
				return "met", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		})
	})

	results := make(chan Response, 2)
	for i := 0; i < 2; i++ {
		go func() { results <- h.call("rendezvous", nil) }()
	}
	for i := 0; i < 2; i++ {
		select {
		case resp := <-results:
			assert.JSONEq(t, `"met"`, string(resp.Result.(json.RawMessage)))
		case <-time.After(5 * time.Second):
			t.Fatal("requests were not served concurrently")
		}
	}
}

func TestBrokerPublishesBeacon(t *testing.T) {
	t.Parallel()

	b := memory.New(0)
	defer func() { require.NoError(t, b.Close()) }()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := b.Subscribe(ctx, DefaultDiscoveryChannel)
	require.NoError(t, err)
	got := make(chan []byte, 8)
	go func() {
		_ = sub.Receive(ctx, func(_ context.Context, msg []byte) {
			select {
			case got <- msg:
			default:
			}
		})
	}()

	br := New(Config{Address: testAddress, BeaconInterval: 20 * time.Millisecond}, b,
		fixedClock{now: time.Unix(1700000000, 500000000)}, zap.NewNop())
	done := make(chan error, 1)
	go func() { done <- br.Run(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case msg := <-got:
			var beacon Beacon
			require.NoError(t, json.Unmarshal(msg, &beacon))
			assert.Equal(t, testAddress, beacon.Address)
			assert.Equal(t, "datasource_commands_"+testAddress, beacon.CommandChannel)
			assert.InDelta(t, 1700000000.5, beacon.Timestamp, 1e-3)
		case <-time.After(2 * time.Second):
			t.Fatal("beacon not published")
		}
	}
	cancel()
	require.NoError(t, <-done)
}

func TestBrokerRunFailsWhenBusClosed(t *testing.T) {
	t.Parallel()

	b := memory.New(0)
	require.NoError(t, b.Close())
	br := New(Config{Address: testAddress, BeaconInterval: -1}, b, nil, nil)
	require.ErrorIs(t, br.Run(context.Background()), bus.ErrClosed)
}

func TestDispatchTimeout(t *testing.T) {
	t.Parallel()

	br := New(Config{Address: testAddress, RequestTimeout: 10 * time.Millisecond}, memory.New(0), nil, nil)
	br.Register("slow", func(ctx context.Context, _ []byte) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	_, err := br.Dispatch(context.Background(), "slow", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ElementsMatch(t, []string{"slow"}, br.Methods())
}

func TestLocalAddressAndChannel(t *testing.T) {
	t.Parallel()

	addr := LocalAddress()
	require.NotNil(t, net.ParseIP(addr), "address %q", addr)
	assert.Equal(t, "datasource_commands_1.2.3.4", CommandChannel("", " 1.2.3.4 "))
	assert.Equal(t, "cmds_host", CommandChannel("cmds", "host"))
}
