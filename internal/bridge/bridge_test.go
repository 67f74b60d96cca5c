package bridge

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/datasource-broker/internal/bus/memory"
)

type chanSubscriber chan Event

func (c chanSubscriber) Notify(_ context.Context, evt Event) {
	c <- evt
}

func newTestBridge(t *testing.T, cfg Config) (*Bridge, *observer.ObservedLogs) {
	t.Helper()
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:0"
	}
	core, logs := observer.New(zap.DebugLevel)
	b := New(cfg, zap.New(core))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, b.Stop(ctx))
	})
	return b, logs
}

func dial(t *testing.T, b *Bridge) net.Conn {
	t.Helper()
	addr := b.Addr()
	require.NotNil(t, addr)
	conn, err := net.DialTimeout("tcp", addr.String(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func next(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case evt := <-events:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
		return nil
	}
}

func assertQuiet(t *testing.T, events <-chan Event) {
	t.Helper()
	select {
	case evt := <-events:
		t.Fatalf("unexpected event %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBridgeStateTransitions(t *testing.T) {
	t.Parallel()

	b, _ := newTestBridge(t, Config{})
	assert.Equal(t, StateIdle, b.State())
	assert.Nil(t, b.Addr())

	_, err := b.Subscribe(make(chanSubscriber, 1))
	require.NoError(t, err)
	assert.Equal(t, StateServing, b.State())
	addr := b.Addr().String()

	// A second subscription reuses the running server.
	_, err = b.Subscribe(make(chanSubscriber, 1))
	require.NoError(t, err)
	assert.Equal(t, addr, b.Addr().String())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.Stop(ctx))
	assert.Equal(t, StateStopped, b.State())
	assert.Equal(t, "stopped", b.State().String())

	_, err = b.Subscribe(make(chanSubscriber, 1))
	require.ErrorIs(t, err, ErrStopped)
	require.ErrorIs(t, b.Unsubscribe(1), ErrStopped)

	_, err = net.DialTimeout("tcp", addr, 200*time.Millisecond)
	require.Error(t, err)
}

func TestBridgeDeliversToEverySubscriberOnce(t *testing.T) {
	t.Parallel()

	b, _ := newTestBridge(t, Config{})
	first, second := make(chanSubscriber, 4), make(chanSubscriber, 4)
	_, err := b.Subscribe(first)
	require.NoError(t, err)
	_, err = b.Subscribe(second)
	require.NoError(t, err)

	conn := dial(t, b)
	_, err = io.WriteString(conn, "{\"a\":1}\n")
	require.NoError(t, err)

	for _, events := range []chanSubscriber{first, second} {
		evt := next(t, events)
		assert.InDelta(t, 1.0, evt["a"], 0)
		assertQuiet(t, events)
	}
}

func TestBridgePreservesOrderPerConnection(t *testing.T) {
	t.Parallel()

	b, _ := newTestBridge(t, Config{})
	events := make(chanSubscriber, 16)
	_, err := b.Subscribe(events)
	require.NoError(t, err)

	conn := dial(t, b)
	var sb strings.Builder
	for i := 0; i < 10; i++ {
		line, _ := json.Marshal(map[string]int{"seq": i})
		sb.Write(line)
		sb.WriteByte('\n')
	}
	_, err = io.WriteString(conn, sb.String())
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		assert.InDelta(t, float64(i), next(t, events)["seq"], 0)
	}
}

func TestBridgeMalformedLineKeepsConnection(t *testing.T) {
	t.Parallel()

	b, logs := newTestBridge(t, Config{})
	events := make(chanSubscriber, 4)
	_, err := b.Subscribe(events)
	require.NoError(t, err)

	conn := dial(t, b)
	_, err = io.WriteString(conn, "not json\n[1,2]\n\n{\"b\":2}\n")
	require.NoError(t, err)

	assert.InDelta(t, 2.0, next(t, events)["b"], 0)
	assert.Equal(t, 2, logs.FilterMessage("bridge discarded line").Len())

	_, err = io.WriteString(conn, "{\"c\":3}\n")
	require.NoError(t, err)
	assert.InDelta(t, 3.0, next(t, events)["c"], 0)
}

func TestBridgeDecodesTrailingPartialLine(t *testing.T) {
	t.Parallel()

	b, _ := newTestBridge(t, Config{})
	events := make(chanSubscriber, 4)
	_, err := b.Subscribe(events)
	require.NoError(t, err)

	conn := dial(t, b)
	_, err = io.WriteString(conn, `{"tail":true}`)
	require.NoError(t, err)
	tcp, ok := conn.(*net.TCPConn)
	require.True(t, ok)
	require.NoError(t, tcp.CloseWrite())

	assert.Equal(t, true, next(t, events)["tail"])
}

func TestBridgeUnsubscribe(t *testing.T) {
	t.Parallel()

	b, _ := newTestBridge(t, Config{})
	kept, dropped := make(chanSubscriber, 4), make(chanSubscriber, 4)
	_, err := b.Subscribe(kept)
	require.NoError(t, err)
	id, err := b.Subscribe(dropped)
	require.NoError(t, err)
	require.NoError(t, b.Unsubscribe(id))

	conn := dial(t, b)
	_, err = io.WriteString(conn, "{\"x\":1}\n")
	require.NoError(t, err)

	next(t, kept)
	assertQuiet(t, dropped)
}

func TestBridgeClosesIdleAndOverlongConnections(t *testing.T) {
	t.Parallel()

	b, logs := newTestBridge(t, Config{IdleTimeout: 50 * time.Millisecond, MaxLineBytes: 16})
	_, err := b.Subscribe(make(chanSubscriber, 4))
	require.NoError(t, err)

	idle := dial(t, b)
	require.NoError(t, idle.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = idle.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)

	long := dial(t, b)
	_, err = io.WriteString(long, strings.Repeat("x", 64)+"\n")
	require.NoError(t, err)
	require.NoError(t, long.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = long.Read(make([]byte, 1))
	require.Error(t, err)

	require.Eventually(t, func() bool {
		return logs.FilterMessage("bridge connection fault").Len() >= 2
	}, time.Second, 10*time.Millisecond)
}

func TestBridgePlaceholder(t *testing.T) {
	t.Parallel()

	b, _ := newTestBridge(t, Config{PlaceholderDelay: 20 * time.Millisecond})
	events := make(chanSubscriber, 4)
	_, err := b.Subscribe(events)
	require.NoError(t, err)

	evt := next(t, events)
	assert.Equal(t, placeholderValue, evt["value"])
	ts, ok := evt["timestamp"].(string)
	require.True(t, ok)
	_, err = time.Parse(time.RFC3339Nano, ts)
	require.NoError(t, err)
}

func TestBridgePlaceholderDisabledByDefault(t *testing.T) {
	t.Parallel()

	b, _ := newTestBridge(t, Config{})
	events := make(chanSubscriber, 4)
	_, err := b.Subscribe(events)
	require.NoError(t, err)
	assertQuiet(t, events)
}

func TestBridgeListenFailureLeavesIdle(t *testing.T) {
	t.Parallel()

	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close() //nolint:errcheck // test listener

	b, _ := newTestBridge(t, Config{Address: taken.Addr().String()})
	_, err = b.Subscribe(make(chanSubscriber, 1))
	require.Error(t, err)
	assert.Equal(t, StateIdle, b.State())
}

func TestBusForwarderPublishesEvents(t *testing.T) {
	t.Parallel()

	mb := memory.New(0)
	defer func() { require.NoError(t, mb.Close()) }()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := mb.Subscribe(ctx, DefaultForwardChannel)
	require.NoError(t, err)
	got := make(chan []byte, 1)
	go func() {
		_ = sub.Receive(ctx, func(_ context.Context, payload []byte) { got <- payload })
	}()

	b, _ := newTestBridge(t, Config{})
	_, err = b.Subscribe(NewBusForwarder(mb, "", nil))
	require.NoError(t, err)
	conn := dial(t, b)
	_, err = io.WriteString(conn, "{\"a\":1}\n")
	require.NoError(t, err)

	select {
	case payload := <-got:
		assert.JSONEq(t, `{"a":1}`, string(payload))
	case <-time.After(2 * time.Second):
		t.Fatal("event not forwarded")
	}
}
