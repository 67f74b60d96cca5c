// Package bridge accepts newline-delimited JSON on a local TCP socket and
// fans every object out to the current subscribers.
package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/datasource-broker/internal/metrics"
)

var (
	// ErrStopped is returned by every method once Stop has run.
	ErrStopped = errors.New("bridge stopped")
	// ErrProtocol marks a line that is not a JSON object.
	ErrProtocol = errors.New("protocol error")
)

// DefaultAddress is the fixed local ingestion endpoint.
const DefaultAddress = "127.0.0.1:65432"

const (
	defaultIdleTimeout  = 5 * time.Minute
	defaultMaxLineBytes = 1 << 20
	placeholderValue    = "placeholder update"
)

// State is the lifecycle of the socket server.
type State int32

// Bridge states.
const (
	StateIdle State = iota
	StateStarting
	StateServing
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateServing:
		return "serving"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Event is one decoded JSON object.
type Event map[string]any

// Subscriber receives events. Notify is called from connection goroutines and
// must be safe for concurrent use.
type Subscriber interface {
	Notify(ctx context.Context, evt Event)
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(ctx context.Context, evt Event)

// Notify calls f.
func (f SubscriberFunc) Notify(ctx context.Context, evt Event) {
	f(ctx, evt)
}

// Config controls the ingestion socket.
type Config struct {
	Address string
	// IdleTimeout closes silent connections. Zero uses the default; negative
	// disables it.
	IdleTimeout  time.Duration
	MaxLineBytes int
	// PlaceholderDelay arms a one-shot placeholder event per subscription.
	// Zero disables it.
	PlaceholderDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Address == "" {
		c.Address = DefaultAddress
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.MaxLineBytes <= 0 {
		c.MaxLineBytes = defaultMaxLineBytes
	}
	return c
}

type subscription struct {
	id  int
	sub Subscriber
}

// Bridge owns the listener, connections, subscribers and timers on a single
// loop goroutine. Other goroutines reach that state only through ops.
type Bridge struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	ops      chan func()
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	baseCtx context.Context
	cancel  context.CancelFunc
	workers sync.WaitGroup
	stopped atomic.Bool

	// loop-owned
	state    State
	listener net.Listener
	conns    map[net.Conn]struct{}
	subs     []subscription
	nextID   int
	timers   []*time.Timer
}

// New starts the loop goroutine. The socket is bound by the first Subscribe.
func New(cfg Config, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		cfg:     cfg.withDefaults(),
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		ops:     make(chan func()),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		baseCtx: ctx,
		cancel:  cancel,
		conns:   make(map[net.Conn]struct{}),
	}
	go b.loop()
	return b
}

func (b *Bridge) loop() {
	defer close(b.done)
	for {
		select {
		case op := <-b.ops:
			op()
		case <-b.quit:
			return
		}
	}
}

// call runs fn on the loop goroutine and waits for it.
func (b *Bridge) call(fn func()) error {
	finished := make(chan struct{})
	select {
	case b.ops <- func() {
		defer close(finished)
		fn()
	}:
	case <-b.done:
		return ErrStopped
	case <-b.quit:
		return ErrStopped
	}
	<-finished
	return nil
}

// State reports the current lifecycle state.
func (b *Bridge) State() State {
	if b.stopped.Load() {
		return StateStopped
	}
	var s State
	if err := b.call(func() { s = b.state }); err != nil {
		return StateStopped
	}
	return s
}

// Addr returns the bound listener address, or nil before the first Subscribe.
func (b *Bridge) Addr() net.Addr {
	var addr net.Addr
	_ = b.call(func() {
		if b.listener != nil {
			addr = b.listener.Addr()
		}
	})
	return addr
}

// Subscribe registers s and makes sure the socket server is running. The
// returned id is used with Unsubscribe.
func (b *Bridge) Subscribe(s Subscriber) (int, error) {
	if s == nil {
		return 0, errors.New("bridge: nil subscriber")
	}
	var (
		id       int
		startErr error
	)
	err := b.call(func() {
		if b.state == StateStopping || b.state == StateStopped {
			startErr = ErrStopped
			return
		}
		if startErr = b.startLocked(); startErr != nil {
			return
		}
		b.nextID++
		id = b.nextID
		b.subs = append(b.subs, subscription{id: id, sub: s})
		metrics.SetBridgeSubscribers(len(b.subs))
		b.armPlaceholderLocked()
	})
	if err != nil {
		return 0, err
	}
	if startErr != nil {
		return 0, startErr
	}
	return id, nil
}

// Unsubscribe removes a subscriber. Unknown ids are ignored.
func (b *Bridge) Unsubscribe(id int) error {
	return b.call(func() {
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
		metrics.SetBridgeSubscribers(len(b.subs))
	})
}

// startLocked binds the listener if it is not already serving.
func (b *Bridge) startLocked() error {
	if b.listener != nil {
		return nil
	}
	b.state = StateStarting
	ln, err := net.Listen("tcp", b.cfg.Address)
	if err != nil {
		b.state = StateIdle
		return fmt.Errorf("bridge listen %s: %w", b.cfg.Address, err)
	}
	b.listener = ln
	b.state = StateServing
	b.logger.Info("bridge listening", zap.String("address", ln.Addr().String()))
	b.workers.Add(1)
	go b.accept(ln)
	return nil
}

func (b *Bridge) armPlaceholderLocked() {
	if b.cfg.PlaceholderDelay <= 0 {
		return
	}
	timer := time.AfterFunc(b.cfg.PlaceholderDelay, func() {
		evt := Event{
			"timestamp": b.now().Format(time.RFC3339Nano),
			"value":     placeholderValue,
		}
		metrics.ObserveBridgeEvent("placeholder")
		b.fanout(evt)
	})
	b.timers = append(b.timers, timer)
}

func (b *Bridge) accept(ln net.Listener) {
	defer b.workers.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			b.logger.Warn("bridge accept failed", zap.Error(err))
			continue
		}
		accepted := false
		_ = b.call(func() {
			if b.state != StateServing {
				return
			}
			b.conns[conn] = struct{}{}
			accepted = true
			metrics.SetBridgeConnections(len(b.conns))
		})
		if !accepted {
			_ = conn.Close()
			continue
		}
		b.workers.Add(1)
		go b.serveConn(conn)
	}
}

func (b *Bridge) serveConn(conn net.Conn) {
	defer b.workers.Done()
	peer := conn.RemoteAddr().String()
	logger := b.logger.With(zap.String("peer", peer))
	logger.Info("bridge connection established")
	defer func() {
		_ = b.call(func() {
			delete(b.conns, conn)
			metrics.SetBridgeConnections(len(b.conns))
		})
		_ = conn.Close()
		logger.Info("bridge connection closed")
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), b.cfg.MaxLineBytes)
	for {
		if b.cfg.IdleTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(b.cfg.IdleTimeout)); err != nil {
				logger.Warn("bridge set deadline failed", zap.Error(err))
				return
			}
		}
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
				logger.Warn("bridge connection fault", zap.Error(err))
			}
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		evt, err := decodeLine(line)
		if err != nil {
			metrics.ObserveBridgeEvent("malformed")
			logger.Warn("bridge discarded line", zap.Error(err))
			continue
		}
		metrics.ObserveBridgeEvent("delivered")
		b.fanout(evt)
	}
}

func decodeLine(line string) (Event, error) {
	var evt Event
	if err := json.Unmarshal([]byte(line), &evt); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	if evt == nil {
		return nil, fmt.Errorf("%w: not a JSON object", ErrProtocol)
	}
	return evt, nil
}

// fanout delivers evt to a snapshot of the subscribers, outside the loop.
func (b *Bridge) fanout(evt Event) {
	var targets []Subscriber
	if err := b.call(func() {
		targets = make([]Subscriber, 0, len(b.subs))
		for _, s := range b.subs {
			targets = append(targets, s.sub)
		}
	}); err != nil {
		return
	}
	for _, s := range targets {
		b.notify(s, evt)
	}
}

func (b *Bridge) notify(s Subscriber, evt Event) {
	defer func() {
		if rec := recover(); rec != nil {
			b.logger.Error("bridge subscriber panicked", zap.Any("panic", rec))
		}
	}()
	s.Notify(b.baseCtx, evt)
}

// Stop closes every connection and the listener, halts the loop and waits
// for connection goroutines. It is safe to call more than once.
func (b *Bridge) Stop(ctx context.Context) error {
	b.stopOnce.Do(func() {
		_ = b.call(func() {
			b.state = StateStopping
			for _, t := range b.timers {
				t.Stop()
			}
			b.timers = nil
			if b.listener != nil {
				if err := b.listener.Close(); err != nil {
					b.logger.Warn("bridge listener close failed", zap.Error(err))
				}
			}
			for conn := range b.conns {
				_ = conn.Close()
			}
		})
		b.cancel()
		close(b.quit)
		<-b.done
		b.stopped.Store(true)
	})

	finished := make(chan struct{})
	go func() {
		b.workers.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		b.logger.Info("bridge stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("bridge stop wait: %w", ctx.Err())
	}
}
