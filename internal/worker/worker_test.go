package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/datasource-broker/internal/bus/memory"
	"github.com/JakeFAU/datasource-broker/internal/connector"
	"github.com/JakeFAU/datasource-broker/internal/connectors"
	"github.com/JakeFAU/datasource-broker/internal/connectors/localfolder"
	"github.com/JakeFAU/datasource-broker/internal/progress"
	"github.com/JakeFAU/datasource-broker/internal/progress/sinks"
	"github.com/JakeFAU/datasource-broker/internal/registry"
)

type fakeConnector struct {
	connector.Reporter
	items   int
	failAt  int
	fetched bool
}

func (f *fakeConnector) Fetch(context.Context) error {
	f.fetched = true
	tracker := f.Tracker()
	if err := tracker.SetTotal(f.items); err != nil {
		return err
	}
	for i := 1; i <= f.items; i++ {
		if f.failAt == i {
			return fmt.Errorf("item %d: %w", i, errors.New("disk full"))
		}
		if err := tracker.Record(time.Second); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeConnector) Icon() (string, error) { return "", nil }

func (f *fakeConnector) ConnectionData() (connector.ConnectionData, error) {
	return connector.ConnectionData{}, nil
}

type fakeCreator struct {
	conn *fakeConnector
	err  error
}

func (f *fakeCreator) Create(name string, _ connector.Params) (connector.Connector, error) {
	if f.err != nil {
		return nil, fmt.Errorf("%s: %w", name, f.err)
	}
	return f.conn, nil
}

type eventLog struct {
	mu     sync.Mutex
	events []progress.Event
}

func (e *eventLog) Emit(evt progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

func (e *eventLog) snapshot() []progress.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]progress.Event(nil), e.events...)
}

func follow(t *testing.T, b *memory.Bus, channel string) *eventLog {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	got := &eventLog{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sinks.Follow(ctx, b, channel, got, zap.NewNop())
	}()
	require.Eventually(t, func() bool { return b.Subscribers(channel) == 1 }, time.Second, 5*time.Millisecond)
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return got
}

func TestWorkerRunPublishesProgress(t *testing.T) {
	t.Parallel()

	b := memory.New(0)
	defer func() { require.NoError(t, b.Close()) }()
	got := follow(t, b, "datasource_progress_10.0.0.9")

	conn := &fakeConnector{items: 3}
	w := New(&fakeCreator{conn: conn}, b, nil, Config{
		Connector: "localfolder",
		Params:    connector.Params{connector.ParamClientAddress: "10.0.0.9"},
		Progress:  progress.Config{MaxBatchWait: 10 * time.Millisecond},
	}, zap.NewNop())

	require.NoError(t, w.Run(context.Background()))
	require.True(t, conn.fetched)

	// started, total, three records, completed
	require.Eventually(t, func() bool { return len(got.snapshot()) == 6 }, 2*time.Second, 10*time.Millisecond)
	events := got.snapshot()
	require.Equal(t, progress.StatusStarted, events[0].Status)
	last := events[len(events)-1]
	require.Equal(t, progress.StatusCompleted, last.Status)
	require.Equal(t, 3, last.ProcessedItems)
	require.Equal(t, 3, last.TotalItems)
	require.Equal(t, time.Duration(0), last.EstimatedRemaining)
	require.Equal(t, 2*time.Second, events[2].EstimatedRemaining)
}

func TestWorkerRunReportsFetchFailure(t *testing.T) {
	t.Parallel()

	b := memory.New(0)
	defer func() { require.NoError(t, b.Close()) }()
	got := follow(t, b, "progress_host")

	core, logs := observer.New(zap.InfoLevel)
	w := New(&fakeCreator{conn: &fakeConnector{items: 3, failAt: 2}}, b, nil, Config{
		Connector:      "git",
		CallerAddress:  "host",
		ProgressPrefix: "progress",
		Progress:       progress.Config{MaxBatchWait: 10 * time.Millisecond},
	}, zap.New(core))

	err := w.Run(context.Background())
	require.Error(t, err)
	require.Equal(t, ExitFetchFailed, ExitCode(err))
	require.Equal(t, 1, logs.FilterMessage("fetch failed").Len())

	require.Eventually(t, func() bool {
		events := got.snapshot()
		return len(events) > 0 && events[len(events)-1].Status == progress.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)
	events := got.snapshot()
	require.Contains(t, events[len(events)-1].Note, "disk full")
}

func statusCounts(events []progress.Event) map[progress.Status]int {
	counts := map[progress.Status]int{}
	for _, evt := range events {
		if evt.Kind == progress.KindStatus {
			counts[evt.Status]++
		}
	}
	return counts
}

func TestWorkerRunEmitsEachStatusOnce(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.csv"), []byte("a"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(src, "b.csv"), []byte("b"), 0o600))

	tests := []struct {
		name     string
		params   connector.Params
		terminal progress.Status
	}{
		{
			name:     "completed",
			params:   connector.Params{localfolder.ParamPath: src, connector.ParamTargetDirectory: filepath.Join(t.TempDir(), "out")},
			terminal: progress.StatusCompleted,
		},
		{
			name:     "failed",
			params:   connector.Params{localfolder.ParamPath: filepath.Join(src, "missing"), connector.ParamTargetDirectory: t.TempDir()},
			terminal: progress.StatusFailed,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b := memory.New(0)
			defer func() { require.NoError(t, b.Close()) }()
			got := follow(t, b, "datasource_progress_"+tc.name)

			reg := registry.New(registry.Config{}, connectors.Builtins(nil), nil)
			reg.Discover(context.Background())
			params := tc.params.Clone()
			params[connector.ParamClientAddress] = tc.name
			w := New(reg, b, nil, Config{
				Connector: localfolder.Name,
				Params:    params,
				Progress:  progress.Config{MaxBatchWait: 10 * time.Millisecond},
			}, zap.NewNop())
			_ = w.Run(context.Background())

			require.Eventually(t, func() bool {
				return statusCounts(got.snapshot())[tc.terminal] > 0
			}, 2*time.Second, 10*time.Millisecond)
			require.Equal(t, map[progress.Status]int{progress.StatusStarted: 1, tc.terminal: 1}, statusCounts(got.snapshot()))
		})
	}
}

func TestWorkerRunUnknownConnector(t *testing.T) {
	t.Parallel()

	w := New(&fakeCreator{err: registry.ErrNotFound}, nil, nil, Config{Connector: "nope"}, nil)
	err := w.Run(context.Background())
	require.ErrorIs(t, err, registry.ErrNotFound)
	require.Equal(t, ExitUsage, ExitCode(err))
}

func TestWorkerRunWithoutPublisherStillLogs(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	w := New(&fakeCreator{conn: &fakeConnector{items: 1}}, nil, nil, Config{Connector: "webpage"}, zap.New(core))
	require.NoError(t, w.Run(context.Background()))
	require.Positive(t, logs.FilterMessage("progress event").Len())
	require.Equal(t, 1, logs.FilterMessage("fetch completed").Len())
}

func TestExitCode(t *testing.T) {
	t.Parallel()

	require.Equal(t, ExitOK, ExitCode(nil))
	require.Equal(t, ExitUsage, ExitCode(fmt.Errorf("x: %w", registry.ErrInstantiation)))
	require.Equal(t, ExitFetchFailed, ExitCode(errors.New("boom")))
}
