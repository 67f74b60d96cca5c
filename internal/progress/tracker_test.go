package progress

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestTrackerEstimatesRemainingTime walks four two-second units out of ten.
func TestTrackerEstimatesRemainingTime(t *testing.T) {
	t.Parallel()

	rec := &recordingObserver{}
	tracker := NewTracker("gitlab", rec, &fakeClock{now: time.Unix(0, 0)})
	require.NoError(t, tracker.SetTotal(10))
	for i := 0; i < 4; i++ {
		require.NoError(t, tracker.Record(2*time.Second))
	}

	state := tracker.Snapshot()
	require.Equal(t, 4, state.ProcessedItems)
	require.Equal(t, 2*time.Second, state.AverageTimePerItem())
	require.Equal(t, 12*time.Second, state.EstimatedRemaining())

	events := rec.Events()
	require.Len(t, events, 5, "one event for the total and one per unit")
	last := events[len(events)-1]
	require.Equal(t, "gitlab", last.Job)
	require.Equal(t, 10, last.TotalItems)
	require.Equal(t, 4, last.ProcessedItems)
	require.Equal(t, 12*time.Second, last.EstimatedRemaining)
}

// TestStateAverageBeforeFirstItem guards the division by zero.
func TestStateAverageBeforeFirstItem(t *testing.T) {
	t.Parallel()

	var s State
	require.Zero(t, s.AverageTimePerItem())
	require.Zero(t, s.EstimatedRemaining())
}

// TestTrackerBoundsProcessedByTotal keeps processed_items <= total_items.
func TestTrackerBoundsProcessedByTotal(t *testing.T) {
	t.Parallel()

	tracker := NewTracker("svn", nil, nil)
	require.NoError(t, tracker.SetTotal(1))
	require.NoError(t, tracker.Record(time.Millisecond))
	require.ErrorIs(t, tracker.Record(time.Millisecond), ErrExceedsTotal)
	require.Equal(t, 1, tracker.Snapshot().ProcessedItems)

	require.ErrorIs(t, tracker.SetTotal(-1), ErrInvalidTotal)
	require.ErrorIs(t, tracker.SetTotal(0), ErrExceedsTotal)
}

// TestTrackerTrackTimesWork uses the injected clock to time a unit.
func TestTrackerTrackTimesWork(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(100, 0)}
	tracker := NewTracker("youtube", nil, clock)
	boom := errors.New("boom")

	err := tracker.Track(func() error {
		clock.Advance(3 * time.Second)
		return boom
	})
	require.ErrorIs(t, err, boom)

	state := tracker.Snapshot()
	require.Equal(t, 1, state.ProcessedItems)
	require.Equal(t, 3*time.Second, state.TotalProcessingTime)
}

// TestTrackerStatusTransitions checks coarse status events.
func TestTrackerStatusTransitions(t *testing.T) {
	t.Parallel()

	rec := &recordingObserver{}
	tracker := NewTracker("perforce", rec, &fakeClock{now: time.Unix(0, 0)})
	tracker.Start()
	tracker.Fail(errors.New("auth rejected"))
	tracker.Complete()

	events := rec.Events()
	require.Len(t, events, 3)
	require.Equal(t, StatusStarted, events[0].Status)
	require.Equal(t, StatusFailed, events[1].Status)
	require.Equal(t, "auth rejected", events[1].Note)
	require.Equal(t, StatusCompleted, events[2].Status)
	require.True(t, tracker.Snapshot().FetchCompleted)
}

// TestEventMarshalJSON reports the remaining time in seconds.
func TestEventMarshalJSON(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(Event{
		Job:                "gitea",
		Kind:               KindProgress,
		TS:                 time.Unix(0, 0),
		TotalItems:         10,
		ProcessedItems:     4,
		EstimatedRemaining: 12 * time.Second,
	})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, "gitea", decoded["job"])
	require.InDelta(t, 12.0, decoded["estimated_remaining_time"], 1e-9)
	require.InDelta(t, 4.0, decoded["processed_items"], 1e-9)

	var back Event
	require.NoError(t, json.Unmarshal(data, &back))
	require.Equal(t, 12*time.Second, back.EstimatedRemaining)
	require.Equal(t, 4, back.ProcessedItems)
	require.True(t, back.TS.Equal(time.Unix(0, 0)))
	require.NoError(t, back.Validate())
}

type recordingObserver struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingObserver) Emit(evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingObserver) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
