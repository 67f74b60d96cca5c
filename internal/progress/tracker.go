package progress

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrInvalidTotal is returned when a negative item total is set.
	ErrInvalidTotal = errors.New("total items must be >= 0")
	// ErrExceedsTotal is returned when recording past a known total.
	ErrExceedsTotal = errors.New("processed items would exceed total items")
)

// Clock supplies timestamps; tests inject a fake.
type Clock interface {
	Now() time.Time
}

// State is the counter set every fetch job maintains.
type State struct {
	TotalItems          int
	ProcessedItems      int
	TotalProcessingTime time.Duration
	FetchCompleted      bool
}

// AverageTimePerItem is TotalProcessingTime / ProcessedItems, or 0 before the
// first item completes.
func (s State) AverageTimePerItem() time.Duration {
	if s.ProcessedItems == 0 {
		return 0
	}
	return s.TotalProcessingTime / time.Duration(s.ProcessedItems)
}

// Remaining is the number of items left to process, never negative.
func (s State) Remaining() int {
	if s.TotalItems <= s.ProcessedItems {
		return 0
	}
	return s.TotalItems - s.ProcessedItems
}

// EstimatedRemaining projects the average item time over the remaining items.
func (s State) EstimatedRemaining() time.Duration {
	return time.Duration(s.Remaining()) * s.AverageTimePerItem()
}

// Tracker owns the State of one running job and reports every change to an
// Observer. It is safe for concurrent use.
type Tracker struct {
	mu       sync.Mutex
	job      string
	state    State
	totalSet bool
	observer Observer
	clock    Clock
}

// NewTracker builds a Tracker for job. A nil observer discards events.
func NewTracker(job string, observer Observer, clock Clock) *Tracker {
	if observer == nil {
		observer = ObserverFunc(func(Event) {})
	}
	if clock == nil {
		clock = utcClock{}
	}
	return &Tracker{job: job, observer: observer, clock: clock}
}

// Job returns the job name events are tagged with.
func (t *Tracker) Job() string {
	return t.job
}

// SetTotal declares how many items the job expects to process.
func (t *Tracker) SetTotal(total int) error {
	if total < 0 {
		return fmt.Errorf("set total %d: %w", total, ErrInvalidTotal)
	}
	t.mu.Lock()
	if total < t.state.ProcessedItems {
		t.mu.Unlock()
		return fmt.Errorf("set total %d below processed %d: %w", total, t.state.ProcessedItems, ErrExceedsTotal)
	}
	t.state.TotalItems = total
	t.totalSet = true
	evt := t.eventLocked(KindProgress, "", "")
	t.mu.Unlock()

	t.observer.Emit(evt)
	return nil
}

// Record accounts for one finished unit of work that took elapsed.
func (t *Tracker) Record(elapsed time.Duration) error {
	if elapsed < 0 {
		elapsed = 0
	}
	t.mu.Lock()
	if t.totalSet && t.state.ProcessedItems >= t.state.TotalItems {
		t.mu.Unlock()
		return ErrExceedsTotal
	}
	t.state.TotalProcessingTime += elapsed
	t.state.ProcessedItems++
	evt := t.eventLocked(KindProgress, "", "")
	t.mu.Unlock()

	t.observer.Emit(evt)
	return nil
}

// Track runs fn as one unit of work and records its duration. The unit is
// counted even when fn fails; fn's error is returned unchanged.
func (t *Tracker) Track(fn func() error) error {
	start := t.clock.Now()
	fnErr := fn()
	if err := t.Record(t.clock.Now().Sub(start)); err != nil {
		return errors.Join(fnErr, err)
	}
	return fnErr
}

// Start emits the started status transition.
func (t *Tracker) Start() {
	t.status(StatusStarted, "")
}

// Complete marks the fetch finished and emits the completed status.
func (t *Tracker) Complete() {
	t.mu.Lock()
	t.state.FetchCompleted = true
	t.mu.Unlock()
	t.status(StatusCompleted, "")
}

// Fail emits the failed status with the error text as note.
func (t *Tracker) Fail(err error) {
	note := ""
	if err != nil {
		note = err.Error()
	}
	t.status(StatusFailed, note)
}

// Snapshot returns a copy of the current State.
func (t *Tracker) Snapshot() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Tracker) status(status Status, note string) {
	t.mu.Lock()
	evt := t.eventLocked(KindStatus, status, note)
	t.mu.Unlock()
	t.observer.Emit(evt)
}

func (t *Tracker) eventLocked(kind Kind, status Status, note string) Event {
	return Event{
		Job:                t.job,
		Kind:               kind,
		TS:                 t.clock.Now(),
		TotalItems:         t.state.TotalItems,
		ProcessedItems:     t.state.ProcessedItems,
		EstimatedRemaining: t.state.EstimatedRemaining(),
		Status:             status,
		Note:               note,
	}
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }
