package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind separates per-item progress from coarse status transitions.
type Kind string

// Supported event kinds.
const (
	KindProgress Kind = "progress"
	KindStatus   Kind = "status"
)

// Status is a coarse job state carried by KindStatus events.
type Status string

// Supported job statuses.
const (
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Event is one observation emitted by a Tracker.
type Event struct {
	// Job names the connector run that produced the event.
	Job string
	// Kind tells progress ticks apart from status transitions.
	Kind Kind
	// TS is the UTC timestamp recorded by the tracker clock.
	TS time.Time
	// TotalItems and ProcessedItems mirror the tracker counters at emit time.
	TotalItems     int
	ProcessedItems int
	// EstimatedRemaining is (total - processed) * average time per item.
	EstimatedRemaining time.Duration
	// Status is set on KindStatus events.
	Status Status
	// Note carries low-volume context such as an error message.
	Note string
}

type wireEvent struct {
	Job                string  `json:"job"`
	Kind               Kind    `json:"kind"`
	TS                 string  `json:"ts"`
	TotalItems         int     `json:"total_items"`
	ProcessedItems     int     `json:"processed_items"`
	EstimatedRemaining float64 `json:"estimated_remaining_time"`
	Status             Status  `json:"status,omitempty"`
	Note               string  `json:"note,omitempty"`
}

// MarshalJSON encodes the event with the remaining time in seconds.
func (e Event) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(wireEvent{
		Job:                e.Job,
		Kind:               e.Kind,
		TS:                 e.TS.UTC().Format(time.RFC3339Nano),
		TotalItems:         e.TotalItems,
		ProcessedItems:     e.ProcessedItems,
		EstimatedRemaining: e.EstimatedRemaining.Seconds(),
		Status:             e.Status,
		Note:               e.Note,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal progress event: %w", err)
	}
	return data, nil
}

// UnmarshalJSON decodes the wire form written by MarshalJSON.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("unmarshal progress event: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, w.TS)
	if err != nil {
		return fmt.Errorf("parse progress event ts %q: %w", w.TS, err)
	}
	*e = Event{
		Job:                w.Job,
		Kind:               w.Kind,
		TS:                 ts.UTC(),
		TotalItems:         w.TotalItems,
		ProcessedItems:     w.ProcessedItems,
		EstimatedRemaining: time.Duration(w.EstimatedRemaining * float64(time.Second)),
		Status:             w.Status,
		Note:               w.Note,
	}
	return nil
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.Job == "" {
		return errors.New("job name is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindProgress:
	case KindStatus:
		if e.Status == "" {
			return errors.New("status event requires status")
		}
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if e.TotalItems < 0 || e.ProcessedItems < 0 {
		return errors.New("item counters must be >= 0")
	}
	if e.EstimatedRemaining < 0 {
		return errors.New("estimated remaining must be >= 0")
	}
	return nil
}
