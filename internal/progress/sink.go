package progress

import "context"

// Sink consumes batches of progress events. Implementations must be safe for
// repeated calls, honor ctx deadlines, and may be invoked concurrently.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Observer receives individual events; Hub satisfies this interface so
// trackers stay agnostic about how events are buffered or delivered.
type Observer interface {
	Emit(evt Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Event)

// Emit calls f(evt).
func (f ObserverFunc) Emit(evt Event) {
	f(evt)
}
