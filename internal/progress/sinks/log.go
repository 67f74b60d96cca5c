package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/datasource-broker/internal/progress"
)

// LogSink emits structured logs for every progress event.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("job", evt.Job),
			zap.String("kind", string(evt.Kind)),
			zap.Int("total_items", evt.TotalItems),
			zap.Int("processed_items", evt.ProcessedItems),
			zap.Duration("estimated_remaining", evt.EstimatedRemaining),
		}
		if evt.Status != "" {
			fields = append(fields, zap.String("status", string(evt.Status)))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Info("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
