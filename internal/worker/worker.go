// Package worker runs one connector fetch inside a launched process and
// reports its progress.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/datasource-broker/internal/bus"
	"github.com/JakeFAU/datasource-broker/internal/connector"
	"github.com/JakeFAU/datasource-broker/internal/progress"
	"github.com/JakeFAU/datasource-broker/internal/progress/sinks"
	"github.com/JakeFAU/datasource-broker/internal/registry"
)

// Process exit codes.
const (
	ExitOK          = 0
	ExitFetchFailed = 1
	ExitUsage       = 2
)

const defaultCloseTimeout = 10 * time.Second

// Creator instantiates connectors by name.
type Creator interface {
	Create(name string, params connector.Params) (connector.Connector, error)
}

// Config controls Worker behavior.
type Config struct {
	Connector      string
	Params         connector.Params
	CallerAddress  string
	ProgressPrefix string
	Progress       progress.Config
	// CloseTimeout bounds the final progress flush.
	CloseTimeout time.Duration
}

// Worker executes a single fetch.
type Worker struct {
	creator   Creator
	publisher bus.Publisher
	clock     progress.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. publisher may be nil, in which case progress is
// only logged.
func New(creator Creator, publisher bus.Publisher, clock progress.Clock, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = defaultCloseTimeout
	}
	if cfg.CallerAddress == "" {
		cfg.CallerAddress = cfg.Params.String(connector.ParamClientAddress)
	}
	return &Worker{
		creator:   creator,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger.With(zap.String("connector", cfg.Connector)),
	}
}

// Run creates the connector, attaches a tracker and fetches. The returned
// error is nil only when the fetch completed.
func (w *Worker) Run(ctx context.Context) error {
	if w.cfg.Connector == "" {
		return fmt.Errorf("%w: connector name is required", registry.ErrNotFound)
	}
	c, err := w.creator.Create(w.cfg.Connector, w.cfg.Params)
	if err != nil {
		w.logger.Error("connector creation failed", zap.Error(err))
		return fmt.Errorf("create connector %q: %w", w.cfg.Connector, err)
	}

	hub := progress.NewHub(w.progressConfig(), w.sinks()...)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.CloseTimeout)
		defer cancel()
		if err := hub.Close(closeCtx); err != nil {
			w.logger.Warn("progress flush incomplete", zap.Error(err))
		}
	}()

	tracker := progress.NewTracker(w.cfg.Connector, hub, w.clock)
	if aware, ok := c.(connector.TrackerAware); ok {
		aware.SetTracker(tracker)
	}

	tracker.Start()
	w.logger.Info("fetch started")
	if err := c.Fetch(ctx); err != nil {
		tracker.Fail(err)
		w.logger.Error("fetch failed", zap.Error(err))
		return fmt.Errorf("fetch %q: %w", w.cfg.Connector, err)
	}
	tracker.Complete()
	snap := tracker.Snapshot()
	w.logger.Info("fetch completed",
		zap.Int("processed_items", snap.ProcessedItems),
		zap.Duration("processing_time", snap.TotalProcessingTime),
	)
	return nil
}

func (w *Worker) progressConfig() progress.Config {
	cfg := w.cfg.Progress
	if cfg.Logger == nil {
		cfg.Logger = w.logger
	}
	return cfg
}

func (w *Worker) sinks() []progress.Sink {
	out := []progress.Sink{sinks.NewLogSink(w.logger)}
	if w.publisher == nil || w.cfg.CallerAddress == "" {
		return out
	}
	channel := sinks.ProgressChannel(w.cfg.ProgressPrefix, w.cfg.CallerAddress)
	busSink, err := sinks.NewBusSink(w.publisher, channel)
	if err != nil {
		w.logger.Warn("progress bus sink disabled", zap.Error(err))
		return out
	}
	w.logger.Debug("publishing progress", zap.String("channel", channel))
	return append(out, busSink)
}

// ExitCode maps a Run error to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, registry.ErrInstantiation):
		return ExitUsage
	default:
		return ExitFetchFailed
	}
}
