// Package server wires the control plane together and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/datasource-broker/internal/api"
	"github.com/JakeFAU/datasource-broker/internal/bridge"
	"github.com/JakeFAU/datasource-broker/internal/broker"
	"github.com/JakeFAU/datasource-broker/internal/bus"
	"github.com/JakeFAU/datasource-broker/internal/bus/memory"
	gcppubsub "github.com/JakeFAU/datasource-broker/internal/bus/pubsub"
	"github.com/JakeFAU/datasource-broker/internal/clock/system"
	"github.com/JakeFAU/datasource-broker/internal/config"
	"github.com/JakeFAU/datasource-broker/internal/connectors"
	"github.com/JakeFAU/datasource-broker/internal/metrics"
	"github.com/JakeFAU/datasource-broker/internal/orchestrator"
	"github.com/JakeFAU/datasource-broker/internal/progress"
	progresssinks "github.com/JakeFAU/datasource-broker/internal/progress/sinks"
	"github.com/JakeFAU/datasource-broker/internal/registry"
)

// ConfigEnv carries the config file path to launched workers.
const ConfigEnv = "DATASOURCE_CONFIG"

// Options tune Build beyond what the config file carries.
type Options struct {
	// ConfigPath is forwarded to workers through ConfigEnv.
	ConfigPath string
	// Bus replaces the configured transport; Close does not close it.
	Bus bus.Bus
	// Registerer receives progress metrics. Defaults to prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
}

// App contains the control plane's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	bus       bus.Bus
	ownsBus   bool
	registry  *registry.Registry
	jobs      *orchestrator.Orchestrator
	broker    *broker.Broker
	bridge    *bridge.Bridge
	monitor   *progress.Hub
	apiServer *api.Server
}

// Build constructs every component from cfg. Nothing is started until Run.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	a := &App{cfg: cfg, logger: logger}

	if err := a.setupBus(ctx, opts.Bus); err != nil {
		return nil, err
	}
	a.setupRegistry(ctx)
	a.setupBroker(opts.ConfigPath)
	if err := a.setupMonitor(opts.Registerer); err != nil {
		a.closeInfrastructure(ctx)
		return nil, err
	}
	if err := a.setupBridge(); err != nil {
		a.closeInfrastructure(ctx)
		return nil, err
	}
	a.apiServer = api.NewServer(a.registry, a.jobs, a.ready, logger.Named("api"))

	logger.Info("application built",
		zap.String("bus_driver", cfg.Bus.Driver),
		zap.String("address", a.broker.Address()),
		zap.String("command_channel", a.broker.CommandChannel()),
		zap.Strings("connectors", a.registry.Names()),
		zap.Bool("bridge_enabled", cfg.Bridge.Enabled),
	)
	return a, nil
}

// Broker exposes the configured broker.
func (a *App) Broker() *broker.Broker {
	return a.broker
}

// Handler returns the admin HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run serves until ctx is cancelled or SIGINT/SIGTERM arrives, then shuts
// everything down.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.broker.Run(gctx)
	})
	if a.cfg.Registry.Watch && a.cfg.Registry.ExternalDir != "" {
		g.Go(func() error {
			if err := a.registry.Watch(gctx); err != nil {
				a.logger.Warn("connector watch stopped", zap.Error(err))
			}
			return nil
		})
	}
	if a.monitor != nil {
		channel := progresssinks.ProgressChannel(a.cfg.Progress.ChannelPrefix, a.broker.Address())
		g.Go(func() error {
			return progresssinks.Follow(gctx, a.bus, channel, a.monitor, a.logger.Named("monitor"))
		})
	}

	var srv *http.Server
	if a.cfg.Server.Enabled {
		srv = &http.Server{
			Addr:              a.cfg.Server.Addr,
			Handler:           a.apiServer.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			a.logger.Info("http server started", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), a.cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.logger.Error("server shutdown error", zap.Error(err))
			}
			return nil
		})
	}

	runErr := g.Wait()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := a.Close(shutdownCtx); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

// Close stops workers and releases infrastructure.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.jobs != nil {
		if err := a.jobs.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop jobs: %w", err))
		}
	}
	a.closeInfrastructure(ctx)
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.bridge != nil {
		if err := a.bridge.Stop(ctx); err != nil {
			a.logger.Warn("bridge stop failed", zap.Error(err))
		}
	}
	if a.monitor != nil {
		if err := a.monitor.Close(ctx); err != nil {
			a.logger.Warn("progress monitor close failed", zap.Error(err))
		}
	}
	if a.bus != nil && a.ownsBus {
		if err := a.bus.Close(); err != nil {
			a.logger.Warn("bus close failed", zap.Error(err))
		}
	}
}

func (a *App) ready(context.Context) error {
	if !a.broker.Listening() {
		return errors.New("broker is not listening")
	}
	if a.bridge != nil && a.bridge.State() != bridge.StateServing {
		return fmt.Errorf("bridge is %s", a.bridge.State())
	}
	return nil
}

func (a *App) setupBus(ctx context.Context, override bus.Bus) error {
	if override != nil {
		a.bus = override
		return nil
	}
	b, err := NewBus(ctx, a.cfg.Bus, a.logger)
	if err != nil {
		return err
	}
	if a.cfg.Bus.Driver != config.BusPubSub {
		a.logger.Warn("memory bus only reaches this process; workers and external callers need the pubsub driver or its emulator",
			zap.String("bus_driver", a.cfg.Bus.Driver))
	}
	a.bus = b
	a.ownsBus = true
	return nil
}

// NewBus opens the transport selected by cfg.Driver.
func NewBus(ctx context.Context, cfg config.BusConfig, logger *zap.Logger) (bus.Bus, error) {
	if cfg.Driver != config.BusPubSub {
		return memory.New(cfg.MemoryBuffer), nil
	}
	b, err := gcppubsub.New(ctx, gcppubsub.Config{
		ProjectID:          cfg.ProjectID,
		SubscriptionPrefix: cfg.SubscriptionPrefix,
		AckDeadline:        cfg.AckDeadline,
		SubscriptionTTL:    cfg.SubscriptionTTL,
	}, logger.Named("pubsub"))
	if err != nil {
		return nil, fmt.Errorf("create pubsub bus: %w", err)
	}
	return b, nil
}

func (a *App) setupRegistry(ctx context.Context) {
	a.registry = registry.New(registry.Config{
		ExternalDir: a.cfg.Registry.ExternalDir,
		Debounce:    a.cfg.Registry.Debounce,
	}, connectors.Builtins(a.logger.Named("connector")), a.logger.Named("registry"))
	report := a.registry.Discover(ctx)
	a.logger.Info("connectors discovered",
		zap.Strings("names", report.Names),
		zap.Int("skipped", len(report.Skipped)),
	)
}

func (a *App) setupBroker(configPath string) {
	a.broker = broker.New(broker.Config{
		Address:          a.cfg.Broker.Address,
		CommandChannel:   a.cfg.Broker.CommandChannel,
		ChannelPrefix:    a.cfg.Broker.ChannelPrefix,
		DiscoveryChannel: a.cfg.Broker.DiscoveryChannel,
		BeaconInterval:   a.cfg.Broker.BeaconInterval,
		MaxInFlight:      a.cfg.Broker.MaxInFlight,
		RequestTimeout:   a.cfg.Broker.RequestTimeout,
	}, a.bus, system.New(), a.logger.Named("broker"))

	a.jobs = orchestrator.New(orchestrator.Config{
		Launcher:      a.cfg.Orchestrator.Launcher,
		LauncherArgs:  a.cfg.Orchestrator.LauncherArgs,
		DataRoot:      a.cfg.Orchestrator.DataRoot,
		CallerAddress: a.broker.Address(),
		WorkDir:       a.cfg.Orchestrator.WorkDir,
		StopGrace:     a.cfg.Orchestrator.StopGrace,
		Env:           workerEnv(a.cfg.Orchestrator.Env, configPath),
	}, a.registry, a.logger.Named("orchestrator"))

	a.broker.RegisterDefaults(a.registry, a.jobs)
}

// workerEnv appends the absolute config path so workers load the same
// connector defaults as the control plane.
func workerEnv(base []string, configPath string) []string {
	env := append([]string(nil), base...)
	if configPath == "" {
		return env
	}
	if abs, err := filepath.Abs(configPath); err == nil {
		configPath = abs
	}
	return append(env, ConfigEnv+"="+configPath)
}

func (a *App) setupMonitor(reg prometheus.Registerer) error {
	if !a.cfg.Progress.Monitor {
		return nil
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	sink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return fmt.Errorf("progress prometheus sink: %w", err)
	}
	a.monitor = progress.NewHub(progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   a.cfg.Progress.MaxBatchWait,
		SinkTimeout:    a.cfg.Progress.SinkTimeout,
		Logger:         a.logger.Named("monitor"),
	}, sink)
	return nil
}

func (a *App) setupBridge() error {
	if !a.cfg.Bridge.Enabled {
		return nil
	}
	a.bridge = bridge.New(bridge.Config{
		Address:          a.cfg.Bridge.Address,
		IdleTimeout:      a.cfg.Bridge.IdleTimeout,
		MaxLineBytes:     a.cfg.Bridge.MaxLineBytes,
		PlaceholderDelay: a.cfg.Bridge.PlaceholderDelay,
	}, a.logger.Named("bridge"))
	channel := a.cfg.Bridge.ForwardChannel
	if channel == "" {
		channel = bridge.DefaultForwardChannel
	}
	if _, err := a.bridge.Subscribe(bridge.NewBusForwarder(a.bus, channel, a.logger.Named("bridge"))); err != nil {
		return fmt.Errorf("start bridge: %w", err)
	}
	return nil
}
