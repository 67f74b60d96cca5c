package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/datasource-broker/internal/clock/system"
	"github.com/JakeFAU/datasource-broker/internal/connector"
	"github.com/JakeFAU/datasource-broker/internal/connectors"
	"github.com/JakeFAU/datasource-broker/internal/progress"
	"github.com/JakeFAU/datasource-broker/internal/registry"
	"github.com/JakeFAU/datasource-broker/internal/server"
	"github.com/JakeFAU/datasource-broker/internal/worker"
)

type launchOptions struct {
	connector     string
	params        string
	callerAddress string
}

// newLaunchCmd is the worker entrypoint the orchestrator spawns for every job.
func newLaunchCmd() *cobra.Command {
	opts := &launchOptions{}
	cmd := &cobra.Command{
		Use:   "launch",
		Short: "Runs one connector fetch and reports progress to the caller",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLaunchCommand(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.connector, "connector", "", "connector name")
	cmd.Flags().StringVar(&opts.params, "params", "{}", "connector parameters as a JSON object")
	cmd.Flags().StringVar(&opts.callerAddress, "caller-address", "", "address progress is reported to")
	_ = cmd.MarkFlagRequired("connector")
	return cmd
}

func runLaunchCommand(cmd *cobra.Command, opts *launchOptions) error {
	// The orchestrator stops workers with SIGTERM; cancelling ctx also kills
	// any command an external connector is running.
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := resolveSession(ctx)
	if err != nil {
		return err
	}
	logger := rt.logger.Named("worker")

	var params connector.Params
	if err := json.Unmarshal([]byte(opts.params), &params); err != nil {
		return &exitError{code: worker.ExitUsage, err: fmt.Errorf("decode --params: %w", err)}
	}
	params = rt.cfg.ConnectorDefaults(opts.connector, params)

	reg := registry.New(registry.Config{ExternalDir: rt.cfg.Registry.ExternalDir},
		connectors.Builtins(logger.Named("connector")), logger.Named("registry"))
	reg.Discover(ctx)

	b, err := server.NewBus(ctx, rt.cfg.Bus, logger)
	if err != nil {
		return &exitError{code: worker.ExitFetchFailed, err: err}
	}
	defer func() {
		if cerr := b.Close(); cerr != nil {
			logger.Warn("bus close failed", zap.Error(cerr))
		}
	}()

	w := worker.New(reg, b, system.New(), worker.Config{
		Connector:      opts.connector,
		Params:         params,
		CallerAddress:  opts.callerAddress,
		ProgressPrefix: rt.cfg.Progress.ChannelPrefix,
		Progress: progress.Config{
			BufferSize:     rt.cfg.Progress.BufferSize,
			MaxBatchEvents: rt.cfg.Progress.MaxBatchEvents,
			MaxBatchWait:   rt.cfg.Progress.MaxBatchWait,
			SinkTimeout:    rt.cfg.Progress.SinkTimeout,
		},
	}, logger)
	if err := w.Run(ctx); err != nil {
		return &exitError{code: worker.ExitCode(err), err: err}
	}
	return nil
}
