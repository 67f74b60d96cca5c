package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/datasource-broker/internal/config"
	"github.com/JakeFAU/datasource-broker/internal/logging"
	"github.com/JakeFAU/datasource-broker/internal/server"
)

// envKeyType is the key for storing the session in the context.
type envKeyType string

const envKey envKeyType = "session"

// session carries what every subcommand needs once flags are parsed.
type session struct {
	cfg     config.Config
	cfgPath string
	logger  *zap.Logger
}

// exitError asks Execute to exit with a specific status.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "datasource-broker",
		Short: "Launches and supervises data source connectors over a message bus.",
		Long: `datasource-broker is the control plane for data source connectors.
It answers requests on a per-host command channel, launches one worker
process per fetch, relays progress back to the caller and optionally
bridges a local realtime event socket onto the bus.`,
		SilenceUsage: true,

		// Load configuration and the logger before the subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cfgFile == "" {
				cfgFile = os.Getenv(server.ConfigEnv)
			}
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging)
			if err != nil {
				return fmt.Errorf("build logger: %w", err)
			}
			zap.ReplaceGlobals(logger)
			ctx := context.WithValue(cmd.Context(), envKey, &session{cfg: cfg, cfgPath: cfgFile, logger: logger})
			cmd.SetContext(ctx)
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if rt, ok := cmd.Context().Value(envKey).(*session); ok && rt != nil {
				_ = rt.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $"+server.ConfigEnv+")")

	cmd.AddCommand(
		newServeCmd(),
		newLaunchCmd(),
		newCallCmd(),
		newDiscoverCmd(),
		newConnectorsCmd(),
	)
	return cmd
}

func resolveSession(ctx context.Context) (*session, error) {
	rt, ok := ctx.Value(envKey).(*session)
	if !ok || rt == nil {
		return nil, errors.New("session not initialised")
	}
	return rt, nil
}

// Execute is the main entry point.
func Execute() {
	err := newRootCmd().ExecuteContext(context.Background())
	if err == nil {
		return
	}
	var exit *exitError
	if errors.As(err, &exit) {
		os.Exit(exit.code)
	}
	zap.L().Error("command execution failed", zap.Error(err))
	os.Exit(1)
}
