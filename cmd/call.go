package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/datasource-broker/internal/broker"
	"github.com/JakeFAU/datasource-broker/internal/client"
	"github.com/JakeFAU/datasource-broker/internal/id/uuid"
	"github.com/JakeFAU/datasource-broker/internal/server"
)

type callOptions struct {
	address string
	channel string
	timeout time.Duration
}

// newCallCmd sends one request to a broker and prints the result.
func newCallCmd() *cobra.Command {
	opts := &callOptions{}
	cmd := &cobra.Command{
		Use:   "call METHOD [PARAMS_JSON]",
		Short: "Sends a request to a broker and prints the result",
		Example: `  datasource-broker call get_data_source_names
  datasource-broker call start_data_source '{"datasource":"webpage","params":{"url":"https://example.com"}}'`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCallCommand(cmd, opts, args)
		},
	}
	cmd.Flags().StringVar(&opts.address, "address", "", "broker address (default is this host)")
	cmd.Flags().StringVar(&opts.channel, "channel", "", "command channel, overrides --address")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "how long to wait for the response")
	return cmd
}

func runCallCommand(cmd *cobra.Command, opts *callOptions, args []string) error {
	rt, err := resolveSession(cmd.Context())
	if err != nil {
		return err
	}
	var params any
	if len(args) == 2 {
		if !json.Valid([]byte(args[1])) {
			return fmt.Errorf("params must be valid JSON")
		}
		params = json.RawMessage(args[1])
	}

	channel := opts.channel
	if channel == "" {
		address := opts.address
		if address == "" {
			address = broker.LocalAddress()
		}
		channel = broker.CommandChannel(rt.cfg.Broker.ChannelPrefix, address)
	}

	b, err := server.NewBus(cmd.Context(), rt.cfg.Bus, rt.logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := b.Close(); cerr != nil {
			rt.logger.Warn("bus close failed", zap.Error(cerr))
		}
	}()

	c := client.New(b, uuid.New(), client.Config{CommandChannel: channel, Timeout: opts.timeout}, rt.logger.Named("client"))
	result, err := c.Call(cmd.Context(), args[0], params)
	if err != nil {
		return fmt.Errorf("%s on %s: %w", args[0], channel, err)
	}
	return printJSON(cmd, result)
}

type discoverOptions struct {
	wait time.Duration
}

// newDiscoverCmd listens for broker beacons.
func newDiscoverCmd() *cobra.Command {
	opts := &discoverOptions{}
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Lists brokers announcing themselves on the discovery channel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveSession(cmd.Context())
			if err != nil {
				return err
			}
			b, err := server.NewBus(cmd.Context(), rt.cfg.Bus, rt.logger)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := b.Close(); cerr != nil {
					rt.logger.Warn("bus close failed", zap.Error(cerr))
				}
			}()
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.wait)
			defer cancel()
			beacons, err := client.Discover(ctx, b, rt.cfg.Broker.DiscoveryChannel, rt.logger.Named("client"))
			if err != nil {
				return err
			}
			raw, err := json.Marshal(beacons)
			if err != nil {
				return fmt.Errorf("encode beacons: %w", err)
			}
			return printJSON(cmd, raw)
		},
	}
	cmd.Flags().DurationVar(&opts.wait, "wait", 6*time.Second, "how long to listen for beacons")
	return cmd
}

func printJSON(cmd *cobra.Command, raw []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		buf.Reset()
		buf.Write(raw)
	}
	buf.WriteByte('\n')
	_, err := cmd.OutOrStdout().Write(buf.Bytes())
	return err
}
