package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/datasource-broker/internal/connectors"
	"github.com/JakeFAU/datasource-broker/internal/registry"
)

// newConnectorsCmd prints the connectors this host can launch.
func newConnectorsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connectors",
		Short: "Lists the connectors discovered on this host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveSession(cmd.Context())
			if err != nil {
				return err
			}
			reg := registry.New(registry.Config{ExternalDir: rt.cfg.Registry.ExternalDir},
				connectors.Builtins(rt.logger.Named("connector")), rt.logger.Named("registry"))
			report := reg.Discover(cmd.Context())

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tORIGIN\tSOURCE")
			for _, d := range reg.Descriptors() {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", d.Name, d.Origin, d.Source)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			for _, skipped := range report.Skipped {
				fmt.Fprintf(cmd.ErrOrStderr(), "skipped: %v\n", skipped)
			}
			return nil
		},
	}
}
