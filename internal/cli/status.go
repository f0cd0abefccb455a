package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "show adapter state and open sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := requestContext()
		defer cancel()

		enabled, err := c.IsEnabled(ctx)
		if err != nil {
			return err
		}
		authorized, err := c.IsAuthorized(ctx)
		if err != nil {
			return err
		}
		conns, err := c.Connections(ctx)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "adapter enabled: %t\nauthorized:      %t\n", enabled, authorized)
		if len(conns) == 0 {
			fmt.Fprintln(out, "no open sessions")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ADDRESS\tSTRATEGY\tOPENED\tSESSION")
		for _, s := range conns {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.Address, s.Strategy, s.OpenedAt.Local().Format(time.TimeOnly), s.ID)
		}
		return tw.Flush()
	},
}
