package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history address",
	Short: "print the journal for a device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := requestContext()
		defer cancel()
		entries, err := c.History(ctx, args[0], historyLimit)
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TIME\tKIND\tDATA")
		for _, e := range entries {
			data := string(e.Message)
			if data == "" {
				data = e.Detail
			}
			fmt.Fprintf(tw, "%s\t%s\t%q\n", e.CreatedAt.Local().Format(time.DateTime), e.Kind, data)
		}
		return tw.Flush()
	},
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "number of entries to show")
}
