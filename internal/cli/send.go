package cli

import (
	"github.com/spf13/cobra"
)

var sendCmd = &cobra.Command{
	Use:   "send address message",
	Short: "send one message to a connected device",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := requestContext()
		defer cancel()
		return c.Send(ctx, args[0], []byte(args[1]))
	},
}

var disconnectCmd = &cobra.Command{
	Use:   "disconnect address",
	Short: "close the session with a device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := requestContext()
		defer cancel()
		return c.Disconnect(ctx, args[0])
	},
}
