package cli

import (
	"github.com/spf13/cobra"
)

var pairedOnly bool

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "list known devices",
	Long:  `lists the devices found by the last scan, or with --paired the devices the adapter is bonded with`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := requestContext()
		defer cancel()

		list := c.DiscoveredDevices
		if pairedOnly {
			list = c.PairedDevices
		}
		devices, err := list(ctx)
		if err != nil {
			return err
		}
		printDevices(cmd.OutOrStdout(), devices)
		return nil
	},
}

func init() {
	devicesCmd.Flags().BoolVar(&pairedOnly, "paired", false, "list paired devices instead")
}
