package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/rudransh-shrivastava/btlink/internal/bridge"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

const scanTick = 100 * time.Millisecond

var scanDuration time.Duration

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "scan for nearby devices",
	Long:  `starts a discovery cycle on the daemon, shows its progress and prints the devices found`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := requestContext()
		defer cancel()
		if err := c.StartDiscovery(ctx); err != nil {
			return err
		}

		waitForScan(c, scanDuration)

		ctx, cancel = requestContext()
		defer cancel()
		_ = c.StopDiscovery(ctx)
		devices, err := c.DiscoveredDevices(ctx)
		if err != nil {
			return err
		}
		printDevices(cmd.OutOrStdout(), devices)
		return nil
	},
}

// waitForScan shows a bar over the scan window until the daemon reports the
// cycle finished or the window runs out.
func waitForScan(c *bridge.Client, window time.Duration) {
	steps := int(window / scanTick)
	bar := progressbar.NewOptions(steps,
		progressbar.OptionSetDescription("Scanning"),
		progressbar.OptionSetWidth(30),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
	defer bar.Finish()

	ctx, cancel := context.WithTimeout(context.Background(), window)
	defer cancel()
	ticker := time.NewTicker(scanTick)
	defer ticker.Stop()

	found := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = bar.Add(1)
		case ev, ok := <-c.Events():
			if !ok {
				return
			}
			switch ev.Name {
			case bridge.EventDeviceFound:
				found++
				bar.Describe(fmt.Sprintf("Scanning (%d found)", found))
			case bridge.EventDiscoveryFinished:
				return
			}
		}
	}
}

func init() {
	scanCmd.Flags().DurationVar(&scanDuration, "duration", 12*time.Second, "how long to wait for the scan")
}
