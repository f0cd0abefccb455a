package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/rudransh-shrivastava/btlink/internal/bridge"
)

const requestTimeout = 30 * time.Second

func dial() (*bridge.Client, error) {
	log, err := newLogger()
	if err != nil {
		return nil, err
	}
	return bridge.Dial(resolveSocket(), log)
}

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestTimeout)
}

func printDevices(w io.Writer, devices []bridge.Device) {
	if len(devices) == 0 {
		fmt.Fprintln(w, "no devices")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tNAME\tTYPE\tBOND\tRSSI")
	for _, d := range devices {
		rssi := "-"
		if d.RSSI != nil {
			rssi = fmt.Sprintf("%d", *d.RSSI)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", d.Address, d.Name, d.Type, d.BondState, rssi)
	}
	_ = tw.Flush()
}
