package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/rudransh-shrivastava/btlink/internal/bridge"
	"github.com/spf13/cobra"
)

var connectCmd = &cobra.Command{
	Use:   "connect address",
	Short: "open a chat session with a device",
	Long:  `connects to a device and sends every line read from stdin; messages from the device are printed as they arrive`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := args[0]
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := requestContext()
		info, err := c.Connect(ctx, addr)
		cancel()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Connected to %s via %s (session %s)\n", info.Address, info.Strategy, info.ID)

		lost := make(chan string, 1)
		go printIncoming(out, c, addr, lost)

		lines := make(chan string)
		go readLines(os.Stdin, lines)

		for {
			select {
			case reason := <-lost:
				fmt.Fprintf(out, "Connection lost: %s\n", reason)
				return nil
			case line, ok := <-lines:
				if !ok {
					ctx, cancel := requestContext()
					defer cancel()
					return c.Disconnect(ctx, addr)
				}
				ctx, cancel := requestContext()
				err := c.Send(ctx, addr, []byte(line))
				cancel()
				if err != nil {
					fmt.Fprintf(out, "Send failed: %v\n", err)
				}
			}
		}
	},
}

func printIncoming(w io.Writer, c *bridge.Client, addr string, lost chan<- string) {
	for ev := range c.Events() {
		if ev.Address() != addr {
			continue
		}
		switch ev.Name {
		case bridge.EventMessageReceived:
			payload, err := ev.Payload()
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "< %s\n", payload)
		case bridge.EventConnectionLost:
			msg, _ := ev.Data["message"].(string)
			lost <- msg
			return
		}
	}
	lost <- "daemon connection closed"
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		out <- sc.Text()
	}
}
