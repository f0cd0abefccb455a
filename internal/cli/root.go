package cli

import (
	"fmt"
	"os"

	"github.com/rudransh-shrivastava/btlink/internal/logger"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const socketEnv = "BTLINK_SOCKET"

var (
	socketIndex string
	socketPath  string
	logLevel    string
)

var rootCmd = &cobra.Command{
	Use:           `btlink`,
	Short:         "short-range radio peer discovery and messaging",
	Long:          `btlink discovers nearby Bluetooth peers and exchanges messages with them over RFCOMM streams. A daemon owns the radio; the other commands talk to it over a unix socket.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketIndex, "index", "0", "daemon instance index, used to derive the socket path")
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "", "daemon socket path (overrides --index and $"+socketEnv+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(disconnectCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
}

// BuildSocketPath derives the daemon socket for an instance index.
func BuildSocketPath(index string) string {
	return fmt.Sprintf("/tmp/btlink-daemon-%s.sock", index)
}

// resolveSocket picks the --socket flag, then $BTLINK_SOCKET, then the
// index-derived path.
func resolveSocket() string {
	if socketPath != "" {
		return socketPath
	}
	if env := os.Getenv(socketEnv); env != "" {
		return env
	}
	return BuildSocketPath(socketIndex)
}

func newLogger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level: %w", err)
	}
	return logger.New(os.Stdout, level), nil
}
