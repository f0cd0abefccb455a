package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rudransh-shrivastava/btlink/internal/bridge"
	"github.com/rudransh-shrivastava/btlink/internal/node"
	"github.com/rudransh-shrivastava/btlink/internal/store"
	"github.com/rudransh-shrivastava/btlink/internal/transport"
	"github.com/rudransh-shrivastava/btlink/internal/transport/bluez"
	"github.com/rudransh-shrivastava/btlink/internal/transport/memory"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	backend     string
	journalPath string
	noJournal   bool
	adapter     string
	scanWindow  time.Duration
	simPeers    int
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "runs the btlink daemon",
	Long:  `runs the btlink daemon, which owns the radio and serves the other commands over a unix socket`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := newLogger()
		if err != nil {
			return err
		}

		radio, err := openBackend(log)
		if err != nil {
			return err
		}

		opts := node.Options{Transport: radio, Logger: log}
		if !noJournal {
			path := journalPath
			if path == "" {
				path = "btlink-" + socketIndex + ".sqlite3"
			}
			db, err := store.Open(path)
			if err != nil {
				_ = radio.Close()
				return err
			}
			journal := store.NewJournal(db)
			defer journal.Close()
			opts.Journal = journal
			log.Debugf("Journal at %s, session %s", path, journal.SessionID())
		}

		n, err := node.New(opts)
		if err != nil {
			_ = radio.Close()
			return err
		}
		defer n.Close()

		sock := resolveSocket()
		l, err := bridge.Listen(sock)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
		defer stop()

		log.Infof("Daemon starting with %s backend on %s", backend, sock)
		err = bridge.NewServer(n, log).Serve(ctx, l)
		log.Info("Shutting down daemon...")
		return err
	},
}

func openBackend(log *logrus.Logger) (transport.Transport, error) {
	switch backend {
	case "sim":
		return memory.NewSimulator(simPeers, scanWindow), nil
	case "bluez":
		r, err := bluez.New(bluez.Options{
			Adapter:    adapter,
			ScanWindow: scanWindow,
			Logger:     log,
		})
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unknown backend %q (want bluez or sim)", backend)
	}
}

func init() {
	daemonCmd.Flags().StringVar(&backend, "backend", "bluez", "radio backend: bluez or sim")
	daemonCmd.Flags().StringVar(&journalPath, "journal", "", "session journal database (default btlink-<index>.sqlite3)")
	daemonCmd.Flags().BoolVar(&noJournal, "no-journal", false, "do not record session traffic")
	daemonCmd.Flags().StringVar(&adapter, "adapter", bluez.DefaultAdapter, "bluez adapter name")
	daemonCmd.Flags().DurationVar(&scanWindow, "scan-window", bluez.DefaultScanWindow, "length of one discovery cycle")
	daemonCmd.Flags().IntVar(&simPeers, "sim-peers", 3, "number of simulated peers for the sim backend")
}
