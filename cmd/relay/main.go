// Command relay runs the cross-tab broadcast relay: a WebSocket and QUIC
// fan-out hub that forwards change hints between peers in the same session.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cartsync/cartsync/internal/core/observability/log"
	"github.com/cartsync/cartsync/internal/relay"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "cartsync-relay",
		Short:         "Broadcast relay for cartsync peers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var configPath string
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			level := log.LevelInfo
			if debug {
				level = log.LevelDebug
			}
			logger := log.New(level)

			cfg, err := relay.LoadConfig(configPath)
			if err != nil {
				return err
			}

			srv, err := relay.NewServer(cfg, logger)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(),
				os.Interrupt, syscall.SIGTERM)
			defer cancel()

			logger.Info("relay starting",
				log.String("ws_addr", cfg.WSAddr),
				log.String("quic_addr", cfg.QUICAddr))
			return srv.Run(ctx)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to relay config file")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the relay version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}
