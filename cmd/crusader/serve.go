package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/crusader-net/crusader/internal/config"
	"github.com/crusader-net/crusader/internal/core"
	"github.com/crusader-net/crusader/internal/logging"
)

func newServeCmd(cfg *config.Config) *cobra.Command {
	var port uint16
	var discover bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a Crusader measurement server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			logging.L().Info("starting server", "port", port, "discovery", discover)
			return core.Serve(ctx, port, core.ServeOptions{EnableDiscovery: discover})
		},
	}
	defaultPort := cfg.DefaultPort
	if defaultPort == 0 {
		defaultPort = 7575
	}
	cmd.Flags().Uint16Var(&port, "port", defaultPort, "TCP/UDP port to listen on")
	cmd.Flags().BoolVar(&discover, "discovery", true, "answer broadcast and mDNS discovery probes")
	return cmd
}
