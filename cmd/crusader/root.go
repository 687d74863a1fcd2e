package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/crusader-net/crusader/internal/config"
	"github.com/crusader-net/crusader/internal/logging"
	"github.com/crusader-net/crusader/internal/metrics"
)

var (
	logLevel    string
	logFormat   string
	metricsAddr string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "crusader",
		Short:         "Concurrent TCP throughput and UDP latency measurement tool",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			var level slog.Level
			if err := level.UnmarshalText([]byte(logLevel)); err != nil {
				level = slog.LevelInfo
			}
			logging.Set(logging.New(logFormat, level, os.Stderr))
			if metricsAddr != "" {
				metrics.StartHTTP(metricsAddr)
			}
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", slog.LevelInfo.String(), "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	root.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve prometheus /metrics on, empty disables")

	cfg, err := config.Load()
	if err != nil {
		cfg = &config.Config{}
	}

	root.AddCommand(newServeCmd(cfg))
	root.AddCommand(newTestCmd(cfg))
	root.AddCommand(newHistoryCmd())
	root.AddCommand(newRemoteCmd())
	root.AddCommand(newPlotCmd())
	return root
}
