package main

import (
	"github.com/spf13/cobra"

	"github.com/crusader-net/crusader/internal/core"
)

func newPlotCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "plot",
		Short:  "Render a saved result to an image (not part of the core engine)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return core.ErrNotImplemented
		},
	}
}
