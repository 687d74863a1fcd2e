package main

import (
	"github.com/spf13/cobra"

	"github.com/crusader-net/crusader/internal/core"
)

func newRemoteCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "remote",
		Short:  "Run the remote-web HTTP/WebSocket front end (not part of the core engine)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return core.ErrNotImplemented
		},
	}
}
