package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/crusader-net/crusader/internal/history"
)

func newHistoryCmd() *cobra.Command {
	var clear bool

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show or clear the local run history",
		RunE: func(cmd *cobra.Command, args []string) error {
			if clear {
				if err := history.Clear(); err != nil {
					return fmt.Errorf("clearing history: %w", err)
				}
				fmt.Println("history cleared")
				return nil
			}
			entries, err := history.Load()
			if err != nil {
				return fmt.Errorf("loading history: %w", err)
			}
			history.Print(entries)
			return nil
		},
	}
	cmd.Flags().BoolVar(&clear, "clear", false, "delete all recorded history")
	return cmd
}
