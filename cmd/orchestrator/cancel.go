package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <test-id>",
	Short: "Cancel a pending or running test",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := openAdminRoot(cmd)
		if err != nil {
			return err
		}
		defer root.Stop()

		if err := root.Cancel(context.Background(), args[0]); err != nil {
			return fmt.Errorf("failed to cancel %s: %w", args[0], err)
		}
		fmt.Printf("cancelled %s\n", args[0])
		return nil
	},
}
