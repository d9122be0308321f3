package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current queue/run status snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := openAdminRoot(cmd)
		if err != nil {
			return err
		}
		defer root.Stop()

		snap, err := root.Status(context.Background())
		if err != nil {
			return err
		}

		fmt.Printf("queued:    %d\n", snap.QueuedCount)
		fmt.Printf("active:    %d\n", snap.ActiveCount)
		fmt.Printf("completed: %d\n", snap.CompletedCount)
		fmt.Printf("failed:    %d\n", snap.FailedCount)
		fmt.Printf("timed out: %d\n", snap.TimedOutCount)
		fmt.Printf("cancelled: %d\n", snap.CancelledCount)
		for testID, s := range snap.PerTestStatus {
			fmt.Printf("  %s: %s\n", testID, s)
		}
		return nil
	},
}
