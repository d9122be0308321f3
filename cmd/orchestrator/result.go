package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var resultCmd = &cobra.Command{
	Use:   "result <test-id>",
	Short: "Print a test's terminal result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := openAdminRoot(cmd)
		if err != nil {
			return err
		}
		defer root.Stop()

		// Resolves the test's final attempt: whichever retry the
		// scheduler last converged on, not necessarily attempt 1.
		result, err := root.GetResult(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("failed to fetch result for %s: %w", args[0], err)
		}

		fmt.Printf("test:      %s (attempt %d)\n", result.TestID, result.Attempt)
		fmt.Printf("status:    %s\n", result.Status)
		fmt.Printf("exit code: %d\n", result.ExitCode)
		if result.FailureClass != "" {
			fmt.Printf("failure:   %s\n", result.FailureClass)
		}
		fmt.Printf("env:       %s\n", result.EnvID)
		fmt.Printf("duration:  %s\n", result.EndedAt.Sub(result.StartedAt))
		for _, a := range result.Artifacts {
			fmt.Printf("  artifact: %s -> %s\n", a.Name, a.URI)
		}
		return nil
	},
}
