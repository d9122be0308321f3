package main

import (
	"context"
	"fmt"

	"github.com/fenwicklabs/testkiln/pkg/orchestrator"
	"github.com/fenwicklabs/testkiln/pkg/runnerregistry"
	"github.com/spf13/cobra"
)

// openAdminRoot constructs a Root against the configured persistence
// directory for a one-shot administrative command (submit/status/
// cancel/result). BoltDB allows only one writer per data directory, so
// these subcommands cannot run concurrently against a `serve` process
// on the same data directory; they're meant for offline inspection, or
// for callers that embed this package directly and hold the Root open
// themselves rather than shelling out to the CLI.
func openAdminRoot(cmd *cobra.Command) (*orchestrator.Root, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return orchestrator.New(cfg, func(*runnerregistry.Registry) {})
}

var submitCmd = &cobra.Command{
	Use:   "submit <manifest.yaml>",
	Short: "Submit an execution plan manifest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		plan, err := loadManifest(args[0])
		if err != nil {
			return err
		}

		root, err := openAdminRoot(cmd)
		if err != nil {
			return err
		}
		defer root.Stop()

		if err := root.SubmitPlan(context.Background(), plan); err != nil {
			return fmt.Errorf("failed to submit plan: %w", err)
		}

		fmt.Printf("submitted plan %s with %d test(s)\n", plan.ID, len(plan.TestIDs))
		return nil
	},
}
