package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fenwicklabs/testkiln/pkg/config"
	"github.com/fenwicklabs/testkiln/pkg/log"
	"github.com/fenwicklabs/testkiln/pkg/orchestrator"
	"github.com/fenwicklabs/testkiln/pkg/runner"
	"github.com/fenwicklabs/testkiln/pkg/runnerregistry"
	"github.com/fenwicklabs/testkiln/pkg/types"
	"github.com/spf13/cobra"
)

var (
	// Version information, set via -ldflags at build time.
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "orchestrator",
	Short:   "Test execution orchestrator",
	Long:    "Dispatches submitted test cases across a pool of isolated execution environments, tracking their status to completion.",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("orchestrator version %s (%s)\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Path to config YAML (defaults built in if omitted)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(resultCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator process",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		containerdSocket, _ := cmd.Flags().GetString("containerd-socket")
		containerImage, _ := cmd.Flags().GetString("container-image")

		root, err := orchestrator.New(cfg, func(reg *runnerregistry.Registry) {
			registerDefaultRunners(reg, containerdSocket, containerImage, cfg)
		})
		if err != nil {
			return fmt.Errorf("failed to construct orchestrator: %w", err)
		}

		if err := root.Recover(); err != nil {
			return fmt.Errorf("recovery failed: %w", err)
		}
		root.Start()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		root.Stop()
		return nil
	},
}

func init() {
	serveCmd.Flags().String("containerd-socket", "", "containerd socket path (defaults to /run/containerd/containerd.sock)")
	serveCmd.Flags().String("container-image", "docker.io/library/alpine:latest", "base image used for container-isolated tests")
}

// registerDefaultRunners wires the container and process runners, the
// two backends that need no externally-supplied transport. VM and
// physical runners depend on a deployment-specific ScriptTransport
// implementation and are registered by callers embedding this package
// rather than by the stock CLI.
//
// Every unit test on a container-class environment is routed to the
// cgroup-confined ProcessRunner, whatever isolation level it declares:
// the registry selects by (test type, environment type) only. Every
// other test type on a container-class environment goes through the
// containerd-backed ContainerRunner.
func registerDefaultRunners(reg *runnerregistry.Registry, containerdSocket, image string, cfg config.Config) {
	reg.RegisterExact(types.TestTypeUnit, types.EnvTypeContainer, runner.NewProcessRunner())

	containerRunner, err := runner.NewContainerRunner(containerdSocket, image)
	if err != nil {
		log.WithComponent("cmd").Warn().Err(err).Msg("containerd unavailable, container-isolated tests will fail to dispatch")
		return
	}
	reg.Register(types.EnvTypeContainer, containerRunner)
}
