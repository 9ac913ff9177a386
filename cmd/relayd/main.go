package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:   "relayd",
		Short: "Run scripts on VMs and stream their output and progress over WebSocket",
		Long: `relayd runs shell scripts on inventory VMs, streams their output to
WebSocket clients, and broadcasts provisioning progress with history replay.

Configuration is read from --config (default: $VMRELAY_CONFIG or ./config.yaml).
VMRELAY_* environment variables override file values.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), cfgPath)
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", defaultConfigPath(), "config file path")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Start the relay (default command)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runServe(cmd.Context(), cfgPath)
			},
		},
		&cobra.Command{
			Use:   "doctor",
			Short: "Check the config, executor and inventory before serving",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runDoctor(cmd.Context(), cmd.OutOrStdout(), cfgPath)
			},
		},
		newEncryptCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print the relayd version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "relayd %s\n", version)
			},
		},
	)
	return root
}

func defaultConfigPath() string {
	if p := os.Getenv("VMRELAY_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}
