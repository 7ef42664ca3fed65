package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// configPath is shared by every subcommand.
var configPath string

func main() {
	root := &cobra.Command{
		Use:           "staking-engine",
		Short:         "Token staking engine service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultPath := os.Getenv("STAKING_CONFIG")
	if defaultPath == "" {
		defaultPath = "staking.yaml"
	}
	root.PersistentFlags().StringVar(&configPath, "config", defaultPath, "path to the YAML config (env STAKING_CONFIG)")

	root.AddCommand(newServeCmd(), newSimulateCmd())

	// Bare invocation serves, matching container entrypoints.
	root.RunE = func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
