// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Subscore Contributors

package main

import (
	"github.com/spf13/cobra"

	"github.com/eventcore/subscore/internal/config"
)

// configFile is the global --config flag shared by every subcommand.
var configFile string

// loadConfig loads configuration layered under the command's own flags,
// the shared entry point every subcommand uses.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	return config.Load(configFile, cmd.Flags())
}

// NewRootCmd creates the root command for the subscored CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subscored",
		Short: "subscored - the subscription core daemon",
		Long: `subscored hosts the per-subscription catch-up and live-delivery
engine of a persistent event store: it loads or creates durable
checkpoints, streams historical events in acknowledgement-gated chunks,
and hands subscriptions off to live broadcast push with no gaps and no
duplicates past the checkpoint.`,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (YAML)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newMigrateCmd())
	cmd.AddCommand(newStatusCmd())

	return cmd
}
