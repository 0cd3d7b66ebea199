// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Subscore Contributors

package main

import (
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	checkpointpg "github.com/eventcore/subscore/internal/checkpoint/postgres"
	historypg "github.com/eventcore/subscore/internal/historyreader/postgres"
)

// newMigrateCmd creates the migrate subcommand.
func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		Long:  `Apply all pending migrations for the checkpoint and recorded-events schemas.`,
		RunE:  runMigrate,
	}
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return oops.Code("CONFIG_LOAD_FAILED").Wrap(err)
	}
	if cfg.DatabaseURL == "" {
		return oops.Code("CONFIG_INVALID").Errorf("database_url is required to run migrations")
	}

	cmd.Println("Migrating subscription_checkpoints schema...")
	cpMigrator, err := checkpointpg.NewMigrator(cfg.DatabaseURL)
	if err != nil {
		return oops.Code("MIGRATION_INIT_FAILED").With("schema", "subscription_checkpoints").Wrap(err)
	}
	defer func() { _ = cpMigrator.Close() }()
	if err := cpMigrator.Up(); err != nil {
		return oops.Code("MIGRATION_FAILED").With("schema", "subscription_checkpoints").Wrap(err)
	}

	cmd.Println("Migrating recorded_events schema...")
	historyMigrator, err := historypg.NewMigrator(cfg.DatabaseURL)
	if err != nil {
		return oops.Code("MIGRATION_INIT_FAILED").With("schema", "recorded_events").Wrap(err)
	}
	defer func() { _ = historyMigrator.Close() }()
	if err := historyMigrator.Up(); err != nil {
		return oops.Code("MIGRATION_FAILED").With("schema", "recorded_events").Wrap(err)
	}

	cmd.Println("Migrations completed successfully")
	return nil
}
