package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"channel-relay-bot/internal/config"
	"channel-relay-bot/internal/storage"
)

func migrateCmd() *cobra.Command {
	var from string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Copy channel threads from a SQLite file into the configured database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Database.Type == storage.DatabaseTypeSQLite && cfg.Database.Path == from {
				return fmt.Errorf("source and target are the same database")
			}

			ctx := cmd.Context()
			source, err := openStore(ctx, config.DatabaseConfig{Type: storage.DatabaseTypeSQLite, Path: from})
			if err != nil {
				return err
			}
			defer source.Close()

			target, err := openStore(ctx, cfg.Database)
			if err != nil {
				return err
			}
			defer target.Close()

			migration := storage.NewMigrationService(source, target, logger)
			count, err := migration.MigrateData(ctx)
			if err != nil {
				return err
			}
			if err := migration.ValidateMigration(ctx); err != nil {
				return err
			}
			logger.Info("Migration completed", "threads", count, "target", cfg.Database.Type)
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", config.DefaultSQLitePath, "SQLite file to copy from")
	return cmd
}
