package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"meshmon/internal/config"
	"meshmon/internal/observability"
	"meshmon/internal/storage"
)

var purgeDays int

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete messages and history older than the given age",
	RunE: func(cmd *cobra.Command, args []string) error {
		if purgeDays <= 0 {
			return fmt.Errorf("--days must be positive, got %d", purgeDays)
		}

		cfg, err := config.New(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		logger := observability.NewLogger(cfg.LogLevel)

		db, err := storage.Open(cfg.DatabaseFile, storage.WithDBLogger(logger))
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()

		messages, history, err := db.PurgeOlderThan(purgeDays)
		if err != nil {
			return fmt.Errorf("purge: %w", err)
		}

		logger.Info("purge complete",
			slog.Int("days", purgeDays),
			slog.Int64("messages_deleted", messages),
			slog.Int64("history_deleted", history),
		)
		fmt.Printf("deleted %d messages and %d history rows older than %d days\n",
			messages, history, purgeDays)
		return nil
	},
}

func init() {
	purgeCmd.Flags().IntVar(&purgeDays, "days", 30, "delete data older than this many days")
}
