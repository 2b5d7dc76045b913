package main

import (
	"fmt"

	"binance-grid-bot-go/internal/config"
	"binance-grid-bot-go/internal/database"
	"binance-grid-bot-go/internal/logger"
	"binance-grid-bot-go/internal/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the schema and seed the default setting",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(configDir)
		if err != nil {
			return fmt.Errorf("could not load config: %w", err)
		}
		log, err := logger.NewLogger(cfg.Logger)
		if err != nil {
			return err
		}
		defer log.Sync()

		db, err := database.NewDatabase(&cfg)
		if err != nil {
			return err
		}
		settings, err := store.NewSettingStore(db).List(cmd.Context())
		if err != nil {
			return err
		}
		log.Info("Database migrated", zap.String("dsn", cfg.Database.DSN), zap.Int("settings", len(settings)))
		return nil
	},
}
