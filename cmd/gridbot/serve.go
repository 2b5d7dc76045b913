package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"binance-grid-bot-go/internal/api"
	"binance-grid-bot-go/internal/binance"
	"binance-grid-bot-go/internal/config"
	"binance-grid-bot-go/internal/database"
	"binance-grid-bot-go/internal/logger"
	"binance-grid-bot-go/internal/models"
	"binance-grid-bot-go/internal/notify"
	"binance-grid-bot-go/internal/report"
	"binance-grid-bot-go/internal/store"
	"binance-grid-bot-go/internal/trader"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control API and, if configured, start trading",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func serve() error {
	// Load application configuration
	cfg, err := config.LoadConfig(configDir)
	if err != nil {
		return fmt.Errorf("could not load config: %w", err)
	}

	log, err := logger.NewLogger(cfg.Logger)
	if err != nil {
		return err
	}
	defer log.Sync()
	log.Info("Configuration loaded")

	db, err := database.NewDatabase(&cfg)
	if err != nil {
		log.Error("Failed to connect to database", zap.Error(err))
		return err
	}
	log.Info("Database connection successful and schema migrated.")

	trades := store.NewTradeStore(db)
	settings := store.NewSettingStore(db)
	alerts := store.NewAlertStore(db, cfg.Notifier.AlertLog.MaxRows)

	dispatcher, err := newDispatcher(&cfg, settings, alerts, log)
	if err != nil {
		return err
	}

	// Public endpoint, no credentials needed.
	ping := binance.NewRestClient(&cfg.Binance, "", "", log)
	pingCtx, cancelPing := context.WithTimeout(context.Background(), cfg.Binance.Timeout)
	if _, err := ping.GetServerTime(pingCtx); err != nil {
		log.Warn("Binance API is not reachable", zap.Error(err))
	} else {
		log.Info("Successfully connected to Binance API.")
	}
	cancelPing()

	newGateway := func(s *models.Setting) (trader.Gateway, error) {
		return binance.NewClient(&cfg.Binance, s.APIKey, s.APISecret, log), nil
	}
	engine := trader.NewEngine(log, cfg.Engine, settings, trades, newGateway, dispatcher)

	server := api.NewServer(&cfg, engine, trades, alerts, log)
	server.Start()

	var summary *report.Summary
	if cfg.Notifier.Summary.Enabled {
		summary = report.NewSummary(cfg.Notifier.Summary.Schedule, trades, dispatcher, log)
		if err := summary.Start(); err != nil {
			log.Error("Summary disabled", zap.Error(err))
			summary = nil
		}
	}

	if cfg.Engine.AutoStart {
		var configID *uint
		if cfg.Engine.ConfigID != 0 {
			configID = &cfg.Engine.ConfigID
		}
		if _, err := engine.Start(context.Background(), configID); err != nil {
			log.Error("Auto start failed", zap.Error(err))
		}
	}

	sigchan := make(chan os.Signal, 1)
	signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)
	<-sigchan
	log.Info("Shutdown signal received, gracefully shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		log.Warn("API server shutdown", zap.Error(err))
	}
	if summary != nil {
		summary.Stop()
	}
	if err := engine.Shutdown(ctx); err != nil {
		log.Warn("Engine shutdown", zap.Error(err))
	}
	if err := dispatcher.Wait(ctx); err != nil {
		log.Warn("Notifications still pending", zap.Error(err))
	}

	log.Info("Bot has been shut down.")
	return nil
}

func newDispatcher(cfg *config.Config, settings *store.SettingStore, alerts *store.AlertStore, log *zap.Logger) (*notify.Dispatcher, error) {
	var sinks []notify.Sink
	if cfg.Notifier.Discord.Enabled {
		sinks = append(sinks, notify.NewDiscord(settings, cfg.Notifier.Discord.Timeout))
	}
	if cfg.Notifier.Telegram.Enabled {
		tg, err := notify.NewTelegram(cfg.Notifier.Telegram.Token, cfg.Notifier.Telegram.ChatID, "")
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		sinks = append(sinks, tg)
	}
	if cfg.Notifier.AlertLog.Enabled {
		sinks = append(sinks, notify.NewAlertLog(alerts))
	}
	log.Info("Notifier ready", zap.Int("sinks", len(sinks)))
	return notify.NewDispatcher(log, sinks...), nil
}
