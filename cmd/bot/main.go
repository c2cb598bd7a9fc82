package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"wanVideoBot/internal/app"
	"wanVideoBot/internal/bot"
	"wanVideoBot/internal/config"
	"wanVideoBot/internal/i18n"
	"wanVideoBot/internal/logger"
)

func main() {
	// 1. Load config and logging
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	l, err := logger.Init(cfg.LogLevel, cfg.Development())
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer l.Sync()

	if cfg.TelegramToken == "" {
		zap.L().Fatal("TELEGRAM_BOT_TOKEN is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Database, catalog, provider and optional cache/storage
	a, err := app.New(ctx, cfg)
	if err != nil {
		zap.L().Fatal("startup failed", zap.Error(err))
	}
	defer a.Close()

	// 3. Localization and bot
	loc := i18n.NewLocalizer(cfg.DefaultLang)
	telegramBot := bot.NewBot(cfg.TelegramToken, a.Store, a.Service, loc, a.Catalog, a.Registry)
	if a.Images != nil {
		telegramBot.Images = a.Images
	}

	zap.L().Info("system initialized, bot is now running")
	telegramBot.Start(ctx)
}
