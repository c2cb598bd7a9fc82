package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"wanVideoBot/internal/app"
	"wanVideoBot/internal/config"
	"wanVideoBot/internal/logger"
	"wanVideoBot/internal/server"
	"wanVideoBot/internal/service"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	l, err := logger.Init(cfg.LogLevel, cfg.Development())
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer l.Sync()

	if !cfg.Development() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		zap.L().Fatal("startup failed", zap.Error(err))
	}
	defer a.Close()

	reconciler := service.NewReconciler(a.Service, cfg.ReconcileSchedule)
	if err := reconciler.Start(); err != nil {
		zap.L().Fatal("reconciler failed to start", zap.Error(err))
	}
	defer reconciler.Stop()

	opts := server.Options{
		Service:        a.Service,
		Catalog:        a.Catalog,
		Registry:       a.Registry,
		DB:             a.Store,
		WebhookSecret:  cfg.ReplicateWebhookSecret,
		AllowedOrigins: cfg.AllowedOrigins,
	}
	if a.Images != nil {
		opts.Images = a.Images
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.New(opts).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		zap.L().Info("api listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.L().Fatal("server stopped", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zap.L().Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zap.L().Error("graceful shutdown failed", zap.Error(err))
	}
}
