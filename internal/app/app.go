package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"wanVideoBot/internal/api"
	"wanVideoBot/internal/catalog"
	"wanVideoBot/internal/credits"
	"wanVideoBot/internal/database"
	"wanVideoBot/internal/models"
	"wanVideoBot/internal/queue"
	"wanVideoBot/internal/service"
	"wanVideoBot/internal/storage"
)

// App holds the components shared by the API server and the bot.
// Images is nil when no object store is configured.
type App struct {
	Config   *models.Config
	Store    *database.Store
	Registry *catalog.Registry
	Catalog  *catalog.Catalog
	Service  *service.GenerationService
	Images   *storage.ImageStore

	closers []func() error
}

func New(ctx context.Context, cfg *models.Config) (*App, error) {
	a := &App{Config: cfg}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	var err error
	if a.Registry, err = loadRegistry(cfg.ModelsFile); err != nil {
		return nil, err
	}
	if a.Catalog, err = loadCatalog(cfg.TemplatesFile); err != nil {
		return nil, err
	}
	zap.L().Info("catalog loaded",
		zap.Int("models", len(a.Registry.All())),
		zap.Int("templates", a.Catalog.Len()))

	a.Store, err = database.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	a.closers = append(a.closers, a.Store.Close)

	opts := service.Options{Store: a.Store, FreeTierCredits: cfg.FreeTierCredits}

	switch cfg.SubmitBackend {
	case "amqp":
		publisher, err := queue.Dial(cfg.AMQPURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, publisher.Close)
		opts.Submitter = publisher
	default:
		client := api.NewReplicateClient(cfg.ReplicateAPIToken, cfg.ReplicateBaseURL, cfg.ReplicateWebhookURL, a.Registry)
		opts.Submitter = client
		opts.Predictions = client
	}

	if cfg.RedisAddr != "" {
		client, err := credits.Dial(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			zap.L().Warn("redis unavailable, balances are read from the database", zap.Error(err))
		} else {
			a.closers = append(a.closers, client.Close)
			cache := credits.NewRedisCache(client, service.NewLedger(a.Store, cfg.FreeTierCredits), cfg.BalanceCacheTTL)
			opts.Balances = cache
			opts.Cache = cache
		}
	}

	if cfg.MinioEndpoint != "" {
		images, err := storage.New(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioSecure)
		if err != nil {
			return nil, err
		}
		if err := images.EnsureBucket(ctx); err != nil {
			zap.L().Warn("image storage unavailable, uploads are disabled", zap.Error(err))
		} else {
			a.Images = images
		}
	}

	a.Service = service.New(opts)
	ok = true
	return a, nil
}

func loadRegistry(path string) (*catalog.Registry, error) {
	if path == "" {
		return catalog.DefaultRegistry(), nil
	}
	return catalog.LoadRegistry(path)
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return catalog.Default(), nil
	}
	return catalog.LoadCatalog(path)
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			zap.L().Warn("close failed", zap.Error(err))
		}
	}
	a.closers = nil
}
