package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"wanVideoBot/internal/models"
)

var defaults = map[string]any{
	"telegram_bot_token":       "",
	"replicate_api_token":      "",
	"replicate_base_url":       "https://api.replicate.com/v1",
	"replicate_webhook_url":    "",
	"replicate_webhook_secret": "",
	"db_driver":                "sqlite",
	"db_dsn":                   "wan.db",
	"redis_addr":               "",
	"redis_password":           "",
	"balance_cache_ttl":        30 * time.Second,
	"amqp_url":                 "",
	"submit_backend":           "replicate",
	"minio_endpoint":           "",
	"minio_access_key":         "",
	"minio_secret_key":         "",
	"minio_bucket":             "wan-uploads",
	"minio_secure":             true,
	"models_file":              "",
	"templates_file":           "",
	"default_lang":             "en",
	"free_tier_credits":        100,
	"port":                     "8000",
	"env":                      "development",
	"log_level":                "info",
	"allowed_origins":          "http://localhost:3000",
	"reconcile_schedule":       "@every 5m",
}

// LoadConfig reads .env (if present), an optional config.yaml, and the
// process environment. Environment variables win.
func LoadConfig() (*models.Config, error) {
	return load(".env", "config.yaml")
}

func load(envFile, configFile string) (*models.Config, error) {
	if err := godotenv.Load(envFile); err != nil {
		zap.L().Debug("no env file loaded", zap.String("file", envFile), zap.Error(err))
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetConfigFile(configFile)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read %s: %w", configFile, err)
		}
	}
	v.AutomaticEnv()

	cfg := &models.Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.AllowedOrigins = splitOrigins(cfg.AllowedOrigins)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validate(cfg *models.Config) error {
	switch cfg.DBDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", cfg.DBDriver)
	}
	switch cfg.SubmitBackend {
	case "replicate":
	case "amqp":
		if cfg.AMQPURL == "" {
			return errors.New("SUBMIT_BACKEND=amqp requires AMQP_URL")
		}
	default:
		return fmt.Errorf("unsupported SUBMIT_BACKEND %q", cfg.SubmitBackend)
	}
	if cfg.FreeTierCredits < 0 {
		return errors.New("FREE_TIER_CREDITS must not be negative")
	}
	if cfg.ReplicateAPIToken == "" && cfg.SubmitBackend == "replicate" {
		zap.L().Warn("REPLICATE_API_TOKEN is empty, submissions will be rejected upstream")
	}
	return nil
}

// splitOrigins flattens comma separated entries, which is how a list
// arrives from a single environment variable.
func splitOrigins(in []string) []string {
	var out []string
	for _, entry := range in {
		for _, o := range strings.Split(entry, ",") {
			if o = strings.TrimSpace(o); o != "" {
				out = append(out, o)
			}
		}
	}
	return out
}
