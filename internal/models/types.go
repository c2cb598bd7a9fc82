package models

import (
	"encoding/json"
	"time"
)

type Config struct {
	TelegramToken string `mapstructure:"telegram_bot_token"`

	ReplicateAPIToken      string `mapstructure:"replicate_api_token"`
	ReplicateBaseURL       string `mapstructure:"replicate_base_url"`
	ReplicateWebhookURL    string `mapstructure:"replicate_webhook_url"`
	ReplicateWebhookSecret string `mapstructure:"replicate_webhook_secret"`

	DBDriver string `mapstructure:"db_driver"`
	DBDSN    string `mapstructure:"db_dsn"`

	RedisAddr       string        `mapstructure:"redis_addr"`
	RedisPassword   string        `mapstructure:"redis_password"`
	BalanceCacheTTL time.Duration `mapstructure:"balance_cache_ttl"`

	AMQPURL       string `mapstructure:"amqp_url"`
	SubmitBackend string `mapstructure:"submit_backend"`

	MinioEndpoint  string `mapstructure:"minio_endpoint"`
	MinioAccessKey string `mapstructure:"minio_access_key"`
	MinioSecretKey string `mapstructure:"minio_secret_key"`
	MinioBucket    string `mapstructure:"minio_bucket"`
	MinioSecure    bool   `mapstructure:"minio_secure"`

	ModelsFile    string `mapstructure:"models_file"`
	TemplatesFile string `mapstructure:"templates_file"`

	DefaultLang       string   `mapstructure:"default_lang"`
	FreeTierCredits   int      `mapstructure:"free_tier_credits"`
	Port              string   `mapstructure:"port"`
	Env               string   `mapstructure:"env"`
	LogLevel          string   `mapstructure:"log_level"`
	AllowedOrigins    []string `mapstructure:"allowed_origins"`
	ReconcileSchedule string   `mapstructure:"reconcile_schedule"`
}

func (c *Config) Development() bool {
	return c.Env == "" || c.Env == "development"
}

type GenerationStatus string

const (
	StatusPending    GenerationStatus = "pending"
	StatusProcessing GenerationStatus = "processing"
	StatusCompleted  GenerationStatus = "completed"
	StatusFailed     GenerationStatus = "failed"
)

// Progress is the coarse percentage shown to users for a status.
func (s GenerationStatus) Progress() int {
	switch s {
	case StatusProcessing:
		return 50
	case StatusCompleted:
		return 100
	}
	return 0
}

func (s GenerationStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type Generation struct {
	ID             string           `db:"id" json:"id"`
	UserID         string           `db:"user_id" json:"user_id"`
	Mode           string           `db:"mode" json:"mode"`
	Prompt         string           `db:"prompt" json:"prompt"`
	NegativePrompt *string          `db:"negative_prompt" json:"negative_prompt,omitempty"`
	ImageURL       *string          `db:"image_url" json:"image_url,omitempty"`
	Model          string           `db:"model" json:"model"`
	Resolution     string           `db:"resolution" json:"resolution"`
	Duration       int              `db:"duration" json:"duration"`
	Seed           *int64           `db:"seed" json:"seed,omitempty"`
	Status         GenerationStatus `db:"status" json:"status"`
	Progress       int              `db:"progress" json:"progress"`
	VideoURL       *string          `db:"video_url" json:"video_url,omitempty"`
	ErrorMessage   *string          `db:"error_message" json:"error_message,omitempty"`
	CreditsUsed    int              `db:"credits_used" json:"credits_used"`
	JobID          *string          `db:"job_id" json:"job_id,omitempty"`
	Refunded       bool             `db:"refunded" json:"-"`
	CreatedAt      time.Time        `db:"created_at" json:"created_at"`
	CompletedAt    *time.Time       `db:"completed_at" json:"completed_at,omitempty"`
}

type TransactionType string

const (
	TxBonus     TransactionType = "bonus"
	TxDeduction TransactionType = "deduction"
	TxRefund    TransactionType = "refund"
	TxPurchase  TransactionType = "purchase"
)

type CreditTransaction struct {
	ID          string          `db:"id" json:"id"`
	UserID      string          `db:"user_id" json:"user_id"`
	Amount      int             `db:"amount" json:"amount"`
	Type        TransactionType `db:"type" json:"type"`
	Description string          `db:"description" json:"description"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
}

type UserSession struct {
	UserID       string
	LanguageCode string
}

// Prediction is the provider's view of a job, shared by the polling
// endpoint and the webhook payload.
type Prediction struct {
	ID          string           `json:"id"`
	Version     string           `json:"version,omitempty"`
	Status      string           `json:"status"`
	Output      PredictionOutput `json:"output,omitempty"`
	Error       any              `json:"error,omitempty"`
	Logs        string           `json:"logs,omitempty"`
	CreatedAt   string           `json:"created_at,omitempty"`
	CompletedAt string           `json:"completed_at,omitempty"`
}

// ErrorMessage flattens the provider error, which may be a string or an
// object.
func (p *Prediction) ErrorMessage() string {
	switch e := p.Error.(type) {
	case nil:
		return ""
	case string:
		return e
	default:
		b, _ := json.Marshal(e)
		return string(b)
	}
}

// PredictionOutput accepts either a single URL or a list of URLs.
type PredictionOutput []string

func (o *PredictionOutput) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*o = nil
		return nil
	}
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*o = PredictionOutput{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*o = many
	return nil
}

func (o PredictionOutput) First() string {
	if len(o) == 0 {
		return ""
	}
	return o[0]
}

type PredictionRequest struct {
	Version             string         `json:"version"`
	Input               map[string]any `json:"input"`
	Webhook             string         `json:"webhook,omitempty"`
	WebhookEventsFilter []string       `json:"webhook_events_filter,omitempty"`
}
