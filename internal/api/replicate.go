package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"wanVideoBot/internal/catalog"
	"wanVideoBot/internal/generation"
	"wanVideoBot/internal/models"
)

const DefaultBaseURL = "https://api.replicate.com/v1"

// WebhookRefParam is the webhook query parameter carrying the generation
// id a prediction was created for.
const WebhookRefParam = "generation_id"

var ErrPredictionNotFound = errors.New("prediction not found")

// Sizes maps a resolution to the frame size the Wan models expect.
var Sizes = map[generation.Resolution]string{
	generation.Resolution480p: "832*480",
	generation.Resolution720p: "1280*720",
}

// MapStatus folds provider statuses into generation statuses. Unknown
// values count as still running.
func MapStatus(status string) models.GenerationStatus {
	switch status {
	case "succeeded":
		return models.StatusCompleted
	case "failed", "canceled":
		return models.StatusFailed
	}
	return models.StatusProcessing
}

type ReplicateClient struct {
	APIToken   string
	BaseURL    string
	WebhookURL string
	HTTPClient *http.Client
	Registry   *catalog.Registry
}

func NewReplicateClient(apiToken, baseURL, webhookURL string, registry *catalog.Registry) *ReplicateClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &ReplicateClient{
		APIToken:   apiToken,
		BaseURL:    baseURL,
		WebhookURL: webhookURL,
		HTTPClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		Registry: registry,
	}
}

// Submit starts a prediction for an already validated request and returns
// the provider job id. ref is echoed back on the webhook URL.
func (c *ReplicateClient) Submit(ctx context.Context, ref string, req generation.Request) (string, error) {
	var (
		p   *models.Prediction
		err error
	)
	switch r := req.(type) {
	case generation.TextToVideo:
		p, err = c.CreateTextToVideo(ctx, ref, r)
	case generation.ImageToVideo:
		p, err = c.CreateImageToVideo(ctx, ref, r)
	default:
		return "", fmt.Errorf("unsupported request %T", req)
	}
	if err != nil {
		return "", err
	}
	return p.ID, nil
}

func (c *ReplicateClient) CreateTextToVideo(ctx context.Context, ref string, r generation.TextToVideo) (*models.Prediction, error) {
	input, version, err := c.input(r.Params)
	if err != nil {
		return nil, err
	}
	return c.create(ctx, ref, version, input)
}

func (c *ReplicateClient) CreateImageToVideo(ctx context.Context, ref string, r generation.ImageToVideo) (*models.Prediction, error) {
	input, version, err := c.input(r.Params)
	if err != nil {
		return nil, err
	}
	input["image"] = r.ImageURL
	return c.create(ctx, ref, version, input)
}

func (c *ReplicateClient) input(p generation.Params) (map[string]any, string, error) {
	model, ok := c.Registry.ModelByID(string(p.Model))
	if !ok {
		return nil, "", fmt.Errorf("model %q is not registered", p.Model)
	}
	size, ok := Sizes[p.Resolution]
	if !ok {
		size = Sizes[generation.Resolution720p]
	}
	input := map[string]any{
		"prompt":       p.Prompt,
		"size":         size,
		"sample_steps": model.SampleSteps,
	}
	if p.NegativePrompt != nil && *p.NegativePrompt != "" {
		input["negative_prompt"] = *p.NegativePrompt
	}
	if p.Seed != nil {
		input["seed"] = *p.Seed
	}
	return input, model.Version, nil
}

func (c *ReplicateClient) create(ctx context.Context, ref, version string, input map[string]any) (*models.Prediction, error) {
	body := models.PredictionRequest{Version: version, Input: input}
	if c.WebhookURL != "" {
		body.Webhook = c.webhookURL(ref)
		body.WebhookEventsFilter = []string{"start", "completed"}
	}
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	var p models.Prediction
	if err := c.do(ctx, http.MethodPost, "/predictions", bytes.NewReader(jsonData), &p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, errors.New("prediction created without an id")
	}
	return &p, nil
}

func (c *ReplicateClient) webhookURL(ref string) string {
	u, err := url.Parse(c.WebhookURL)
	if err != nil || ref == "" {
		return c.WebhookURL
	}
	q := u.Query()
	q.Set(WebhookRefParam, ref)
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *ReplicateClient) GetPrediction(ctx context.Context, id string) (*models.Prediction, error) {
	var p models.Prediction
	if err := c.do(ctx, http.MethodGet, "/predictions/"+id, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// CancelPrediction stops a running prediction. Replicate answers with the
// canceled prediction, which is discarded.
func (c *ReplicateClient) CancelPrediction(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/predictions/"+id+"/cancel", nil, nil)
}

func (c *ReplicateClient) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return ErrPredictionNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		zap.L().Error("replicate API error",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", bodyBytes))
		return fmt.Errorf("replicate API error status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("replicate parse error: %w", err)
	}
	return nil
}
