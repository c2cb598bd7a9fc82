package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"wanVideoBot/internal/api"
	"wanVideoBot/internal/credits"
	"wanVideoBot/internal/database"
	"wanVideoBot/internal/generation"
	"wanVideoBot/internal/models"
)

var (
	ErrSubmitFailed        = errors.New("generation could not be submitted")
	ErrMissingPredictionID = errors.New("missing prediction id")
)

// Store is the persistence the service needs; *database.Store implements it.
type Store interface {
	EnsureUser(ctx context.Context, userID string, freeCredits int) (bool, error)
	GetCredits(ctx context.Context, userID string) (int, error)
	DeductCredits(ctx context.Context, userID string, amount int, description string) (int, error)
	AddCredits(ctx context.Context, userID string, amount int, txType models.TransactionType, description string) (int, error)
	ListTransactions(ctx context.Context, userID string, limit int) ([]models.CreditTransaction, error)

	InsertGeneration(ctx context.Context, g *models.Generation) error
	SetJobID(ctx context.Context, id, jobID string) error
	GetGeneration(ctx context.Context, id, userID string) (*models.Generation, error)
	GetGenerationByID(ctx context.Context, id string) (*models.Generation, error)
	GetGenerationByJobID(ctx context.Context, jobID string) (*models.Generation, error)
	UpdateGenerationStatus(ctx context.Context, id string, status models.GenerationStatus, videoURL, errMsg *string) error
	RefundGeneration(ctx context.Context, id string) (bool, error)
	ListGenerations(ctx context.Context, userID string, limit int) ([]models.Generation, error)
	ListPendingGenerations(ctx context.Context, olderThan time.Time) ([]models.Generation, error)
}

// Submitter hands a validated request to whatever runs inference. ref is
// the generation id; reports about the job carry it back so they can be
// matched before Submit has returned the job id.
type Submitter interface {
	Submit(ctx context.Context, ref string, req generation.Request) (string, error)
}

// Canceler is implemented by submitters that can stop a running job.
type Canceler interface {
	CancelPrediction(ctx context.Context, id string) error
}

// Predictions looks up provider side job state. It is nil when jobs go
// through the queue, since workers report back through the webhook.
type Predictions interface {
	GetPrediction(ctx context.Context, id string) (*models.Prediction, error)
}

type Invalidator interface {
	Invalidate(ctx context.Context, userID string)
}

// Options wires a GenerationService. Balances defaults to a Ledger over
// Store; Cache and Predictions may be nil.
type Options struct {
	Store           Store
	Submitter       Submitter
	Predictions     Predictions
	Balances        credits.Source
	Cache           Invalidator
	FreeTierCredits int
}

type GenerationService struct {
	store       Store
	submitter   Submitter
	predictions Predictions
	balances    credits.Source
	cache       Invalidator
	freeCredits int
	now         func() time.Time
}

func New(opts Options) *GenerationService {
	s := &GenerationService{
		store:       opts.Store,
		submitter:   opts.Submitter,
		predictions: opts.Predictions,
		balances:    opts.Balances,
		cache:       opts.Cache,
		freeCredits: opts.FreeTierCredits,
		now:         func() time.Time { return time.Now().UTC() },
	}
	if s.balances == nil {
		s.balances = NewLedger(opts.Store, opts.FreeTierCredits)
	}
	return s
}

// Quote validates without side effects and prices the result.
func (s *GenerationService) Quote(mode generation.Mode, raw generation.RawFields) (generation.Request, int, error) {
	req, err := generation.Validate(mode, raw)
	if err != nil {
		return nil, EstimateCost(raw), err
	}
	return req, req.Cost(), nil
}

// EstimateCost prices raw, possibly invalid, fields with the same table the
// validated path uses.
func EstimateCost(raw generation.RawFields) int {
	model, _ := raw[generation.FieldModel].(string)
	resolution, _ := raw[generation.FieldResolution].(string)
	return generation.Cost(model, resolution)
}

// Submit validates, debits, records and submits a generation. Nothing is
// debited when validation fails; a failed submission is refunded.
func (s *GenerationService) Submit(ctx context.Context, userID string, mode generation.Mode, raw generation.RawFields) (*models.Generation, error) {
	req, err := generation.Validate(mode, raw)
	if err != nil {
		return nil, err
	}
	cost := req.Cost()
	p := req.Common()

	if _, err := s.store.EnsureUser(ctx, userID, s.freeCredits); err != nil {
		return nil, err
	}
	desc := fmt.Sprintf("%s %s %s", req.Mode(), p.Model, p.Resolution)
	if _, err := s.store.DeductCredits(ctx, userID, cost, desc); err != nil {
		return nil, err
	}
	defer s.invalidate(ctx, userID)

	gen := newGeneration(userID, req, s.now())
	if err := s.store.InsertGeneration(ctx, gen); err != nil {
		if _, refundErr := s.store.AddCredits(ctx, userID, cost, models.TxRefund, "Refund for unrecorded generation"); refundErr != nil {
			zap.L().Error("refund after insert failure failed", zap.String("user_id", userID), zap.Error(refundErr))
		}
		return nil, err
	}

	jobID, err := s.submitter.Submit(ctx, gen.ID, req)
	if err != nil {
		zap.L().Error("submit generation failed", zap.String("generation_id", gen.ID), zap.Error(err))
		s.fail(ctx, gen, err.Error())
		return nil, fmt.Errorf("%w: %v", ErrSubmitFailed, err)
	}
	if err := s.store.SetJobID(ctx, gen.ID, jobID); err != nil {
		zap.L().Error("record job id failed",
			zap.String("generation_id", gen.ID),
			zap.String("job_id", jobID),
			zap.Error(err))
		s.abandon(ctx, gen, jobID)
		return nil, fmt.Errorf("%w: %v", ErrSubmitFailed, err)
	}
	gen.JobID = &jobID
	// A report may have settled the generation while Submit was running.
	if current, err := s.store.GetGeneration(ctx, gen.ID, userID); err == nil {
		gen = current
	}

	zap.L().Info("generation submitted",
		zap.String("generation_id", gen.ID),
		zap.String("user_id", userID),
		zap.String("job_id", jobID),
		zap.Int("cost", cost))
	return gen, nil
}

// fail marks gen failed and refunds it. It runs detached from ctx so a
// canceled request still gives the credits back.
func (s *GenerationService) fail(ctx context.Context, gen *models.Generation, msg string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.store.UpdateGenerationStatus(ctx, gen.ID, models.StatusFailed, nil, &msg); err != nil {
		zap.L().Error("mark generation failed", zap.String("generation_id", gen.ID), zap.Error(err))
	}
	gen.Status = models.StatusFailed
	s.refund(ctx, gen)
}

// abandon stops a job the provider accepted but that is not linked to its
// generation, then fails the generation.
func (s *GenerationService) abandon(ctx context.Context, gen *models.Generation, jobID string) {
	if c, ok := s.submitter.(Canceler); ok {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		if err := c.CancelPrediction(cctx, jobID); err != nil {
			zap.L().Warn("cancel untracked job failed", zap.String("job_id", jobID), zap.Error(err))
		}
		cancel()
	}
	s.fail(ctx, gen, "generation could not be tracked")
}

func newGeneration(userID string, req generation.Request, now time.Time) *models.Generation {
	p := req.Common()
	g := &models.Generation{
		ID:             uuid.NewString(),
		UserID:         userID,
		Mode:           string(req.Mode()),
		Prompt:         p.Prompt,
		NegativePrompt: p.NegativePrompt,
		Model:          string(p.Model),
		Resolution:     string(p.Resolution),
		Duration:       p.Duration,
		Seed:           p.Seed,
		Status:         models.StatusPending,
		CreditsUsed:    req.Cost(),
		CreatedAt:      now,
	}
	if i2v, ok := req.(generation.ImageToVideo); ok {
		g.ImageURL = &i2v.ImageURL
	}
	return g
}

// Status returns the generation, refreshed from the provider while it is
// still running.
func (s *GenerationService) Status(ctx context.Context, userID, id string) (*models.Generation, error) {
	gen, err := s.store.GetGeneration(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if gen.Status.Terminal() || gen.JobID == nil || s.predictions == nil {
		return gen, nil
	}
	p, err := s.predictions.GetPrediction(ctx, *gen.JobID)
	if err != nil {
		zap.L().Warn("prediction lookup failed", zap.String("generation_id", gen.ID), zap.Error(err))
		return gen, nil
	}
	return s.apply(ctx, gen, p)
}

type WebhookResult struct {
	Status       string                  `json:"status"`
	GenerationID string                  `json:"generation_id,omitempty"`
	NewStatus    models.GenerationStatus `json:"new_status,omitempty"`
}

// HandleWebhook applies a provider push. ref is the generation id the job
// was submitted under, when the push carries one. Predictions that do not
// belong to a known generation are ignored.
func (s *GenerationService) HandleWebhook(ctx context.Context, p *models.Prediction, ref string) (WebhookResult, error) {
	if p.ID == "" {
		return WebhookResult{}, ErrMissingPredictionID
	}
	gen, err := s.store.GetGenerationByJobID(ctx, p.ID)
	if errors.Is(err, database.ErrNotFound) {
		gen, err = s.claim(ctx, p.ID, ref)
	}
	if errors.Is(err, database.ErrNotFound) {
		return WebhookResult{Status: "ignored"}, nil
	}
	if err != nil {
		return WebhookResult{}, err
	}
	gen, err = s.apply(ctx, gen, p)
	if err != nil {
		return WebhookResult{}, err
	}
	return WebhookResult{Status: "ok", GenerationID: gen.ID, NewStatus: gen.Status}, nil
}

// claim links a push that arrived before its job id was recorded. Without
// a ref the job id itself is tried, since queued jobs are published under
// their generation id.
func (s *GenerationService) claim(ctx context.Context, jobID, ref string) (*models.Generation, error) {
	if ref == "" {
		ref = jobID
	}
	gen, err := s.store.GetGenerationByID(ctx, ref)
	if err != nil {
		return nil, err
	}
	if gen.JobID != nil {
		return nil, database.ErrNotFound
	}
	if err := s.store.SetJobID(ctx, gen.ID, jobID); err != nil {
		return nil, err
	}
	gen.JobID = &jobID
	zap.L().Info("early report matched", zap.String("generation_id", gen.ID), zap.String("job_id", jobID))
	return gen, nil
}

// apply records a prediction on its generation. A terminal generation is
// never moved back; a failed one is refunded once.
func (s *GenerationService) apply(ctx context.Context, gen *models.Generation, p *models.Prediction) (*models.Generation, error) {
	if gen.Status.Terminal() {
		if gen.Status == models.StatusFailed {
			s.refund(ctx, gen)
		}
		return gen, nil
	}

	status := api.MapStatus(p.Status)
	var videoURL, errMsg *string
	if p.Status == "succeeded" {
		if u := p.Output.First(); u != "" {
			videoURL = &u
		}
	}
	if m := p.ErrorMessage(); m != "" {
		errMsg = &m
	}
	if status == gen.Status && videoURL == nil && errMsg == nil {
		return gen, nil
	}

	if err := s.store.UpdateGenerationStatus(ctx, gen.ID, status, videoURL, errMsg); err != nil {
		return nil, err
	}
	updated := *gen
	updated.Status = status
	updated.Progress = status.Progress()
	if videoURL != nil {
		updated.VideoURL = videoURL
	}
	if errMsg != nil {
		updated.ErrorMessage = errMsg
	}
	if status.Terminal() {
		now := s.now()
		updated.CompletedAt = &now
	}
	zap.L().Info("generation updated",
		zap.String("generation_id", gen.ID),
		zap.String("status", string(status)))

	if status == models.StatusFailed {
		s.refund(ctx, &updated)
	}
	return &updated, nil
}

func (s *GenerationService) refund(ctx context.Context, gen *models.Generation) {
	refunded, err := s.store.RefundGeneration(ctx, gen.ID)
	if err != nil {
		zap.L().Error("refund failed", zap.String("generation_id", gen.ID), zap.Error(err))
		return
	}
	if refunded {
		gen.Refunded = true
		zap.L().Info("generation refunded",
			zap.String("generation_id", gen.ID),
			zap.String("user_id", gen.UserID),
			zap.Int("credits", gen.CreditsUsed))
		s.invalidate(ctx, gen.UserID)
	}
}

func (s *GenerationService) invalidate(ctx context.Context, userID string) {
	if s.cache != nil {
		s.cache.Invalidate(ctx, userID)
	}
}

func (s *GenerationService) History(ctx context.Context, userID string) ([]models.Generation, error) {
	return s.store.ListGenerations(ctx, userID, database.HistoryLimit)
}

func (s *GenerationService) Transactions(ctx context.Context, userID string) ([]models.CreditTransaction, error) {
	return s.store.ListTransactions(ctx, userID, database.HistoryLimit)
}

// Credits returns the balance, creating the account with the free tier on
// first use. It satisfies credits.Source.
func (s *GenerationService) Credits(ctx context.Context, userID string) (int, error) {
	return s.balances.Credits(ctx, userID)
}

// Ledger reads balances straight from the store.
type Ledger struct {
	store       Store
	freeCredits int
}

func NewLedger(store Store, freeCredits int) *Ledger {
	return &Ledger{store: store, freeCredits: freeCredits}
}

func (l *Ledger) Credits(ctx context.Context, userID string) (int, error) {
	if _, err := l.store.EnsureUser(ctx, userID, l.freeCredits); err != nil {
		return 0, err
	}
	return l.store.GetCredits(ctx, userID)
}
