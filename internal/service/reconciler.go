package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"wanVideoBot/internal/api"
	"wanVideoBot/internal/models"
)

const (
	DefaultReconcileSchedule = "@every 5m"
	StaleAfter               = 2 * time.Minute
)

// Reconciler periodically settles generations whose webhook never
// arrived by asking the provider directly.
type Reconciler struct {
	svc      *GenerationService
	cron     *cron.Cron
	cronID   cron.EntryID
	schedule string

	mu      sync.Mutex
	running bool
}

func NewReconciler(svc *GenerationService, schedule string) *Reconciler {
	if schedule == "" {
		schedule = DefaultReconcileSchedule
	}
	return &Reconciler{svc: svc, cron: cron.New(), schedule: schedule}
}

func (r *Reconciler) Start() error {
	id, err := r.cron.AddFunc(r.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := r.RunOnce(ctx); err != nil {
			zap.L().Error("reconcile run failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}
	r.cronID = id
	r.cron.Start()
	zap.L().Info("reconciler started", zap.String("schedule", r.schedule))
	return nil
}

// Stop halts the schedule and waits for a running pass to finish.
func (r *Reconciler) Stop() {
	<-r.cron.Stop().Done()
}

// RunOnce refreshes every stale pending generation and returns how many
// reached a terminal status. Overlapping runs are skipped.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	if r.svc.predictions == nil {
		return 0, nil
	}
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		zap.L().Debug("reconcile skipped, previous run still active")
		return 0, nil
	}
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	pending, err := r.svc.store.ListPendingGenerations(ctx, r.svc.now().Add(-StaleAfter))
	if err != nil {
		return 0, err
	}

	settled := 0
	for i := range pending {
		gen := &pending[i]
		p, err := r.svc.predictions.GetPrediction(ctx, *gen.JobID)
		if errors.Is(err, api.ErrPredictionNotFound) {
			p = &models.Prediction{ID: *gen.JobID, Status: "failed", Error: "prediction no longer exists"}
		} else if err != nil {
			zap.L().Warn("reconcile lookup failed", zap.String("generation_id", gen.ID), zap.Error(err))
			continue
		}
		updated, err := r.svc.apply(ctx, gen, p)
		if err != nil {
			zap.L().Warn("reconcile update failed", zap.String("generation_id", gen.ID), zap.Error(err))
			continue
		}
		if updated.Status.Terminal() {
			settled++
		}
	}
	if len(pending) > 0 {
		zap.L().Info("reconcile finished", zap.Int("checked", len(pending)), zap.Int("settled", settled))
	}
	return settled, nil
}
