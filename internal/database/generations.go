package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"wanVideoBot/internal/models"
)

const generationColumns = `id, user_id, mode, prompt, negative_prompt, image_url, model, resolution,
	duration, seed, status, progress, video_url, error_message, credits_used, job_id, refunded,
	created_at, completed_at`

func (s *Store) InsertGeneration(ctx context.Context, g *models.Generation) error {
	if g.CreatedAt.IsZero() {
		g.CreatedAt = s.now()
	}
	if g.Status == "" {
		g.Status = models.StatusPending
	}
	g.Progress = g.Status.Progress()
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO generations (`+generationColumns+`) VALUES (
		:id, :user_id, :mode, :prompt, :negative_prompt, :image_url, :model, :resolution,
		:duration, :seed, :status, :progress, :video_url, :error_message, :credits_used, :job_id, :refunded,
		:created_at, :completed_at)`, g)
	return errors.Wrap(err, "insert generation")
}

// GetGeneration only returns rows owned by userID.
func (s *Store) GetGeneration(ctx context.Context, id, userID string) (*models.Generation, error) {
	return s.getGeneration(ctx, `SELECT `+generationColumns+` FROM generations WHERE id = ? AND user_id = ?`, id, userID)
}

// GetGenerationByID looks a generation up without an owner check, for
// provider callbacks.
func (s *Store) GetGenerationByID(ctx context.Context, id string) (*models.Generation, error) {
	return s.getGeneration(ctx, `SELECT `+generationColumns+` FROM generations WHERE id = ?`, id)
}

func (s *Store) GetGenerationByJobID(ctx context.Context, jobID string) (*models.Generation, error) {
	return s.getGeneration(ctx, `SELECT `+generationColumns+` FROM generations WHERE job_id = ?`, jobID)
}

func (s *Store) getGeneration(ctx context.Context, query string, args ...any) (*models.Generation, error) {
	var g models.Generation
	err := s.db.GetContext(ctx, &g, s.q(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get generation")
	}
	return &g, nil
}

func (s *Store) SetJobID(ctx context.Context, id, jobID string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE generations SET job_id = ? WHERE id = ?`), jobID, id)
	return s.expectRow(res, err, "set job id")
}

// UpdateGenerationStatus moves a generation to status and derives the
// progress. Terminal statuses also stamp completed_at.
func (s *Store) UpdateGenerationStatus(ctx context.Context, id string, status models.GenerationStatus, videoURL, errMsg *string) error {
	var completedAt *time.Time
	if status.Terminal() {
		now := s.now()
		completedAt = &now
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE generations
		SET status = ?, progress = ?, video_url = COALESCE(?, video_url),
			error_message = COALESCE(?, error_message), completed_at = COALESCE(?, completed_at)
		WHERE id = ?`),
		string(status), status.Progress(), videoURL, errMsg, completedAt, id)
	return s.expectRow(res, err, "update generation status")
}

// ListGenerations returns the newest generations first.
func (s *Store) ListGenerations(ctx context.Context, userID string, limit int) ([]models.Generation, error) {
	if limit <= 0 || limit > HistoryLimit {
		limit = HistoryLimit
	}
	gens := []models.Generation{}
	err := s.db.SelectContext(ctx, &gens, s.q(`SELECT `+generationColumns+` FROM generations
		WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`), userID, limit)
	return gens, errors.Wrap(err, "list generations")
}

// ListPendingGenerations returns submitted, unfinished generations created
// before olderThan, oldest first.
func (s *Store) ListPendingGenerations(ctx context.Context, olderThan time.Time) ([]models.Generation, error) {
	gens := []models.Generation{}
	err := s.db.SelectContext(ctx, &gens, s.q(`SELECT `+generationColumns+` FROM generations
		WHERE status IN (?, ?) AND job_id IS NOT NULL AND created_at < ?
		ORDER BY created_at ASC LIMIT 100`),
		string(models.StatusPending), string(models.StatusProcessing), olderThan)
	return gens, errors.Wrap(err, "list pending generations")
}

// RefundGeneration returns the credits of a generation to its owner. A
// generation is refunded at most once; later calls report false.
func (s *Store) RefundGeneration(ctx context.Context, id string) (bool, error) {
	refunded := false
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var g models.Generation
		err := tx.GetContext(ctx, &g, s.q(`SELECT `+generationColumns+` FROM generations WHERE id = ?`), id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return errors.Wrap(err, "load generation")
		}
		res, err := tx.ExecContext(ctx, s.q(`UPDATE generations SET refunded = ? WHERE id = ? AND refunded = ?`), true, id, false)
		if err != nil {
			return errors.Wrap(err, "mark refunded")
		}
		if n, _ := res.RowsAffected(); n == 0 || g.CreditsUsed == 0 {
			return nil
		}
		refunded = true
		return s.addTx(ctx, tx, g.UserID, g.CreditsUsed, models.TxRefund, fmt.Sprintf("Refund for failed generation %s", id))
	})
	return refunded, err
}

func (s *Store) expectRow(res sql.Result, err error, op string) error {
	if err != nil {
		return errors.Wrap(err, op)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, op)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
