package database

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"wanVideoBot/internal/models"
)

const HistoryLimit = 50

// EnsureUser creates the account on first sight and grants the free tier
// once. It reports whether the account was created.
func (s *Store) EnsureUser(ctx context.Context, userID string, freeCredits int) (bool, error) {
	created := false
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		now := s.now()
		res, err := tx.ExecContext(ctx, s.q(`INSERT INTO users (id, credits, language_code, created_at, updated_at)
			VALUES (?, ?, '', ?, ?) ON CONFLICT (id) DO NOTHING`), userID, freeCredits, now, now)
		if err != nil {
			return errors.Wrap(err, "insert user")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "insert user")
		}
		if n == 0 || freeCredits == 0 {
			created = n > 0
			return nil
		}
		created = true
		return s.insertTx(ctx, tx, userID, freeCredits, models.TxBonus, "Welcome bonus")
	})
	return created, err
}

func (s *Store) GetCredits(ctx context.Context, userID string) (int, error) {
	var credits int
	err := s.db.GetContext(ctx, &credits, s.q(`SELECT credits FROM users WHERE id = ?`), userID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return credits, errors.Wrap(err, "get credits")
}

// DeductCredits debits amount in one statement so concurrent debits cannot
// drive the balance below zero. It returns the new balance.
func (s *Store) DeductCredits(ctx context.Context, userID string, amount int, description string) (int, error) {
	var balance int
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(`UPDATE users SET credits = credits - ?, updated_at = ?
			WHERE id = ? AND credits >= ?`), amount, s.now(), userID, amount)
		if err != nil {
			return errors.Wrap(err, "deduct credits")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "deduct credits")
		}
		if n == 0 {
			var exists int
			err := tx.GetContext(ctx, &exists, s.q(`SELECT COUNT(*) FROM users WHERE id = ?`), userID)
			if err != nil {
				return errors.Wrap(err, "deduct credits")
			}
			if exists == 0 {
				return ErrNotFound
			}
			return ErrInsufficientCredits
		}
		if err := s.insertTx(ctx, tx, userID, -amount, models.TxDeduction, description); err != nil {
			return err
		}
		return errors.Wrap(tx.GetContext(ctx, &balance, s.q(`SELECT credits FROM users WHERE id = ?`), userID), "read balance")
	})
	return balance, err
}

// AddCredits credits amount and records it with the given type.
func (s *Store) AddCredits(ctx context.Context, userID string, amount int, txType models.TransactionType, description string) (int, error) {
	var balance int
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.addTx(ctx, tx, userID, amount, txType, description); err != nil {
			return err
		}
		return errors.Wrap(tx.GetContext(ctx, &balance, s.q(`SELECT credits FROM users WHERE id = ?`), userID), "read balance")
	})
	return balance, err
}

func (s *Store) addTx(ctx context.Context, tx *sqlx.Tx, userID string, amount int, txType models.TransactionType, description string) error {
	res, err := tx.ExecContext(ctx, s.q(`UPDATE users SET credits = credits + ?, updated_at = ? WHERE id = ?`),
		amount, s.now(), userID)
	if err != nil {
		return errors.Wrap(err, "add credits")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return s.insertTx(ctx, tx, userID, amount, txType, description)
}

func (s *Store) insertTx(ctx context.Context, tx *sqlx.Tx, userID string, amount int, txType models.TransactionType, description string) error {
	_, err := tx.ExecContext(ctx, s.q(`INSERT INTO credit_transactions (id, user_id, amount, type, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`), uuid.NewString(), userID, amount, string(txType), description, s.now())
	return errors.Wrap(err, "insert transaction")
}

// ListTransactions returns the newest transactions first.
func (s *Store) ListTransactions(ctx context.Context, userID string, limit int) ([]models.CreditTransaction, error) {
	if limit <= 0 || limit > HistoryLimit {
		limit = HistoryLimit
	}
	txs := []models.CreditTransaction{}
	err := s.db.SelectContext(ctx, &txs, s.q(`SELECT id, user_id, amount, type, description, created_at
		FROM credit_transactions WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`), userID, limit)
	return txs, errors.Wrap(err, "list transactions")
}
