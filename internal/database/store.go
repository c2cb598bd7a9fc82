package database

import (
	"context"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInsufficientCredits = errors.New("insufficient credits")
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Store is the credit ledger, generation history and bot session store.
// The same schema runs on SQLite and Postgres.
type Store struct {
	db     *sqlx.DB
	driver string
	mu     sync.Mutex
	now    func() time.Time
}

func Open(driver, dsn string) (*Store, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", driver)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "ping %s", driver)
	}
	s := New(db, driver)
	if err := s.initTables(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func New(db *sqlx.DB, driver string) *Store {
	return &Store{
		db:     db,
		driver: driver,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) initTables(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			credits INTEGER NOT NULL DEFAULT 0,
			language_code TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS credit_transactions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			amount INTEGER NOT NULL,
			type TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_credit_transactions_user ON credit_transactions (user_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS generations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			mode TEXT NOT NULL,
			prompt TEXT NOT NULL,
			negative_prompt TEXT,
			image_url TEXT,
			model TEXT NOT NULL,
			resolution TEXT NOT NULL,
			duration INTEGER NOT NULL,
			seed BIGINT,
			status TEXT NOT NULL,
			progress INTEGER NOT NULL DEFAULT 0,
			video_url TEXT,
			error_message TEXT,
			credits_used INTEGER NOT NULL,
			job_id TEXT,
			refunded BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_generations_user ON generations (user_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_generations_job ON generations (job_id)`,
		`CREATE TABLE IF NOT EXISTS user_states (
			user_id TEXT PRIMARY KEY,
			state TEXT NOT NULL DEFAULT 'IDLE',
			selected_model TEXT NOT NULL DEFAULT '',
			draft_options TEXT NOT NULL DEFAULT '{}'
		)`,
	}

	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return errors.Wrap(err, "init tables")
		}
	}
	return nil
}

// withTx runs fn in a transaction and commits when it returns nil.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "commit")
}

func (s *Store) q(query string) string {
	return s.db.Rebind(query)
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
