// Package postgres implements the optional run ledger: a durable record of
// each pipeline run's target date, terminal state, content hash, and
// timing, used to answer "what was last published" without touching the
// Artifact Store.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/oilsignal/oilsignal/internal/domain"
)

// RunRecord is one row of the run ledger.
type RunRecord struct {
	TargetDate  time.Time  `db:"target_date"`
	State       string     `db:"state"`
	ContentHash string     `db:"content_hash"`
	StartedAt   time.Time  `db:"started_at"`
	FinishedAt  *time.Time `db:"finished_at"`
	Error       *string    `db:"error"`
}

// RunLedger records and retrieves run outcomes.
type RunLedger struct {
	db      *sqlx.DB
	timeout time.Duration
}

// Open connects to dsn and returns a RunLedger, creating its table if
// absent.
func Open(dsn string, timeout time.Duration) (*RunLedger, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect run ledger db: %w", err)
	}
	ledger := &RunLedger{db: db, timeout: timeout}
	if err := ledger.migrate(); err != nil {
		return nil, err
	}
	return ledger, nil
}

func (l *RunLedger) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()
	_, err := l.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS pipeline_runs (
			target_date  DATE PRIMARY KEY,
			state        TEXT NOT NULL,
			content_hash TEXT NOT NULL DEFAULT '',
			started_at   TIMESTAMPTZ NOT NULL,
			finished_at  TIMESTAMPTZ,
			error        TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("migrate run ledger: %w", err)
	}
	return nil
}

// Upsert records a run's outcome, replacing any existing row for the same
// target date.
func (l *RunLedger) Upsert(ctx context.Context, date domain.Date, state string, contentHash string, startedAt, finishedAt time.Time, runErr error) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	var errText *string
	if runErr != nil {
		s := runErr.Error()
		errText = &s
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO pipeline_runs (target_date, state, content_hash, started_at, finished_at, error)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (target_date) DO UPDATE SET
			state = EXCLUDED.state,
			content_hash = EXCLUDED.content_hash,
			started_at = EXCLUDED.started_at,
			finished_at = EXCLUDED.finished_at,
			error = EXCLUDED.error
	`, date.Time(), state, contentHash, startedAt, finishedAt, errText)
	if err != nil {
		return fmt.Errorf("upsert run ledger row: %w", err)
	}
	return nil
}

// Latest returns the run record with the greatest target date, or
// sql.ErrNoRows if the ledger is empty.
func (l *RunLedger) Latest(ctx context.Context) (RunRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	var rec RunRecord
	err := l.db.GetContext(ctx, &rec, `
		SELECT target_date, state, content_hash, started_at, finished_at, error
		FROM pipeline_runs
		ORDER BY target_date DESC
		LIMIT 1
	`)
	if err != nil {
		if err == sql.ErrNoRows {
			return RunRecord{}, err
		}
		return RunRecord{}, fmt.Errorf("query latest run: %w", err)
	}
	return rec, nil
}

// Close releases the underlying database connection pool.
func (l *RunLedger) Close() error {
	return l.db.Close()
}
