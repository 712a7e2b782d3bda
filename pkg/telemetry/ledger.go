// Package telemetry stores run history and error records in DuckDB for
// operator follow-up.
package telemetry

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/soundprediction/go-docgraph/pkg/pipeline"
)

// Open opens (or creates) the DuckDB database at path. An empty path opens
// an in-memory database.
func Open(path string) (*sql.DB, error) {
	if path != "" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create telemetry directory: %w", err)
			}
		}
	}
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open DuckDB: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open DuckDB: %w", err)
	}
	return db, nil
}

// RunRecord summarises one pipeline run.
type RunRecord struct {
	RunID            string
	StartedAt        time.Time
	FinishedAt       time.Time
	Committed        int
	Skipped          int
	Failed           int
	SoftErrors       int
	PromptTokens     int
	CompletionTokens int
}

// FailedDocument is a document that ended a run in the failed state.
type FailedDocument struct {
	RunID    string
	SourceID string
	State    string // last state reached before failing
	Reason   string
	FailedAt time.Time
}

// Ledger records runs and their failed documents.
type Ledger struct {
	db *sql.DB
}

// NewLedger creates the ledger tables on db if needed.
func NewLedger(ctx context.Context, db *sql.DB) (*Ledger, error) {
	l := &Ledger{db: db}
	if err := l.createTables(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) createTables(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS runs (
			run_id VARCHAR PRIMARY KEY,
			started_at TIMESTAMP,
			finished_at TIMESTAMP,
			committed INTEGER,
			skipped INTEGER,
			failed INTEGER,
			soft_errors INTEGER,
			prompt_tokens INTEGER,
			completion_tokens INTEGER
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create runs table: %w", err)
	}

	_, err = l.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS failed_documents (
			run_id VARCHAR,
			source_id VARCHAR,
			state VARCHAR,
			reason VARCHAR,
			failed_at TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create failed_documents table: %w", err)
	}
	return nil
}

// RecordRun stores a run and its failures in one transaction.
func (l *Ledger) RecordRun(ctx context.Context, run RunRecord, failures []FailedDocument) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (run_id, started_at, finished_at, committed, skipped, failed, soft_errors, prompt_tokens, completion_tokens)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.RunID, run.StartedAt.UTC(), run.FinishedAt.UTC(), run.Committed, run.Skipped, run.Failed,
		run.SoftErrors, run.PromptTokens, run.CompletionTokens)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", run.RunID, err)
	}

	for _, f := range failures {
		failedAt := f.FailedAt
		if failedAt.IsZero() {
			failedAt = run.FinishedAt
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO failed_documents (run_id, source_id, state, reason, failed_at)
			VALUES (?, ?, ?, ?, ?)
		`, run.RunID, f.SourceID, f.State, f.Reason, failedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to insert failed document %s: %w", f.SourceID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run %s: %w", run.RunID, err)
	}
	return nil
}

// RecordSummary stores a pipeline run summary.
func (l *Ledger) RecordSummary(ctx context.Context, s *pipeline.Summary) error {
	run := RunRecord{
		RunID:            s.RunID,
		StartedAt:        s.StartedAt,
		FinishedAt:       s.FinishedAt,
		Committed:        s.Committed,
		Skipped:          s.Skipped,
		Failed:           s.Failed,
		SoftErrors:       s.SoftErrors,
		PromptTokens:     s.Tokens.PromptTokens,
		CompletionTokens: s.Tokens.CompletionTokens,
	}
	failures := make([]FailedDocument, 0, len(s.Failures))
	for _, f := range s.Failures {
		failures = append(failures, FailedDocument{
			RunID:    s.RunID,
			SourceID: f.SourceID,
			State:    string(f.State),
			Reason:   f.Reason,
		})
	}
	return l.RecordRun(ctx, run, failures)
}

// LatestRun returns the most recently started run, or nil when none is
// recorded.
func (l *Ledger) LatestRun(ctx context.Context) (*RunRecord, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT run_id, started_at, finished_at, committed, skipped, failed, soft_errors, prompt_tokens, completion_tokens
		FROM runs ORDER BY started_at DESC LIMIT 1
	`)
	var r RunRecord
	err := row.Scan(&r.RunID, &r.StartedAt, &r.FinishedAt, &r.Committed, &r.Skipped, &r.Failed,
		&r.SoftErrors, &r.PromptTokens, &r.CompletionTokens)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest run: %w", err)
	}
	return &r, nil
}

// FailedDocuments lists failures of runID, or of every run when runID is
// empty, ordered by run start then source id.
func (l *Ledger) FailedDocuments(ctx context.Context, runID string) ([]FailedDocument, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT f.run_id, f.source_id, f.state, f.reason, f.failed_at
		FROM failed_documents f JOIN runs r ON r.run_id = f.run_id
		WHERE ? = '' OR f.run_id = ?
		ORDER BY r.started_at, f.source_id
	`, runID, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed documents: %w", err)
	}
	defer rows.Close()

	var out []FailedDocument
	for rows.Next() {
		var f FailedDocument
		if err := rows.Scan(&f.RunID, &f.SourceID, &f.State, &f.Reason, &f.FailedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
