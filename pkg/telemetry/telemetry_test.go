package telemetry

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundprediction/go-docgraph/pkg/pipeline"
	"github.com/soundprediction/go-docgraph/pkg/types"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "telemetry", "docgraph.duckdb"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestDuckDBHandler(t *testing.T) {
	db := openTestDB(t)

	var buf bytes.Buffer
	h, err := NewDuckDBHandler(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}), db)
	require.NoError(t, err)
	logger := slog.New(h).With("component", "pipeline")

	ctx := context.WithValue(context.Background(), types.ContextKeyRunID, "run-1")
	ctx = context.WithValue(ctx, types.ContextKeyStage, "write")

	logger.InfoContext(ctx, "document committed", "source_id", "a.txt")
	logger.ErrorContext(ctx, "document failed", "source_id", "b.txt", "error", errors.New("boom"))
	h.Flush()

	assert.Contains(t, buf.String(), "document committed")
	assert.Contains(t, buf.String(), "document failed")

	records, err := ExecutionErrors(context.Background(), db, "run-1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, ExecutionError{
		Level:    "ERROR",
		Message:  "document failed",
		RunID:    "run-1",
		SourceID: "b.txt",
		Stage:    "write",
	}, records[0])

	none, err := ExecutionErrors(context.Background(), db, "run-2")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestLedger(t *testing.T) {
	ctx := context.Background()
	ledger, err := NewLedger(ctx, openTestDB(t))
	require.NoError(t, err)

	latest, err := ledger.LatestRun(ctx)
	require.NoError(t, err)
	assert.Nil(t, latest)

	t0 := time.Date(2024, 3, 3, 9, 0, 0, 0, time.UTC)
	require.NoError(t, ledger.RecordRun(ctx, RunRecord{
		RunID: "run-1", StartedAt: t0, FinishedAt: t0.Add(time.Minute), Committed: 2, Failed: 1,
	}, []FailedDocument{{SourceID: "bad.txt", State: "loaded", Reason: "document unreadable"}}))
	require.NoError(t, ledger.RecordRun(ctx, RunRecord{
		RunID: "run-2", StartedAt: t0.Add(time.Hour), FinishedAt: t0.Add(61 * time.Minute), Skipped: 2, Failed: 2,
	}, []FailedDocument{
		{SourceID: "z.txt", State: "resolved", Reason: "retry budget exhausted"},
		{SourceID: "bad.txt", State: "loaded", Reason: "document unreadable"},
	}))

	latest, err = ledger.LatestRun(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "run-2", latest.RunID)
	assert.Equal(t, 2, latest.Skipped)
	assert.True(t, latest.StartedAt.Equal(t0.Add(time.Hour)))

	all, err := ledger.FailedDocuments(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "run-1", all[0].RunID)
	assert.Equal(t, "bad.txt", all[1].SourceID)
	assert.Equal(t, "z.txt", all[2].SourceID)
	assert.True(t, all[0].FailedAt.Equal(t0.Add(time.Minute)))

	second, err := ledger.FailedDocuments(ctx, "run-2")
	require.NoError(t, err)
	assert.Len(t, second, 2)

	// Run ids are unique.
	assert.Error(t, ledger.RecordRun(ctx, RunRecord{RunID: "run-1", StartedAt: t0}, nil))
}

func TestLedgerRecordSummary(t *testing.T) {
	ctx := context.Background()
	ledger, err := NewLedger(ctx, openTestDB(t))
	require.NoError(t, err)

	var _ pipeline.Recorder = ledger

	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, ledger.RecordSummary(ctx, &pipeline.Summary{
		RunID:      "run-9",
		StartedAt:  t0,
		FinishedAt: t0.Add(time.Second),
		Committed:  1,
		Failed:     1,
		Failures:   []pipeline.Failure{{SourceID: "b.txt", State: types.StateResolved, Reason: "retry budget exhausted"}},
		Tokens:     types.TokenUsage{PromptTokens: 7, CompletionTokens: 3},
	}))

	latest, err := ledger.LatestRun(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 7, latest.PromptTokens)

	failed, err := ledger.FailedDocuments(ctx, "run-9")
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "resolved", failed[0].State)
	assert.True(t, failed[0].FailedAt.Equal(t0.Add(time.Second)))
}
