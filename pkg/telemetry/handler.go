package telemetry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"

	"github.com/google/uuid"

	"github.com/soundprediction/go-docgraph/pkg/types"
)

// DuckDBHandler is a slog.Handler that forwards every record to next and
// additionally stores error records in the execution_errors table.
type DuckDBHandler struct {
	next slog.Handler
	db   *sql.DB
	wg   *sync.WaitGroup
}

// NewDuckDBHandler creates a new DuckDBHandler
func NewDuckDBHandler(next slog.Handler, db *sql.DB) (*DuckDBHandler, error) {
	h := &DuckDBHandler{
		next: next,
		db:   db,
		wg:   &sync.WaitGroup{},
	}

	if err := h.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return h, nil
}

func (h *DuckDBHandler) initSchema() error {
	_, err := h.db.Exec(`
	CREATE TABLE IF NOT EXISTS execution_errors (
		id VARCHAR,
		timestamp TIMESTAMP,
		level VARCHAR,
		message VARCHAR,
		run_id VARCHAR,
		source_id VARCHAR,
		stage VARCHAR,
		source_file VARCHAR,
		line_number INTEGER,
		attributes JSON
	);
	`)
	return err
}

// Enabled implements slog.Handler
func (h *DuckDBHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

// Handle implements slog.Handler
func (h *DuckDBHandler) Handle(ctx context.Context, r slog.Record) error {
	if err := h.next.Handle(ctx, r); err != nil {
		return err
	}
	if r.Level < slog.LevelError {
		return nil
	}

	runID, _ := ctx.Value(types.ContextKeyRunID).(string)
	sourceID, _ := ctx.Value(types.ContextKeySourceID).(string)
	stage, _ := ctx.Value(types.ContextKeyStage).(string)

	attrs := make(map[string]any)
	r.Attrs(func(a slog.Attr) bool {
		v := a.Value.Resolve().Any()
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		attrs[a.Key] = v
		// Attributes override the context when both are present.
		switch a.Key {
		case "run_id":
			runID = a.Value.String()
		case "source_id":
			sourceID = a.Value.String()
		}
		return true
	})
	attrsJSON, _ := json.Marshal(attrs)

	var sourceFile string
	var line int
	if r.PC != 0 {
		f, _ := runtime.CallersFrames([]uintptr{r.PC}).Next()
		sourceFile, line = f.File, f.Line
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		_, err := h.db.Exec(`
		INSERT INTO execution_errors (
			id, timestamp, level, message,
			run_id, source_id, stage,
			source_file, line_number, attributes
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`,
			uuid.NewString(), r.Time.UTC(), r.Level.String(), r.Message,
			runID, sourceID, stage,
			sourceFile, line, string(attrsJSON),
		)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to log error to DuckDB: %v\n", err)
		}
	}()

	return nil
}

// Flush waits for pending inserts.
func (h *DuckDBHandler) Flush() {
	h.wg.Wait()
}

// WithAttrs implements slog.Handler
func (h *DuckDBHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &DuckDBHandler{next: h.next.WithAttrs(attrs), db: h.db, wg: h.wg}
}

// WithGroup implements slog.Handler
func (h *DuckDBHandler) WithGroup(name string) slog.Handler {
	return &DuckDBHandler{next: h.next.WithGroup(name), db: h.db, wg: h.wg}
}

// ExecutionError is one stored error record.
type ExecutionError struct {
	Level    string
	Message  string
	RunID    string
	SourceID string
	Stage    string
}

// ExecutionErrors returns stored error records for runID, or all records
// when runID is empty, oldest first.
func ExecutionErrors(ctx context.Context, db *sql.DB, runID string) ([]ExecutionError, error) {
	rows, err := db.QueryContext(ctx, `
	SELECT level, message, run_id, source_id, stage
	FROM execution_errors
	WHERE ? = '' OR run_id = ?
	ORDER BY timestamp;
	`, runID, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query execution errors: %w", err)
	}
	defer rows.Close()

	var out []ExecutionError
	for rows.Next() {
		var e ExecutionError
		if err := rows.Scan(&e.Level, &e.Message, &e.RunID, &e.SourceID, &e.Stage); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
