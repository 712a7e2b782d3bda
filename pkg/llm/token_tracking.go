package llm

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/soundprediction/go-docgraph/pkg/types"
)

// TokenTracker accumulates token usage for a run and, when given a DuckDB
// handle, records every call in the token_usage table.
type TokenTracker struct {
	db     *sql.DB
	logger *slog.Logger

	mu    sync.Mutex
	total types.TokenUsage
}

// NewTokenTracker creates a tracker. db may be nil for in-memory totals only.
func NewTokenTracker(db *sql.DB, logger *slog.Logger) (*TokenTracker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	t := &TokenTracker{db: db, logger: logger}
	if db != nil {
		if err := t.initSchema(); err != nil {
			return nil, fmt.Errorf("failed to initialize token_usage table: %w", err)
		}
	}
	return t, nil
}

func (t *TokenTracker) initSchema() error {
	_, err := t.db.Exec(`
	CREATE TABLE IF NOT EXISTS token_usage (
		timestamp TIMESTAMP,
		run_id VARCHAR,
		source_id VARCHAR,
		model VARCHAR,
		prompt_tokens INTEGER,
		completion_tokens INTEGER,
		total_tokens INTEGER
	);
	`)
	return err
}

// AddUsage records usage for one call. The run and source ids are read from
// the context.
func (t *TokenTracker) AddUsage(ctx context.Context, usage *types.TokenUsage, model string) error {
	if usage == nil {
		return nil
	}

	t.mu.Lock()
	t.total.Add(usage)
	t.mu.Unlock()

	if t.db == nil {
		return nil
	}

	runID, _ := ctx.Value(types.ContextKeyRunID).(string)
	sourceID, _ := ctx.Value(types.ContextKeySourceID).(string)
	_, err := t.db.ExecContext(ctx, `
	INSERT INTO token_usage (timestamp, run_id, source_id, model, prompt_tokens, completion_tokens, total_tokens)
	VALUES (?, ?, ?, ?, ?, ?, ?);
	`, time.Now().UTC(), runID, sourceID, model, usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens)
	if err != nil {
		return fmt.Errorf("failed to record token usage: %w", err)
	}
	return nil
}

// Totals returns the usage accumulated so far.
func (t *TokenTracker) Totals() types.TokenUsage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// Reset zeroes the in-memory totals, typically at the start of a run.
func (t *TokenTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total = types.TokenUsage{}
}

// TokenTrackingClient wraps a Client to track usage
type TokenTrackingClient struct {
	client  Client
	tracker *TokenTracker
	model   string
}

// NewTokenTrackingClient creates a wrapper client
func NewTokenTrackingClient(client Client, tracker *TokenTracker, model string) *TokenTrackingClient {
	return &TokenTrackingClient{
		client:  client,
		tracker: tracker,
		model:   model,
	}
}

func (c *TokenTrackingClient) record(ctx context.Context, resp *types.Response) {
	if resp == nil || resp.TokensUsed == nil {
		return
	}
	model := resp.Model
	if model == "" {
		model = c.model
	}
	if err := c.tracker.AddUsage(ctx, resp.TokensUsed, model); err != nil {
		c.tracker.logger.Warn("failed to save token usage", "error", err)
	}
}

// Chat implements Client
func (c *TokenTrackingClient) Chat(ctx context.Context, messages []types.Message) (*types.Response, error) {
	resp, err := c.client.Chat(ctx, messages)
	if err != nil {
		return nil, err
	}
	c.record(ctx, resp)
	return resp, nil
}

// ChatWithStructuredOutput implements Client
func (c *TokenTrackingClient) ChatWithStructuredOutput(ctx context.Context, messages []types.Message, schema any) (*types.Response, error) {
	resp, err := c.client.ChatWithStructuredOutput(ctx, messages, schema)
	if err != nil {
		return nil, err
	}
	c.record(ctx, resp)
	return resp, nil
}

// Close implements Client
func (c *TokenTrackingClient) Close() error {
	return c.client.Close()
}
