// Package writer commits upsert plans to the graph store.
package writer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/soundprediction/go-docgraph/pkg/driver"
	"github.com/soundprediction/go-docgraph/pkg/metrics"
	"github.com/soundprediction/go-docgraph/pkg/types"
)

// Writer applies one document's plan per transaction.
type Writer struct {
	store   driver.GraphStore
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// Options configures a Writer.
type Options struct {
	// Timeout bounds each transaction; zero means no limit beyond ctx.
	Timeout time.Duration
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// New creates a writer over store.
func New(store driver.GraphStore, opts Options) *Writer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{store: store, timeout: opts.Timeout, metrics: opts.Metrics, logger: logger}
}

// Upsert validates and commits plan. An empty plan commits nothing. The
// error wraps types.ErrWriteConflict when the graph changed since the plan
// was resolved; callers re-resolve and try again.
func (w *Writer) Upsert(ctx context.Context, plan *types.UpsertPlan) (*types.CommitResult, error) {
	if plan.Empty() {
		return &types.CommitResult{}, nil
	}
	if err := Validate(plan); err != nil {
		return nil, err
	}

	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := w.store.Commit(ctx, plan)
	w.metrics.ObserveStage(metrics.StageWrite, time.Since(start))
	if err != nil {
		if errors.Is(err, types.ErrWriteConflict) {
			w.metrics.WriteConflict()
			w.logger.Warn("write conflict", "source_id", plan.SourceID, "error", err)
		}
		return nil, fmt.Errorf("failed to commit %s: %w", plan.SourceID, err)
	}

	w.metrics.Mutations(res)
	w.logger.Debug("committed plan",
		"source_id", plan.SourceID,
		"entities_created", res.EntitiesCreated,
		"entities_updated", res.EntitiesUpdated,
		"relationships_created", res.RelationshipsCreated,
		"relationships_updated", res.RelationshipsUpdated)
	return res, nil
}

// Validate checks the graph invariants a plan must satisfy before it is
// sent to the store.
func Validate(plan *types.UpsertPlan) error {
	var errs []error
	keys := make(map[string]bool, len(plan.Entities))
	for _, e := range plan.Entities {
		switch {
		case e.Key == "":
			errs = append(errs, errors.New("entity without key"))
		case keys[e.Key]:
			errs = append(errs, fmt.Errorf("duplicate entity %s", e.Key))
		case e.Key != types.EntityKey(e.Type, e.CanonicalName):
			errs = append(errs, fmt.Errorf("entity %s does not match its type and name", e.Key))
		}
		if len(e.Provenance) == 0 {
			errs = append(errs, fmt.Errorf("entity %s has no provenance", e.Key))
		}
		if e.Version < 0 {
			errs = append(errs, fmt.Errorf("entity %s has negative version", e.Key))
		}
		keys[e.Key] = true
	}

	seen := make(map[types.RelationshipKey]bool, len(plan.Relationships))
	for _, r := range plan.Relationships {
		k := r.Key()
		switch {
		case r.Subject == "" || r.Object == "" || r.Predicate == "":
			errs = append(errs, fmt.Errorf("incomplete relationship %s", k))
		case seen[k]:
			errs = append(errs, fmt.Errorf("duplicate relationship %s", k))
		}
		if len(r.Provenance) == 0 {
			errs = append(errs, fmt.Errorf("relationship %s has no provenance", k))
		}
		seen[k] = true
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", types.ErrInvalidPlan, errors.Join(errs...))
	}
	return nil
}
