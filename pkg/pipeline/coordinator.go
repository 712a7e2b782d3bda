// Package pipeline drives documents through load, extract, resolve and
// write, keeping a checkpoint per document so unchanged sources are skipped
// on later runs.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/soundprediction/go-docgraph/pkg/checkpoint"
	"github.com/soundprediction/go-docgraph/pkg/extractor"
	"github.com/soundprediction/go-docgraph/pkg/loader"
	"github.com/soundprediction/go-docgraph/pkg/metrics"
	"github.com/soundprediction/go-docgraph/pkg/resolver"
	"github.com/soundprediction/go-docgraph/pkg/retry"
	"github.com/soundprediction/go-docgraph/pkg/types"
	"github.com/soundprediction/go-docgraph/pkg/writer"
)

// Options tunes a run.
type Options struct {
	// Location is passed to the loader.
	Location string
	// Workers bounds the number of documents processed at once.
	Workers int
	// Retry bounds the resolve and write loop of each document.
	Retry retry.Config
	// LookupTimeout bounds the graph reads made while resolving.
	LookupTimeout time.Duration
	// Incremental asks the loader to skip sources whose modification time
	// matches their checkpoint, without fetching them. Sources with no
	// checkpoint, such as those that failed earlier, are always fetched.
	// Content hashes are compared either way.
	Incremental bool
	// Force ignores stored checkpoints and reprocesses every document.
	Force bool
}

// Config wires a Coordinator. Loader, Extractor, Graph, Writer and
// Checkpoints are required.
type Config struct {
	Loader      loader.Loader
	Extractor   extractor.Extractor
	Resolver    *resolver.Resolver
	Graph       resolver.GraphLookup
	Writer      *writer.Writer
	Checkpoints checkpoint.Store
	Metrics     *metrics.Metrics
	Recorder    Recorder
	Usage       UsageSource
	Logger      *slog.Logger
	Options     Options
}

// Coordinator runs the ingestion pipeline.
type Coordinator struct {
	loader      loader.Loader
	extractor   extractor.Extractor
	resolver    *resolver.Resolver
	graph       resolver.GraphLookup
	writer      *writer.Writer
	checkpoints checkpoint.Store
	metrics     *metrics.Metrics
	recorder    Recorder
	usage       UsageSource
	logger      *slog.Logger
	opts        Options

	mu      sync.RWMutex
	tracker *Tracker
}

// New validates cfg and creates a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	switch {
	case cfg.Loader == nil:
		return nil, errors.New("pipeline requires a loader")
	case cfg.Extractor == nil:
		return nil, errors.New("pipeline requires an extractor")
	case cfg.Graph == nil:
		return nil, errors.New("pipeline requires a graph lookup")
	case cfg.Writer == nil:
		return nil, errors.New("pipeline requires a writer")
	case cfg.Checkpoints == nil:
		return nil, errors.New("pipeline requires a checkpoint store")
	}
	if cfg.Resolver == nil {
		cfg.Resolver = resolver.New(types.DefaultMergePolicy(), cfg.Logger)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Options.Workers <= 0 {
		cfg.Options.Workers = 4
	}
	if cfg.Options.Retry.MaxAttempts == 0 {
		cfg.Options.Retry = retry.DefaultConfig()
	}
	return &Coordinator{
		loader:      cfg.Loader,
		extractor:   cfg.Extractor,
		resolver:    cfg.Resolver,
		graph:       cfg.Graph,
		writer:      cfg.Writer,
		checkpoints: cfg.Checkpoints,
		metrics:     cfg.Metrics,
		recorder:    cfg.Recorder,
		usage:       cfg.Usage,
		logger:      cfg.Logger,
		opts:        cfg.Options,
		tracker:     NewTracker(),
	}, nil
}

// Tracker returns the tracker of the current or most recent run.
func (c *Coordinator) Tracker() *Tracker {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tracker
}

// runState collects the outcome of one run across workers.
type runState struct {
	mu      sync.Mutex
	summary *Summary
	tracker *Tracker
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func (r *runState) transition(sourceID string, next types.DocumentState) {
	if err := r.tracker.Transition(sourceID, next); err != nil {
		r.logger.Error("state transition rejected", "source_id", sourceID, "error", err)
	}
}

func (r *runState) skip(sourceID string) {
	r.transition(sourceID, types.StateSkipped)
	r.metrics.Document(types.StateSkipped)
	r.mu.Lock()
	r.summary.Skipped++
	r.mu.Unlock()
	r.logger.Debug("document unchanged", "source_id", sourceID)
}

func (r *runState) commit(sourceID string, res *types.CommitResult) {
	r.transition(sourceID, types.StateCommitted)
	r.metrics.Document(types.StateCommitted)
	r.mu.Lock()
	r.summary.Committed++
	r.summary.Mutations += res.Mutations()
	r.mu.Unlock()
}

func (r *runState) fail(ctx context.Context, sourceID string, err error) {
	last := types.StatePending
	if st, ok := r.tracker.Status(sourceID); ok {
		last = st.State
	}
	reason := err.Error()
	if err := r.tracker.Fail(sourceID, reason); err != nil {
		r.logger.Error("state transition rejected", "source_id", sourceID, "error", err)
	}
	r.metrics.Document(types.StateFailed)
	r.mu.Lock()
	r.summary.Failed++
	r.summary.Failures = append(r.summary.Failures, Failure{SourceID: sourceID, State: last, Reason: reason})
	r.mu.Unlock()
	r.logger.ErrorContext(ctx, "document failed", "source_id", sourceID, "state", last, "error", err)
}

func (r *runState) softErrors(n int) {
	r.metrics.SoftErrors(n)
	r.mu.Lock()
	r.summary.SoftErrors += n
	r.mu.Unlock()
}

// Run ingests every document the loader yields. Document failures are
// reported in the summary and never abort the run; the returned error is
// non-nil only when the source could not be enumerated, the checkpoints
// of an incremental run could not be listed, or ctx was cancelled.
func (c *Coordinator) Run(ctx context.Context) (*Summary, error) {
	runID := uuid.NewString()
	ctx = context.WithValue(ctx, types.ContextKeyRunID, runID)
	logger := c.logger.With("run_id", runID)

	tracker := NewTracker()
	c.mu.Lock()
	c.tracker = tracker
	c.mu.Unlock()
	if c.usage != nil {
		c.usage.Reset()
	}

	r := &runState{
		summary: &Summary{RunID: runID, StartedAt: time.Now().UTC()},
		tracker: tracker,
		metrics: c.metrics,
		logger:  logger,
	}

	var loadOpts loader.LoadOptions
	var known int
	if c.opts.Incremental && !c.opts.Force {
		committed, err := c.committedVersions(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read checkpoints: %w", err)
		}
		known = len(committed)
		loadOpts.Unmodified = func(sourceID string, modified time.Time) bool {
			at, ok := committed[sourceID]
			return ok && !modified.After(at)
		}
	}

	logger.Info("run started", "location", c.opts.Location, "workers", c.opts.Workers,
		"incremental", loadOpts.Unmodified != nil, "known_sources", known)

	g := new(errgroup.Group)
	g.SetLimit(c.opts.Workers)

	var runErr error
	for doc, err := range c.loader.Load(ctx, c.opts.Location, loadOpts) {
		if err != nil {
			if errors.Is(err, types.ErrSourceUnavailable) {
				runErr = err
				break
			}
			if ctx.Err() != nil {
				break
			}
			sourceID := "unknown"
			var de *types.DocumentError
			if errors.As(err, &de) {
				sourceID = de.SourceID
			}
			tracker.Begin(sourceID)
			r.fail(ctx, sourceID, err)
			continue
		}
		if ctx.Err() != nil {
			break
		}
		if !tracker.Begin(doc.SourceID) {
			logger.Warn("duplicate source id in run", "source_id", doc.SourceID)
			continue
		}
		g.Go(func() error {
			c.process(ctx, r, doc)
			return nil
		})
	}
	_ = g.Wait()

	s := r.summary
	s.FinishedAt = time.Now().UTC()
	slices.SortFunc(s.Failures, func(a, b Failure) int { return strings.Compare(a.SourceID, b.SourceID) })
	if c.usage != nil {
		s.Tokens = c.usage.Totals()
	}
	if runErr == nil && ctx.Err() != nil {
		s.Cancelled = true
		runErr = ctx.Err()
	}

	if c.recorder != nil {
		if err := c.recorder.RecordSummary(context.WithoutCancel(ctx), s); err != nil {
			logger.Error("failed to record run", "error", err)
		}
	}

	logger.Info("run finished",
		"committed", s.Committed,
		"skipped", s.Skipped,
		"failed", s.Failed,
		"soft_errors", s.SoftErrors,
		"mutations", s.Mutations,
		"duration", s.Duration())
	for _, f := range s.Failures {
		logger.Warn("failed document", "source_id", f.SourceID, "state", f.State, "reason", f.Reason)
	}
	return s, runErr
}

// committedVersions maps each checkpointed source to the modification time
// it was committed at. Checkpoints without one are left out, so those
// sources are fetched and compared by hash.
func (c *Coordinator) committedVersions(ctx context.Context) (map[string]time.Time, error) {
	all, err := c.checkpoints.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]time.Time, len(all))
	for _, cp := range all {
		if !cp.SourceModifiedAt.IsZero() {
			out[cp.SourceID] = cp.SourceModifiedAt
		}
	}
	return out, nil
}

func withStage(ctx context.Context, stage string) context.Context {
	return context.WithValue(ctx, types.ContextKeyStage, stage)
}

// process takes one document from Pending to a terminal state.
func (c *Coordinator) process(ctx context.Context, r *runState, doc *types.Document) {
	c.metrics.InFlight(1)
	defer c.metrics.InFlight(-1)

	ctx = context.WithValue(ctx, types.ContextKeySourceID, doc.SourceID)
	log := r.logger.With("source_id", doc.SourceID)

	if err := ctx.Err(); err != nil {
		r.fail(ctx, doc.SourceID, fmt.Errorf("cancelled before processing: %w", err))
		return
	}

	if !c.opts.Force {
		start := time.Now()
		cp, err := c.checkpoints.Get(withStage(ctx, metrics.StageCheckpoint), doc.SourceID)
		c.metrics.ObserveStage(metrics.StageCheckpoint, time.Since(start))
		switch {
		case err == nil && cp.LastContentHash == doc.ContentHash:
			r.skip(doc.SourceID)
			return
		case err != nil && !errors.Is(err, types.ErrCheckpointNotFound):
			r.fail(ctx, doc.SourceID, fmt.Errorf("failed to read checkpoint: %w", err))
			return
		}
	}
	r.transition(doc.SourceID, types.StateLoaded)

	start := time.Now()
	ext, err := c.extractor.Extract(withStage(ctx, metrics.StageExtract), doc)
	c.metrics.ObserveStage(metrics.StageExtract, time.Since(start))
	if err != nil {
		r.fail(ctx, doc.SourceID, fmt.Errorf("extraction failed: %w", err))
		return
	}
	if n := len(ext.SoftErrors); n > 0 {
		r.softErrors(n)
		for _, se := range ext.SoftErrors {
			log.Warn("extraction unit skipped", "error", se)
		}
	}
	r.transition(doc.SourceID, types.StateExtracted)
	log.Debug("extracted candidates", "units", ext.Units, "entities", len(ext.Entities), "relationships", len(ext.Relationships))

	res, err := c.resolveAndWrite(ctx, r, doc.SourceID, ext)
	if err != nil {
		r.fail(ctx, doc.SourceID, err)
		return
	}

	// The graph holds the document now; a cancelled run still must not
	// record it, so the next run reprocesses it idempotently.
	if err := ctx.Err(); err != nil {
		r.fail(ctx, doc.SourceID, fmt.Errorf("cancelled before checkpoint: %w", err))
		return
	}
	start = time.Now()
	err = c.checkpoints.Put(withStage(ctx, metrics.StageCheckpoint), &types.IngestionCheckpoint{
		SourceID:         doc.SourceID,
		LastContentHash:  doc.ContentHash,
		ProcessedAt:      time.Now().UTC(),
		SourceModifiedAt: doc.ModifiedAt,
	})
	c.metrics.ObserveStage(metrics.StageCheckpoint, time.Since(start))
	if err != nil {
		r.fail(ctx, doc.SourceID, fmt.Errorf("failed to store checkpoint: %w", err))
		return
	}

	r.commit(doc.SourceID, res)
	log.Info("document committed",
		"entities_created", res.EntitiesCreated,
		"entities_updated", res.EntitiesUpdated,
		"relationships_created", res.RelationshipsCreated,
		"relationships_updated", res.RelationshipsUpdated)
}

// resolveAndWrite resolves against a fresh graph read and commits, going
// back to resolution on every retryable failure until the retry budget is
// spent.
func (c *Coordinator) resolveAndWrite(ctx context.Context, r *runState, sourceID string, ext *extractor.Extraction) (*types.CommitResult, error) {
	cfg := c.opts.Retry
	cfg.Retryable = types.IsRetryable
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		c.metrics.Retry(metrics.StageWrite)
		r.logger.Warn("write attempt failed, retrying",
			"source_id", sourceID, "attempt", attempt, "delay", delay, "error", err)
	}

	return retry.DoWithResult(ctx, cfg, func(attempt int) (*types.CommitResult, error) {
		plan, err := c.resolve(withStage(ctx, metrics.StageResolve), ext)
		if err != nil {
			return nil, err
		}
		plan.SourceID = sourceID
		r.transition(sourceID, types.StateResolved)
		return c.writer.Upsert(withStage(ctx, metrics.StageWrite), plan)
	})
}

func (c *Coordinator) resolve(ctx context.Context, ext *extractor.Extraction) (*types.UpsertPlan, error) {
	if c.opts.LookupTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.LookupTimeout)
		defer cancel()
	}
	start := time.Now()
	plan, err := c.resolver.Resolve(ctx, ext.Entities, ext.Relationships, c.graph)
	c.metrics.ObserveStage(metrics.StageResolve, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("resolution failed: %w", err)
	}
	return plan, nil
}
