package docgraph

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/soundprediction/go-docgraph/pkg/cache"
	"github.com/soundprediction/go-docgraph/pkg/checkpoint"
	"github.com/soundprediction/go-docgraph/pkg/config"
	"github.com/soundprediction/go-docgraph/pkg/driver"
	"github.com/soundprediction/go-docgraph/pkg/extractor"
	"github.com/soundprediction/go-docgraph/pkg/llm"
	"github.com/soundprediction/go-docgraph/pkg/loader"
	"github.com/soundprediction/go-docgraph/pkg/logger"
	"github.com/soundprediction/go-docgraph/pkg/metrics"
	"github.com/soundprediction/go-docgraph/pkg/pipeline"
	"github.com/soundprediction/go-docgraph/pkg/resolver"
	"github.com/soundprediction/go-docgraph/pkg/retry"
	"github.com/soundprediction/go-docgraph/pkg/telemetry"
	"github.com/soundprediction/go-docgraph/pkg/writer"
)

// llmCacheSize is the number of replies kept in the in-process tier.
const llmCacheSize = 4096

// runOptions carries per-invocation switches that have no config key.
type runOptions struct {
	Incremental bool
	Force       bool
}

// app holds everything a run needs. Close releases it in reverse order.
type app struct {
	cfg         *config.Config
	logger      *slog.Logger
	graph       driver.GraphStore
	checkpoints checkpoint.Store
	registry    *prometheus.Registry
	ledger      *telemetry.Ledger
	coordinator *pipeline.Coordinator

	errors  *telemetry.DuckDBHandler
	closers []func() error
}

// newApp opens the stores named by cfg and wires a coordinator over them.
// Log output goes to w.
func newApp(ctx context.Context, cfg *config.Config, opts runOptions, w io.Writer) (_ *app, err error) {
	a := &app{cfg: cfg, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	db, err := a.openLogger(w)
	if err != nil {
		return nil, err
	}
	log := a.logger

	a.graph, err = driver.NewFromConfig(cfg.Graph, log)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error { return a.graph.Close(context.WithoutCancel(ctx)) })
	if err := a.graph.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure graph schema: %w", err)
	}

	a.checkpoints, err = checkpoint.NewFromConfig(cfg.Checkpoint, a.graph, log)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.checkpoints.Close)

	rc := retry.Config{
		MaxAttempts:  cfg.Pipeline.MaxAttempts,
		InitialDelay: cfg.Pipeline.BackoffInitial,
		MaxDelay:     cfg.Pipeline.BackoffMax,
		Multiplier:   2.0,
		AddJitter:    true,
	}
	src, err := loader.NewFromConfig(ctx, cfg.Source, cfg.Pipeline.FetchTimeout, rc, log)
	if err != nil {
		return nil, err
	}

	x, usage, err := a.newExtractor(db)
	if err != nil {
		return nil, err
	}

	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(a.registry)
	if err != nil {
		return nil, err
	}

	policy, err := cfg.MergePolicy()
	if err != nil {
		return nil, err
	}

	var recorder pipeline.Recorder
	if db != nil {
		a.ledger, err = telemetry.NewLedger(ctx, db)
		if err != nil {
			return nil, err
		}
		recorder = a.ledger
	}

	a.coordinator, err = pipeline.New(pipeline.Config{
		Loader:      src,
		Extractor:   x,
		Resolver:    resolver.New(policy, log),
		Graph:       a.graph,
		Writer:      writer.New(a.graph, writer.Options{Timeout: cfg.Pipeline.TransactionTimeout, Metrics: m, Logger: log}),
		Checkpoints: a.checkpoints,
		Metrics:     m,
		Recorder:    recorder,
		Usage:       usage,
		Logger:      log,
		Options: pipeline.Options{
			Location:      sourceLocation(cfg.Source),
			Workers:       cfg.Pipeline.Workers,
			Retry:         rc,
			LookupTimeout: cfg.Pipeline.TransactionTimeout,
			Incremental:   opts.Incremental,
			Force:         opts.Force,
		},
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// openLogger builds the logger and, when a ledger path is configured, the
// DuckDB connection that also captures error records.
func (a *app) openLogger(w io.Writer) (*sql.DB, error) {
	level, err := logger.ParseLevel(a.cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	handler := logger.NewHandler(w, level, a.cfg.Log.Format)

	var db *sql.DB
	if a.cfg.Telemetry.DuckDBPath != "" {
		db, err = telemetry.Open(a.cfg.Telemetry.DuckDBPath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		a.errors, err = telemetry.NewDuckDBHandler(handler, db)
		if err != nil {
			return nil, err
		}
		handler = a.errors
	}

	a.logger = slog.New(handler)
	return db, nil
}

// newExtractor returns the configured extractor and, for model-backed
// extraction, the token tracker feeding run summaries.
func (a *app) newExtractor(db *sql.DB) (extractor.Extractor, pipeline.UsageSource, error) {
	cfg := a.cfg.Extractor
	splitter, err := extractor.NewSplitter(cfg.Splitter, cfg.ChunkSize, cfg.Overlap, cfg.TokenEncoding)
	if err != nil {
		return nil, nil, err
	}
	normalizer := extractor.NewNormalizer(cfg.Synonyms, cfg.Types)
	vocabulary := extractor.NewVocabulary(cfg.Predicates, cfg.ClosedVocabulary)

	if cfg.Kind != "llm" {
		return extractor.NewRuleExtractor(extractor.RuleOptions{
			Splitter:              splitter,
			Normalizer:            normalizer,
			Vocabulary:            vocabulary,
			Gazetteer:             cfg.Gazetteer,
			CoOccurrencePredicate: cfg.CoOccurrencePredicate,
			MaxUnitChars:          cfg.MaxUnitChars,
		}), nil, nil
	}

	lc := a.cfg.LLM
	openai, err := llm.NewOpenAIClient(&llm.LLMConfig{
		APIKey:      lc.APIKey,
		Model:       lc.Model,
		BaseURL:     lc.BaseURL,
		Temperature: lc.Temperature,
		MaxTokens:   lc.MaxTokens,
	})
	if err != nil {
		return nil, nil, err
	}
	tracker, err := llm.NewTokenTracker(db, a.logger)
	if err != nil {
		return nil, nil, err
	}
	var client llm.Client = llm.NewBreakerClient(openai, llm.BreakerSettings{
		MaxFailures: lc.Breaker.MaxFailures,
		OpenTimeout: lc.Breaker.OpenTimeout,
	}, a.logger)
	client = llm.NewTokenTrackingClient(client, tracker, lc.Model)
	a.closers = append(a.closers, client.Close)

	var replies cache.Cache = cache.NewLRUCache(llmCacheSize, lc.CacheTTL)
	if lc.CachePath != "" {
		durable, err := cache.NewBadgerCache(lc.CachePath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open reply cache: %w", err)
		}
		replies = cache.NewTiered(replies, durable)
	}
	a.closers = append(a.closers, replies.Close)

	x, err := extractor.NewLLMExtractor(extractor.LLMOptions{
		Client:      client,
		Model:       lc.Model,
		Splitter:    splitter,
		Normalizer:  normalizer,
		Vocabulary:  vocabulary,
		EntityTypes: entityTypes(cfg.Types),
		Cache:       replies,
		CacheTTL:    lc.CacheTTL,
		Timeout:     a.cfg.Pipeline.InferenceTimeout,
		Logger:      a.logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return x, tracker, nil
}

// Close flushes pending error records and releases stores.
func (a *app) Close() error {
	if a.errors != nil {
		a.errors.Flush()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// sourceLocation is the location handed to the loader. S3 sources fall back
// to the configured bucket and prefix unless an s3:// URL is given.
func sourceLocation(cfg config.SourceConfig) string {
	if cfg.Type == "s3" && !strings.HasPrefix(cfg.Location, "s3://") {
		return ""
	}
	return cfg.Location
}

// entityTypes lists the canonical labels from the type alias map, or nil
// for the extractor defaults.
func entityTypes(aliases map[string]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, label := range aliases {
		label = strings.ToUpper(strings.TrimSpace(label))
		if label == "" || seen[label] {
			continue
		}
		seen[label] = true
		out = append(out, label)
	}
	if len(out) == 0 {
		return nil
	}
	slices.Sort(out)
	return out
}
