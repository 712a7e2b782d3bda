package pipeline_test

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/soundprediction/go-docgraph/pkg/checkpoint"
	"github.com/soundprediction/go-docgraph/pkg/driver"
	"github.com/soundprediction/go-docgraph/pkg/extractor"
	"github.com/soundprediction/go-docgraph/pkg/loader"
	"github.com/soundprediction/go-docgraph/pkg/metrics"
	"github.com/soundprediction/go-docgraph/pkg/pipeline"
	"github.com/soundprediction/go-docgraph/pkg/retry"
	"github.com/soundprediction/go-docgraph/pkg/types"
	"github.com/soundprediction/go-docgraph/pkg/writer"
)

type loadItem struct {
	doc *types.Document
	err error
}

// sliceLoader yields a fixed list of documents and errors.
type sliceLoader struct {
	mu       sync.Mutex
	items    []loadItem
	lastOpts loader.LoadOptions
}

func (l *sliceLoader) set(docs ...*types.Document) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = nil
	for _, d := range docs {
		l.items = append(l.items, loadItem{doc: d})
	}
}

func (l *sliceLoader) add(d *types.Document) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append(l.items, loadItem{doc: d})
}

func (l *sliceLoader) addError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append(l.items, loadItem{err: err})
}

func (l *sliceLoader) Load(ctx context.Context, location string, opts loader.LoadOptions) iter.Seq2[*types.Document, error] {
	l.mu.Lock()
	l.lastOpts = opts
	items := slices.Clone(l.items)
	l.mu.Unlock()
	return func(yield func(*types.Document, error) bool) {
		for _, it := range items {
			if !yield(it.doc, it.err) {
				return
			}
		}
	}
}

// scriptExtractor reads candidates from lines of the form
//
//	E|TYPE|name|attr=value...
//	R|TYPE:subject|predicate|TYPE:object
//	FAIL
type scriptExtractor struct {
	// before runs ahead of every extraction.
	before func(ctx context.Context, doc *types.Document) error
}

func (x *scriptExtractor) Extract(ctx context.Context, doc *types.Document) (*extractor.Extraction, error) {
	if x.before != nil {
		if err := x.before(ctx, doc); err != nil {
			return nil, err
		}
	}
	out := &extractor.Extraction{}
	for _, line := range strings.Split(string(doc.Content), "\n") {
		out.Units++
		f := strings.Split(strings.TrimSpace(line), "|")
		switch f[0] {
		case "FAIL":
			return nil, fmt.Errorf("all units of %s failed: %w", doc.SourceID, types.ErrExtractionUnit)
		case "SOFT":
			out.SoftErrors = append(out.SoftErrors, &types.UnitError{SourceID: doc.SourceID, Unit: out.Units - 1, Err: fmt.Errorf("unparseable")})
		case "E":
			e := types.NewEntity(f[1], f[2], doc.SourceID)
			for _, kv := range f[3:] {
				k, v, _ := strings.Cut(kv, "=")
				e.SetAttribute(k, v, doc.SourceID)
			}
			out.Entities = append(out.Entities, e)
		case "R":
			out.Relationships = append(out.Relationships, types.NewRelationship(ref(f[1]), f[2], ref(f[3]), doc.SourceID))
		}
	}
	return out, nil
}

func ref(typed string) string {
	typ, name, _ := strings.Cut(typed, ":")
	return types.EntityKey(typ, name)
}

func doc(sourceID string, lines ...string) *types.Document {
	return types.NewDocument(sourceID, "/data/"+sourceID, []byte(strings.Join(lines, "\n")), time.Time{})
}

type memRecorder struct {
	mu        sync.Mutex
	summaries []*pipeline.Summary
}

func (r *memRecorder) RecordSummary(ctx context.Context, s *pipeline.Summary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summaries = append(r.summaries, s)
	return nil
}

type harness struct {
	graph       *driver.MemoryDriver
	checkpoints *checkpoint.MemoryStore
	loader      *sliceLoader
	extractor   *scriptExtractor
	recorder    *memRecorder
	reg         *prometheus.Registry
	cfg         pipeline.Config
}

func fastRetry(attempts int) retry.Config {
	return retry.Config{MaxAttempts: attempts, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2, AddJitter: true}
}

func newHarness(t *testing.T, docs ...*types.Document) *harness {
	t.Helper()
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	h := &harness{
		graph:       driver.NewMemoryDriver(),
		checkpoints: checkpoint.NewMemoryStore(),
		loader:      &sliceLoader{},
		extractor:   &scriptExtractor{},
		recorder:    &memRecorder{},
		reg:         reg,
	}
	h.loader.set(docs...)
	h.cfg = pipeline.Config{
		Loader:      h.loader,
		Extractor:   h.extractor,
		Graph:       h.graph,
		Writer:      writer.New(h.graph, writer.Options{Metrics: m}),
		Checkpoints: h.checkpoints,
		Metrics:     m,
		Recorder:    h.recorder,
		Options:     pipeline.Options{Location: "/data", Workers: 1, Retry: fastRetry(5)},
	}
	return h
}

func (h *harness) coordinator(t *testing.T) *pipeline.Coordinator {
	t.Helper()
	c, err := pipeline.New(h.cfg)
	require.NoError(t, err)
	return c
}

func (h *harness) run(t *testing.T) *pipeline.Summary {
	t.Helper()
	s, err := h.coordinator(t).Run(context.Background())
	require.NoError(t, err)
	return s
}

func (h *harness) entity(t *testing.T, typ, name string) *types.Entity {
	t.Helper()
	got, err := h.graph.LookupEntities(context.Background(), []string{types.EntityKey(typ, name)})
	require.NoError(t, err)
	return got[types.EntityKey(typ, name)]
}
