// Package metrics exposes pipeline counters to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/soundprediction/go-docgraph/pkg/types"
)

const namespace = "docgraph"

// Stage labels for duration and retry metrics.
const (
	StageLoad       = "load"
	StageExtract    = "extract"
	StageResolve    = "resolve"
	StageWrite      = "write"
	StageCheckpoint = "checkpoint"
)

// Metrics holds the pipeline's Prometheus collectors. A nil *Metrics
// records nothing.
type Metrics struct {
	documents      *prometheus.CounterVec   // by terminal state
	stageDuration  *prometheus.HistogramVec // by stage
	writeConflicts prometheus.Counter
	retries        *prometheus.CounterVec // by stage
	softErrors     prometheus.Counter
	mutations      *prometheus.CounterVec // by kind
	inFlight       prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		documents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_total",
			Help:      "Documents that reached a terminal state",
		}, []string{"state"}), // committed, skipped, failed

		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Time spent per document in each pipeline stage",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		}, []string{"stage"}),

		writeConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_conflicts_total",
			Help:      "Commits rejected because the graph changed since resolution",
		}),

		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retried attempts by stage",
		}, []string{"stage"}),

		softErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "soft_errors_total",
			Help:      "Extraction units that produced no candidates",
		}),

		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "graph_mutations_total",
			Help:      "Graph writes by kind",
		}, []string{"kind"}), // entity_created, entity_updated, relationship_created, relationship_updated

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "documents_in_flight",
			Help:      "Documents currently being processed",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.documents, m.stageDuration, m.writeConflicts, m.retries, m.softErrors, m.mutations, m.inFlight,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Document counts a document reaching state.
func (m *Metrics) Document(state types.DocumentState) {
	if m == nil {
		return
	}
	m.documents.WithLabelValues(string(state)).Inc()
}

// ObserveStage records time spent in stage.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// WriteConflict counts a rejected commit.
func (m *Metrics) WriteConflict() {
	if m == nil {
		return
	}
	m.writeConflicts.Inc()
}

// Retry counts a retried attempt in stage.
func (m *Metrics) Retry(stage string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(stage).Inc()
}

// SoftErrors adds n failed extraction units.
func (m *Metrics) SoftErrors(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.softErrors.Add(float64(n))
}

// Mutations records a commit's graph writes.
func (m *Metrics) Mutations(res *types.CommitResult) {
	if m == nil || res == nil {
		return
	}
	m.mutations.WithLabelValues("entity_created").Add(float64(res.EntitiesCreated))
	m.mutations.WithLabelValues("entity_updated").Add(float64(res.EntitiesUpdated))
	m.mutations.WithLabelValues("relationship_created").Add(float64(res.RelationshipsCreated))
	m.mutations.WithLabelValues("relationship_updated").Add(float64(res.RelationshipsUpdated))
}

// InFlight adjusts the in-flight document gauge by delta.
func (m *Metrics) InFlight(delta int) {
	if m == nil {
		return
	}
	m.inFlight.Add(float64(delta))
}
