package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundprediction/go-docgraph/pkg/types"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.Document(types.StateCommitted)
	m.Document(types.StateCommitted)
	m.Document(types.StateFailed)
	m.WriteConflict()
	m.Retry(StageWrite)
	m.SoftErrors(3)
	m.SoftErrors(0)
	m.Mutations(&types.CommitResult{EntitiesCreated: 2, RelationshipsUpdated: 1})
	m.ObserveStage(StageExtract, 20*time.Millisecond)
	m.InFlight(2)
	m.InFlight(-1)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.documents.WithLabelValues("committed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.documents.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.writeConflicts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.retries.WithLabelValues("write")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.softErrors))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.mutations.WithLabelValues("entity_created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.mutations.WithLabelValues("relationship_updated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.inFlight))
	assert.Equal(t, 1, testutil.CollectAndCount(m.stageDuration))

	families, err := reg.Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "docgraph_documents_total")
	assert.Contains(t, names, "docgraph_graph_mutations_total")
}

func TestMetricsDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	assert.Error(t, err)
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Document(types.StateSkipped)
		m.ObserveStage(StageLoad, time.Second)
		m.WriteConflict()
		m.Retry(StageResolve)
		m.SoftErrors(1)
		m.Mutations(&types.CommitResult{})
		m.InFlight(1)
	})
}
