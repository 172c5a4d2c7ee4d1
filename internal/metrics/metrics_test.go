package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecord(t *testing.T) {
	m := New()
	registry := NewRegistry(m)

	m.StoreCall("list", "node")
	m.StoreCall("list", "node")
	m.Retrieved("edge", 3)
	m.Pruned("node", 2)
	m.Pruned("node", 0)
	m.Diagnostic(1)
	m.ObserveSince("list", time.Now())

	assert.Equal(t, 2.0, testutil.ToFloat64(m.StoreCalls.WithLabelValues("list", "node")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.RecordsRetrieved.WithLabelValues("edge")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RecordsPruned.WithLabelValues("node")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Diagnostics))

	families, err := registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.StoreCall("list", "node")
		m.Retrieved("node", 1)
		m.Pruned("node", 1)
		m.Diagnostic(1)
		m.ObserveSince("list", time.Now())
	})
}
