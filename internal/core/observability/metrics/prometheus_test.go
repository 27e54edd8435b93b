package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewPrometheus(reg)
	require.NoError(t, err)

	c.SetPendingOperations(3)
	c.RecordRollback("timeout")
	c.RecordRollback("timeout")
	c.RecordRollback("remote")
	c.RecordConflict()
	c.RecordBroadcast()
	c.RecordBackup()
	c.RecordResync()

	assert.Equal(t, float64(3), testutil.ToFloat64(c.pendingOps))
	assert.Equal(t, float64(2), testutil.ToFloat64(c.rollbacks.WithLabelValues("timeout")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.rollbacks.WithLabelValues("remote")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.conflicts))

	// Double registration on the same registry must fail loudly.
	_, err = NewPrometheus(reg)
	assert.Error(t, err)
}
