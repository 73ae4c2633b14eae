package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstallMetricsCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg).(*installMetrics)

	m.FileInstalled("download", nil)
	m.FileInstalled("download", errors.New("x"))
	m.FileInstalled("store", nil)
	m.BytesDownloaded(42)
	m.BytesDownloaded(-1)
	m.CatalogRequest("modrinth", nil)
	m.RunFinished("succeeded", time.Second)

	assert.InDelta(t, 1, testutil.ToFloat64(m.filesInstalled.WithLabelValues("download", "ok")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.filesInstalled.WithLabelValues("download", "error")), 0)
	assert.InDelta(t, 42, testutil.ToFloat64(m.bytesDownloaded), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.runsTotal.WithLabelValues("succeeded")), 0)

	n, err := testutil.GatherAndCount(reg, "instsync_catalog_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNoopWhenDisabled(t *testing.T) {
	if IsEnabled() {
		t.Skip("registry initialised by another test")
	}
	m := New()
	m.FileInstalled("store", nil)
	m.RunFinished("failed", 0)
	_, ok := m.(noopMetrics)
	assert.True(t, ok)
}
