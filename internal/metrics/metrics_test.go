package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsInert(t *testing.T) {
	var m *Metrics
	m.ContainerFetched(10)
	m.StreamsExtracted(1, 2)
	m.MergeRows("users", 3)
	m.MergeOrphans("users", "Badges.xml", 1)
	m.ObserveStage("users", time.Now())
	assert.NoError(t, m.WriteTextfile(filepath.Join(t.TempDir(), "x.prom")))
}

func TestCountersAndTextfile(t *testing.T) {
	m := New()
	m.ContainerFetched(1024)
	m.ContainerFetched(1024)
	m.MergeRows("users_with_badges", 3)
	m.MergeOrphans("users_with_badges", "Badges.xml", 1)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.containersFetched))
	assert.Equal(t, 2048.0, testutil.ToFloat64(m.fetchedBytes))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.mergeRows.WithLabelValues("users_with_badges")))

	path := filepath.Join(t.TempDir(), "dumpprep.prom")
	require.NoError(t, m.WriteTextfile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `dumpprep_merge_orphans_total{stage="users_with_badges",stream="Badges.xml"} 1`)
}
