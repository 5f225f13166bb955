// Package metrics holds the prometheus collectors of a preparation run.
//
// A nil *Metrics is valid and records nothing, so components can take it as an
// optional dependency.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	gatherer prometheus.Gatherer

	containersFetched prometheus.Counter
	fetchedBytes      prometheus.Counter
	streamsExtracted  prometheus.Counter
	streamsPruned     prometheus.Counter
	mergeRows         *prometheus.CounterVec
	mergeOrphans      *prometheus.CounterVec
	stageDuration     *prometheus.HistogramVec
}

// New registers the collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := NewWith(reg)
	m.gatherer = reg
	return m
}

// NewWith registers the collectors on r.
func NewWith(r prometheus.Registerer) *Metrics {
	return &Metrics{
		containersFetched: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Name: "dumpprep_containers_fetched_total",
			Help: "Containers downloaded from the mirror",
		}),
		fetchedBytes: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Name: "dumpprep_fetched_bytes_total",
			Help: "Bytes downloaded from the mirror",
		}),
		streamsExtracted: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Name: "dumpprep_streams_extracted_total",
			Help: "Recognized raw streams promoted into the workspace",
		}),
		streamsPruned: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Name: "dumpprep_streams_pruned_total",
			Help: "Extracted files discarded because they are not recognized streams",
		}),
		mergeRows: promauto.With(r).NewCounterVec(prometheus.CounterOpts{
			Name: "dumpprep_merge_rows_total",
			Help: "Primary rows written by merge stages",
		}, []string{"stage"}),
		mergeOrphans: promauto.With(r).NewCounterVec(prometheus.CounterOpts{
			Name: "dumpprep_merge_orphans_total",
			Help: "Secondary rows dropped because no primary row matched",
		}, []string{"stage", "stream"}),
		stageDuration: promauto.With(r).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dumpprep_stage_duration_seconds",
			Help:    "Wall time of preparation steps",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}, []string{"stage"}),
	}
}

func (m *Metrics) ContainerFetched(bytes int64) {
	if m == nil {
		return
	}
	m.containersFetched.Inc()
	m.fetchedBytes.Add(float64(bytes))
}

func (m *Metrics) StreamsExtracted(extracted, pruned int) {
	if m == nil {
		return
	}
	m.streamsExtracted.Add(float64(extracted))
	m.streamsPruned.Add(float64(pruned))
}

func (m *Metrics) MergeRows(stage string, rows int64) {
	if m == nil {
		return
	}
	m.mergeRows.WithLabelValues(stage).Add(float64(rows))
}

func (m *Metrics) MergeOrphans(stage, stream string, rows int64) {
	if m == nil {
		return
	}
	m.mergeOrphans.WithLabelValues(stage, stream).Add(float64(rows))
}

// ObserveStage records how long stage ran since start.
func (m *Metrics) ObserveStage(stage string, start time.Time) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// WriteTextfile writes all collected metrics in the node exporter textfile format.
// Only metrics created with New can be written.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || m.gatherer == nil {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.gatherer)
}
