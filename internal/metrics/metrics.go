package metrics

import (
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Where a get was answered
const (
	OutcomeMemtable  = "memtable"
	OutcomeFile      = "file"
	OutcomeTombstone = "tombstone"
	OutcomeMiss      = "miss"
)

const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Registry holds the metrics of a single engine. Every engine gets its own
// prometheus registry so several can live in one process.
type Registry struct {
	InsertsTotal      prometheus.Counter
	RemovesTotal      prometheus.Counter
	GetsTotal         *prometheus.CounterVec
	FilterPrunesTotal prometheus.Counter
	FlushesTotal      *prometheus.CounterVec
	FlushDuration     prometheus.Histogram
	SSTables          prometheus.Gauge
	MemtableEntries   prometheus.Gauge
	Tombstones        prometheus.Gauge

	registry *prometheus.Registry
}

func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		registry: reg,
		InsertsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "lsmkv_inserts_total",
			Help: "Total number of accepted inserts",
		}),
		RemovesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "lsmkv_removes_total",
			Help: "Total number of accepted removes",
		}),
		GetsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lsmkv_gets_total",
				Help: "Total number of gets by where they were answered",
			},
			[]string{"outcome"},
		),
		FilterPrunesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "lsmkv_filter_prunes_total",
			Help: "SSTable reads skipped because the bloom filter ruled the key out",
		}),
		FlushesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lsmkv_flushes_total",
				Help: "Total number of memtable flushes",
			},
			[]string{"status"},
		),
		FlushDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "lsmkv_flush_duration_seconds",
			Help:    "Time to build an SSTable from the memtable",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		}),
		SSTables: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lsmkv_sstables",
			Help: "Number of SSTables on disk",
		}),
		MemtableEntries: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lsmkv_memtable_entries",
			Help: "Number of entries in the memtable",
		}),
		Tombstones: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lsmkv_tombstones",
			Help: "Number of tombstones not yet flushed",
		}),
	}
}

// GetPrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}

// WriteTextfile writes every metric to path in the Prometheus text format,
// as read by the node exporter textfile collector.
func (r *Registry) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, r.GetPrometheusRegistry())
}

// RecordGet records where a get was answered and how many SSTable reads the
// bloom filters avoided on the way.
func (r *Registry) RecordGet(outcome string, pruned int) {
	r.GetsTotal.WithLabelValues(outcome).Inc()
	if pruned > 0 {
		r.FilterPrunesTotal.Add(float64(pruned))
	}
}

func (r *Registry) RecordFlush(status string, duration time.Duration) {
	r.FlushesTotal.WithLabelValues(status).Inc()
	if status == StatusSuccess {
		r.FlushDuration.Observe(duration.Seconds())
	}
}

// UpdateState sets the gauges describing the engine contents
func (r *Registry) UpdateState(memtableEntries, tombstones, sstables int) {
	r.MemtableEntries.Set(float64(memtableEntries))
	r.Tombstones.Set(float64(tombstones))
	r.SSTables.Set(float64(sstables))
}

// Snapshot gathers every metric into a flat map keyed by name and labels,
// e.g. lsmkv_gets_total{outcome="file"}. Histograms report their sample count.
func (r *Registry) Snapshot() (map[string]float64, error) {
	families, err := r.registry.Gather()
	if err != nil {
		return nil, err
	}

	result := make(map[string]float64)
	for _, family := range families {
		for _, m := range family.GetMetric() {
			result[seriesName(family.GetName(), m)] = sampleValue(m)
		}
	}
	return result, nil
}

func seriesName(name string, m *dto.Metric) string {
	labels := m.GetLabel()
	if len(labels) == 0 {
		return name
	}
	parts := make([]string, len(labels))
	for i, l := range labels {
		parts[i] = fmt.Sprintf("%s=%q", l.GetName(), l.GetValue())
	}
	return name + "{" + strings.Join(parts, ",") + "}"
}

func sampleValue(m *dto.Metric) float64 {
	switch {
	case m.Counter != nil:
		return m.GetCounter().GetValue()
	case m.Gauge != nil:
		return m.GetGauge().GetValue()
	case m.Histogram != nil:
		return float64(m.GetHistogram().GetSampleCount())
	}
	return 0
}
