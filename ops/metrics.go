// Package ops centralizes the prometheus metrics registered once at
// process start, grounded on go/bindings/metrics.go's
// prometheus.NewDesc + MustRegister pattern.
package ops

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every gauge/counter/histogram the cdc, resolver and
// snapshot packages report against.
type Metrics struct {
	PendingBytes            prometheus.Gauge
	ResolvedTsGap           prometheus.Histogram
	OldValueScanDuration    prometheus.Histogram
	SinkDroppedFull         *prometheus.CounterVec
	SinkDroppedDisconnected *prometheus.CounterVec
	SnapshotGenerate        *prometheus.CounterVec
	SnapshotApply           *prometheus.CounterVec
	SnapshotApplyDuration   prometheus.Histogram
	PendingDeleteRanges     prometheus.Gauge
}

var (
	once       sync.Once
	registered *Metrics
)

// NewMetrics constructs and registers every metric exactly once per
// process, regardless of how many times it is called (mirroring
// go/bindings/metrics.go's sync.Once-guarded MustRegister).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	once.Do(func() {
		m := &Metrics{
			PendingBytes: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "regioncdc", Name: "pending_bytes",
				Help: "Bytes buffered in delegates awaiting region readiness.",
			}),
			ResolvedTsGap: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "regioncdc", Name: "resolved_ts_gap_seconds",
				Help:    "Gap between wall-clock time and the resolved timestamp.",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
			}),
			OldValueScanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "regioncdc", Name: "old_value_scan_duration_seconds",
				Help:    "Latency of synchronous old-value lookups on the lock CF.",
				Buckets: prometheus.DefBuckets,
			}),
			SinkDroppedFull: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "regioncdc", Name: "sink_dropped_full_total",
				Help: "Events dropped because a downstream's sink buffer was full.",
			}, []string{"region_id"}),
			SinkDroppedDisconnected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "regioncdc", Name: "sink_dropped_disconnected_total",
				Help: "Events dropped because a downstream had disconnected.",
			}, []string{"region_id"}),
			SnapshotGenerate: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "regioncdc", Name: "snapshot_generate_total",
				Help: "Snapshot generate tasks, by outcome.",
			}, []string{"result"}),
			SnapshotApply: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "regioncdc", Name: "snapshot_apply_total",
				Help: "Snapshot apply tasks, by outcome.",
			}, []string{"result"}),
			SnapshotApplyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "regioncdc", Name: "snapshot_apply_duration_seconds",
				Help:    "Snapshot apply latency.",
				Buckets: prometheus.DefBuckets,
			}),
			PendingDeleteRanges: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "regioncdc", Name: "pending_delete_ranges",
				Help: "Quarantined key ranges awaiting delayed deletion.",
			}),
		}
		reg.MustRegister(
			m.PendingBytes, m.ResolvedTsGap, m.OldValueScanDuration,
			m.SinkDroppedFull, m.SinkDroppedDisconnected,
			m.SnapshotGenerate, m.SnapshotApply, m.SnapshotApplyDuration,
			m.PendingDeleteRanges,
		)
		registered = m
	})
	return registered
}
