// Package metrics holds the prometheus collectors for the deletion pipeline.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// ChunksDeleted counts chunks removed from the chunk layer.
	ChunksDeleted *prometheus.CounterVec

	// RegionsDeleted counts region files removed outright.
	RegionsDeleted *prometheus.CounterVec

	// RegionsRewritten counts region files rebuilt with fewer chunks.
	RegionsRewritten *prometheus.CounterVec

	// ChunksSkipped counts chunks kept, by reason (flagged, protected, errored).
	ChunksSkipped *prometheus.CounterVec

	// RegionErrors counts regions skipped for a pass after an I/O error.
	RegionErrors *prometheus.CounterVec

	// QueueRemaining is the number of regions left in the active pass.
	QueueRemaining *prometheus.GaugeVec

	// PassesCompleted counts finished passes.
	PassesCompleted *prometheus.CounterVec

	// Paused is 1 while deletion is paused.
	Paused prometheus.Gauge

	CachedFlags prometheus.Gauge
	QueuedFlags prometheus.Gauge
}

// New registers every collector with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ChunksDeleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "regiongc",
			Subsystem: "gc",
			Name:      "chunks_deleted_total",
			Help:      "Chunks removed from region files.",
		}, []string{"world"}),
		RegionsDeleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "regiongc",
			Subsystem: "gc",
			Name:      "regions_deleted_total",
			Help:      "Region files deleted because no chunk in them was worth keeping.",
		}, []string{"world"}),
		RegionsRewritten: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "regiongc",
			Subsystem: "gc",
			Name:      "regions_rewritten_total",
			Help:      "Region files rebuilt without their eligible chunks.",
		}, []string{"world"}),
		ChunksSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "regiongc",
			Subsystem: "gc",
			Name:      "chunks_skipped_total",
			Help:      "Chunks kept during a pass, by reason.",
		}, []string{"world", "reason"}),
		RegionErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "regiongc",
			Subsystem: "gc",
			Name:      "region_errors_total",
			Help:      "Regions skipped for the rest of a pass after an I/O error.",
		}, []string{"world"}),
		QueueRemaining: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "regiongc",
			Subsystem: "gc",
			Name:      "queue_remaining",
			Help:      "Regions not yet visited by the active pass.",
		}, []string{"world"}),
		PassesCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "regiongc",
			Subsystem: "gc",
			Name:      "passes_completed_total",
			Help:      "Completed deletion passes.",
		}, []string{"world"}),
		Paused: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "regiongc",
			Subsystem: "gc",
			Name:      "paused",
			Help:      "1 while deletion is paused.",
		}),
		CachedFlags: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "regiongc",
			Subsystem: "flags",
			Name:      "cached",
			Help:      "Chunk flags held in memory.",
		}),
		QueuedFlags: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "regiongc",
			Subsystem: "flags",
			Name:      "queued",
			Help:      "Chunk flag writes not yet persisted.",
		}),
	}
}

// Skip reasons.
const (
	ReasonFlagged   = "flagged"
	ReasonProtected = "protected"
	ReasonErrored   = "errored"
)

func (m *Metrics) ChunkDeleted(world string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.ChunksDeleted.WithLabelValues(world).Add(float64(n))
}

func (m *Metrics) RegionDeleted(world string) {
	if m == nil {
		return
	}
	m.RegionsDeleted.WithLabelValues(world).Inc()
}

func (m *Metrics) RegionRewritten(world string) {
	if m == nil {
		return
	}
	m.RegionsRewritten.WithLabelValues(world).Inc()
}

func (m *Metrics) Skipped(world, reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.ChunksSkipped.WithLabelValues(world, reason).Add(float64(n))
}

func (m *Metrics) RegionError(world string) {
	if m == nil {
		return
	}
	m.RegionErrors.WithLabelValues(world).Inc()
}

func (m *Metrics) Remaining(world string, n int) {
	if m == nil {
		return
	}
	m.QueueRemaining.WithLabelValues(world).Set(float64(n))
}

func (m *Metrics) PassCompleted(world string) {
	if m == nil {
		return
	}
	m.PassesCompleted.WithLabelValues(world).Inc()
	m.QueueRemaining.WithLabelValues(world).Set(0)
}

func (m *Metrics) SetPaused(paused bool) {
	if m == nil {
		return
	}
	if paused {
		m.Paused.Set(1)
	} else {
		m.Paused.Set(0)
	}
}

func (m *Metrics) SetFlags(cached, queued int) {
	if m == nil {
		return
	}
	m.CachedFlags.Set(float64(cached))
	m.QueuedFlags.Set(float64(queued))
}
