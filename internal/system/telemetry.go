package system

import (
	"time"

	coresys "github.com/l1jgo/regiongc/internal/core/system"
	"github.com/l1jgo/regiongc/internal/metrics"
)

// Counter reports the flag cache's size.
type Counter interface {
	CachedCount() int
	QueuedCount() int
}

// TelemetrySystem publishes cache gauges every interval. Phase 3 (Persist).
type TelemetrySystem struct {
	cache    Counter
	metrics  *metrics.Metrics
	interval time.Duration
	elapsed  time.Duration
}

func NewTelemetrySystem(cache Counter, m *metrics.Metrics, interval time.Duration) *TelemetrySystem {
	return &TelemetrySystem{cache: cache, metrics: m, interval: interval}
}

func (s *TelemetrySystem) Phase() coresys.Phase { return coresys.PhasePersist }

func (s *TelemetrySystem) Update(dt time.Duration) {
	s.elapsed += dt
	if s.elapsed < s.interval {
		return
	}
	s.elapsed = 0
	s.metrics.SetFlags(s.cache.CachedCount(), s.cache.QueuedCount())
}
