package system

import (
	"time"

	"github.com/l1jgo/regiongc/internal/core/event"
	coresys "github.com/l1jgo/regiongc/internal/core/system"
	"go.uber.org/zap"
)

// IngestSystem drains the host feed into the event bus. Phase 0 (Input).
type IngestSystem struct {
	queue       *event.Queue[event.Report]
	bus         *event.Bus
	maxPerTick  int
	log         *zap.Logger
	lastDropped uint64
}

func NewIngestSystem(queue *event.Queue[event.Report], bus *event.Bus, maxPerTick int, log *zap.Logger) *IngestSystem {
	return &IngestSystem{queue: queue, bus: bus, maxPerTick: maxPerTick, log: log}
}

func (s *IngestSystem) Phase() coresys.Phase { return coresys.PhaseInput }

func (s *IngestSystem) Update(_ time.Duration) {
	s.queue.Drain(s.maxPerTick, func(r event.Report) {
		if r.Generated {
			event.Emit(s.bus, event.ChunkGenerated{Chunk: r.Chunk})
			return
		}
		event.Emit(s.bus, event.ChunkVisited{Chunk: r.Chunk, At: r.At})
	})

	if d := s.queue.Dropped(); d > s.lastDropped {
		s.log.Warn("回報佇列滿載，已捨棄回報", zap.Uint64("dropped", d-s.lastDropped), zap.Uint64("total", d))
		s.lastDropped = d
	}
}
