package system

import (
	"sync"
	"time"

	"github.com/l1jgo/regiongc/internal/config"
	"github.com/l1jgo/regiongc/internal/core/event"
	coresys "github.com/l1jgo/regiongc/internal/core/system"
	"github.com/l1jgo/regiongc/internal/world"
	"go.uber.org/zap"
)

// Offerer is the write side of the flag cache used for observations.
type Offerer interface {
	Offer(c world.ChunkCoord, f world.VisitFlag) error
}

// FlaggerOptions come from [deletion].
type FlaggerOptions struct {
	Radius   int32
	Interval time.Duration
	Tracking bool
}

func FlaggerOptionsFrom(cfg *config.Config) FlaggerOptions {
	return FlaggerOptions{
		Radius:   cfg.Deletion.FlagRadius,
		Interval: cfg.Deletion.FlaggingInterval,
		Tracking: cfg.TrackingVisits(),
	}
}

// FlaggerSystem turns visit and generation events into flag offers. A visit
// marks every chunk within the flag radius. Offers are coalesced per chunk
// and committed once per flagging interval. Phase 2 (Update).
type FlaggerSystem struct {
	flags Offerer
	log   *zap.Logger

	mu      sync.Mutex
	opts    FlaggerOptions
	elapsed time.Duration
	pending map[world.ChunkCoord]world.VisitFlag
}

func NewFlaggerSystem(bus *event.Bus, flags Offerer, opts FlaggerOptions, log *zap.Logger) *FlaggerSystem {
	s := &FlaggerSystem{
		flags:   flags,
		log:     log,
		opts:    opts,
		pending: make(map[world.ChunkCoord]world.VisitFlag),
	}
	event.Subscribe(bus, s.onVisit)
	event.Subscribe(bus, s.onGenerated)
	return s
}

func (s *FlaggerSystem) Phase() coresys.Phase { return coresys.PhaseUpdate }

// SetOptions applies reloaded settings from any goroutine.
func (s *FlaggerSystem) SetOptions(opts FlaggerOptions) {
	s.mu.Lock()
	s.opts = opts
	if !opts.Tracking {
		clear(s.pending)
	}
	s.mu.Unlock()
}

func (s *FlaggerSystem) onVisit(ev event.ChunkVisited) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opts.Tracking {
		return
	}
	v := world.VisitAt(ev.At)
	for _, c := range world.ChunksAround(ev.Chunk, s.opts.Radius) {
		s.mergeLocked(c, v)
	}
}

func (s *FlaggerSystem) onGenerated(ev event.ChunkGenerated) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opts.Tracking {
		return
	}
	s.mergeLocked(ev.Chunk, world.FlagGenerated)
}

func (s *FlaggerSystem) mergeLocked(c world.ChunkCoord, f world.VisitFlag) {
	if cur, ok := s.pending[c]; ok {
		f = world.Merge(cur, f)
	}
	s.pending[c] = f
}

func (s *FlaggerSystem) Update(dt time.Duration) {
	s.mu.Lock()
	s.elapsed += dt
	if s.elapsed < s.opts.Interval || len(s.pending) == 0 {
		s.mu.Unlock()
		return
	}
	s.elapsed = 0
	batch := s.pending
	s.pending = make(map[world.ChunkCoord]world.VisitFlag, len(batch))
	s.mu.Unlock()

	s.commit(batch)
}

// Flush commits everything pending regardless of the interval. Used at
// shutdown.
func (s *FlaggerSystem) Flush() {
	s.mu.Lock()
	batch := s.pending
	s.pending = make(map[world.ChunkCoord]world.VisitFlag)
	s.mu.Unlock()
	s.commit(batch)
}

func (s *FlaggerSystem) commit(batch map[world.ChunkCoord]world.VisitFlag) {
	failed := 0
	for c, f := range batch {
		if err := s.flags.Offer(c, f); err != nil {
			failed++
		}
	}
	if failed > 0 {
		s.log.Warn("部分旗標寫入失敗", zap.Int("failed", failed), zap.Int("total", len(batch)))
	}
}
