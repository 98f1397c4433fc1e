package system

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	coresys "github.com/l1jgo/regiongc/internal/core/system"
	"github.com/l1jgo/regiongc/internal/gc"
	"go.uber.org/zap"
)

// Activator starts deletion passes.
type Activator interface {
	Activate(ctx context.Context) error
}

// ActivationSystem asks the scheduler to start a pass every interval,
// starting with the first tick. Phase 2 (Update).
type ActivationSystem struct {
	ctx      context.Context
	sched    Activator
	log      *zap.Logger
	interval atomic.Int64
	elapsed  time.Duration
	started  bool
}

func NewActivationSystem(ctx context.Context, sched Activator, interval time.Duration, log *zap.Logger) *ActivationSystem {
	s := &ActivationSystem{ctx: ctx, sched: sched, log: log}
	s.interval.Store(int64(interval))
	return s
}

func (s *ActivationSystem) Phase() coresys.Phase { return coresys.PhaseUpdate }

func (s *ActivationSystem) SetInterval(d time.Duration) { s.interval.Store(int64(d)) }

func (s *ActivationSystem) Update(dt time.Duration) {
	s.elapsed += dt
	if s.started && s.elapsed < time.Duration(s.interval.Load()) {
		return
	}
	s.started = true
	s.elapsed = 0
	if err := s.sched.Activate(s.ctx); err != nil && !errors.Is(err, gc.ErrNoWorldsConfigured) {
		s.log.Warn("啟動刪除作業失敗", zap.Error(err))
	}
}
