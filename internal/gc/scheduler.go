// Package gc walks worlds region by region and deletes the chunks nobody
// needs. One pass runs at a time, paced in small batches.
package gc

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/l1jgo/regiongc/internal/config"
	"github.com/l1jgo/regiongc/internal/flag"
	"github.com/l1jgo/regiongc/internal/metrics"
	"github.com/l1jgo/regiongc/internal/pause"
	"github.com/l1jgo/regiongc/internal/region"
	"github.com/l1jgo/regiongc/internal/world"
	"go.uber.org/zap"
)

// ErrNoWorldsConfigured is returned by Activate when deletion has no world
// to work on. It is logged once.
var ErrNoWorldsConfigured = errors.New("gc: no worlds configured")

// Flags is the part of the flag cache the scheduler uses.
type Flags interface {
	Get(c world.ChunkCoord) *flag.Future[world.VisitFlag]
	RecordDeleted(c world.ChunkCoord, f world.VisitFlag) error
	CompareAndSet(ctx context.Context, c world.ChunkCoord, old, next world.VisitFlag) (bool, error)
}

// Protector answers whether another system owns a chunk.
type Protector interface {
	Protected(world string, x, z int32) bool
}

// Regions is the part of the region store the scheduler uses.
type Regions interface {
	Regions(ctx context.Context, worldID string) ([]world.RegionCoord, error)
	GetRegion(ctx context.Context, rc world.RegionCoord) (*region.RegionInfo, error)
	DeleteChunks(ctx context.Context, rc world.RegionCoord, indices *roaring.Bitmap) (int, error)
}

// Settings are the scheduler knobs taken from [deletion].
type Settings struct {
	Worlds             []string
	FlagDuration       time.Duration
	Cooldown           time.Duration
	RegionsPerBatch    int
	BatchInterval      time.Duration
	DeleteNewUnvisited bool
	Debug              config.DebugLevel
	ResetMarkers       map[string]time.Time
}

func SettingsFrom(cfg *config.Config) Settings {
	markers := make(map[string]time.Time, len(cfg.ResetMarkers))
	for w, t := range cfg.ResetMarkers {
		markers[w] = t
	}
	return Settings{
		Worlds:             append([]string(nil), cfg.Deletion.Worlds...),
		FlagDuration:       cfg.Deletion.FlagDuration,
		Cooldown:           cfg.Deletion.Cooldown,
		RegionsPerBatch:    cfg.Deletion.RegionsPerBatch,
		BatchInterval:      cfg.Deletion.BatchInterval,
		DeleteNewUnvisited: cfg.Deletion.DeleteNewUnvisited,
		Debug:              cfg.Deletion.DebugLevel,
		ResetMarkers:       markers,
	}
}

type Scheduler struct {
	regions Regions
	flags   Flags
	oracle  Protector
	pause   pause.Reader
	metrics *metrics.Metrics
	log     *zap.Logger
	now     func() time.Time

	mu          sync.Mutex
	settings    Settings
	runs        map[string]*Run
	active      *Run
	warnedEmpty bool

	wake chan struct{}
}

func NewScheduler(regions Regions, flags Flags, oracle Protector, p pause.Reader, m *metrics.Metrics, st Settings, log *zap.Logger) *Scheduler {
	return &Scheduler{
		regions:  regions,
		flags:    flags,
		oracle:   oracle,
		pause:    p,
		metrics:  m,
		log:      log,
		now:      time.Now,
		settings: st,
		runs:     make(map[string]*Run),
		wake:     make(chan struct{}, 1),
	}
}

// Activate forgets passes whose cooldown has ended and, unless paused or a
// pass is already scanning, starts a pass for the first world that is due.
// It never touches storage: the worker lists the world's regions on its
// first step.
func (s *Scheduler) Activate(_ context.Context) error {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	for w, r := range s.runs {
		if r.State == StateComplete && !r.NextRun.After(now) {
			delete(s.runs, w)
		}
	}
	if s.pause.Paused() {
		return nil
	}
	if len(s.settings.Worlds) == 0 {
		if !s.warnedEmpty {
			s.warnedEmpty = true
			s.log.Error("沒有啟用任何世界，不會刪除任何東西")
		}
		return ErrNoWorldsConfigured
	}

	for _, w := range s.settings.Worlds {
		if marker, ok := s.settings.ResetMarkers[w]; ok && marker.After(now) {
			continue
		}
		if r, ok := s.runs[w]; ok {
			if r.State != StateComplete {
				return nil
			}
			continue
		}
		r := newRun(w, now)
		s.runs[w] = r
		s.active = r
		if s.settings.Debug.Allows(config.DebugLow) {
			s.log.Info("已排程刪除作業", zap.String("world", w), zap.String("run", r.ID.String()))
		}
		s.poke()
		return nil
	}
	return nil
}

// Reconfigure swaps in new settings. Passes of worlds no longer configured
// are dropped.
func (s *Scheduler) Reconfigure(st Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = st
	s.warnedEmpty = false
	keep := make(map[string]bool, len(st.Worlds))
	for _, w := range st.Worlds {
		keep[w] = true
	}
	for w, r := range s.runs {
		if keep[w] {
			continue
		}
		if s.active == r {
			s.active = nil
		}
		delete(s.runs, w)
		s.log.Info("世界已移出設定，放棄刪除作業", zap.String("world", w))
	}
	s.poke()
}

// Wake makes the worker look at its state now instead of at the next tick.
func (s *Scheduler) Wake() { s.poke() }

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run is the background worker. It processes one batch of the active pass
// per batch interval and returns when ctx ends, always between batches.
func (s *Scheduler) Run(ctx context.Context) error {
	timer := time.NewTimer(s.batchInterval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
		case <-timer.C:
		}
		s.Step(ctx)
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.batchInterval())
	}
}

func (s *Scheduler) batchInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settings.BatchInterval <= 0 {
		return time.Second
	}
	return s.settings.BatchInterval
}

// Step processes one batch of the active pass. It returns false when there
// was nothing to do.
func (s *Scheduler) Step(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	s.mu.Lock()
	r := s.active
	if r == nil {
		s.mu.Unlock()
		return false
	}
	if s.pause.Paused() {
		if r.State == StateScanning {
			r.State = StatePaused
			s.log.Info("刪除作業已暫停", zap.String("world", r.World), zap.Int("remaining", r.remaining()))
		}
		s.mu.Unlock()
		return false
	}
	if r.State == StatePaused {
		r.State = StateScanning
		s.log.Info("刪除作業繼續", zap.String("world", r.World), zap.Int("remaining", r.remaining()))
	}
	if !r.listed {
		s.mu.Unlock()
		if !s.list(ctx, r) {
			return true
		}
		s.mu.Lock()
		if s.active != r {
			s.mu.Unlock()
			return true
		}
		if s.pause.Paused() {
			r.State = StatePaused
			s.mu.Unlock()
			return true
		}
	}
	st := s.settings
	batch := r.take(max(st.RegionsPerBatch, 1))
	s.mu.Unlock()

	// a started batch always finishes, even if ctx ends meanwhile
	bctx := context.WithoutCancel(ctx)
	var stats Stats
	for _, rc := range batch {
		s.processRegion(bctx, rc, st, &stats)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r.Stats.add(stats)
	s.metrics.Remaining(r.World, r.remaining())
	if s.runs[r.World] != r {
		// dropped by Reconfigure while the batch ran
		return true
	}
	if r.remaining() == 0 {
		r.complete(s.now(), st.Cooldown)
		if s.active == r {
			s.active = nil
		}
		s.metrics.PassCompleted(r.World)
		s.log.Info("刪除作業完成",
			zap.String("world", r.World),
			zap.String("run", r.ID.String()),
			zap.Duration("took", r.Ended.Sub(r.Started)),
			zap.Time("next_run", r.NextRun),
			zap.String("summary", r.Stats.Summary()))
	}
	return true
}

// list enumerates the regions of r's world outside the lock. A world that
// cannot be listed is closed off until its cooldown ends so the next world
// gets a turn. It reports whether r is ready for batches.
func (s *Scheduler) list(ctx context.Context, r *Run) bool {
	regions, err := s.regions.Regions(ctx, r.World)
	if ctx.Err() != nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runs[r.World] != r {
		return false
	}
	if err != nil {
		r.complete(s.now(), s.settings.Cooldown)
		if s.active == r {
			s.active = nil
		}
		s.log.Error("無法列出區域，略過此世界", zap.String("world", r.World), zap.Error(err))
		return false
	}
	r.fill(regions)
	s.metrics.Remaining(r.World, r.Total)
	if s.settings.Debug.Allows(config.DebugLow) {
		s.log.Info("已列出區域",
			zap.String("world", r.World),
			zap.String("run", r.ID.String()),
			zap.Int("regions", r.Total))
	}
	return true
}

func (st *Stats) add(o Stats) {
	st.RegionsScanned += o.RegionsScanned
	st.RegionsDeleted += o.RegionsDeleted
	st.RegionsRewritten += o.RegionsRewritten
	st.RegionErrors += o.RegionErrors
	st.ChunksDeleted += o.ChunksDeleted
	st.ProtectedSkipped += o.ProtectedSkipped
	st.FlagSkipped += o.FlagSkipped
	st.Errored += o.Errored
}

// Status reports one world's pass.
func (s *Scheduler) Status(worldID string) RunStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked(worldID)
}

// Statuses reports every configured world in configuration order.
func (s *Scheduler) Statuses() []RunStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RunStatus, 0, len(s.settings.Worlds))
	for _, w := range s.settings.Worlds {
		out = append(out, s.statusLocked(w))
	}
	return out
}

func (s *Scheduler) statusLocked(worldID string) RunStatus {
	var st RunStatus
	if r, ok := s.runs[worldID]; ok {
		st = r.status()
	} else {
		st = RunStatus{World: worldID, State: StateIdle}
	}
	if marker, ok := s.settings.ResetMarkers[worldID]; ok && marker.After(s.now()) {
		st.GatedTill = marker
	}
	return st
}
