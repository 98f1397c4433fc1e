package gc

import (
	"context"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/l1jgo/regiongc/internal/config"
	"github.com/l1jgo/regiongc/internal/metrics"
	"github.com/l1jgo/regiongc/internal/region"
	"github.com/l1jgo/regiongc/internal/world"
	"go.uber.org/zap"
)

// verdict is what a pass decides for one chunk.
type verdict int

const (
	keepFlagged verdict = iota
	keepProtected
	keepErrored
	eligible
)

// decide applies the deletion rules to one classified chunk. Order matters:
// an ETERNAL chunk is never offered to the protection adapters, and only
// stale chunks are.
func decide(ci region.ChunkInfo, now time.Time, st Settings, oracle Protector) verdict {
	if ci.LastVisit == world.FlagEternal {
		return keepFlagged
	}
	if ci.Status != world.StatusOrphaned && !ci.LastVisit.Stale(now, ci.LastModified, st.FlagDuration) {
		return keepFlagged
	}
	if ci.Status == world.StatusGenerated && !st.DeleteNewUnvisited {
		return keepFlagged
	}
	if oracle.Protected(ci.Coord.World, ci.Coord.X, ci.Coord.Z) {
		return keepProtected
	}
	return eligible
}

// processRegion classifies every present chunk of rc and deletes the
// eligible ones. Failures are counted and logged; they never end the pass.
func (s *Scheduler) processRegion(ctx context.Context, rc world.RegionCoord, st Settings, stats *Stats) {
	stats.RegionsScanned++
	log := s.log.With(zap.Stringer("region", rc))

	info, err := s.regions.GetRegion(ctx, rc)
	if err != nil {
		s.regionFailed(log, rc, "讀取區域失敗", err, stats)
		return
	}
	defer info.Close()
	if !info.Exists {
		return
	}

	now := s.now()
	present := info.Present()
	if present.IsEmpty() {
		return
	}

	observed := make(map[uint32]world.VisitFlag)
	candidates := roaring.New()
	var flagged, protected, errored int
	it := present.Iterator()
	for it.HasNext() {
		idx := it.Next()
		ci, err := info.Chunk(ctx, int(idx))
		if err != nil {
			errored++
			if st.Debug.Allows(config.DebugMedium) {
				log.Warn("無法判斷區塊", zap.Int("index", int(idx)), zap.Error(err))
			}
			continue
		}
		v := decide(ci, now, st, s.oracle)
		if st.Debug.Allows(config.DebugHigh) {
			log.Debug("區塊判定",
				zap.Stringer("chunk", ci.Coord),
				zap.Stringer("status", ci.Status),
				zap.Stringer("flag", ci.LastVisit),
				zap.Int("verdict", int(v)))
		}
		switch v {
		case keepFlagged:
			flagged++
		case keepProtected:
			protected++
		case eligible:
			candidates.Add(idx)
			observed[idx] = ci.LastVisit
		}
	}

	// A visit may have landed while the region was being classified.
	confirmed := roaring.New()
	it = candidates.Iterator()
	for it.HasNext() {
		idx := it.Next()
		live, err := s.flags.Get(rc.Chunk(int(idx))).Wait(ctx)
		switch {
		case err != nil:
			errored++
		case live != observed[idx]:
			flagged++
		default:
			confirmed.Add(idx)
		}
	}

	stats.FlagSkipped += flagged
	stats.ProtectedSkipped += protected
	stats.Errored += errored
	s.metrics.Skipped(rc.World, metrics.ReasonFlagged, flagged)
	s.metrics.Skipped(rc.World, metrics.ReasonProtected, protected)
	s.metrics.Skipped(rc.World, metrics.ReasonErrored, errored)

	a := info.Assess(confirmed)
	if a.Eligible.IsEmpty() {
		return
	}
	// release the read handle before the file is replaced
	info.Close()

	n, err := s.regions.DeleteChunks(ctx, rc, a.Eligible)
	if err != nil {
		s.regionFailed(log, rc, "刪除區塊失敗", err, stats)
		return
	}
	stats.ChunksDeleted += n
	s.metrics.ChunkDeleted(rc.World, n)
	if a.All() && errored == 0 {
		stats.RegionsDeleted++
		s.metrics.RegionDeleted(rc.World)
	} else {
		stats.RegionsRewritten++
		s.metrics.RegionRewritten(rc.World)
	}
	if st.Debug.Allows(config.DebugMedium) {
		log.Info("已刪除區塊", zap.Int("chunks", n), zap.Bool("whole_region", a.All()))
	}

	s.forget(ctx, rc, a.Eligible, observed)
}

// forget records the flag each deleted chunk had and resets its live flag,
// unless it moved on in the meantime.
func (s *Scheduler) forget(ctx context.Context, rc world.RegionCoord, deleted *roaring.Bitmap, observed map[uint32]world.VisitFlag) {
	it := deleted.Iterator()
	for it.HasNext() {
		idx := it.Next()
		c := rc.Chunk(int(idx))
		was := observed[idx]
		if err := s.flags.RecordDeleted(c, was); err != nil {
			s.log.Warn("無法記錄刪除前的旗標", zap.Stringer("chunk", c), zap.Error(err))
		}
		if was == world.FlagDefault {
			continue
		}
		if _, err := s.flags.CompareAndSet(ctx, c, was, world.FlagDefault); err != nil {
			s.log.Warn("無法重設旗標", zap.Stringer("chunk", c), zap.Error(err))
		}
	}
}

func (s *Scheduler) regionFailed(log *zap.Logger, rc world.RegionCoord, msg string, err error, stats *Stats) {
	stats.RegionErrors++
	s.metrics.RegionError(rc.World)
	log.Warn(msg, zap.Error(err))
}
