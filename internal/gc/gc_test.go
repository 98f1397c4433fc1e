package gc

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/l1jgo/regiongc/internal/anvil"
	"github.com/l1jgo/regiongc/internal/config"
	"github.com/l1jgo/regiongc/internal/flag"
	"github.com/l1jgo/regiongc/internal/metrics"
	"github.com/l1jgo/regiongc/internal/pause"
	"github.com/l1jgo/regiongc/internal/persist"
	"github.com/l1jgo/regiongc/internal/protect"
	"github.com/l1jgo/regiongc/internal/region"
	"github.com/l1jgo/regiongc/internal/world"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const day = 24 * time.Hour

var (
	rc0     = world.RegionCoord{World: "overworld", X: 0, Z: 0}
	modTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock0  = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

// guard protects a fixed set of chunks.
type guard struct {
	mu     sync.Mutex
	chunks map[world.ChunkCoord]bool
	asked  int
}

func (g *guard) Protected(w string, x, z int32) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.asked++
	return g.chunks[world.Chunk(w, x, z)]
}

func (g *guard) protect(c world.ChunkCoord) {
	g.mu.Lock()
	g.chunks[c] = true
	g.mu.Unlock()
}

type fixture struct {
	storage *region.MemStorage
	cache   *flag.Cache
	store   *region.Store
	sw      *pause.Switch
	guard   *guard
	metrics *metrics.Metrics
	sched   *Scheduler
	clock   time.Time
}

func defaultSettings() Settings {
	return Settings{
		Worlds:          []string{"overworld"},
		FlagDuration:    7 * day,
		Cooldown:        day,
		RegionsPerBatch: 2,
		BatchInterval:   time.Second,
	}
}

func newFixture(t *testing.T, st Settings) *fixture {
	t.Helper()
	f := &fixture{
		storage: region.NewMemStorage(),
		cache:   flag.New(persist.NewMemoryStore(), zap.NewNop(), flag.Options{}),
		sw:      pause.New(),
		guard:   &guard{chunks: map[world.ChunkCoord]bool{}},
		metrics: metrics.New(prometheus.NewRegistry()),
		clock:   clock0,
	}
	t.Cleanup(func() { f.cache.Shutdown(context.Background()) })
	f.store = region.NewStore(f.storage, f.cache, zap.NewNop())
	f.sched = NewScheduler(f.store, f.cache, f.guard, f.sw, f.metrics, st, zap.NewNop())
	f.sched.now = func() time.Time { return f.clock }
	return f
}

// putRegion writes a chunk-layer region with one chunk per entry of
// inhabited.
func (f *fixture) putRegion(t *testing.T, layer world.Layer, rc world.RegionCoord, inhabited map[int]int64) {
	t.Helper()
	recs := make([]anvil.Record, 0, len(inhabited))
	for idx, it := range inhabited {
		payload, err := anvil.SummaryPayload(anvil.Summary{InhabitedTime: it, Status: "minecraft:full"})
		require.NoError(t, err)
		rec, err := anvil.Encode(anvil.CompressionZlib, payload)
		require.NoError(t, err)
		recs = append(recs, anvil.Record{Index: idx, Data: rec, Modified: uint32(modTime.Unix())})
	}
	data, err := anvil.Build(recs)
	require.NoError(t, err)
	f.storage.Put(layer, rc, data, modTime)
}

func (f *fixture) present(t *testing.T, rc world.RegionCoord) []uint32 {
	t.Helper()
	info, err := f.store.GetRegion(context.Background(), rc)
	require.NoError(t, err)
	defer info.Close()
	return info.Present().ToArray()
}

func (f *fixture) flag(t *testing.T, c world.ChunkCoord) world.VisitFlag {
	t.Helper()
	v, err := f.cache.Get(c).Wait(context.Background())
	require.NoError(t, err)
	return v
}

// drain activates a pass and runs it to completion.
func (f *fixture) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.sched.Activate(ctx))
	for i := 0; f.sched.Step(ctx); i++ {
		require.Less(t, i, 1000, "pass never finished")
	}
}

func TestVisitAgeDecidesEligibility(t *testing.T) {
	f := newFixture(t, defaultSettings())
	f.putRegion(t, world.LayerRegion, rc0, map[int]int64{0: 100, 1: 100})
	old := world.VisitAt(f.clock.Add(-10 * day))
	recent := world.VisitAt(f.clock.Add(-3 * day))
	require.NoError(t, f.cache.Set(rc0.Chunk(0), old))
	require.NoError(t, f.cache.Set(rc0.Chunk(1), recent))

	f.drain(t)

	assert.Equal(t, []uint32{1}, f.present(t, rc0))
	st := f.sched.Status("overworld")
	assert.Equal(t, StateComplete, st.State)
	assert.Equal(t, 1, st.Stats.ChunksDeleted)
	assert.Equal(t, 1, st.Stats.RegionsRewritten)
	assert.Equal(t, 1, st.Stats.FlagSkipped)
	assert.Equal(t, clock0.Add(day), st.NextRun)

	// the deleted chunk forgets its visit but the audit trail keeps it
	assert.Equal(t, world.FlagDefault, f.flag(t, rc0.Chunk(0)))
	last, err := f.cache.GetAtLastDelete(rc0.Chunk(0)).Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, old, last)
	assert.Equal(t, recent, f.flag(t, rc0.Chunk(1)))

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ChunksDeleted.WithLabelValues("overworld")))
}

func TestProtectedChunkSurvivesRewrite(t *testing.T) {
	f := newFixture(t, defaultSettings())
	all := make(map[int]int64, world.ChunksPerRegion)
	for i := 0; i < world.ChunksPerRegion; i++ {
		all[i] = 0
	}
	f.putRegion(t, world.LayerRegion, rc0, all)
	f.guard.protect(rc0.Chunk(7))

	f.drain(t)

	assert.Equal(t, []uint32{7}, f.present(t, rc0))
	_, ok := f.storage.Bytes(world.LayerRegion, rc0)
	assert.True(t, ok)
	st := f.sched.Status("overworld").Stats
	assert.Equal(t, world.ChunksPerRegion-1, st.ChunksDeleted)
	assert.Equal(t, 1, st.ProtectedSkipped)
	assert.Equal(t, 1, st.RegionsRewritten)
	assert.Zero(t, st.RegionsDeleted)
}

// brokenAdapter blows up on its first question.
type brokenAdapter struct{}

func (brokenAdapter) Name() string              { return "broken" }
func (brokenAdapter) DependenciesPresent() bool { return true }
func (brokenAdapter) ReadyImmediately() bool    { return true }
func (brokenAdapter) IsChunkProtected(string, int32, int32) (bool, error) {
	panic("not wired up")
}

func TestSelfTestFailurePausesDeletion(t *testing.T) {
	f := newFixture(t, defaultSettings())
	f.putRegion(t, world.LayerRegion, rc0, map[int]int64{0: 0, 1: 0})

	reg := protect.Registry{"broken": func(config.AdapterConfig, protect.Env) (protect.Adapter, error) {
		return brokenAdapter{}, nil
	}}
	oracle := protect.NewOracle(reg, f.sw, "overworld", zap.NewNop())
	err := oracle.Enable(context.Background(), &config.Config{
		Adapters: map[string]config.AdapterConfig{"broken": {}},
	})
	require.ErrorIs(t, err, protect.ErrAdapterUnusable)
	require.True(t, f.sw.Paused())
	f.sched.oracle = oracle

	f.drain(t)
	assert.Equal(t, []uint32{0, 1}, f.present(t, rc0))
	assert.Equal(t, StateIdle, f.sched.Status("overworld").State)

	require.True(t, f.sw.Resume())
	f.drain(t)
	assert.Empty(t, f.present(t, rc0))
}

func TestEternalAndGenerated(t *testing.T) {
	for _, deleteNew := range []bool{false, true} {
		st := defaultSettings()
		st.DeleteNewUnvisited = deleteNew
		f := newFixture(t, st)
		f.putRegion(t, world.LayerRegion, rc0, map[int]int64{0: 0, 1: 0, 2: 0, 3: 900})
		require.NoError(t, f.cache.Set(rc0.Chunk(0), world.FlagEternal))
		require.NoError(t, f.cache.Set(rc0.Chunk(1), world.FlagGenerated))
		// chunk 2 was never observed, chunk 3 was played in but never flagged

		f.drain(t)

		if deleteNew {
			assert.Equal(t, []uint32{0}, f.present(t, rc0))
		} else {
			assert.Equal(t, []uint32{0, 1}, f.present(t, rc0))
		}
		assert.Equal(t, world.FlagEternal, f.flag(t, rc0.Chunk(0)))
	}
}

func TestEternalChunksAreNeverOfferedToAdapters(t *testing.T) {
	f := newFixture(t, defaultSettings())
	f.putRegion(t, world.LayerRegion, rc0, map[int]int64{0: 0})
	require.NoError(t, f.cache.Set(rc0.Chunk(0), world.FlagEternal))
	f.drain(t)
	assert.Zero(t, f.guard.asked)
}

func TestWholeRegionRemovedFromEveryLayer(t *testing.T) {
	f := newFixture(t, defaultSettings())
	f.putRegion(t, world.LayerRegion, rc0, map[int]int64{0: 0, 5: 0})
	f.putRegion(t, world.LayerEntities, rc0, map[int]int64{0: 0, 5: 0})
	f.putRegion(t, world.LayerPOI, rc0, map[int]int64{5: 0})

	f.drain(t)

	for _, layer := range world.Layers {
		_, ok := f.storage.Bytes(layer, rc0)
		assert.False(t, ok, layer)
	}
	st := f.sched.Status("overworld").Stats
	assert.Equal(t, 1, st.RegionsDeleted)
	assert.Equal(t, 2, st.ChunksDeleted)
}

func TestPauseKeepsPosition(t *testing.T) {
	st := defaultSettings()
	st.RegionsPerBatch = 1
	f := newFixture(t, st)
	for x := int32(0); x < 5; x++ {
		f.putRegion(t, world.LayerRegion, world.RegionCoord{World: "overworld", X: x}, map[int]int64{0: 0})
	}
	ctx := context.Background()
	require.NoError(t, f.sched.Activate(ctx))
	require.True(t, f.sched.Step(ctx))
	assert.Equal(t, 4, f.sched.Status("overworld").Remaining)
	assert.Equal(t, "overworld r.1.0", f.sched.Status("overworld").Next)

	f.sw.Pause("operator")
	assert.False(t, f.sched.Step(ctx))
	st2 := f.sched.Status("overworld")
	assert.Equal(t, StatePaused, st2.State)
	assert.Equal(t, 4, st2.Remaining)

	f.sw.Resume()
	require.True(t, f.sched.Step(ctx))
	st2 = f.sched.Status("overworld")
	assert.Equal(t, StateScanning, st2.State)
	assert.Equal(t, 3, st2.Remaining)
	assert.Equal(t, 2, st2.Stats.ChunksDeleted)
}

func TestOnePassAtATimeAndCooldown(t *testing.T) {
	st := defaultSettings()
	st.Worlds = []string{"overworld", "nether"}
	f := newFixture(t, st)
	f.putRegion(t, world.LayerRegion, rc0, map[int]int64{0: 0})
	nether := world.RegionCoord{World: "nether"}
	f.putRegion(t, world.LayerRegion, nether, map[int]int64{0: 0})
	ctx := context.Background()

	require.NoError(t, f.sched.Activate(ctx))
	require.NoError(t, f.sched.Activate(ctx))
	assert.Equal(t, StateScanning, f.sched.Status("overworld").State)
	assert.Equal(t, StateIdle, f.sched.Status("nether").State)
	first := f.sched.Status("overworld").ID

	for f.sched.Step(ctx) {
	}
	require.NoError(t, f.sched.Activate(ctx))
	assert.Equal(t, StateScanning, f.sched.Status("nether").State)
	for f.sched.Step(ctx) {
	}

	// both complete: nothing runs until the cooldown ends
	require.NoError(t, f.sched.Activate(ctx))
	assert.False(t, f.sched.Step(ctx))
	assert.Equal(t, first, f.sched.Status("overworld").ID)

	f.clock = f.clock.Add(day + time.Second)
	require.NoError(t, f.sched.Activate(ctx))
	again := f.sched.Status("overworld")
	assert.Equal(t, StateScanning, again.State)
	assert.NotEqual(t, first, again.ID)
	assert.Len(t, f.sched.Statuses(), 2)
}

func TestRescanIsIdempotent(t *testing.T) {
	f := newFixture(t, defaultSettings())
	f.putRegion(t, world.LayerRegion, rc0, map[int]int64{0: 0, 1: 40})
	require.NoError(t, f.cache.Set(rc0.Chunk(1), world.VisitAt(f.clock)))
	f.drain(t)
	before, ok := f.storage.Bytes(world.LayerRegion, rc0)
	require.True(t, ok)

	f.clock = f.clock.Add(day + time.Second)
	f.drain(t)
	after, ok := f.storage.Bytes(world.LayerRegion, rc0)
	require.True(t, ok)
	assert.Equal(t, before, after)
	assert.Zero(t, f.sched.Status("overworld").Stats.ChunksDeleted)
}

func TestResetMarkerGatesFirstPass(t *testing.T) {
	st := defaultSettings()
	st.ResetMarkers = map[string]time.Time{"overworld": clock0.Add(time.Hour)}
	f := newFixture(t, st)
	f.putRegion(t, world.LayerRegion, rc0, map[int]int64{0: 0})

	f.drain(t)
	status := f.sched.Status("overworld")
	assert.Equal(t, StateIdle, status.State)
	assert.Equal(t, clock0.Add(time.Hour), status.GatedTill)
	assert.Equal(t, []uint32{0}, f.present(t, rc0))

	f.clock = f.clock.Add(2 * time.Hour)
	f.drain(t)
	assert.Empty(t, f.present(t, rc0))
}

func TestNoWorldsConfigured(t *testing.T) {
	st := defaultSettings()
	st.Worlds = nil
	f := newFixture(t, st)
	err := f.sched.Activate(context.Background())
	assert.True(t, errors.Is(err, ErrNoWorldsConfigured))
}

func TestReconfigureDropsRemovedWorld(t *testing.T) {
	f := newFixture(t, defaultSettings())
	f.putRegion(t, world.LayerRegion, rc0, map[int]int64{0: 0})
	ctx := context.Background()
	require.NoError(t, f.sched.Activate(ctx))

	st := defaultSettings()
	st.Worlds = []string{"nether"}
	f.sched.Reconfigure(st)
	assert.False(t, f.sched.Step(ctx))
	assert.Equal(t, []uint32{0}, f.present(t, rc0))
	assert.Equal(t, StateIdle, f.sched.Status("overworld").State)
}

func TestDecide(t *testing.T) {
	st := defaultSettings()
	c := world.Chunk("overworld", 3, 4)
	g := &guard{chunks: map[world.ChunkCoord]bool{}}
	cases := []struct {
		name string
		ci   region.ChunkInfo
		want verdict
	}{
		{"eternal", region.ChunkInfo{Coord: c, LastVisit: world.FlagEternal, Status: world.StatusVisited}, keepFlagged},
		{"fresh visit", region.ChunkInfo{Coord: c, LastVisit: world.VisitAt(clock0.Add(-day)), Status: world.StatusVisited}, keepFlagged},
		{"stale visit", region.ChunkInfo{Coord: c, LastVisit: world.VisitAt(clock0.Add(-8 * day)), Status: world.StatusVisited}, eligible},
		{"never seen", region.ChunkInfo{Coord: c, LastVisit: world.FlagDefault, Status: world.StatusUnknown}, eligible},
		{"generated", region.ChunkInfo{Coord: c, LastVisit: world.FlagGenerated, Status: world.StatusGenerated, LastModified: modTime}, keepFlagged},
		{"young generated", region.ChunkInfo{Coord: c, LastVisit: world.FlagGenerated, Status: world.StatusGenerated, LastModified: clock0}, keepFlagged},
		{"orphaned fresh", region.ChunkInfo{Coord: c, LastVisit: world.VisitAt(clock0), Status: world.StatusOrphaned, Orphaned: true}, eligible},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, decide(tc.ci, clock0, st, g), tc.name)
	}

	g.protect(c)
	assert.Equal(t, keepProtected, decide(cases[2].ci, clock0, st, g))
	assert.Equal(t, keepFlagged, decide(cases[0].ci, clock0, st, g))
}

func TestVisitedOrphanIsDeleted(t *testing.T) {
	f := newFixture(t, defaultSettings())
	ctx := context.Background()

	payload, err := anvil.SummaryPayload(anvil.Summary{InhabitedTime: 90, Status: "minecraft:full"})
	require.NoError(t, err)
	rec, err := anvil.Encode(anvil.CompressionZlib, payload)
	require.NoError(t, err)
	data, err := anvil.Build([]anvil.Record{{Index: 0, Data: rec, Modified: uint32(modTime.Unix())}})
	require.NoError(t, err)
	// slot 5 points past the end of the file
	binary.BigEndian.PutUint32(data[5*4:], 5000<<8|1)
	f.storage.Put(world.LayerRegion, rc0, data, modTime)

	healthy, orphan := rc0.Chunk(0), rc0.Chunk(5)
	require.NoError(t, f.cache.Set(healthy, world.VisitAt(clock0)))
	require.NoError(t, f.cache.Set(orphan, world.VisitAt(clock0)))

	ci, err := f.store.Classify(ctx, orphan)
	require.NoError(t, err)
	require.Equal(t, world.StatusOrphaned, ci.Status)
	assert.Equal(t, eligible, decide(ci, clock0, defaultSettings(), f.guard))

	f.drain(t)
	assert.Equal(t, []uint32{0}, f.present(t, rc0))
	st := f.sched.Status("overworld").Stats
	assert.Equal(t, 1, st.ChunksDeleted)
	assert.Equal(t, 1, st.RegionsRewritten)
	assert.Equal(t, world.VisitAt(clock0), f.flag(t, healthy))
}

// listingRegions counts region listings and fails them for chosen worlds.
type listingRegions struct {
	inner *region.Store
	mu    sync.Mutex
	lists int
	fail  map[string]error
}

func (l *listingRegions) Regions(ctx context.Context, worldID string) ([]world.RegionCoord, error) {
	l.mu.Lock()
	l.lists++
	err := l.fail[worldID]
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return l.inner.Regions(ctx, worldID)
}

func (l *listingRegions) GetRegion(ctx context.Context, rc world.RegionCoord) (*region.RegionInfo, error) {
	return l.inner.GetRegion(ctx, rc)
}

func (l *listingRegions) DeleteChunks(ctx context.Context, rc world.RegionCoord, indices *roaring.Bitmap) (int, error) {
	return l.inner.DeleteChunks(ctx, rc, indices)
}

func (l *listingRegions) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lists
}

func TestActivateLeavesListingToWorker(t *testing.T) {
	st := defaultSettings()
	f := newFixture(t, st)
	f.putRegion(t, world.LayerRegion, rc0, map[int]int64{0: 0})
	f.putRegion(t, world.LayerRegion, world.RegionCoord{World: "overworld", X: 1}, map[int]int64{0: 0})
	lr := &listingRegions{inner: f.store}
	sched := NewScheduler(lr, f.cache, f.guard, f.sw, f.metrics, st, zap.NewNop())
	sched.now = func() time.Time { return f.clock }
	ctx := context.Background()

	require.NoError(t, sched.Activate(ctx))
	assert.Zero(t, lr.count())
	assert.Equal(t, StateScanning, sched.Status("overworld").State)

	require.True(t, sched.Step(ctx))
	assert.Equal(t, 1, lr.count())
	got := sched.Status("overworld")
	assert.Equal(t, 2, got.Total)
	assert.Equal(t, 0, got.Remaining)
	assert.Equal(t, StateComplete, got.State)
}

func TestUnlistableWorldYieldsToNext(t *testing.T) {
	st := defaultSettings()
	st.Worlds = []string{"overworld", "nether"}
	f := newFixture(t, st)
	nether := world.RegionCoord{World: "nether"}
	f.putRegion(t, world.LayerRegion, nether, map[int]int64{0: 0})
	lr := &listingRegions{inner: f.store, fail: map[string]error{"overworld": errors.New("permission denied")}}
	sched := NewScheduler(lr, f.cache, f.guard, f.sw, f.metrics, st, zap.NewNop())
	sched.now = func() time.Time { return f.clock }
	ctx := context.Background()

	require.NoError(t, sched.Activate(ctx))
	require.True(t, sched.Step(ctx))
	assert.False(t, sched.Step(ctx))
	assert.Equal(t, StateComplete, sched.Status("overworld").State)

	require.NoError(t, sched.Activate(ctx))
	for sched.Step(ctx) {
	}
	assert.Equal(t, StateComplete, sched.Status("nether").State)
	assert.Equal(t, 1, sched.Status("nether").Stats.ChunksDeleted)
}

func TestWorkerStopsOnCancel(t *testing.T) {
	st := defaultSettings()
	st.BatchInterval = 10 * time.Millisecond
	f := newFixture(t, st)
	f.putRegion(t, world.LayerRegion, rc0, map[int]int64{0: 0})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sched.Run(ctx) }()

	require.NoError(t, f.sched.Activate(ctx))
	require.Eventually(t, func() bool {
		return f.sched.Status("overworld").State == StateComplete
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, f.present(t, rc0))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestStatsSummary(t *testing.T) {
	s := Stats{RegionsScanned: 1200, ChunksDeleted: 54321}
	assert.Contains(t, s.Summary(), "54,321")
}
