package protect

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/l1jgo/regiongc/internal/config"
	"github.com/l1jgo/regiongc/internal/pause"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeAdapter claims chunks with x == claimX, or fails/panics on demand.
type fakeAdapter struct {
	name    string
	claimX  int32
	deps    bool
	ready   bool
	fail    atomic.Bool
	panics  atomic.Bool
	readyCh chan struct{}
}

func newFake(name string, claimX int32) *fakeAdapter {
	return &fakeAdapter{name: name, claimX: claimX, deps: true, ready: true}
}

func (f *fakeAdapter) Name() string              { return f.name }
func (f *fakeAdapter) DependenciesPresent() bool { return f.deps }
func (f *fakeAdapter) ReadyImmediately() bool    { return f.ready }

func (f *fakeAdapter) IsChunkProtected(world string, x, z int32) (bool, error) {
	if f.panics.Load() {
		panic("adapter exploded")
	}
	if f.fail.Load() {
		return false, errors.New("backing system offline")
	}
	return x == f.claimX, nil
}

func (f *fakeAdapter) AwaitReady(ctx context.Context) error {
	select {
	case <-f.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func registryOf(adapters ...*fakeAdapter) Registry {
	r := Registry{}
	for _, a := range adapters {
		a := a
		r[a.name] = func(config.AdapterConfig, Env) (Adapter, error) { return a, nil }
	}
	return r
}

func cfgWith(names ...string) *config.Config {
	cfg := &config.Config{Adapters: map[string]config.AdapterConfig{}}
	for _, n := range names {
		cfg.Adapters[n] = config.AdapterConfig{}
	}
	return cfg
}

func TestProtectedIsAnyAdapter(t *testing.T) {
	a, b := newFake("a", 1), newFake("b", 2)
	sw := pause.New()
	o := NewOracle(registryOf(a, b), sw, "overworld", zap.NewNop())
	require.NoError(t, o.Enable(context.Background(), cfgWith("a", "b")))

	assert.ElementsMatch(t, []string{"a", "b"}, o.Names())
	assert.True(t, o.Protected("overworld", 1, 0))
	assert.True(t, o.Protected("overworld", 2, 0))
	assert.False(t, o.Protected("overworld", 3, 0))
	assert.False(t, sw.Paused())

	v := o.Verdicts("overworld", 2, 0)
	require.Len(t, v, 2)
	assert.False(t, v[0].Protected)
	assert.True(t, v[1].Protected)
}

func TestAdapterFailingSelfTestPausesPipeline(t *testing.T) {
	bad := newFake("claims", 0)
	bad.panics.Store(true)
	sw := pause.New()
	o := NewOracle(registryOf(bad), sw, "overworld", zap.NewNop())

	err := o.Enable(context.Background(), cfgWith("claims"))
	assert.ErrorIs(t, err, ErrAdapterUnusable)
	assert.Empty(t, o.Names())
	paused, reason := sw.State()
	assert.True(t, paused)
	assert.Contains(t, reason, "claims")
}

func TestConstructorErrorPausesAndMissingDepsSkip(t *testing.T) {
	sw := pause.New()
	absent := newFake("absent", 0)
	absent.deps = false
	reg := registryOf(absent)
	reg["broken"] = func(config.AdapterConfig, Env) (Adapter, error) { return nil, errors.New("bad config") }
	reg["optional"] = func(config.AdapterConfig, Env) (Adapter, error) { return nil, ErrDependencyMissing }
	o := NewOracle(reg, sw, "overworld", zap.NewNop())

	require.NoError(t, o.Enable(context.Background(), cfgWith("absent", "optional", "unknown")))
	assert.False(t, sw.Paused(), "missing deps and unknown ids do not pause")
	assert.Empty(t, o.Names())

	err := o.Enable(context.Background(), cfgWith("broken"))
	assert.ErrorIs(t, err, ErrAdapterUnusable)
	assert.True(t, sw.Paused())
}

func TestDisabledAdapterIsNotBuilt(t *testing.T) {
	a := newFake("a", 0)
	o := NewOracle(registryOf(a), pause.New(), "overworld", zap.NewNop())
	off := false
	cfg := &config.Config{Adapters: map[string]config.AdapterConfig{"a": {Enabled: &off}}}
	require.NoError(t, o.Enable(context.Background(), cfg))
	assert.Empty(t, o.Names())
}

func TestRuntimeErrorsFailClosed(t *testing.T) {
	a := newFake("a", 99)
	o := NewOracle(registryOf(a), pause.New(), "overworld", zap.NewNop())
	require.NoError(t, o.Enable(context.Background(), cfgWith("a")))

	assert.False(t, o.Protected("overworld", 0, 0))
	a.fail.Store(true)
	assert.True(t, o.Protected("overworld", 0, 0))
	a.fail.Store(false)
	a.panics.Store(true)
	assert.True(t, o.Protected("overworld", 0, 0))

	v := o.Verdicts("overworld", 0, 0)
	require.Len(t, v, 1)
	assert.True(t, v[0].Protected)
	assert.Error(t, v[0].Err)
}

func TestLateReadyAdapter(t *testing.T) {
	late := newFake("late", 5)
	late.ready = false
	late.readyCh = make(chan struct{})
	sw := pause.New()
	o := NewOracle(registryOf(late), sw, "overworld", zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, o.Enable(ctx, cfgWith("late")))
	assert.Empty(t, o.Names())
	assert.True(t, o.Protected("overworld", 0, 0), "nothing deletable while an adapter is pending")
	v := o.Verdicts("overworld", 0, 0)
	require.Len(t, v, 1)
	assert.True(t, v[0].Pending)

	close(late.readyCh)
	require.Eventually(t, func() bool { return len(o.Names()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, o.Protected("overworld", 0, 0))
	assert.True(t, o.Protected("overworld", 5, 0))
	assert.False(t, sw.Paused())
}

func TestAddAndRemove(t *testing.T) {
	o := NewOracle(Registry{}, pause.New(), "overworld", zap.NewNop())
	a := newFake("a", 1)
	require.NoError(t, o.Add(a))
	assert.Error(t, o.Add(a), "duplicate")

	bad := newFake("bad", 0)
	bad.fail.Store(true)
	assert.ErrorIs(t, o.Add(bad), ErrAdapterUnusable)

	assert.True(t, o.Protected("overworld", 1, 1))
	assert.True(t, o.Remove("a"))
	assert.False(t, o.Remove("a"))
	assert.False(t, o.Protected("overworld", 1, 1))
}

func TestConcurrentQueries(t *testing.T) {
	a := newFake("a", 7)
	o := NewOracle(registryOf(a), pause.New(), "overworld", zap.NewNop())
	require.NoError(t, o.Enable(context.Background(), cfgWith("a")))

	var wg sync.WaitGroup
	for i := int32(0); i < 16; i++ {
		wg.Add(1)
		go func(x int32) {
			defer wg.Done()
			assert.Equal(t, x == 7, o.Protected("overworld", x, 0))
		}(i)
	}
	wg.Wait()
}

func TestReloadKeepsEverythingProtectedWhileRebuilding(t *testing.T) {
	claims := newFake("zones", 7)
	building := make(chan struct{})
	release := make(chan struct{})
	var builds atomic.Int32
	reg := Registry{"zones": func(config.AdapterConfig, Env) (Adapter, error) {
		if builds.Add(1) > 1 {
			close(building)
			<-release
		}
		return claims, nil
	}}
	o := NewOracle(reg, pause.New(), "overworld", zap.NewNop())
	require.NoError(t, o.Enable(context.Background(), cfgWith("zones")))
	assert.True(t, o.Protected("overworld", 7, 0))
	assert.False(t, o.Protected("overworld", 0, 0))

	done := make(chan error, 1)
	go func() { done <- o.Reload(context.Background(), cfgWith("zones")) }()
	<-building

	var wg sync.WaitGroup
	for i := int32(0); i < 8; i++ {
		wg.Add(1)
		go func(x int32) {
			defer wg.Done()
			assert.True(t, o.Protected("overworld", x, 0), "x=%d during rebuild", x)
		}(i)
	}
	wg.Wait()
	v := o.Verdicts("overworld", 0, 0)
	require.Len(t, v, 1)
	assert.True(t, v[0].Pending)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, []string{"zones"}, o.Names())
	assert.True(t, o.Protected("overworld", 7, 0))
	assert.False(t, o.Protected("overworld", 0, 0))
}

func TestReloadReplacesPendingAdapter(t *testing.T) {
	late := newFake("late", 5)
	late.ready = false
	late.readyCh = make(chan struct{})
	o := NewOracle(registryOf(late), pause.New(), "overworld", zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, o.Enable(ctx, cfgWith("late")))
	require.NoError(t, o.Reload(ctx, cfgWith("late")))

	// the cancelled first wait must not clear the second one
	time.Sleep(20 * time.Millisecond)
	assert.True(t, o.Protected("overworld", 0, 0))

	close(late.readyCh)
	require.Eventually(t, func() bool { return len(o.Names()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, o.Protected("overworld", 0, 0))
}

func TestSpawnAdapter(t *testing.T) {
	a, err := NewSpawn(config.AdapterConfig{
		Radius: 2,
		Spawns: map[string]config.SpawnPoint{"overworld": {X: 10, Z: -10}},
	}, Env{})
	require.NoError(t, err)

	for _, tc := range []struct {
		world string
		x, z  int32
		want  bool
	}{
		{"overworld", 10, -10, true},
		{"overworld", 12, -8, true},
		{"overworld", 13, -10, false},
		{"nether", 10, -10, false},
	} {
		got, err := a.IsChunkProtected(tc.world, tc.x, tc.z)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "%s %d,%d", tc.world, tc.x, tc.z)
	}
}

func TestZonesAdapter(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "zones.yaml"), []byte(`
zones:
  - name: town
    world: overworld
    min_x: 100
    min_z: -40
    max_x: 20
    max_z: -17
`), 0o644))

	a, err := NewZones(config.AdapterConfig{File: "zones.yaml"}, Env{BaseDir: dir})
	require.NoError(t, err)

	// blocks 20..100 -> chunks 1..6, blocks -40..-17 -> chunks -3..-2
	for _, tc := range []struct {
		x, z int32
		want bool
	}{
		{1, -3, true},
		{6, -2, true},
		{0, -2, false},
		{7, -2, false},
		{3, -1, false},
	} {
		got, err := a.IsChunkProtected("overworld", tc.x, tc.z)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "%d,%d", tc.x, tc.z)
	}

	_, err = NewZones(config.AdapterConfig{File: "nope.yaml"}, Env{BaseDir: dir})
	assert.ErrorIs(t, err, ErrDependencyMissing)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("zones:\n  - name: x\n"), 0o644))
	_, err = NewZones(config.AdapterConfig{File: "bad.yaml"}, Env{BaseDir: dir})
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrDependencyMissing)
}

func TestScriptAdapter(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "claims.lua"), []byte(`
function is_chunk_protected(world, x, z) return x == z end
`), 0o644))

	sw := pause.New()
	o := NewOracle(DefaultRegistry(), sw, "overworld", zap.NewNop())
	cfg := &config.Config{Adapters: map[string]config.AdapterConfig{
		"script": {File: filepath.Join(dir, "claims.lua")},
	}}
	require.NoError(t, o.Enable(context.Background(), cfg))
	defer o.Close()

	assert.Equal(t, []string{"script"}, o.Names())
	assert.True(t, o.Protected("overworld", 4, 4))
	assert.False(t, o.Protected("overworld", 4, 5))
	assert.False(t, sw.Paused())

	_, err := NewScript(config.AdapterConfig{File: "missing.lua"}, Env{BaseDir: dir, Log: zap.NewNop()})
	assert.ErrorIs(t, err, ErrDependencyMissing)
}
