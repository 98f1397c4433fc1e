package protect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/l1jgo/regiongc/internal/config"
	"go.uber.org/zap"
)

// Pauser is the write side of the pipeline pause switch.
type Pauser interface {
	Pause(reason string)
}

// Verdict is one adapter's answer for the check diagnostic.
type Verdict struct {
	Adapter   string
	Protected bool
	Pending   bool // still waiting to become ready
	Err       error
}

// Oracle is the set of usable adapters. A chunk is protected if any adapter
// claims it, if any adapter fails to answer, or while an enabled adapter is
// still waiting to become ready or the adapter set is being rebuilt.
type Oracle struct {
	registry Registry
	pauser   Pauser
	canary   string
	log      *zap.Logger
	debug    config.DebugLevel

	mu         sync.RWMutex
	adapters   []Adapter
	pending    map[string]*waiter
	rebuilding int
}

// waiter is one late-ready wait. Pointer identity tells a stale wait from
// its replacement under the same adapter name.
type waiter struct {
	cancel context.CancelFunc
}

// NewOracle creates an empty oracle. canaryWorld is the world the self-test
// asks about.
func NewOracle(reg Registry, p Pauser, canaryWorld string, log *zap.Logger) *Oracle {
	return &Oracle{
		registry: reg,
		pauser:   p,
		canary:   canaryWorld,
		log:      log,
		pending:  make(map[string]*waiter),
	}
}

// SetDebug changes how much adapter bookkeeping is logged.
func (o *Oracle) SetDebug(d config.DebugLevel) {
	o.mu.Lock()
	o.debug = d
	o.mu.Unlock()
}

// Enable builds every enabled adapter in cfg. Missing dependencies skip the
// adapter; any other failure pauses deletion. The returned error joins the
// failures and is for reporting only.
func (o *Oracle) Enable(ctx context.Context, cfg *config.Config) error {
	names := make([]string, 0, len(cfg.Adapters))
	for name := range cfg.Adapters {
		names = append(names, name)
	}
	sort.Strings(names)

	env := Env{Log: o.log, BaseDir: baseDir(cfg)}
	var errs error
	for _, name := range names {
		acfg := cfg.Adapters[name]
		if !acfg.IsEnabled() {
			continue
		}
		if err := o.enableOne(ctx, name, acfg, env); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	return errs
}

func (o *Oracle) enableOne(ctx context.Context, name string, acfg config.AdapterConfig, env Env) error {
	ctor, ok := o.registry[name]
	if !ok {
		o.log.Error("找不到保護介面", zap.String("adapter", name), zap.Strings("known", o.registry.Names()))
		return nil
	}

	a, err := ctor(acfg, Env{Log: env.Log.With(zap.String("adapter", name)), BaseDir: env.BaseDir})
	if errors.Is(err, ErrDependencyMissing) {
		o.debugf(config.DebugLow, "保護介面缺少依賴，略過", name)
		return nil
	}
	if err != nil {
		err = fmt.Errorf("%w: %s: %v", ErrAdapterUnusable, name, err)
		o.pauser.Pause(fmt.Sprintf("protection adapter %s failed to start", name))
		o.log.Error("保護介面啟動失敗，刪除已暫停", zap.String("adapter", name), zap.Error(err))
		return err
	}
	if !a.DependenciesPresent() {
		closeAdapter(a)
		o.debugf(config.DebugLow, "保護介面缺少依賴，略過", name)
		return nil
	}

	if !a.ReadyImmediately() {
		lr, ok := a.(LateReadier)
		if !ok {
			closeAdapter(a)
			o.log.Warn("保護介面尚未就緒且無法延後啟用", zap.String("adapter", name))
			return nil
		}
		o.debugf(config.DebugLow, "保護介面可用但尚未就緒", name)
		o.awaitLate(ctx, a, lr)
		return nil
	}

	if err := o.admit(a); err != nil {
		closeAdapter(a)
		o.pauser.Pause(fmt.Sprintf("protection adapter %s failed usability check", name))
		o.log.Error("保護介面自我檢測失敗，刪除已暫停", zap.String("adapter", name), zap.Error(err))
		return err
	}
	o.debugf(config.DebugLow, "已啟用保護介面", name)
	return nil
}

// awaitLate waits for a in the background and admits it once ready. Until
// then Protected treats every chunk as protected.
func (o *Oracle) awaitLate(ctx context.Context, a Adapter, lr LateReadier) {
	ctx, cancel := context.WithCancel(ctx)
	w := &waiter{cancel: cancel}
	o.mu.Lock()
	if old, ok := o.pending[a.Name()]; ok {
		old.cancel()
	}
	o.pending[a.Name()] = w
	o.mu.Unlock()

	go func() {
		defer cancel()
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = time.Second
		bo.MaxInterval = time.Minute
		bo.MaxElapsedTime = 0
		err := backoff.Retry(func() error {
			err := lr.AwaitReady(ctx)
			if err != nil {
				o.log.Debug("等待保護介面就緒", zap.String("adapter", a.Name()), zap.Error(err))
			}
			return err
		}, backoff.WithContext(bo, ctx))

		o.mu.Lock()
		current := o.pending[a.Name()] == w
		if current {
			delete(o.pending, a.Name())
		}
		o.mu.Unlock()
		if !current {
			closeAdapter(a)
			return
		}
		if err != nil {
			if ctx.Err() == nil {
				o.pauser.Pause(fmt.Sprintf("protection adapter %s never became ready", a.Name()))
			}
			return
		}
		if err := o.admit(a); err != nil {
			o.pauser.Pause(fmt.Sprintf("protection adapter %s failed usability check", a.Name()))
			o.log.Error("保護介面自我檢測失敗，刪除已暫停", zap.String("adapter", a.Name()), zap.Error(err))
			return
		}
		o.log.Info("保護介面延後啟用", zap.String("adapter", a.Name()))
	}()
}

// Add registers an adapter after startup. It is self-tested first; a
// failure is returned and does not pause deletion.
func (o *Oracle) Add(a Adapter) error {
	return o.admit(a)
}

func (o *Oracle) admit(a Adapter) error {
	o.mu.RLock()
	for _, have := range o.adapters {
		if have.Name() == a.Name() {
			o.mu.RUnlock()
			return fmt.Errorf("protect: adapter %s already enabled", a.Name())
		}
	}
	o.mu.RUnlock()

	if _, err := ask(a, o.canary, 0, 0); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrAdapterUnusable, a.Name(), err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, have := range o.adapters {
		if have.Name() == a.Name() {
			return fmt.Errorf("protect: adapter %s already enabled", a.Name())
		}
	}
	o.adapters = append(o.adapters, a)
	return nil
}

// Remove unregisters the named adapter, or stops waiting for it.
func (o *Oracle) Remove(name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if w, ok := o.pending[name]; ok {
		w.cancel()
		delete(o.pending, name)
		return true
	}
	for i, a := range o.adapters {
		if a.Name() == name {
			o.adapters = append(o.adapters[:i:i], o.adapters[i+1:]...)
			closeAdapter(a)
			return true
		}
	}
	return false
}

// Protected reports whether any adapter claims the chunk. Errors and panics
// count as protected.
func (o *Oracle) Protected(world string, x, z int32) bool {
	o.mu.RLock()
	adapters := o.adapters
	waiting := len(o.pending) > 0 || o.rebuilding > 0
	o.mu.RUnlock()

	if waiting {
		return true
	}
	for _, a := range adapters {
		ok, err := ask(a, world, x, z)
		if err != nil {
			o.log.Warn("保護介面查詢失敗，視為受保護",
				zap.String("adapter", a.Name()),
				zap.String("world", world),
				zap.Int32("x", x), zap.Int32("z", z),
				zap.Error(err))
			return true
		}
		if ok {
			return true
		}
	}
	return false
}

// Verdicts asks every adapter individually.
func (o *Oracle) Verdicts(world string, x, z int32) []Verdict {
	o.mu.RLock()
	adapters := o.adapters
	pending := make([]string, 0, len(o.pending))
	for name := range o.pending {
		pending = append(pending, name)
	}
	rebuilding := o.rebuilding > 0
	o.mu.RUnlock()

	out := make([]Verdict, 0, len(adapters)+len(pending)+1)
	if rebuilding {
		out = append(out, Verdict{Adapter: "reload", Protected: true, Pending: true})
	}
	for _, a := range adapters {
		ok, err := ask(a, world, x, z)
		out = append(out, Verdict{Adapter: a.Name(), Protected: ok || err != nil, Err: err})
	}
	sort.Strings(pending)
	for _, name := range pending {
		out = append(out, Verdict{Adapter: name, Protected: true, Pending: true})
	}
	return out
}

// Names lists usable adapters.
func (o *Oracle) Names() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	names := make([]string, len(o.adapters))
	for i, a := range o.adapters {
		names[i] = a.Name()
	}
	return names
}

// Reload replaces the adapter set with the one cfg enables. Every chunk
// counts as protected until the new set is built.
func (o *Oracle) Reload(ctx context.Context, cfg *config.Config) error {
	o.mu.Lock()
	o.rebuilding++
	o.resetLocked()
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.rebuilding--
		o.mu.Unlock()
	}()
	return o.Enable(ctx, cfg)
}

// Reset drops every adapter.
func (o *Oracle) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resetLocked()
}

func (o *Oracle) resetLocked() {
	for name, w := range o.pending {
		w.cancel()
		delete(o.pending, name)
	}
	for _, a := range o.adapters {
		closeAdapter(a)
	}
	o.adapters = nil
}

// Close stops late-ready waits and releases adapter resources.
func (o *Oracle) Close() { o.Reset() }

func (o *Oracle) debugf(level config.DebugLevel, msg, adapter string) {
	o.mu.RLock()
	d := o.debug
	o.mu.RUnlock()
	if d.Allows(level) {
		o.log.Info(msg, zap.String("adapter", adapter))
	}
}

// ask calls the adapter, turning a panic into an error.
func ask(a Adapter, world string, x, z int32) (protected bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			protected, err = true, fmt.Errorf("panic: %v", r)
		}
	}()
	return a.IsChunkProtected(world, x, z)
}

func closeAdapter(a Adapter) {
	if c, ok := a.(io.Closer); ok {
		c.Close()
	}
}

func baseDir(cfg *config.Config) string {
	if p := cfg.Path(); p != "" {
		return filepath.Dir(p)
	}
	return "."
}
