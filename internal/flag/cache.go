// Package flag holds the in-memory, write-behind cache of per-chunk visit
// flags. The host loop writes into it without blocking; the deletion worker
// reads through it.
package flag

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/l1jgo/regiongc/internal/config"
	"github.com/l1jgo/regiongc/internal/persist"
	"github.com/l1jgo/regiongc/internal/world"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// ErrClosed is returned by every operation after Shutdown started.
var ErrClosed = errors.New("flag: cache closed")

type Options struct {
	FlushInterval   time.Duration // 0 disables the background loop
	IdleEvict       time.Duration // 0 keeps entries until shutdown
	ShutdownTimeout time.Duration
	MaxBatch        int   // records per store write
	MaxReads        int64 // concurrent store reads
}

func OptionsFrom(cfg config.FlagsConfig) Options {
	return Options{
		FlushInterval:   cfg.FlushInterval,
		IdleEvict:       cfg.IdleEvict,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}
}

type key struct {
	ns persist.Namespace
	c  world.ChunkCoord
}

type entry struct {
	flag    world.VisitFlag
	loaded  bool                     // flag is the stored or explicitly set value
	read    *Future[world.VisitFlag] // outstanding store read
	offer   world.VisitFlag          // merge waiting for the read
	pending bool                     // offer is set
	touched time.Time
}

// Cache maps chunks to visit flags. Values become visible to Get as soon as
// they are set; the store is updated in batches by Flush.
type Cache struct {
	store persist.FlagStore
	log   *zap.Logger
	opts  Options
	now   func() time.Time
	reads *semaphore.Weighted

	mu       sync.Mutex
	entries  map[key]*entry
	queue    map[key]world.VisitFlag // latest unpersisted value per key
	inflight int
	closed   bool

	flushMu  sync.Mutex // serializes Flush and eviction
	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}

	shutdownMu sync.Mutex
	shutdown   bool
}

func New(store persist.FlagStore, log *zap.Logger, opts Options) *Cache {
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = 1000
	}
	if opts.MaxReads <= 0 {
		opts.MaxReads = 64
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		store:    store,
		log:      log,
		opts:     opts,
		now:      time.Now,
		reads:    semaphore.NewWeighted(opts.MaxReads),
		entries:  make(map[key]*entry),
		queue:    make(map[key]world.VisitFlag),
		ctx:      ctx,
		cancel:   cancel,
		loopDone: make(chan struct{}),
	}
	if opts.FlushInterval > 0 {
		go c.loop()
	} else {
		close(c.loopDone)
	}
	return c
}

// Get returns the visit flag of c. Concurrent lookups of an uncached chunk
// share one store read.
func (c *Cache) Get(ch world.ChunkCoord) *Future[world.VisitFlag] {
	return c.get(key{persist.Visits, ch})
}

// GetAtLastDelete returns the visit flag recorded when ch was last deleted,
// or DEFAULT if it never was.
func (c *Cache) GetAtLastDelete(ch world.ChunkCoord) *Future[world.VisitFlag] {
	return c.get(key{persist.Deletes, ch})
}

// Set replaces the visit flag of ch unconditionally. Operator actions use it;
// observations go through Offer.
func (c *Cache) Set(ch world.ChunkCoord, f world.VisitFlag) error {
	return c.set(key{persist.Visits, ch}, f)
}

// RecordDeleted stores the flag a chunk had when the deletion path removed it.
func (c *Cache) RecordDeleted(ch world.ChunkCoord, f world.VisitFlag) error {
	return c.set(key{persist.Deletes, ch}, f)
}

// Offer merges an observed flag into ch. A sentinel is never replaced by a
// lower priority value, and timestamps only move forward. Offer never waits
// for the store; if ch is not cached the merge is applied once it is loaded.
func (c *Cache) Offer(ch world.ChunkCoord, f world.VisitFlag) error {
	k := key{persist.Visits, ch}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	e := c.entryLocked(k)
	if e.loaded {
		if m := world.Merge(e.flag, f); m != e.flag {
			e.flag = m
			c.queue[k] = m
		}
		return nil
	}
	if e.pending {
		e.offer = world.Merge(e.offer, f)
	} else {
		e.offer, e.pending = f, true
	}
	c.startReadLocked(k, e)
	return nil
}

// CompareAndSet replaces the visit flag of ch with next only if it is still
// old. The deletion path uses it so that a visit racing a deletion wins.
func (c *Cache) CompareAndSet(ctx context.Context, ch world.ChunkCoord, old, next world.VisitFlag) (bool, error) {
	k := key{persist.Visits, ch}
	for {
		if _, err := c.get(k).Wait(ctx); err != nil {
			return false, err
		}
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return false, ErrClosed
		}
		e := c.entries[k]
		if e == nil || !e.loaded {
			// evicted between the read and the lock
			c.mu.Unlock()
			continue
		}
		if e.flag != old {
			c.mu.Unlock()
			return false, nil
		}
		e.flag = next
		e.touched = c.now()
		c.queue[k] = next
		c.mu.Unlock()
		return true, nil
	}
}

// CachedCount returns the number of chunks held in memory.
func (c *Cache) CachedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// QueuedCount returns the number of writes not yet durable.
func (c *Cache) QueuedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue) + c.inflight
}

func (c *Cache) get(k key) *Future[world.VisitFlag] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Resolved(world.FlagDefault, ErrClosed)
	}
	e := c.entryLocked(k)
	if e.loaded {
		return Resolved(e.flag, nil)
	}
	return c.startReadLocked(k, e)
}

func (c *Cache) set(k key, f world.VisitFlag) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	e := c.entryLocked(k)
	e.flag, e.loaded = f, true
	e.pending = false
	c.queue[k] = f
	return nil
}

func (c *Cache) entryLocked(k key) *entry {
	e := c.entries[k]
	if e == nil {
		e = &entry{flag: world.FlagDefault}
		c.entries[k] = e
	}
	e.touched = c.now()
	return e
}

func (c *Cache) startReadLocked(k key, e *entry) *Future[world.VisitFlag] {
	if e.read != nil {
		return e.read
	}
	fut := newFuture[world.VisitFlag]()
	e.read = fut
	go c.load(k, fut)
	return fut
}

func (c *Cache) load(k key, fut *Future[world.VisitFlag]) {
	if err := c.reads.Acquire(c.ctx, 1); err != nil {
		c.finishRead(k, fut, world.FlagDefault, err)
		return
	}
	stored, err := c.store.Get(c.ctx, k.ns, k.c)
	c.reads.Release(1)
	if errors.Is(err, persist.ErrNotFound) {
		stored, err = world.FlagDefault, nil
	}
	c.finishRead(k, fut, stored, err)
}

func (c *Cache) finishRead(k key, fut *Future[world.VisitFlag], stored world.VisitFlag, err error) {
	c.mu.Lock()
	e := c.entries[k]
	if e == nil || e.read != fut {
		c.mu.Unlock()
		fut.resolve(stored, err)
		return
	}
	e.read = nil

	// an explicit Set landed while the read was outstanding
	if e.loaded {
		v := e.flag
		c.mu.Unlock()
		fut.resolve(v, nil)
		return
	}

	if err != nil {
		if !e.pending {
			delete(c.entries, k)
		}
		c.mu.Unlock()
		c.log.Warn("讀取旗標失敗",
			zap.Stringer("ns", k.ns),
			zap.Stringer("chunk", k.c),
			zap.Error(err))
		fut.resolve(world.FlagDefault, err)
		return
	}

	e.flag, e.loaded = stored, true
	if e.pending {
		if m := world.Merge(stored, e.offer); m != stored {
			e.flag = m
			c.queue[k] = m
		}
		e.pending = false
	}
	v := e.flag
	c.mu.Unlock()
	fut.resolve(v, nil)
}

// Flush writes every queued value to the store. Values that fail to persist
// are queued again unless a newer value replaced them meanwhile.
func (c *Cache) Flush(ctx context.Context) error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	if len(c.queue) == 0 {
		c.mu.Unlock()
		return nil
	}
	batch := make([]persist.Record, 0, len(c.queue))
	for k, f := range c.queue {
		batch = append(batch, persist.Record{NS: k.ns, Chunk: k.c, Flag: f})
	}
	c.queue = make(map[key]world.VisitFlag)
	c.inflight = len(batch)
	c.mu.Unlock()

	sort.Slice(batch, func(i, j int) bool {
		if batch[i].NS != batch[j].NS {
			return batch[i].NS < batch[j].NS
		}
		return batch[i].Chunk.Less(batch[j].Chunk)
	})

	var errs error
	failed := 0
	for start := 0; start < len(batch); start += c.opts.MaxBatch {
		part := batch[start:min(start+c.opts.MaxBatch, len(batch))]
		err := c.store.PutBatch(ctx, part)

		c.mu.Lock()
		c.inflight -= len(part)
		if err != nil {
			for _, r := range part {
				k := key{r.NS, r.Chunk}
				if _, newer := c.queue[k]; !newer {
					c.queue[k] = r.Flag
				}
			}
		}
		c.mu.Unlock()

		if err != nil {
			failed += len(part)
			errs = errors.Join(errs, err)
		}
	}
	if errs != nil {
		c.log.Warn("旗標寫入失敗，下次重試",
			zap.Int("failed", failed),
			zap.Int("total", len(batch)),
			zap.Error(errs))
		return errs
	}
	c.log.Debug("旗標已寫入", zap.Int("records", len(batch)))
	return nil
}

// evictIdle drops clean entries not touched for IdleEvict. An entry with a
// queued write, an outstanding read or a pending merge is never dropped.
func (c *Cache) evictIdle() int {
	if c.opts.IdleEvict <= 0 {
		return 0
	}
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	now := c.now()
	n := 0
	c.mu.Lock()
	for k, e := range c.entries {
		if !e.loaded || e.read != nil || e.pending {
			continue
		}
		if _, queued := c.queue[k]; queued {
			continue
		}
		if now.Sub(e.touched) >= c.opts.IdleEvict {
			delete(c.entries, k)
			n++
		}
	}
	c.mu.Unlock()
	return n
}

// retryPending restarts reads for merges whose earlier read failed.
func (c *Cache) retryPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if e.pending && e.read == nil && !e.loaded {
			c.startReadLocked(k, e)
		}
	}
}

func (c *Cache) loop() {
	defer close(c.loopDone)
	t := time.NewTicker(c.opts.FlushInterval)
	defer t.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-t.C:
			_ = c.Flush(c.ctx)
			if n := c.evictIdle(); n > 0 {
				c.log.Debug("旗標快取回收", zap.Int("evicted", n))
			}
			c.retryPending()
		}
	}
}

// Shutdown stops the background loop and blocks until every queued write is
// persisted or ShutdownTimeout passes, retrying failed writes with backoff.
// The cache is unusable afterwards. Later calls return ErrClosed.
func (c *Cache) Shutdown(ctx context.Context) error {
	c.shutdownMu.Lock()
	defer c.shutdownMu.Unlock()
	if c.shutdown {
		return ErrClosed
	}
	c.shutdown = true

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	<-c.loopDone

	fctx, cancel := context.WithTimeout(ctx, c.opts.ShutdownTimeout)
	defer cancel()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	err := backoff.Retry(func() error { return c.Flush(fctx) }, backoff.WithContext(bo, fctx))

	c.mu.Lock()
	lost := len(c.queue)
	c.entries = make(map[key]*entry)
	c.queue = make(map[key]world.VisitFlag)
	c.mu.Unlock()

	if err != nil {
		return fmt.Errorf("flush on shutdown, %d writes lost: %w", lost, err)
	}
	return nil
}
