// Package control is the operator surface: the operations behind the HTTP
// API and the CLI that calls it.
package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/l1jgo/regiongc/internal/core/event"
	"github.com/l1jgo/regiongc/internal/flag"
	"github.com/l1jgo/regiongc/internal/gc"
	"github.com/l1jgo/regiongc/internal/protect"
	"github.com/l1jgo/regiongc/internal/region"
	"github.com/l1jgo/regiongc/internal/world"
	"go.uber.org/zap"
)

// MaxSelection caps how many chunks one flag or unflag call may touch.
const MaxSelection = 256 * 256

var (
	// ErrInvalidRequest marks errors caused by the caller's input.
	ErrInvalidRequest = errors.New("control: invalid request")
	// ErrReloadUnavailable is returned when the service was built without a
	// reload hook.
	ErrReloadUnavailable = errors.New("control: reload not available")
)

type Scheduler interface {
	Activate(ctx context.Context) error
	Statuses() []gc.RunStatus
}

type Flags interface {
	Get(c world.ChunkCoord) *flag.Future[world.VisitFlag]
	GetAtLastDelete(c world.ChunkCoord) *flag.Future[world.VisitFlag]
	Set(c world.ChunkCoord, f world.VisitFlag) error
	CachedCount() int
	QueuedCount() int
}

type Classifier interface {
	Classify(ctx context.Context, c world.ChunkCoord) (region.ChunkInfo, error)
}

type Verdicter interface {
	Verdicts(world string, x, z int32) []protect.Verdict
}

type Pauser interface {
	Pause(reason string)
	Resume() bool
	State() (bool, string)
}

// Deps wires a Service. Reports and Reload may be nil.
type Deps struct {
	Scheduler Scheduler
	Flags     Flags
	Regions   Classifier
	Oracle    Verdicter
	Pause     Pauser
	Reports   *event.Queue[event.Report]
	Reload    func(ctx context.Context) error
	Log       *zap.Logger
}

type Service struct {
	d   Deps
	now func() time.Time
}

func NewService(d Deps) *Service {
	return &Service{d: d, now: time.Now}
}

// Status reports every configured world. Like every command it first gives
// the scheduler a chance to start a pass.
func (s *Service) Status(ctx context.Context) StatusReport {
	s.activate(ctx)
	statuses := s.d.Scheduler.Statuses()
	rep := StatusReport{Worlds: make([]WorldStatus, 0, len(statuses))}
	for _, st := range statuses {
		rep.Worlds = append(rep.Worlds, worldStatusOf(st))
	}
	rep.Paused, rep.PauseReason = s.d.Pause.State()
	return rep
}

func (s *Service) activate(ctx context.Context) {
	if err := s.d.Scheduler.Activate(ctx); err != nil && !errors.Is(err, gc.ErrNoWorldsConfigured) {
		s.d.Log.Warn("啟動刪除作業失敗", zap.Error(err))
	}
}

// Reload re-reads the configuration and restarts everything built from it.
func (s *Service) Reload(ctx context.Context) (string, error) {
	if s.d.Reload == nil {
		return "", ErrReloadUnavailable
	}
	if err := s.d.Reload(ctx); err != nil {
		return "", err
	}
	return "regiongc configuration reloaded, all tasks restarted!", nil
}

func (s *Service) Pause(reason string) string {
	if reason == "" {
		reason = "paused by operator"
	}
	s.d.Pause.Pause(reason)
	return "Paused regiongc. Use \"regiongc resume\" to resume."
}

func (s *Service) Resume(ctx context.Context) string {
	if !s.d.Pause.Resume() {
		return "regiongc is not paused."
	}
	s.activate(ctx)
	return "Resumed regiongc. Use \"regiongc pause\" to pause."
}

// Selection is an inclusive rectangle of chunks.
type Selection struct {
	World string `json:"world"`
	X1    int32  `json:"x1"`
	Z1    int32  `json:"z1"`
	X2    int32  `json:"x2"`
	Z2    int32  `json:"z2"`
}

func (sel Selection) normalized() (Selection, error) {
	if sel.World == "" {
		return sel, fmt.Errorf("%w: world is required", ErrInvalidRequest)
	}
	if sel.X1 > sel.X2 {
		sel.X1, sel.X2 = sel.X2, sel.X1
	}
	if sel.Z1 > sel.Z2 {
		sel.Z1, sel.Z2 = sel.Z2, sel.Z1
	}
	if n := sel.Count(); n > MaxSelection {
		return sel, fmt.Errorf("%w: selection covers %d chunks, at most %d allowed", ErrInvalidRequest, n, MaxSelection)
	}
	return sel, nil
}

// Count returns how many chunks the selection covers.
func (sel Selection) Count() int64 {
	dx := int64(sel.X2) - int64(sel.X1)
	dz := int64(sel.Z2) - int64(sel.Z1)
	if dx < 0 {
		dx = -dx
	}
	if dz < 0 {
		dz = -dz
	}
	return (dx + 1) * (dz + 1)
}

// Flag marks every chunk of sel as eternal. The change is explicit: it
// overrides whatever the chunks had.
func (s *Service) Flag(sel Selection) (int, error) {
	return s.setAll(sel, world.FlagEternal)
}

// Unflag resets every chunk of sel to never observed.
func (s *Service) Unflag(sel Selection) (int, error) {
	return s.setAll(sel, world.FlagDefault)
}

func (s *Service) setAll(sel Selection, f world.VisitFlag) (int, error) {
	sel, err := sel.normalized()
	if err != nil {
		return 0, err
	}
	n := 0
	for x := sel.X1; ; x++ {
		for z := sel.Z1; ; z++ {
			if err := s.d.Flags.Set(world.Chunk(sel.World, x, z), f); err != nil {
				return n, err
			}
			n++
			if z == sel.Z2 {
				break
			}
		}
		if x == sel.X2 {
			break
		}
	}
	s.d.Log.Info("已變更旗標", zap.String("world", sel.World), zap.Stringer("flag", f), zap.Int("chunks", n))
	return n, nil
}

// CacheReport is the flag cache's size.
type CacheReport struct {
	Cached int `json:"cached"`
	Queued int `json:"queued"`
}

func (s *Service) Cache() CacheReport {
	return CacheReport{Cached: s.d.Flags.CachedCount(), Queued: s.d.Flags.QueuedCount()}
}

// Check gathers everything known about one chunk.
func (s *Service) Check(ctx context.Context, worldID string, x, z int32) (CheckReport, error) {
	if worldID == "" {
		return CheckReport{}, fmt.Errorf("%w: world is required", ErrInvalidRequest)
	}
	s.activate(ctx)
	c := world.Chunk(worldID, x, z)
	rep := CheckReport{World: worldID, X: x, Z: z, Region: c.Region().String()}
	for _, st := range s.d.Scheduler.Statuses() {
		if st.World == worldID {
			rep.Configured = true
		}
	}
	for _, v := range s.d.Oracle.Verdicts(worldID, x, z) {
		av := AdapterVerdict{Adapter: v.Adapter, Protected: v.Protected, Pending: v.Pending}
		if v.Err != nil {
			av.Error = v.Err.Error()
		}
		rep.Adapters = append(rep.Adapters, av)
	}

	last, err := s.d.Flags.GetAtLastDelete(c).Wait(ctx)
	if err != nil {
		return rep, fmt.Errorf("read last delete of %s: %w", c, err)
	}
	rep.LastDelete = last

	ci, err := s.d.Regions.Classify(ctx, c)
	if err != nil {
		// the region is unreadable; the flag alone is still worth showing
		s.d.Log.Warn("讀取區域失敗", zap.Stringer("chunk", c), zap.Error(err))
		rep.RegionError = err.Error()
		v, ferr := s.d.Flags.Get(c).Wait(ctx)
		if ferr != nil {
			return rep, fmt.Errorf("read flag of %s: %w", c, ferr)
		}
		rep.Flag = v
		return rep, nil
	}
	rep.RegionOnDisk = ci.RegionExists
	rep.Present = ci.Present
	rep.Flag = ci.LastVisit
	rep.Status = ci.Status.String()
	rep.LastModified = ci.LastModified
	rep.Orphaned = ci.Orphaned
	return rep, nil
}

// ChunkReport is one observation from the host.
type ChunkReport struct {
	World string    `json:"world"`
	X     int32     `json:"x"`
	Z     int32     `json:"z"`
	At    time.Time `json:"at"`
}

// FeedResult says how much of a feed request was queued.
type FeedResult struct {
	Accepted int `json:"accepted"`
	Dropped  int `json:"dropped"`
}

// Visits queues visit observations for the host loop. A missing time means
// now.
func (s *Service) Visits(reports []ChunkReport) (FeedResult, error) {
	return s.feed(reports, false)
}

// Generated queues chunk creation observations.
func (s *Service) Generated(reports []ChunkReport) (FeedResult, error) {
	return s.feed(reports, true)
}

func (s *Service) feed(reports []ChunkReport, generated bool) (FeedResult, error) {
	var res FeedResult
	if s.d.Reports == nil {
		return res, fmt.Errorf("%w: host feed disabled", ErrInvalidRequest)
	}
	for i, r := range reports {
		if r.World == "" {
			return res, fmt.Errorf("%w: report %d has no world", ErrInvalidRequest, i)
		}
	}
	now := s.now()
	for _, r := range reports {
		at := r.At
		if at.IsZero() {
			at = now
		}
		if s.d.Reports.Push(event.Report{Chunk: world.Chunk(r.World, r.X, r.Z), At: at, Generated: generated}) {
			res.Accepted++
		} else {
			res.Dropped++
		}
	}
	if res.Dropped > 0 {
		s.d.Log.Warn("回報佇列已滿，捨棄部分回報", zap.Int("dropped", res.Dropped))
	}
	return res, nil
}
