package gc

import (
	"time"

	"github.com/google/btree"
	"github.com/google/uuid"
	"github.com/l1jgo/regiongc/internal/world"
)

// State is where a world's deletion pass stands. A world without a pass is
// idle.
type State string

const (
	StateIdle     State = "IDLE"
	StateScanning State = "SCANNING"
	StatePaused   State = "PAUSED"
	StateComplete State = "COMPLETE"
)

// Run is one pass over a world. Regions are visited in coordinate order and
// popped as they are taken, so a paused run resumes where it stopped.
type Run struct {
	ID      uuid.UUID
	World   string
	State   State
	Stats   Stats
	Total   int
	Started time.Time
	Ended   time.Time
	NextRun time.Time // zero until the pass completes

	listed bool // the worker has enumerated the world's regions
	queue  *btree.BTreeG[world.RegionCoord]
}

func newRun(worldID string, now time.Time) *Run {
	return &Run{
		ID:      uuid.New(),
		World:   worldID,
		State:   StateScanning,
		Started: now,
		queue:   btree.NewG[world.RegionCoord](16, func(a, b world.RegionCoord) bool { return a.Less(b) }),
	}
}

// fill queues the regions of the pass.
func (r *Run) fill(regions []world.RegionCoord) {
	for _, rc := range regions {
		r.queue.ReplaceOrInsert(rc)
	}
	r.Total = r.queue.Len()
	r.listed = true
}

// take pops up to n regions.
func (r *Run) take(n int) []world.RegionCoord {
	out := make([]world.RegionCoord, 0, n)
	for len(out) < n {
		rc, ok := r.queue.DeleteMin()
		if !ok {
			break
		}
		out = append(out, rc)
	}
	return out
}

func (r *Run) remaining() int { return r.queue.Len() }

// next returns the region the pass will visit next.
func (r *Run) next() (world.RegionCoord, bool) {
	return r.queue.Min()
}

func (r *Run) complete(now time.Time, cooldown time.Duration) {
	r.State = StateComplete
	r.Ended = now
	r.NextRun = now.Add(cooldown)
}

// RunStatus is a copy of a world's pass state for reporting.
type RunStatus struct {
	World     string
	ID        string
	State     State
	Stats     Stats
	Total     int
	Remaining int
	Next      string // next region to visit, empty when none
	Started   time.Time
	Ended     time.Time
	NextRun   time.Time
	GatedTill time.Time // reset marker still in the future
}

func (r *Run) status() RunStatus {
	st := RunStatus{
		World:     r.World,
		ID:        r.ID.String(),
		State:     r.State,
		Stats:     r.Stats,
		Total:     r.Total,
		Remaining: r.remaining(),
		Started:   r.Started,
		Ended:     r.Ended,
		NextRun:   r.NextRun,
	}
	if rc, ok := r.next(); ok {
		st.Next = rc.String()
	}
	return st
}
