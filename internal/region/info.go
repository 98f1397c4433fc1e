package region

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/l1jgo/regiongc/internal/anvil"
	"github.com/l1jgo/regiongc/internal/flag"
	"github.com/l1jgo/regiongc/internal/world"
)

// ChunkInfo is a snapshot of one chunk slot, built on demand.
type ChunkInfo struct {
	Coord        world.ChunkCoord
	RegionExists bool      // the region file is on disk
	Present      bool      // the region header has a location for it
	LastModified time.Time // header timestamp, or the file's when unset
	LastVisit    world.VisitFlag
	Status       world.VisitStatus
	Orphaned     bool
	Summary      anvil.Summary
	Opaque       bool // payload could not be summarized (external or unknown compression)
}

// RegionInfo is a per-pass view of one region file: its header, plus visit
// flag lookups already in flight for every present chunk. Chunk payloads
// are read lazily. Close releases the file.
type RegionInfo struct {
	Coord   world.RegionCoord
	Exists  bool
	Size    int64
	ModTime time.Time

	header *anvil.Header
	flags  [world.ChunksPerRegion]*flag.Future[world.VisitFlag]

	mu   sync.Mutex
	file File
}

// Present returns the indices with a header entry.
func (r *RegionInfo) Present() *roaring.Bitmap {
	bm := roaring.New()
	if r.header == nil {
		return bm
	}
	for i, loc := range r.header.Locations {
		if loc.Present() {
			bm.Add(uint32(i))
		}
	}
	return bm
}

// Chunk classifies slot index. The returned error is a flag lookup failure
// or a RegionIOError; structural damage is reported as Orphaned instead.
func (r *RegionInfo) Chunk(ctx context.Context, index int) (ChunkInfo, error) {
	ci := ChunkInfo{Coord: r.Coord.Chunk(index), RegionExists: r.Exists, LastVisit: world.FlagDefault}
	if r.header == nil || !r.header.Locations[index].Present() {
		ci.Status = world.StatusUnknown
		if f := r.flags[index]; f != nil {
			v, err := f.Wait(ctx)
			if err != nil {
				return ci, err
			}
			ci.LastVisit = v
			ci.Status = classify(v, false, anvil.Summary{}, false)
		}
		return ci, nil
	}

	ci.Present = true
	ci.LastModified = r.header.Modified(index)
	if ci.LastModified.IsZero() {
		ci.LastModified = r.ModTime
	}

	v, err := r.flags[index].Wait(ctx)
	if err != nil {
		return ci, err
	}
	ci.LastVisit = v

	// structure is checked before the flag: an orphan is one whatever its visit age
	rec, err := r.readRecord(index)
	switch {
	case errors.Is(err, anvil.ErrOrphaned):
		ci.Orphaned = true
	case err != nil:
		return ci, err
	default:
		payload, derr := anvil.Decode(rec)
		switch {
		case errors.Is(derr, anvil.ErrOrphaned):
			ci.Orphaned = true
		case derr != nil:
			ci.Opaque = true
		default:
			s, serr := anvil.Summarize(payload)
			if serr != nil {
				ci.Orphaned = true
			} else {
				ci.Summary = s
			}
		}
	}
	ci.Status = classify(v, ci.Orphaned, ci.Summary, ci.Opaque)
	return ci, nil
}

// readRecord returns the raw record for slot index.
func (r *RegionInfo) readRecord(index int) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil, ioError(r.Coord, world.LayerRegion, "read", errors.New("region closed"))
	}
	rec, err := anvil.ReadRecord(r.file, r.Size, r.header.Locations[index])
	if err != nil && !errors.Is(err, anvil.ErrOrphaned) {
		return nil, ioError(r.Coord, world.LayerRegion, "read chunk", err)
	}
	return rec, err
}

// Close releases the region file. It is safe to call more than once.
func (r *RegionInfo) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// classify derives a status from the flag and what the payload says. An
// opaque payload counts as visited so it is never mistaken for a pristine
// chunk.
func classify(v world.VisitFlag, orphaned bool, s anvil.Summary, opaque bool) world.VisitStatus {
	switch {
	case orphaned:
		return world.StatusOrphaned
	case v.IsTimestamp() || v == world.FlagEternal:
		return world.StatusVisited
	case opaque || !s.Pristine():
		return world.StatusVisited
	case v == world.FlagGenerated:
		return world.StatusGenerated
	default:
		return world.StatusUnknown
	}
}

// Assessment splits a region's present chunks into eligible and kept.
type Assessment struct {
	Present  *roaring.Bitmap
	Eligible *roaring.Bitmap // always a subset of Present
}

// Assess intersects eligible with the present chunks.
func (r *RegionInfo) Assess(eligible *roaring.Bitmap) Assessment {
	present := r.Present()
	return Assessment{Present: present, Eligible: roaring.And(present, eligible)}
}

// All reports whether nothing in the region needs to be kept.
func (a Assessment) All() bool {
	return a.Eligible.GetCardinality() == a.Present.GetCardinality()
}

// Some reports a partial deletion: something eligible, something kept.
func (a Assessment) Some() bool {
	return !a.Eligible.IsEmpty() && !a.All()
}

// None reports that the region is left untouched.
func (a Assessment) None() bool {
	return a.Eligible.IsEmpty() && !a.All()
}
