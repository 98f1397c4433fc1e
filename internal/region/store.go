// Package region reads and rewrites a world's region files and classifies
// the chunks in them.
package region

import (
	"context"
	"errors"
	"io/fs"

	"github.com/RoaringBitmap/roaring"
	"github.com/l1jgo/regiongc/internal/anvil"
	"github.com/l1jgo/regiongc/internal/flag"
	"github.com/l1jgo/regiongc/internal/world"
	"go.uber.org/zap"
)

// FlagSource is the read side of the flag cache.
type FlagSource interface {
	Get(c world.ChunkCoord) *flag.Future[world.VisitFlag]
}

type Store struct {
	storage Storage
	flags   FlagSource
	log     *zap.Logger
}

func NewStore(storage Storage, flags FlagSource, log *zap.Logger) *Store {
	return &Store{storage: storage, flags: flags, log: log}
}

// Regions lists the regions of a world.
func (s *Store) Regions(ctx context.Context, worldID string) ([]world.RegionCoord, error) {
	return s.storage.Regions(ctx, worldID)
}

// GetRegion opens rc and reads its header. A missing file is not an error:
// the returned info has Exists false. The caller must Close the info.
func (s *Store) GetRegion(ctx context.Context, rc world.RegionCoord) (*RegionInfo, error) {
	info := &RegionInfo{Coord: rc}
	f, err := s.storage.Open(ctx, world.LayerRegion, rc)
	if errors.Is(err, fs.ErrNotExist) {
		return info, nil
	}
	if err != nil {
		return nil, ioError(rc, world.LayerRegion, "open", err)
	}
	h, err := anvil.ReadHeader(f, f.Size())
	if err != nil {
		f.Close()
		return nil, ioError(rc, world.LayerRegion, "read header", err)
	}
	info.Exists = true
	info.Size = f.Size()
	info.ModTime = f.ModTime()
	info.header = h
	info.file = f

	for i, loc := range h.Locations {
		if loc.Present() {
			info.flags[i] = s.flags.Get(rc.Chunk(i))
		}
	}
	return info, nil
}

// Classify builds the ChunkInfo for a single chunk, whether or not its
// region exists on disk.
func (s *Store) Classify(ctx context.Context, c world.ChunkCoord) (ChunkInfo, error) {
	info, err := s.GetRegion(ctx, c.Region())
	if err != nil {
		return ChunkInfo{Coord: c}, err
	}
	defer info.Close()
	if info.flags[c.Index()] == nil {
		info.flags[c.Index()] = s.flags.Get(c)
	}
	return info.Chunk(ctx, c.Index())
}

// DeleteChunks removes the given slots from every layer of the region. A
// layer file left without chunks is deleted; otherwise it is rebuilt from
// the surviving records. Slots that are already gone are ignored, so
// repeating a call changes nothing. It returns the number of chunk-layer
// slots removed.
func (s *Store) DeleteChunks(ctx context.Context, rc world.RegionCoord, indices *roaring.Bitmap) (int, error) {
	removed := 0
	for _, layer := range world.Layers {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		n, err := s.deleteFromLayer(ctx, layer, rc, indices)
		if err != nil {
			return removed, err
		}
		if layer == world.LayerRegion {
			removed = n
		}
	}
	return removed, nil
}

func (s *Store) deleteFromLayer(ctx context.Context, layer world.Layer, rc world.RegionCoord, indices *roaring.Bitmap) (int, error) {
	f, err := s.storage.Open(ctx, layer, rc)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, ioError(rc, layer, "open", err)
	}
	defer f.Close()

	h, err := anvil.ReadHeader(f, f.Size())
	if err != nil {
		if errors.Is(err, anvil.ErrShortHeader) && indices.GetCardinality() == world.ChunksPerRegion {
			// a damaged file whose every chunk is going anyway
			f.Close()
			return 0, s.remove(ctx, layer, rc)
		}
		return 0, ioError(rc, layer, "read header", err)
	}

	var survivors []anvil.Record
	hit := 0
	for i, loc := range h.Locations {
		if !loc.Present() {
			continue
		}
		if indices.Contains(uint32(i)) {
			hit++
			continue
		}
		rec, err := anvil.ReadRecord(f, f.Size(), loc)
		if errors.Is(err, anvil.ErrOrphaned) {
			s.log.Warn("捨棄無法讀取的區塊",
				zap.Stringer("region", rc),
				zap.String("layer", string(layer)),
				zap.Int("index", i),
				zap.Error(err))
			continue
		}
		if err != nil {
			return 0, ioError(rc, layer, "read chunk", err)
		}
		survivors = append(survivors, anvil.Record{Index: i, Data: rec, Modified: h.Timestamps[i]})
	}

	if hit == 0 && f.Size() > 0 {
		return 0, nil
	}
	f.Close()

	if len(survivors) == 0 {
		return hit, s.remove(ctx, layer, rc)
	}
	data, err := anvil.Build(survivors)
	if err != nil {
		return 0, ioError(rc, layer, "build", err)
	}
	if err := s.storage.Write(ctx, layer, rc, data); err != nil {
		return 0, ioError(rc, layer, "write", err)
	}
	return hit, nil
}

func (s *Store) remove(ctx context.Context, layer world.Layer, rc world.RegionCoord) error {
	if err := s.storage.Remove(ctx, layer, rc); err != nil {
		return ioError(rc, layer, "remove", err)
	}
	return nil
}
