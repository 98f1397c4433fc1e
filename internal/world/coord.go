package world

import (
	"fmt"
	"strconv"
	"strings"
)

// Region geometry. A region file holds a 32x32 grid of chunks, so chunk→region
// is an arithmetic shift and the in-region index is the low five bits of each axis.
const (
	RegionShift     = 5
	RegionWidth     = 1 << RegionShift // chunks per region edge
	ChunksPerRegion = RegionWidth * RegionWidth
	regionMask      = RegionWidth - 1

	// chunkShift converts chunk coordinates to block coordinates (16 blocks per chunk).
	chunkShift = 4
)

// ChunkCoord addresses one chunk column of a world. Comparable, usable as a map key.
type ChunkCoord struct {
	World string
	X     int32
	Z     int32
}

// RegionCoord addresses one region file of a world.
type RegionCoord struct {
	World string
	X     int32
	Z     int32
}

func Chunk(world string, x, z int32) ChunkCoord {
	return ChunkCoord{World: world, X: x, Z: z}
}

// Region returns the region containing the chunk. Arithmetic shift keeps
// negative coordinates on the correct side (-1 → region -1, not 0).
func (c ChunkCoord) Region() RegionCoord {
	return RegionCoord{World: c.World, X: c.X >> RegionShift, Z: c.Z >> RegionShift}
}

// Index is the chunk's slot inside its region file: (x&31) + (z&31)*32.
func (c ChunkCoord) Index() int {
	return int(c.X&regionMask) + int(c.Z&regionMask)*RegionWidth
}

// BlockX returns the lowest block X coordinate covered by the chunk.
func (c ChunkCoord) BlockX() int32 { return c.X << chunkShift }

// BlockZ returns the lowest block Z coordinate covered by the chunk.
func (c ChunkCoord) BlockZ() int32 { return c.Z << chunkShift }

func (c ChunkCoord) Less(o ChunkCoord) bool {
	if c.World != o.World {
		return c.World < o.World
	}
	if c.X != o.X {
		return c.X < o.X
	}
	return c.Z < o.Z
}

func (c ChunkCoord) String() string {
	return fmt.Sprintf("%s[%d,%d]", c.World, c.X, c.Z)
}

// Chunk returns the chunk stored at slot index (0..1023) of the region.
func (r RegionCoord) Chunk(index int) ChunkCoord {
	return ChunkCoord{
		World: r.World,
		X:     r.X<<RegionShift + int32(index&regionMask),
		Z:     r.Z<<RegionShift + int32(index>>RegionShift),
	}
}

// FirstChunk returns the chunk with the lowest coordinates in the region.
func (r RegionCoord) FirstChunk() ChunkCoord { return r.Chunk(0) }

func (r RegionCoord) Less(o RegionCoord) bool {
	if r.World != o.World {
		return r.World < o.World
	}
	if r.X != o.X {
		return r.X < o.X
	}
	return r.Z < o.Z
}

// FileName is the conventional on-disk name, r.X.Z.mca.
func (r RegionCoord) FileName() string {
	return fmt.Sprintf("r.%d.%d.mca", r.X, r.Z)
}

func (r RegionCoord) String() string {
	return fmt.Sprintf("%s r.%d.%d", r.World, r.X, r.Z)
}

// ParseRegionFileName parses "r.X.Z.mca". ok is false for anything else.
func ParseRegionFileName(world, name string) (RegionCoord, bool) {
	parts := strings.Split(name, ".")
	if len(parts) != 4 || parts[0] != "r" || parts[3] != "mca" {
		return RegionCoord{}, false
	}
	x, err := strconv.ParseInt(parts[1], 10, 32)
	if err != nil {
		return RegionCoord{}, false
	}
	z, err := strconv.ParseInt(parts[2], 10, 32)
	if err != nil {
		return RegionCoord{}, false
	}
	return RegionCoord{World: world, X: int32(x), Z: int32(z)}, true
}

// ChunksAround returns every chunk within a square radius of center, center included.
func ChunksAround(center ChunkCoord, radius int32) []ChunkCoord {
	if radius <= 0 {
		return []ChunkCoord{center}
	}
	side := 2*radius + 1
	out := make([]ChunkCoord, 0, side*side)
	for dx := -radius; dx <= radius; dx++ {
		for dz := -radius; dz <= radius; dz++ {
			out = append(out, ChunkCoord{World: center.World, X: center.X + dx, Z: center.Z + dz})
		}
	}
	return out
}
