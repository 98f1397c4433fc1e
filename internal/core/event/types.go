package event

import (
	"time"

	"github.com/l1jgo/regiongc/internal/world"
)

// ChunkVisited is emitted when a player was seen in a chunk.
type ChunkVisited struct {
	Chunk world.ChunkCoord
	At    time.Time
}

// ChunkGenerated is emitted when the host created a chunk.
type ChunkGenerated struct {
	Chunk world.ChunkCoord
}

// Report is what the host feed hands over before it becomes an event.
type Report struct {
	Chunk     world.ChunkCoord
	At        time.Time
	Generated bool
}
