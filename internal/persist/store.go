package persist

import (
	"context"
	"errors"

	"github.com/l1jgo/regiongc/internal/world"
)

// Namespace separates the live visit flags from the deletion audit trail.
type Namespace uint8

const (
	Visits  Namespace = iota // last confirmed visit per chunk
	Deletes                  // flag observed when the chunk was last deleted
)

func (n Namespace) String() string {
	switch n {
	case Visits:
		return "visits"
	case Deletes:
		return "deletes"
	default:
		return "unknown"
	}
}

// ErrNotFound is returned by Get when no flag was ever stored for the chunk.
var ErrNotFound = errors.New("persist: flag not found")

// Record is one flag write.
type Record struct {
	NS    Namespace
	Chunk world.ChunkCoord
	Flag  world.VisitFlag
}

// FlagStore is the durable side of the flag cache. Implementations must be
// safe for concurrent use; PutBatch is either applied completely or returns
// an error.
type FlagStore interface {
	Get(ctx context.Context, ns Namespace, c world.ChunkCoord) (world.VisitFlag, error)
	PutBatch(ctx context.Context, recs []Record) error
	Close() error
}
