package persist

import (
	"context"
	"sync"

	"github.com/l1jgo/regiongc/internal/world"
)

type memKey struct {
	ns Namespace
	c  world.ChunkCoord
}

// MemoryStore keeps flags in a map. Nothing survives a restart.
type MemoryStore struct {
	mu    sync.RWMutex
	flags map[memKey]world.VisitFlag
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{flags: make(map[memKey]world.VisitFlag)}
}

func (s *MemoryStore) Get(_ context.Context, ns Namespace, c world.ChunkCoord) (world.VisitFlag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.flags[memKey{ns, c}]
	if !ok {
		return world.FlagDefault, ErrNotFound
	}
	return f, nil
}

func (s *MemoryStore) PutBatch(_ context.Context, recs []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range recs {
		s.flags[memKey{r.NS, r.Chunk}] = r.Flag
	}
	return nil
}

// Len returns the number of stored flags across namespaces.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.flags)
}

func (s *MemoryStore) Close() error { return nil }
