package protect

import (
	"github.com/l1jgo/regiongc/internal/config"
)

// Spawn keeps a square of chunks around each configured spawn point.
type Spawn struct {
	radius int32
	spawns map[string]config.SpawnPoint
}

func NewSpawn(cfg config.AdapterConfig, _ Env) (Adapter, error) {
	return &Spawn{radius: cfg.Radius, spawns: cfg.Spawns}, nil
}

func (s *Spawn) Name() string              { return "spawn" }
func (s *Spawn) DependenciesPresent() bool { return true }
func (s *Spawn) ReadyImmediately() bool    { return true }

func (s *Spawn) IsChunkProtected(world string, x, z int32) (bool, error) {
	p, ok := s.spawns[world]
	if !ok {
		return false, nil
	}
	return abs(x-p.X) <= s.radius && abs(z-p.Z) <= s.radius, nil
}

func abs(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}
