package protect

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/l1jgo/regiongc/internal/config"
	"github.com/l1jgo/regiongc/internal/world"
	"gopkg.in/yaml.v3"
)

// Zone is a claimed rectangle in block coordinates, bounds inclusive.
type Zone struct {
	Name  string `yaml:"name"`
	World string `yaml:"world"`
	MinX  int32  `yaml:"min_x"`
	MinZ  int32  `yaml:"min_z"`
	MaxX  int32  `yaml:"max_x"`
	MaxZ  int32  `yaml:"max_z"`
}

type zoneFile struct {
	Zones []Zone `yaml:"zones"`
}

// Zones protects every chunk overlapping a claim listed in a YAML file
// exported by the land-claim system.
type Zones struct {
	path    string
	byWorld map[string][]Zone
}

// NewZones loads the claim file. A missing file means the claim system is
// not installed.
func NewZones(cfg config.AdapterConfig, env Env) (Adapter, error) {
	path := cfg.File
	if path == "" {
		path = "zones.yaml"
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(env.BaseDir, path)
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrDependencyMissing, path)
	}
	if err != nil {
		return nil, err
	}
	z, err := parseZones(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	z.path = path
	return z, nil
}

func parseZones(data []byte) (*Zones, error) {
	var f zoneFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	z := &Zones{byWorld: make(map[string][]Zone)}
	for i, zone := range f.Zones {
		if zone.World == "" {
			return nil, fmt.Errorf("zone %d (%s): world is required", i, zone.Name)
		}
		if zone.MinX > zone.MaxX {
			zone.MinX, zone.MaxX = zone.MaxX, zone.MinX
		}
		if zone.MinZ > zone.MaxZ {
			zone.MinZ, zone.MaxZ = zone.MaxZ, zone.MinZ
		}
		z.byWorld[zone.World] = append(z.byWorld[zone.World], zone)
	}
	return z, nil
}

func (z *Zones) Name() string              { return "zones" }
func (z *Zones) DependenciesPresent() bool { return true }
func (z *Zones) ReadyImmediately() bool    { return true }

func (z *Zones) IsChunkProtected(worldID string, x, zc int32) (bool, error) {
	c := world.Chunk(worldID, x, zc)
	minX, minZ := c.BlockX(), c.BlockZ()
	maxX, maxZ := minX+15, minZ+15
	for _, zone := range z.byWorld[worldID] {
		if zone.MinX <= maxX && zone.MaxX >= minX && zone.MinZ <= maxZ && zone.MaxZ >= minZ {
			return true, nil
		}
	}
	return false, nil
}
