// Package protect consults external ownership systems before anything is
// deleted. Each system is reached through an Adapter; the Oracle combines
// them and fails closed.
package protect

import (
	"context"
	"errors"
	"sort"

	"github.com/l1jgo/regiongc/internal/config"
	"go.uber.org/zap"
)

var (
	// ErrDependencyMissing means the backing system is not installed. The
	// adapter is skipped without pausing anything.
	ErrDependencyMissing = errors.New("protect: adapter dependencies missing")

	// ErrAdapterUnusable means the adapter exists but failed its self-test.
	// Deletion is paused until an operator intervenes.
	ErrAdapterUnusable = errors.New("protect: adapter unusable")
)

// Adapter answers whether one external system claims a chunk.
type Adapter interface {
	Name() string
	DependenciesPresent() bool
	ReadyImmediately() bool
	IsChunkProtected(world string, x, z int32) (bool, error)
}

// LateReadier is implemented by adapters whose backing system finishes
// starting after regiongc. AwaitReady blocks until it is usable; errors are
// retried with backoff.
type LateReadier interface {
	AwaitReady(ctx context.Context) error
}

// Env carries what constructors need besides their own config section.
type Env struct {
	Log     *zap.Logger
	BaseDir string // relative adapter paths resolve against it
}

type Constructor func(cfg config.AdapterConfig, env Env) (Adapter, error)

// Registry maps adapter identifiers from [adapters.<id>] to constructors.
type Registry map[string]Constructor

// DefaultRegistry returns the built-in adapters.
func DefaultRegistry() Registry {
	return Registry{
		"spawn":  NewSpawn,
		"zones":  NewZones,
		"script": NewScript,
	}
}

// Names returns the registered identifiers in order.
func (r Registry) Names() []string {
	names := make([]string, 0, len(r))
	for n := range r {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
