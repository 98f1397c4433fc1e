package protect

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/l1jgo/regiongc/internal/config"
	"github.com/l1jgo/regiongc/internal/scripting"
)

const scriptReadyPoll = 2 * time.Second

// Script delegates to a Lua is_chunk_protected(world, x, z). Scripts that
// define is_ready() are admitted once it returns true.
type Script struct {
	engine *scripting.Engine
}

func NewScript(cfg config.AdapterConfig, env Env) (Adapter, error) {
	path := cfg.File
	if path == "" {
		return nil, fmt.Errorf("%w: no script file configured", ErrDependencyMissing)
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(env.BaseDir, path)
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrDependencyMissing, path)
	}
	e, err := scripting.NewEngine(path, env.Log)
	if err != nil {
		return nil, err
	}
	return &Script{engine: e}, nil
}

func (s *Script) Name() string { return "script" }

func (s *Script) DependenciesPresent() bool {
	return s.engine.Defines("is_chunk_protected")
}

func (s *Script) ReadyImmediately() bool {
	ok, err := s.engine.Ready()
	return err == nil && ok
}

// AwaitReady polls is_ready() until it returns true.
func (s *Script) AwaitReady(ctx context.Context) error {
	t := time.NewTicker(scriptReadyPoll)
	defer t.Stop()
	for {
		ok, err := s.engine.Ready()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (s *Script) IsChunkProtected(world string, x, z int32) (bool, error) {
	return s.engine.IsChunkProtected(world, x, z)
}

func (s *Script) Close() error {
	s.engine.Close()
	return nil
}
