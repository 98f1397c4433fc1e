package region

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/l1jgo/regiongc/internal/world"
)

// File is an open region file.
type File interface {
	io.ReaderAt
	Size() int64
	ModTime() time.Time
	Close() error
}

// Storage is where region files live. Open returns an error wrapping
// fs.ErrNotExist for absent files; Remove of an absent file succeeds.
type Storage interface {
	Regions(ctx context.Context, worldID string) ([]world.RegionCoord, error)
	Open(ctx context.Context, layer world.Layer, rc world.RegionCoord) (File, error)
	Write(ctx context.Context, layer world.Layer, rc world.RegionCoord, data []byte) error
	Remove(ctx context.Context, layer world.Layer, rc world.RegionCoord) error
}

// DirStorage reads the standard world layout: <world>/<layer>/r.X.Z.mca.
type DirStorage struct {
	mu   sync.RWMutex
	dirs map[string]string
}

func NewDirStorage(dirs map[string]string) *DirStorage {
	s := &DirStorage{dirs: make(map[string]string, len(dirs))}
	for w, d := range dirs {
		s.dirs[w] = d
	}
	return s
}

// SetWorlds replaces the world directory table, used after a config reload.
func (s *DirStorage) SetWorlds(dirs map[string]string) {
	next := make(map[string]string, len(dirs))
	for w, d := range dirs {
		next[w] = d
	}
	s.mu.Lock()
	s.dirs = next
	s.mu.Unlock()
}

func (s *DirStorage) layerDir(worldID string, layer world.Layer) (string, error) {
	s.mu.RLock()
	dir, ok := s.dirs[worldID]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("world %q has no directory", worldID)
	}
	return filepath.Join(dir, string(layer)), nil
}

func (s *DirStorage) path(layer world.Layer, rc world.RegionCoord) (string, error) {
	dir, err := s.layerDir(rc.World, layer)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, rc.FileName()), nil
}

// Regions lists the chunk layer. A world without a region folder has none.
func (s *DirStorage) Regions(ctx context.Context, worldID string) ([]world.RegionCoord, error) {
	dir, err := s.layerDir(worldID, world.LayerRegion)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]world.RegionCoord, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if rc, ok := world.ParseRegionFileName(worldID, e.Name()); ok {
			out = append(out, rc)
		}
	}
	return out, ctx.Err()
}

func (s *DirStorage) Open(_ context.Context, layer world.Layer, rc world.RegionCoord) (File, error) {
	p, err := s.path(layer, rc)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &osFile{File: f, size: st.Size(), mod: st.ModTime()}, nil
}

// Write replaces the file atomically through a temp file in the same folder.
func (s *DirStorage) Write(_ context.Context, layer world.Layer, rc world.RegionCoord, data []byte) error {
	p, err := s.path(layer, rc)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), rc.FileName()+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), p)
}

func (s *DirStorage) Remove(_ context.Context, layer world.Layer, rc world.RegionCoord) error {
	p, err := s.path(layer, rc)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

type osFile struct {
	*os.File
	size int64
	mod  time.Time
}

func (f *osFile) Size() int64        { return f.size }
func (f *osFile) ModTime() time.Time { return f.mod }

type memKey struct {
	layer world.Layer
	rc    world.RegionCoord
}

type memBlob struct {
	data []byte
	mod  time.Time
}

// MemStorage keeps region files in memory.
type MemStorage struct {
	mu    sync.RWMutex
	files map[memKey]memBlob
	now   func() time.Time
}

func NewMemStorage() *MemStorage {
	return &MemStorage{files: make(map[memKey]memBlob), now: time.Now}
}

// Put stores a file with an explicit modification time.
func (s *MemStorage) Put(layer world.Layer, rc world.RegionCoord, data []byte, mod time.Time) {
	s.mu.Lock()
	s.files[memKey{layer, rc}] = memBlob{data: append([]byte(nil), data...), mod: mod}
	s.mu.Unlock()
}

// Bytes returns a copy of a stored file.
func (s *MemStorage) Bytes(layer world.Layer, rc world.RegionCoord) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.files[memKey{layer, rc}]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), b.data...), true
}

func (s *MemStorage) Regions(_ context.Context, worldID string) ([]world.RegionCoord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []world.RegionCoord
	for k := range s.files {
		if k.layer == world.LayerRegion && k.rc.World == worldID {
			out = append(out, k.rc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out, nil
}

func (s *MemStorage) Open(_ context.Context, layer world.Layer, rc world.RegionCoord) (File, error) {
	s.mu.RLock()
	b, ok := s.files[memKey{layer, rc}]
	s.mu.RUnlock()
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: string(layer) + "/" + rc.FileName(), Err: fs.ErrNotExist}
	}
	return &memFile{data: b.data, mod: b.mod}, nil
}

func (s *MemStorage) Write(_ context.Context, layer world.Layer, rc world.RegionCoord, data []byte) error {
	s.Put(layer, rc, data, s.now())
	return nil
}

func (s *MemStorage) Remove(_ context.Context, layer world.Layer, rc world.RegionCoord) error {
	s.mu.Lock()
	delete(s.files, memKey{layer, rc})
	s.mu.Unlock()
	return nil
}

type memFile struct {
	data []byte
	mod  time.Time
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *memFile) Size() int64        { return int64(len(f.data)) }
func (f *memFile) ModTime() time.Time { return f.mod }
func (f *memFile) Close() error       { return nil }
