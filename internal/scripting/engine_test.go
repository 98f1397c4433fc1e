package scripting

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const claims = `
function is_chunk_protected(world, x, z)
  if world ~= "overworld" then return false end
  return x >= 0 and x < 4 and z >= 0 and z < 4
end
`

func TestIsChunkProtected(t *testing.T) {
	e, err := NewEngineFromSource(claims, zap.NewNop())
	require.NoError(t, err)
	defer e.Close()

	ok, err := e.IsChunkProtected("overworld", 2, 3)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.IsChunkProtected("overworld", -1, 3)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = e.IsChunkProtected("nether", 2, 3)
	require.NoError(t, err)
	assert.False(t, ok)

	ready, err := e.Ready()
	require.NoError(t, err)
	assert.True(t, ready, "no is_ready means ready")
}

func TestScriptErrorsSurface(t *testing.T) {
	e, err := NewEngineFromSource(`function is_chunk_protected(w, x, z) error("boom") end`, zap.NewNop())
	require.NoError(t, err)
	defer e.Close()
	_, err = e.IsChunkProtected("overworld", 0, 0)
	assert.ErrorContains(t, err, "boom")

	empty, err := NewEngineFromSource(`x = 1`, zap.NewNop())
	require.NoError(t, err)
	defer empty.Close()
	_, err = empty.IsChunkProtected("overworld", 0, 0)
	assert.ErrorIs(t, err, ErrNoFunction)
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.lua"), []byte(`READY = false`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.lua"), []byte(`
function is_ready() return READY end
function is_chunk_protected(w, x, z) log_info("asked " .. w) return true end
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte(`not lua`), 0o644))

	e, err := NewEngine(dir, zap.NewNop())
	require.NoError(t, err)
	defer e.Close()

	ready, err := e.Ready()
	require.NoError(t, err)
	assert.False(t, ready)
	ok, err := e.IsChunkProtected("overworld", 0, 0)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = NewEngine(filepath.Join(dir, "missing.lua"), zap.NewNop())
	assert.Error(t, err)
}
