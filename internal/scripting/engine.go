package scripting

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// ErrNoFunction is returned when the loaded scripts do not define a hook.
var ErrNoFunction = errors.New("scripting: function not defined")

// Engine wraps a single gopher-lua VM. Calls are serialized; the deletion
// worker and the control API may both consult it.
type Engine struct {
	mu  sync.Mutex
	vm  *lua.LState
	log *zap.Logger
}

// NewEngine loads path, which is either one .lua file or a directory of them.
func NewEngine(path string, log *zap.Logger) (*Engine, error) {
	e := newEngine(log)
	info, err := os.Stat(path)
	if err != nil {
		e.vm.Close()
		return nil, fmt.Errorf("load scripts: %w", err)
	}
	if info.IsDir() {
		err = e.loadDir(path)
	} else {
		err = e.vm.DoFile(path)
	}
	if err != nil {
		e.vm.Close()
		return nil, fmt.Errorf("load scripts %s: %w", path, err)
	}
	return e, nil
}

// NewEngineFromSource runs src as the only script.
func NewEngineFromSource(src string, log *zap.Logger) (*Engine, error) {
	e := newEngine(log)
	if err := e.vm.DoString(src); err != nil {
		e.vm.Close()
		return nil, fmt.Errorf("load script: %w", err)
	}
	return e, nil
}

func newEngine(log *zap.Logger) *Engine {
	vm := lua.NewState(lua.Options{
		SkipOpenLibs: false,
	})
	vm.SetGlobal("API_VERSION", lua.LNumber(1))
	e := &Engine{vm: vm, log: log}
	vm.SetGlobal("log_info", vm.NewFunction(e.luaLog))
	return e
}

func (e *Engine) luaLog(L *lua.LState) int {
	e.log.Info("lua", zap.String("msg", L.CheckString(1)))
	return 0
}

// loadDir loads all .lua files in a directory in name order.
func (e *Engine) loadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".lua" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := e.vm.DoFile(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
		e.log.Debug("loaded lua script", zap.String("file", path))
	}
	return nil
}

// Defines reports whether the scripts define a global function name.
func (e *Engine) Defines(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.vm.GetGlobal(name).(*lua.LFunction)
	return ok
}

// IsChunkProtected calls is_chunk_protected(world, x, z). A Lua error,
// including a missing function, is returned as an error.
func (e *Engine) IsChunkProtected(world string, x, z int32) (bool, error) {
	return e.callBool("is_chunk_protected", lua.LString(world), lua.LNumber(x), lua.LNumber(z))
}

// Ready calls is_ready() if the scripts define it, and is true otherwise.
func (e *Engine) Ready() (bool, error) {
	if !e.Defines("is_ready") {
		return true, nil
	}
	return e.callBool("is_ready")
}

func (e *Engine) callBool(name string, args ...lua.LValue) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	fn, ok := e.vm.GetGlobal(name).(*lua.LFunction)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNoFunction, name)
	}
	if err := e.vm.CallByParam(lua.P{
		Fn:      fn,
		NRet:    1,
		Protect: true,
	}, args...); err != nil {
		return false, fmt.Errorf("lua %s: %w", name, err)
	}
	ret := e.vm.Get(-1)
	e.vm.Pop(1)
	return lua.LVAsBool(ret), nil
}

func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vm.Close()
}
