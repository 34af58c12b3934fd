// Package luavm runs Lua extensions on gopher-lua in a restricted state:
// only the base, table, string and math libraries are opened, the chunk
// loaders are removed and require only searches the host's module path.
package luavm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/basket/kaihost/internal/extension"
	"github.com/basket/kaihost/internal/surface"
)

const DefaultCallTimeout = 5 * time.Second

// builtinModules can be required by name and resolve to the opened libraries.
var builtinModules = map[string]bool{"string": true, "table": true, "math": true}

type Options struct {
	// CallTimeout bounds activate, deactivate and every callback.
	CallTimeout time.Duration
	Logger      *slog.Logger
}

type Runtime struct {
	timeout time.Duration
	logger  *slog.Logger
}

func New(opts Options) *Runtime {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	return &Runtime{timeout: opts.CallTimeout, logger: opts.Logger}
}

func (r *Runtime) Kind() extension.Kind { return extension.KindLua }

// Instantiate runs the unit's top-level chunk and locates its entry point.
// Nothing extension-defined is called yet besides the chunk itself.
func (r *Runtime) Instantiate(ctx context.Context, unit extension.SourceUnit, ep extension.EntryPoint, env extension.Env) (extension.Extension, error) {
	logger := env.Logger
	if logger == nil {
		logger = r.logger
	}
	e := &luaExtension{
		name:    env.Name,
		ep:      ep,
		env:     env,
		timeout: r.timeout,
		logger:  logger.With("extension", env.Name),
		loaded:  map[string]lua.LValue{},
	}
	e.L = newState()
	e.installRequire()
	e.installPrint()

	chunkName := unit.FileName
	if chunkName == "" {
		chunkName = env.Name + ".lua"
	}
	fn, err := e.L.Load(strings.NewReader(string(unit.Code)), chunkName)
	if err != nil {
		e.L.Close()
		return nil, e.fault(extension.FaultLoad, err)
	}

	var ret lua.LValue = lua.LNil
	err = e.call(ctx, func() error {
		e.L.Push(fn)
		if err := e.L.PCall(0, 1, nil); err != nil {
			return err
		}
		ret = e.L.Get(-1)
		e.L.Pop(1)
		return nil
	})
	if err != nil {
		e.L.Close()
		return nil, e.classify(ctx, extension.FaultLoad, err)
	}

	if err := e.bindEntry(ret); err != nil {
		e.L.Close()
		return nil, err
	}
	return e, nil
}

func newState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "module"} {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}

type luaExtension struct {
	name    string
	ep      extension.EntryPoint
	env     extension.Env
	timeout time.Duration
	logger  *slog.Logger

	// mu serializes every use of L; gopher-lua states are single-threaded.
	mu      sync.Mutex
	L       *lua.LState
	loaded  map[string]lua.LValue
	missing *extension.ImportError

	self     *lua.LTable // instance for method-style entries
	activate *lua.LFunction
	deact    *lua.LFunction
	closed   bool
}

// bindEntry resolves the activate (and deactivate) functions from the
// loaded chunk.
func (e *luaExtension) bindEntry(ret lua.LValue) error {
	switch e.ep.Style {
	case extension.EntryMethod:
		typ, ok := e.L.GetGlobal(e.ep.TypeName).(*lua.LTable)
		if !ok {
			typ, ok = ret.(*lua.LTable)
		}
		if !ok {
			return e.fault(extension.FaultLoad, fmt.Errorf("type %s is neither global nor returned by the chunk", e.ep.TypeName))
		}
		fn, ok := e.L.GetField(typ, "activate").(*lua.LFunction)
		if !ok {
			return e.fault(extension.FaultLoad, fmt.Errorf("%s.activate is not a function", e.ep.TypeName))
		}
		inst := e.L.NewTable()
		mt := e.L.NewTable()
		mt.RawSetString("__index", typ)
		e.L.SetMetatable(inst, mt)
		e.self = inst
		e.activate = fn
		e.deact, _ = e.L.GetField(typ, "deactivate").(*lua.LFunction)
	default:
		fn, ok := e.L.GetGlobal("activate").(*lua.LFunction)
		if !ok {
			return e.fault(extension.FaultLoad, errors.New("activate is not a global function"))
		}
		e.activate = fn
		e.deact, _ = e.L.GetGlobal("deactivate").(*lua.LFunction)
	}
	return nil
}

func (e *luaExtension) Activate(ctx context.Context, s surface.Surface) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return e.fault(extension.FaultRuntime, errors.New("extension closed"))
	}
	host := e.hostTable(s)
	e.L.SetGlobal("host", host)
	err := e.call(ctx, func() error {
		return e.L.CallByParam(lua.P{Fn: e.activate, NRet: 0, Protect: true}, e.args(host)...)
	})
	if err != nil {
		return e.classify(ctx, extension.FaultRuntime, err)
	}
	return nil
}

func (e *luaExtension) Deactivate(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.deact == nil {
		return nil
	}
	err := e.call(ctx, func() error {
		return e.L.CallByParam(lua.P{Fn: e.deact, NRet: 0, Protect: true}, e.args()...)
	})
	if err != nil {
		return e.classify(ctx, extension.FaultRuntime, err)
	}
	return nil
}

func (e *luaExtension) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.L.Close()
	return nil
}

func (e *luaExtension) args(extra ...lua.LValue) []lua.LValue {
	if e.self != nil {
		return append([]lua.LValue{e.self}, extra...)
	}
	return extra
}

// call runs fn with the per-call deadline attached to the state and turns
// Go panics raised inside host functions into errors.
func (e *luaExtension) call(ctx context.Context, fn func() error) (err error) {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	e.missing = nil
	e.L.SetContext(callCtx)
	defer e.L.RemoveContext()
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	err = fn()
	if err != nil && callCtx.Err() != nil && ctx.Err() == nil {
		err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	return err
}

type panicError struct{ value any }

func (p *panicError) Error() string { return fmt.Sprintf("panic: %v", p.value) }

// classify maps a failed call to an ActivationError. A missing import
// recorded by require wins over the generic reason.
func (e *luaExtension) classify(ctx context.Context, reason string, err error) error {
	var pe *panicError
	switch {
	case e.missing != nil:
		return &extension.ActivationError{Extension: e.name, Reason: extension.FaultImport, Err: e.missing}
	case errors.As(err, &pe):
		reason = extension.FaultPanic
	case errors.Is(err, context.DeadlineExceeded):
		reason = extension.FaultTimeout
	case ctx.Err() != nil:
		err = ctx.Err()
	}
	return e.fault(reason, luaMessage(err))
}

func (e *luaExtension) fault(reason string, err error) error {
	return &extension.ActivationError{Extension: e.name, Reason: reason, Err: err}
}

// luaMessage strips the stack trace gopher-lua appends to API errors.
func luaMessage(err error) error {
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) && apiErr.Object != nil {
		return errors.New(apiErr.Object.String())
	}
	return err
}

// installRequire replaces require with a resolver over the host search
// path. An unknown module raises an error and records an ImportError.
func (e *luaExtension) installRequire() {
	e.L.SetGlobal("require", e.L.NewFunction(func(L *lua.LState) int {
		mod := L.CheckString(1)
		if v, ok := e.loaded[mod]; ok {
			L.Push(v)
			return 1
		}
		if builtinModules[mod] {
			L.Push(L.GetGlobal(mod))
			return 1
		}
		path := e.findModule(mod)
		if path == "" {
			e.missing = &extension.ImportError{Module: mod, Package: rootPackage(mod)}
			L.RaiseError("module %q not found", mod)
			return 0
		}
		fn, err := L.LoadFile(path)
		if err != nil {
			L.RaiseError("load module %q: %s", mod, err.Error())
			return 0
		}
		L.Push(fn)
		L.Push(lua.LString(mod))
		L.Call(1, 1)
		v := L.Get(-1)
		L.Pop(1)
		if v == lua.LNil {
			v = lua.LTrue
		}
		e.loaded[mod] = v
		L.Push(v)
		return 1
	}))
}

func (e *luaExtension) findModule(mod string) string {
	if strings.Contains(mod, "..") || strings.ContainsAny(mod, `/\`) {
		return ""
	}
	rel := strings.ReplaceAll(mod, ".", string(filepath.Separator))
	for _, dir := range e.env.SearchPath {
		for _, candidate := range []string{
			filepath.Join(dir, rel+".lua"),
			filepath.Join(dir, rel, "init.lua"),
		} {
			if st, err := os.Stat(candidate); err == nil && !st.IsDir() {
				return candidate
			}
		}
	}
	return ""
}

func rootPackage(mod string) string {
	if i := strings.IndexByte(mod, '.'); i > 0 {
		return mod[:i]
	}
	return mod
}

func (e *luaExtension) installPrint() {
	e.L.SetGlobal("print", e.L.NewFunction(func(L *lua.LState) int {
		parts := make([]string, 0, L.GetTop())
		for i := 1; i <= L.GetTop(); i++ {
			parts = append(parts, L.Get(i).String())
		}
		e.logger.Info("extension print", "msg", strings.Join(parts, "\t"))
		return 0
	}))
}
