// Package wasm runs WebAssembly extensions on wazero. Guests talk to the
// host through the "host" import module:
//
//	notify(level_ptr, level_len, msg_ptr, msg_len)
//	log(msg_ptr, msg_len)
//	add_button(label_ptr, label_len, handler) -> 1 | 0
//	document(buf_ptr, buf_cap) -> len
//	data_load(buf_ptr, buf_cap) -> len
//	data_save(ptr, len) -> 1 | 0
//
// Buttons call back into the guest's exported on_click(handler). Functions
// that fill a buffer return the full JSON length; the guest retries with a
// larger buffer when it exceeds buf_cap.
package wasm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"

	"github.com/basket/kaihost/internal/extension"
	"github.com/basket/kaihost/internal/surface"
)

// DefaultMemoryLimitPages is 160 pages = 10MB (each WASM page = 64KB).
const DefaultMemoryLimitPages = 160

// DefaultInvokeTimeout bounds activate, deactivate and every callback.
const DefaultInvokeTimeout = 5 * time.Second

const hostModule = "host"

var hostFunctions = map[string]bool{
	"notify":     true,
	"log":        true,
	"add_button": true,
	"document":   true,
	"data_load":  true,
	"data_save":  true,
}

// HasHostFunction reports whether the host module exports name.
func HasHostFunction(name string) bool {
	return hostFunctions[name]
}

type Options struct {
	// MemoryLimitPages caps memory per module (1 page = 64KB). 0 uses DefaultMemoryLimitPages.
	MemoryLimitPages uint32
	InvokeTimeout    time.Duration
	Logger           *slog.Logger
}

type Runtime struct {
	logger        *slog.Logger
	runtime       wazero.Runtime
	invokeTimeout time.Duration

	seq      atomic.Uint64
	mu       sync.Mutex
	bindings map[string]*wasmExtension // instance name -> extension
}

func New(ctx context.Context, opts Options) (*Runtime, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MemoryLimitPages == 0 {
		opts.MemoryLimitPages = DefaultMemoryLimitPages
	}
	if opts.InvokeTimeout <= 0 {
		opts.InvokeTimeout = DefaultInvokeTimeout
	}

	runtimeCfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(opts.MemoryLimitPages).
		WithCloseOnContextDone(true)

	r := &Runtime{
		logger:        opts.Logger,
		runtime:       wazero.NewRuntimeWithConfig(ctx, runtimeCfg),
		invokeTimeout: opts.InvokeTimeout,
		bindings:      map[string]*wasmExtension{},
	}

	builder := r.runtime.NewHostModuleBuilder(hostModule)
	builder.NewFunctionBuilder().WithFunc(r.hostNotify).Export("notify")
	builder.NewFunctionBuilder().WithFunc(r.hostLog).Export("log")
	builder.NewFunctionBuilder().WithFunc(r.hostAddButton).Export("add_button")
	builder.NewFunctionBuilder().WithFunc(r.hostDocument).Export("document")
	builder.NewFunctionBuilder().WithFunc(r.hostDataLoad).Export("data_load")
	builder.NewFunctionBuilder().WithFunc(r.hostDataSave).Export("data_save")
	if _, err := builder.Instantiate(ctx); err != nil {
		_ = r.runtime.Close(ctx)
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}
	return r, nil
}

func (r *Runtime) Kind() extension.Kind { return extension.KindWASM }

// Close tears down every instance and the engine.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	r.bindings = map[string]*wasmExtension{}
	r.mu.Unlock()
	return r.runtime.Close(ctx)
}

// Instantiate compiles and instantiates the unit without running any of
// its exports. Imports outside the host module fail as import faults.
func (r *Runtime) Instantiate(ctx context.Context, unit extension.SourceUnit, ep extension.EntryPoint, env extension.Env) (extension.Extension, error) {
	logger := env.Logger
	if logger == nil {
		logger = r.logger
	}
	e := &wasmExtension{
		rt:      r,
		name:    env.Name,
		env:     env,
		timeout: r.invokeTimeout,
		logger:  logger.With("extension", env.Name),
	}

	compiled, err := r.runtime.CompileModule(ctx, unit.Code)
	if err != nil {
		reason := extension.FaultLoad
		if strings.Contains(err.Error(), "memory") {
			reason = extension.FaultMemory
		}
		return nil, e.fault(reason, fmt.Errorf("compile: %w", err))
	}
	defer compiled.Close(ctx)

	for _, def := range compiled.ImportedFunctions() {
		moduleName, name, _ := def.Import()
		if moduleName == hostModule && hostFunctions[name] {
			continue
		}
		return nil, e.fault(extension.FaultImport, &extension.ImportError{
			Module:  moduleName + "." + name,
			Package: moduleName,
		})
	}

	instance := fmt.Sprintf("%s#%d", env.Name, r.seq.Add(1))
	// Bind before instantiation so host calls made by data initialisers can
	// find their extension.
	r.bind(instance, e)
	mod, err := r.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().
		WithName(instance).
		WithStartFunctions())
	if err != nil {
		r.unbind(instance)
		return nil, e.fault(classifyFault(err, extension.FaultLoad), err)
	}
	e.instance = instance
	e.mod = mod

	e.activate = mod.ExportedFunction("activate")
	if e.activate == nil {
		_ = mod.Close(ctx)
		r.unbind(instance)
		return nil, e.fault(extension.FaultLoad, errors.New("module does not export activate"))
	}
	e.deactivate = mod.ExportedFunction("deactivate")
	e.onClick = mod.ExportedFunction("on_click")
	return e, nil
}

func (r *Runtime) bind(instance string, e *wasmExtension) {
	r.mu.Lock()
	r.bindings[instance] = e
	r.mu.Unlock()
}

func (r *Runtime) unbind(instance string) {
	r.mu.Lock()
	delete(r.bindings, instance)
	r.mu.Unlock()
}

func (r *Runtime) lookup(m api.Module) *wasmExtension {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bindings[m.Name()]
}

type wasmExtension struct {
	rt      *Runtime
	name    string
	env     extension.Env
	timeout time.Duration
	logger  *slog.Logger

	instance   string
	mod        api.Module
	activate   api.Function
	deactivate api.Function
	onClick    api.Function

	// callMu serializes calls into the guest. Host functions run inside
	// those calls and only take surfMu.
	callMu sync.Mutex
	closed bool

	surfMu sync.Mutex
	surf   surface.Surface
}

func (e *wasmExtension) currentSurface() surface.Surface {
	e.surfMu.Lock()
	defer e.surfMu.Unlock()
	return e.surf
}

func (e *wasmExtension) Activate(ctx context.Context, s surface.Surface) error {
	e.callMu.Lock()
	defer e.callMu.Unlock()
	if e.closed {
		return e.fault(extension.FaultRuntime, errors.New("extension closed"))
	}
	e.surfMu.Lock()
	e.surf = s
	e.surfMu.Unlock()
	return e.call(ctx, e.activate)
}

func (e *wasmExtension) Deactivate(ctx context.Context) error {
	e.callMu.Lock()
	defer e.callMu.Unlock()
	if e.closed || e.deactivate == nil {
		return nil
	}
	return e.call(ctx, e.deactivate)
}

func (e *wasmExtension) Close() error {
	e.callMu.Lock()
	defer e.callMu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.rt.unbind(e.instance)
	return e.mod.Close(context.Background())
}

// call invokes fn under the invoke timeout. Callers hold callMu.
func (e *wasmExtension) call(ctx context.Context, fn api.Function, params ...uint64) (err error) {
	invokeCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			err = e.fault(extension.FaultPanic, fmt.Errorf("%v", p))
		}
	}()
	if _, err := fn.Call(invokeCtx, params...); err != nil {
		if invokeCtx.Err() != nil && ctx.Err() == nil {
			err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		}
		return e.fault(classifyFault(err, extension.FaultRuntime), err)
	}
	return nil
}

// click runs the guest's on_click export for handler. Failures go to
// Env.OnFault and never reach the chrome.
func (e *wasmExtension) click(handler uint32) func() {
	return func() {
		e.callMu.Lock()
		defer e.callMu.Unlock()
		if e.closed || e.onClick == nil {
			return
		}
		err := e.call(context.Background(), e.onClick, api.EncodeU32(handler))
		if err == nil {
			return
		}
		e.logger.Warn("extension callback failed", "error", err)
		if e.env.OnFault != nil {
			e.env.OnFault(err)
		}
	}
}

func (e *wasmExtension) fault(reason string, err error) error {
	return &extension.ActivationError{Extension: e.name, Reason: reason, Err: err}
}

// classifyFault maps a wazero execution error to a fault code.
func classifyFault(err error, fallback string) string {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return extension.FaultTimeout
	}
	// wazero raises sys.ExitError on context-driven termination.
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		return extension.FaultTimeout
	}
	if strings.Contains(err.Error(), "memory") {
		return extension.FaultMemory
	}
	return fallback
}

// readWASMString reads a string from WASM linear memory at the given pointer and length.
func readWASMString(module api.Module, ptr, length uint32) (string, bool) {
	mem := module.Memory()
	if mem == nil {
		return "", false
	}
	data, ok := mem.Read(ptr, length)
	if !ok {
		return "", false
	}
	return string(data), true
}

// writeWASMBuffer copies data into [ptr, ptr+capacity) when it fits and
// returns len(data) either way.
func writeWASMBuffer(module api.Module, ptr, capacity uint32, data []byte) uint32 {
	if uint32(len(data)) <= capacity {
		if mem := module.Memory(); mem != nil {
			mem.Write(ptr, data)
		}
	}
	return uint32(len(data))
}

func (r *Runtime) hostNotify(ctx context.Context, m api.Module, levelPtr, levelLen, msgPtr, msgLen uint32) {
	e := r.lookup(m)
	if e == nil {
		return
	}
	level, ok := readWASMString(m, levelPtr, levelLen)
	if !ok {
		e.logger.Error("host.notify: failed to read level from wasm memory", "ptr", levelPtr, "len", levelLen)
		return
	}
	msg, ok := readWASMString(m, msgPtr, msgLen)
	if !ok {
		e.logger.Error("host.notify: failed to read message from wasm memory", "ptr", msgPtr, "len", msgLen)
		return
	}
	if s := e.currentSurface(); s != nil {
		s.Notify(surface.ParseLevel(level), msg)
	}
}

func (r *Runtime) hostLog(ctx context.Context, m api.Module, ptr, length uint32) {
	e := r.lookup(m)
	if e == nil {
		return
	}
	msg, ok := readWASMString(m, ptr, length)
	if !ok {
		e.logger.Error("host.log: failed to read message from wasm memory", "ptr", ptr, "len", length)
		return
	}
	e.logger.Info("extension log", "message", msg)
}

func (r *Runtime) hostAddButton(ctx context.Context, m api.Module, labelPtr, labelLen, handler uint32) uint32 {
	e := r.lookup(m)
	if e == nil {
		return 0
	}
	label, ok := readWASMString(m, labelPtr, labelLen)
	if !ok {
		e.logger.Error("host.add_button: failed to read label from wasm memory", "ptr", labelPtr, "len", labelLen)
		return 0
	}
	s := e.currentSurface()
	if s == nil {
		return 0
	}
	if e.onClick == nil {
		e.logger.Warn("host.add_button: module does not export on_click", "label", label)
		return 0
	}
	if err := s.AddButton(label, e.click(handler)); err != nil {
		e.logger.Warn("host.add_button failed", "label", label, "error", err)
		return 0
	}
	return 1
}

func (r *Runtime) hostDocument(ctx context.Context, m api.Module, ptr, capacity uint32) uint32 {
	e := r.lookup(m)
	if e == nil {
		return 0
	}
	var doc surface.Document
	if s := e.currentSurface(); s != nil {
		doc = s.ActiveDocument()
	}
	data, _ := json.Marshal(doc)
	return writeWASMBuffer(m, ptr, capacity, data)
}

func (r *Runtime) hostDataLoad(ctx context.Context, m api.Module, ptr, capacity uint32) uint32 {
	e := r.lookup(m)
	if e == nil {
		return 0
	}
	doc := extension.Document{}
	if e.env.Data != nil {
		if loaded := e.env.Data.Load(); loaded != nil {
			doc = loaded
		}
	}
	data, err := json.Marshal(doc)
	if err != nil {
		e.logger.Error("host.data_load: encode document", "error", err)
		return 0
	}
	return writeWASMBuffer(m, ptr, capacity, data)
}

func (r *Runtime) hostDataSave(ctx context.Context, m api.Module, ptr, length uint32) uint32 {
	e := r.lookup(m)
	if e == nil || e.env.Data == nil {
		return 0
	}
	raw, ok := readWASMString(m, ptr, length)
	if !ok {
		e.logger.Error("host.data_save: failed to read document from wasm memory", "ptr", ptr, "len", length)
		return 0
	}
	var doc extension.Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		e.logger.Warn("host.data_save: document is not a JSON object", "error", err)
		return 0
	}
	if err := e.env.Data.Save(doc); err != nil {
		e.logger.Warn("host.data_save failed", "error", err)
		return 0
	}
	return 1
}
