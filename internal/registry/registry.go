// Package registry owns the extension catalog: install, enable, disable,
// remove and reload, with every activation run on the UI loop inside a
// fault boundary.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/kaihost/internal/audit"
	"github.com/basket/kaihost/internal/bus"
	"github.com/basket/kaihost/internal/datastore"
	"github.com/basket/kaihost/internal/extension"
	"github.com/basket/kaihost/internal/otel"
	"github.com/basket/kaihost/internal/shared"
	"github.com/basket/kaihost/internal/surface"
)

const (
	preferencesFile = "extensions.yaml"
	modulesDir      = "modules"
)

// Validator is the structural check run before anything is instantiated.
type Validator interface {
	Validate(unit extension.SourceUnit) (extension.EntryPoint, error)
}

// DependencyResolver makes a missing package importable.
type DependencyResolver interface {
	Resolve(ctx context.Context, pkg string) error
}

type Config struct {
	// Dir holds extensions.yaml and the modules directory.
	Dir       string
	Validator Validator
	Runtimes  []extension.Runtime
	Chrome    surface.Chrome
	// Loop runs activation and deactivation. Nil runs them inline.
	Loop *surface.Loop
	Data *datastore.Store
	// SearchPath lists module directories handed to runtimes.
	SearchPath func() []string

	Bus     *bus.Bus
	Audit   *audit.Log
	Metrics *otel.Metrics
	Tracer  trace.Tracer
	Logger  *slog.Logger
}

type Registry struct {
	dir        string
	modules    string
	validator  Validator
	runtimes   map[extension.Kind]extension.Runtime
	chrome     surface.Chrome
	loop       *surface.Loop
	data       *datastore.Store
	searchPath func() []string
	bus        *bus.Bus
	audit      *audit.Log
	metrics    *otel.Metrics
	tracer     trace.Tracer
	logger     *slog.Logger

	// locks holds one *sync.Mutex per extension id.
	locks sync.Map

	mu      sync.RWMutex
	order   []string
	entries map[string]*entry

	// saveMu serializes writes of the preferences document.
	saveMu sync.Mutex
	wg     sync.WaitGroup
}

type entry struct {
	rec  extension.Record
	live *instance
}

// instance is one activated extension. Faults carry the instance they came
// from so a stale callback cannot disable a newer activation.
type instance struct {
	ext   extension.Extension
	scope *surface.Scope
}

func New(cfg Config) (*Registry, error) {
	if cfg.Dir == "" {
		return nil, errors.New("registry dir is required")
	}
	if cfg.Validator == nil {
		return nil, errors.New("registry validator is required")
	}
	if cfg.Chrome == nil {
		return nil, errors.New("registry chrome is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	r := &Registry{
		dir:        cfg.Dir,
		modules:    filepath.Join(cfg.Dir, modulesDir),
		validator:  cfg.Validator,
		runtimes:   map[extension.Kind]extension.Runtime{},
		chrome:     cfg.Chrome,
		loop:       cfg.Loop,
		data:       cfg.Data,
		searchPath: cfg.SearchPath,
		bus:        cfg.Bus,
		audit:      cfg.Audit,
		metrics:    cfg.Metrics,
		tracer:     cfg.Tracer,
		logger:     cfg.Logger,
		entries:    map[string]*entry{},
	}
	for _, rt := range cfg.Runtimes {
		r.runtimes[rt.Kind()] = rt
	}
	if err := os.MkdirAll(r.modules, 0o755); err != nil {
		return nil, fmt.Errorf("create modules dir: %w", err)
	}
	return r, nil
}

// ModulesDir is where extension sources live.
func (r *Registry) ModulesDir() string { return r.modules }

func (r *Registry) lock(id string) func() {
	v, _ := r.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (r *Registry) entry(id string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[id]
}

// List returns catalog records in insertion order.
func (r *Registry) List() []extension.Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]extension.Record, 0, len(r.order))
	for _, id := range r.order {
		rec := r.entries[id].rec
		rec.Source = nil
		out = append(out, rec)
	}
	return out
}

// Get returns the record for id, including its source.
func (r *Registry) Get(id string) (extension.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return extension.Record{}, fmt.Errorf("%s: %w", id, extension.ErrNotFound)
	}
	rec := e.rec
	rec.Source = append([]byte(nil), e.rec.Source...)
	return rec, nil
}

// Active reports whether id currently has a live activation.
func (r *Registry) Active(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return ok && e.live != nil
}

type installOptions struct {
	deps DependencyResolver
}

type InstallOption func(*installOptions)

// WithDependencyResolution resolves a missing installable import once and
// retries activation.
func WithDependencyResolution(d DependencyResolver) InstallOption {
	return func(o *installOptions) { o.deps = d }
}

// Install validates unit and adds it to the catalog. Re-installing identical
// source is a no-op returning the same id. A unit that validates but fails
// to activate is kept disabled with its error; Install then returns the id
// together with the *extension.ActivationError.
func (r *Registry) Install(ctx context.Context, unit extension.SourceUnit, origin extension.Origin, opts ...InstallOption) (string, error) {
	var o installOptions
	for _, opt := range opts {
		opt(&o)
	}
	ctx, span := otel.StartSpan(ctx, r.tracer, "registry.install")
	defer span.End()

	ep, err := r.validator.Validate(unit)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	id := ep.Name
	span.SetAttributes(otel.AttrExtensionID.String(id))
	ctx = shared.WithExtensionID(ctx, id)
	unlock := r.lock(id)
	defer unlock()

	hash := unit.Hash()
	prev := r.entry(id)
	if prev != nil && prev.rec.Hash == hash {
		r.logger.Debug("install is a no-op, source unchanged", "extension", id)
		return id, nil
	}

	now := time.Now().UTC()
	rec := extension.Record{
		ID:            id,
		FileName:      id + ep.Kind.Ext(),
		Kind:          ep.Kind,
		Hash:          hash,
		Version:       1,
		Origin:        origin,
		InstalledAt:   now,
		UpdatedAt:     now,
		DataNamespace: id,
		Source:        append([]byte(nil), unit.Code...),
	}
	if prev != nil {
		rec.Version = prev.rec.Version + 1
		rec.InstalledAt = prev.rec.InstalledAt
		if prev.live != nil {
			r.teardown(ctx, id, prev.live)
			r.put(prev.rec, nil)
		}
	}
	if err := shared.WriteFileAtomic(r.modules, rec.FileName, rec.Source); err != nil {
		return "", fmt.Errorf("write source for %s: %w", id, err)
	}

	live, actErr := r.activate(ctx, rec, ep, o.deps)
	rec.Enabled = actErr == nil
	if actErr != nil {
		rec.LastError = actErr.Error()
	}
	r.put(rec, live)
	if err := r.savePreferences(); err != nil {
		r.logger.Error("save extension preferences failed", "error", err)
	}

	r.bus.Publish(bus.TopicExtensionInstalled, bus.ExtensionEvent{
		ID: id, Version: rec.Version, Enabled: rec.Enabled, Origin: string(origin), Error: rec.LastError,
	})
	decision := "ok"
	if actErr != nil {
		decision = "disabled"
		span.RecordError(actErr)
	}
	r.audit.Record(ctx, "extension.install", decision, id, rec.LastError)
	r.logger.Info("extension installed", "extension", id, "version", rec.Version, "origin", origin, "enabled", rec.Enabled)
	if actErr != nil {
		return id, actErr
	}
	return id, nil
}

// Enable re-reads the source from disk and activates it.
func (r *Registry) Enable(ctx context.Context, id string, opts ...InstallOption) error {
	var o installOptions
	for _, opt := range opts {
		opt(&o)
	}
	ctx = shared.WithExtensionID(ctx, id)
	unlock := r.lock(id)
	defer unlock()

	e := r.entry(id)
	if e == nil {
		return fmt.Errorf("%s: %w", id, extension.ErrNotFound)
	}
	if e.live != nil {
		return nil
	}
	rec := e.rec
	code, err := os.ReadFile(filepath.Join(r.modules, rec.FileName))
	if err != nil {
		return fmt.Errorf("read source for %s: %w", id, err)
	}
	ep, err := r.validator.Validate(extension.NewSourceUnit(rec.FileName, code))
	if err != nil {
		return err
	}
	r.refreshSource(&rec, code)

	live, actErr := r.activate(ctx, rec, ep, o.deps)
	rec.Enabled = actErr == nil
	rec.LastError = ""
	if actErr != nil {
		rec.LastError = actErr.Error()
	}
	r.put(rec, live)
	if err := r.savePreferences(); err != nil {
		r.logger.Error("save extension preferences failed", "error", err)
	}
	if actErr != nil {
		r.audit.Record(ctx, "extension.enable", "failed", id, rec.LastError)
		return actErr
	}
	r.bus.Publish(bus.TopicExtensionEnabled, bus.ExtensionEvent{ID: id, Version: rec.Version, Enabled: true, Origin: string(rec.Origin)})
	r.audit.Record(ctx, "extension.enable", "ok", id, "")
	return nil
}

// Disable detaches the extension from the surface and removes every button
// it mounted. Its data is kept.
func (r *Registry) Disable(ctx context.Context, id string) error {
	ctx = shared.WithExtensionID(ctx, id)
	unlock := r.lock(id)
	defer unlock()

	e := r.entry(id)
	if e == nil {
		return fmt.Errorf("%s: %w", id, extension.ErrNotFound)
	}
	if e.live != nil {
		r.teardown(ctx, id, e.live)
	}
	rec := e.rec
	wasEnabled := rec.Enabled
	rec.Enabled = false
	r.put(rec, nil)
	if err := r.savePreferences(); err != nil {
		r.logger.Error("save extension preferences failed", "error", err)
	}
	if wasEnabled {
		r.bus.Publish(bus.TopicExtensionDisabled, bus.ExtensionEvent{ID: id, Version: rec.Version, Origin: string(rec.Origin)})
		r.audit.Record(ctx, "extension.disable", "ok", id, "")
	}
	return nil
}

// Remove disables the extension and deletes its catalog entry, source file
// and data namespace. It cannot be undone.
func (r *Registry) Remove(ctx context.Context, id string) error {
	ctx = shared.WithExtensionID(ctx, id)
	unlock := r.lock(id)
	defer unlock()

	e := r.entry(id)
	if e == nil {
		return fmt.Errorf("%s: %w", id, extension.ErrNotFound)
	}
	if e.live != nil {
		r.teardown(ctx, id, e.live)
	}
	r.mu.Lock()
	delete(r.entries, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	var errs []error
	if err := os.Remove(filepath.Join(r.modules, e.rec.FileName)); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, fmt.Errorf("remove source: %w", err))
	}
	if r.data != nil {
		if err := r.data.Clear(id); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.savePreferences(); err != nil {
		errs = append(errs, err)
	}
	r.bus.Publish(bus.TopicExtensionRemoved, bus.ExtensionEvent{ID: id, Version: e.rec.Version, Origin: string(e.rec.Origin)})
	r.audit.Record(ctx, "extension.remove", "ok", id, "")
	r.logger.Info("extension removed", "extension", id)
	return errors.Join(errs...)
}

// Reload re-reads the source from disk, re-validates it and re-activates
// the extension if it was enabled. Data is kept.
func (r *Registry) Reload(ctx context.Context, id string) error {
	ctx = shared.WithExtensionID(ctx, id)
	unlock := r.lock(id)
	defer unlock()

	e := r.entry(id)
	if e == nil {
		return fmt.Errorf("%s: %w", id, extension.ErrNotFound)
	}
	rec := e.rec
	code, err := os.ReadFile(filepath.Join(r.modules, rec.FileName))
	if err != nil {
		return fmt.Errorf("read source for %s: %w", id, err)
	}
	ep, err := r.validator.Validate(extension.NewSourceUnit(rec.FileName, code))
	if err != nil {
		rec.LastError = err.Error()
		r.put(rec, e.live)
		return err
	}
	if e.live != nil {
		r.teardown(ctx, id, e.live)
	}
	r.refreshSource(&rec, code)

	var live *instance
	var actErr error
	if rec.Enabled {
		live, actErr = r.activate(ctx, rec, ep, nil)
		rec.Enabled = actErr == nil
	}
	rec.LastError = ""
	if actErr != nil {
		rec.LastError = actErr.Error()
	}
	r.put(rec, live)
	if err := r.savePreferences(); err != nil {
		r.logger.Error("save extension preferences failed", "error", err)
	}
	r.bus.Publish(bus.TopicExtensionReloaded, bus.ExtensionEvent{
		ID: id, Version: rec.Version, Enabled: rec.Enabled, Origin: string(rec.Origin), Error: rec.LastError,
	})
	r.logger.Info("extension reloaded", "extension", id, "version", rec.Version, "enabled", rec.Enabled)
	return actErr
}

// Shutdown deactivates every live extension without changing its persisted
// enabled flag, then waits for background work.
func (r *Registry) Shutdown(ctx context.Context) {
	for _, rec := range r.List() {
		unlock := r.lock(rec.ID)
		if e := r.entry(rec.ID); e != nil && e.live != nil {
			r.teardown(ctx, rec.ID, e.live)
			r.put(e.rec, nil)
		}
		unlock()
	}
	r.wg.Wait()
}

// refreshSource updates hash, version and source when code changed.
func (r *Registry) refreshSource(rec *extension.Record, code []byte) {
	hash := extension.ContentHash(code)
	if hash == rec.Hash {
		rec.Source = code
		return
	}
	rec.Hash = hash
	rec.Version++
	rec.UpdatedAt = time.Now().UTC()
	rec.Source = code
}

// put stores rec, appending new ids to the insertion order.
func (r *Registry) put(rec extension.Record, live *instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[rec.ID]
	if !ok {
		e = &entry{}
		r.entries[rec.ID] = e
		r.order = append(r.order, rec.ID)
	}
	e.rec = rec
	e.live = live
}

func idAttr(id string) attribute.KeyValue {
	return otel.AttrExtensionID.String(id)
}
