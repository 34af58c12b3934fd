package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/basket/kaihost/internal/audit"
	"github.com/basket/kaihost/internal/bus"
	"github.com/basket/kaihost/internal/config"
	"github.com/basket/kaihost/internal/datastore"
	"github.com/basket/kaihost/internal/extension"
	otelPkg "github.com/basket/kaihost/internal/otel"
	"github.com/basket/kaihost/internal/persistence"
	"github.com/basket/kaihost/internal/registry"
	"github.com/basket/kaihost/internal/resolver"
	"github.com/basket/kaihost/internal/runtime/luavm"
	"github.com/basket/kaihost/internal/runtime/wasm"
	"github.com/basket/kaihost/internal/surface"
	"github.com/basket/kaihost/internal/telemetry"
	"github.com/basket/kaihost/internal/validator"
)

// app is one headless host session: every component a command may need,
// opened in dependency order and closed in reverse.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	bus      *bus.Bus
	audit    *audit.Log
	otel     *otelPkg.Provider
	metrics  *otelPkg.Metrics
	store    *persistence.Store
	data     *datastore.Store
	loop     *surface.Loop
	chrome   *surface.Headless
	valid    *validator.Validator
	wasm     *wasm.Runtime
	resolver *resolver.Resolver
	registry *registry.Registry

	stopLoop context.CancelFunc
	closers  []func()
}

type appOptions struct {
	home  string
	quiet bool
	// load restores the extension catalog and activates enabled entries.
	load bool
}

func loadConfig(home string) (config.Config, error) {
	if home == "" {
		return config.Load()
	}
	return config.LoadFrom(home)
}

// startupError tags a start-up failure with a stable code for the logs.
type startupError struct {
	code string
	err  error
}

func (e *startupError) Error() string { return e.code + ": " + e.err.Error() }
func (e *startupError) Unwrap() error { return e.err }

func fail(code string, err error) error { return &startupError{code: code, err: err} }

func openApp(ctx context.Context, opts appOptions) (a *app, err error) {
	cfg, err := loadConfig(opts.home)
	if err != nil {
		return nil, fail("E_CONFIG_LOAD", err)
	}
	a = &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.close()
			a = nil
		}
	}()

	// Audit comes before the logger so logger failures are still audited.
	a.audit, err = audit.Open(cfg.HomeDir)
	if err != nil {
		return a, fail("E_AUDIT_INIT", err)
	}
	a.onClose(func() { _ = a.audit.Close() })

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, opts.quiet)
	if err != nil {
		return a, fail("E_LOGGER_INIT", err)
	}
	a.onClose(func() { _ = closer.Close() })
	a.logger = logger
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	a.bus = bus.New()

	a.otel, err = otelPkg.Init(ctx, cfg.OTel, otelPkg.HostFromConfig(cfg, Version))
	if err != nil {
		return a, fail("E_OTEL_INIT", err)
	}
	if a.otel.Enabled() {
		logger.Info("startup phase", "phase", "telemetry_enabled", "exporter", cfg.OTel.Exporter, "resource", a.otel.Resource.String())
	}
	a.onClose(func() { _ = a.otel.Shutdown(context.Background()) })
	a.metrics, err = otelPkg.NewMetrics(a.otel.Meter)
	if err != nil {
		return a, fail("E_OTEL_METRICS", err)
	}

	a.store, err = persistence.Open(cfg.DBPath(), a.bus)
	if err != nil {
		return a, fail("E_STORE_OPEN", err)
	}
	a.onClose(func() { _ = a.store.Close() })
	a.audit.SetDB(a.store.DB())
	logger.Info("startup phase", "phase", "schema_migrated")

	a.data, err = datastore.New(cfg.DataDir(), logger)
	if err != nil {
		return a, fail("E_DATASTORE_INIT", err)
	}

	loopCtx, stopLoop := context.WithCancel(context.WithoutCancel(ctx))
	a.loop = surface.NewLoop(logger)
	a.loop.Start(loopCtx)
	a.stopLoop = stopLoop
	a.chrome = surface.NewHeadless(a.loop, logger)

	a.valid = validator.New(ctx, validator.Config{ReservedNames: cfg.Validator.ReservedNames, Logger: logger})
	a.onClose(func() { _ = a.valid.Close(context.Background()) })

	invokeTimeout := time.Duration(cfg.Extensions.InvokeTimeoutSeconds) * time.Second
	a.wasm, err = wasm.New(ctx, wasm.Options{
		MemoryLimitPages: uint32(cfg.Extensions.WASMMemoryLimitPages),
		InvokeTimeout:    invokeTimeout,
		Logger:           logger,
	})
	if err != nil {
		return a, fail("E_WASM_INIT", err)
	}
	a.onClose(func() { _ = a.wasm.Close(context.Background()) })

	a.resolver, err = resolver.FromConfig(cfg, a.store, a.metrics, logger)
	if err != nil {
		return a, fail("E_RESOLVER_INIT", err)
	}

	a.registry, err = registry.New(registry.Config{
		Dir:       cfg.ExtensionsDir(),
		Validator: a.valid,
		Runtimes: []extension.Runtime{
			luavm.New(luavm.Options{CallTimeout: invokeTimeout, Logger: logger}),
			a.wasm,
		},
		Chrome:     a.chrome,
		Loop:       a.loop,
		Data:       a.data,
		SearchPath: a.resolver.SearchPath,
		Bus:        a.bus,
		Audit:      a.audit,
		Metrics:    a.metrics,
		Tracer:     a.otel.Tracer,
		Logger:     logger,
	})
	if err != nil {
		return a, fail("E_REGISTRY_INIT", err)
	}
	a.onClose(func() { a.registry.Shutdown(context.Background()) })

	if opts.load {
		if err := a.registry.Load(ctx); err != nil {
			return a, fail("E_CATALOG_LOAD", err)
		}
		logger.Info("startup phase", "phase", "catalog_loaded")
	}
	return a, nil
}

func (a *app) onClose(fn func()) { a.closers = append(a.closers, fn) }

// close releases everything in reverse order. The surface loop stops after
// the registry has deactivated its extensions.
func (a *app) close() {
	if a == nil {
		return
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	if a.stopLoop != nil {
		a.stopLoop()
		a.loop.Wait()
		a.stopLoop = nil
	}
}

// printErr writes err to w and returns the generic failure exit code.
func printErr(w io.Writer, prefix string, err error) int {
	fmt.Fprintf(w, "%s: %v\n", prefix, err)
	return 1
}
