package registry_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/kaihost/internal/bus"
	"github.com/basket/kaihost/internal/datastore"
	"github.com/basket/kaihost/internal/extension"
	"github.com/basket/kaihost/internal/registry"
	"github.com/basket/kaihost/internal/runtime/luavm"
	"github.com/basket/kaihost/internal/surface"
	"github.com/basket/kaihost/internal/validator"
)

const clockSource = `
ClockExtension = {}
function ClockExtension:activate(host)
  local doc = host.data.load()
  doc.count = (doc.count or 0) + 1
  host.data.save(doc)
  host.toolbar.add_button("Clock", function()
    host.notify("info", "tick")
  end)
end
`

type fixture struct {
	dir    string
	depDir string
	reg    *registry.Registry
	chrome *surface.Headless
	data   *datastore.Store
	bus    *bus.Bus
}

func newFixture(t *testing.T, dir string, loop *surface.Loop) *fixture {
	t.Helper()
	return newFixtureWithChrome(t, dir, loop, nil)
}

// newFixtureWithChrome lets a test wrap the headless chrome the registry sees.
func newFixtureWithChrome(t *testing.T, dir string, loop *surface.Loop, wrap func(surface.Chrome) surface.Chrome) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	v := validator.New(context.Background(), validator.Config{Logger: logger})
	t.Cleanup(func() { _ = v.Close(context.Background()) })
	data, err := datastore.New(filepath.Join(dir, "data"), logger)
	if err != nil {
		t.Fatalf("datastore: %v", err)
	}
	f := &fixture{
		dir:    dir,
		depDir: filepath.Join(dir, "dependencies"),
		chrome: surface.NewHeadless(loop, logger),
		data:   data,
		bus:    bus.New(),
	}
	var chrome surface.Chrome = f.chrome
	if wrap != nil {
		chrome = wrap(f.chrome)
	}
	reg, err := registry.New(registry.Config{
		Dir:        filepath.Join(dir, "extensions"),
		Validator:  v,
		Runtimes:   []extension.Runtime{luavm.New(luavm.Options{CallTimeout: time.Second, Logger: logger})},
		Chrome:     chrome,
		Loop:       loop,
		Data:       data,
		SearchPath: func() []string { return []string{f.depDir} },
		Bus:        f.bus,
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(func() { reg.Shutdown(context.Background()) })
	f.reg = reg
	return f
}

func (f *fixture) install(t *testing.T, file, code string) (string, error) {
	t.Helper()
	return f.reg.Install(context.Background(), extension.NewSourceUnit(file, []byte(code)), extension.OriginManual)
}

func startLoop(t *testing.T) *surface.Loop {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	loop := surface.NewLoop(nil)
	loop.Start(ctx)
	t.Cleanup(func() {
		cancel()
		loop.Wait()
	})
	return loop
}

func goroutineID() uint64 {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	buf = bytes.TrimPrefix(buf, []byte("goroutine "))
	if i := bytes.IndexByte(buf, ' '); i >= 0 {
		buf = buf[:i]
	}
	id, _ := strconv.ParseUint(string(buf), 10, 64)
	return id
}

// threadChrome records the goroutine each toolbar change runs on.
type threadChrome struct {
	surface.Chrome
	mu      sync.Mutex
	adds    []uint64
	removes []uint64
}

func (c *threadChrome) AddToolbarButton(owner, label string, onClick func()) (surface.ButtonID, error) {
	c.mu.Lock()
	c.adds = append(c.adds, goroutineID())
	c.mu.Unlock()
	return c.Chrome.AddToolbarButton(owner, label, onClick)
}

func (c *threadChrome) RemoveToolbarButton(id surface.ButtonID) {
	c.mu.Lock()
	c.removes = append(c.removes, goroutineID())
	c.mu.Unlock()
	c.Chrome.RemoveToolbarButton(id)
}

func waitFor(t *testing.T, sub *bus.Subscription, topic string) bus.ExtensionEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-sub.Ch():
			if ev.Topic == topic {
				return ev.Payload.(bus.ExtensionEvent)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", topic)
		}
	}
}

func TestInstall_IdempotentAndVersioned(t *testing.T) {
	f := newFixture(t, t.TempDir(), nil)

	id, err := f.install(t, "clock.lua", clockSource)
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	if id != "clock" {
		t.Fatalf("expected id clock, got %q", id)
	}
	again, err := f.install(t, "clock.lua", clockSource)
	if err != nil || again != id {
		t.Fatalf("re-install: id=%q err=%v", again, err)
	}
	recs := f.reg.List()
	if len(recs) != 1 || recs[0].Version != 1 || !recs[0].Enabled {
		t.Fatalf("unexpected catalog %+v", recs)
	}
	if len(f.chrome.Buttons()) != 1 {
		t.Fatalf("expected one mounted button, got %+v", f.chrome.Buttons())
	}

	if _, err := f.install(t, "clock.lua", clockSource+"\n-- v2\n"); err != nil {
		t.Fatalf("update: %v", err)
	}
	rec, err := f.reg.Get("clock")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Version != 2 || rec.InstalledAt.IsZero() || !strings.Contains(string(rec.Source), "-- v2") {
		t.Fatalf("unexpected record after update %+v", rec)
	}
	if len(f.chrome.Buttons()) != 1 {
		t.Fatalf("old activation's button should be gone, got %+v", f.chrome.Buttons())
	}
	if _, err := os.Stat(filepath.Join(f.reg.ModulesDir(), "clock.lua")); err != nil {
		t.Fatalf("source not persisted: %v", err)
	}
	if _, err := os.Stat(filepath.Join(f.dir, "extensions", "extensions.yaml")); err != nil {
		t.Fatalf("preferences not persisted: %v", err)
	}
}

func TestInstall_MisspelledActivateLeavesCatalogEmpty(t *testing.T) {
	f := newFixture(t, t.TempDir(), nil)
	code := `
ClockExtension = {}
function ClockExtension:activte(host)
end
`
	_, err := f.install(t, "clock.lua", code)
	var ve *extension.ValidationError
	if !errors.As(err, &ve) || ve.Rule != extension.RuleNoEntryPoint {
		t.Fatalf("expected no-entry-point validation error, got %v", err)
	}
	if len(f.reg.List()) != 0 {
		t.Fatalf("expected empty catalog, got %+v", f.reg.List())
	}
	entries, _ := os.ReadDir(f.reg.ModulesDir())
	if len(entries) != 0 {
		t.Fatalf("rejected source must not be written, found %d files", len(entries))
	}
}

func TestInstall_ActivationFailureIsPersistedDisabled(t *testing.T) {
	f := newFixture(t, t.TempDir(), nil)
	id, err := f.install(t, "broken.lua", `function activate(host) error("boom") end`)
	var ae *extension.ActivationError
	if !errors.As(err, &ae) {
		t.Fatalf("expected activation error, got %v", err)
	}
	if id != "broken" {
		t.Fatalf("expected id even on activation failure, got %q", id)
	}
	rec, err := f.reg.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Enabled || !strings.Contains(rec.LastError, "boom") {
		t.Fatalf("expected disabled record with error, got %+v", rec)
	}
	if f.reg.Active(id) {
		t.Fatalf("failed extension must not be active")
	}
}

func TestInstall_RunawayActivateTimesOut(t *testing.T) {
	f := newFixture(t, t.TempDir(), nil)
	_, err := f.install(t, "spin.lua", `function activate(host) while true do end end`)
	var ae *extension.ActivationError
	if !errors.As(err, &ae) || ae.Reason != extension.FaultTimeout {
		t.Fatalf("expected timeout activation error, got %v", err)
	}
}

func TestDisableEnable_PreservesData(t *testing.T) {
	f := newFixture(t, t.TempDir(), nil)
	ctx := context.Background()
	if _, err := f.install(t, "clock.lua", clockSource); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := f.reg.Disable(ctx, "clock"); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if len(f.chrome.Buttons()) != 0 {
		t.Fatalf("disable must remove buttons, got %+v", f.chrome.Buttons())
	}
	if doc := f.data.Load("clock"); doc["count"] != float64(1) {
		t.Fatalf("data lost on disable: %+v", doc)
	}
	if err := f.reg.Enable(ctx, "clock"); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if doc := f.data.Load("clock"); doc["count"] != float64(2) {
		t.Fatalf("expected count to continue from saved data, got %+v", doc)
	}
	if len(f.chrome.Buttons()) != 1 {
		t.Fatalf("expected button re-mounted, got %+v", f.chrome.Buttons())
	}
	if err := f.reg.Disable(ctx, "missing"); !errors.Is(err, extension.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRemove_DestroysDataAndSource(t *testing.T) {
	f := newFixture(t, t.TempDir(), nil)
	sub := f.bus.Subscribe("extension.")
	defer f.bus.Unsubscribe(sub)
	if _, err := f.install(t, "clock.lua", clockSource); err != nil {
		t.Fatalf("install: %v", err)
	}
	if !f.data.Exists("clock") {
		t.Fatalf("expected saved data before removal")
	}
	if err := f.reg.Remove(context.Background(), "clock"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	waitFor(t, sub, bus.TopicExtensionRemoved)
	if f.data.Exists("clock") {
		t.Fatalf("remove must destroy the data namespace")
	}
	if _, err := os.Stat(filepath.Join(f.reg.ModulesDir(), "clock.lua")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("remove must delete the source file, stat err=%v", err)
	}
	if _, err := f.reg.Get("clock"); !errors.Is(err, extension.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after removal, got %v", err)
	}
	if len(f.chrome.Buttons()) != 0 {
		t.Fatalf("remove must unmount buttons")
	}
}

func TestCallbackFault_DisablesExtension(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	loop := surface.NewLoop(nil)
	loop.Start(ctx)
	t.Cleanup(func() {
		cancel()
		loop.Wait()
	})
	f := newFixture(t, t.TempDir(), loop)
	sub := f.bus.Subscribe("extension.faulted")
	defer f.bus.Unsubscribe(sub)

	code := `
function activate(host)
  host.toolbar.add_button("Boom", function() error("kaboom") end)
end
`
	if _, err := f.install(t, "boom.lua", code); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := f.chrome.Click(context.Background(), "boom", "Boom"); err != nil {
		t.Fatalf("click: %v", err)
	}
	ev := waitFor(t, sub, bus.TopicExtensionFaulted)
	if ev.ID != "boom" || !strings.Contains(ev.Error, "kaboom") {
		t.Fatalf("unexpected fault event %+v", ev)
	}
	rec, _ := f.reg.Get("boom")
	if rec.Enabled || rec.LastError == "" {
		t.Fatalf("expected faulted extension disabled, got %+v", rec)
	}
	if len(f.chrome.Buttons()) != 0 {
		t.Fatalf("faulted extension's buttons must be removed")
	}
}

func TestSurfaceChanges_RunOnTheUILoop(t *testing.T) {
	loop := startLoop(t)
	var loopID uint64
	if err := loop.Do(context.Background(), func() { loopID = goroutineID() }); err != nil {
		t.Fatalf("loop: %v", err)
	}
	rec := &threadChrome{}
	f := newFixtureWithChrome(t, t.TempDir(), loop, func(c surface.Chrome) surface.Chrome {
		rec.Chrome = c
		return rec
	})
	ctx := context.Background()

	if _, err := f.install(t, "clock.lua", clockSource); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := f.reg.Disable(ctx, "clock"); err != nil {
		t.Fatalf("disable: %v", err)
	}
	// A button mounted before activate fails is removed as well.
	failing := `
function activate(host)
  host.toolbar.add_button("Half", function() end)
  error("late failure")
end
`
	if _, err := f.install(t, "half.lua", failing); err == nil {
		t.Fatalf("expected activation error")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.adds) != 2 || len(rec.removes) != 2 {
		t.Fatalf("expected 2 adds and 2 removes, got adds=%v removes=%v", rec.adds, rec.removes)
	}
	for _, id := range append(append([]uint64(nil), rec.adds...), rec.removes...) {
		if id != loopID {
			t.Fatalf("toolbar change on goroutine %d, loop is %d (adds=%v removes=%v)", id, loopID, rec.adds, rec.removes)
		}
	}
	if len(f.chrome.Buttons()) != 0 {
		t.Fatalf("expected no buttons left, got %+v", f.chrome.Buttons())
	}
}

func TestLifecycle_ConcurrentMutationsOnOneID(t *testing.T) {
	f := newFixture(t, t.TempDir(), startLoop(t))
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				var err error
				switch (w + i) % 4 {
				case 0:
					_, err = f.install(t, "clock.lua", clockSource)
				case 1:
					err = f.reg.Disable(ctx, "clock")
				case 2:
					err = f.reg.Enable(ctx, "clock")
				case 3:
					err = f.reg.Remove(ctx, "clock")
				}
				if err != nil && !errors.Is(err, extension.ErrNotFound) {
					errs <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("unexpected error: %v", err)
	}

	recs := f.reg.List()
	if len(recs) > 1 {
		t.Fatalf("expected at most one catalog entry, got %+v", recs)
	}
	wantButtons := 0
	if f.reg.Active("clock") {
		wantButtons = 1
		if len(recs) != 1 || !recs[0].Enabled {
			t.Fatalf("live extension must have an enabled entry, got %+v", recs)
		}
	}
	if got := len(f.chrome.Buttons()); got != wantButtons {
		t.Fatalf("expected %d mounted buttons, got %d", wantButtons, got)
	}
}

type dirResolver struct {
	dir   string
	calls int
}

func (d *dirResolver) Resolve(ctx context.Context, pkg string) error {
	d.calls++
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(d.dir, pkg+".lua"), []byte(`return { encode = function() return "{}" end }`), 0o644)
}

func TestInstall_WithDependencyResolution(t *testing.T) {
	code := `
local json = require("dkjson")
function activate(host)
  host.notify("info", json.encode({}))
end
`
	t.Run("without resolution", func(t *testing.T) {
		f := newFixture(t, t.TempDir(), nil)
		_, err := f.install(t, "exporter.lua", code)
		ie, ok := extension.AsImportError(err)
		if !ok || ie.Package != "dkjson" {
			t.Fatalf("expected dkjson import error, got %v", err)
		}
	})
	t.Run("with resolution", func(t *testing.T) {
		f := newFixture(t, t.TempDir(), nil)
		res := &dirResolver{dir: f.depDir}
		_, err := f.reg.Install(context.Background(), extension.NewSourceUnit("exporter.lua", []byte(code)),
			extension.OriginManual, registry.WithDependencyResolution(res))
		if err != nil {
			t.Fatalf("install: %v", err)
		}
		if res.calls != 1 {
			t.Fatalf("expected one resolve, got %d", res.calls)
		}
		if notes := f.chrome.Notifications(); len(notes) != 1 || notes[0].Msg != "{}" {
			t.Fatalf("unexpected notifications %+v", notes)
		}
	})
}

func TestLoad_RestoresCatalogAndAdoptsDroppedFiles(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	first := newFixture(t, dir, nil)
	if _, err := first.install(t, "clock.lua", clockSource); err != nil {
		t.Fatalf("install clock: %v", err)
	}
	if _, err := first.install(t, "quiet.lua", `function activate(host) end`); err != nil {
		t.Fatalf("install quiet: %v", err)
	}
	if err := first.reg.Disable(ctx, "quiet"); err != nil {
		t.Fatalf("disable: %v", err)
	}
	first.reg.Shutdown(ctx)
	if err := os.WriteFile(filepath.Join(first.reg.ModulesDir(), "dropped.lua"), []byte(`function activate(host) end`), 0o644); err != nil {
		t.Fatalf("drop file: %v", err)
	}

	second := newFixture(t, dir, nil)
	if err := second.reg.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	recs := second.reg.List()
	if len(recs) != 3 {
		t.Fatalf("expected three records, got %+v", recs)
	}
	if recs[0].ID != "clock" || recs[1].ID != "quiet" || recs[2].ID != "dropped" {
		t.Fatalf("unexpected order %+v", recs)
	}
	if !second.reg.Active("clock") || second.reg.Active("quiet") || !second.reg.Active("dropped") {
		t.Fatalf("unexpected activation state after load")
	}
	if recs[2].Origin != extension.OriginDisk {
		t.Fatalf("expected dropped file origin disk, got %q", recs[2].Origin)
	}
	if len(second.chrome.Buttons()) != 1 {
		t.Fatalf("expected restored clock button, got %+v", second.chrome.Buttons())
	}
}

func TestLoad_BrokenExtensionDoesNotAbortStartup(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	first := newFixture(t, dir, nil)
	if _, err := first.install(t, "flaky.lua", `function activate(host) end`); err != nil {
		t.Fatalf("install: %v", err)
	}
	first.reg.Shutdown(ctx)
	if err := os.WriteFile(filepath.Join(first.reg.ModulesDir(), "flaky.lua"), []byte(`function activate(host) error("bad start") end`), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	second := newFixture(t, dir, nil)
	if err := second.reg.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	rec, err := second.reg.Get("flaky")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Enabled || !strings.Contains(rec.LastError, "bad start") || rec.Version != 2 {
		t.Fatalf("expected disabled, version-bumped record, got %+v", rec)
	}
}

func TestReload_PicksUpSourceFromDisk(t *testing.T) {
	f := newFixture(t, t.TempDir(), nil)
	ctx := context.Background()
	if _, err := f.install(t, "greeter.lua", `function activate(host) host.notify("info", "v1") end`); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := os.WriteFile(filepath.Join(f.reg.ModulesDir(), "greeter.lua"), []byte(`function activate(host) host.notify("info", "v2") end`), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if err := f.reg.Reload(ctx, "greeter"); err != nil {
		t.Fatalf("reload: %v", err)
	}
	notes := f.chrome.Notifications()
	if len(notes) != 2 || notes[1].Msg != "v2" {
		t.Fatalf("unexpected notifications %+v", notes)
	}
	rec, _ := f.reg.Get("greeter")
	if rec.Version != 2 {
		t.Fatalf("expected version 2, got %d", rec.Version)
	}
}

func TestWatch_ReloadsChangedSource(t *testing.T) {
	f := newFixture(t, t.TempDir(), nil)
	sub := f.bus.Subscribe("extension.reloaded")
	defer f.bus.Unsubscribe(sub)
	if _, err := f.install(t, "greeter.lua", `function activate(host) host.notify("info", "v1") end`); err != nil {
		t.Fatalf("install: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := f.reg.Watch(ctx, 20*time.Millisecond); err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := os.WriteFile(filepath.Join(f.reg.ModulesDir(), "greeter.lua"), []byte(`function activate(host) host.notify("info", "v2") end`), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	ev := waitFor(t, sub, bus.TopicExtensionReloaded)
	if ev.ID != "greeter" || ev.Version != 2 || !ev.Enabled {
		t.Fatalf("unexpected reload event %+v", ev)
	}
	cancel()
}
