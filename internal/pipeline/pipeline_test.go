package pipeline_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/basket/kaihost/internal/bus"
	"github.com/basket/kaihost/internal/datastore"
	"github.com/basket/kaihost/internal/extension"
	"github.com/basket/kaihost/internal/persistence"
	"github.com/basket/kaihost/internal/pipeline"
	"github.com/basket/kaihost/internal/provider"
	"github.com/basket/kaihost/internal/registry"
	"github.com/basket/kaihost/internal/resolver"
	"github.com/basket/kaihost/internal/runtime/luavm"
	"github.com/basket/kaihost/internal/runtime/wasm"
	"github.com/basket/kaihost/internal/runtime/wasm/wasmtest"
	"github.com/basket/kaihost/internal/surface"
	"github.com/basket/kaihost/internal/validator"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	needsSocket = "[CHAT]Uses sockets.[/CHAT]\n[CODE]\nlocal socket = require(\"socket\")\nfunction activate(host)\n  host.notify(\"info\", \"net\")\nend\n[/CODE]\n[REQUIREMENTS]\nNo installation needed\n[/REQUIREMENTS]"
	counterReply = "[CHAT]A counter.[/CHAT]\n[CODE]\n```lua\nCounterExtension = {}\nfunction CounterExtension:activate(host)\n  local doc = host.data.load()\n  host.toolbar.add_button(\"Count\", function()\n    doc.count = (doc.count or 0) + 1\n    host.data.save(doc)\n  end)\nend\n```\n[/CODE]\n[REQUIREMENTS]\nNo installation needed\n[/REQUIREMENTS]"
	misspelled   = "[CODE]\nfunction activte(host) end\n[/CODE]"
	greeter      = "[CODE]\nfunction activate(host)\n  host.notify(\"info\", \"hi\")\nend\n[/CODE]"
	usesDkjson   = "[CODE]\nlocal json = require(\"dkjson\")\nfunction activate(host)\n  host.notify(\"info\", json.encode({}))\nend\n[/CODE]\n[REQUIREMENTS]\nluarocks install dkjson\n[/REQUIREMENTS]"
)

type fixture struct {
	dir      string
	reg      *registry.Registry
	resolver *resolver.Resolver
	store    *persistence.Store
	chrome   *surface.Headless
	bus      *bus.Bus
	logger   *slog.Logger
	val      *validator.Validator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{dir: dir, bus: bus.New(), logger: logger}

	store, err := persistence.Open(filepath.Join(dir, "kaihost.db"), f.bus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	f.store = store

	mirror := filepath.Join(dir, "mirror")
	if err := os.MkdirAll(mirror, 0o755); err != nil {
		t.Fatalf("mkdir mirror: %v", err)
	}
	if err := os.WriteFile(filepath.Join(mirror, "dkjson.lua"), []byte(`return { encode = function(t) return "{}" end }`), 0o644); err != nil {
		t.Fatalf("write mirror: %v", err)
	}
	res, err := resolver.New(resolver.Config{
		Allow:         []string{"dkjson"},
		SystemCommand: "luarocks install {pkg}",
		Dir:           filepath.Join(dir, "dependencies"),
		Source:        resolver.NewDirSource(mirror),
		Logger:        logger,
	})
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	f.resolver = res

	f.val = validator.New(context.Background(), validator.Config{Logger: logger})
	t.Cleanup(func() { _ = f.val.Close(context.Background()) })
	data, err := datastore.New(filepath.Join(dir, "data"), logger)
	if err != nil {
		t.Fatalf("datastore: %v", err)
	}
	f.chrome = surface.NewHeadless(nil, logger)
	wasmRT, err := wasm.New(context.Background(), wasm.Options{Logger: logger})
	if err != nil {
		t.Fatalf("wasm runtime: %v", err)
	}
	t.Cleanup(func() { _ = wasmRT.Close(context.Background()) })
	reg, err := registry.New(registry.Config{
		Dir:       filepath.Join(dir, "extensions"),
		Validator: f.val,
		Runtimes: []extension.Runtime{
			luavm.New(luavm.Options{CallTimeout: time.Second, Logger: logger}),
			wasmRT,
		},
		Chrome:     f.chrome,
		Data:       data,
		SearchPath: res.SearchPath,
		Bus:        f.bus,
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	t.Cleanup(func() { reg.Shutdown(context.Background()) })
	f.reg = reg
	return f
}

func (f *fixture) pipeline(t *testing.T, p provider.Provider, timeout time.Duration) *pipeline.Pipeline {
	t.Helper()
	pl, err := pipeline.New(pipeline.Config{
		Provider:        p,
		Validator:       f.val,
		Registry:        f.reg,
		Resolver:        f.resolver,
		Store:           f.store,
		ProviderTimeout: timeout,
		Bus:             f.bus,
		Logger:          f.logger,
	})
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	t.Cleanup(func() { _ = pl.Shutdown(context.Background()) })
	return pl
}

// script answers each provider call with the next reply; the last one repeats.
type script struct {
	mu      sync.Mutex
	replies []string
	prompts []provider.Prompt
}

func (s *script) Generate(_ context.Context, p provider.Prompt) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, p)
	i := len(s.prompts) - 1
	if i >= len(s.replies) {
		i = len(s.replies) - 1
	}
	return s.replies[i], nil
}

func (s *script) Model() string { return "script" }

func (s *script) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prompts)
}

func states(ss ...pipeline.State) []pipeline.State { return ss }

func TestRun_TwoRepairsThenInstalled(t *testing.T) {
	f := newFixture(t)
	prov := &script{replies: []string{needsSocket, needsSocket, counterReply}}
	pl := f.pipeline(t, prov, time.Second)

	res := pl.Run(context.Background(), pipeline.Request{Prompt: "count clicks", Name: "counter"})
	if res.State != pipeline.Installed {
		t.Fatalf("state = %s, err = %v", res.State, res.Err)
	}
	want := states(
		pipeline.Drafting, pipeline.Validating, pipeline.Activating, pipeline.Repairing,
		pipeline.Drafting, pipeline.Validating, pipeline.Activating, pipeline.Repairing,
		pipeline.Drafting, pipeline.Validating, pipeline.Activating, pipeline.Installed,
	)
	if !reflect.DeepEqual(res.States, want) {
		t.Fatalf("states = %v", res.States)
	}
	if res.Repairs != 2 {
		t.Fatalf("repairs = %d, want 2", res.Repairs)
	}
	if res.ExtensionID != "counter" || !f.reg.Active("counter") {
		t.Fatalf("extension not active: %+v", res)
	}
	if res.Chat != "A counter." {
		t.Fatalf("chat = %q", res.Chat)
	}

	// The repair prompt carries the previous failure and candidate.
	second := prov.prompts[1].User
	if !containsAll(second, "FIXING", `require("socket")`, "luarocks install socket") {
		t.Fatalf("repair prompt lacks failure context:\n%s", second)
	}

	events, err := f.store.ListGenerationEvents(context.Background(), res.RequestID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != len(want) {
		t.Fatalf("persisted %d events, want %d", len(events), len(want))
	}
	for i, ev := range events {
		if ev.To != string(want[i]) {
			t.Fatalf("event %d to = %s, want %s", i, ev.To, want[i])
		}
	}
	req, err := f.store.GetGenerationRequest(context.Background(), res.RequestID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if req.Outcome != persistence.GenerationInstalled || req.Repairs != 2 || req.ExtensionID != "counter" {
		t.Fatalf("persisted request = %+v", req)
	}
	attempts, err := f.store.ListGenerationAttempts(context.Background(), res.RequestID)
	if err != nil || len(attempts) != 3 {
		t.Fatalf("attempts = %+v, err = %v", attempts, err)
	}
	if attempts[0].Failure == "" || attempts[2].Failure != "" {
		t.Fatalf("unexpected attempt failures %+v", attempts)
	}
	for i, a := range attempts {
		if a.Attempt != i {
			t.Fatalf("attempt %d persisted with index %d, want 0-based indices", i, a.Attempt)
		}
	}
}

func TestRun_RepairCapAbandons(t *testing.T) {
	f := newFixture(t)
	prov := &script{replies: []string{misspelled}}
	pl := f.pipeline(t, prov, time.Second)

	res := pl.Run(context.Background(), pipeline.Request{Prompt: "anything"})
	if res.State != pipeline.Abandoned {
		t.Fatalf("state = %s", res.State)
	}
	if res.Repairs != pipeline.MaxRepairs || prov.calls() != pipeline.MaxRepairs {
		t.Fatalf("repairs = %d, calls = %d", res.Repairs, prov.calls())
	}
	var ve *extension.ValidationError
	if !errors.As(res.Err, &ve) || ve.Rule != extension.RuleNoEntryPoint {
		t.Fatalf("expected the validation failure verbatim, got %v", res.Err)
	}
	last := res.States[len(res.States)-2:]
	if !reflect.DeepEqual(last, states(pipeline.Repairing, pipeline.Abandoned)) {
		t.Fatalf("states = %v", res.States)
	}
	if len(f.reg.List()) != 0 {
		t.Fatalf("catalog should be empty, got %+v", f.reg.List())
	}
}

func TestRun_InvalidCredentialAbandonsImmediately(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	prov := provider.Func(func(context.Context, provider.Prompt) (string, error) {
		calls.Add(1)
		return "", errors.New("401 Unauthorized: invalid api key")
	})
	pl := f.pipeline(t, prov, time.Second)

	res := pl.Run(context.Background(), pipeline.Request{Prompt: "anything"})
	if !reflect.DeepEqual(res.States, states(pipeline.Drafting, pipeline.Abandoned)) {
		t.Fatalf("states = %v", res.States)
	}
	if res.Repairs != 0 || calls.Load() != 1 {
		t.Fatalf("repairs = %d, calls = %d", res.Repairs, calls.Load())
	}
	if provider.Kind(res.Err) != extension.ProviderInvalidCredential {
		t.Fatalf("err = %v", res.Err)
	}
}

func TestRun_ProviderTimeoutConsumesRepairs(t *testing.T) {
	f := newFixture(t)
	prov := provider.Func(func(ctx context.Context, _ provider.Prompt) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	pl := f.pipeline(t, prov, 30*time.Millisecond)

	res := pl.Run(context.Background(), pipeline.Request{Prompt: "anything"})
	want := states(
		pipeline.Drafting, pipeline.Repairing,
		pipeline.Drafting, pipeline.Repairing,
		pipeline.Drafting, pipeline.Repairing, pipeline.Abandoned,
	)
	if !reflect.DeepEqual(res.States, want) {
		t.Fatalf("states = %v", res.States)
	}
	if provider.Kind(res.Err) != extension.ProviderTimeout {
		t.Fatalf("err = %v", res.Err)
	}
}

func TestRun_ResolvesDeclaredRequirement(t *testing.T) {
	f := newFixture(t)
	pl := f.pipeline(t, provider.Static{Reply: usesDkjson}, time.Second)

	res := pl.Run(context.Background(), pipeline.Request{Prompt: "export json", Name: "exporter"})
	if res.State != pipeline.Installed || res.Repairs != 0 {
		t.Fatalf("state = %s, repairs = %d, err = %v", res.State, res.Repairs, res.Err)
	}
	if !reflect.DeepEqual(res.Packages, []string{"dkjson"}) {
		t.Fatalf("packages = %v", res.Packages)
	}
	if !f.resolver.Installed("dkjson") {
		t.Fatal("dkjson should be installed into the isolated directory")
	}
}

func TestRun_AbandonRemovesCreatedEntry(t *testing.T) {
	f := newFixture(t)
	pl := f.pipeline(t, provider.Static{Reply: needsSocket}, time.Second)

	res := pl.Run(context.Background(), pipeline.Request{Prompt: "net", Name: "net_tool"})
	if res.State != pipeline.Abandoned {
		t.Fatalf("state = %s", res.State)
	}
	var de *extension.DependencyError
	if !errors.As(res.Err, &de) || de.Kind != extension.DependencySystemRequired || de.Remediation != "luarocks install socket" {
		t.Fatalf("expected system-required failure, got %v", res.Err)
	}
	if _, err := f.reg.Get("net_tool"); !errors.Is(err, extension.ErrNotFound) {
		t.Fatalf("abandoned entry should be rolled back, got %v", err)
	}
}

func TestRun_FixRestoresPreviousSourceOnAbandon(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	orig := "CounterExtension = {}\nfunction CounterExtension:activate(host)\n  host.toolbar.add_button(\"Count\", function() end)\nend\n"
	if _, err := f.reg.Install(ctx, extension.NewSourceUnit("counter.lua", []byte(orig)), extension.OriginManual); err != nil {
		t.Fatalf("install: %v", err)
	}
	before, _ := f.reg.Get("counter")

	prov := &script{replies: []string{needsSocket}}
	pl := f.pipeline(t, prov, time.Second)
	res := pl.Run(ctx, pipeline.Request{Prompt: "add networking", FixTarget: "counter"})
	if res.State != pipeline.Abandoned {
		t.Fatalf("state = %s", res.State)
	}
	if !containsAll(prov.prompts[0].User, "CounterExtension") {
		t.Fatalf("first prompt should carry the current source:\n%s", prov.prompts[0].User)
	}
	after, err := f.reg.Get("counter")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if after.Hash != before.Hash || !f.reg.Active("counter") || after.Origin != extension.OriginManual {
		t.Fatalf("previous source not restored: %+v", after)
	}
}

func TestRun_FreestandingCandidateNamedFromPrompt(t *testing.T) {
	f := newFixture(t)
	pl := f.pipeline(t, provider.Static{Reply: greeter}, time.Second)
	ctx := context.Background()

	first := pl.Run(ctx, pipeline.Request{Prompt: "Show a greeting, please"})
	if first.State != pipeline.Installed || first.ExtensionID != "show_a_greeting" {
		t.Fatalf("got %s %q, %v", first.State, first.ExtensionID, first.Err)
	}
	rec, err := f.reg.Get("show_a_greeting")
	if err != nil || rec.FileName != "show_a_greeting.lua" || !f.reg.Active("show_a_greeting") {
		t.Fatalf("record = %+v, err = %v", rec, err)
	}

	second := pl.Run(ctx, pipeline.Request{Prompt: "Show a greeting, please"})
	if second.State != pipeline.Installed || second.ExtensionID != "show_a_greeting_2" {
		t.Fatalf("a second request must not replace the first: got %s %q, %v", second.State, second.ExtensionID, second.Err)
	}
	if len(f.reg.List()) != 2 {
		t.Fatalf("expected two extensions, got %+v", f.reg.List())
	}
}

func TestRun_FixTargetMustBeLua(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.reg.Install(ctx, extension.NewSourceUnit("ticker.wasm", wasmtest.Activate()), extension.OriginManual); err != nil {
		t.Fatalf("install: %v", err)
	}
	before, _ := f.reg.Get("ticker")

	prov := &script{replies: []string{counterReply}}
	pl := f.pipeline(t, prov, time.Second)
	res := pl.Run(ctx, pipeline.Request{Prompt: "make it tick faster", FixTarget: "ticker"})
	if res.State != pipeline.Abandoned || res.Err == nil || !strings.Contains(res.Err.Error(), "only lua") {
		t.Fatalf("got %s, %v", res.State, res.Err)
	}
	if prov.calls() != 0 || len(res.States) != 0 {
		t.Fatalf("provider must not be called: calls = %d, states = %v", prov.calls(), res.States)
	}
	after, err := f.reg.Get("ticker")
	if err != nil || after.Hash != before.Hash || after.Kind != extension.KindWASM {
		t.Fatalf("wasm extension changed: %+v, %v", after, err)
	}
}

func TestRun_FixUnknownTarget(t *testing.T) {
	f := newFixture(t)
	pl := f.pipeline(t, provider.Static{Reply: counterReply}, time.Second)
	res := pl.Run(context.Background(), pipeline.Request{Prompt: "x", FixTarget: "missing"})
	if res.State != pipeline.Abandoned || !errors.Is(res.Err, extension.ErrNotFound) {
		t.Fatalf("got %s, %v", res.State, res.Err)
	}
	if len(res.States) != 0 {
		t.Fatalf("no state should be entered, got %v", res.States)
	}
}

func TestSubmit_CancelDiscardsLateReply(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	release := make(chan struct{})
	prov := provider.Func(func(ctx context.Context, _ provider.Prompt) (string, error) {
		close(started)
		<-release
		return counterReply, nil
	})
	pl := f.pipeline(t, prov, 10*time.Second)

	job := pl.Submit(context.Background(), pipeline.Request{Prompt: "count", Name: "counter"})
	<-started
	job.Cancel()
	res := <-job.Done()
	close(release)

	if res.State != pipeline.Abandoned || !errors.Is(res.Err, pipeline.ErrCancelled) {
		t.Fatalf("got %s, %v", res.State, res.Err)
	}
	if !reflect.DeepEqual(res.States, states(pipeline.Drafting, pipeline.Abandoned)) {
		t.Fatalf("states = %v", res.States)
	}
	if _, err := f.reg.Get("counter"); !errors.Is(err, extension.ErrNotFound) {
		t.Fatal("late reply must not be installed")
	}
}

func TestSubmit_CompletionCallback(t *testing.T) {
	f := newFixture(t)
	pl := f.pipeline(t, provider.Static{Reply: counterReply}, time.Second)
	sub := f.bus.Subscribe(bus.TopicGenerationCompleted)
	defer f.bus.Unsubscribe(sub)

	got := make(chan pipeline.Result, 1)
	job := pl.Submit(context.Background(), pipeline.Request{Prompt: "count"}, pipeline.OnComplete(func(r pipeline.Result) {
		got <- r
	}))
	res := <-job.Done()
	cb := <-got
	if res.RequestID != job.ID || cb.RequestID != job.ID {
		t.Fatalf("request ids %q %q, want %q", res.RequestID, cb.RequestID, job.ID)
	}
	if res.State != pipeline.Installed || res.ExtensionID != "counter" {
		t.Fatalf("got %s %q, %v", res.State, res.ExtensionID, res.Err)
	}
	select {
	case ev := <-sub.Ch():
		done, ok := ev.Payload.(bus.GenerationCompletedEvent)
		if !ok || done.Outcome != string(pipeline.Installed) {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no completion event")
	}
	if s := pl.Stats(); s.Total != 1 || s.Installed != 1 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := pipeline.New(pipeline.Config{}); err == nil {
		t.Fatal("expected error without provider")
	}
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
