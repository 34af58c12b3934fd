package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/kaihost/internal/bus"
	"github.com/basket/kaihost/internal/extension"
	"github.com/basket/kaihost/internal/otel"
	"github.com/basket/kaihost/internal/persistence"
	"github.com/basket/kaihost/internal/provider"
	"github.com/basket/kaihost/internal/registry"
	"github.com/basket/kaihost/internal/resolver"
	"github.com/basket/kaihost/internal/safety"
	"github.com/basket/kaihost/internal/shared"
)

// run is the mutable state of one request.
type run struct {
	p   *Pipeline
	ctx context.Context
	// bg outlives cancellation of ctx; bookkeeping and rollback use it.
	bg  context.Context
	req Request
	res Result

	state   State
	repairs int
	// attempt is the 0-based index of the current draft; -1 before the first.
	attempt int

	// fallbackName names candidates that declare no extension type.
	fallbackName string

	current   string
	candidate string
	unit      extension.SourceUnit
	lastErr   error
	deps      *resolver.Attempt

	// touched holds the catalog state of every id this chain installed,
	// as it was before the first install.
	touched map[string]*snapshot
	order   []string

	promptSize   int
	promptTokens int
	calls        int
}

type snapshot struct {
	existed bool
	rec     extension.Record
	source  []byte
}

var errNoCode = errors.New("model reply contained no code")

func (p *Pipeline) run(ctx context.Context, id string, req Request) Result {
	start := time.Now()
	ctx = shared.WithRequestID(ctx, id)
	ctx, span := otel.StartSpan(ctx, p.tracer, "pipeline.generate", otel.AttrRequestID.String(id))
	defer span.End()

	r := &run{
		p:       p,
		ctx:     ctx,
		bg:      context.WithoutCancel(ctx),
		req:     req,
		res:     Result{RequestID: id},
		attempt: -1,
		touched: map[string]*snapshot{},
	}
	if err := r.prepare(); err != nil {
		r.res.State = Abandoned
		r.res.Err = err
		r.res.Duration = time.Since(start)
		p.logger.Warn("generation request rejected", "request_id", id, "error", err)
		return r.res
	}
	if p.store != nil {
		if err := p.store.CreateGenerationRequest(r.bg, persistence.GenerationRequest{
			ID: id, Prompt: req.Prompt, Name: req.Name, FixTarget: req.FixTarget, State: string(Drafting),
		}); err != nil {
			p.logger.Warn("persist generation request failed", "request_id", id, "error", err)
		}
	}

	r.enter(Drafting, "")
	for !r.state.Terminal() {
		if r.ctx.Err() != nil {
			r.fail(ErrCancelled)
			r.enter(Abandoned, ErrCancelled.Error())
			break
		}
		switch r.state {
		case Drafting:
			r.draft()
		case Validating:
			r.validate()
		case Activating:
			r.activate()
		case Repairing:
			r.repair()
		}
	}

	if r.state == Abandoned {
		r.rollback()
		r.res.Err = r.lastErr
		span.RecordError(r.lastErr)
	}
	r.res.State = r.state
	r.res.Repairs = r.repairs
	r.res.Duration = time.Since(start)
	r.finish()
	return r.res
}

// prepare resolves the fix target and checks the requested name.
func (r *run) prepare() error {
	if strings.TrimSpace(r.req.Prompt) == "" && r.req.FixTarget == "" {
		return errors.New("generation prompt is empty")
	}
	if r.req.FixTarget != "" {
		rec, err := r.p.registry.Get(r.req.FixTarget)
		if err != nil {
			return err
		}
		if rec.Kind != extension.KindLua {
			return fmt.Errorf("%s is a %s extension: only lua extensions can be regenerated", rec.ID, rec.Kind)
		}
		code, err := os.ReadFile(filepath.Join(r.p.registry.ModulesDir(), rec.FileName))
		if err != nil {
			return fmt.Errorf("read source for %s: %w", rec.ID, err)
		}
		r.current = string(code)
		if r.req.Name == "" {
			r.req.Name = rec.ID
		}
		if r.req.Failure == "" {
			r.req.Failure = rec.LastError
		}
		if r.req.Prompt == "" {
			r.req.Prompt = "Fix the extension so it installs and activates cleanly."
		}
	}
	if r.req.Name != "" && !extension.ValidFileName(r.req.Name+".lua") {
		return &extension.ValidationError{
			Rule:   extension.RuleFileName,
			Detail: fmt.Sprintf("extension name %q must be lowercase letters, digits and underscores", r.req.Name),
		}
	}
	if r.req.Name == "" {
		r.fallbackName = r.freeName(extension.Slug(r.req.Prompt, 3))
	}
	return nil
}

// freeName returns base, suffixed with a number when an extension of that
// name already exists.
func (r *run) freeName(base string) string {
	if base == "" {
		return ""
	}
	name := base
	for i := 2; ; i++ {
		if _, err := r.p.registry.Get(name); err != nil {
			return name
		}
		name = fmt.Sprintf("%s_%d", base, i)
	}
}

// enter records a transition.
func (r *run) enter(to State, reason string) {
	from := r.state
	r.state = to
	r.res.States = append(r.res.States, to)
	r.p.logger.Debug("generation state", "request_id", r.res.RequestID, "from", from, "to", to, "repairs", r.repairs, "reason", reason)
	if r.p.store != nil {
		if err := r.p.store.TransitionGeneration(r.bg, r.res.RequestID, string(from), string(to), r.repairs, reason); err != nil {
			r.p.logger.Warn("persist generation transition failed", "request_id", r.res.RequestID, "error", err)
		}
		return
	}
	r.p.bus.Publish(bus.TopicGenerationState, bus.GenerationStateEvent{
		RequestID: r.res.RequestID, From: string(from), To: string(to), Repairs: r.repairs, Reason: reason,
	})
}

// fail remembers err as the failure surfaced if the request is abandoned.
func (r *run) fail(err error) {
	r.lastErr = err
	if r.p.store != nil && r.attempt >= 0 {
		if perr := r.p.store.RecordGenerationAttempt(r.bg, persistence.GenerationAttempt{
			RequestID: r.res.RequestID, Attempt: r.attempt, Failure: err.Error(),
		}); perr != nil {
			r.p.logger.Warn("persist generation attempt failed", "request_id", r.res.RequestID, "error", perr)
		}
	}
}

func (r *run) draft() {
	r.attempt++
	in := provider.PromptInput{Request: r.req.Prompt, Name: r.req.Name, CurrentCode: r.current}
	switch {
	case r.lastErr != nil:
		in.FailedCode = r.candidate
		in.Failure = r.lastErr.Error()
	case r.req.Failure != "":
		in.Failure = r.req.Failure
	}
	prompt := provider.BuildPrompt(in)
	r.promptSize += len(prompt.System) + len(prompt.User)
	r.promptTokens += provider.EstimateTokens(prompt)

	reply, err := r.generate(prompt)
	if err != nil {
		if errors.Is(err, ErrCancelled) {
			r.fail(ErrCancelled)
			r.enter(Abandoned, ErrCancelled.Error())
			return
		}
		r.fail(err)
		if provider.Kind(err) == extension.ProviderInvalidCredential {
			r.enter(Abandoned, err.Error())
			return
		}
		r.enter(Repairing, err.Error())
		return
	}

	parsed := provider.ParseResponse(reply)
	r.candidate = parsed.Code
	r.res.Chat = parsed.Chat
	r.res.Packages = parsed.Packages
	if r.p.store != nil {
		if err := r.p.store.RecordGenerationAttempt(r.bg, persistence.GenerationAttempt{
			RequestID: r.res.RequestID, Attempt: r.attempt, Source: r.candidate,
		}); err != nil {
			r.p.logger.Warn("persist generation attempt failed", "request_id", r.res.RequestID, "error", err)
		}
	}
	if strings.TrimSpace(r.candidate) == "" {
		r.fail(errNoCode)
		r.enter(Repairing, errNoCode.Error())
		return
	}
	r.enter(Validating, "")
}

// generate calls the provider under the mandatory timeout. Cancellation
// returns at once; the provider goroutine's late reply is dropped.
func (r *run) generate(prompt provider.Prompt) (string, error) {
	r.calls++
	ctx, cancel := context.WithTimeout(r.ctx, r.p.timeout)
	defer cancel()

	type reply struct {
		text string
		err  error
	}
	ch := make(chan reply, 1)
	go func() {
		text, err := r.p.provider.Generate(ctx, prompt)
		ch <- reply{text, err}
	}()

	select {
	case rep := <-ch:
		if r.ctx.Err() != nil {
			return "", ErrCancelled
		}
		if rep.err != nil {
			return "", provider.Classify(rep.err)
		}
		return rep.text, nil
	case <-ctx.Done():
		if r.ctx.Err() != nil {
			return "", ErrCancelled
		}
		return "", provider.Classify(fmt.Errorf("provider did not answer within %s: %w", r.p.timeout, ctx.Err()))
	}
}

func (r *run) validate() {
	fileName := ""
	if r.req.Name != "" {
		fileName = r.req.Name + ".lua"
	}
	r.unit = extension.NewSourceUnit(fileName, []byte(r.candidate))
	ep, err := r.p.validator.Validate(r.unit)
	var ve *extension.ValidationError
	if errors.As(err, &ve) && ve.Rule == extension.RuleNoName && r.fallbackName != "" {
		r.unit = extension.NewSourceUnit(r.fallbackName+".lua", []byte(r.candidate))
		ep, err = r.p.validator.Validate(r.unit)
	}
	if err != nil {
		r.fail(err)
		r.enter(Repairing, err.Error())
		return
	}
	r.snapshot(ep.Name)
	r.scanSecrets(ep.Name)

	r.deps = nil
	if r.p.resolver != nil {
		r.deps = r.p.resolver.NewAttempt()
		r.preResolve()
	}
	r.enter(Activating, "")
}

// scanSecrets flags candidates that embed credentials. They are still
// installed; the operator decides.
func (r *run) scanSecrets(name string) {
	for _, f := range safety.ScanSource(r.unit.Code) {
		r.p.logger.Warn("generated code embeds a credential",
			"request_id", r.res.RequestID, "extension", name, "kind", f.Kind, "line", f.Line, "sample", f.Sample)
		r.p.audit.Record(r.bg, "generation.secret", "warn", name, fmt.Sprintf("%s on line %d", f.Kind, f.Line))
	}
}

// preResolve installs declared requirements that are on the allow-list.
// Each one spends this attempt's budget for that package; failures are
// left for activation to surface.
func (r *run) preResolve() {
	for _, pkg := range r.res.Packages {
		c := r.p.resolver.Classify(pkg)
		if c.Scope != resolver.ScopeInstallable || r.deps.Tried(c.Package) || r.p.resolver.Installed(c.Package) {
			continue
		}
		if err := r.deps.Resolve(r.ctx, c.Package); err != nil {
			r.p.logger.Info("declared requirement not resolved", "request_id", r.res.RequestID, "package", c.Package, "error", err)
		}
	}
}

func (r *run) activate() {
	var opts []registry.InstallOption
	if r.deps != nil {
		opts = append(opts, registry.WithDependencyResolution(r.deps))
	}
	id, err := r.p.registry.Install(r.ctx, r.unit, extension.OriginGenerated, opts...)
	if err == nil && !r.p.registry.Active(id) {
		// Unchanged source that failed before: Install was a no-op.
		err = r.p.registry.Enable(r.ctx, id, opts...)
	}
	if err != nil {
		r.fail(err)
		r.enter(Repairing, err.Error())
		return
	}
	r.res.ExtensionID = id
	r.enter(Installed, "")
}

func (r *run) repair() {
	r.repairs++
	if r.repairs >= r.p.maxRepairs {
		r.enter(Abandoned, r.lastErr.Error())
		return
	}
	r.enter(Drafting, r.lastErr.Error())
}

// snapshot remembers the catalog state of id before this chain touches it.
func (r *run) snapshot(id string) {
	if _, ok := r.touched[id]; ok {
		return
	}
	s := &snapshot{}
	if rec, err := r.p.registry.Get(id); err == nil {
		s.existed = true
		s.rec = rec
		code, err := os.ReadFile(filepath.Join(r.p.registry.ModulesDir(), rec.FileName))
		if err == nil {
			s.source = code
		}
	}
	r.touched[id] = s
	r.order = append(r.order, id)
}

// rollback undoes what an abandoned chain did to the catalog: entries it
// created are removed, entries it replaced get their previous source back.
func (r *run) rollback() {
	for _, id := range r.order {
		s := r.touched[id]
		if _, err := r.p.registry.Get(id); err != nil {
			continue
		}
		if !s.existed {
			if err := r.p.registry.Remove(r.bg, id); err != nil {
				r.p.logger.Warn("rollback remove failed", "request_id", r.res.RequestID, "extension", id, "error", err)
			}
			continue
		}
		if s.source == nil {
			continue
		}
		unit := extension.NewSourceUnit(s.rec.FileName, s.source)
		if _, err := r.p.registry.Install(r.bg, unit, s.rec.Origin); err != nil {
			r.p.logger.Warn("rollback restore failed", "request_id", r.res.RequestID, "extension", id, "error", err)
		}
		if !s.rec.Enabled {
			if err := r.p.registry.Disable(r.bg, id); err != nil {
				r.p.logger.Warn("rollback disable failed", "request_id", r.res.RequestID, "extension", id, "error", err)
			}
		}
	}
}

// finish persists the outcome, publishes it and logs the request stats.
func (r *run) finish() {
	p := r.p
	outcome := string(r.state)
	errText := ""
	if r.res.Err != nil {
		errText = r.res.Err.Error()
	}
	if p.store != nil {
		if err := p.store.FinishGeneration(r.bg, r.res.RequestID, outcome, r.res.ExtensionID, errText); err != nil {
			p.logger.Warn("persist generation outcome failed", "request_id", r.res.RequestID, "error", err)
		}
	}
	p.bus.Publish(bus.TopicGenerationCompleted, bus.GenerationCompletedEvent{
		RequestID:   r.res.RequestID,
		ExtensionID: r.res.ExtensionID,
		Outcome:     outcome,
		Repairs:     r.repairs,
		Error:       errText,
	})
	p.metrics.RecordGeneration(r.bg, outcome, r.repairs, r.res.Duration)
	p.audit.Record(r.bg, "generation", outcome, r.res.ExtensionID, errText)
	p.recordStats(r.res)

	attrs := []any{
		"request_id", r.res.RequestID,
		"outcome", outcome,
		"extension", r.res.ExtensionID,
		"repairs", r.repairs,
		"provider_calls", r.calls,
		"prompt_size", r.promptSize,
		"prompt_tokens_est", r.promptTokens,
		"code_length", len(r.candidate),
		"duration_ms", r.res.Duration.Milliseconds(),
	}
	if r.state == Installed {
		p.logger.Info("generation finished", attrs...)
		return
	}
	p.logger.Warn("generation abandoned", append(attrs, "error", errText)...)
}
