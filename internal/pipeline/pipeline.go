// Package pipeline turns a natural-language request into an installed
// extension. Each request runs a bounded state machine: the model drafts a
// candidate, the validator checks it, the registry activates it, and any
// failure feeds a repair prompt until the repair budget is spent.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/kaihost/internal/audit"
	"github.com/basket/kaihost/internal/bus"
	"github.com/basket/kaihost/internal/otel"
	"github.com/basket/kaihost/internal/persistence"
	"github.com/basket/kaihost/internal/provider"
	"github.com/basket/kaihost/internal/registry"
	"github.com/basket/kaihost/internal/resolver"
	"github.com/basket/kaihost/internal/shared"
)

// State is one step of a generation request.
type State string

const (
	Drafting   State = "Drafting"
	Validating State = "Validating"
	Activating State = "Activating"
	Repairing  State = "Repairing"
	Installed  State = persistence.GenerationInstalled
	Abandoned  State = persistence.GenerationAbandoned
)

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool { return s == Installed || s == Abandoned }

// MaxRepairs is the repair budget of one request.
const MaxRepairs = 3

// ErrCancelled is the failure of a request cancelled by its caller.
var ErrCancelled = errors.New("generation cancelled")

// Request is one generation ask.
type Request struct {
	Prompt string
	// Name forces the extension name. Empty lets the model pick the type name.
	Name string
	// FixTarget is the id of an installed extension to improve or fix.
	FixTarget string
	// Failure is the error being fixed. Defaults to the target's last error.
	Failure string
}

// Result is the terminal outcome of a request.
type Result struct {
	RequestID   string
	ExtensionID string
	State       State
	// States is every state entered, in order, starting with Drafting.
	States   []State
	Repairs  int
	Chat     string
	Packages []string
	// Err is the last failure, verbatim, when State is Abandoned.
	Err      error
	Duration time.Duration
}

type Config struct {
	Provider  provider.Provider
	Validator registry.Validator
	Registry  *registry.Registry
	// Resolver is optional. Without it missing imports are never installed.
	Resolver *resolver.Resolver
	Store    *persistence.Store

	// ProviderTimeout bounds each provider call. Zero uses provider.DefaultTimeout.
	ProviderTimeout time.Duration
	// Workers bounds concurrently running submitted jobs.
	Workers    int
	MaxRepairs int

	Bus     *bus.Bus
	Audit   *audit.Log
	Metrics *otel.Metrics
	Tracer  trace.Tracer
	Logger  *slog.Logger
}

type Pipeline struct {
	provider   provider.Provider
	validator  registry.Validator
	registry   *registry.Registry
	resolver   *resolver.Resolver
	store      *persistence.Store
	timeout    time.Duration
	maxRepairs int
	bus        *bus.Bus
	audit      *audit.Log
	metrics    *otel.Metrics
	tracer     trace.Tracer
	logger     *slog.Logger

	sem chan struct{}
	wg  sync.WaitGroup

	mu   sync.Mutex
	jobs map[string]*Job

	statsMu sync.Mutex
	stats   Stats
}

func New(cfg Config) (*Pipeline, error) {
	if cfg.Provider == nil {
		return nil, errors.New("pipeline provider is required")
	}
	if cfg.Validator == nil {
		return nil, errors.New("pipeline validator is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("pipeline registry is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = provider.DefaultTimeout
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.MaxRepairs <= 0 || cfg.MaxRepairs > MaxRepairs {
		cfg.MaxRepairs = MaxRepairs
	}
	return &Pipeline{
		provider:   cfg.Provider,
		validator:  cfg.Validator,
		registry:   cfg.Registry,
		resolver:   cfg.Resolver,
		store:      cfg.Store,
		timeout:    cfg.ProviderTimeout,
		maxRepairs: cfg.MaxRepairs,
		bus:        cfg.Bus,
		audit:      cfg.Audit,
		metrics:    cfg.Metrics,
		tracer:     cfg.Tracer,
		logger:     cfg.Logger,
		sem:        make(chan struct{}, cfg.Workers),
		jobs:       map[string]*Job{},
	}, nil
}

// Run executes req synchronously and returns its terminal result.
func (p *Pipeline) Run(ctx context.Context, req Request) Result {
	return p.run(ctx, shared.NewRequestID(), req)
}

// Job is a submitted request running on a background worker.
type Job struct {
	ID     string
	done   chan Result
	cancel context.CancelFunc
}

// Done delivers the result exactly once. It has a single consumer.
func (j *Job) Done() <-chan Result { return j.done }

// Cancel abandons the request. An in-flight provider call is not waited
// for; its late reply is discarded.
func (j *Job) Cancel() { j.cancel() }

type jobOptions struct {
	onComplete func(Result)
}

type JobOption func(*jobOptions)

// OnComplete registers a callback run on the worker after the result is
// delivered to Done.
func OnComplete(fn func(Result)) JobOption {
	return func(o *jobOptions) { o.onComplete = fn }
}

// Submit queues req on a background worker.
func (p *Pipeline) Submit(ctx context.Context, req Request, opts ...JobOption) *Job {
	var o jobOptions
	for _, opt := range opts {
		opt(&o)
	}
	ctx, cancel := context.WithCancel(ctx)
	j := &Job{ID: shared.NewRequestID(), done: make(chan Result, 1), cancel: cancel}

	p.mu.Lock()
	p.jobs[j.ID] = j
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer cancel()
		defer func() {
			p.mu.Lock()
			delete(p.jobs, j.ID)
			p.mu.Unlock()
		}()

		var res Result
		select {
		case p.sem <- struct{}{}:
			res = p.run(ctx, j.ID, req)
			<-p.sem
		case <-ctx.Done():
			res = Result{RequestID: j.ID, State: Abandoned, Err: ErrCancelled}
		}
		j.done <- res
		if o.onComplete != nil {
			o.onComplete(res)
		}
	}()
	return j
}

// Shutdown cancels every submitted job and waits for the workers to exit.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	for _, j := range p.jobs {
		j.cancel()
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pipeline shutdown: %w", ctx.Err())
	}
}

// Stats summarizes the requests this pipeline finished.
type Stats struct {
	Total         int
	Installed     int
	Abandoned     int
	Repairs       int
	TotalDuration time.Duration
}

// Average is the mean request duration.
func (s Stats) Average() time.Duration {
	if s.Total == 0 {
		return 0
	}
	return s.TotalDuration / time.Duration(s.Total)
}

func (p *Pipeline) Stats() Stats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.stats
}

func (p *Pipeline) recordStats(res Result) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	p.stats.Total++
	p.stats.Repairs += res.Repairs
	p.stats.TotalDuration += res.Duration
	if res.State == Installed {
		p.stats.Installed++
	} else {
		p.stats.Abandoned++
	}
}
