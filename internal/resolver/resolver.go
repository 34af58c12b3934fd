// Package resolver classifies missing imports and installs allow-listed
// packages into the host's isolated dependency directory.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/basket/kaihost/internal/config"
	"github.com/basket/kaihost/internal/extension"
	"github.com/basket/kaihost/internal/otel"
	"github.com/basket/kaihost/internal/persistence"
	"github.com/basket/kaihost/internal/shared"
)

// Scope is where a package may be satisfied from.
type Scope string

const (
	ScopeInstallable    Scope = persistence.ScopeIsolated
	ScopeSystemRequired Scope = persistence.ScopeSystem
)

// Classification is the verdict for one package.
type Classification struct {
	Package     string
	Scope       Scope
	Remediation string
}

var (
	// ErrAlreadyAttempted is returned by Attempt.Resolve when the package was
	// already tried during the same generation attempt.
	ErrAlreadyAttempted = errors.New("dependency already attempted in this generation attempt")

	packagePattern  = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_-]*$`)
	notFoundPattern = regexp.MustCompile(`module ['"]([^'"]+)['"] not found`)
)

type Config struct {
	Allow         []string
	SystemCommand string
	// Dir is the isolated install directory. Never a system package area.
	Dir         string
	SystemDirs  []string
	MaxAttempts int
	Source      Source
	Store       *persistence.Store
	Metrics     *otel.Metrics
	Logger      *slog.Logger
}

type Resolver struct {
	dir         string
	systemDirs  []string
	maxAttempts int
	source      Source
	store       *persistence.Store
	metrics     *otel.Metrics
	logger      *slog.Logger
	group       singleflight.Group

	mu       sync.RWMutex
	allow    map[string]struct{}
	command  string
	attempts map[string]int // used when there is no store
}

func New(cfg Config) (*Resolver, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("resolver: missing dependency directory")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create dependency dir: %w", err)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.SystemCommand == "" {
		cfg.SystemCommand = "sudo luarocks install {pkg}"
	}
	r := &Resolver{
		dir:         cfg.Dir,
		systemDirs:  append([]string(nil), cfg.SystemDirs...),
		maxAttempts: cfg.MaxAttempts,
		source:      cfg.Source,
		store:       cfg.Store,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		command:     cfg.SystemCommand,
		attempts:    map[string]int{},
	}
	r.SetAllow(cfg.Allow)
	return r, nil
}

// FromConfig builds a resolver from the dependencies section of config.yaml.
// The index URL wins over the local mirror when both are set.
func FromConfig(cfg config.Config, store *persistence.Store, metrics *otel.Metrics, logger *slog.Logger) (*Resolver, error) {
	deps := cfg.Dependencies
	var src Source
	switch {
	case deps.IndexURL != "":
		src = NewHTTPSource(deps.IndexURL, time.Duration(deps.HTTPTimeoutSeconds)*time.Second, logger)
	case deps.LocalDir != "":
		src = NewDirSource(deps.LocalDir)
	}
	return New(Config{
		Allow:         deps.Allow,
		SystemCommand: deps.SystemCommand,
		Dir:           cfg.DependenciesDir(),
		SystemDirs:    deps.SystemDirs,
		MaxAttempts:   deps.MaxInstallAttempts,
		Source:        src,
		Store:         store,
		Metrics:       metrics,
		Logger:        logger,
	})
}

// SetAllow replaces the allow-list. Used when config.yaml changes.
func (r *Resolver) SetAllow(pkgs []string) {
	allow := make(map[string]struct{}, len(pkgs))
	for _, p := range pkgs {
		if p = strings.TrimSpace(p); p != "" {
			allow[p] = struct{}{}
		}
	}
	r.mu.Lock()
	r.allow = allow
	r.mu.Unlock()
}

// Dir returns the isolated install directory.
func (r *Resolver) Dir() string { return r.dir }

// SearchPath lists module directories in lookup order: the isolated
// directory first, then the read-only system directories.
func (r *Resolver) SearchPath() []string {
	out := make([]string, 0, 1+len(r.systemDirs))
	out = append(out, r.dir)
	return append(out, r.systemDirs...)
}

// RootPackage maps a module path such as "pl.path" to its package, "pl".
func RootPackage(module string) string {
	module = strings.TrimSpace(module)
	if i := strings.IndexAny(module, "./"); i > 0 {
		return module[:i]
	}
	return module
}

// Classify decides whether pkg may be installed automatically.
func (r *Resolver) Classify(pkg string) Classification {
	pkg = RootPackage(pkg)
	r.mu.RLock()
	_, ok := r.allow[pkg]
	command := r.command
	r.mu.RUnlock()
	if ok && packagePattern.MatchString(pkg) {
		return Classification{Package: pkg, Scope: ScopeInstallable}
	}
	return Classification{
		Package:     pkg,
		Scope:       ScopeSystemRequired,
		Remediation: strings.ReplaceAll(command, "{pkg}", pkg),
	}
}

// ClassifyError extracts the missing package from an import failure. It
// reports false when err is not an import failure.
func (r *Resolver) ClassifyError(err error) (Classification, bool) {
	if err == nil {
		return Classification{}, false
	}
	if ie, ok := extension.AsImportError(err); ok {
		pkg := ie.Package
		if pkg == "" {
			pkg = ie.Module
		}
		return r.Classify(pkg), true
	}
	if m := notFoundPattern.FindStringSubmatch(err.Error()); m != nil {
		return r.Classify(m[1]), true
	}
	return Classification{}, false
}

// Installed reports whether pkg is present in the isolated directory.
func (r *Resolver) Installed(pkg string) bool {
	_, err := os.Stat(r.path(pkg))
	return err == nil
}

func (r *Resolver) path(pkg string) string {
	return filepath.Join(r.dir, pkg+".lua")
}

// Resolve makes pkg importable. System-required packages are recorded and
// reported with their remediation command; they are never installed.
// Resolving an installed package is a no-op. Concurrent callers for the
// same package share a single install.
func (r *Resolver) Resolve(ctx context.Context, pkg string) error {
	c := r.Classify(pkg)
	if c.Scope == ScopeSystemRequired {
		if r.store != nil {
			if err := r.store.MarkSystemRequired(ctx, c.Package, c.Remediation); err != nil {
				r.logger.Warn("record system-required dependency failed", "package", c.Package, "error", err)
			}
		}
		return &extension.DependencyError{
			Kind:        extension.DependencySystemRequired,
			Package:     c.Package,
			Remediation: c.Remediation,
		}
	}
	if r.Installed(c.Package) {
		return nil
	}
	_, err, dup := r.group.Do(c.Package, func() (any, error) {
		return nil, r.install(ctx, c.Package)
	})
	if dup {
		r.logger.Debug("dependency install shared", "package", c.Package)
	}
	return err
}

func (r *Resolver) install(ctx context.Context, pkg string) error {
	if r.Installed(pkg) {
		return nil
	}
	attempt, err := r.claim(ctx, pkg)
	if err != nil {
		r.metrics.RecordDependencyInstall(ctx, pkg, "exhausted")
		return &extension.DependencyError{Kind: extension.DependencyInstallFailed, Package: pkg, Err: err}
	}

	sourceName := ""
	installErr := func() error {
		if r.source == nil {
			return errors.New("no dependency source configured (set dependencies.index_url or dependencies.local_dir)")
		}
		sourceName = r.source.Name()
		code, err := r.source.Fetch(ctx, pkg)
		if err != nil {
			return err
		}
		return shared.WriteFileAtomic(r.dir, pkg+".lua", code)
	}()

	if r.store != nil {
		if err := r.store.FinishDependencyInstall(ctx, pkg, sourceName, installErr); err != nil {
			r.logger.Warn("record dependency outcome failed", "package", pkg, "error", err)
		}
	}
	if installErr != nil {
		r.metrics.RecordDependencyInstall(ctx, pkg, "failed")
		r.logger.Warn("dependency install failed", "package", pkg, "attempt", attempt, "error", installErr)
		return &extension.DependencyError{Kind: extension.DependencyInstallFailed, Package: pkg, Err: installErr}
	}
	if r.store == nil {
		r.mu.Lock()
		delete(r.attempts, pkg)
		r.mu.Unlock()
	}
	r.metrics.RecordDependencyInstall(ctx, pkg, "resolved")
	r.logger.Info("dependency installed", "package", pkg, "attempt", attempt, "source", sourceName)
	return nil
}

// Reset gives pkg a fresh install budget. The bound applies to automatic
// retries; an operator asking for an install gets a new one.
func (r *Resolver) Reset(ctx context.Context, pkg string) error {
	root := RootPackage(pkg)
	if r.store != nil {
		return r.store.ResetDependencyAttempts(ctx, root)
	}
	r.mu.Lock()
	delete(r.attempts, root)
	r.mu.Unlock()
	return nil
}

// claim takes one install attempt from the package's budget. A successful
// install returns it.
func (r *Resolver) claim(ctx context.Context, pkg string) (int, error) {
	if r.store != nil {
		return r.store.BeginDependencyInstall(ctx, pkg, r.maxAttempts)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.attempts[pkg] >= r.maxAttempts {
		return 0, persistence.ErrAttemptsExhausted
	}
	r.attempts[pkg]++
	return r.attempts[pkg], nil
}

// Records lists persisted dependency records. It returns nil without a store.
func (r *Resolver) Records(ctx context.Context) ([]persistence.DependencyRecord, error) {
	if r.store == nil {
		return nil, nil
	}
	return r.store.ListDependencies(ctx)
}

// Attempt is the install budget of one generation attempt: each package
// gets at most one automatic Resolve.
type Attempt struct {
	r     *Resolver
	mu    sync.Mutex
	tried map[string]bool
}

func (r *Resolver) NewAttempt() *Attempt {
	return &Attempt{r: r, tried: map[string]bool{}}
}

func (a *Attempt) Resolve(ctx context.Context, pkg string) error {
	root := RootPackage(pkg)
	a.mu.Lock()
	if a.tried[root] {
		a.mu.Unlock()
		return fmt.Errorf("%s: %w", root, ErrAlreadyAttempted)
	}
	a.tried[root] = true
	a.mu.Unlock()
	return a.r.Resolve(ctx, root)
}

// Tried reports whether pkg was already resolved in this attempt.
func (a *Attempt) Tried(pkg string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tried[RootPackage(pkg)]
}
