// Package doctor runs the environment checks behind `kaihost doctor`.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/basket/kaihost/internal/config"
	"github.com/basket/kaihost/internal/persistence"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

type check func(context.Context, *config.Config) CheckResult

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []check{
		checkConfig,
		checkAPIKey,
		checkDatabase,
		checkDirectories,
		checkDependencySource,
		checkSystemInstaller,
		checkNetwork,
	}
	for _, c := range checks {
		d.Results = append(d.Results, c(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.FirstRun {
		return CheckResult{
			Name:    "Config",
			Status:  StatusWarn,
			Message: "config.yaml missing, using defaults",
			Detail:  config.ConfigPath(cfg.HomeDir),
		}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", config.ConfigPath(cfg.HomeDir))}
}

func checkAPIKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Provider Credential", Status: StatusSkip, Message: "Config missing"}
	}
	provider, model, key := cfg.ResolveLLMConfig()
	if key == "" {
		return CheckResult{
			Name:    "Provider Credential",
			Status:  StatusWarn,
			Message: fmt.Sprintf("No API key for %s (generation disabled)", provider),
			Detail:  fmt.Sprintf("Set providers.%s.api_key in config.yaml or the provider's env var", provider),
		}
	}
	return CheckResult{Name: "Provider Credential", Status: StatusPass, Message: fmt.Sprintf("%s key present (model %s)", provider, model)}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath(), nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	if _, err := store.ListGenerationRequests(ctx, 1); err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: StatusPass, Message: "Connection and schema valid", Detail: cfg.DBPath()}
}

func checkDirectories(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Directories", Status: StatusSkip, Message: "Config missing"}
	}
	dirs := []string{cfg.HomeDir, cfg.ExtensionsDir(), cfg.ModulesDir(), cfg.DataDir(), cfg.DependenciesDir()}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return CheckResult{Name: "Directories", Status: StatusFail, Message: fmt.Sprintf("Cannot create %s: %v", dir, err)}
		}
		probe := filepath.Join(dir, ".write_test")
		if err := os.WriteFile(probe, []byte("test"), 0o600); err != nil {
			return CheckResult{Name: "Directories", Status: StatusFail, Message: fmt.Sprintf("%s unwritable: %v", dir, err)}
		}
		os.Remove(probe)
	}
	return CheckResult{Name: "Directories", Status: StatusPass, Message: fmt.Sprintf("%d directories writable", len(dirs))}
}

func checkDependencySource(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Dependency Source", Status: StatusSkip, Message: "Config missing"}
	}
	deps := cfg.Dependencies
	switch {
	case deps.LocalDir != "":
		info, err := os.Stat(deps.LocalDir)
		if err != nil || !info.IsDir() {
			return CheckResult{Name: "Dependency Source", Status: StatusFail, Message: fmt.Sprintf("Local mirror %s unreadable", deps.LocalDir)}
		}
		return CheckResult{Name: "Dependency Source", Status: StatusPass, Message: fmt.Sprintf("Local mirror %s", deps.LocalDir)}
	case deps.IndexURL == "":
		return CheckResult{
			Name:    "Dependency Source",
			Status:  StatusWarn,
			Message: "No package index configured; allow-listed packages cannot be installed",
		}
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 1
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = 500 * time.Millisecond
	client.HTTPClient.Timeout = 5 * time.Second
	client.Logger = nil

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodHead, deps.IndexURL, nil)
	if err != nil {
		return CheckResult{Name: "Dependency Source", Status: StatusFail, Message: fmt.Sprintf("Bad index url: %v", err)}
	}
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return CheckResult{Name: "Dependency Source", Status: StatusFail, Message: fmt.Sprintf("Index unreachable: %v", err), Detail: deps.IndexURL}
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return CheckResult{Name: "Dependency Source", Status: StatusFail, Message: fmt.Sprintf("Index returned %s", resp.Status), Detail: deps.IndexURL}
	}
	return CheckResult{
		Name:    "Dependency Source",
		Status:  StatusPass,
		Message: fmt.Sprintf("Index reachable (%dms)", time.Since(start).Milliseconds()),
		Detail:  deps.IndexURL,
	}
}

// installerBinary picks the program out of a remediation template such as
// "sudo luarocks install {pkg}".
func installerBinary(command string) string {
	for _, f := range strings.Fields(command) {
		switch f {
		case "sudo", "doas", "env":
			continue
		}
		return f
	}
	return ""
}

func checkSystemInstaller(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "System Installer", Status: StatusSkip, Message: "Config missing"}
	}
	bin := installerBinary(cfg.Dependencies.SystemCommand)
	if bin == "" {
		return CheckResult{Name: "System Installer", Status: StatusSkip, Message: "No system install command configured"}
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		return CheckResult{
			Name:    "System Installer",
			Status:  StatusWarn,
			Message: fmt.Sprintf("%s not found; remediation commands will not run as printed", bin),
		}
	}
	return CheckResult{Name: "System Installer", Status: StatusPass, Message: fmt.Sprintf("%s: ok", bin), Detail: path}
}

var providerHosts = map[string]string{
	"google":            "generativelanguage.googleapis.com",
	"anthropic":         "api.anthropic.com",
	"openai":            "api.openai.com",
	"openai_compatible": "api.openai.com",
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "Config missing"}
	}
	provider, _, _ := cfg.ResolveLLMConfig()
	host := providerHosts[provider]
	if provider == "openai_compatible" && cfg.LLM.OpenAICompatibleBaseURL != "" {
		if u, err := url.Parse(cfg.LLM.OpenAICompatibleBaseURL); err == nil && u.Hostname() != "" {
			host = u.Hostname()
		}
	}
	if host == "" {
		host = providerHosts["google"]
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  StatusFail,
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("provider=%s, latency=%dms", provider, latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Network",
		Status:  StatusPass,
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("provider=%s, addresses=%v", provider, addrs),
	}
}
