package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ProviderConfig holds per-provider credentials and endpoints.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// LLMConfig selects the model provider used for generation.
type LLMConfig struct {
	// Provider is one of "google", "anthropic", "openai", "openai_compatible".
	Provider string `yaml:"provider"`

	GeminiModel    string `yaml:"gemini_model"`
	AnthropicModel string `yaml:"anthropic_model"`
	OpenAIModel    string `yaml:"openai_model"`

	OpenAICompatibleProvider string `yaml:"openai_compatible_provider"`
	OpenAICompatibleBaseURL  string `yaml:"openai_compatible_base_url"`
}

type GenerationConfig struct {
	// ProviderTimeoutSeconds bounds every provider call. Never zero after Load.
	ProviderTimeoutSeconds int `yaml:"provider_timeout_seconds"`
	// Workers is the number of background generation jobs run at once.
	Workers int `yaml:"workers"`
	// Language is the unit kind generated code targets.
	Language string `yaml:"language"`
}

type DependenciesConfig struct {
	// Allow lists packages that may be installed automatically into the
	// isolated dependency directory. Everything else is system-required.
	Allow []string `yaml:"allow"`
	// SystemCommand is the remediation template; {pkg} is replaced by the package.
	SystemCommand      string   `yaml:"system_command"`
	IndexURL           string   `yaml:"index_url"`
	LocalDir           string   `yaml:"local_dir"`
	SystemDirs         []string `yaml:"system_dirs"`
	MaxInstallAttempts int      `yaml:"max_install_attempts"`
	HTTPTimeoutSeconds int      `yaml:"http_timeout_seconds"`
}

type ValidatorConfig struct {
	ReservedNames []string `yaml:"reserved_names"`
}

type ExtensionsConfig struct {
	Watch                bool `yaml:"watch"`
	WatchDebounceMillis  int  `yaml:"watch_debounce_ms"`
	WASMMemoryLimitPages int  `yaml:"wasm_memory_limit_pages"`
	InvokeTimeoutSeconds int  `yaml:"invoke_timeout_seconds"`
}

type MarketplaceConfig struct {
	// Enabled is derived from BaseURL.
	Enabled        bool   `yaml:"-"`
	BaseURL        string `yaml:"base_url"`
	Token          string `yaml:"token"`
	ReportSchedule string `yaml:"report_schedule"`
}

type OTelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	LLM       LLMConfig                 `yaml:"llm"`
	Providers map[string]ProviderConfig `yaml:"providers"`

	Generation   GenerationConfig   `yaml:"generation"`
	Dependencies DependenciesConfig `yaml:"dependencies"`
	Validator    ValidatorConfig    `yaml:"validator"`
	Extensions   ExtensionsConfig   `yaml:"extensions"`
	Marketplace  MarketplaceConfig  `yaml:"marketplace"`
	OTel         OTelConfig         `yaml:"otel"`

	// Retention windows in days. 0 keeps everything.
	RetentionGenerationEventsDays int `yaml:"retention_generation_events_days"`
	RetentionAuditLogDays         int `yaml:"retention_audit_log_days"`

	// FirstRun is set when no config.yaml exists yet.
	FirstRun bool `yaml:"-"`
}

// Default models per provider.
var defaultModels = map[string]string{
	"google":            "gemini-2.5-flash",
	"anthropic":         "claude-sonnet-4-5",
	"openai":            "gpt-4o-mini",
	"openai_compatible": "gpt-4o-mini",
}

// ProviderAPIKey returns the API key for provider, env vars first.
func (c Config) ProviderAPIKey(provider string) string {
	envMap := map[string][]string{
		"google":            {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
		"anthropic":         {"ANTHROPIC_API_KEY"},
		"openai":            {"OPENAI_API_KEY"},
		"openai_compatible": {"OPENAI_COMPATIBLE_API_KEY", "OPENROUTER_API_KEY"},
	}
	for _, envVar := range envMap[provider] {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if c.Providers != nil {
		if p, ok := c.Providers[provider]; ok {
			return p.APIKey
		}
	}
	return ""
}

// ResolveLLMConfig returns the effective provider, model and API key.
func (c Config) ResolveLLMConfig() (provider, model, apiKey string) {
	provider = c.LLM.Provider
	if provider == "" {
		provider = "google"
	}
	switch provider {
	case "anthropic":
		model = c.LLM.AnthropicModel
	case "openai", "openai_compatible":
		model = c.LLM.OpenAIModel
	default:
		model = c.LLM.GeminiModel
	}
	if model == "" {
		model = defaultModels[provider]
	}
	return provider, model, c.ProviderAPIKey(provider)
}

// Remediation renders the system install command for pkg.
func (c Config) Remediation(pkg string) string {
	return strings.ReplaceAll(c.Dependencies.SystemCommand, "{pkg}", pkg)
}

// Directory layout under HomeDir.
func (c Config) ExtensionsDir() string   { return filepath.Join(c.HomeDir, "extensions") }
func (c Config) ModulesDir() string      { return filepath.Join(c.HomeDir, "extensions", "modules") }
func (c Config) DataDir() string         { return filepath.Join(c.HomeDir, "data") }
func (c Config) DependenciesDir() string { return filepath.Join(c.HomeDir, "dependencies") }
func (c Config) DBPath() string          { return filepath.Join(c.HomeDir, "kaihost.db") }

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that change behavior.
func (c Config) Fingerprint() string {
	allow := append([]string(nil), c.Dependencies.Allow...)
	sort.Strings(allow)
	provider, model, _ := c.ResolveLLMConfig()
	h := fnv.New64a()
	fmt.Fprintf(h, "log=%s|provider=%s|model=%s|timeout=%d|allow=%v|index=%s|reserved=%v",
		c.LogLevel, provider, model, c.Generation.ProviderTimeoutSeconds, allow, c.Dependencies.IndexURL, c.Validator.ReservedNames)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// Providers lists the supported LLM providers.
func Providers() []string {
	names := make([]string, 0, len(defaultModels))
	for name := range defaultModels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetLLM updates the provider and model in config.yaml, preserving other
// settings. An empty model selects the provider's default.
func SetLLM(homeDir, provider, model string) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	def, ok := defaultModels[provider]
	if !ok {
		return fmt.Errorf("unknown provider %q (want one of %s)", provider, strings.Join(Providers(), ", "))
	}
	if model = strings.TrimSpace(model); model == "" {
		model = def
	}
	path := ConfigPath(homeDir)
	raw := make(map[string]any)
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	llm, _ := raw["llm"].(map[string]any)
	if llm == nil {
		llm = make(map[string]any)
	}
	llm["provider"] = provider
	switch provider {
	case "anthropic":
		llm["anthropic_model"] = model
	case "openai", "openai_compatible":
		llm["openai_model"] = model
	default:
		llm["gemini_model"] = model
	}
	raw["llm"] = llm
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Generation: GenerationConfig{
			ProviderTimeoutSeconds: 60,
			Workers:                2,
			Language:               "lua",
		},
		Dependencies: DependenciesConfig{
			Allow:              []string{"dkjson", "inspect", "lume", "penlight", "lustache", "argparse"},
			SystemCommand:      "sudo luarocks install {pkg}",
			SystemDirs:         []string{"/usr/local/share/lua/5.1", "/usr/share/lua/5.1"},
			MaxInstallAttempts: 3,
			HTTPTimeoutSeconds: 30,
		},
		Extensions: ExtensionsConfig{
			Watch:                true,
			WatchDebounceMillis:  250,
			WASMMemoryLimitPages: 160,
			InvokeTimeoutSeconds: 5,
		},
		Marketplace: MarketplaceConfig{
			ReportSchedule: "@every 6h",
		},
		RetentionGenerationEventsDays: 90,
		RetentionAuditLogDays:         365,
	}
}

func HomeDir() string {
	if override := os.Getenv("KAIHOST_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".kaihost")
}

// Load reads defaults, then config.yaml, then env overrides, then normalizes.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create kaihost home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.FirstRun = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	if cfg.LLM.Provider == "" || cfg.LLM.Provider == "gemini" {
		cfg.LLM.Provider = "google"
	}
	if cfg.Generation.ProviderTimeoutSeconds <= 0 {
		cfg.Generation.ProviderTimeoutSeconds = 60
	}
	if cfg.Generation.Workers <= 0 {
		cfg.Generation.Workers = 2
	}
	cfg.Generation.Language = strings.ToLower(strings.TrimSpace(cfg.Generation.Language))
	if cfg.Generation.Language == "" {
		cfg.Generation.Language = "lua"
	}
	if strings.TrimSpace(cfg.Dependencies.SystemCommand) == "" {
		cfg.Dependencies.SystemCommand = "sudo luarocks install {pkg}"
	}
	if cfg.Dependencies.MaxInstallAttempts <= 0 {
		cfg.Dependencies.MaxInstallAttempts = 3
	}
	if cfg.Dependencies.HTTPTimeoutSeconds <= 0 {
		cfg.Dependencies.HTTPTimeoutSeconds = 30
	}
	allow := cfg.Dependencies.Allow[:0]
	seen := map[string]bool{}
	for _, p := range cfg.Dependencies.Allow {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		allow = append(allow, p)
	}
	cfg.Dependencies.Allow = allow
	if cfg.Extensions.WatchDebounceMillis <= 0 {
		cfg.Extensions.WatchDebounceMillis = 250
	}
	if cfg.Extensions.WASMMemoryLimitPages <= 0 {
		cfg.Extensions.WASMMemoryLimitPages = 160
	}
	if cfg.Extensions.InvokeTimeoutSeconds <= 0 {
		cfg.Extensions.InvokeTimeoutSeconds = 5
	}
	if strings.TrimSpace(cfg.Marketplace.ReportSchedule) == "" {
		cfg.Marketplace.ReportSchedule = "@every 6h"
	}
	cfg.Marketplace.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.Marketplace.BaseURL), "/")
	cfg.Marketplace.Enabled = cfg.Marketplace.BaseURL != ""
}

func validate(cfg Config) error {
	switch cfg.LLM.Provider {
	case "google", "anthropic", "openai", "openai_compatible":
	default:
		return fmt.Errorf("unknown llm provider %q", cfg.LLM.Provider)
	}
	if cfg.LLM.Provider == "openai_compatible" && strings.TrimSpace(cfg.LLM.OpenAICompatibleBaseURL) == "" {
		return fmt.Errorf("llm.openai_compatible_base_url is required for provider openai_compatible")
	}
	switch cfg.Generation.Language {
	case "lua", "wasm":
	default:
		return fmt.Errorf("generation.language must be lua or wasm, got %q", cfg.Generation.Language)
	}
	if !strings.Contains(cfg.Dependencies.SystemCommand, "{pkg}") {
		return fmt.Errorf("dependencies.system_command must contain {pkg}")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("KAIHOST_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("KAIHOST_PROVIDER"); raw != "" {
		cfg.LLM.Provider = raw
	}
	if raw := os.Getenv("KAIHOST_MODEL"); raw != "" {
		switch strings.ToLower(cfg.LLM.Provider) {
		case "anthropic":
			cfg.LLM.AnthropicModel = raw
		case "openai", "openai_compatible":
			cfg.LLM.OpenAIModel = raw
		default:
			cfg.LLM.GeminiModel = raw
		}
	}
	if raw := os.Getenv("KAIHOST_PROVIDER_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Generation.ProviderTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("KAIHOST_DEPS_INDEX_URL"); raw != "" {
		cfg.Dependencies.IndexURL = raw
	}
	if raw := os.Getenv("KAIHOST_MARKETPLACE_URL"); raw != "" {
		cfg.Marketplace.BaseURL = raw
	}
	if raw := os.Getenv("KAIHOST_MARKETPLACE_TOKEN"); raw != "" {
		cfg.Marketplace.Token = raw
	}
}
