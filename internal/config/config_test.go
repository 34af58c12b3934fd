package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/kaihost/internal/config"
)

func writeConfig(t *testing.T, home, body string) {
	t.Helper()
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoad_FromKaihostHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "kh")
	writeConfig(t, home, `
log_level: DEBUG
generation:
  provider_timeout_seconds: 15
dependencies:
  allow: [dkjson, " inspect ", dkjson]
  index_url: https://deps.example/lua
validator:
  reserved_names: [Browser]
`)
	t.Setenv("KAIHOST_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HomeDir != home || cfg.FirstRun {
		t.Fatalf("unexpected home %q first_run=%v", cfg.HomeDir, cfg.FirstRun)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected normalized log level, got %q", cfg.LogLevel)
	}
	if cfg.Generation.ProviderTimeoutSeconds != 15 {
		t.Fatalf("expected timeout 15, got %d", cfg.Generation.ProviderTimeoutSeconds)
	}
	if got := strings.Join(cfg.Dependencies.Allow, ","); got != "dkjson,inspect" {
		t.Fatalf("expected deduplicated allow-list, got %q", got)
	}
	if cfg.ModulesDir() != filepath.Join(home, "extensions", "modules") {
		t.Fatalf("unexpected modules dir %q", cfg.ModulesDir())
	}
}

func TestLoad_DefaultsWhenMissing(t *testing.T) {
	home := filepath.Join(t.TempDir(), "kh")
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.FirstRun {
		t.Fatalf("expected FirstRun when config.yaml is missing")
	}
	if cfg.Generation.ProviderTimeoutSeconds != 60 {
		t.Fatalf("expected default provider timeout 60, got %d", cfg.Generation.ProviderTimeoutSeconds)
	}
	if cfg.Dependencies.MaxInstallAttempts != 3 {
		t.Fatalf("expected 3 install attempts, got %d", cfg.Dependencies.MaxInstallAttempts)
	}
	if got := cfg.Remediation("lxml"); got != "sudo luarocks install lxml" {
		t.Fatalf("unexpected remediation %q", got)
	}
	if cfg.Marketplace.Enabled {
		t.Fatalf("marketplace must stay disabled without a base url")
	}
	provider, model, _ := cfg.ResolveLLMConfig()
	if provider != "google" || model != "gemini-2.5-flash" {
		t.Fatalf("unexpected llm defaults %s/%s", provider, model)
	}
}

func TestLoad_EnvOverridesConfig(t *testing.T) {
	home := filepath.Join(t.TempDir(), "kh")
	writeConfig(t, home, "llm:\n  provider: google\n")
	t.Setenv("KAIHOST_PROVIDER", "anthropic")
	t.Setenv("KAIHOST_MODEL", "claude-haiku-4-5")
	t.Setenv("KAIHOST_PROVIDER_TIMEOUT_SECONDS", "5")
	t.Setenv("KAIHOST_MARKETPLACE_URL", "https://market.example/")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	provider, model, key := cfg.ResolveLLMConfig()
	if provider != "anthropic" || model != "claude-haiku-4-5" || key != "sk-test" {
		t.Fatalf("unexpected llm config %s/%s/%s", provider, model, key)
	}
	if cfg.Generation.ProviderTimeoutSeconds != 5 {
		t.Fatalf("expected env timeout, got %d", cfg.Generation.ProviderTimeoutSeconds)
	}
	if !cfg.Marketplace.Enabled || cfg.Marketplace.BaseURL != "https://market.example" {
		t.Fatalf("unexpected marketplace config %+v", cfg.Marketplace)
	}
}

func TestLoad_RejectsInvalidSettings(t *testing.T) {
	cases := map[string]string{
		"provider":       "llm:\n  provider: mystery\n",
		"language":       "generation:\n  language: python\n",
		"system command": "dependencies:\n  system_command: apt install\n",
		"compat url":     "llm:\n  provider: openai_compatible\n",
		"yaml":           "llm: [unterminated\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			home := filepath.Join(t.TempDir(), "kh")
			writeConfig(t, home, body)
			if _, err := config.LoadFrom(home); err == nil {
				t.Fatalf("expected error for %s", name)
			}
		})
	}
}

func TestSetLLM_PreservesOtherSettings(t *testing.T) {
	home := filepath.Join(t.TempDir(), "kh")
	writeConfig(t, home, "log_level: warn\n")
	if err := config.SetLLM(home, "openai", "gpt-4o"); err != nil {
		t.Fatalf("set llm: %v", err)
	}
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("log level lost: %q", cfg.LogLevel)
	}
	if p, m, _ := cfg.ResolveLLMConfig(); p != "openai" || m != "gpt-4o" {
		t.Fatalf("unexpected llm %s/%s", p, m)
	}
}

func TestSetLLM_UnknownProviderLeavesConfig(t *testing.T) {
	t.Setenv("KAIHOST_PROVIDER", "")
	t.Setenv("KAIHOST_MODEL", "")
	home := filepath.Join(t.TempDir(), "kh")
	writeConfig(t, home, "log_level: warn\n")
	if err := config.SetLLM(home, "carrier-pigeon", "coo-1"); err == nil || !strings.Contains(err.Error(), "anthropic") {
		t.Fatalf("expected unknown provider error listing providers, got %v", err)
	}
	data, err := os.ReadFile(config.ConfigPath(home))
	if err != nil || string(data) != "log_level: warn\n" {
		t.Fatalf("config.yaml changed: %q, %v", data, err)
	}

	if err := config.SetLLM(home, " Anthropic ", ""); err != nil {
		t.Fatalf("set llm: %v", err)
	}
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if p, m, _ := cfg.ResolveLLMConfig(); p != "anthropic" || m != "claude-sonnet-4-5" {
		t.Fatalf("unexpected llm %s/%s", p, m)
	}
}

func TestFingerprint_StableAcrossAllowOrder(t *testing.T) {
	a := config.Config{Dependencies: config.DependenciesConfig{Allow: []string{"a", "b"}}}
	b := config.Config{Dependencies: config.DependenciesConfig{Allow: []string{"b", "a"}}}
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatalf("fingerprint depends on allow-list order")
	}
	b.LogLevel = "debug"
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatalf("fingerprint ignored log level")
	}
}
