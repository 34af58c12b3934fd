package provider

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/kaihost/internal/config"
	"github.com/basket/kaihost/internal/otel"
)

const DefaultTimeout = 60 * time.Second

type Options struct {
	// Provider is one of "google", "anthropic", "openai",
	// "openai_compatible" or "openrouter".
	Provider string
	Model    string
	APIKey   string
	BaseURL  string
	// CompatProvider names the openai_compatible backend.
	CompatProvider string
	// Timeout bounds every Generate call. Zero uses DefaultTimeout.
	Timeout time.Duration

	Metrics *otel.Metrics
	Tracer  trace.Tracer
	Logger  *slog.Logger
}

// Genkit is the production provider. It is safe for concurrent use.
type Genkit struct {
	g        *genkit.Genkit
	provider string
	model    string
	llmOn    bool
	timeout  time.Duration
	metrics  *otel.Metrics
	tracer   trace.Tracer
	logger   *slog.Logger
}

// New initializes genkit with the plugin for opts.Provider. A missing API key
// is not an error here; Generate reports it as an invalid credential so the
// generation pipeline abandons immediately.
func New(ctx context.Context, opts Options) (*Genkit, error) {
	provider := strings.ToLower(strings.TrimSpace(opts.Provider))
	if provider == "" {
		provider = "google"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	modelID := strings.TrimSpace(opts.Model)
	if modelID == "" {
		modelID = defaultModelForProvider(provider)
	}
	apiKey := strings.TrimSpace(opts.APIKey)
	if apiKey == "" {
		apiKey = envAPIKeyForProvider(provider)
	}

	p := &Genkit{
		provider: provider,
		model:    modelNameForProvider(provider, modelID),
		timeout:  opts.Timeout,
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
		logger:   opts.Logger,
	}

	switch provider {
	case "anthropic":
		if apiKey != "" {
			baseURL := opts.BaseURL
			if baseURL == "" {
				baseURL = os.Getenv("ANTHROPIC_BASE_URL")
			}
			p.g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{APIKey: apiKey, BaseURL: baseURL}))
			p.llmOn = true
		}

	case "openai":
		if apiKey != "" {
			baseURL := opts.BaseURL
			if baseURL == "" {
				baseURL = os.Getenv("OPENAI_BASE_URL")
			}
			p.g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: "openai",
				APIKey:   apiKey,
				BaseURL:  baseURL,
			}))
			p.llmOn = true
		}

	case "openai_compatible":
		if apiKey != "" {
			compat := opts.CompatProvider
			if compat == "" {
				compat = "openai_compatible"
			}
			p.g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: compat,
				APIKey:   apiKey,
				BaseURL:  opts.BaseURL,
			}))
			p.llmOn = true
		}

	case "openrouter":
		if apiKey != "" {
			p.g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: "openrouter",
				APIKey:   apiKey,
				BaseURL:  "https://openrouter.ai/api/v1",
			}))
			p.llmOn = true
		}

	case "google":
		if apiKey != "" {
			_ = os.Setenv("GEMINI_API_KEY", apiKey)
			p.g = genkit.Init(ctx,
				genkit.WithPlugins(&googlegenai.GoogleAI{}),
				genkit.WithDefaultModel(p.model),
			)
			p.llmOn = true
		}

	default:
		return nil, fmt.Errorf("unknown LLM provider %q", provider)
	}

	if p.llmOn {
		p.logger.Info("model provider initialized", "provider", provider, "model", p.model)
	} else {
		p.logger.Warn("model provider has no API key; generation will fail", "provider", provider)
	}
	return p, nil
}

// FromConfig builds the provider selected by cfg.LLM.
func FromConfig(ctx context.Context, cfg config.Config, metrics *otel.Metrics, tracer trace.Tracer, logger *slog.Logger) (*Genkit, error) {
	provider, model, apiKey := cfg.ResolveLLMConfig()
	opts := Options{
		Provider: provider,
		Model:    model,
		APIKey:   apiKey,
		Timeout:  time.Duration(cfg.Generation.ProviderTimeoutSeconds) * time.Second,
		Metrics:  metrics,
		Tracer:   tracer,
		Logger:   logger,
	}
	if pc, ok := cfg.Providers[provider]; ok {
		opts.BaseURL = pc.BaseURL
	}
	if provider == "openai_compatible" {
		opts.CompatProvider = cfg.LLM.OpenAICompatibleProvider
		if cfg.LLM.OpenAICompatibleBaseURL != "" {
			opts.BaseURL = cfg.LLM.OpenAICompatibleBaseURL
		}
	}
	return New(ctx, opts)
}

func (p *Genkit) Model() string { return p.model }

// Generate sends p to the model under the provider timeout.
func (p *Genkit) Generate(ctx context.Context, prompt Prompt) (string, error) {
	if !p.llmOn {
		return "", Classify(fmt.Errorf("%s: %w", p.provider, ErrMissingAPIKey))
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	ctx, span := otel.StartClientSpan(ctx, p.tracer, "provider.generate", otel.AttrModel.String(p.model))
	defer span.End()

	opts := []ai.GenerateOption{
		ai.WithModelName(p.model),
		ai.WithPrompt(escapeFormat(prompt.User)),
	}
	if prompt.System != "" {
		opts = append(opts, ai.WithSystem(escapeFormat(prompt.System)))
	}

	start := time.Now()
	resp, err := genkit.Generate(ctx, p.g, opts...)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		classified := Classify(err)
		kind := Kind(classified)
		p.metrics.RecordProviderCall(ctx, p.model, string(kind), time.Since(start))
		span.RecordError(classified)
		p.logger.Warn("provider call failed", "model", p.model, "kind", kind, "error", err)
		return "", classified
	}
	p.metrics.RecordProviderCall(ctx, p.model, "", time.Since(start))
	return resp.Text(), nil
}

func defaultModelForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5"
	case "openai", "openai_compatible":
		return "gpt-4o-mini"
	case "openrouter":
		return "anthropic/claude-sonnet-4-5"
	default:
		return "gemini-2.5-flash"
	}
}

func envAPIKeyForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai", "openai_compatible":
		return os.Getenv("OPENAI_API_KEY")
	case "openrouter":
		return os.Getenv("OPENROUTER_API_KEY")
	case "google":
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	default:
		return ""
	}
}

func modelNameForProvider(provider, model string) string {
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openai_compatible", "openrouter":
		return model
	default:
		return "googleai/" + model
	}
}
