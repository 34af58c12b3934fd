// Package provider talks to the natural-language model that drafts extension
// source. Every failure leaving this package is an *extension.ProviderError.
package provider

import (
	"context"
	"strings"
)

// Prompt is one request to the model: a system preamble and the user turn.
type Prompt struct {
	System string
	User   string
}

// Provider produces a raw model response for a prompt. Implementations must
// honor ctx cancellation.
type Provider interface {
	Generate(ctx context.Context, p Prompt) (string, error)
	Model() string
}

// Func adapts a function to Provider.
type Func func(ctx context.Context, p Prompt) (string, error)

func (f Func) Generate(ctx context.Context, p Prompt) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", Classify(err)
	}
	out, err := f(ctx, p)
	if err != nil {
		return "", Classify(err)
	}
	return out, nil
}

func (f Func) Model() string { return "func" }

// Static always answers with Reply. It backs offline generation.
type Static struct {
	Reply string
}

func (s Static) Generate(ctx context.Context, _ Prompt) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", Classify(err)
	}
	return s.Reply, nil
}

func (s Static) Model() string { return "static" }

// escapeFormat protects literal % signs from genkit's prompt formatting.
func escapeFormat(s string) string {
	return strings.ReplaceAll(s, "%", "%%")
}
