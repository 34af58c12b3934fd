package provider

import (
	"context"
	"errors"
	"strings"

	"github.com/basket/kaihost/internal/extension"
)

// ErrMissingAPIKey is reported when the configured provider has no credential.
var ErrMissingAPIKey = errors.New("no API key configured for provider")

// Classify maps a provider failure onto the provider error kinds. It
// inspects context errors first, then the message for known HTTP status and
// vendor patterns. Anything unrecognized is Unavailable.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var pe *extension.ProviderError
	if errors.As(err, &pe) {
		return err
	}
	return &extension.ProviderError{Kind: Kind(err), Err: err}
}

// Kind returns the provider error kind err would be classified as.
func Kind(err error) extension.ProviderErrorKind {
	var pe *extension.ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return extension.ProviderTimeout
	}
	if errors.Is(err, ErrMissingAPIKey) {
		return extension.ProviderInvalidCredential
	}
	msg := strings.ToLower(err.Error())

	// Auth: 401, unauthorized, invalid key, forbidden, 403.
	if strings.Contains(msg, "401") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "invalid key") ||
		strings.Contains(msg, "invalid api key") ||
		strings.Contains(msg, "invalid x-api-key") ||
		strings.Contains(msg, "api key not valid") ||
		strings.Contains(msg, "permission_denied") ||
		strings.Contains(msg, "forbidden") ||
		strings.Contains(msg, "403") {
		return extension.ProviderInvalidCredential
	}

	// Rate limit: 429, rate limit, quota exceeded, too many requests.
	if strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "resource_exhausted") ||
		strings.Contains(msg, "quota") ||
		strings.Contains(msg, "too many requests") {
		return extension.ProviderRateLimited
	}

	if strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "timed out") {
		return extension.ProviderTimeout
	}

	return extension.ProviderUnavailable
}
