package shared

import "regexp"

const redactedPlaceholder = "[REDACTED]"

// secretPatterns match credentials that provider errors and prompts tend to echo back.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|x-api-key)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// Google AI keys.
	regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`),
	// Anthropic and OpenAI style keys.
	regexp.MustCompile(`sk-(ant-)?[A-Za-z0-9_\-]{20,}`),
	// Marketplace tokens embedded in URLs.
	regexp.MustCompile(`(?i)([?&]token=)([A-Za-z0-9_\-.]{8,})`),
}

// Redact replaces secret-bearing substrings with [REDACTED], keeping any
// key-like prefix so the log line still says what was removed.
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 && submatch[1] != "" && submatch[2] != "" {
				return submatch[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}
