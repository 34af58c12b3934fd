// Package safety scans extension source for credentials that should never
// be written into code a model produced.
package safety

import (
	"bufio"
	"bytes"
	"regexp"
)

// Finding is one suspected secret in a source unit.
type Finding struct {
	Kind string
	Line int
	// Sample is a truncated prefix of the match, safe to log.
	Sample string
}

var secretPatterns = []struct {
	re   *regexp.Regexp
	kind string
}{
	{regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret|token)\s*[:=]\s*["']([A-Za-z0-9_\-./+=]{16,})["']`), "credential assignment"},
	{regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9_\-./+=]{16,}`), "bearer token"},
	{regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`), "Google API key"},
	{regexp.MustCompile(`sk-(ant-)?[A-Za-z0-9_\-]{20,}`), "model provider key"},
	{regexp.MustCompile(`-----BEGIN\s+(RSA\s+|EC\s+)?PRIVATE\s+KEY-----`), "private key"},
	{regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*["'][^\s"']{8,}["']`), "password"},
}

const maxFindings = 10

// ScanSource reports lines of code that look like embedded credentials.
// It never modifies the input.
func ScanSource(code []byte) []Finding {
	var findings []Finding
	sc := bufio.NewScanner(bytes.NewReader(code))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		for _, p := range secretPatterns {
			m := p.re.FindString(text)
			if m == "" {
				continue
			}
			sample := m
			if len(sample) > 12 {
				sample = sample[:9] + "..."
			}
			findings = append(findings, Finding{Kind: p.kind, Line: line, Sample: sample})
			if len(findings) == maxFindings {
				return findings
			}
			break
		}
	}
	return findings
}
