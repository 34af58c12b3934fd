package provider

import (
	"regexp"
	"strings"
)

// Response is a parsed model reply.
type Response struct {
	Chat         string
	Code         string
	Requirements string
	// Packages lists the packages named in the requirements section.
	Packages []string
	// Sections lists the sections present, in the order chat, code,
	// requirements. Empty when the whole reply was taken as code.
	Sections []string
}

var (
	fenceOpen    = regexp.MustCompile("(?m)^```[A-Za-z0-9_+-]*[ \t]*\r?\n")
	fenceClose   = regexp.MustCompile("(?m)\r?\n?```[ \t]*$")
	leakedTag    = regexp.MustCompile(`(?i)\[\\?/?(CODE|CHAT|REQUIREMENTS)\]?`)
	trailingOpen = regexp.MustCompile(`\[[\\/]*[A-Z]*\s*$`)

	installPattern = regexp.MustCompile(`(?i)(?:luarocks|pip)\s+install\s+([A-Za-z0-9_.-]+)`)
	bulletPattern  = regexp.MustCompile(`(?m)^\s*[•*-]\s*([A-Za-z][A-Za-z0-9_-]*)\s*(?:\(.*)?$`)
)

// Words that look like package names in a bullet list but are prose.
var notPackages = map[string]bool{
	"no": true, "none": true, "only": true, "uses": true, "needed": true,
	"required": true, "requires": true, "install": true, "installation": true,
	"internet": true, "connection": true,
}

// ParseResponse splits a reply into its [CHAT], [CODE] and [REQUIREMENTS]
// sections. Without any section markers the whole reply is taken as code.
// Markdown fences and stray section tags are removed from the code.
func ParseResponse(raw string) Response {
	var r Response
	if s, ok := section(raw, "CHAT"); ok {
		r.Chat = s
		r.Sections = append(r.Sections, "chat")
	}
	code, hasCode := section(raw, "CODE")
	if hasCode {
		r.Sections = append(r.Sections, "code")
	}
	if s, ok := section(raw, "REQUIREMENTS"); ok {
		r.Requirements = s
		r.Sections = append(r.Sections, "requirements")
	}
	if len(r.Sections) == 0 {
		code = raw
	}
	r.Code = cleanCode(code)
	r.Packages = parsePackages(r.Requirements)
	return r
}

// section returns the text between [NAME] and [/NAME]. An unterminated
// section runs to the next opening tag or the end of the reply.
func section(raw, name string) (string, bool) {
	open := "[" + name + "]"
	start := strings.Index(raw, open)
	if start < 0 {
		return "", false
	}
	body := raw[start+len(open):]
	if end := strings.Index(body, "[/"+name+"]"); end >= 0 {
		return strings.TrimSpace(body[:end]), true
	}
	for _, other := range []string{"[CHAT]", "[CODE]", "[REQUIREMENTS]"} {
		if other == open {
			continue
		}
		if i := strings.Index(body, other); i >= 0 {
			body = body[:i]
		}
	}
	return strings.TrimSpace(body), true
}

func cleanCode(code string) string {
	code = strings.TrimSpace(code)
	if code == "" {
		return ""
	}
	code = fenceOpen.ReplaceAllString(code, "")
	code = fenceClose.ReplaceAllString(code, "")
	code = leakedTag.ReplaceAllString(code, "")
	code = trailingOpen.ReplaceAllString(code, "")
	return strings.TrimSpace(code) + "\n"
}

func parsePackages(req string) []string {
	if req == "" {
		return nil
	}
	var found []string
	for _, m := range installPattern.FindAllStringSubmatch(req, -1) {
		found = append(found, m[1])
	}
	for _, m := range bulletPattern.FindAllStringSubmatch(req, -1) {
		if len(m[1]) < 30 {
			found = append(found, m[1])
		}
	}
	seen := map[string]bool{}
	var out []string
	for _, pkg := range found {
		key := strings.ToLower(strings.TrimSpace(pkg))
		if key == "" || seen[key] || notPackages[key] {
			continue
		}
		seen[key] = true
		out = append(out, pkg)
	}
	return out
}
