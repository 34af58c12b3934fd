package extension

import (
	"path/filepath"
	"regexp"
	"strings"
)

// EligibleSuffixes are the type-name suffixes that mark a table as an
// extension type.
var EligibleSuffixes = []string{"Extension", "Module", "Plugin"}

var (
	fileNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*\.(lua|wasm)$`)
	camelBoundary1  = regexp.MustCompile(`(.)([A-Z][a-z]+)`)
	camelBoundary2  = regexp.MustCompile(`([a-z0-9])([A-Z])`)
	nonIdent        = regexp.MustCompile(`[^a-z0-9_]+`)
	underscoreRun   = regexp.MustCompile(`_{2,}`)
)

// ValidFileName reports whether name follows the lowercase-with-underscores
// convention for unit files.
func ValidFileName(name string) bool {
	return fileNamePattern.MatchString(name)
}

// Stem returns the file name without directory or extension.
func Stem(fileName string) string {
	base := filepath.Base(fileName)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// HasEligibleSuffix reports whether typeName ends in a recognized suffix.
func HasEligibleSuffix(typeName string) bool {
	for _, s := range EligibleSuffixes {
		if strings.HasSuffix(typeName, s) {
			return true
		}
	}
	return false
}

// NameFromType converts WordCounterExtension to word_counter. Leading
// non-letters are dropped and underscore runs collapsed, so _NotesExtension
// becomes notes.
func NameFromType(typeName string) string {
	for _, s := range EligibleSuffixes {
		if strings.HasSuffix(typeName, s) && len(typeName) > len(s) {
			typeName = strings.TrimSuffix(typeName, s)
			break
		}
	}
	name := camelBoundary1.ReplaceAllString(typeName, "${1}_${2}")
	name = camelBoundary2.ReplaceAllString(name, "${1}_${2}")
	name = nonIdent.ReplaceAllString(strings.ToLower(name), "_")
	name = underscoreRun.ReplaceAllString(name, "_")
	name = strings.TrimLeftFunc(name, func(r rune) bool { return r < 'a' || r > 'z' })
	return strings.TrimRight(name, "_")
}

// Slug turns free text into a valid extension name, keeping at most
// maxWords words. Returns "" when nothing usable remains.
func Slug(text string, maxWords int) string {
	words := strings.Fields(strings.ToLower(text))
	var kept []string
	for _, w := range words {
		w = nonIdent.ReplaceAllString(w, "")
		if w == "" {
			continue
		}
		kept = append(kept, w)
		if maxWords > 0 && len(kept) == maxWords {
			break
		}
	}
	s := strings.Trim(strings.Join(kept, "_"), "_")
	for s != "" && (s[0] < 'a' || s[0] > 'z') {
		s = s[1:]
	}
	return s
}
