package extension_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/basket/kaihost/internal/extension"
)

func TestNameFromType(t *testing.T) {
	cases := map[string]string{
		"WordCounterExtension": "word_counter",
		"ClockModule":          "clock",
		"HTTPInspectorPlugin":  "http_inspector",
		"DarkMode":             "dark_mode",
		"_NotesExtension":      "notes",
		"__Word__CountModule":  "word_count",
		"9LivesPlugin":         "lives",
	}
	for in, want := range cases {
		if got := extension.NameFromType(in); got != want {
			t.Fatalf("NameFromType(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestValidFileName(t *testing.T) {
	valid := []string{"clock.lua", "word_counter.lua", "a1.wasm"}
	invalid := []string{"Clock.lua", "1clock.lua", "clock-x.lua", "clock.py", "clock", ""}
	for _, n := range valid {
		if !extension.ValidFileName(n) {
			t.Fatalf("expected %q valid", n)
		}
	}
	for _, n := range invalid {
		if extension.ValidFileName(n) {
			t.Fatalf("expected %q invalid", n)
		}
	}
}

func TestSlug(t *testing.T) {
	if got := extension.Slug("Show a Word-Counter in the toolbar!", 3); got != "show_a_wordcounter" {
		t.Fatalf("unexpected slug %q", got)
	}
	if got := extension.Slug("42 ways", 2); got != "ways" {
		t.Fatalf("unexpected slug %q", got)
	}
	if got := extension.Slug("!!!", 2); got != "" {
		t.Fatalf("expected empty slug, got %q", got)
	}
}

func TestKindFromFileName(t *testing.T) {
	if extension.KindFromFileName("x.lua") != extension.KindLua {
		t.Fatalf("expected lua kind")
	}
	if extension.KindFromFileName("x.WASM") != extension.KindWASM {
		t.Fatalf("expected wasm kind")
	}
	if extension.KindFromFileName("x.py") != "" {
		t.Fatalf("expected unknown kind")
	}
}

func TestActivationErrorUnwrapsImportError(t *testing.T) {
	err := fmt.Errorf("install: %w", &extension.ActivationError{
		Extension: "clock",
		Reason:    extension.FaultImport,
		Err:       &extension.ImportError{Module: "json.util", Package: "json"},
	})
	ie, ok := extension.AsImportError(err)
	if !ok {
		t.Fatalf("expected import error in chain")
	}
	if ie.Package != "json" {
		t.Fatalf("unexpected package %q", ie.Package)
	}
	var ae *extension.ActivationError
	if !errors.As(err, &ae) || ae.Extension != "clock" {
		t.Fatalf("expected activation error for clock")
	}
}
