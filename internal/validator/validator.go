// Package validator checks candidate extension units against the structural
// contract before anything is executed.
package validator

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tetratelabs/wazero"

	"github.com/basket/kaihost/internal/extension"
)

// DefaultReservedNames are host type names an extension type may not reuse.
var DefaultReservedNames = []string{
	"Extension", "Module", "Plugin", "HostExtension", "BaseModule", "Browser", "BrowserCore",
}

type Config struct {
	ReservedNames []string
	Logger        *slog.Logger
}

// Validator is safe for concurrent use.
type Validator struct {
	reserved map[string]struct{}
	logger   *slog.Logger
	wasm     wazero.Runtime
}

func New(ctx context.Context, cfg Config) *Validator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	names := cfg.ReservedNames
	if len(names) == 0 {
		names = DefaultReservedNames
	}
	reserved := make(map[string]struct{}, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			reserved[n] = struct{}{}
		}
	}
	return &Validator{
		reserved: reserved,
		logger:   cfg.Logger,
		// Compile-only runtime; nothing is ever instantiated on it.
		wasm: wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfigInterpreter()),
	}
}

func (v *Validator) Close(ctx context.Context) error {
	return v.wasm.Close(ctx)
}

// Validate runs the structural checks and returns how to activate the unit.
// It never executes extension code.
func (v *Validator) Validate(unit extension.SourceUnit) (extension.EntryPoint, error) {
	if len(bytes.TrimSpace(unit.Code)) == 0 {
		return extension.EntryPoint{}, &extension.ValidationError{Rule: extension.RuleEmpty, Detail: "unit has no code"}
	}
	kind := unit.Kind
	if kind == "" {
		kind = extension.KindFromFileName(unit.FileName)
	}
	if unit.FileName != "" {
		if !extension.ValidFileName(unit.FileName) {
			return extension.EntryPoint{}, &extension.ValidationError{
				Rule:   extension.RuleFileName,
				Detail: fmt.Sprintf("file name %q must be lowercase letters, digits and underscores with a .lua or .wasm extension", unit.FileName),
			}
		}
		if fk := extension.KindFromFileName(unit.FileName); fk != kind {
			return extension.EntryPoint{}, &extension.ValidationError{
				Rule:   extension.RuleFileName,
				Detail: fmt.Sprintf("file name %q does not match unit kind %q", unit.FileName, kind),
			}
		}
	}

	var (
		ep  extension.EntryPoint
		err error
	)
	switch kind {
	case extension.KindLua:
		ep, err = v.validateLua(unit)
	case extension.KindWASM:
		ep, err = v.validateWASM(unit)
	default:
		return extension.EntryPoint{}, &extension.ValidationError{
			Rule:   extension.RuleFileName,
			Detail: fmt.Sprintf("unsupported unit kind %q", kind),
		}
	}
	if err != nil {
		v.logger.Debug("unit rejected", "file", unit.FileName, "error", err)
		return extension.EntryPoint{}, err
	}
	ep.Kind = kind
	if unit.FileName != "" {
		ep.Name = extension.Stem(unit.FileName)
	}
	if ep.Name == "" {
		return extension.EntryPoint{}, &extension.ValidationError{
			Rule:   extension.RuleNoName,
			Detail: "unit declares no type and has no file name to derive its name from",
		}
	}
	// The name becomes the stored file name, which is validated on every reload.
	if !extension.ValidFileName(ep.Name + kind.Ext()) {
		return extension.EntryPoint{}, &extension.ValidationError{
			Rule:   extension.RuleFileName,
			Detail: fmt.Sprintf("derived name %q does not give a valid file name", ep.Name),
		}
	}
	return ep, nil
}

func (v *Validator) isReserved(typeName string) bool {
	_, ok := v.reserved[typeName]
	return ok
}
