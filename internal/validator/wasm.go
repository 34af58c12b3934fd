package validator

import (
	"context"
	"fmt"

	"github.com/basket/kaihost/internal/extension"
)

// startExport is the WASI command entry point; a module exporting it next to
// activate has two competing ways to run.
const startExport = "_start"

func (v *Validator) validateWASM(unit extension.SourceUnit) (extension.EntryPoint, error) {
	ctx := context.Background()
	compiled, err := v.wasm.CompileModule(ctx, unit.Code)
	if err != nil {
		return extension.EntryPoint{}, &extension.ValidationError{Rule: extension.RuleSyntax, Detail: fmt.Sprintf("compile wasm: %v", err)}
	}
	defer func() { _ = compiled.Close(ctx) }()

	exports := compiled.ExportedFunctions()
	activate, ok := exports[entryName]
	if !ok {
		detail := "module does not export an activate function"
		for name := range exports {
			if editDistance(name, entryName) <= 2 && name != deactivateName {
				detail += fmt.Sprintf(" (found %q, did you mean %q?)", name, entryName)
				break
			}
		}
		return extension.EntryPoint{}, &extension.ValidationError{Rule: extension.RuleNoEntryPoint, Detail: detail}
	}
	if _, ok := exports[startExport]; ok {
		return extension.EntryPoint{}, &extension.ValidationError{
			Rule:   extension.RuleConflictingEntry,
			Detail: "module exports both activate and _start",
		}
	}
	if len(activate.ParamTypes()) != 0 || len(activate.ResultTypes()) != 0 {
		return extension.EntryPoint{}, &extension.ValidationError{
			Rule:   extension.RuleSignature,
			Detail: fmt.Sprintf("activate must take no parameters and return nothing, got %d params and %d results", len(activate.ParamTypes()), len(activate.ResultTypes())),
		}
	}
	var imports []string
	for _, def := range compiled.ImportedFunctions() {
		moduleName, name, _ := def.Import()
		imports = append(imports, moduleName+"."+name)
	}
	_, hasDeactivate := exports[deactivateName]
	return extension.EntryPoint{
		Style:         extension.EntryFunction,
		HasDeactivate: hasDeactivate,
		Imports:       imports,
	}, nil
}
