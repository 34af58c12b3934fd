package extension

import (
	"errors"
	"fmt"
)

// Validation rule identifiers reported in ValidationError.Rule.
const (
	RuleEmpty            = "empty"
	RuleFileName         = "file-name"
	RuleNoName           = "no-name"
	RuleSyntax           = "syntax"
	RuleNoEntryPoint     = "no-entry-point"
	RuleSuffix           = "suffix"
	RuleMultipleTypes    = "multiple-types"
	RuleReservedName     = "reserved-name"
	RuleConflictingEntry = "conflicting-entry"
	RuleSignature        = "signature"
)

// ValidationError is a structural contract violation. Rule names the
// specific check that failed.
type ValidationError struct {
	Rule   string
	Detail string
	Line   int
}

func (e *ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("validation failed [%s] line %d: %s", e.Rule, e.Line, e.Detail)
	}
	return fmt.Sprintf("validation failed [%s]: %s", e.Rule, e.Detail)
}

// DependencyErrorKind splits dependency failures.
type DependencyErrorKind string

const (
	DependencySystemRequired DependencyErrorKind = "SYSTEM_REQUIRED"
	DependencyInstallFailed  DependencyErrorKind = "INSTALL_FAILED"
)

// DependencyError reports an unresolvable import. SystemRequired errors carry
// the exact remediation command; InstallFailed errors wrap the installer error.
type DependencyError struct {
	Kind        DependencyErrorKind
	Package     string
	Remediation string
	Err         error
}

func (e *DependencyError) Error() string {
	switch e.Kind {
	case DependencySystemRequired:
		return fmt.Sprintf("package %q must be installed by the operator: run `%s`", e.Package, e.Remediation)
	default:
		if e.Err != nil {
			return fmt.Sprintf("install package %q: %v", e.Package, e.Err)
		}
		return fmt.Sprintf("install package %q failed", e.Package)
	}
}

func (e *DependencyError) Unwrap() error { return e.Err }

// ImportError is raised by a runtime when extension code requires a module
// that is not on its search path.
type ImportError struct {
	Module  string
	Package string
}

func (e *ImportError) Error() string {
	return fmt.Sprintf("module %q not found", e.Module)
}

// Activation fault codes.
const (
	FaultRuntime = "RUNTIME_ERROR"
	FaultPanic   = "PANIC"
	FaultImport  = "IMPORT_ERROR"
	FaultTimeout = "TIMEOUT"
	FaultMemory  = "MEMORY_EXCEEDED"
	FaultLoad    = "LOAD_ERROR"
)

// ActivationError is an error raised while running extension code. It is
// caught at the registry boundary and never crashes the host.
type ActivationError struct {
	Extension string
	Reason    string
	Err       error
}

func (e *ActivationError) Error() string {
	return fmt.Sprintf("activate %s: %s: %v", e.Extension, e.Reason, e.Err)
}

func (e *ActivationError) Unwrap() error { return e.Err }

// ProviderErrorKind classifies model-provider failures.
type ProviderErrorKind string

const (
	ProviderTimeout           ProviderErrorKind = "TIMEOUT"
	ProviderRateLimited       ProviderErrorKind = "RATE_LIMITED"
	ProviderInvalidCredential ProviderErrorKind = "INVALID_CREDENTIAL"
	ProviderUnavailable       ProviderErrorKind = "UNAVAILABLE"
)

// ProviderError is a classified model-provider failure.
type ProviderError struct {
	Kind ProviderErrorKind
	Err  error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// PersistenceError is an I/O failure saving an extension document. The
// previously saved document remains the durable value.
type PersistenceError struct {
	Extension string
	Op        string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s document for %s: %v", e.Op, e.Extension, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ErrNotFound is returned for unknown extension ids.
var ErrNotFound = errors.New("extension not found")

// AsImportError extracts a missing-import cause from err.
func AsImportError(err error) (*ImportError, bool) {
	var ie *ImportError
	if errors.As(err, &ie) {
		return ie, true
	}
	return nil, false
}
