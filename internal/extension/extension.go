// Package extension holds the types shared by the validator, runtimes, registry
// and generation pipeline: source units, entry points, catalog records and the
// error taxonomy.
package extension

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/kaihost/internal/surface"
)

// Kind names the runtime a source unit targets.
type Kind string

const (
	KindLua  Kind = "lua"
	KindWASM Kind = "wasm"
)

// KindFromFileName maps a unit file name to its runtime kind. Unknown
// extensions return "".
func KindFromFileName(name string) Kind {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".lua":
		return KindLua
	case ".wasm":
		return KindWASM
	default:
		return ""
	}
}

// Ext returns the file extension (with dot) for the kind.
func (k Kind) Ext() string {
	switch k {
	case KindWASM:
		return ".wasm"
	default:
		return ".lua"
	}
}

// Origin records how an extension entered the catalog.
type Origin string

const (
	OriginManual      Origin = "manual"
	OriginGenerated   Origin = "generated"
	OriginMarketplace Origin = "marketplace"
	OriginDisk        Origin = "disk"
)

// SourceUnit is one candidate extension: a file name and its code.
// FileName may be empty for generated code that only declares a type.
type SourceUnit struct {
	FileName string
	Kind     Kind
	Code     []byte
}

// NewSourceUnit builds a unit and infers its kind from the file name.
func NewSourceUnit(fileName string, code []byte) SourceUnit {
	kind := KindFromFileName(fileName)
	if kind == "" && fileName == "" {
		kind = KindLua
	}
	return SourceUnit{FileName: fileName, Kind: kind, Code: code}
}

// Hash is the sha256 content hash used for install idempotence.
func (u SourceUnit) Hash() string {
	return ContentHash(u.Code)
}

// ContentHash returns the hex sha256 of code.
func ContentHash(code []byte) string {
	sum := sha256.Sum256(code)
	return hex.EncodeToString(sum[:])
}

// EntryStyle distinguishes the two activation shapes a unit may expose.
type EntryStyle string

const (
	// EntryFunction is a freestanding activate function (or WASM export).
	EntryFunction EntryStyle = "function"
	// EntryMethod is an activate method on an eligible type.
	EntryMethod EntryStyle = "method"
)

// EntryPoint is the validator's verdict: how the registry instantiates
// and activates a unit.
type EntryPoint struct {
	Name          string
	Kind          Kind
	Style         EntryStyle
	TypeName      string
	TypeIsLocal   bool
	HasDeactivate bool
	Imports       []string
}

// Record is one catalog entry. Source lives in its own file; the record
// carries a copy so reload can compare hashes.
type Record struct {
	ID            string    `yaml:"name" json:"id"`
	FileName      string    `yaml:"file" json:"file"`
	Kind          Kind      `yaml:"kind" json:"kind"`
	Hash          string    `yaml:"hash" json:"hash"`
	Version       int       `yaml:"version" json:"version"`
	Enabled       bool      `yaml:"enabled" json:"enabled"`
	Origin        Origin    `yaml:"origin" json:"origin"`
	InstalledAt   time.Time `yaml:"installed_at" json:"installed_at"`
	UpdatedAt     time.Time `yaml:"updated_at" json:"updated_at"`
	LastError     string    `yaml:"last_error,omitempty" json:"last_error,omitempty"`
	DataNamespace string    `yaml:"data_namespace" json:"data_namespace"`
	Source        []byte    `yaml:"-" json:"-"`
}

// Name is an alias for ID; the stable name is the identifier.
func (r Record) Name() string { return r.ID }

// Extension is the registration interface every runtime produces. The
// registry only ever talks to extensions through it.
type Extension interface {
	Activate(ctx context.Context, s surface.Surface) error
	Deactivate(ctx context.Context) error
	Close() error
}

// Document is the per-extension persisted key-value document.
type Document map[string]any

// Data is the namespaced persistence handle an extension receives.
type Data interface {
	Load() Document
	Save(doc Document) error
}

// Env is what a runtime needs besides the unit itself.
type Env struct {
	Name       string
	Data       Data
	SearchPath []string
	Logger     *slog.Logger
	// OnFault is invoked when extension code fails outside activation,
	// e.g. inside a toolbar callback.
	OnFault func(err error)
}

// Runtime instantiates validated units of one kind.
type Runtime interface {
	Kind() Kind
	Instantiate(ctx context.Context, unit SourceUnit, ep EntryPoint, env Env) (Extension, error)
}
