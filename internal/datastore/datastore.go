// Package datastore persists one JSON document per extension under
// <home>/data/<name>/document.json.
package datastore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/kaihost/internal/extension"
	"github.com/basket/kaihost/internal/shared"
)

const documentFile = "document.json"

// documentSchema is what a stored document must look like to be handed back
// to an extension.
const documentSchema = `{
  "type": "object",
  "propertyNames": {"minLength": 1}
}`

type Store struct {
	root   string
	logger *slog.Logger
	schema *jsonschema.Schema
	locks  sync.Map // per-extension *sync.Mutex
}

// New opens (creating lazily) the data directory rooted at root.
func New(root string, logger *slog.Logger) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("datastore root is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(documentSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal document schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("document.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("document.json")
	if err != nil {
		return nil, fmt.Errorf("compile document schema: %w", err)
	}
	return &Store{root: root, logger: logger, schema: schema}, nil
}

func (s *Store) Root() string { return s.root }

// Path returns the document path for id.
func (s *Store) Path(id string) (string, error) {
	dir, err := s.dir(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, documentFile), nil
}

func (s *Store) lock(id string) func() {
	mu, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

// Load returns the extension's document. A missing, unreadable or malformed
// document yields an empty one.
func (s *Store) Load(id string) extension.Document {
	path, err := s.Path(id)
	if err != nil {
		s.logger.Warn("invalid data namespace", "extension", id, "error", err)
		return extension.Document{}
	}
	unlock := s.lock(id)
	defer unlock()

	raw, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("read extension document", "extension", id, "error", err)
		}
		return extension.Document{}
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		s.logger.Warn("extension document is corrupt, starting empty", "extension", id, "error", err)
		return extension.Document{}
	}
	if err := s.schema.Validate(v); err != nil {
		s.logger.Warn("extension document has unexpected shape, starting empty", "extension", id, "error", err)
		return extension.Document{}
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return extension.Document{}
	}
	return extension.Document(obj)
}

// Save atomically replaces the extension's document. On failure the
// previously saved document stays in place.
func (s *Store) Save(id string, doc extension.Document) error {
	dir, err := s.dir(id)
	if err != nil {
		return &extension.PersistenceError{Extension: id, Op: "save", Err: err}
	}
	if doc == nil {
		doc = extension.Document{}
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return &extension.PersistenceError{Extension: id, Op: "save", Err: fmt.Errorf("encode: %w", err)}
	}

	unlock := s.lock(id)
	defer unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &extension.PersistenceError{Extension: id, Op: "save", Err: err}
	}
	if err := shared.WriteFileAtomic(dir, documentFile, raw); err != nil {
		return &extension.PersistenceError{Extension: id, Op: "save", Err: err}
	}
	return nil
}

// Clear destroys the extension's namespace. The directory is renamed out of
// the way first so a crash never leaves a half-deleted document behind.
func (s *Store) Clear(id string) error {
	dir, err := s.dir(id)
	if err != nil {
		return &extension.PersistenceError{Extension: id, Op: "clear", Err: err}
	}
	unlock := s.lock(id)
	defer unlock()

	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	trash := filepath.Join(s.root, fmt.Sprintf(".trash-%s-%d", id, time.Now().UnixNano()))
	if err := os.Rename(dir, trash); err != nil {
		return &extension.PersistenceError{Extension: id, Op: "clear", Err: err}
	}
	if err := os.RemoveAll(trash); err != nil {
		s.logger.Warn("remove cleared namespace", "extension", id, "path", trash, "error", err)
	}
	return nil
}

// Exists reports whether id has a saved document.
func (s *Store) Exists(id string) bool {
	path, err := s.Path(id)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Namespace returns the extension.Data handle bound to id.
func (s *Store) Namespace(id string) extension.Data {
	return namespace{store: s, id: id}
}

type namespace struct {
	store *Store
	id    string
}

func (n namespace) Load() extension.Document         { return n.store.Load(n.id) }
func (n namespace) Save(doc extension.Document) error { return n.store.Save(n.id, doc) }

func (s *Store) dir(id string) (string, error) {
	name := strings.TrimSpace(id)
	if name == "" {
		return "", fmt.Errorf("empty extension id")
	}
	// Ids are logical names, not paths.
	if name == "." || name == ".." || strings.HasPrefix(name, ".") || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("invalid extension id: %q", id)
	}
	return filepath.Join(s.root, name), nil
}
