package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/basket/kaihost/internal/extension"
	"github.com/basket/kaihost/internal/shared"
)

// preferences is the on-disk catalog, extensions.yaml.
type preferences struct {
	Extensions []extension.Record `yaml:"extensions"`
}

func (r *Registry) savePreferences() error {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()
	raw, err := yaml.Marshal(preferences{Extensions: r.List()})
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}
	if err := shared.WriteFileAtomic(r.dir, preferencesFile, raw); err != nil {
		return fmt.Errorf("write preferences: %w", err)
	}
	return nil
}

func (r *Registry) loadPreferences() ([]extension.Record, error) {
	raw, err := os.ReadFile(filepath.Join(r.dir, preferencesFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read preferences: %w", err)
	}
	var prefs preferences
	if err := yaml.Unmarshal(raw, &prefs); err != nil {
		return nil, fmt.Errorf("parse preferences: %w", err)
	}
	return prefs.Extensions, nil
}

// Load restores the catalog at start-up and activates enabled extensions.
// A failing extension is disabled; it never aborts start-up. Valid source
// files in the modules directory that the catalog does not know are
// installed with origin disk.
func (r *Registry) Load(ctx context.Context) error {
	recs, err := r.loadPreferences()
	if err != nil {
		return err
	}
	known := map[string]bool{}
	for _, rec := range recs {
		if rec.ID == "" || known[rec.ID] {
			continue
		}
		known[rec.ID] = true
		unlock := r.lock(rec.ID)
		r.restore(shared.WithExtensionID(ctx, rec.ID), rec)
		unlock()
	}

	files, err := os.ReadDir(r.modules)
	if err != nil {
		return fmt.Errorf("read modules dir: %w", err)
	}
	for _, f := range files {
		name := f.Name()
		if f.IsDir() || !extension.ValidFileName(name) || known[extension.Stem(name)] {
			continue
		}
		code, err := os.ReadFile(filepath.Join(r.modules, name))
		if err != nil {
			r.logger.Warn("read dropped-in source failed", "file", name, "error", err)
			continue
		}
		if _, err := r.Install(ctx, extension.NewSourceUnit(name, code), extension.OriginDisk); err != nil {
			r.logger.Warn("adopt dropped-in source failed", "file", name, "error", err)
		}
	}
	if err := r.savePreferences(); err != nil {
		r.logger.Error("save extension preferences failed", "error", err)
	}
	r.logger.Info("extension catalog loaded", "extensions", len(r.List()))
	return nil
}

// restore re-creates one catalog entry. Callers hold the id lock.
func (r *Registry) restore(ctx context.Context, rec extension.Record) {
	code, err := os.ReadFile(filepath.Join(r.modules, rec.FileName))
	if err != nil {
		r.logger.Warn("extension source missing, dropping catalog entry", "extension", rec.ID, "file", rec.FileName, "error", err)
		return
	}
	r.refreshSource(&rec, code)
	if rec.DataNamespace == "" {
		rec.DataNamespace = rec.ID
	}
	if !rec.Enabled {
		r.put(rec, nil)
		return
	}
	ep, err := r.validator.Validate(extension.NewSourceUnit(rec.FileName, code))
	if err != nil {
		rec.Enabled = false
		rec.LastError = err.Error()
		r.put(rec, nil)
		r.logger.Warn("extension failed validation at start-up", "extension", rec.ID, "error", err)
		return
	}
	live, actErr := r.activate(ctx, rec, ep, nil)
	rec.LastError = ""
	if actErr != nil {
		rec.Enabled = false
		rec.LastError = actErr.Error()
	}
	r.put(rec, live)
}
