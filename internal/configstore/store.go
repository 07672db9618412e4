// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 UnitHost Contributors

// Package configstore persists configuration documents: one per unit id
// plus a single global document. Writes are atomic (temp file + rename) and
// serialized per id; loads merge persisted state over caller defaults.
package configstore

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/samber/oops"
	"gopkg.in/yaml.v3"
)

const (
	globalFile = "global.yaml"
	unitsDir   = "units"
)

// Document is one persisted configuration document. Version is required and
// monotonic per id; Body holds the implementation-defined keys, including
// any the current build does not understand (they survive round-trips).
type Document struct {
	Version int            `yaml:"version"`
	Body    map[string]any `yaml:",inline"`
}

// Clone returns a deep copy of the document.
func (d Document) Clone() Document {
	return Document{Version: d.Version, Body: cloneMap(d.Body)}
}

// Store reads and writes configuration documents beneath a root directory:
// <root>/global.yaml and <root>/units/<id>.yaml.
type Store struct {
	root string
	log  *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for recovery diagnostics.
func WithLogger(log *slog.Logger) Option {
	return func(s *Store) {
		s.log = log
	}
}

// New creates the store, establishing the directory layout.
func New(root string, opts ...Option) (*Store, error) {
	s := &Store{
		root:  root,
		log:   slog.Default(),
		locks: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Join(root, unitsDir), 0o750); err != nil {
		return nil, oops.In("configstore").With("root", root).Wrap(err)
	}
	return s, nil
}

// Load reads the document for a unit id merged over defaults: persisted
// values win, defaults fill gaps, persisted keys absent from defaults are
// preserved. A missing file yields the defaults at version 0 with no error.
// A corrupt file also yields the defaults, together with a
// CONFIG_LOAD_FAILED error so the caller can surface a warning; the load is
// never fatal.
func (s *Store) Load(id string, defaults map[string]any) (Document, error) {
	if err := validID(id); err != nil {
		return Document{Version: 0, Body: cloneMap(defaults)}, err
	}
	return s.load(s.unitPath(id), id, defaults)
}

// LoadGlobal is Load for the host's single global document.
func (s *Store) LoadGlobal(defaults map[string]any) (Document, error) {
	return s.load(filepath.Join(s.root, globalFile), "", defaults)
}

// Save atomically replaces the document for a unit id. Writes for one id
// are serialized; distinct ids may save concurrently. A version lower than
// the persisted one is rejected with CONFIG_VERSION_REGRESSION; version 0
// inherits the persisted version (or 1 for a first save).
func (s *Store) Save(id string, doc Document) error {
	if err := validID(id); err != nil {
		return err
	}
	return s.save(s.unitPath(id), id, doc)
}

// SaveGlobal is Save for the global document.
func (s *Store) SaveGlobal(doc Document) error {
	return s.save(filepath.Join(s.root, globalFile), "", doc)
}

// Delete removes a unit's document. Deleting a document that does not exist
// is not an error.
func (s *Store) Delete(id string) error {
	if err := validID(id); err != nil {
		return err
	}

	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	err := os.Remove(s.unitPath(id))
	if err != nil && !os.IsNotExist(err) {
		return oops.In("configstore").With("unit", id).Wrap(err)
	}
	return nil
}

func (s *Store) unitPath(id string) string {
	return filepath.Join(s.root, unitsDir, id+".yaml")
}

// validID rejects ids that would escape the units directory. Registered ids
// are slugs, so anything else is a caller bug.
func validID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return oops.In("configstore").With("unit", id).Errorf("invalid unit id %q", id)
	}
	return nil
}

// lockFor returns the per-id write lock, creating it on first use. The
// global document locks under the empty id.
func (s *Store) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}
	return lock
}

func (s *Store) load(path, id string, defaults map[string]any) (Document, error) {
	fallback := Document{Version: 0, Body: cloneMap(defaults)}

	data, err := os.ReadFile(filepath.Clean(path))
	if os.IsNotExist(err) {
		return fallback, nil
	}
	if err != nil {
		return fallback, oops.Code("CONFIG_LOAD_FAILED").In("configstore").
			With("unit", id).With("path", path).
			Hint("falling back to defaults").Wrap(err)
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fallback, oops.Code("CONFIG_LOAD_FAILED").In("configstore").
			With("unit", id).With("path", path).
			Hint("document is not valid YAML, falling back to defaults").Wrap(err)
	}

	doc.Body = mergeMaps(defaults, doc.Body)
	return doc, nil
}

func (s *Store) save(path, id string, doc Document) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	existing := s.persistedVersion(path)
	switch {
	case doc.Version == 0 && existing > 0:
		doc.Version = existing
	case doc.Version == 0:
		doc.Version = 1
	case doc.Version < existing:
		return oops.Code("CONFIG_VERSION_REGRESSION").In("configstore").
			With("unit", id).With("version", doc.Version).With("persisted", existing).
			Errorf("refusing to write version %d over %d", doc.Version, existing)
	}

	// The version field owns its key; a stray copy in the body would
	// produce a duplicate key on marshal.
	doc.Body = cloneMap(doc.Body)
	delete(doc.Body, "version")

	data, err := yaml.Marshal(doc)
	if err != nil {
		return oops.In("configstore").With("unit", id).Wrap(err)
	}

	// Write-temp-then-rename keeps readers from ever observing a partial
	// document.
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return oops.In("configstore").With("unit", id).Wrap(err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return oops.In("configstore").With("unit", id).With("path", tmpName).Wrap(err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return oops.In("configstore").With("unit", id).Wrap(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return oops.In("configstore").With("unit", id).Wrap(err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return oops.In("configstore").With("unit", id).With("path", path).Wrap(err)
	}
	return nil
}

// persistedVersion reads just the version of the current document; 0 when
// no readable document exists.
func (s *Store) persistedVersion(path string) int {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return 0
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		s.log.Warn("unreadable document during version check", "path", path, "error", err)
		return 0
	}
	return doc.Version
}

// mergeMaps merges override onto defaults recursively: override wins for
// shared keys, defaults fill gaps, override-only keys are kept. Neither
// input is mutated.
func mergeMaps(defaults, override map[string]any) map[string]any {
	out := make(map[string]any, len(defaults)+len(override))
	for k, v := range defaults {
		out[k] = cloneValue(v)
	}
	for k, v := range override {
		if base, ok := out[k].(map[string]any); ok {
			if over, ok := v.(map[string]any); ok {
				out[k] = mergeMaps(base, over)
				continue
			}
		}
		out[k] = cloneValue(v)
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
