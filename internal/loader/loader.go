// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 UnitHost Contributors

package loader

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/gobwas/glob"
	"github.com/samber/oops"

	luaunit "github.com/unithost/unithost/internal/loader/lua"
	"github.com/unithost/unithost/pkg/unit"
)

// defaultIgnorePatterns name directories the scan always skips.
var defaultIgnorePatterns = []string{"_*", ".*"}

// Loader scans a directory for unit manifests and builds runnable units.
type Loader struct {
	dir      string
	log      *slog.Logger
	patterns []string
	ignores  []glob.Glob
}

// Option configures the Loader.
type Option func(*Loader)

// WithLogger routes loader diagnostics to log.
func WithLogger(log *slog.Logger) Option {
	return func(l *Loader) {
		if log != nil {
			l.log = log
		}
	}
}

// WithIgnorePatterns adds glob patterns for directory names the scan skips,
// on top of the defaults (underscore- and dot-prefixed directories).
func WithIgnorePatterns(patterns ...string) Option {
	return func(l *Loader) {
		l.patterns = append(l.patterns, patterns...)
	}
}

// New creates a loader for the given units directory.
func New(dir string, opts ...Option) (*Loader, error) {
	l := &Loader{
		dir:      dir,
		log:      slog.Default(),
		patterns: append([]string(nil), defaultIgnorePatterns...),
	}
	for _, opt := range opts {
		opt(l)
	}

	for _, p := range l.patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, oops.In("loader").With("pattern", p).
				Hint("ignore patterns use glob syntax").Wrap(err)
		}
		l.ignores = append(l.ignores, g)
	}

	return l, nil
}

// Dir returns the directory the loader scans.
func (l *Loader) Dir() string { return l.dir }

// DiscoveredUnit pairs a parsed manifest with the directory it came from.
type DiscoveredUnit struct {
	Manifest *Manifest
	Dir      string
}

// Discover finds all valid units under the loader's directory, sorted by
// name. Invalid units are logged and skipped.
func (l *Loader) Discover(_ context.Context) ([]*DiscoveredUnit, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // no units installed
		}
		return nil, oops.In("loader").With("dir", l.dir).
			Hint("units directory unreadable").Wrap(err)
	}

	var found []*DiscoveredUnit
	for _, entry := range entries {
		if !entry.IsDir() || l.ignored(entry.Name()) {
			continue
		}

		unitDir := filepath.Join(l.dir, entry.Name())
		data, err := os.ReadFile(filepath.Join(unitDir, ManifestName)) //nolint:gosec // path is constructed from ReadDir entries
		if err != nil {
			l.log.Warn("skipping unit directory without manifest",
				"dir", entry.Name(),
				"error", err)
			continue
		}

		manifest, err := ParseManifest(data)
		if err != nil {
			l.log.Warn("skipping unit with invalid manifest",
				"dir", entry.Name(),
				"error", err)
			continue
		}

		found = append(found, &DiscoveredUnit{
			Manifest: manifest,
			Dir:      unitDir,
		})
	}

	sort.Slice(found, func(i, j int) bool {
		return found[i].Manifest.Name < found[j].Manifest.Name
	})
	return found, nil
}

// Build turns a discovered unit into a runnable one.
//
// Build returns (nil, nil) for unit types that are recognized but not yet
// runnable, so callers can skip them gracefully. The warning logs provide
// visibility.
func (l *Loader) Build(ctx context.Context, d *DiscoveredUnit) (unit.Unit, error) {
	switch d.Manifest.Type {
	case TypeLua:
		u, err := luaunit.NewUnit(ctx, luaunit.Config{
			Name:        d.Manifest.Name,
			Description: d.Manifest.Description,
			Entry:       filepath.Join(d.Dir, d.Manifest.Entry),
			Parameters:  d.Manifest.Parameters,
		})
		if err != nil {
			return nil, err
		}
		return u, nil
	case TypeBinary:
		// Binary units need a process host (not yet implemented).
		l.log.Warn("binary units not yet supported, skipping",
			"unit", d.Manifest.Name)
		return nil, nil
	default:
		// Unknown types should be rejected by Manifest.Validate, but handle defensively.
		l.log.Warn("unknown unit type, skipping",
			"unit", d.Manifest.Name,
			"type", d.Manifest.Type)
		return nil, nil
	}
}

// LoadedUnit is a runnable unit plus the manifest that produced it.
type LoadedUnit struct {
	Unit     unit.Unit
	Manifest *Manifest
}

// LoadAll discovers and builds every unit under the loader's directory.
//
// Individual unit failures are logged and skipped so one broken unit cannot
// keep the host from starting. Callers that need strict loading should use
// Discover and Build directly.
func (l *Loader) LoadAll(ctx context.Context) ([]LoadedUnit, error) {
	discovered, err := l.Discover(ctx)
	if err != nil {
		return nil, err
	}

	loaded := make([]LoadedUnit, 0, len(discovered))
	for _, d := range discovered {
		u, err := l.Build(ctx, d)
		if err != nil {
			l.log.Error("failed to build unit",
				"unit", d.Manifest.Name,
				"error", err)
			continue
		}
		if u == nil {
			continue
		}

		loaded = append(loaded, LoadedUnit{Unit: u, Manifest: d.Manifest})
		l.log.Info("loaded unit",
			"unit", d.Manifest.Name,
			"type", d.Manifest.Type,
			"version", d.Manifest.Version)
	}

	return loaded, nil
}

func (l *Loader) ignored(name string) bool {
	for _, g := range l.ignores {
		if g.Match(name) {
			return true
		}
	}
	return false
}
