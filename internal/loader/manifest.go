// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 UnitHost Contributors

// Package loader discovers worker units on disk and builds runnable
// instances from their manifests.
package loader

import (
	"path/filepath"
	"regexp"

	"github.com/Masterminds/semver/v3"
	"github.com/samber/oops"
	"gopkg.in/yaml.v3"

	"github.com/unithost/unithost/pkg/param"
)

// Type identifies the unit runtime.
type Type string

// Unit types recognized by the host.
const (
	TypeLua    Type = "lua"
	TypeBinary Type = "binary"
)

// ManifestName is the file every unit directory must contain.
const ManifestName = "unit.yaml"

// Manifest represents a unit.yaml file. The jsonschema tags keep the
// generated schema aligned with what Validate enforces.
type Manifest struct {
	Name        string       `yaml:"name" json:"name" jsonschema:"pattern=^[a-z]([a-z0-9-]*[a-z0-9])?$,maxLength=64"`
	Version     string       `yaml:"version" json:"version" jsonschema:"minLength=1"`
	Type        Type         `yaml:"type" json:"type" jsonschema:"enum=lua,enum=binary"`
	Description string       `yaml:"description,omitempty" json:"description,omitempty"`
	Entry       string       `yaml:"entry" json:"entry" jsonschema:"minLength=1"`
	AutoStart   bool         `yaml:"auto_start,omitempty" json:"auto_start,omitempty"`
	StartOrder  *int         `yaml:"start_order,omitempty" json:"start_order,omitempty"`
	Parameters  param.Schema `yaml:"parameters,omitempty" json:"parameters,omitempty"`
}

// maxNameLength is the maximum allowed length for unit names.
const maxNameLength = 64

// namePattern validates unit names: must start with a lowercase letter,
// followed by lowercase letters, digits, or hyphens.
// Cannot end with a hyphen. Single character names are allowed.
var namePattern = regexp.MustCompile(`^[a-z]([a-z0-9-]*[a-z0-9])?$`)

// ParseManifest parses and validates a unit.yaml file.
func ParseManifest(data []byte) (*Manifest, error) {
	if len(data) == 0 {
		return nil, oops.Code("MANIFEST_INVALID").In("loader").Errorf("manifest data is empty")
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, oops.Code("MANIFEST_INVALID").In("loader").Hint("manifest must be valid YAML").Wrap(err)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// Validate checks manifest constraints.
func (m *Manifest) Validate() error {
	if m.Name == "" || !namePattern.MatchString(m.Name) {
		return oops.Code("MANIFEST_INVALID").In("loader").With("name", m.Name).
			Errorf("name %q must start with a-z, contain only a-z, 0-9, hyphens, and not end with a hyphen", m.Name)
	}
	if len(m.Name) > maxNameLength {
		return oops.Code("MANIFEST_INVALID").In("loader").With("name", m.Name).
			Errorf("name must be %d characters or less, got %d", maxNameLength, len(m.Name))
	}

	if m.Version == "" {
		return oops.Code("MANIFEST_INVALID").In("loader").With("unit", m.Name).
			Errorf("version is required")
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return oops.Code("MANIFEST_INVALID").In("loader").With("unit", m.Name).With("version", m.Version).
			Hint("versions follow semver, like 1.2.0").Wrapf(err, "version %q is not a semantic version", m.Version)
	}

	switch m.Type {
	case TypeLua, TypeBinary:
		if m.Entry == "" {
			return oops.Code("MANIFEST_INVALID").In("loader").With("unit", m.Name).
				Errorf("entry is required")
		}
		if !filepath.IsLocal(m.Entry) {
			return oops.Code("MANIFEST_INVALID").In("loader").With("unit", m.Name).With("entry", m.Entry).
				Errorf("entry %q must stay inside the unit directory", m.Entry)
		}
	default:
		return oops.Code("MANIFEST_INVALID").In("loader").With("unit", m.Name).
			Errorf("type must be 'lua' or 'binary', got %q", m.Type)
	}

	if err := m.Parameters.Validate(); err != nil {
		return oops.In("loader").With("unit", m.Name).Wrapf(err, "invalid parameters")
	}

	return nil
}
