// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 UnitHost Contributors

package loader_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unithost/unithost/internal/loader"
	"github.com/unithost/unithost/pkg/errutil"
	"github.com/unithost/unithost/pkg/param"
)

func TestParseManifest_LuaUnit(t *testing.T) {
	yaml := `
name: ticker
version: 1.0.0
type: lua
description: Emits a numbered line on a fixed interval.
entry: main.lua
auto_start: true
start_order: 10
parameters:
  - name: interval
    type: float
    label: Interval (seconds)
    value: 1.0
    min: 0.1
    max: 10.0
  - name: greeting
    type: string
    value: tick
`
	m, err := loader.ParseManifest([]byte(yaml))
	require.NoError(t, err)

	assert.Equal(t, "ticker", m.Name)
	assert.Equal(t, "1.0.0", m.Version)
	assert.Equal(t, loader.TypeLua, m.Type)
	assert.Equal(t, "main.lua", m.Entry)
	assert.True(t, m.AutoStart)
	require.NotNil(t, m.StartOrder)
	assert.Equal(t, 10, *m.StartOrder)

	require.Len(t, m.Parameters, 2)
	def, ok := m.Parameters.Lookup("interval")
	require.True(t, ok)
	assert.Equal(t, param.TypeFloat, def.Type)
	require.NotNil(t, def.Max)
	assert.InDelta(t, 10.0, *def.Max, 1e-9)
}

func TestParseManifest_BinaryUnit(t *testing.T) {
	yaml := `
name: archiver
version: 2.1.0
type: binary
entry: archiver-linux-amd64
`
	m, err := loader.ParseManifest([]byte(yaml))
	require.NoError(t, err)

	assert.Equal(t, loader.TypeBinary, m.Type)
	assert.Equal(t, "archiver-linux-amd64", m.Entry)
	assert.False(t, m.AutoStart)
	assert.Nil(t, m.StartOrder)
	assert.Empty(t, m.Parameters)
}

func TestParseManifest_SingleCharacterName(t *testing.T) {
	yaml := `
name: x
version: 0.1.0
type: lua
entry: main.lua
`
	m, err := loader.ParseManifest([]byte(yaml))
	require.NoError(t, err)
	assert.Equal(t, "x", m.Name)
}

func TestParseManifest_InvalidName(t *testing.T) {
	tests := []struct {
		name     string
		unitName string
	}{
		{"uppercase not allowed", "Invalid-Name"},
		{"underscore not allowed", "invalid_name"},
		{"starts with number", "1unit"},
		{"trailing hyphen", "unit-"},
		{"too long", strings.Repeat("a", 65)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			yaml := "name: " + tt.unitName + "\nversion: 1.0.0\ntype: lua\nentry: main.lua\n"
			_, err := loader.ParseManifest([]byte(yaml))
			errutil.AssertErrorCode(t, err, "MANIFEST_INVALID")
		})
	}
}

func TestParseManifest_VersionRules(t *testing.T) {
	parse := func(version string) error {
		yaml := "name: probe\nversion: " + version + "\ntype: lua\nentry: main.lua\n"
		_, err := loader.ParseManifest([]byte(yaml))
		return err
	}

	t.Run("missing version", func(t *testing.T) {
		yaml := "name: probe\ntype: lua\nentry: main.lua\n"
		_, err := loader.ParseManifest([]byte(yaml))
		errutil.AssertErrorCode(t, err, "MANIFEST_INVALID")
	})

	t.Run("not semver", func(t *testing.T) {
		err := parse(`"not-a-version"`)
		errutil.AssertErrorCode(t, err, "MANIFEST_INVALID")
		assert.Contains(t, err.Error(), "semantic")
	})

	t.Run("prerelease accepted", func(t *testing.T) {
		assert.NoError(t, parse("1.2.3-rc.1"))
	})

	t.Run("short form accepted", func(t *testing.T) {
		assert.NoError(t, parse("1.2"))
	})
}

func TestParseManifest_TypeAndEntryRules(t *testing.T) {
	t.Run("unknown type", func(t *testing.T) {
		yaml := "name: probe\nversion: 1.0.0\ntype: wasm\nentry: main.wasm\n"
		_, err := loader.ParseManifest([]byte(yaml))
		errutil.AssertErrorCode(t, err, "MANIFEST_INVALID")
		assert.Contains(t, err.Error(), "type must be")
	})

	t.Run("missing entry", func(t *testing.T) {
		yaml := "name: probe\nversion: 1.0.0\ntype: lua\n"
		_, err := loader.ParseManifest([]byte(yaml))
		errutil.AssertErrorCode(t, err, "MANIFEST_INVALID")
		assert.Contains(t, err.Error(), "entry")
	})

	t.Run("entry escaping the unit directory", func(t *testing.T) {
		for _, entry := range []string{"../steal.lua", "/etc/passwd"} {
			yaml := "name: probe\nversion: 1.0.0\ntype: lua\nentry: " + entry + "\n"
			_, err := loader.ParseManifest([]byte(yaml))
			errutil.AssertErrorCode(t, err, "MANIFEST_INVALID")
		}
	})
}

func TestParseManifest_ParameterErrorsKeepTheirCode(t *testing.T) {
	yaml := `
name: probe
version: 1.0.0
type: lua
entry: main.lua
parameters:
  - name: interval
    type: float
    value: 1.0
  - name: interval
    type: float
    value: 2.0
`
	_, err := loader.ParseManifest([]byte(yaml))
	errutil.AssertErrorCode(t, err, "PARAM_INVALID")
}

func TestParseManifest_EmptyData(t *testing.T) {
	_, err := loader.ParseManifest(nil)
	errutil.AssertErrorCode(t, err, "MANIFEST_INVALID")
}

func TestParseManifest_InvalidYAML(t *testing.T) {
	_, err := loader.ParseManifest([]byte("name: [broken"))
	errutil.AssertErrorCode(t, err, "MANIFEST_INVALID")
}

func TestParseManifest_UnknownKeysIgnored(t *testing.T) {
	yaml := `
name: probe
version: 1.0.0
type: lua
entry: main.lua
homepage: https://example.com/probe
`
	m, err := loader.ParseManifest([]byte(yaml))
	require.NoError(t, err)
	assert.Equal(t, "probe", m.Name)
}
