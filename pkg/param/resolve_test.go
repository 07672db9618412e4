// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 UnitHost Contributors

package param_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unithost/unithost/pkg/errutil"
	"github.com/unithost/unithost/pkg/param"
)

func TestResolve_DefaultsWhenNothingPersisted(t *testing.T) {
	values, warnings := param.Resolve(tickerSchema(), nil)

	assert.Empty(t, warnings)
	assert.Equal(t, 1.0, values.Float("interval"))
	assert.Equal(t, "numbers", values.String("output_kind"))
	assert.Equal(t, 0, values.Int("min_value"))
	assert.Equal(t, 100, values.Int("max_value"))
	assert.True(t, values.Bool("enable_logging"))
	assert.Equal(t, "tick", values.String("label"))
}

func TestResolve_PersistedWins(t *testing.T) {
	values, warnings := param.Resolve(tickerSchema(), map[string]any{
		"interval":       2.5,
		"output_kind":    "words",
		"enable_logging": false,
	})

	assert.Empty(t, warnings)
	assert.Equal(t, 2.5, values.Float("interval"))
	assert.Equal(t, "words", values.String("output_kind"))
	assert.False(t, values.Bool("enable_logging"))
	// Untouched parameters keep their defaults.
	assert.Equal(t, 100, values.Int("max_value"))
}

func TestResolve_ClampsAboveMax(t *testing.T) {
	// interval declares default 1.0 with bounds [0.1, 10.0]; a persisted
	// 15.0 must resolve to exactly 10.0.
	values, warnings := param.Resolve(tickerSchema(), map[string]any{
		"interval": 15.0,
	})

	assert.Equal(t, 10.0, values.Float("interval"))
	require.Len(t, warnings, 1)
	assert.Equal(t, "interval", warnings[0].Parameter)
	assert.Contains(t, warnings[0].Message, "clamped")
}

func TestResolve_ClampsBelowMin(t *testing.T) {
	values, warnings := param.Resolve(tickerSchema(), map[string]any{
		"interval": 0.001,
	})

	assert.Equal(t, 0.1, values.Float("interval"))
	require.Len(t, warnings, 1)
	assert.GreaterOrEqual(t, values.Float("interval"), 0.1)
}

func TestResolve_UnknownEnumFallsBack(t *testing.T) {
	values, warnings := param.Resolve(tickerSchema(), map[string]any{
		"output_kind": "emoji",
	})

	assert.Equal(t, "numbers", values.String("output_kind"))
	require.Len(t, warnings, 1)
	assert.Equal(t, "output_kind", warnings[0].Parameter)
	assert.Contains(t, warnings[0].Message, "unknown option")
}

func TestResolve_TypeMismatchFallsBack(t *testing.T) {
	values, warnings := param.Resolve(tickerSchema(), map[string]any{
		"min_value":      "three",
		"enable_logging": "yes",
	})

	assert.Equal(t, 0, values.Int("min_value"))
	assert.True(t, values.Bool("enable_logging"))
	assert.Len(t, warnings, 2)
}

func TestResolve_IgnoresUndeclaredKeys(t *testing.T) {
	values, warnings := param.Resolve(tickerSchema(), map[string]any{
		"interval": 2.0,
		"legacy":   "kept in the document, not resolved",
	})

	assert.Empty(t, warnings)
	_, present := values["legacy"]
	assert.False(t, present)
}

func TestResolve_Idempotent(t *testing.T) {
	schema := tickerSchema()
	first, warnings := param.Resolve(schema, map[string]any{
		"interval":    15.0,
		"output_kind": "emoji",
		"min_value":   -5,
	})
	assert.NotEmpty(t, warnings)

	second, warnings := param.Resolve(schema, first)
	assert.Empty(t, warnings, "resolving resolved values must not warn")
	assert.Equal(t, first, second)

	third, _ := param.Resolve(schema, second)
	assert.Equal(t, second, third)
}

func TestResolve_IntegerFromYAMLNumbers(t *testing.T) {
	// yaml.v3 decodes whole numbers as int, JSON as float64; both must
	// land as Go ints.
	values, warnings := param.Resolve(tickerSchema(), map[string]any{
		"min_value": float64(3),
		"max_value": int64(900),
	})

	assert.Empty(t, warnings)
	assert.Equal(t, 3, values.Int("min_value"))
	assert.Equal(t, 900, values.Int("max_value"))
}

func TestResolve_DatetimeCanonicalized(t *testing.T) {
	values, warnings := param.Resolve(tickerSchema(), map[string]any{
		"not_before": "2026-08-01T12:00:00Z",
	})

	assert.Empty(t, warnings)
	assert.Equal(t, "2026-08-01T12:00:00Z", values.String("not_before"))

	_, warnings = param.Resolve(tickerSchema(), map[string]any{
		"not_before": "yesterday",
	})
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0].Message, "invalid datetime")
}

func TestValidate(t *testing.T) {
	schema := tickerSchema()
	interval, _ := schema.Lookup("interval")
	kind, _ := schema.Lookup("output_kind")

	t.Run("accepts in-range value", func(t *testing.T) {
		v, err := param.Validate("interval", interval, 5.0)
		require.NoError(t, err)
		assert.Equal(t, 5.0, v)
	})

	t.Run("clamps out-of-range value", func(t *testing.T) {
		v, err := param.Validate("interval", interval, 100.0)
		require.NoError(t, err)
		assert.Equal(t, 10.0, v)
	})

	t.Run("rejects wrong type", func(t *testing.T) {
		_, err := param.Validate("interval", interval, "fast")
		require.Error(t, err)
		errutil.AssertErrorCode(t, err, "PARAM_INVALID")
		errutil.AssertErrorContext(t, err, "parameter", "interval")
	})

	t.Run("rejects unknown option", func(t *testing.T) {
		_, err := param.Validate("output_kind", kind, "emoji")
		require.Error(t, err)
		errutil.AssertErrorCode(t, err, "PARAM_INVALID")
	})
}
