// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 UnitHost Contributors

// Package param implements declarative, typed, bounded unit parameters:
// schema declaration, value resolution against persisted state, and the
// validation applied before a value is persisted.
package param

import (
	"time"

	"github.com/samber/oops"
)

// Type identifies a parameter's value type.
type Type string

// The closed set of parameter types.
const (
	TypeString      Type = "string"
	TypeInteger     Type = "integer"
	TypeFloat       Type = "float"
	TypeBoolean     Type = "boolean"
	TypeEnumeration Type = "enumeration"
	TypeDatetime    Type = "datetime"
	TypeFile        Type = "file"
)

// DatetimeLayout is the canonical serialization for datetime parameters.
const DatetimeLayout = time.RFC3339

// Option is one enumeration choice: the stored value and its display label.
// The label may be empty, in which case presentation falls back to the value.
type Option struct {
	Value string `yaml:"value" json:"value"`
	Label string `yaml:"label,omitempty" json:"label,omitempty"`
}

// Definition describes one parameter. Min and Max apply to numeric types
// only; Options applies to the enumeration type only and is ordered.
type Definition struct {
	Type        Type     `yaml:"type" json:"type"`
	Label       string   `yaml:"label,omitempty" json:"label,omitempty"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Default     any      `yaml:"value,omitempty" json:"value,omitempty"`
	Min         *float64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max         *float64 `yaml:"max,omitempty" json:"max,omitempty"`
	Options     []Option `yaml:"options,omitempty" json:"options,omitempty"`
}

// Field is a named Definition inside a Schema.
type Field struct {
	Name       string `yaml:"name" json:"name"`
	Definition `yaml:",inline"`
}

// Schema is an ordered parameter declaration. Order is preserved so
// presentation layers render fields as declared.
type Schema []Field

// Lookup returns the definition for name.
func (s Schema) Lookup(name string) (Definition, bool) {
	for _, f := range s {
		if f.Name == name {
			return f.Definition, true
		}
	}
	return Definition{}, false
}

// Names returns the declared parameter names in order.
func (s Schema) Names() []string {
	names := make([]string, len(s))
	for i, f := range s {
		names[i] = f.Name
	}
	return names
}

// Validate checks that the schema itself is well-formed: known types,
// unique non-empty names, coherent bounds, enumeration options present, and
// every default satisfying its own definition.
func (s Schema) Validate() error {
	seen := make(map[string]struct{}, len(s))
	for _, f := range s {
		if f.Name == "" {
			return oops.Code("PARAM_INVALID").Errorf("parameter with empty name")
		}
		if _, dup := seen[f.Name]; dup {
			return oops.Code("PARAM_INVALID").With("parameter", f.Name).Errorf("duplicate parameter %q", f.Name)
		}
		seen[f.Name] = struct{}{}

		switch f.Type {
		case TypeString, TypeInteger, TypeFloat, TypeBoolean, TypeEnumeration, TypeDatetime, TypeFile:
		default:
			return oops.Code("PARAM_INVALID").With("parameter", f.Name).Errorf("unknown parameter type %q", f.Type)
		}

		if f.Min != nil && f.Max != nil && *f.Min > *f.Max {
			return oops.Code("PARAM_INVALID").With("parameter", f.Name).
				Errorf("min %v exceeds max %v", *f.Min, *f.Max)
		}
		if f.Type == TypeEnumeration && len(f.Options) == 0 {
			return oops.Code("PARAM_INVALID").With("parameter", f.Name).Errorf("enumeration without options")
		}

		if f.Default != nil {
			if _, _, err := normalize(f.Definition, f.Default); err != nil {
				return oops.Code("PARAM_INVALID").With("parameter", f.Name).
					Hint("default must satisfy the declared type, bounds, and options").
					Wrapf(err, "invalid default for %q", f.Name)
			}
		}
	}
	return nil
}

// Values is a resolved name→value mapping for one run cycle. Getters coerce
// leniently (YAML and JSON decoders disagree about number types) and return
// the zero value when the name is absent or incompatible.
type Values map[string]any

// String returns the string value for name.
func (v Values) String(name string) string {
	s, _ := v[name].(string)
	return s
}

// Int returns the integer value for name.
func (v Values) Int(name string) int {
	switch n := v[name].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

// Float returns the float value for name.
func (v Values) Float(name string) float64 {
	switch n := v[name].(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}

// Bool returns the boolean value for name.
func (v Values) Bool(name string) bool {
	b, _ := v[name].(bool)
	return b
}

// Time parses the datetime value for name. The zero time is returned when
// the value is absent or malformed.
func (v Values) Time(name string) time.Time {
	s, ok := v[name].(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(DatetimeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Clone returns a shallow copy safe to hand to a run cycle.
func (v Values) Clone() Values {
	out := make(Values, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}
