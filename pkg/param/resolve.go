// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 UnitHost Contributors

package param

import (
	"fmt"
	"math"
	"time"

	"github.com/samber/oops"
)

// Warning reports a recovered parameter problem: a clamped numeric or a
// substituted default. Resolution never fails outright; warnings are the
// only signal that persisted state was adjusted.
type Warning struct {
	Parameter string
	Message   string
}

func (w Warning) String() string {
	return fmt.Sprintf("parameter %s: %s", w.Parameter, w.Message)
}

// Resolve produces the concrete value mapping for one run cycle. For every
// declared parameter the persisted value is used when present and valid for
// the declared type; otherwise the default applies. Out-of-range numerics
// are clamped to [min, max] rather than rejected, and unknown enumeration
// values fall back to the default, each with a Warning. Keys in persisted
// that the schema does not declare are ignored here (they stay in the
// config document untouched).
//
// Resolve is idempotent: feeding its output back as persisted yields the
// same mapping and no warnings.
func Resolve(s Schema, persisted map[string]any) (Values, []Warning) {
	values := make(Values, len(s))
	var warnings []Warning

	for _, f := range s {
		fallback, _, ferr := normalize(f.Definition, f.Default)
		if ferr != nil {
			fallback = zeroFor(f.Definition)
		}

		raw, present := persisted[f.Name]
		if !present {
			values[f.Name] = fallback
			continue
		}

		v, adjusted, err := normalize(f.Definition, raw)
		switch {
		case err != nil:
			values[f.Name] = fallback
			warnings = append(warnings, Warning{
				Parameter: f.Name,
				Message:   fmt.Sprintf("%v, using default %v", err, fallback),
			})
		case adjusted != "":
			values[f.Name] = v
			warnings = append(warnings, Warning{Parameter: f.Name, Message: adjusted})
		default:
			values[f.Name] = v
		}
	}

	return values, warnings
}

// Validate is the single authority applied to a proposed value before it is
// persisted. It returns the normalized value (type-coerced, clamped into
// declared bounds) or a PARAM_INVALID error when the value cannot represent
// the declared type or names an unknown enumeration option.
func Validate(name string, def Definition, value any) (any, error) {
	v, _, err := normalize(def, value)
	if err != nil {
		return nil, oops.Code("PARAM_INVALID").
			With("parameter", name).
			With("type", string(def.Type)).
			Wrap(err)
	}
	return v, nil
}

// normalize coerces value into def's type, clamps numerics into declared
// bounds, and checks enumeration membership. adjusted carries a human
// readable note when the value was changed; err means the value cannot be
// represented at all.
func normalize(def Definition, value any) (out any, adjusted string, err error) {
	if value == nil {
		return zeroFor(def), "", nil
	}

	switch def.Type {
	case TypeString, TypeFile:
		s, ok := value.(string)
		if !ok {
			return nil, "", fmt.Errorf("expected string, got %T", value)
		}
		return s, "", nil

	case TypeBoolean:
		b, ok := value.(bool)
		if !ok {
			return nil, "", fmt.Errorf("expected boolean, got %T", value)
		}
		return b, "", nil

	case TypeInteger:
		n, ok := toFloat(value)
		if !ok {
			return nil, "", fmt.Errorf("expected integer, got %T", value)
		}
		if n != math.Trunc(n) {
			return nil, "", fmt.Errorf("expected integer, got fractional %v", n)
		}
		clamped, note := clamp(n, def.Min, def.Max)
		return int(clamped), note, nil

	case TypeFloat:
		n, ok := toFloat(value)
		if !ok {
			return nil, "", fmt.Errorf("expected number, got %T", value)
		}
		clamped, note := clamp(n, def.Min, def.Max)
		return clamped, note, nil

	case TypeEnumeration:
		s, ok := value.(string)
		if !ok {
			return nil, "", fmt.Errorf("expected option value, got %T", value)
		}
		for _, opt := range def.Options {
			if opt.Value == s {
				return s, "", nil
			}
		}
		return nil, "", fmt.Errorf("unknown option %q", s)

	case TypeDatetime:
		switch t := value.(type) {
		case time.Time:
			return t.Format(DatetimeLayout), "", nil
		case string:
			// Empty means unset, the same as no value at all.
			if t == "" {
				return "", "", nil
			}
			parsed, perr := time.Parse(DatetimeLayout, t)
			if perr != nil {
				return nil, "", fmt.Errorf("invalid datetime %q", t)
			}
			return parsed.Format(DatetimeLayout), "", nil
		default:
			return nil, "", fmt.Errorf("expected datetime, got %T", value)
		}

	default:
		return nil, "", fmt.Errorf("unknown parameter type %q", def.Type)
	}
}

// clamp bounds n into [min, max]. The note is empty when n was in range.
func clamp(n float64, minBound, maxBound *float64) (float64, string) {
	if minBound != nil && n < *minBound {
		return *minBound, fmt.Sprintf("value %v below min %v, clamped", n, *minBound)
	}
	if maxBound != nil && n > *maxBound {
		return *maxBound, fmt.Sprintf("value %v above max %v, clamped", n, *maxBound)
	}
	return n, ""
}

// toFloat widens any YAML/JSON-decoded number to float64.
func toFloat(value any) (float64, bool) {
	switch n := value.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// zeroFor returns the type's natural zero when no default was declared.
func zeroFor(def Definition) any {
	switch def.Type {
	case TypeInteger:
		return 0
	case TypeFloat:
		return float64(0)
	case TypeBoolean:
		return false
	case TypeEnumeration:
		if len(def.Options) > 0 {
			return def.Options[0].Value
		}
		return ""
	default:
		return ""
	}
}
