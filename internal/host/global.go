// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 UnitHost Contributors

package host

// The global document carries registry-wide metadata:
//
//	version: 1
//	units:
//	  ticker:
//	    enabled: true
//	    auto_start: true
//	    start_order: 10
//	unit_order: [ticker, words]
//
// Keys other than units and unit_order are preserved untouched.

// decodeGlobal extracts unit settings and display order from a global
// document body. Missing or malformed fields fall back to defaults;
// settings for units not currently registered are kept so they survive a
// reinstall.
func decodeGlobal(body map[string]any) (map[string]Settings, []string) {
	settings := make(map[string]Settings)
	var order []string
	if body == nil {
		return settings, order
	}

	if units, ok := body["units"].(map[string]any); ok {
		for id, raw := range units {
			fields, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			s := defaultSettings()
			if v, ok := fields["enabled"].(bool); ok {
				s.Enabled = v
			}
			if v, ok := fields["auto_start"].(bool); ok {
				s.Autostart = v
			}
			if v, ok := asInt(fields["start_order"]); ok {
				s.StartOrder = v
			}
			settings[id] = s
		}
	}

	if raw, ok := body["unit_order"].([]any); ok {
		for _, v := range raw {
			if id, ok := v.(string); ok {
				order = append(order, id)
			}
		}
	}
	return settings, order
}

// persistGlobalLocked writes the in-memory registry metadata back into
// the global document, preserving unrelated keys. Callers hold m.mu.
func (m *Manager) persistGlobalLocked() error {
	doc, err := m.store.LoadGlobal(nil)
	if err != nil {
		// The document is being rewritten wholesale anyway.
		doc.Body = make(map[string]any)
	}
	if doc.Body == nil {
		doc.Body = make(map[string]any)
	}

	units := make(map[string]any, len(m.settings))
	for id, s := range m.settings {
		units[id] = map[string]any{
			"enabled":     s.Enabled,
			"auto_start":  s.Autostart,
			"start_order": s.StartOrder,
		}
	}
	doc.Body["units"] = units

	order := make([]any, len(m.order))
	for i, id := range m.order {
		order[i] = id
	}
	doc.Body["unit_order"] = order

	return m.store.SaveGlobal(doc)
}

// asInt widens the integer shapes the YAML decoder produces.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
