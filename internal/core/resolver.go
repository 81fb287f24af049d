package core

import (
	"cmp"
	"encoding/json"
	"reflect"
	"slices"
)

const (
	KeyControlSets     = "controlSets"
	KeyControlSetLogic = "controlSetLogic"

	legacyVisibilityByRole = "visibilityByRole"
	legacyRestrictedRoles  = "restrictedRoles"
)

const SourceBlock = "block"

// Resolved is one control selected for evaluation together with the
// attributes it will be evaluated against.
type Resolved struct {
	Definition Definition
	Attributes json.RawMessage
	Siblings   Attributes
	// Source is SourceBlock or the id of the preset that contributed the
	// control.
	Source string
}

// Resolve selects the controls of one control set that are registered,
// enabled in settings and configured with non-default attributes. Presets
// are expanded in place. The result is ordered override controls first,
// then user-state controls, then everything else in registration order.
// Controls that depend on user state always follow the user-state controls,
// whatever their kind.
func Resolve(attrs Attributes, registry *Registry, settings Settings) []Resolved {
	if registry == nil {
		registry = defaultRegistry
	}
	attrs = foldLegacy(attrs)

	var resolved []Resolved
	var presets []string

	for def := range registry.List() {
		raw, ok := attrs[def.ID]
		if !ok || !settings.controlEnabled(def) || !configured(def, raw) {
			continue
		}
		if def.ID == ControlPresets {
			presets = presetIDs(raw)
			continue
		}
		resolved = append(resolved, Resolved{Definition: def, Attributes: raw, Siblings: attrs, Source: SourceBlock})
	}

	for _, id := range presets {
		preset, ok := settings.preset(id)
		if !ok {
			continue
		}
		controls := foldLegacy(preset.Controls)
		for def := range registry.List() {
			raw, ok := controls[def.ID]
			// Presets cannot nest.
			if !ok || def.ID == ControlPresets || !settings.controlEnabled(def) || !configured(def, raw) {
				continue
			}
			resolved = append(resolved, Resolved{Definition: def, Attributes: raw, Siblings: controls, Source: preset.ID})
		}
	}

	slices.SortStableFunc(resolved, func(a, b Resolved) int {
		if c := cmp.Compare(rank(a.Definition), rank(b.Definition)); c != 0 {
			return c
		}
		return cmp.Compare(registry.position(a.Definition.ID), registry.position(b.Definition.ID))
	})
	return resolved
}

func rank(def Definition) int {
	if def.DependsOnUserState && def.Kind != KindUserState {
		return 2
	}
	switch def.Kind {
	case KindOverride:
		return 0
	case KindUserState:
		return 1
	default:
		return 2
	}
}

func configured(def Definition, raw json.RawMessage) bool {
	if isJSONNull(raw) {
		return false
	}
	if len(def.Defaults) == 0 {
		return true
	}
	return !jsonEqual(raw, def.Defaults)
}

func jsonEqual(left, right json.RawMessage) bool {
	var l, r any
	if err := json.Unmarshal(left, &l); err != nil {
		return false
	}
	if err := json.Unmarshal(right, &r); err != nil {
		return false
	}
	return reflect.DeepEqual(l, r)
}

// foldLegacy maps the flat role keys of older blocks onto the role control.
func foldLegacy(attrs Attributes) Attributes {
	if _, ok := attrs[ControlUserRole]; ok {
		return attrs
	}
	byRole, hasRole := attrs[legacyVisibilityByRole]
	restricted, hasRestricted := attrs[legacyRestrictedRoles]
	if !hasRole && !hasRestricted {
		return attrs
	}

	role := roleAttributes{VisibilityByRole: RoleAll}
	if hasRole {
		if err := json.Unmarshal(byRole, &role.VisibilityByRole); err != nil {
			return attrs
		}
	}
	if hasRestricted {
		if err := json.Unmarshal(restricted, &role.RestrictedRoles); err != nil {
			return attrs
		}
	}
	if role.RestrictedRoles == nil {
		role.RestrictedRoles = []string{}
	}

	encoded, err := json.Marshal(role)
	if err != nil {
		return attrs
	}

	folded := make(Attributes, len(attrs)+1)
	for key, value := range attrs {
		folded[key] = value
	}
	folded[ControlUserRole] = encoded
	return folded
}
