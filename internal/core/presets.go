package core

import (
	"encoding/json"
	"strings"
)

const (
	PresetLoggedInUsers  = "logged-in-users"
	PresetLoggedOutUsers = "logged-out-users"
)

type presetAttributes struct {
	Presets []string `json:"presets"`
}

func visibilityPresetsControl() Definition {
	return Definition{
		ID:          ControlPresets,
		Label:       "Visibility presets",
		Icon:        "layout",
		SettingSlug: "visibility_presets",
		Defaults:    json.RawMessage(`{"presets":[]}`),
		// Presets are expanded by the resolver and never vote themselves.
		Evaluator: EvaluatorFunc(func(Input, Context) TriState { return NotApplicable }),
	}
}

func DefaultPresets() map[string]Preset {
	return map[string]Preset{
		PresetLoggedInUsers: {
			ID:      PresetLoggedInUsers,
			Title:   "Logged-in users",
			Enabled: true,
			Controls: Attributes{
				ControlUserRole: json.RawMessage(`{"visibilityByRole":"logged-in","restrictedRoles":[]}`),
			},
		},
		PresetLoggedOutUsers: {
			ID:      PresetLoggedOutUsers,
			Title:   "Logged-out users",
			Enabled: true,
			Controls: Attributes{
				ControlUserRole: json.RawMessage(`{"visibilityByRole":"logged-out","restrictedRoles":[]}`),
			},
		},
	}
}

func presetIDs(raw json.RawMessage) []string {
	var attrs presetAttributes
	if isJSONArray(raw) {
		if err := json.Unmarshal(raw, &attrs.Presets); err != nil {
			return nil
		}
	} else if err := json.Unmarshal(raw, &attrs); err != nil {
		return nil
	}

	ids := make([]string, 0, len(attrs.Presets))
	seen := make(map[string]struct{}, len(attrs.Presets))
	for _, id := range attrs.Presets {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}
