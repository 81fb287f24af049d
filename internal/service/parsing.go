package service

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/matt-riley/blockvis/internal/core"
)

// normalizeAttributes validates a block's visibility object and gives every
// control set a stable ID, so editors can address sets across saves.
func normalizeAttributes(raw json.RawMessage) (json.RawMessage, core.Attributes, error) {
	raw = ensureObject(raw)

	var attrs core.Attributes
	if err := json.Unmarshal(raw, &attrs); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidAttributes, err)
	}
	if attrs == nil {
		return nil, nil, fmt.Errorf("%w: attributes must be a JSON object", ErrInvalidAttributes)
	}

	if rawLogic, ok := attrs[core.KeyControlSetLogic]; ok {
		var logic string
		if err := json.Unmarshal(rawLogic, &logic); err != nil || (logic != string(core.MatchAny) && logic != string(core.MatchAll)) {
			return nil, nil, fmt.Errorf("%w: %s must be %q or %q", ErrInvalidAttributes, core.KeyControlSetLogic, core.MatchAny, core.MatchAll)
		}
	}

	if rawSets, ok := attrs[core.KeyControlSets]; ok {
		sets, err := normalizeControlSets(rawSets)
		if err != nil {
			return nil, nil, err
		}
		attrs[core.KeyControlSets] = sets
	}

	normalized, err := json.Marshal(attrs)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidAttributes, err)
	}
	return normalized, attrs, nil
}

func normalizeControlSets(raw json.RawMessage) (json.RawMessage, error) {
	var sets []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &sets); err != nil {
		return nil, fmt.Errorf("%w: %s must be an array of objects", ErrInvalidAttributes, core.KeyControlSets)
	}

	seen := make(map[string]bool, len(sets))
	for i, set := range sets {
		if set == nil {
			return nil, fmt.Errorf("%w: %s[%d] must be an object", ErrInvalidAttributes, core.KeyControlSets, i)
		}

		var id string
		if rawID, ok := set["id"]; ok {
			if err := json.Unmarshal(rawID, &id); err != nil {
				return nil, fmt.Errorf("%w: %s[%d].id must be a string", ErrInvalidAttributes, core.KeyControlSets, i)
			}
		}
		if id == "" || seen[id] {
			id = uuid.NewString()
			encoded, _ := json.Marshal(id)
			set["id"] = encoded
		}
		seen[id] = true

		if controls, ok := set["controls"]; ok {
			trimmed := bytes.TrimSpace(controls)
			if len(trimmed) == 0 || trimmed[0] != '{' {
				return nil, fmt.Errorf("%w: %s[%d].controls must be an object", ErrInvalidAttributes, core.KeyControlSets, i)
			}
		}
	}

	encoded, err := json.Marshal(sets)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAttributes, err)
	}
	return encoded, nil
}

// parseSettings decodes a stored or submitted settings document. Unknown
// fields are rejected so typos do not silently enable every control.
func parseSettings(raw json.RawMessage) (core.Settings, error) {
	var settings core.Settings
	if len(bytes.TrimSpace(raw)) == 0 {
		return settings, nil
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&settings); err != nil {
		return core.Settings{}, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	if err := settings.Normalize(); err != nil {
		return core.Settings{}, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}

	return settings, nil
}
