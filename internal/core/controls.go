package core

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

const (
	ControlHideBlock      = "hideBlock"
	ControlPresets        = "visibilityPresets"
	ControlUserRole       = "userRole"
	ControlScreenSize     = "screenSize"
	ControlBrowserDevice  = "browserDevice"
	ControlDateTime       = "dateTime"
	ControlQueryString    = "queryString"
	ControlURLPath        = "urlPath"
	ControlReferralSource = "referralSource"
	ControlCookie         = "cookie"
	ControlMetadata       = "metadata"
	ControlACF            = "acf"
	ControlWPFusion       = "wpFusion"
)

const (
	IntegrationACF      = "acf"
	IntegrationWPFusion = "wp_fusion"
)

type AnyAll string

const (
	MatchAll  AnyAll = "all"
	MatchAny  AnyAll = "any"
	MatchNone AnyAll = "none"
)

func parseAnyAll(value string) AnyAll {
	switch AnyAll(strings.ToLower(strings.TrimSpace(value))) {
	case MatchAny:
		return MatchAny
	case MatchNone:
		return MatchNone
	default:
		return MatchAll
	}
}

// reduce folds per-entry matches with the control's own any/all/none logic.
func (m AnyAll) reduce(matches []bool) bool {
	switch m {
	case MatchAny:
		for _, match := range matches {
			if match {
				return true
			}
		}
		return false
	case MatchNone:
		for _, match := range matches {
			if match {
				return false
			}
		}
		return true
	default:
		for _, match := range matches {
			if !match {
				return false
			}
		}
		return true
	}
}

// flexString accepts JSON strings, numbers and booleans.
type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var value string
		if err := json.Unmarshal(data, &value); err != nil {
			return err
		}
		*s = flexString(value)
		return nil
	}
	if bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}

	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return err
	}
	switch typed := value.(type) {
	case float64:
		*s = flexString(strconv.FormatFloat(typed, 'f', -1, 64))
	case bool:
		*s = flexString(strconv.FormatBool(typed))
	default:
		*s = flexString(bytes.TrimSpace(data))
	}
	return nil
}

func isJSONArray(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '['
}

func isJSONNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func containsFold(values []string, value string) bool {
	for _, candidate := range values {
		if strings.EqualFold(strings.TrimSpace(candidate), value) {
			return true
		}
	}
	return false
}

func intersects(left []string, right []string) bool {
	if len(left) == 0 || len(right) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(right))
	for _, value := range right {
		set[value] = struct{}{}
	}
	for _, value := range left {
		if _, ok := set[value]; ok {
			return true
		}
	}
	return false
}

// all reports the conjunction of every applicable result, or NotApplicable
// when none applies.
func all(results ...TriState) TriState {
	state := NotApplicable
	for _, result := range results {
		switch result {
		case ApplicableFalse:
			return ApplicableFalse
		case ApplicableTrue:
			state = ApplicableTrue
		}
	}
	return state
}
