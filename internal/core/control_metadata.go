package core

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	MetaEquals      = "="
	MetaNotEquals   = "!="
	MetaExists      = "exists"
	MetaNotExists   = "not-exists"
	MetaEmpty       = "empty"
	MetaNotEmpty    = "not-empty"
	MetaContains    = "contains"
	MetaGreater     = ">"
	MetaGreaterOrEq = ">="
	MetaLess        = "<"
	MetaLessOrEq    = "<="
)

type metadataRule struct {
	Key      string          `json:"key"`
	Operator string          `json:"operator"`
	Value    json.RawMessage `json:"value"`
	Source   string          `json:"source"`
}

type metadataAttributes struct {
	Rules  []metadataRule `json:"rules"`
	AnyAll string         `json:"anyAll"`
}

func metadataControl() Definition {
	return Definition{
		ID:          ControlMetadata,
		Label:       "Metadata",
		Icon:        "database",
		SettingSlug: "metadata",
		Defaults:    json.RawMessage(`{"rules":[]}`),
		Evaluator:   metadataEvaluator("post"),
	}
}

func acfControl() Definition {
	return Definition{
		ID:                  ControlACF,
		Label:               "Advanced Custom Fields",
		Icon:                "forms",
		SettingSlug:         "acf",
		Defaults:            json.RawMessage(`{"rules":[]}`),
		RequiresIntegration: IntegrationACF,
		Evaluator:           metadataEvaluator("acf"),
	}
}

// metadataEvaluator matches rules against the context metadata document.
// Each rule key is a path below its source, so "post" + "price" reads
// post.price.
func metadataEvaluator(defaultSource string) Evaluator {
	return EvaluatorFunc(func(in Input, ctx Context) TriState {
		if len(ctx.Metadata) == 0 || !gjson.ValidBytes(ctx.Metadata) {
			return NotApplicable
		}

		var attrs metadataAttributes
		if isJSONArray(in.Attributes) {
			if err := json.Unmarshal(in.Attributes, &attrs.Rules); err != nil {
				return NotApplicable
			}
		} else if err := json.Unmarshal(in.Attributes, &attrs); err != nil {
			return NotApplicable
		}

		matches := make([]bool, 0, len(attrs.Rules))
		for _, rule := range attrs.Rules {
			key := strings.TrimSpace(rule.Key)
			if key == "" {
				continue
			}
			source := strings.TrimSpace(rule.Source)
			if source == "" {
				source = defaultSource
			}

			result := gjson.GetBytes(ctx.Metadata, source+"."+key)
			match, ok := matchMetadata(strings.ToLower(strings.TrimSpace(rule.Operator)), result, rule.Value)
			if !ok {
				continue
			}
			matches = append(matches, match)
		}
		if len(matches) == 0 {
			return NotApplicable
		}
		return Verdict(parseAnyAll(attrs.AnyAll).reduce(matches))
	})
}

func matchMetadata(operator string, result gjson.Result, raw json.RawMessage) (bool, bool) {
	switch operator {
	case MetaExists:
		return result.Exists(), true
	case MetaNotExists:
		return !result.Exists(), true
	case MetaEmpty:
		return isEmptyResult(result), true
	case MetaNotEmpty:
		return !isEmptyResult(result), true
	}

	var expected any
	if isJSONNull(raw) {
		expected = nil
	} else if err := json.Unmarshal(raw, &expected); err != nil {
		return false, false
	}

	actual := result.Value()

	switch operator {
	case MetaEquals, "==", "equals":
		return result.Exists() && valuesEqual(actual, expected), true
	case MetaNotEquals, "not-equals":
		return !result.Exists() || !valuesEqual(actual, expected), true
	case MetaContains:
		return result.Exists() && valueContains(actual, expected), true
	case MetaGreater, MetaGreaterOrEq, MetaLess, MetaLessOrEq:
		if !result.Exists() {
			return false, true
		}
		cmp, ok := compareValues(actual, expected)
		if !ok {
			return false, true
		}
		switch operator {
		case MetaGreater:
			return cmp > 0, true
		case MetaGreaterOrEq:
			return cmp >= 0, true
		case MetaLess:
			return cmp < 0, true
		default:
			return cmp <= 0, true
		}
	default:
		return false, false
	}
}

func isEmptyResult(result gjson.Result) bool {
	if !result.Exists() {
		return true
	}
	switch result.Type {
	case gjson.Null:
		return true
	case gjson.String:
		return strings.TrimSpace(result.Str) == ""
	case gjson.False:
		return true
	case gjson.JSON:
		if result.IsArray() {
			return len(result.Array()) == 0
		}
		return len(result.Map()) == 0
	default:
		return false
	}
}
