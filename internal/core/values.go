package core

import (
	"math"
	"reflect"
	"strconv"
	"strings"
)

func valuesEqual(left any, right any) bool {
	if leftFloat, ok := asFloat64(left); ok {
		if rightFloat, ok := asFloat64(right); ok {
			return leftFloat == rightFloat
		}
	}

	if leftString, ok := left.(string); ok {
		if rightString, ok := right.(string); ok {
			return leftString == rightString
		}
		if rightBool, ok := right.(bool); ok {
			return leftString == strconv.FormatBool(rightBool)
		}
	}
	if rightString, ok := right.(string); ok {
		if leftBool, ok := left.(bool); ok {
			return rightString == strconv.FormatBool(leftBool)
		}
	}

	return reflect.DeepEqual(left, right)
}

func compareValues(left any, right any) (int, bool) {
	leftFloat, ok := asFloat64(left)
	if !ok {
		return 0, false
	}
	rightFloat, ok := asFloat64(right)
	if !ok {
		return 0, false
	}

	switch {
	case leftFloat < rightFloat:
		return -1, true
	case leftFloat > rightFloat:
		return 1, true
	default:
		return 0, true
	}
}

// asFloat64 also accepts numeric strings, since stored metadata is often
// text.
func asFloat64(value any) (float64, bool) {
	switch number := value.(type) {
	case float64:
		return finite(number)
	case float32:
		return finite(float64(number))
	case int:
		return float64(number), true
	case int64:
		return float64(number), true
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(number), 64)
		if err != nil {
			return 0, false
		}
		return finite(parsed)
	default:
		return 0, false
	}
}

func finite(value float64) (float64, bool) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, false
	}
	return value, true
}

func valueContains(haystack any, needle any) bool {
	switch typed := haystack.(type) {
	case string:
		switch n := needle.(type) {
		case string:
			return strings.Contains(typed, n)
		case float64:
			return strings.Contains(typed, strconv.FormatFloat(n, 'f', -1, 64))
		default:
			return false
		}
	case []any:
		for _, element := range typed {
			if valuesEqual(element, needle) {
				return true
			}
		}
		return false
	case map[string]any:
		key, ok := needle.(string)
		if !ok {
			return false
		}
		_, exists := typed[key]
		return exists
	default:
		return false
	}
}
