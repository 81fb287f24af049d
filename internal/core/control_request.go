package core

import (
	"encoding/json"
	"net/url"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	OperatorEquals    = "="
	OperatorNotEquals = "!="
	OperatorExists    = "exists"
	OperatorNotExists = "not-exists"
)

type paramRule struct {
	Param    string     `json:"param"`
	Operator string     `json:"operator"`
	Value    flexString `json:"value"`
}

type paramRules struct {
	Rules  []paramRule `json:"rules"`
	AnyAll string      `json:"anyAll"`
}

// decodeParamRules accepts either a bare list of rules or an object with
// rules and anyAll.
func decodeParamRules(raw json.RawMessage) (paramRules, bool) {
	var rules paramRules
	if isJSONArray(raw) {
		if err := json.Unmarshal(raw, &rules.Rules); err != nil {
			return paramRules{}, false
		}
		return rules, true
	}
	if err := json.Unmarshal(raw, &rules); err != nil {
		return paramRules{}, false
	}
	return rules, true
}

func normalizeOperator(operator string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(operator)) {
	case "=", "==", "equals", "equal":
		return OperatorEquals, true
	case "!=", "not-equals", "notequals", "not-equal":
		return OperatorNotEquals, true
	case "exists":
		return OperatorExists, true
	case "not-exists", "notexists", "not-exist":
		return OperatorNotExists, true
	default:
		return "", false
	}
}

// evaluateParamRules applies rules to a lookup of named values. Rules that
// cannot be interpreted are skipped.
func evaluateParamRules(raw json.RawMessage, lookup func(name string) ([]string, bool)) TriState {
	rules, ok := decodeParamRules(raw)
	if !ok {
		return NotApplicable
	}

	matches := make([]bool, 0, len(rules.Rules))
	for _, rule := range rules.Rules {
		name := strings.TrimSpace(rule.Param)
		operator, ok := normalizeOperator(rule.Operator)
		if name == "" || !ok {
			continue
		}

		values, present := lookup(name)
		matches = append(matches, matchParam(operator, string(rule.Value), values, present))
	}
	if len(matches) == 0 {
		return NotApplicable
	}
	return Verdict(parseAnyAll(rules.AnyAll).reduce(matches))
}

func matchParam(operator string, expected string, values []string, present bool) bool {
	switch operator {
	case OperatorExists:
		return present
	case OperatorNotExists:
		return !present
	case OperatorEquals:
		for _, value := range values {
			if value == expected {
				return true
			}
		}
		return false
	case OperatorNotEquals:
		for _, value := range values {
			if value == expected {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func queryStringControl() Definition {
	return Definition{
		ID:          ControlQueryString,
		Label:       "Query string",
		Icon:        "editor-code",
		SettingSlug: "query_string",
		Defaults:    json.RawMessage(`[]`),
		Evaluator: EvaluatorFunc(func(in Input, ctx Context) TriState {
			if ctx.Request == nil || ctx.Request.URLUnknown {
				return NotApplicable
			}
			return evaluateParamRules(in.Attributes, func(name string) ([]string, bool) {
				values, ok := ctx.Request.Query[name]
				return values, ok
			})
		}),
	}
}

func cookieControl() Definition {
	return Definition{
		ID:          ControlCookie,
		Label:       "Cookie",
		Icon:        "food",
		SettingSlug: "cookie",
		Defaults:    json.RawMessage(`[]`),
		Evaluator: EvaluatorFunc(func(in Input, ctx Context) TriState {
			if ctx.Request == nil {
				return NotApplicable
			}
			return evaluateParamRules(in.Attributes, func(name string) ([]string, bool) {
				value, ok := ctx.Request.Cookies[name]
				if !ok {
					return nil, false
				}
				return []string{value}, true
			})
		}),
	}
}

const (
	PathExact  = "exact"
	PathPrefix = "prefix"
	PathRegex  = "regex"
)

type pathPattern struct {
	Pattern string `json:"pattern"`
	Mode    string `json:"mode"`
}

// UnmarshalJSON also accepts a bare string; a trailing "*" makes it a prefix.
func (p *pathPattern) UnmarshalJSON(data []byte) error {
	var value string
	if err := json.Unmarshal(data, &value); err == nil {
		if strings.HasSuffix(value, "*") {
			*p = pathPattern{Pattern: strings.TrimSuffix(value, "*"), Mode: PathPrefix}
		} else {
			*p = pathPattern{Pattern: value, Mode: PathExact}
		}
		return nil
	}

	type plain pathPattern
	var decoded plain
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*p = pathPattern(decoded)
	return nil
}

type urlPathAttributes struct {
	Include []pathPattern `json:"include"`
	Exclude []pathPattern `json:"exclude"`
}

// regexCacheSize bounds how many compiled path patterns are kept. Patterns
// arrive from block attributes and previews, so the set is open-ended.
const regexCacheSize = 256

var regexCache = mustRegexCache(regexCacheSize)

func mustRegexCache(size int) *lru.Cache[string, *regexp.Regexp] {
	cache, err := lru.New[string, *regexp.Regexp](size)
	if err != nil {
		panic(err)
	}
	return cache
}

// compilePattern returns nil for an invalid pattern. Only valid patterns
// are cached; a compiled regexp is safe for concurrent use.
func compilePattern(pattern string) *regexp.Regexp {
	if re, ok := regexCache.Get(pattern); ok {
		return re
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil
	}
	regexCache.Add(pattern, re)
	return re
}

type pathMatcher func(path string) bool

func (p pathPattern) matcher() (pathMatcher, bool) {
	pattern := strings.TrimSpace(p.Pattern)
	if pattern == "" {
		return nil, false
	}

	switch strings.ToLower(strings.TrimSpace(p.Mode)) {
	case "", PathExact:
		want := normalizePath(pattern)
		return func(path string) bool { return path == want }, true
	case PathPrefix:
		want := normalizePath(pattern)
		return func(path string) bool {
			if want == "/" {
				return true
			}
			return path == want || strings.HasPrefix(path, want+"/")
		}, true
	case PathRegex:
		re := compilePattern(pattern)
		if re == nil {
			return nil, false
		}
		return re.MatchString, true
	default:
		return nil, false
	}
}

func normalizePath(path string) string {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
		if path == "" {
			path = "/"
		}
	}
	return path
}

func compileMatchers(patterns []pathPattern) []pathMatcher {
	matchers := make([]pathMatcher, 0, len(patterns))
	for _, pattern := range patterns {
		if m, ok := pattern.matcher(); ok {
			matchers = append(matchers, m)
		}
	}
	return matchers
}

func urlPathControl() Definition {
	return Definition{
		ID:          ControlURLPath,
		Label:       "URL path",
		Icon:        "admin-links",
		SettingSlug: "url_path",
		Defaults:    json.RawMessage(`{}`),
		Evaluator:   EvaluatorFunc(evaluateURLPath),
	}
}

func evaluateURLPath(in Input, ctx Context) TriState {
	if ctx.Request == nil || ctx.Request.URLUnknown {
		return NotApplicable
	}

	var attrs urlPathAttributes
	if isJSONArray(in.Attributes) {
		if err := json.Unmarshal(in.Attributes, &attrs.Include); err != nil {
			return NotApplicable
		}
	} else if err := json.Unmarshal(in.Attributes, &attrs); err != nil {
		return NotApplicable
	}

	include := compileMatchers(attrs.Include)
	exclude := compileMatchers(attrs.Exclude)
	if len(include) == 0 && len(exclude) == 0 {
		return NotApplicable
	}

	path := normalizePath(ctx.Request.Path)

	if len(include) > 0 {
		matched := false
		for _, m := range include {
			if m(path) {
				matched = true
				break
			}
		}
		if !matched {
			return ApplicableFalse
		}
	}
	for _, m := range exclude {
		if m(path) {
			return ApplicableFalse
		}
	}
	return ApplicableTrue
}

const ReferralDirect = "direct"

type referralAttributes struct {
	Include []string `json:"include"`
	Exclude []string `json:"exclude"`
}

func referralSourceControl() Definition {
	return Definition{
		ID:          ControlReferralSource,
		Label:       "Referral source",
		Icon:        "external",
		SettingSlug: "referral_source",
		Defaults:    json.RawMessage(`{}`),
		Evaluator:   EvaluatorFunc(evaluateReferralSource),
	}
}

func evaluateReferralSource(in Input, ctx Context) TriState {
	if ctx.Request == nil {
		return NotApplicable
	}

	var attrs referralAttributes
	if isJSONArray(in.Attributes) {
		if err := json.Unmarshal(in.Attributes, &attrs.Include); err != nil {
			return NotApplicable
		}
	} else if err := json.Unmarshal(in.Attributes, &attrs); err != nil {
		return NotApplicable
	}

	include := normalizeSources(attrs.Include)
	exclude := normalizeSources(attrs.Exclude)
	if len(include) == 0 && len(exclude) == 0 {
		return NotApplicable
	}

	host := referrerHost(ctx.Request.Referrer)

	if len(include) > 0 && !matchesSource(host, include) {
		return ApplicableFalse
	}
	if matchesSource(host, exclude) {
		return ApplicableFalse
	}
	return ApplicableTrue
}

func normalizeSources(values []string) []string {
	sources := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.ToLower(strings.TrimSpace(value))
		if value == "" {
			continue
		}
		if value != ReferralDirect {
			value = referrerHost(value)
			if value == "" {
				continue
			}
		}
		sources = append(sources, value)
	}
	return sources
}

// referrerHost extracts a lower-cased host from a URL or bare host name.
func referrerHost(referrer string) string {
	referrer = strings.ToLower(strings.TrimSpace(referrer))
	if referrer == "" {
		return ""
	}
	if !strings.Contains(referrer, "://") {
		referrer = "http://" + referrer
	}
	parsed, err := url.Parse(referrer)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(parsed.Hostname(), "www.")
}

func matchesSource(host string, sources []string) bool {
	for _, source := range sources {
		if source == ReferralDirect {
			if host == "" {
				return true
			}
			continue
		}
		if host != "" && (host == source || strings.HasSuffix(host, "."+source)) {
			return true
		}
	}
	return false
}
