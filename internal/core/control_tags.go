package core

import "encoding/json"

// TagIntegration describes a CRM-style integration whose users carry tags.
type TagIntegration struct {
	ID          string
	Label       string
	Icon        string
	Integration string
	SettingSlug string
}

type tagAttributes struct {
	TagsAny []string `json:"tagsAny"`
	TagsAll []string `json:"tagsAll"`
	TagsNot []string `json:"tagsNot"`
}

// TagIntegrationControl builds a control for tag-based visibility. The
// any/all requirements only apply when the set's role control restricts to
// signed-in visitors, and the exclusion only when it does not restrict to
// signed-out visitors.
func TagIntegrationControl(t TagIntegration) Definition {
	icon := t.Icon
	if icon == "" {
		icon = "tag"
	}
	return Definition{
		ID:                  t.ID,
		Label:               t.Label,
		Icon:                icon,
		SettingSlug:         t.SettingSlug,
		Defaults:            json.RawMessage(`{"tagsAny":[],"tagsAll":[],"tagsNot":[]}`),
		RequiresIntegration: t.Integration,
		DependsOnUserState:  true,
		Evaluator:           EvaluatorFunc(tagEvaluator(t.Integration)),
	}
}

func tagEvaluator(integrationKey string) func(in Input, ctx Context) TriState {
	return func(in Input, ctx Context) TriState {
		integration, ok := ctx.integration(integrationKey)
		if !ok {
			return NotApplicable
		}

		var attrs tagAttributes
		if err := json.Unmarshal(in.Attributes, &attrs); err != nil {
			return NotApplicable
		}

		tagsAny := availableTags(attrs.TagsAny, integration.Tags)
		tagsAll := availableTags(attrs.TagsAll, integration.Tags)
		tagsNot := availableTags(attrs.TagsNot, integration.Tags)

		var userTags []string
		if ctx.User != nil && ctx.User.LoggedIn {
			userTags = ctx.User.Tags[integrationKey]
		}
		have := make(map[string]struct{}, len(userTags))
		for _, tag := range userTags {
			have[tag] = struct{}{}
		}

		role := configuredRole(in.Siblings)
		anyAllApplies := role != RolePublic && role != RoleLoggedOut
		notApplies := role != RoleLoggedOut

		anyResult, allResult, notResult := NotApplicable, NotApplicable, NotApplicable

		if anyAllApplies && len(tagsAny) > 0 {
			matched := false
			for _, tag := range tagsAny {
				if _, ok := have[tag]; ok {
					matched = true
					break
				}
			}
			anyResult = Verdict(matched)
		}

		if anyAllApplies && len(tagsAll) > 0 {
			matched := true
			for _, tag := range tagsAll {
				if _, ok := have[tag]; !ok {
					matched = false
					break
				}
			}
			allResult = Verdict(matched)
		}

		if notApplies && len(tagsNot) > 0 {
			matched := false
			for _, tag := range tagsNot {
				if _, ok := have[tag]; ok {
					matched = true
					break
				}
			}
			notResult = Verdict(!matched)
		}

		return all(anyResult, allResult, notResult)
	}
}

// availableTags drops configured tags the integration no longer offers. An
// integration that does not publish its tag list keeps every tag.
func availableTags(configured []string, available []string) []string {
	if len(available) == 0 {
		return configured
	}
	set := make(map[string]struct{}, len(available))
	for _, tag := range available {
		set[tag] = struct{}{}
	}
	kept := make([]string, 0, len(configured))
	for _, tag := range configured {
		if _, ok := set[tag]; ok {
			kept = append(kept, tag)
		}
	}
	return kept
}
