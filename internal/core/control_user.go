package core

import (
	"encoding/json"
	"strings"
)

const (
	RoleAll       = "all"
	RolePublic    = "public"
	RoleLoggedIn  = "logged-in"
	RoleLoggedOut = "logged-out"
	RoleUserRole  = "user-role"
)

type roleAttributes struct {
	VisibilityByRole      string   `json:"visibilityByRole"`
	RestrictedRoles       []string `json:"restrictedRoles"`
	HideOnRestrictedRoles bool     `json:"hideOnRestrictedRoles,omitempty"`
}

func hideBlockControl() Definition {
	return Definition{
		ID:          ControlHideBlock,
		Label:       "Hide block",
		Icon:        "hidden",
		SettingSlug: "hide_block",
		Defaults:    json.RawMessage(`false`),
		Kind:        KindOverride,
		Evaluator:   EvaluatorFunc(evaluateHideBlock),
	}
}

func evaluateHideBlock(in Input, _ Context) TriState {
	var hide bool
	if err := json.Unmarshal(in.Attributes, &hide); err != nil || !hide {
		return NotApplicable
	}
	return ApplicableTrue
}

func userRoleControl() Definition {
	return Definition{
		ID:          ControlUserRole,
		Label:       "User role",
		Icon:        "admin-users",
		SettingSlug: "visibility_by_role",
		Defaults:    json.RawMessage(`{"visibilityByRole":"all","restrictedRoles":[]}`),
		Kind:        KindUserState,
		Evaluator:   EvaluatorFunc(evaluateUserRole),
	}
}

func evaluateUserRole(in Input, ctx Context) TriState {
	var attrs roleAttributes
	if err := json.Unmarshal(in.Attributes, &attrs); err != nil {
		return NotApplicable
	}

	loggedIn := ctx.User != nil && ctx.User.LoggedIn

	switch strings.ToLower(strings.TrimSpace(attrs.VisibilityByRole)) {
	case RoleAll, RolePublic:
		return ApplicableTrue
	case RoleLoggedOut:
		return Verdict(!loggedIn)
	case RoleLoggedIn, RoleUserRole:
		if !loggedIn {
			return ApplicableFalse
		}
		if len(attrs.RestrictedRoles) == 0 {
			return ApplicableTrue
		}
		matched := intersects(ctx.User.Roles, attrs.RestrictedRoles)
		if attrs.HideOnRestrictedRoles {
			return Verdict(!matched)
		}
		return Verdict(matched)
	default:
		return NotApplicable
	}
}

// configuredRole returns the role visibility a set is configured with, which
// is public when the set has no role control.
func configuredRole(siblings Attributes) string {
	raw, ok := siblings[ControlUserRole]
	if !ok {
		return RolePublic
	}
	var attrs roleAttributes
	if err := json.Unmarshal(raw, &attrs); err != nil || attrs.VisibilityByRole == "" {
		return RolePublic
	}
	return strings.ToLower(strings.TrimSpace(attrs.VisibilityByRole))
}
