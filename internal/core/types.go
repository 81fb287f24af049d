package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type TriState uint8

const (
	NotApplicable TriState = iota
	ApplicableTrue
	ApplicableFalse
)

// Verdict converts a boolean outcome into an applicable tri-state.
func Verdict(visible bool) TriState {
	if visible {
		return ApplicableTrue
	}
	return ApplicableFalse
}

func (s TriState) Applicable() bool {
	return s == ApplicableTrue || s == ApplicableFalse
}

func (s TriState) String() string {
	switch s {
	case ApplicableTrue:
		return "true"
	case ApplicableFalse:
		return "false"
	default:
		return "not_applicable"
	}
}

func (s TriState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Attributes maps a control identifier to that control's raw attribute
// object, exactly as persisted with the block.
type Attributes map[string]json.RawMessage

// ParseAttributes decodes a persisted block visibility object.
func ParseAttributes(data []byte) (Attributes, error) {
	if len(data) == 0 {
		return Attributes{}, nil
	}

	var attrs Attributes
	if err := json.Unmarshal(data, &attrs); err != nil {
		return nil, err
	}
	if attrs == nil {
		attrs = Attributes{}
	}
	return attrs, nil
}

type User struct {
	ID       string              `json:"id,omitempty"`
	LoggedIn bool                `json:"logged_in"`
	Roles    []string            `json:"roles,omitempty"`
	Tags     map[string][]string `json:"tags,omitempty"`
}

// Request holds page request facts. When URLUnknown is set the page URL was
// not supplied, so Path and Query carry nothing and controls reading them
// are not applicable.
type Request struct {
	URLUnknown bool                `json:"url_unknown,omitempty"`
	Path       string              `json:"path,omitempty"`
	Query      map[string][]string `json:"query,omitempty"`
	Cookies    map[string]string   `json:"cookies,omitempty"`
	UserAgent  string              `json:"user_agent,omitempty"`
	Device     string              `json:"device,omitempty"`
	Browser    string              `json:"browser,omitempty"`
	Platform   string              `json:"platform,omitempty"`
	Referrer   string              `json:"referrer,omitempty"`
}

type Integration struct {
	Active bool            `json:"active"`
	Tags   []string        `json:"tags,omitempty"`
	Config json.RawMessage `json:"config,omitempty"`
}

// Context is the read-only snapshot of facts a decision is made against.
// Nil or zero fields mean the fact is unavailable; evaluators that need
// them report NotApplicable.
type Context struct {
	Now          time.Time
	Location     *time.Location
	User         *User
	Request      *Request
	ScreenWidth  int
	Integrations map[string]Integration
	Metadata     json.RawMessage
}

func (c Context) location() *time.Location {
	if c.Location == nil {
		return time.UTC
	}
	return c.Location
}

func (c Context) integration(key string) (Integration, bool) {
	integration, ok := c.Integrations[key]
	if !ok || !integration.Active {
		return Integration{}, false
	}
	return integration, true
}

type Breakpoints struct {
	ExtraLarge int `json:"extra_large" yaml:"extra_large"`
	Large      int `json:"large" yaml:"large"`
	Medium     int `json:"medium" yaml:"medium"`
	Small      int `json:"small" yaml:"small"`
}

var DefaultBreakpoints = Breakpoints{ExtraLarge: 1200, Large: 992, Medium: 768, Small: 576}

var ErrBreakpointOrder = errors.New("breakpoints must be positive and strictly decreasing from extra_large to small")

// Validate accepts the zero value, which selects DefaultBreakpoints.
func (b Breakpoints) Validate() error {
	if b == (Breakpoints{}) {
		return nil
	}
	if b.Small <= 0 || b.Medium <= b.Small || b.Large <= b.Medium || b.ExtraLarge <= b.Large {
		return ErrBreakpointOrder
	}
	return nil
}

type Preset struct {
	ID       string     `json:"id" yaml:"id"`
	Title    string     `json:"title" yaml:"title"`
	Enabled  bool       `json:"enabled" yaml:"enabled"`
	Controls Attributes `json:"controls" yaml:"-"`
}

// Settings is the site-wide configuration the engine reads but never writes.
type Settings struct {
	// EnabledControls restricts evaluation to the listed controls, keyed by
	// control ID or setting slug. A nil map enables every registered control.
	EnabledControls    map[string]bool   `json:"enabled_controls,omitempty"`
	Presets            map[string]Preset `json:"presets,omitempty"`
	Breakpoints        Breakpoints       `json:"breakpoints"`
	FullControlMode    bool              `json:"full_control_mode"`
	DisabledBlockTypes []string          `json:"disabled_block_types,omitempty"`
}

// Normalize validates breakpoints and fills each preset's ID from its key.
// A preset whose declared ID differs from its key is rejected.
func (s *Settings) Normalize() error {
	if err := s.Breakpoints.Validate(); err != nil {
		return err
	}
	for id, preset := range s.Presets {
		switch {
		case preset.ID == "":
			preset.ID = id
		case preset.ID != id:
			return fmt.Errorf("preset %q declares id %q", id, preset.ID)
		}
		s.Presets[id] = preset
	}
	return nil
}

func (s Settings) controlEnabled(def Definition) bool {
	if s.EnabledControls == nil {
		return true
	}
	if s.EnabledControls[def.ID] {
		return true
	}
	return def.SettingSlug != "" && s.EnabledControls[def.SettingSlug]
}

func (s Settings) breakpoints() Breakpoints {
	if s.Breakpoints == (Breakpoints{}) {
		return DefaultBreakpoints
	}
	return s.Breakpoints
}

func (s Settings) preset(id string) (Preset, bool) {
	presets := s.Presets
	if presets == nil {
		presets = DefaultPresets()
	}
	preset, ok := presets[id]
	if !ok || !preset.Enabled {
		return Preset{}, false
	}
	return preset, true
}

// BlockTypeEnabled reports whether visibility controls apply to a block of
// the given type. Child blocks only carry controls in full control mode.
func (s Settings) BlockTypeEnabled(blockType string, isChild bool) bool {
	if isChild && !s.FullControlMode {
		return false
	}
	for _, disabled := range s.DisabledBlockTypes {
		if disabled == blockType {
			return false
		}
	}
	return true
}

type Kind uint8

const (
	KindStandard Kind = iota
	KindUserState
	KindOverride
)

func (k Kind) String() string {
	switch k {
	case KindOverride:
		return "override"
	case KindUserState:
		return "user_state"
	default:
		return "standard"
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Input is everything an evaluator may inspect besides the context.
type Input struct {
	Attributes json.RawMessage
	// Siblings holds every control configured in the same control set.
	Siblings Attributes
	Settings Settings
}

type Evaluator interface {
	Evaluate(in Input, ctx Context) TriState
}

type EvaluatorFunc func(in Input, ctx Context) TriState

func (f EvaluatorFunc) Evaluate(in Input, ctx Context) TriState {
	return f(in, ctx)
}

type Definition struct {
	ID          string          `json:"id"`
	Label       string          `json:"label"`
	Icon        string          `json:"icon,omitempty"`
	SettingSlug string          `json:"setting_slug,omitempty"`
	Defaults    json.RawMessage `json:"defaults,omitempty"`
	Kind        Kind            `json:"kind"`

	// RequiresIntegration names an integration that must be active in the
	// context; otherwise the control is NotApplicable and never evaluated.
	RequiresIntegration string `json:"requires_integration,omitempty"`
	// DependsOnUserState orders the control after user-state controls.
	DependsOnUserState bool `json:"depends_on_user_state,omitempty"`

	Evaluator Evaluator `json:"-"`

	// ClientHints returns CSS classes the page should carry when the control
	// cannot be decided server side.
	ClientHints func(in Input, ctx Context) []string `json:"-"`
}
