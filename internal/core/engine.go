package core

import (
	"encoding/json"
	"strconv"
)

const DefaultSetID = "default"

type ControlSet struct {
	ID       string     `json:"id"`
	Title    string     `json:"title,omitempty"`
	Enable   *bool      `json:"enable,omitempty"`
	Controls Attributes `json:"controls"`
}

func (s ControlSet) enabled() bool {
	return s.Enable == nil || *s.Enable
}

type ControlTrace struct {
	ID        string   `json:"id"`
	Source    string   `json:"source"`
	State     TriState `json:"state"`
	Recovered bool     `json:"recovered,omitempty"`
}

type SetTrace struct {
	ID       string         `json:"id"`
	Visible  bool           `json:"visible"`
	Controls []ControlTrace `json:"controls"`
}

// Decision is the outcome of evaluating one block together with how it was
// reached.
type Decision struct {
	Visible      bool       `json:"visible"`
	ShortCircuit bool       `json:"short_circuit,omitempty"`
	Logic        AnyAll     `json:"logic"`
	Sets         []SetTrace `json:"sets,omitempty"`
	ClientHints  []string   `json:"client_hints,omitempty"`
}

// Observer is told about every control result, for metrics.
type Observer func(controlID string, state TriState, recovered bool)

type EngineOption func(*Engine)

func WithObserver(observer Observer) EngineOption {
	return func(e *Engine) {
		e.observer = observer
	}
}

type Engine struct {
	registry *Registry
	observer Observer
}

func NewEngine(registry *Registry, opts ...EngineOption) *Engine {
	if registry == nil {
		registry = defaultRegistry
	}
	e := &Engine{registry: registry}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Registry() *Registry {
	return e.registry
}

// IsBlockVisible evaluates a block against the process-wide registry.
func IsBlockVisible(attrs Attributes, ctx Context, settings Settings) bool {
	return NewEngine(defaultRegistry).IsBlockVisible(attrs, ctx, settings)
}

func (e *Engine) IsBlockVisible(attrs Attributes, ctx Context, settings Settings) bool {
	return e.Explain(attrs, ctx, settings).Visible
}

// Explain never fails: anything it cannot interpret is treated as not
// configured.
func (e *Engine) Explain(attrs Attributes, ctx Context, settings Settings) (decision Decision) {
	defer func() {
		if recover() != nil {
			decision = Decision{Visible: true, Logic: MatchAny}
		}
	}()

	logic := controlSetLogic(attrs)
	decision = Decision{Visible: true, Logic: logic}

	// The block's own controls always AND with the outcome of its control
	// sets; controlSetLogic only decides how the sets combine among
	// themselves.
	blockVisible := true
	if resolved := Resolve(attrs, e.registry, settings); len(resolved) > 0 {
		trace, overridden, hints := e.evaluateSet(DefaultSetID, resolved, ctx, settings)
		decision.Sets = append(decision.Sets, trace)
		decision.ClientHints = append(decision.ClientHints, hints...)

		// An override on the block itself hides it whatever other sets say.
		if overridden {
			decision.Visible = false
			decision.ShortCircuit = true
			decision.ClientHints = nil
			return decision
		}
		blockVisible = trace.Visible
	}

	participating := 0
	allVisible, anyVisible := true, false

	for _, set := range controlSets(attrs) {
		if !set.enabled() {
			continue
		}
		resolved := Resolve(set.Controls, e.registry, settings)
		if len(resolved) == 0 {
			continue
		}

		trace, _, hints := e.evaluateSet(set.ID, resolved, ctx, settings)
		decision.Sets = append(decision.Sets, trace)
		decision.ClientHints = append(decision.ClientHints, hints...)

		participating++
		allVisible = allVisible && trace.Visible
		anyVisible = anyVisible || trace.Visible
	}

	setsVisible := true
	if participating > 0 {
		if logic == MatchAll {
			setsVisible = allVisible
		} else {
			setsVisible = anyVisible
		}
	}

	decision.Visible = blockVisible && setsVisible
	if !decision.Visible {
		decision.ClientHints = nil
	}
	return decision
}

func (e *Engine) evaluateSet(id string, resolved []Resolved, ctx Context, settings Settings) (SetTrace, bool, []string) {
	trace := SetTrace{ID: id, Controls: make([]ControlTrace, 0, len(resolved))}
	results := make([]Result, 0, len(resolved))
	var hints []string

	for _, r := range resolved {
		in := Input{Attributes: r.Attributes, Siblings: r.Siblings, Settings: settings}
		state, recovered := e.evaluate(r.Definition, in, ctx)

		override := r.Definition.Kind == KindOverride
		results = append(results, Result{ID: r.Definition.ID, Override: override, State: state})
		trace.Controls = append(trace.Controls, ControlTrace{
			ID:        r.Definition.ID,
			Source:    r.Source,
			State:     state,
			Recovered: recovered,
		})
		if e.observer != nil {
			e.observer(r.Definition.ID, state, recovered)
		}

		if override && state == ApplicableTrue {
			trace.Visible = false
			return trace, true, nil
		}

		if state == NotApplicable && r.Definition.ClientHints != nil {
			hints = append(hints, clientHints(r.Definition, in, ctx)...)
		}
	}

	trace.Visible = Combine(results)
	return trace, false, hints
}

func (e *Engine) evaluate(def Definition, in Input, ctx Context) (state TriState, recovered bool) {
	if def.RequiresIntegration != "" {
		if _, ok := ctx.integration(def.RequiresIntegration); !ok {
			return NotApplicable, false
		}
	}

	defer func() {
		if recover() != nil {
			state = NotApplicable
			recovered = true
		}
	}()

	return def.Evaluator.Evaluate(in, ctx), false
}

func clientHints(def Definition, in Input, ctx Context) (hints []string) {
	defer func() {
		if recover() != nil {
			hints = nil
		}
	}()
	return def.ClientHints(in, ctx)
}

func controlSets(attrs Attributes) []ControlSet {
	raw, ok := attrs[KeyControlSets]
	if !ok {
		return nil
	}
	var sets []ControlSet
	if err := json.Unmarshal(raw, &sets); err != nil {
		return nil
	}
	for i := range sets {
		if sets[i].ID == "" {
			sets[i].ID = "set-" + strconv.Itoa(i+1)
		}
	}
	return sets
}

func controlSetLogic(attrs Attributes) AnyAll {
	raw, ok := attrs[KeyControlSetLogic]
	if !ok {
		return MatchAny
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return MatchAny
	}
	if parseAnyAll(value) == MatchAll {
		return MatchAll
	}
	return MatchAny
}
