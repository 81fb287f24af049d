package core

import (
	"errors"
	"fmt"
	"iter"
	"sync"
)

var ErrInvalidDefinition = errors.New("invalid control definition")

type DuplicateControlError struct {
	ID string
}

func (e *DuplicateControlError) Error() string {
	return fmt.Sprintf("control %q is already registered", e.ID)
}

// Registry is an ordered catalog of control definitions. It is safe for
// concurrent use but is meant to be filled once before serving.
type Registry struct {
	mu    sync.RWMutex
	defs  []Definition
	index map[string]int
}

func NewRegistry() *Registry {
	return &Registry{index: make(map[string]int)}
}

func (r *Registry) Register(def Definition) error {
	if def.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidDefinition)
	}
	if def.Evaluator == nil {
		return fmt.Errorf("%w: control %q has no evaluator", ErrInvalidDefinition, def.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.index[def.ID]; ok {
		return &DuplicateControlError{ID: def.ID}
	}

	r.index[def.ID] = len(r.defs)
	r.defs = append(r.defs, def)
	return nil
}

func (r *Registry) MustRegister(def Definition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

func (r *Registry) Get(id string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i, ok := r.index[id]
	if !ok {
		return Definition{}, false
	}
	return r.defs[i], true
}

// List yields definitions in registration order. Each call walks a fresh
// snapshot, so the sequence can be ranged over repeatedly.
func (r *Registry) List() iter.Seq[Definition] {
	return func(yield func(Definition) bool) {
		r.mu.RLock()
		snapshot := make([]Definition, len(r.defs))
		copy(snapshot, r.defs)
		r.mu.RUnlock()

		for _, def := range snapshot {
			if !yield(def) {
				return
			}
		}
	}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.defs)
}

func (r *Registry) position(id string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if i, ok := r.index[id]; ok {
		return i
	}
	return -1
}

// Reset empties the registry.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.defs = nil
	r.index = make(map[string]int)
}

var defaultRegistry = NewRegistry()

func init() {
	RegisterBuiltins(defaultRegistry)
}

func DefaultRegistry() *Registry {
	return defaultRegistry
}

// RegisterControl adds a control to the process-wide registry. It panics on
// duplicate identifiers.
func RegisterControl(def Definition) {
	defaultRegistry.MustRegister(def)
}

func LookupControl(id string) (Definition, bool) {
	return defaultRegistry.Get(id)
}

func Controls() iter.Seq[Definition] {
	return defaultRegistry.List()
}

// ResetRegistry empties the process-wide registry. When withBuiltins is set
// the built-in controls are registered again.
func ResetRegistry(withBuiltins bool) {
	defaultRegistry.Reset()
	if withBuiltins {
		RegisterBuiltins(defaultRegistry)
	}
}

// RegisterBuiltins registers every built-in control in display order.
func RegisterBuiltins(r *Registry) {
	r.MustRegister(hideBlockControl())
	r.MustRegister(visibilityPresetsControl())
	r.MustRegister(userRoleControl())
	r.MustRegister(screenSizeControl())
	r.MustRegister(browserDeviceControl())
	r.MustRegister(dateTimeControl())
	r.MustRegister(queryStringControl())
	r.MustRegister(urlPathControl())
	r.MustRegister(referralSourceControl())
	r.MustRegister(cookieControl())
	r.MustRegister(metadataControl())
	r.MustRegister(acfControl())
	r.MustRegister(TagIntegrationControl(TagIntegration{
		ID:          ControlWPFusion,
		Label:       "WP Fusion",
		Integration: IntegrationWPFusion,
		SettingSlug: "wp_fusion",
	}))
}
