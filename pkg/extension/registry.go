package extension

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"cogbot/pkg/metrics"
)

// Constructor builds an extension instance.
type Constructor func(Deps) (Extension, error)

// Outcome is the result of resolving one requested name. Exactly one of
// Extension and Err is set.
type Outcome struct {
	Name      string
	Extension Extension
	Err       error
}

// Registry maps extension names to constructors. Registration happens while
// wiring the process; Resolve is called once per runtime start.
type Registry struct {
	mu           sync.RWMutex
	order        []string
	constructors map[string]Constructor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{constructors: make(map[string]Constructor)}
}

// Register adds or replaces the constructor for name. A replaced name keeps
// its original position.
func (r *Registry) Register(name string, constructor Constructor) {
	name = strings.TrimSpace(name)
	if name == "" || constructor == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.constructors[name]; !ok {
		r.order = append(r.order, name)
	}
	r.constructors[name] = constructor
}

// Names returns registered names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]string(nil), r.order...)
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.constructors[strings.TrimSpace(name)]
	return ok
}

// Resolve constructs each requested extension in request order and returns
// one outcome per name. Failures are returned as *LoadError outcomes; a
// failure never stops the names after it.
func (r *Registry) Resolve(deps Deps, names []string) []Outcome {
	outcomes := make([]Outcome, 0, len(names))
	seen := make(map[string]struct{}, len(names))

	for _, raw := range names {
		name := strings.TrimSpace(raw)
		outcome := r.resolveOne(deps, name, seen)
		seen[name] = struct{}{}

		result := "loaded"
		if outcome.Err != nil {
			result = "failed"
		}
		metrics.ExtensionLoads.WithLabelValues(name, result).Inc()

		outcomes = append(outcomes, outcome)
	}

	return outcomes
}

func (r *Registry) resolveOne(deps Deps, name string, seen map[string]struct{}) Outcome {
	if _, dup := seen[name]; dup {
		return Outcome{Name: name, Err: &LoadError{Name: name, Err: ErrDuplicate}}
	}

	r.mu.RLock()
	constructor, ok := r.constructors[name]
	r.mu.RUnlock()
	if !ok {
		return Outcome{Name: name, Err: &LoadError{Name: name, Err: ErrNotRegistered}}
	}

	ext, err := construct(deps, name, constructor)
	if err != nil {
		return Outcome{Name: name, Err: &LoadError{Name: name, Err: err}}
	}

	return Outcome{Name: name, Extension: ext}
}

func construct(deps Deps, name string, constructor Constructor) (ext Extension, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			ext = nil
			err = fmt.Errorf("constructor panic: %v", recovered)
		}
	}()

	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	deps.Logger = deps.Logger.With("component", "extension."+name)

	ext, err = constructor(deps)
	if err != nil {
		return nil, err
	}
	if ext == nil {
		return nil, ErrNilExtension
	}

	return ext, nil
}

// Loaded returns the extensions of the successful outcomes, in order.
func Loaded(outcomes []Outcome) []Extension {
	loaded := make([]Extension, 0, len(outcomes))
	for _, outcome := range outcomes {
		if outcome.Err == nil && outcome.Extension != nil {
			loaded = append(loaded, outcome.Extension)
		}
	}

	return loaded
}
