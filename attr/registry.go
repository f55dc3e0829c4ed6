package attr

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
)

var (
	ErrConflict          = errors.New("attribute registered with a different kind")
	ErrCycle             = errors.New("derived attribute depends on itself")
	ErrUnknownDependency = errors.New("derived attribute depends on unknown attribute")
	ErrFrozen            = errors.New("registry is frozen")
	ErrUnknown           = errors.New("unknown attribute")
	ErrInvalidType       = errors.New("invalid attribute type")
)

// Registry holds the attribute types known to a library. Types are registered at startup, after
// which the registry is frozen and safe for concurrent reads.
type Registry struct {
	mu     sync.RWMutex
	types  map[string]*Type
	frozen bool
}

func NewRegistry() *Registry {
	return &Registry{types: map[string]*Type{}}
}

// Register adds a batch of types atomically. Derived types may depend on each other within the
// batch. Registering a name that already exists with the same kind is a no-op.
func (r *Registry) Register(ts ...Type) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return ErrFrozen
	}

	next := maps.Clone(r.types)
	for _, t := range ts {
		if t.Name == "" {
			return fmt.Errorf("%w: empty name", ErrInvalidType)
		}
		if len(t.DependsOn) > 0 && t.Derive == nil {
			return fmt.Errorf("%w: %q has dependencies but no derive func", ErrInvalidType, t.Name)
		}
		if t.Kind == KindEnum && t.Default != nil && !slices.Contains(t.Values, fmt.Sprint(t.Default)) {
			return fmt.Errorf("%w: %q default not in values", ErrInvalidType, t.Name)
		}
		if prev, ok := next[t.Name]; ok {
			if prev.Kind != t.Kind || prev.Derived() != t.Derived() {
				return fmt.Errorf("%w: %q is %s", ErrConflict, t.Name, prev.Kind)
			}
			continue
		}
		t := t
		t.DependsOn = slices.Clone(t.DependsOn)
		next[t.Name] = &t
	}

	if err := checkDerived(next); err != nil {
		return err
	}

	r.types = next
	return nil
}

// MustRegister is like Register but panics on error. For use in package init.
func (r *Registry) MustRegister(ts ...Type) {
	if err := r.Register(ts...); err != nil {
		panic(fmt.Errorf("register attributes: %w", err))
	}
}

// Freeze makes the registry read only.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

func (r *Registry) Lookup(name string) (*Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[name]
	return t, ok
}

// Names returns all registered attribute names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.types))
}

// Fuzzy returns the sorted names of attributes searched by bare query terms.
func (r *Registry) Fuzzy() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for name, t := range r.types {
		if t.Fuzzy {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// Resolve returns the value of name. Stored attributes are read with get; derived attributes are
// computed from their dependencies. The bool reports whether the value was set, derived values are
// set when any of their dependencies are.
func (r *Registry) Resolve(name string, get func(string) (any, bool)) (any, bool) {
	t, ok := r.Lookup(name)
	if !ok {
		return nil, false
	}
	if !t.Derived() {
		v, ok := get(name)
		if !ok {
			return t.Zero(), false
		}
		return t.Coerce(v), true
	}

	var anySet bool
	v := t.Derive(func(dep string) any {
		v, ok := r.Resolve(dep, get)
		anySet = anySet || ok
		return v
	})
	if !anySet {
		return t.Zero(), false
	}
	return t.Coerce(v), true
}

func checkDerived(types map[string]*Type) error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := map[string]int{}

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch state[name] {
		case visiting:
			return fmt.Errorf("%w: %v", ErrCycle, append(path, name))
		case done:
			return nil
		}
		state[name] = visiting
		for _, dep := range types[name].DependsOn {
			if _, ok := types[dep]; !ok {
				return fmt.Errorf("%w: %q needs %q", ErrUnknownDependency, name, dep)
			}
			if err := visit(dep, append(path, name)); err != nil {
				return err
			}
		}
		state[name] = done
		return nil
	}

	// sorted for stable error messages
	for _, name := range slices.Sorted(maps.Keys(types)) {
		if err := visit(name, nil); err != nil {
			return err
		}
	}
	return nil
}
