package store

import (
	"fmt"
	"sort"
	"sync"

	"github.com/davidroman0O/meroflow/errors"
)

// Environment is the name→value namespace of one workflow run.
//
// An Environment may be layered over a parent: reads fall back to the
// parent, writes always land in the current layer. Repeat iterations use a
// layered scope; parallel groups use detached snapshots.
type Environment struct {
	mu     sync.RWMutex
	data   map[string]entry
	parent *Environment
}

// NewEnvironment constructs a root environment seeded with the given values.
func NewEnvironment(seed map[string]any) *Environment {
	env := &Environment{data: make(map[string]entry, len(seed))}
	for name, value := range seed {
		if name == "" {
			continue
		}
		env.data[name] = newEntry(value, SourceGlobal, false)
	}
	return env
}

func newEntry(value any, source string, readOnly bool) entry {
	return entry{value: value, source: source, readOnly: readOnly}
}

// Set stores value under name, overwriting any earlier binding in this layer.
func (e *Environment) Set(name string, value any) error {
	return e.SetWithSource(name, value, "")
}

// SetWithSource stores value under name and records who produced it.
func (e *Environment) SetWithSource(name string, value any, source string) error {
	if name == "" {
		return ErrEmptyName
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, ok := e.data[name]; ok && existing.readOnly {
		return fmt.Errorf("%w: %s", ErrReadOnly, name)
	}
	e.data[name] = newEntry(value, source, false)
	return nil
}

// Bind stores a read-only value in this layer. Later Set calls on the same
// layer fail; child layers may still shadow it.
func (e *Environment) Bind(name string, value any) {
	if name == "" {
		return
	}
	e.mu.Lock()
	e.data[name] = newEntry(value, SourceIteration, true)
	e.mu.Unlock()
}

// Lookup returns the value bound to name in this layer or any parent.
func (e *Environment) Lookup(name string) (any, bool) {
	for layer := e; layer != nil; layer = layer.parent {
		layer.mu.RLock()
		en, ok := layer.data[name]
		layer.mu.RUnlock()
		if ok {
			return en.value, true
		}
	}
	return nil, false
}

// Resolve returns the bound value or an unresolved-variable error.
func (e *Environment) Resolve(name string) (any, error) {
	if v, ok := e.Lookup(name); ok {
		return v, nil
	}
	return nil, errors.UnresolvedVariable(name)
}

// Source returns the recorded producer of name, if any.
func (e *Environment) Source(name string) (string, bool) {
	for layer := e; layer != nil; layer = layer.parent {
		layer.mu.RLock()
		en, ok := layer.data[name]
		layer.mu.RUnlock()
		if ok {
			return en.source, true
		}
	}
	return "", false
}

// All flattens the visible namespace, nearest layer winning.
func (e *Environment) All() map[string]any {
	out := make(map[string]any)
	var layers []*Environment
	for layer := e; layer != nil; layer = layer.parent {
		layers = append(layers, layer)
	}
	for i := len(layers) - 1; i >= 0; i-- {
		layers[i].mu.RLock()
		for k, en := range layers[i].data {
			out[k] = en.value
		}
		layers[i].mu.RUnlock()
	}
	return out
}

// Scope returns a child layer whose reads fall back to e.
func (e *Environment) Scope() *Environment {
	return &Environment{data: make(map[string]entry), parent: e}
}

// Snapshot returns a detached root holding a deep copy of the visible
// namespace. Writes to the snapshot are local to it and can later be
// applied back with Merge.
func (e *Environment) Snapshot() *Environment {
	base := &Environment{data: make(map[string]entry)}
	var layers []*Environment
	for layer := e; layer != nil; layer = layer.parent {
		layers = append(layers, layer)
	}
	for i := len(layers) - 1; i >= 0; i-- {
		layers[i].mu.RLock()
		for k, en := range layers[i].data {
			en.value = copyValue(en.value)
			en.readOnly = false
			base.data[k] = en
		}
		layers[i].mu.RUnlock()
	}
	return base.Scope()
}

// Merge applies the local writes of other into e, overwriting earlier
// bindings. Read-only bindings on either side are left alone. It returns
// the names that were already bound in e, sorted.
func (e *Environment) Merge(other *Environment) []string {
	other.mu.RLock()
	incoming := make(map[string]entry, len(other.data))
	for k, en := range other.data {
		if !en.readOnly {
			incoming[k] = en
		}
	}
	other.mu.RUnlock()

	names := make([]string, 0, len(incoming))
	for k := range incoming {
		names = append(names, k)
	}
	sort.Strings(names)

	e.mu.Lock()
	defer e.mu.Unlock()

	collisions := []string{}
	for _, name := range names {
		existing, exists := e.data[name]
		if !exists && e.parent != nil {
			_, exists = e.parent.Lookup(name)
		}
		if exists {
			collisions = append(collisions, name)
		}
		if existing.readOnly {
			continue
		}
		e.data[name] = incoming[name]
	}
	return collisions
}

// copyValue deep-copies the container shapes produced by YAML and JSON decoding.
func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = copyValue(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = copyValue(item)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
