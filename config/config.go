// File: config/config.go
// Author: momentics <momentics@gmail.com>
//
// Registry is a typed, YAML-driven configuration store, the Go analogue of
// sylar::Config's Lookup<T>/LoadFromYaml. It keeps the teacher's
// map-plus-RWMutex-plus-listener shape from control.ConfigStore but adds
// the original's generic ConfigVar<T> and dotted-path YAML flattening,
// which the teacher's flat map[string]any never needed.
package config

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// varBase is the type-erased half of a ConfigVar so the Registry can hold
// values of differing T in one map, mirroring ConfigVarBase.
type varBase interface {
	Name() string
	fromYAML(node *yaml.Node) error
}

// ConfigVar is a named, typed, hot-reloadable configuration value.
type ConfigVar[T any] struct {
	name string
	desc string

	mu        sync.RWMutex
	value     T
	listeners map[int]func(old, new T)
	nextID    int
}

// Name returns the variable's dotted registry key.
func (v *ConfigVar[T]) Name() string { return v.name }

// Get returns the variable's current value.
func (v *ConfigVar[T]) Get() T {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.value
}

// Set overwrites the variable's value directly (not via YAML) and notifies
// listeners if the value changed.
func (v *ConfigVar[T]) Set(value T) {
	v.mu.Lock()
	old := v.value
	if reflect.DeepEqual(old, value) {
		v.mu.Unlock()
		return
	}
	v.value = value
	ls := make([]func(old, new T), 0, len(v.listeners))
	for _, fn := range v.listeners {
		ls = append(ls, fn)
	}
	v.mu.Unlock()

	for _, fn := range ls {
		fn(old, value)
	}
}

// AddListener registers fn to be called whenever the value changes, and
// returns an id usable with RemoveListener.
func (v *ConfigVar[T]) AddListener(fn func(old, new T)) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	id := v.nextID
	v.nextID++
	v.listeners[id] = fn
	return id
}

// RemoveListener unregisters a listener previously added with AddListener.
func (v *ConfigVar[T]) RemoveListener(id int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.listeners, id)
}

func (v *ConfigVar[T]) fromYAML(node *yaml.Node) error {
	var decoded T
	if err := node.Decode(&decoded); err != nil {
		return fmt.Errorf("config: %s: %w", v.name, err)
	}
	v.Set(decoded)
	return nil
}

// Registry holds every ConfigVar the process has looked up, keyed by its
// dotted name (e.g. "tcp.connect.timeout").
type Registry struct {
	mu   sync.RWMutex
	vars map[string]varBase
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{vars: make(map[string]varBase)}
}

// Default is the process-wide registry, mirroring Config's static Lookup.
var Default = NewRegistry()

// Lookup returns the named ConfigVar, creating it with defaultValue and
// desc if this is the first lookup for that name. Subsequent lookups for
// the same name must use the same type T or this panics, matching the
// original's type-mismatch guard in Config::Lookup.
func Lookup[T any](r *Registry, name string, defaultValue T, desc string) *ConfigVar[T] {
	name = strings.ToLower(name)

	r.mu.RLock()
	existing, ok := r.vars[name]
	r.mu.RUnlock()
	if ok {
		v, ok := existing.(*ConfigVar[T])
		if !ok {
			panic(fmt.Sprintf("config: %q already registered with a different type", name))
		}
		return v
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.vars[name]; ok {
		return existing.(*ConfigVar[T])
	}
	v := &ConfigVar[T]{
		name:      name,
		desc:      desc,
		value:     defaultValue,
		listeners: make(map[int]func(old, new T)),
	}
	r.vars[name] = v
	return v
}

// LoadYAML parses data as YAML and applies matching values to every
// registered ConfigVar whose dotted path is present, mirroring
// Config::LoadFromYaml's tree-flattening traversal.
func (r *Registry) LoadYAML(data []byte) error {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return err
	}
	if len(root.Content) == 0 {
		return nil
	}
	leaves := make(map[string]*yaml.Node)
	flatten("", root.Content[0], leaves)

	r.mu.RLock()
	defer r.mu.RUnlock()
	for path, node := range leaves {
		v, ok := r.vars[path]
		if !ok {
			continue
		}
		if err := v.fromYAML(node); err != nil {
			return err
		}
	}
	return nil
}

func flatten(prefix string, node *yaml.Node, out map[string]*yaml.Node) {
	if node.Kind != yaml.MappingNode {
		if prefix != "" {
			out[prefix] = node
		}
		return
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := strings.ToLower(node.Content[i].Value)
		child := node.Content[i+1]
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		if child.Kind == yaml.MappingNode {
			flatten(path, child, out)
		} else {
			out[path] = child
		}
	}
}
