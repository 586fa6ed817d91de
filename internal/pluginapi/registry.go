package pluginapi

import (
	"fmt"
	"sort"
	"sync"
)

// Constructor builds a plugin instance from its YAML options.
type Constructor func(options map[string]any) (Plugin, error)

// Registry resolves `plugin: <name>` config references to constructors.
// Plugin packages register themselves via an init() call to Register, the
// same self-registration idiom used for database/sql drivers.
type Registry struct {
	mu           sync.Mutex
	constructors map[string]registryEntry
}

type registryEntry struct {
	kind        string
	constructor Constructor
}

// DefaultRegistry is the process-wide registry plugin packages register
// into from init().
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty registry. Most callers use DefaultRegistry;
// a fresh Registry is useful in tests that must not leak registrations.
func NewRegistry() *Registry {
	return &Registry{constructors: make(map[string]registryEntry)}
}

// Register adds a constructor under name for plugins of the given kind
// (source, transform, gate, aggregation, sink). Panics on duplicate
// registration, matching database/sql's driver-registration behavior: a
// duplicate is a programming error caught at init time, not a runtime
// condition to recover from.
func (r *Registry) Register(kind, name string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.constructors[name]; exists {
		panic(fmt.Sprintf("pluginapi: Register called twice for plugin %q", name))
	}
	r.constructors[name] = registryEntry{kind: kind, constructor: ctor}
}

// Build resolves name to a Plugin instance using the given options.
func (r *Registry) Build(name string, options map[string]any) (Plugin, error) {
	r.mu.Lock()
	entry, ok := r.constructors[name]
	r.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("pluginapi: no plugin registered under name %q", name)
	}
	return entry.constructor(options)
}

// PluginInfo describes a registered plugin for listing tooling.
type PluginInfo struct {
	Name string
	Kind string
}

// List returns every registered plugin, optionally filtered by kind
// ("" means no filter), sorted by name.
func (r *Registry) List(kind string) []PluginInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]PluginInfo, 0, len(r.constructors))
	for name, entry := range r.constructors {
		if kind != "" && entry.kind != kind {
			continue
		}
		out = append(out, PluginInfo{Name: name, Kind: entry.kind})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
