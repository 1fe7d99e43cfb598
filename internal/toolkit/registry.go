package toolkit

import (
	"fmt"
	"sort"
	"sync"
)

type Registry struct {
	mu        sync.RWMutex
	tools     map[string]Capability
	executors map[string]Executor
}

// NewRegistry returns a registry with the built-in internal tool.
func NewRegistry() *Registry {
	r := &Registry{
		tools:     make(map[string]Capability),
		executors: make(map[string]Executor),
	}
	_ = r.Register(Capability{Name: InternalTool, Description: "built-in no-op integration", Kind: "builtin"}, Internal{})
	return r
}

func (r *Registry) Register(cap Capability, exec Executor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cap.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if _, exists := r.tools[cap.Name]; exists {
		return fmt.Errorf("tool %q already registered", cap.Name)
	}
	if _, ok := exec.(Rollbacker); !ok {
		cap.Rollback = false
	}
	r.tools[cap.Name] = cap
	r.executors[cap.Name] = exec
	return nil
}

func (r *Registry) Deregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	delete(r.executors, name)
}

func (r *Registry) Capability(name string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cap, ok := r.tools[name]
	return cap, ok
}

func (r *Registry) Executor(name string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.executors[name]
	return exec, ok
}

// Capabilities lists registered tools sorted by name.
func (r *Registry) Capabilities() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	caps := make([]Capability, 0, len(r.tools))
	for _, cap := range r.tools {
		caps = append(caps, cap)
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i].Name < caps[j].Name })
	return caps
}

// Names lists registered tool ids; handy for the planning prompt.
func (r *Registry) Names() []string {
	caps := r.Capabilities()
	names := make([]string, len(caps))
	for i, c := range caps {
		names[i] = c.Name
	}
	return names
}
