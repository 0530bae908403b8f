package agent

import (
	"sync"

	"github.com/haasonsaas/ensemble/pkg/models"
)

// Tool argument limits to prevent resource exhaustion.
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolArgumentsSize is the maximum size of tool arguments JSON (10MB).
	MaxToolArgumentsSize = 10 << 20
)

// Registry manages available tools with thread-safe registration and lookup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool by name, replacing any existing tool with that name.
func (r *Registry) Register(tool *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Definitions resolves a list of tool names to provider-facing definitions.
// Names without a registered tool are skipped.
func (r *Registry) Definitions(names []string) []models.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]models.ToolDefinition, 0, len(names))
	for _, name := range names {
		if tool, ok := r.tools[name]; ok {
			defs = append(defs, tool.Definition)
		}
	}
	return defs
}

// Names returns the registered tool names in no particular order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}
