// Package tools provides the built-in tool set: control tools that steer the
// agent loop, status tools over the running-tool tracker, and source tools
// that recover full text condensed into the summary store.
package tools

import (
	"github.com/haasonsaas/ensemble/internal/agent"
	"github.com/haasonsaas/ensemble/internal/summaries"
)

// Deps carries the shared state the built-in tools operate on. A nil field
// disables the tools that need it; the control tools are always available.
type Deps struct {
	Running   *agent.RunningToolTracker
	Summaries *summaries.Store
}

// Builtins returns every built-in tool the dependencies support.
func Builtins(deps Deps) []*agent.Tool {
	out := ControlTools()
	if deps.Running != nil {
		out = append(out, StatusTools(deps.Running)...)
	}
	if deps.Summaries != nil {
		out = append(out, SourceTools(deps.Summaries)...)
	}
	return out
}

// Register adds every applicable built-in to the registry.
func Register(registry *agent.Registry, deps Deps) {
	for _, tool := range Builtins(deps) {
		registry.Register(tool)
	}
}
