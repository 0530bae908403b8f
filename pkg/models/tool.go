package models

import (
	"encoding/json"
	"time"
)

// ToolDefinition is the provider-facing description of a callable tool.
// Parameters holds a JSON Schema object for the tool's arguments.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// FunctionInvocation is the name/arguments pair inside a tool call.
// Arguments is the raw JSON text exactly as streamed by the provider.
type FunctionInvocation struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCall is a model-issued request to execute a tool.
type ToolCall struct {
	ID       string             `json:"id,omitempty"`
	CallID   string             `json:"call_id"`
	Function FunctionInvocation `json:"function"`
}

// ToolCallResult pairs a tool call with its outcome. Exactly one of Output
// and Error is meaningful.
type ToolCallResult struct {
	ToolCall ToolCall `json:"tool_call"`
	ID       string   `json:"id,omitempty"`
	CallID   string   `json:"call_id"`
	Output   string   `json:"output,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// RunningToolStatus is the lifecycle state of a tracked tool execution.
type RunningToolStatus string

const (
	RunningToolRunning   RunningToolStatus = "running"
	RunningToolCompleted RunningToolStatus = "completed"
	RunningToolFailed    RunningToolStatus = "failed"
	RunningToolTimedOut  RunningToolStatus = "timed_out"
	RunningToolAborted   RunningToolStatus = "aborted"
)

// Terminal reports whether the status is a final state.
func (s RunningToolStatus) Terminal() bool {
	return s != RunningToolRunning
}

// RunningToolInfo is a point-in-time snapshot of a tracked tool execution,
// safe to hand to callers and status-tracking tools.
type RunningToolInfo struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	AgentID   string            `json:"agent_id"`
	Args      map[string]any    `json:"args,omitempty"`
	StartTime time.Time         `json:"start_time"`
	Status    RunningToolStatus `json:"status"`
	Result    string            `json:"result,omitempty"`
	Error     string            `json:"error,omitempty"`
}
