package agent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/haasonsaas/ensemble/internal/backoff"
	"github.com/haasonsaas/ensemble/pkg/models"
)

// Default limits applied when a Definition leaves them zero.
const (
	DefaultMaxToolCallRounds       = 10
	DefaultMaxVerificationAttempts = 3
)

// ToolChoice steers how the model may call tools.
type ToolChoice string

const (
	ToolChoiceAuto     ToolChoice = "auto"
	ToolChoiceNone     ToolChoice = "none"
	ToolChoiceRequired ToolChoice = "required"
)

// ModelSettings carries the generation parameters forwarded to adapters.
// Zero values mean "provider default".
type ModelSettings struct {
	Temperature float64 `json:"temperature,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`

	// ToolChoice is auto, none, required, or a specific tool name.
	ToolChoice ToolChoice `json:"tool_choice,omitempty"`

	// JSONSchema forces structured output when the provider supports it.
	JSONSchema json.RawMessage `json:"json_schema,omitempty"`

	// SequentialTools serializes this agent's tool executions.
	SequentialTools bool `json:"sequential_tools,omitempty"`

	Verbosity   string `json:"verbosity,omitempty"`
	ServiceTier string `json:"service_tier,omitempty"`
}

// RetryOptions bounds the orchestrator's retries for retryable stream errors.
type RetryOptions struct {
	// MaxRetries is the retry budget per stream open. Default 3.
	MaxRetries int `json:"max_retries,omitempty"`

	InitialDelay      time.Duration `json:"initial_delay,omitempty"`
	BackoffMultiplier float64       `json:"backoff_multiplier,omitempty"`
	MaxDelay          time.Duration `json:"max_delay,omitempty"`
}

// Policy converts the options into a backoff policy, falling back to the
// package defaults for unset fields.
func (r RetryOptions) Policy() backoff.Policy {
	policy := backoff.DefaultPolicy()
	if r.InitialDelay > 0 {
		policy.InitialDelay = r.InitialDelay
	}
	if r.BackoffMultiplier > 0 {
		policy.Multiplier = r.BackoffMultiplier
	}
	if r.MaxDelay > 0 {
		policy.MaxDelay = r.MaxDelay
	}
	return policy
}

// Budget returns the effective retry count.
func (r RetryOptions) Budget() int {
	if r.MaxRetries > 0 {
		return r.MaxRetries
	}
	return 3
}

// HookDecision is returned by OnToolCall to allow or skip an execution.
type HookDecision int

const (
	// HookProceed lets the tool call run.
	HookProceed HookDecision = iota

	// HookSkip answers the call with "Tool skipped by policy" without
	// invoking the function.
	HookSkip
)

// ToolCallHook observes a tool call before execution and may skip it.
type ToolCallHook func(ctx context.Context, agentID string, call models.ToolCall) HookDecision

// ToolResultHook observes a successful tool result.
type ToolResultHook func(ctx context.Context, agentID string, call models.ToolCall, output string)

// ToolErrorHook observes a failed tool call. Returning ok=true substitutes
// the given string for the error message in the tool output.
type ToolErrorHook func(ctx context.Context, agentID string, call models.ToolCall, err error) (substitute string, ok bool)

// EventHook observes every event the orchestrator emits for this agent.
type EventHook func(event models.Event)

// Definition describes one agent: its identity, model preferences, tool
// surface, limits, and lifecycle hooks.
type Definition struct {
	AgentID string `json:"agent_id"`
	Name    string `json:"name"`

	// Model pins a specific model. ModelClass selects one per request when
	// Model is empty.
	Model      string `json:"model,omitempty"`
	ModelClass string `json:"model_class,omitempty"`

	// Instructions is the system prompt prepended to every request.
	Instructions string `json:"instructions,omitempty"`

	// Tools lists tool names resolved against the registry at request time.
	Tools []string `json:"tools,omitempty"`

	DisabledModels []string       `json:"disabled_models,omitempty"`
	ModelScores    map[string]int `json:"model_scores,omitempty"`

	ModelSettings ModelSettings `json:"model_settings,omitempty"`

	// HistoryThread names a shared history; agents with the same thread
	// converse over the same log.
	HistoryThread string `json:"history_thread,omitempty"`

	// MaxToolCalls caps tool executions per request. 0 = unlimited.
	MaxToolCalls int `json:"max_tool_calls,omitempty"`

	// MaxToolCallRounds caps tool rounds per turn. 0 applies the default.
	MaxToolCallRounds int `json:"max_tool_call_rounds,omitempty"`

	// Verifier re-checks the agent's final output when set.
	Verifier                *Definition `json:"verifier,omitempty"`
	MaxVerificationAttempts int         `json:"max_verification_attempts,omitempty"`

	Retry RetryOptions `json:"retry,omitempty"`

	OnToolCall   ToolCallHook   `json:"-"`
	OnToolResult ToolResultHook `json:"-"`
	OnToolError  ToolErrorHook  `json:"-"`
	OnEvent      EventHook      `json:"-"`

	// ParentID is set on sub-agents spawned by another agent.
	ParentID string `json:"parent_id,omitempty"`
}

// Info returns the identity tag attached to this agent's events.
func (d *Definition) Info() *models.AgentInfo {
	if d == nil {
		return nil
	}
	return &models.AgentInfo{AgentID: d.AgentID, Name: d.Name, ParentID: d.ParentID}
}

// RoundLimit returns the effective tool round cap per turn.
func (d *Definition) RoundLimit() int {
	if d.MaxToolCallRounds > 0 {
		return d.MaxToolCallRounds
	}
	return DefaultMaxToolCallRounds
}

// VerificationLimit returns the effective verification attempt cap.
func (d *Definition) VerificationLimit() int {
	if d.MaxVerificationAttempts > 0 {
		return d.MaxVerificationAttempts
	}
	return DefaultMaxVerificationAttempts
}

// HasTool reports whether the agent's tool list names the given tool.
func (d *Definition) HasTool(name string) bool {
	for _, t := range d.Tools {
		if t == name {
			return true
		}
	}
	return false
}
