package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/ensemble/pkg/models"
)

// CategoryControl marks tools that steer the agent loop itself. Control
// tools always dispatch through the sequential queue.
const CategoryControl = "control"

// Names of the control tools the orchestrator treats specially: executing
// either one halts the request after the current round.
const (
	ToolTaskComplete   = "task_complete"
	ToolTaskFatalError = "task_fatal_error"
)

// ToolArgs is the bound form of a tool call's JSON arguments. Object-shaped
// arguments land in Values keyed by parameter name; array-shaped arguments
// land in Positional. Raw always carries the original text.
type ToolArgs struct {
	// AgentID is the calling agent, populated when the tool sets InjectAgentID.
	AgentID string

	Values     map[string]any
	Positional []any
	Raw        json.RawMessage
}

// String returns the named argument as a string, or "" when absent or not
// a string. Tools do their own validation.
func (a ToolArgs) String(key string) string {
	s, _ := a.Values[key].(string)
	return s
}

// Int returns the named argument as an int. JSON numbers arrive as float64.
func (a ToolArgs) Int(key string) int {
	switch v := a.Values[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

// Float64 returns the named argument as a float64.
func (a ToolArgs) Float64(key string) float64 {
	f, _ := a.Values[key].(float64)
	return f
}

// Bool returns the named argument as a bool.
func (a ToolArgs) Bool(key string) bool {
	b, _ := a.Values[key].(bool)
	return b
}

// Has reports whether the named argument was provided.
func (a ToolArgs) Has(key string) bool {
	_, ok := a.Values[key]
	return ok
}

// ToolFunc executes a tool. The returned value is shaped into the tool
// output string: nil becomes "", strings pass through, errors become
// "<ErrorName>: <message>", and anything else is JSON with 2-space indent.
type ToolFunc func(ctx context.Context, args ToolArgs) (any, error)

// Tool pairs a provider-facing definition with its implementation and
// per-tool execution knobs.
type Tool struct {
	Definition models.ToolDefinition
	Func       ToolFunc

	// Category groups tools; control tools serialize through the queue.
	Category string

	// InjectAgentID passes the calling agent's id to the function.
	InjectAgentID bool

	// DisableSummary blocks condensing of long output for this tool.
	DisableSummary bool

	// SkipSummarization truncates long output instead of condensing it.
	SkipSummarization bool

	// MaxLength overrides the default truncation limit for this tool's
	// output. 0 applies the default.
	MaxLength int

	// Timeout overrides the default wall budget. 0 applies the default;
	// tools on the timeout exemption list ignore both.
	Timeout time.Duration

	validateOnce sync.Once
	validate     *jsonschema.Schema
}

// Name returns the tool's wire name.
func (t *Tool) Name() string {
	return t.Definition.Name
}

// parameterNames extracts the declared parameter names from the tool's JSON
// schema. Unknown argument keys are dropped against this set.
func (t *Tool) parameterNames() map[string]bool {
	if len(t.Definition.Parameters) == 0 {
		return nil
	}
	var schema struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(t.Definition.Parameters, &schema); err != nil {
		return nil
	}
	if len(schema.Properties) == 0 {
		return nil
	}
	names := make(map[string]bool, len(schema.Properties))
	for name := range schema.Properties {
		names[name] = true
	}
	return names
}

// validator compiles the tool's parameter schema once. A nil return means
// the tool declared no schema or the schema does not compile; either way
// arguments pass unvalidated and the tool checks its own inputs.
//
// A schema with a "required" list makes the executor answer calls missing
// those keys with a validation error before dispatch. Tools that want
// missing keys to simply bind absent omit "required" and validate their own
// inputs.
func (t *Tool) validator() *jsonschema.Schema {
	t.validateOnce.Do(func() {
		if len(t.Definition.Parameters) == 0 {
			return
		}
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft7
		if err := compiler.AddResource("tool.json", bytes.NewReader(t.Definition.Parameters)); err != nil {
			return
		}
		schema, err := compiler.Compile("tool.json")
		if err != nil {
			return
		}
		t.validate = schema
	})
	return t.validate
}
