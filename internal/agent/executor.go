package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/ensemble/internal/observability"
	"github.com/haasonsaas/ensemble/pkg/models"
)

// Execution policy defaults.
const (
	// DefaultToolTimeout is the wall budget for one tool execution.
	DefaultToolTimeout = 30 * time.Second

	// DefaultMaxResultLength is the output size above which results are
	// truncated or condensed.
	DefaultMaxResultLength = 5000

	// DefaultMaxConcurrency bounds parallel tool executions per executor.
	DefaultMaxConcurrency = 5
)

// TimeoutExemptTools never have a wall budget applied. They either wait on
// other tools or run workloads whose duration the model controls.
var TimeoutExemptTools = map[string]bool{
	"wait_for_running_tool":         true,
	"run_shell_command_with_output": true,
	"execute_code":                  true,
	"debug_code":                    true,
	"test_code":                     true,
}

// StatusTrackingTools let an agent observe backgrounded executions. An agent
// whose tool set includes any of these gets timeout promotion instead of
// timeout failure.
var StatusTrackingTools = map[string]bool{
	"get_running_tools":     true,
	"wait_for_running_tool": true,
	"get_tool_status":       true,
}

// SkipSummarizationTools produce output that loses meaning when condensed;
// long results from these are truncated instead.
var SkipSummarizationTools = map[string]bool{
	"read_source":      true,
	"get_page_content": true,
	"read_file":        true,
	"list_files":       true,
}

// SkippedByPolicyOutput answers a call vetoed by the OnToolCall hook.
const SkippedByPolicyOutput = "Tool skipped by policy"

// Condenser shrinks long tool output, typically by writing the original to
// the summary store and returning a summary that references it.
type Condenser func(ctx context.Context, toolName, text string) (string, error)

// ExecutorConfig configures an Executor. Registry is required; the rest
// have usable zero values.
type ExecutorConfig struct {
	Registry *Registry

	// Running tracks in-flight executions for status tools and timeout
	// promotion. Nil disables both.
	Running *RunningToolTracker

	// Queue serializes sequential-mode and control-tool dispatch. Nil
	// falls back to direct execution.
	Queue *SequentialQueue

	// MaxConcurrency bounds parallel executions. <=0 applies the default.
	MaxConcurrency int

	// DefaultTimeout is the per-call wall budget. <=0 applies the default.
	DefaultTimeout time.Duration

	// MaxResultLength is the default truncation limit. <=0 applies the
	// default.
	MaxResultLength int

	// Condense handles long output for tools that allow summarization.
	// Nil means truncate only.
	Condense Condenser

	Logger  *observability.Logger
	Metrics *observability.Metrics

	// NewID supplies running-tool ids. Defaults to uuid.NewString.
	NewID func() string
}

// Executor turns model-issued tool calls into invocations of registered
// tools: argument binding and validation, timeout policy with background
// promotion, sequential discipline, lifecycle hooks, and result shaping.
// Safe for concurrent use.
type Executor struct {
	registry *Registry
	running  *RunningToolTracker
	queue    *SequentialQueue
	condense Condenser
	logger   *observability.Logger
	metrics  *observability.Metrics
	newID    func() string

	timeout   time.Duration
	maxResult int
	sem       chan struct{}
}

// NewExecutor creates an Executor from config.
func NewExecutor(config ExecutorConfig) *Executor {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = DefaultMaxConcurrency
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = DefaultToolTimeout
	}
	if config.MaxResultLength <= 0 {
		config.MaxResultLength = DefaultMaxResultLength
	}
	if config.Logger == nil {
		config.Logger = observability.NewNopLogger()
	}
	if config.NewID == nil {
		config.NewID = uuid.NewString
	}
	return &Executor{
		registry:  config.Registry,
		running:   config.Running,
		queue:     config.Queue,
		condense:  config.Condense,
		logger:    config.Logger,
		metrics:   config.Metrics,
		newID:     config.NewID,
		timeout:   config.DefaultTimeout,
		maxResult: config.MaxResultLength,
		sem:       make(chan struct{}, config.MaxConcurrency),
	}
}

// ExecuteAll runs every call and returns results in call order. Calls run
// concurrently up to the executor's limit unless the agent requested
// sequential tools, in which case they run one at a time in order.
func (e *Executor) ExecuteAll(ctx context.Context, def *Definition, calls []models.ToolCall) []models.ToolCallResult {
	results := make([]models.ToolCallResult, len(calls))
	if def != nil && def.ModelSettings.SequentialTools {
		for i, call := range calls {
			results[i] = e.Execute(ctx, def, call)
		}
		return results
	}

	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call models.ToolCall) {
			defer wg.Done()
			results[i] = e.Execute(ctx, def, call)
		}(i, call)
	}
	wg.Wait()
	return results
}

// Execute runs one tool call to completion (or promotion) and returns the
// shaped result. Errors are carried in the result, never returned; the
// round continues regardless of individual tool failures.
func (e *Executor) Execute(ctx context.Context, def *Definition, call models.ToolCall) models.ToolCallResult {
	result := models.ToolCallResult{
		ToolCall: call,
		ID:       call.ID,
		CallID:   call.CallID,
	}
	name := call.Function.Name
	agentID := ""
	if def != nil {
		agentID = def.AgentID
	}

	tool, ok := e.registry.Get(name)
	if !ok {
		result.Error = fmt.Sprintf("Error: %s: %s", ErrToolNotFound.Error(), name)
		e.countExecution(name, "error", 0)
		return result
	}

	if def != nil && def.OnToolCall != nil {
		if decision := e.callHook(ctx, def, call); decision == HookSkip {
			result.Output = SkippedByPolicyOutput
			e.countExecution(name, "skipped", 0)
			return result
		}
	}

	args, bindErr := e.bindArguments(ctx, tool, agentID, call)
	if bindErr != nil {
		result.Error = e.shapeError(ctx, def, call, bindErr)
		e.countExecution(name, "error", 0)
		return result
	}

	start := time.Now()
	value, err := e.dispatch(ctx, def, tool, call, args)
	elapsed := time.Since(start)

	switch {
	case errors.Is(err, ErrToolTimeout):
		result.Error = e.shapeError(ctx, def, call, err)
		e.countExecution(name, "timeout", elapsed)
	case err != nil:
		result.Error = e.shapeError(ctx, def, call, err)
		e.countExecution(name, "error", elapsed)
	default:
		output := e.shapeValue(ctx, name, value)
		result.Output = e.limitOutput(ctx, tool, output)
		if def != nil && def.OnToolResult != nil {
			e.callResultHook(ctx, def, call, result.Output)
		}
		e.countExecution(name, "success", elapsed)
	}
	return result
}

// dispatch routes the call through the sequential queue when required and
// applies the timeout policy.
func (e *Executor) dispatch(ctx context.Context, def *Definition, tool *Tool, call models.ToolCall, args ToolArgs) (any, error) {
	sequential := tool.Category == CategoryControl
	if def != nil && def.ModelSettings.SequentialTools {
		sequential = true
	}
	if sequential && e.queue != nil {
		agentID := ""
		if def != nil {
			agentID = def.AgentID
		}
		return e.queue.Run(ctx, agentID, func(ctx context.Context) (any, error) {
			return e.invoke(ctx, def, tool, call, args)
		})
	}
	return e.invoke(ctx, def, tool, call, args)
}

type execResult struct {
	value any
	err   error
}

// invoke runs the tool function under the concurrency limit with panic
// recovery, a wall budget, and optional background promotion.
func (e *Executor) invoke(ctx context.Context, def *Definition, tool *Tool, call models.ToolCall, args ToolArgs) (any, error) {
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	name := tool.Name()
	exempt := TimeoutExemptTools[name]
	promotable := e.running != nil && def != nil && e.hasStatusTools(def) && !exempt

	// Promotable executions must survive both the wall budget and the end
	// of the request, so their context detaches from the caller's
	// cancellation; aborts reach them through the tracker instead.
	execCtx := ctx
	var cancel context.CancelFunc
	if promotable {
		execCtx, cancel = context.WithCancel(context.WithoutCancel(ctx))
	} else {
		execCtx, cancel = context.WithCancel(ctx)
	}

	runID := ""
	if e.running != nil && !StatusTrackingTools[name] {
		runID = e.newID()
		if err := e.running.Add(runID, name, args.AgentID, args.Values, cancel); err != nil {
			runID = ""
		}
	}

	resultCh := make(chan execResult, 1)
	go func() {
		defer func() { <-e.sem }()
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("%w: %v", ErrToolPanic, r)
				e.logger.Error(execCtx, "tool panicked", "tool", name, "panic", r)
				resultCh <- execResult{err: err}
			}
		}()
		value, err := tool.Func(execCtx, args)
		resultCh <- execResult{value: value, err: err}
	}()

	var deadline <-chan time.Time
	if !exempt {
		budget := tool.Timeout
		if budget <= 0 {
			budget = e.timeout
		}
		timer := time.NewTimer(budget)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case res := <-resultCh:
		cancel()
		e.settle(name, runID, res)
		return res.value, res.err

	case <-ctx.Done():
		// Request cancelled while the tool was inside its budget.
		cancel()
		if runID != "" {
			e.running.Abort(runID)
		}
		return nil, ctx.Err()

	case <-deadline:
		if promotable && runID != "" {
			// Leave the goroutine running; it settles the tracker on its
			// own and the agent can poll it through the status tools.
			go func() {
				res := <-resultCh
				e.settle(name, runID, res)
			}()
			if e.metrics != nil {
				e.metrics.BackgroundPromotions.WithLabelValues(name).Inc()
			}
			e.logger.Info(ctx, "tool promoted to background", "tool", name, "running_tool_id", runID)
			return fmt.Sprintf("Tool %s is running in the background (RunningTool: %s).", name, runID), nil
		}
		cancel()
		if runID != "" {
			e.running.MarkTimedOut(runID)
			// Drain so the eventual ctx error settles the tracker entry.
			go func() {
				res := <-resultCh
				if res.err != nil && errors.Is(res.err, context.Canceled) {
					e.running.Fail(runID, fmt.Errorf("%w: %s", ErrToolTimeout, name))
					return
				}
				e.settle(name, runID, res)
			}()
		}
		return nil, fmt.Errorf("%w: %s", ErrToolTimeout, name)
	}
}

// settle reports a finished execution to the running-tool tracker.
func (e *Executor) settle(name, runID string, res execResult) {
	if runID == "" || e.running == nil {
		return
	}
	if res.err != nil {
		e.running.Fail(runID, res.err)
		return
	}
	e.running.Complete(runID, e.shapeValue(context.Background(), name, res.value))
}

func (e *Executor) hasStatusTools(def *Definition) bool {
	for _, name := range def.Tools {
		if StatusTrackingTools[name] {
			return true
		}
	}
	return false
}

// bindArguments parses the call's JSON arguments exactly once and binds them
// to the tool's declared parameters. Object arguments bind by name with
// unknown keys dropped; array arguments land in Positional.
func (e *Executor) bindArguments(ctx context.Context, tool *Tool, agentID string, call models.ToolCall) (ToolArgs, error) {
	args := ToolArgs{Raw: json.RawMessage(call.Function.Arguments)}
	if tool.InjectAgentID {
		args.AgentID = agentID
	}

	raw := strings.TrimSpace(call.Function.Arguments)
	if raw == "" || raw == "null" {
		args.Values = map[string]any{}
		return args, nil
	}

	var parsed any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return args, NewRequestError(KindValidation, "", fmt.Sprintf("invalid tool arguments for %s: %v", tool.Name(), err))
	}

	switch v := parsed.(type) {
	case map[string]any:
		if schema := tool.validator(); schema != nil {
			if err := schema.Validate(v); err != nil {
				return args, NewRequestError(KindValidation, "", fmt.Sprintf("tool arguments for %s rejected: %v", tool.Name(), err))
			}
		}
		if known := tool.parameterNames(); known != nil {
			for key := range v {
				if !known[key] {
					e.logger.Warn(ctx, "dropping unknown tool argument", "tool", tool.Name(), "key", key)
					delete(v, key)
				}
			}
		}
		args.Values = v
	case []any:
		args.Values = map[string]any{}
		args.Positional = v
	default:
		return args, NewRequestError(KindValidation, "", fmt.Sprintf("tool arguments for %s must be an object or array", tool.Name()))
	}
	return args, nil
}

// shapeValue turns a tool's returned value into its output string.
func (e *Executor) shapeValue(ctx context.Context, toolName string, value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case error:
		return errorLabel(v)
	default:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			e.logger.Warn(ctx, "tool result not marshallable", "tool", toolName, "error", err)
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

// shapeError produces the error text for a failed call, consulting the
// OnToolError hook for a substitute first.
func (e *Executor) shapeError(ctx context.Context, def *Definition, call models.ToolCall, err error) string {
	if def != nil && def.OnToolError != nil {
		if substitute, ok := e.callErrorHook(ctx, def, call, err); ok {
			return substitute
		}
	}
	return errorLabel(err)
}

// errorLabel formats an error as "<Name>: <message>". Typed request errors
// use their stable code; anonymous stdlib errors collapse to "Error".
func errorLabel(err error) string {
	if reqErr, ok := AsRequestError(err); ok {
		return fmt.Sprintf("%s: %s", reqErr.Kind.Code(), reqErr.Message)
	}
	name := fmt.Sprintf("%T", err)
	name = strings.TrimPrefix(name, "*")
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	switch name {
	case "errorString", "wrapError", "wrapErrors", "joinError":
		name = "Error"
	}
	return fmt.Sprintf("%s: %s", name, err.Error())
}

// limitOutput applies truncation or condensing to long output.
func (e *Executor) limitOutput(ctx context.Context, tool *Tool, output string) string {
	limit := tool.MaxLength
	if limit <= 0 {
		limit = e.maxResult
	}
	if len(output) <= limit {
		return output
	}

	skip := tool.SkipSummarization || SkipSummarizationTools[tool.Name()]
	if !skip && !tool.DisableSummary && e.condense != nil {
		condensed, err := e.condense(ctx, tool.Name(), output)
		if err == nil && condensed != "" {
			return condensed
		}
		if err != nil {
			e.logger.Warn(ctx, "condensing tool output failed, truncating", "tool", tool.Name(), "error", err)
		}
	}
	return fmt.Sprintf("%s\n[truncated %d of %d characters]", output[:limit], limit, len(output))
}

func (e *Executor) countExecution(name, status string, elapsed time.Duration) {
	if e.metrics == nil {
		return
	}
	e.metrics.ToolExecutions.WithLabelValues(name, status).Inc()
	if elapsed > 0 {
		e.metrics.ToolDuration.WithLabelValues(name).Observe(elapsed.Seconds())
	}
}

// Hook invocations never abort the call: panics are logged and treated as
// proceed / no-substitute.

func (e *Executor) callHook(ctx context.Context, def *Definition, call models.ToolCall) (decision HookDecision) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error(ctx, "OnToolCall hook panicked", "tool", call.Function.Name, "panic", r)
			decision = HookProceed
		}
	}()
	return def.OnToolCall(ctx, def.AgentID, call)
}

func (e *Executor) callResultHook(ctx context.Context, def *Definition, call models.ToolCall, output string) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error(ctx, "OnToolResult hook panicked", "tool", call.Function.Name, "panic", r)
		}
	}()
	def.OnToolResult(ctx, def.AgentID, call, output)
}

func (e *Executor) callErrorHook(ctx context.Context, def *Definition, call models.ToolCall, err error) (substitute string, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error(ctx, "OnToolError hook panicked", "tool", call.Function.Name, "panic", r)
			substitute, ok = "", false
		}
	}()
	return def.OnToolError(ctx, def.AgentID, call, err)
}
