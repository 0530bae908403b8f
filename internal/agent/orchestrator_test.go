package agent_test

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/ensemble/internal/agent"
	"github.com/haasonsaas/ensemble/internal/agent/providers"
	"github.com/haasonsaas/ensemble/internal/history"
	"github.com/haasonsaas/ensemble/pkg/models"
)

type staticResolver struct {
	model agent.ResolvedModel
	err   error
}

func (r staticResolver) ResolveModel(context.Context, *agent.Definition) (agent.ResolvedModel, error) {
	return r.model, r.err
}

type providerMap map[string]agent.Provider

func (m providerMap) Provider(name string) (agent.Provider, bool) {
	p, ok := m[name]
	return p, ok
}

// fixture wires a deterministic provider into a full orchestrator stack.
type fixture struct {
	provider *providers.TestProvider
	registry *agent.Registry
	queue    *agent.SequentialQueue
	pause    *agent.PauseController
	running  *agent.RunningToolTracker
	orch     *agent.Orchestrator
}

func newFixture(config providers.TestConfig, tools ...*agent.Tool) *fixture {
	registry := agent.NewRegistry()
	for _, tool := range tools {
		registry.Register(tool)
	}
	provider := providers.NewTestProvider(config)
	queue := agent.NewSequentialQueue()
	pause := agent.NewPauseController()
	running := agent.NewRunningToolTracker(time.Minute, nil)

	orch := agent.NewOrchestrator(agent.OrchestratorConfig{
		Resolver:  staticResolver{model: agent.ResolvedModel{ID: "test-model", Provider: "test", ContextWindow: 100000}},
		Providers: providerMap{"test": provider},
		Executor: agent.NewExecutor(agent.ExecutorConfig{
			Registry: registry,
			Running:  running,
			Queue:    queue,
		}),
		Registry: registry,
		Pause:    pause,
		Running:  running,
		Queue:    queue,
	})
	return &fixture{provider: provider, registry: registry, queue: queue, pause: pause, running: running, orch: orch}
}

func seededThread(text string) *history.History {
	h := history.New(history.Config{})
	h.Add(context.Background(), models.NewUserMessage(text))
	return h
}

// drain reads the stream to completion with a watchdog.
func drain(t *testing.T, events <-chan models.Event) []models.Event {
	t.Helper()
	var out []models.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, event)
		case <-timeout:
			t.Fatalf("stream did not finish; %d events so far", len(out))
		}
	}
}

func replay(events []models.Event) <-chan models.Event {
	ch := make(chan models.Event, len(events))
	for _, event := range events {
		ch <- event
	}
	close(ch)
	return ch
}

func eventTypes(events []models.Event) []models.EventType {
	types := make([]models.EventType, len(events))
	for i, event := range events {
		types[i] = event.Type
	}
	return types
}

func countType(events []models.Event, typ models.EventType) int {
	n := 0
	for _, event := range events {
		if event.Type == typ {
			n++
		}
	}
	return n
}

func deltaContents(events []models.Event) []string {
	var out []string
	for _, event := range events {
		if event.Type == models.EventMessageDelta && event.Message != nil {
			out = append(out, event.Message.Content)
		}
	}
	return out
}

func hasDeltaContaining(events []models.Event, substr string) bool {
	for _, content := range deltaContents(events) {
		if strings.Contains(content, substr) {
			return true
		}
	}
	return false
}

func addTool(executions *atomic.Int64) *agent.Tool {
	return &agent.Tool{
		Definition: models.ToolDefinition{
			Name:        "add",
			Description: "Add two numbers.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"x":{"type":"number"},"y":{"type":"number"}},"required":["x","y"]}`),
		},
		Func: func(_ context.Context, args agent.ToolArgs) (any, error) {
			if executions != nil {
				executions.Add(1)
			}
			return args.Float64("x") + args.Float64("y"), nil
		},
	}
}

func taskCompleteTool() *agent.Tool {
	return &agent.Tool{
		Definition: models.ToolDefinition{
			Name:        "task_complete",
			Description: "Signal that the task is finished.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"message":{"type":"string"}}}`),
		},
		Category: agent.CategoryControl,
		Func: func(_ context.Context, args agent.ToolArgs) (any, error) {
			return args.String("message"), nil
		},
	}
}

func TestOrchestrator_SimpleStreaming(t *testing.T) {
	f := newFixture(providers.TestConfig{FixedResponse: "hello"})
	def := &agent.Definition{AgentID: "asst", Name: "Assistant", Model: "test-model"}

	events := drain(t, f.orch.Run(context.Background(), def, seededThread("Say hello")))

	want := []models.EventType{
		models.EventMessageStart,
		models.EventMessageDelta,
		models.EventMessageDelta,
		models.EventMessageComplete,
		models.EventCostUpdate,
		models.EventResponseOutput,
		models.EventStreamEnd,
	}
	got := eventTypes(events)
	if len(got) != len(want) {
		t.Fatalf("event types = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event[%d] = %q, want %q (full: %v)", i, got[i], want[i], got)
		}
	}

	if deltas := deltaContents(events); deltas[0] != "he" || deltas[1] != "llo" {
		t.Errorf("deltas = %v, want [he llo]", deltas)
	}
	for _, event := range events {
		if event.RequestID == "" {
			t.Errorf("%s event missing request id", event.Type)
		}
		if event.Agent == nil || event.Agent.AgentID != "asst" {
			t.Errorf("%s event not tagged with agent", event.Type)
		}
	}

	result := agent.Aggregate(replay(events))
	if result.Message != "hello" {
		t.Errorf("Result.Message = %q, want hello", result.Message)
	}
	if !result.Completed {
		t.Error("Result.Completed = false, want true")
	}
}

func TestOrchestrator_SingleToolRound(t *testing.T) {
	var executions atomic.Int64
	f := newFixture(providers.TestConfig{
		Rounds: []providers.TestRound{
			{ToolCalls: []models.ToolCall{{
				CallID:   "call_add",
				Function: models.FunctionInvocation{Name: "add", Arguments: `{"x":2,"y":3}`},
			}}},
			{Response: "5"},
		},
	}, addTool(&executions))

	var mu sync.Mutex
	var hookCalls, hookResults []string
	def := &agent.Definition{
		AgentID: "asst",
		Model:   "test-model",
		Tools:   []string{"add"},
		OnToolCall: func(_ context.Context, _ string, call models.ToolCall) agent.HookDecision {
			mu.Lock()
			hookCalls = append(hookCalls, call.Function.Name)
			mu.Unlock()
			return agent.HookProceed
		},
		OnToolResult: func(_ context.Context, _ string, _ models.ToolCall, output string) {
			mu.Lock()
			hookResults = append(hookResults, output)
			mu.Unlock()
		},
	}

	thread := seededThread("What is 2+3?")
	events := drain(t, f.orch.Run(context.Background(), def, thread))

	if f.provider.Calls() != 2 {
		t.Errorf("provider calls = %d, want 2", f.provider.Calls())
	}
	if executions.Load() != 1 {
		t.Errorf("tool executions = %d, want 1", executions.Load())
	}

	mu.Lock()
	if len(hookCalls) != 1 || hookCalls[0] != "add" {
		t.Errorf("OnToolCall saw %v, want [add]", hookCalls)
	}
	if len(hookResults) != 1 || hookResults[0] != "5" {
		t.Errorf("OnToolResult saw %v, want [5]", hookResults)
	}
	mu.Unlock()

	var started, done int
	for _, event := range events {
		switch event.Type {
		case models.EventToolStart:
			started++
			if args := event.Tool.ToolCall.Function.Arguments; args != `{"x":2,"y":3}` {
				t.Errorf("tool_start arguments = %q", args)
			}
		case models.EventToolDone:
			done++
			if event.Tool.Result.Output != "5" {
				t.Errorf("tool_done output = %q, want 5", event.Tool.Result.Output)
			}
		}
	}
	if started != 1 || done != 1 {
		t.Errorf("tool_start=%d tool_done=%d, want 1 each", started, done)
	}

	msgs := thread.Messages()
	callIdx := -1
	for i, msg := range msgs {
		if msg.IsFunctionCall() && msg.Name == "add" {
			callIdx = i
		}
	}
	if callIdx < 0 {
		t.Fatal("history has no function_call for add")
	}
	next := msgs[callIdx+1]
	if !next.IsFunctionCallOutput() || next.Output != "5" || next.CallID != "call_add" {
		t.Errorf("message after function_call = %+v, want matching output 5", next)
	}

	if result := agent.Aggregate(replay(events)); result.Message != "5" {
		t.Errorf("Result.Message = %q, want 5", result.Message)
	}
}

func TestOrchestrator_ToolCallLimit(t *testing.T) {
	var executions atomic.Int64
	f := newFixture(providers.TestConfig{
		SimulateToolCall: true,
		ToolName:         "add",
		ToolArguments:    `{"x":1,"y":1}`,
	}, addTool(&executions))

	def := &agent.Definition{
		AgentID:      "asst",
		Model:        "test-model",
		Tools:        []string{"add"},
		MaxToolCalls: 2,
	}
	events := drain(t, f.orch.Run(context.Background(), def, seededThread("loop forever")))

	if executions.Load() != 2 {
		t.Errorf("tool executions = %d, want exactly 2", executions.Load())
	}
	if !hasDeltaContaining(events, agent.ToolLimitNotice) {
		t.Errorf("missing %q delta", agent.ToolLimitNotice)
	}
	if events[len(events)-1].Type != models.EventStreamEnd {
		t.Errorf("last event = %q, want stream_end", events[len(events)-1].Type)
	}
}

func TestOrchestrator_RoundLimit(t *testing.T) {
	var executions atomic.Int64
	f := newFixture(providers.TestConfig{
		SimulateToolCall: true,
		ToolName:         "add",
		ToolArguments:    `{"x":1,"y":1}`,
	}, addTool(&executions))

	def := &agent.Definition{
		AgentID:           "asst",
		Model:             "test-model",
		Tools:             []string{"add"},
		MaxToolCallRounds: 2,
	}
	events := drain(t, f.orch.Run(context.Background(), def, seededThread("loop forever")))

	// Rounds 0..2 each open a stream; the limit check trips on round 3.
	if f.provider.Calls() != 3 {
		t.Errorf("provider calls = %d, want R+1 = 3", f.provider.Calls())
	}
	if !hasDeltaContaining(events, agent.RoundLimitNotice) {
		t.Errorf("missing %q delta", agent.RoundLimitNotice)
	}
	if events[len(events)-1].Type != models.EventStreamEnd {
		t.Errorf("last event = %q, want stream_end", events[len(events)-1].Type)
	}
}

func TestOrchestrator_TaskCompleteShortCircuit(t *testing.T) {
	f := newFixture(providers.TestConfig{
		Rounds: []providers.TestRound{
			{ToolCalls: []models.ToolCall{{
				CallID:   "call_done",
				Function: models.FunctionInvocation{Name: "task_complete", Arguments: `{"message":"done"}`},
			}}},
			{Response: "this round must never run"},
		},
	}, taskCompleteTool())

	def := &agent.Definition{
		AgentID: "asst",
		Model:   "test-model",
		Tools:   []string{"task_complete"},
	}
	thread := seededThread("finish up")
	events := drain(t, f.orch.Run(context.Background(), def, thread))

	if f.provider.Calls() != 1 {
		t.Errorf("provider calls = %d, want 1 (no round after task_complete)", f.provider.Calls())
	}

	var done *models.ToolCallResult
	for _, event := range events {
		if event.Type == models.EventToolDone {
			done = event.Tool.Result
		}
		if event.Type == models.EventResponseOutput {
			msg := event.Output.Message
			if msg.IsFunctionCallOutput() && msg.Name == "task_complete" {
				t.Error("task_complete output leaked into the response_output stream")
			}
		}
	}
	if done == nil || done.Output != "done" {
		t.Fatalf("tool_done result = %+v, want output done", done)
	}

	for _, msg := range thread.Messages() {
		if msg.IsFunctionCall() || msg.IsFunctionCallOutput() {
			t.Errorf("control tool reached history: %+v", msg)
		}
	}
	if events[len(events)-1].Type != models.EventStreamEnd {
		t.Errorf("last event = %q, want stream_end", events[len(events)-1].Type)
	}
}

func TestOrchestrator_RateLimitRetry(t *testing.T) {
	f := newFixture(providers.TestConfig{
		FixedResponse:     "ok",
		FailBeforeSuccess: 2,
		Error: agent.NewRequestError(agent.KindRateLimit, "test", "throttled").
			WithRetryAfter(5 * time.Millisecond),
	})

	def := &agent.Definition{
		AgentID: "asst",
		Model:   "test-model",
		Retry: agent.RetryOptions{
			MaxRetries:        3,
			InitialDelay:      10 * time.Millisecond,
			BackoffMultiplier: 2,
			MaxDelay:          100 * time.Millisecond,
		},
	}

	start := time.Now()
	events := drain(t, f.orch.Run(context.Background(), def, seededThread("hi")))
	elapsed := time.Since(start)

	if n := countType(events, models.EventError); n != 0 {
		t.Errorf("error events = %d, want 0 (retries are silent)", n)
	}
	if f.provider.Calls() != 3 {
		t.Errorf("provider calls = %d, want 3", f.provider.Calls())
	}
	if result := agent.Aggregate(replay(events)); result.Message != "ok" || !result.Completed {
		t.Errorf("result = %q completed=%v, want ok/true", result.Message, result.Completed)
	}
	// First retry waits >= initialDelay, second >= initialDelay*multiplier.
	if minimum := 30 * time.Millisecond; elapsed < minimum {
		t.Errorf("elapsed = %v, want >= %v", elapsed, minimum)
	}
}

func TestOrchestrator_RetryBudgetExhausted(t *testing.T) {
	f := newFixture(providers.TestConfig{
		FixedResponse:     "never delivered",
		FailBeforeSuccess: 10,
		Error:             agent.NewRequestError(agent.KindRateLimit, "test", "throttled"),
	})

	def := &agent.Definition{
		AgentID: "asst",
		Model:   "test-model",
		Retry:   agent.RetryOptions{MaxRetries: 1, InitialDelay: time.Millisecond},
	}
	events := drain(t, f.orch.Run(context.Background(), def, seededThread("hi")))

	if f.provider.Calls() != 2 {
		t.Errorf("provider calls = %d, want 2 (initial + one retry)", f.provider.Calls())
	}
	last := events[len(events)-1]
	if last.Type != models.EventError {
		t.Fatalf("last event = %q, want error", last.Type)
	}
	if last.Error.Code != "RATE_LIMIT" {
		t.Errorf("error code = %q, want RATE_LIMIT", last.Error.Code)
	}
	if countType(events, models.EventStreamEnd) != 0 {
		t.Error("error-terminated stream must not also emit stream_end")
	}
}

func TestOrchestrator_AuthErrorNotRetried(t *testing.T) {
	f := newFixture(providers.TestConfig{
		ShouldError: true,
		Error:       agent.NewRequestError(agent.KindAuthentication, "test", "bad key"),
	})

	def := &agent.Definition{AgentID: "asst", Model: "test-model"}
	events := drain(t, f.orch.Run(context.Background(), def, seededThread("hi")))

	if f.provider.Calls() != 1 {
		t.Errorf("provider calls = %d, want 1 (no retry)", f.provider.Calls())
	}
	last := events[len(events)-1]
	if last.Type != models.EventError || last.Error.Code != "AUTHENTICATION" {
		t.Fatalf("terminal event = %+v, want AUTHENTICATION error", last)
	}
}

func TestOrchestrator_EmptyThread(t *testing.T) {
	f := newFixture(providers.TestConfig{FixedResponse: "ok"})
	def := &agent.Definition{AgentID: "asst", Model: "test-model"}

	events := drain(t, f.orch.Run(context.Background(), def, history.New(history.Config{})))

	if len(events) != 1 || events[0].Type != models.EventError {
		t.Fatalf("events = %v, want a single error", eventTypes(events))
	}
	if events[0].Error.Code != "VALIDATION" {
		t.Errorf("error code = %q, want VALIDATION", events[0].Error.Code)
	}
	if f.provider.Calls() != 0 {
		t.Errorf("provider calls = %d, want 0", f.provider.Calls())
	}
}

func TestOrchestrator_CancellationEmitsFinalError(t *testing.T) {
	f := newFixture(providers.TestConfig{
		FixedResponse:  "a very long answer that streams slowly",
		StreamingDelay: 20 * time.Millisecond,
	})
	def := &agent.Definition{AgentID: "asst", Model: "test-model"}

	ctx, cancel := context.WithCancel(context.Background())
	stream := f.orch.Run(ctx, def, seededThread("hi"))

	var events []models.Event
	timeout := time.After(5 * time.Second)
	cancelled := false
	for {
		select {
		case event, ok := <-stream:
			if !ok {
				if !cancelled {
					t.Fatal("stream closed before cancellation")
				}
				if countType(events, models.EventStreamEnd) != 0 {
					t.Error("cancelled request must not emit stream_end")
				}
				last := events[len(events)-1]
				if last.Type != models.EventError {
					t.Errorf("last event = %q, want error", last.Type)
				}
				return
			}
			events = append(events, event)
			if !cancelled && event.Type == models.EventMessageDelta {
				cancel()
				cancelled = true
			}
		case <-timeout:
			t.Fatal("stream did not close after cancellation")
		}
	}
}

func TestOrchestrator_VerificationPass(t *testing.T) {
	f := newFixture(providers.TestConfig{
		Rounds: []providers.TestRound{
			{Response: "42"},
			{Response: `{"status": "pass"}`},
		},
	})

	def := &agent.Definition{
		AgentID:  "asst",
		Model:    "test-model",
		Verifier: &agent.Definition{AgentID: "verifier", Name: "Verifier", Model: "test-model"},
	}
	events := drain(t, f.orch.Run(context.Background(), def, seededThread("answer")))

	if f.provider.Calls() != 2 {
		t.Errorf("provider calls = %d, want 2 (main + verifier)", f.provider.Calls())
	}
	if hasDeltaContaining(events, agent.VerifyFailedPrefix) {
		t.Error("pass verdict must not emit a verification failure delta")
	}

	var sawStart, sawDone bool
	for _, event := range events {
		switch event.Type {
		case models.EventAgentStart:
			sawStart = true
			if event.Agent == nil || event.Agent.AgentID != "verifier" || event.Agent.ParentID != "asst" {
				t.Errorf("agent_start tagged %+v, want verifier with parent asst", event.Agent)
			}
		case models.EventAgentDone:
			sawDone = true
			if event.Lifecycle == nil || event.Lifecycle.Status != "pass" {
				t.Errorf("agent_done lifecycle = %+v, want pass", event.Lifecycle)
			}
		}
	}
	if !sawStart || !sawDone {
		t.Errorf("agent_start=%v agent_done=%v, want both", sawStart, sawDone)
	}
	if events[len(events)-1].Type != models.EventStreamEnd {
		t.Errorf("last event = %q, want stream_end", events[len(events)-1].Type)
	}
}

func TestOrchestrator_VerificationFailThenPass(t *testing.T) {
	f := newFixture(providers.TestConfig{
		Rounds: []providers.TestRound{
			{Response: "4"},
			{Response: `{"status": "fail", "reason": "wrong answer"}`},
			{Response: "5"},
			{Response: `{"status": "pass"}`},
		},
	})

	def := &agent.Definition{
		AgentID:  "asst",
		Model:    "test-model",
		Verifier: &agent.Definition{AgentID: "verifier", Model: "test-model"},
	}
	thread := seededThread("what is 2+3?")
	events := drain(t, f.orch.Run(context.Background(), def, thread))

	if f.provider.Calls() != 4 {
		t.Errorf("provider calls = %d, want 4", f.provider.Calls())
	}
	if !hasDeltaContaining(events, "Verification failed: wrong answer") {
		t.Error("missing verification failure delta")
	}

	nudged := false
	for _, msg := range thread.Raw() {
		if msg.Role == models.RoleSystem && strings.Contains(msg.Text(), "wrong answer") {
			nudged = true
		}
	}
	if !nudged {
		t.Error("verification failure should append a system nudge to history")
	}

	result := agent.Aggregate(replay(events))
	if !strings.Contains(result.Message, "5") {
		t.Errorf("Result.Message = %q, want the revised answer", result.Message)
	}
	if !result.Completed {
		t.Error("Result.Completed = false, want true")
	}
}

func TestOrchestrator_VerificationExhausted(t *testing.T) {
	f := newFixture(providers.TestConfig{
		Rounds: []providers.TestRound{
			{Response: "4"},
			{Response: `{"status": "fail", "reason": "still wrong"}`},
			{Response: "4"},
			{Response: `{"status": "fail", "reason": "still wrong"}`},
		},
	})

	def := &agent.Definition{
		AgentID:                 "asst",
		Model:                   "test-model",
		Verifier:                &agent.Definition{AgentID: "verifier", Model: "test-model"},
		MaxVerificationAttempts: 2,
	}
	events := drain(t, f.orch.Run(context.Background(), def, seededThread("answer")))

	failures := 0
	for _, content := range deltaContents(events) {
		if strings.Contains(content, agent.VerifyFailedPrefix) {
			failures++
		}
	}
	if failures != 2 {
		t.Errorf("verification failure deltas = %d, want 2", failures)
	}
	if !hasDeltaContaining(events, "❌ Verification failed after 2 attempts") {
		t.Error("missing exhaustion delta")
	}
	if events[len(events)-1].Type != models.EventStreamEnd {
		t.Errorf("last event = %q, want stream_end (candidate still returned)", events[len(events)-1].Type)
	}
}

func TestOrchestrator_GarbledVerdictPasses(t *testing.T) {
	f := newFixture(providers.TestConfig{
		Rounds: []providers.TestRound{
			{Response: "42"},
			{Response: "I could not decide, sorry."},
		},
	})

	def := &agent.Definition{
		AgentID:  "asst",
		Model:    "test-model",
		Verifier: &agent.Definition{AgentID: "verifier", Model: "test-model"},
	}
	events := drain(t, f.orch.Run(context.Background(), def, seededThread("answer")))

	if hasDeltaContaining(events, agent.VerifyFailedPrefix) {
		t.Error("unparseable verdict must count as pass")
	}
	if f.provider.Calls() != 2 {
		t.Errorf("provider calls = %d, want 2", f.provider.Calls())
	}
}

func TestOrchestrator_PauseGatesRoundBoundary(t *testing.T) {
	f := newFixture(providers.TestConfig{FixedResponse: "hello"})
	def := &agent.Definition{AgentID: "asst", Model: "test-model"}

	f.pause.Pause()
	stream := f.orch.Run(context.Background(), def, seededThread("hi"))

	select {
	case event := <-stream:
		t.Fatalf("got %q while paused", event.Type)
	case <-time.After(50 * time.Millisecond):
	}

	f.pause.Resume()
	events := drain(t, stream)
	if events[len(events)-1].Type != models.EventStreamEnd {
		t.Errorf("last event = %q, want stream_end", events[len(events)-1].Type)
	}
}

func TestOrchestrator_UnknownProviderFails(t *testing.T) {
	registry := agent.NewRegistry()
	orch := agent.NewOrchestrator(agent.OrchestratorConfig{
		Resolver:  staticResolver{model: agent.ResolvedModel{ID: "m", Provider: "missing"}},
		Providers: providerMap{},
		Executor:  agent.NewExecutor(agent.ExecutorConfig{Registry: registry}),
		Registry:  registry,
	})

	def := &agent.Definition{AgentID: "asst", Model: "m"}
	events := drain(t, orch.Run(context.Background(), def, seededThread("hi")))

	last := events[len(events)-1]
	if last.Type != models.EventError || last.Error.Code != "NO_PROVIDER" {
		t.Fatalf("terminal event = %+v, want NO_PROVIDER error", last)
	}
}

func TestOrchestrator_SkippedToolAnsweredByPolicy(t *testing.T) {
	var executions atomic.Int64
	f := newFixture(providers.TestConfig{
		Rounds: []providers.TestRound{
			{ToolCalls: []models.ToolCall{{
				CallID:   "call_add",
				Function: models.FunctionInvocation{Name: "add", Arguments: `{"x":2,"y":3}`},
			}}},
			{Response: "fine"},
		},
	}, addTool(&executions))

	def := &agent.Definition{
		AgentID: "asst",
		Model:   "test-model",
		Tools:   []string{"add"},
		OnToolCall: func(context.Context, string, models.ToolCall) agent.HookDecision {
			return agent.HookSkip
		},
	}
	thread := seededThread("add")
	drain(t, f.orch.Run(context.Background(), def, thread))

	if executions.Load() != 0 {
		t.Errorf("tool executions = %d, want 0 (skipped by policy)", executions.Load())
	}
	found := false
	for _, msg := range thread.Messages() {
		if msg.IsFunctionCallOutput() && msg.Output == agent.SkippedByPolicyOutput {
			found = true
		}
	}
	if !found {
		t.Errorf("history missing %q output", agent.SkippedByPolicyOutput)
	}
}
