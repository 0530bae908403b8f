package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/ensemble/internal/backoff"
	"github.com/haasonsaas/ensemble/internal/history"
	"github.com/haasonsaas/ensemble/internal/observability"
	"github.com/haasonsaas/ensemble/pkg/models"
)

// Notices the orchestrator injects into the stream as synthetic deltas.
const (
	RoundLimitNotice    = "Tool call rounds limit reached"
	ToolLimitNotice     = "Total tool calls limit reached"
	VerifyFailedPrefix  = "Verification failed: "
	VerifyGiveUpPattern = "❌ Verification failed after %d attempts"
)

// ResolvedModel is the concrete model serving one round, with the catalog
// facts the orchestrator needs from it.
type ResolvedModel struct {
	ID              string
	Provider        string
	ContextWindow   int
	MaxOutputTokens int
}

// ModelResolver picks the concrete model for a round from the agent's
// preferences. Resolution runs once per round, so quota and credential
// state can move a long conversation between backends mid-request.
type ModelResolver interface {
	ResolveModel(ctx context.Context, def *Definition) (ResolvedModel, error)
}

// ProviderSource resolves a provider adapter by its catalog name.
type ProviderSource interface {
	Provider(name string) (Provider, bool)
}

// HistoryThread is the conversation log the orchestrator reads each round
// and appends to after the tool phase. *history.History satisfies it.
type HistoryThread interface {
	Add(ctx context.Context, msgs ...models.Message)
	Messages() []models.Message
	SetContextWindow(tokens int)
}

// OrchestratorConfig configures an Orchestrator. Resolver, Providers,
// Executor, and Registry are required; the rest have usable zero values.
type OrchestratorConfig struct {
	Resolver  ModelResolver
	Providers ProviderSource
	Executor  *Executor
	Registry  *Registry

	// Pause gates round boundaries. Nil never pauses.
	Pause *PauseController

	// Running receives aborts for this agent's tools when the request is
	// cancelled. Nil disables the sweep.
	Running *RunningToolTracker

	// Queue has this agent's pending sequential entries rejected on
	// cancellation. Nil disables the sweep.
	Queue *SequentialQueue

	Logger  *observability.Logger
	Metrics *observability.Metrics

	// NewID mints request and synthetic message ids. Defaults to
	// uuid.NewString.
	NewID func() string

	// Now stamps emitted events. Defaults to time.Now.
	Now func() time.Time
}

// Orchestrator drives the agent loop for one request: it resolves a model,
// opens the provider stream, forwards canonical events while collecting
// tool calls, executes the tools, appends the round to history, and goes
// around again until the model answers without tools or a limit trips.
//
// Retryable stream failures (rate limits, interrupted streams) are retried
// with exponential backoff inside a round; the caller never sees error
// events for attempts that were retried. Safe for concurrent use; each Run
// carries its own state.
type Orchestrator struct {
	resolver  ModelResolver
	providers ProviderSource
	executor  *Executor
	registry  *Registry
	pause     *PauseController
	running   *RunningToolTracker
	queue     *SequentialQueue
	logger    *observability.Logger
	metrics   *observability.Metrics
	newID     func() string
	now       func() time.Time
}

// NewOrchestrator creates an Orchestrator from config.
func NewOrchestrator(config OrchestratorConfig) *Orchestrator {
	if config.Logger == nil {
		config.Logger = observability.NewNopLogger()
	}
	if config.NewID == nil {
		config.NewID = uuid.NewString
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Orchestrator{
		resolver:  config.Resolver,
		providers: config.Providers,
		executor:  config.Executor,
		registry:  config.Registry,
		pause:     config.Pause,
		running:   config.Running,
		queue:     config.Queue,
		logger:    config.Logger,
		metrics:   config.Metrics,
		newID:     config.NewID,
		now:       config.Now,
	}
}

// Run starts one request against the thread and returns its canonical event
// stream. A producer goroutine pushes events until a terminal stream_end or
// error event, then closes the channel. Cancelling ctx tears down the
// provider stream, aborts this agent's running tools, rejects its queued
// sequential entries, and emits a final error event when the consumer is
// still listening.
//
// The thread must already contain the turn's input; an empty thread is a
// validation error.
func (o *Orchestrator) Run(ctx context.Context, def *Definition, thread HistoryThread) <-chan models.Event {
	// Capacity one so the terminal event survives a consumer that cancels
	// and walks away before draining.
	out := make(chan models.Event, 1)

	go func() {
		defer close(out)

		sink := &eventSink{
			ch:        out,
			requestID: o.newID(),
			now:       o.now,
			newID:     o.newID,
		}
		if def != nil {
			sink.agent = def.Info()
			sink.hook = def.OnEvent
		}

		if def == nil {
			sink.fail(ctx, NewRequestError(KindValidation, "", "agent definition is required"))
			return
		}
		if thread == nil || len(thread.Messages()) == 0 {
			sink.fail(ctx, NewRequestError(KindValidation, "", "history thread is empty; provide at least one message"))
			return
		}

		if o.metrics != nil {
			o.metrics.ActiveRequests.Inc()
			defer o.metrics.ActiveRequests.Dec()
		}
		o.logger.Info(ctx, "request started",
			"request_id", sink.requestID, "agent_id", def.AgentID, "model", def.Model, "model_class", def.ModelClass)

		run := &requestRun{o: o, def: def, thread: thread, sink: sink}
		outcome := run.loop(ctx)

		if outcome == turnDone && def.Verifier != nil {
			if !run.runVerification(ctx) {
				return
			}
		}

		switch outcome {
		case turnFailed, turnCancelled:
			return
		}
		sink.end(ctx)
		o.logger.Info(ctx, "request finished",
			"request_id", sink.requestID, "agent_id", def.AgentID, "tool_calls", run.totalToolCalls, "halted", run.halted)
	}()

	return out
}

// turnOutcome is the terminal state of one pass through the round loop.
type turnOutcome int

const (
	// turnDone: the model answered without tools or a round limit tripped.
	turnDone turnOutcome = iota

	// turnHalted: task_complete or task_fatal_error ended the request.
	turnHalted

	// turnFailed: a terminal error event was already emitted.
	turnFailed

	// turnCancelled: the context died; cleanup and the final error event
	// are done.
	turnCancelled
)

// requestRun is the mutable state of one request. Verification re-runs
// share it so the tool budget spans the whole request.
type requestRun struct {
	o      *Orchestrator
	def    *Definition
	thread HistoryThread
	sink   *eventSink

	totalToolCalls int
	toolLimitSent  bool

	// lastText is the candidate output verification checks: the assistant
	// text of the most recent round that produced any.
	lastText string

	halted     bool
	haltFatal  bool
	haltOutput string
}

// loop runs rounds until the model stops calling tools, a limit trips, a
// control tool halts the request, or the round fails terminally.
func (r *requestRun) loop(ctx context.Context) turnOutcome {
	for round := 0; ; round++ {
		if r.o.pause != nil {
			if err := r.o.pause.WaitWhilePaused(ctx); err != nil {
				return r.cancelled(ctx)
			}
		}
		if round > r.def.RoundLimit() {
			r.sink.notice(ctx, RoundLimitNotice)
			r.o.logger.Warn(ctx, "tool round limit reached",
				"request_id", r.sink.requestID, "agent_id", r.def.AgentID, "rounds", round)
			return turnDone
		}

		switch r.round(ctx) {
		case roundContinue:
		case roundFinal:
			return turnDone
		case roundHalted:
			return turnHalted
		case roundFailed:
			return turnFailed
		case roundCancelled:
			return r.cancelled(ctx)
		}
	}
}

// roundResult is the outcome of a single round.
type roundResult int

const (
	roundContinue roundResult = iota
	roundFinal
	roundHalted
	roundFailed
	roundCancelled
)

// round resolves the model, streams one provider turn (with retries),
// executes the recorded tool calls, and appends the results to history.
func (r *requestRun) round(ctx context.Context) roundResult {
	resolved, err := r.o.resolver.ResolveModel(ctx, r.def)
	if err != nil {
		reqErr, ok := AsRequestError(err)
		if !ok {
			reqErr = NewRequestError(KindModelNotFound, "", err.Error()).WithCause(err)
		}
		r.fail(ctx, "orchestrator", reqErr)
		return roundFailed
	}
	provider, ok := r.o.providers.Provider(resolved.Provider)
	if !ok {
		r.fail(ctx, "orchestrator", NewRequestError(KindNoProvider, resolved.Provider,
			fmt.Sprintf("no adapter configured for provider %q", resolved.Provider)))
		return roundFailed
	}
	r.thread.SetContextWindow(resolved.ContextWindow)

	req := StreamRequest{
		RequestID:    r.sink.requestID,
		Model:        resolved.ID,
		Instructions: r.def.Instructions,
		Messages:     r.thread.Messages(),
		Tools:        r.o.registry.Definitions(r.def.Tools),
		Settings:     r.def.ModelSettings,
		Agent:        r.def.Info(),
	}

	stream := r.streamWithRetry(ctx, provider, req)
	switch stream.status {
	case streamCancelled:
		return roundCancelled
	case streamErrored:
		r.fail(ctx, "provider", stream.err)
		return roundFailed
	}

	if stream.text != "" {
		r.lastText = stream.text
	}

	executed := r.applyToolBudget(ctx, stream.calls)
	if len(executed) == 0 {
		r.appendRound(ctx, resolved.ID, stream.text, nil, nil)
		return roundFinal
	}

	for _, call := range executed {
		r.sink.toolStart(ctx, call)
	}
	results := r.o.executor.ExecuteAll(ctx, r.def, executed)
	if ctx.Err() != nil {
		return roundCancelled
	}
	for i := range executed {
		r.sink.toolDone(ctx, executed[i], results[i])
		r.observeControlTool(ctx, executed[i], results[i])
	}

	r.appendRound(ctx, resolved.ID, stream.text, executed, results)
	if r.halted {
		return roundHalted
	}
	return roundContinue
}

// streamWithRetry opens the provider stream and consumes it, retrying
// retryable failures with backoff up to the agent's budget. Retried
// attempts surface as log lines, never as error events.
func (r *requestRun) streamWithRetry(ctx context.Context, provider Provider, req StreamRequest) streamOutcome {
	policy := r.def.Retry.Policy()
	budget := r.def.Retry.Budget()

	for attempt := 0; ; attempt++ {
		stream := r.consume(ctx, provider, req)
		if stream.status != streamErrored || !stream.err.Retryable() || attempt >= budget {
			return stream
		}

		delay := backoff.Delay(policy, attempt+1)
		if stream.err.RetryAfter > delay {
			delay = stream.err.RetryAfter
		}
		r.o.logger.Warn(ctx, "retrying provider stream",
			"request_id", req.RequestID, "provider", provider.Name(), "model", req.Model,
			"attempt", attempt+1, "delay", delay, "error", stream.err)
		if err := backoff.Sleep(ctx, delay); err != nil {
			return streamOutcome{status: streamCancelled}
		}
	}
}

type streamStatus int

const (
	streamComplete streamStatus = iota
	streamErrored
	streamCancelled
)

// streamOutcome is what one provider stream attempt produced.
type streamOutcome struct {
	status streamStatus
	err    *RequestError

	// text is the round's assistant content, message_complete winning over
	// accumulated deltas per message id.
	text string

	// calls are the finalized tool calls with fully concatenated arguments.
	calls []models.ToolCall
}

// consume forwards one provider stream to the caller while collecting
// assistant text and tool calls. Message, file, cost, and lifecycle events
// pass through with agent tagging; tool_start/tool_delta are absorbed into
// pending calls (the orchestrator re-emits tool_start with complete
// arguments at dispatch); error and stream_end terminate the attempt.
func (r *requestRun) consume(ctx context.Context, provider Provider, req StreamRequest) streamOutcome {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := time.Now()
	events := provider.OpenStream(streamCtx, req)
	if m := r.o.metrics; m != nil {
		m.StreamRounds.WithLabelValues(provider.Name(), req.Model).Inc()
		defer func() {
			m.StreamDuration.WithLabelValues(provider.Name(), req.Model).Observe(time.Since(start).Seconds())
		}()
	}

	var out streamOutcome
	acc := newMessageAccumulator()
	pending := newPendingCalls()
	sawTerminal := false
	consumerGone := false

	for event := range events {
		if consumerGone {
			continue
		}
		switch event.Type {
		case models.EventToolStart:
			if event.Tool != nil && event.Tool.ToolCall != nil {
				pending.start(*event.Tool.ToolCall)
			}
		case models.EventToolDelta:
			if event.Tool != nil {
				pending.delta(event.Tool.ToolCallID, event.Tool.ArgumentsDelta)
			}
		case models.EventError:
			sawTerminal = true
			if event.Error != nil {
				out.err = requestErrorFromEvent(provider.Name(), event.Error)
			} else {
				out.err = NewRequestError(KindProvider, provider.Name(), "provider reported an error")
			}
		case models.EventStreamEnd:
			sawTerminal = true
		default:
			acc.observe(event)
			if !r.sink.emit(ctx, event) {
				// Consumer is gone; tear the provider down and drain.
				consumerGone = true
				cancel()
			}
		}
	}

	switch {
	case consumerGone || ctx.Err() != nil:
		out.status = streamCancelled
	case out.err != nil:
		out.status = streamErrored
	case !sawTerminal:
		out.status = streamErrored
		out.err = NewRequestError(KindStreamInterrupted, provider.Name(), "stream closed without a terminal event")
	default:
		out.status = streamComplete
		out.text = acc.text()
		out.calls = pending.finalize()
	}
	return out
}

// applyToolBudget admits recorded calls against the per-request tool cap.
// The first skipped call injects the limit notice; nothing past the cap
// executes, so a fully-skipped round ends the loop.
func (r *requestRun) applyToolBudget(ctx context.Context, calls []models.ToolCall) []models.ToolCall {
	if r.def.MaxToolCalls <= 0 {
		r.totalToolCalls += len(calls)
		return calls
	}
	survivors := make([]models.ToolCall, 0, len(calls))
	for _, call := range calls {
		if r.totalToolCalls >= r.def.MaxToolCalls {
			if !r.toolLimitSent {
				r.sink.notice(ctx, ToolLimitNotice)
				r.toolLimitSent = true
				r.o.logger.Warn(ctx, "tool call limit reached",
					"request_id", r.sink.requestID, "agent_id", r.def.AgentID, "limit", r.def.MaxToolCalls)
			}
			continue
		}
		r.totalToolCalls++
		survivors = append(survivors, call)
	}
	return survivors
}

// observeControlTool records the halt outcome when a control tool ran.
func (r *requestRun) observeControlTool(ctx context.Context, call models.ToolCall, result models.ToolCallResult) {
	name := call.Function.Name
	if name != ToolTaskComplete && name != ToolTaskFatalError {
		return
	}
	r.halted = true
	r.haltFatal = name == ToolTaskFatalError
	r.haltOutput = result.Output
	if result.Error != "" {
		r.haltOutput = result.Error
	}
	if r.lastText == "" {
		r.lastText = r.haltOutput
	}
	if r.haltFatal {
		r.o.logger.Error(ctx, "agent reported fatal error",
			"request_id", r.sink.requestID, "agent_id", r.def.AgentID, "output", r.haltOutput)
		return
	}
	r.o.logger.Info(ctx, "agent completed task",
		"request_id", r.sink.requestID, "agent_id", r.def.AgentID)
}

// appendRound writes the round to history in one atomic batch — assistant
// message, then each call immediately followed by its output — and mirrors
// every appended message as a response_output event. Control tool calls
// never reach history: their outcome lives in the halt state.
func (r *requestRun) appendRound(ctx context.Context, model, text string, calls []models.ToolCall, results []models.ToolCallResult) {
	batch := make([]models.Message, 0, 1+2*len(calls))
	if text != "" {
		msg := models.NewAssistantMessage(text)
		msg.Model = model
		batch = append(batch, msg)
	}
	for i, call := range calls {
		name := call.Function.Name
		if name == ToolTaskComplete || name == ToolTaskFatalError {
			continue
		}
		batch = append(batch,
			models.NewFunctionCall(call.ID, call.CallID, name, call.Function.Arguments),
			outputMessage(call, results[i]),
		)
	}
	if len(batch) == 0 {
		return
	}
	r.thread.Add(ctx, batch...)
	for _, msg := range batch {
		r.sink.responseOutput(ctx, msg)
	}
}

// outputMessage shapes one tool result into its function_call_output.
// Name is set so adapters whose wire format keys responses by function
// name (Gemini) can round-trip the pair.
func outputMessage(call models.ToolCall, result models.ToolCallResult) models.Message {
	text := result.Output
	status := models.StatusCompleted
	if result.Error != "" {
		text = result.Error
		status = models.StatusIncomplete
	}
	msg := models.NewFunctionCallOutput(call.CallID, text, status)
	msg.Name = call.Function.Name
	return msg
}

// fail emits the terminal error event and counts it.
func (r *requestRun) fail(ctx context.Context, component string, err *RequestError) {
	r.o.logger.Error(ctx, "request failed",
		"request_id", r.sink.requestID, "agent_id", r.def.AgentID, "code", err.Kind.Code(), "error", err)
	if r.o.metrics != nil {
		r.o.metrics.Errors.WithLabelValues(component, err.Kind.Code()).Inc()
	}
	r.sink.fail(ctx, err)
}

// cancelled releases downstream resources and emits the final error event.
// The emit is best-effort: the consumer may already be gone.
func (r *requestRun) cancelled(ctx context.Context) turnOutcome {
	if r.o.running != nil {
		r.o.running.AbortAgent(r.def.AgentID)
	}
	if r.o.queue != nil {
		r.o.queue.Clear(r.def.AgentID)
	}
	cause := context.Cause(ctx)
	if cause == nil {
		cause = context.Canceled
	}
	r.o.logger.Info(ctx, "request cancelled",
		"request_id", r.sink.requestID, "agent_id", r.def.AgentID, "cause", cause)
	r.sink.fail(ctx, NewRequestError(KindProvider, "", "request cancelled").WithCause(cause))
	return turnCancelled
}

// verdict is the JSON contract a verifier agent answers with.
type verdict struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// runVerification gates the candidate output through the verifier agent,
// re-running the main loop on failure up to the attempt limit. Returns
// false when the request terminated (cancelled or failed) during
// verification and the terminal event is already out.
func (r *requestRun) runVerification(ctx context.Context) bool {
	limit := r.def.VerificationLimit()
	for attempt := 1; attempt <= limit; attempt++ {
		v, ok := r.verifyOnce(ctx, attempt)
		if !ok {
			return false
		}
		if v.Status != "fail" {
			return true
		}

		reason := v.Reason
		if reason == "" {
			reason = "no reason given"
		}
		r.sink.notice(ctx, VerifyFailedPrefix+reason)
		r.o.logger.Warn(ctx, "verification failed",
			"request_id", r.sink.requestID, "agent_id", r.def.AgentID, "attempt", attempt, "reason", reason)
		if attempt == limit {
			r.sink.notice(ctx, fmt.Sprintf(VerifyGiveUpPattern, limit))
			return true
		}

		nudge := models.NewSystemMessage(fmt.Sprintf(
			"Verification failed: %s. Revise your previous answer to address this.", reason))
		r.thread.Add(ctx, nudge)
		r.sink.responseOutput(ctx, nudge)

		switch r.loop(ctx) {
		case turnFailed, turnCancelled:
			return false
		case turnHalted:
			return true
		}
	}
	return true
}

// verifyOnce runs the verifier agent over the candidate output on a scratch
// thread and parses its verdict. Verifier events flow to the caller tagged
// with the verifier's identity, bracketed by agent_start/agent_done. A
// verifier that errors or answers garbage passes the candidate: a broken
// verifier must not sink a good answer.
func (r *requestRun) verifyOnce(ctx context.Context, attempt int) (verdict, bool) {
	vdef := *r.def.Verifier
	if vdef.ParentID == "" {
		vdef.ParentID = r.def.AgentID
	}

	scratch := history.New(history.Config{Logger: r.o.logger})
	scratch.Add(ctx, models.NewUserMessage(fmt.Sprintf(
		"Verify the assistant output below.\n\n%s\n\nRespond with a single JSON object: {\"status\": \"pass\" | \"fail\", \"reason\": \"...\"}.",
		r.lastText)))

	vsink := r.sink.forAgent(vdef.Info(), vdef.OnEvent)
	vsink.lifecycle(ctx, models.EventAgentStart, &models.LifecycleEventPayload{Status: "verifying"})

	vrun := &requestRun{o: r.o, def: &vdef, thread: scratch, sink: vsink}
	switch vrun.loop(ctx) {
	case turnCancelled:
		return verdict{}, false
	case turnFailed:
		r.o.logger.Warn(ctx, "verifier errored, accepting candidate",
			"request_id", r.sink.requestID, "agent_id", r.def.AgentID, "attempt", attempt)
		vsink.lifecycle(ctx, models.EventAgentDone, &models.LifecycleEventPayload{Status: "error"})
		return verdict{Status: "pass"}, true
	}

	v := parseVerdict(vrun.lastText)
	vsink.lifecycle(ctx, models.EventAgentDone, &models.LifecycleEventPayload{Status: v.Status, Output: vrun.lastText})
	return v, true
}

// parseVerdict extracts the {status, reason} object from the verifier's
// answer, tolerating code fences and surrounding prose. Anything
// unparseable counts as a pass.
func parseVerdict(text string) verdict {
	begin := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if begin < 0 || end <= begin {
		return verdict{Status: "pass"}
	}
	var v verdict
	if err := json.Unmarshal([]byte(text[begin:end+1]), &v); err != nil {
		return verdict{Status: "pass"}
	}
	v.Status = strings.ToLower(strings.TrimSpace(v.Status))
	if v.Status != "fail" {
		v.Status = "pass"
	}
	return v
}

// requestErrorFromEvent rebuilds the adapter's typed error from its wire
// event so retry decisions survive the channel crossing.
func requestErrorFromEvent(provider string, payload *models.ErrorEventPayload) *RequestError {
	err := NewRequestError(KindFromCode(payload.Code), provider, payload.Error)
	if payload.RetryAfterSeconds > 0 {
		err = err.WithRetryAfter(time.Duration(payload.RetryAfterSeconds * float64(time.Second)))
	}
	return err
}

// messageAccumulator reassembles assistant text per message id, complete
// events winning over concatenated deltas.
type messageAccumulator struct {
	order    []string
	partial  map[string]*strings.Builder
	complete map[string]string
}

func newMessageAccumulator() *messageAccumulator {
	return &messageAccumulator{
		partial:  make(map[string]*strings.Builder),
		complete: make(map[string]string),
	}
}

func (a *messageAccumulator) observe(event models.Event) {
	if event.Message == nil {
		return
	}
	id := event.Message.MessageID
	switch event.Type {
	case models.EventMessageStart:
		a.touch(id)
	case models.EventMessageDelta:
		a.touch(id).WriteString(event.Message.Content)
	case models.EventMessageComplete:
		a.touch(id)
		a.complete[id] = event.Message.Content
	}
}

func (a *messageAccumulator) touch(id string) *strings.Builder {
	b, ok := a.partial[id]
	if !ok {
		b = &strings.Builder{}
		a.partial[id] = b
		a.order = append(a.order, id)
	}
	return b
}

// text joins the round's messages in first-seen order.
func (a *messageAccumulator) text() string {
	var b strings.Builder
	for _, id := range a.order {
		if full, ok := a.complete[id]; ok {
			b.WriteString(full)
			continue
		}
		b.WriteString(a.partial[id].String())
	}
	return b.String()
}

// pendingCalls accumulates streamed tool calls: tool_start opens a call
// with its initial argument fragment, tool_delta appends later fragments.
// Arguments are parsed as JSON exactly once, downstream in the executor.
type pendingCalls struct {
	order []string
	byID  map[string]*pendingCall
}

type pendingCall struct {
	call models.ToolCall
	args strings.Builder
}

func newPendingCalls() *pendingCalls {
	return &pendingCalls{byID: make(map[string]*pendingCall)}
}

func (p *pendingCalls) start(call models.ToolCall) {
	id := call.CallID
	if id == "" {
		id = fmt.Sprintf("call_%d", len(p.order))
		call.CallID = id
	}
	pc := &pendingCall{call: call}
	pc.args.WriteString(call.Function.Arguments)
	p.byID[id] = pc
	p.order = append(p.order, id)
}

func (p *pendingCalls) delta(id, fragment string) {
	if pc, ok := p.byID[id]; ok {
		pc.args.WriteString(fragment)
	}
}

func (p *pendingCalls) finalize() []models.ToolCall {
	calls := make([]models.ToolCall, 0, len(p.order))
	for _, id := range p.order {
		pc := p.byID[id]
		pc.call.Function.Arguments = pc.args.String()
		calls = append(calls, pc.call)
	}
	return calls
}

// eventSink tags and delivers events for one agent within a request.
// Sub-agents (verifiers) get a child sink sharing the channel.
type eventSink struct {
	ch        chan models.Event
	requestID string
	agent     *models.AgentInfo
	hook      EventHook
	now       func() time.Time
	newID     func() string
}

// forAgent returns a sink emitting on the same channel under another
// agent's identity.
func (s *eventSink) forAgent(info *models.AgentInfo, hook EventHook) *eventSink {
	child := *s
	child.agent = info
	child.hook = hook
	return &child
}

// emit tags and sends one event. Returns false when the context died
// before the consumer took it.
func (s *eventSink) emit(ctx context.Context, event models.Event) bool {
	event = s.tag(event)
	select {
	case s.ch <- event:
		return true
	case <-ctx.Done():
		return false
	}
}

// tryEmit delivers without blocking, for terminal events after the context
// died. The channel's spare capacity keeps the event available to a
// consumer that is still draining.
func (s *eventSink) tryEmit(event models.Event) {
	select {
	case s.ch <- s.tag(event):
	default:
	}
}

func (s *eventSink) tag(event models.Event) models.Event {
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}
	event.RequestID = s.requestID
	event.Agent = s.agent
	if s.hook != nil {
		s.hook(event)
	}
	return event
}

// notice injects orchestrator commentary as a synthetic delta.
func (s *eventSink) notice(ctx context.Context, text string) {
	s.emit(ctx, models.Event{
		Type:    models.EventMessageDelta,
		Message: &models.MessageEventPayload{MessageID: s.newID(), Role: models.RoleAssistant, Content: text},
	})
}

func (s *eventSink) toolStart(ctx context.Context, call models.ToolCall) {
	s.emit(ctx, models.Event{
		Type: models.EventToolStart,
		Tool: &models.ToolEventPayload{ToolCall: &call},
	})
}

func (s *eventSink) toolDone(ctx context.Context, call models.ToolCall, result models.ToolCallResult) {
	s.emit(ctx, models.Event{
		Type: models.EventToolDone,
		Tool: &models.ToolEventPayload{ToolCall: &call, ToolCallID: call.CallID, Result: &result},
	})
}

func (s *eventSink) responseOutput(ctx context.Context, msg models.Message) {
	s.emit(ctx, models.Event{
		Type:   models.EventResponseOutput,
		Output: &models.OutputEventPayload{Message: msg},
	})
}

func (s *eventSink) lifecycle(ctx context.Context, typ models.EventType, payload *models.LifecycleEventPayload) {
	s.emit(ctx, models.Event{Type: typ, Lifecycle: payload})
}

// fail emits the terminal error event, falling back to a non-blocking send
// when the context is already dead.
func (s *eventSink) fail(ctx context.Context, err *RequestError) {
	event := models.Event{
		Type: models.EventError,
		Error: &models.ErrorEventPayload{
			Error:             err.Error(),
			Code:              err.Kind.Code(),
			RetryAfterSeconds: err.RetryAfter.Seconds(),
		},
	}
	if !s.emit(ctx, event) {
		s.tryEmit(event)
	}
}

func (s *eventSink) end(ctx context.Context) {
	s.emit(ctx, models.Event{Type: models.EventStreamEnd})
}
