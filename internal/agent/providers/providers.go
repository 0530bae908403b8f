// Package providers implements the streaming adapters between Ensemble's
// canonical event protocol and concrete LLM backends.
//
// Every adapter converts normalized history into its provider's wire format,
// opens one streaming request per OpenStream call, and converts provider
// deltas back into canonical events. Adapters never retry: classification
// happens here, retry policy belongs to the orchestrator.
package providers

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/ensemble/internal/agent"
	"github.com/haasonsaas/ensemble/pkg/models"
)

// eventBuffer is the channel capacity for adapter event streams. A small
// buffer keeps producers from blocking on every delta without hiding
// backpressure from slow consumers.
const eventBuffer = 16

// UsageSink receives the usage extracted from provider responses. Adapters
// call AddUsage when the wire reports token counts and AddEstimatedUsage
// when it omits them. internal/usage.Tracker satisfies this.
type UsageSink interface {
	AddUsage(record models.UsageRecord) models.UsageRecord
	AddEstimatedUsage(model, inputText, outputText string, meta map[string]any) models.UsageRecord
}

// NopUsage discards usage records. Adapters fall back to it when no tracker
// is wired so event streams stay well formed.
type NopUsage struct{}

func (NopUsage) AddUsage(record models.UsageRecord) models.UsageRecord { return record }

func (NopUsage) AddEstimatedUsage(model, inputText, outputText string, meta map[string]any) models.UsageRecord {
	return models.UsageRecord{Model: model, Metadata: meta}
}

// emitter tags and delivers canonical events for one stream. All sends go
// through it so every event carries the request id, agent identity, and a
// timestamp, and so consumer cancellation stops the producer.
type emitter struct {
	ch        chan<- models.Event
	requestID string
	agent     *models.AgentInfo
	now       func() time.Time
}

func newEmitter(ch chan<- models.Event, req agent.StreamRequest) *emitter {
	return &emitter{ch: ch, requestID: req.RequestID, agent: req.Agent, now: time.Now}
}

// send delivers one event, returning false when the consumer is gone.
func (em *emitter) send(ctx context.Context, event models.Event) bool {
	event.Timestamp = em.now()
	event.RequestID = em.requestID
	event.Agent = em.agent
	select {
	case em.ch <- event:
		return true
	case <-ctx.Done():
		return false
	}
}

func (em *emitter) messageStart(ctx context.Context, messageID string) bool {
	return em.send(ctx, models.Event{
		Type:    models.EventMessageStart,
		Message: &models.MessageEventPayload{MessageID: messageID, Role: models.RoleAssistant},
	})
}

func (em *emitter) messageDelta(ctx context.Context, messageID, content, thinking string) bool {
	return em.send(ctx, models.Event{
		Type: models.EventMessageDelta,
		Message: &models.MessageEventPayload{
			MessageID:       messageID,
			Role:            models.RoleAssistant,
			Content:         content,
			ThinkingContent: thinking,
		},
	})
}

func (em *emitter) messageComplete(ctx context.Context, messageID, content, thinking, signature string) bool {
	return em.send(ctx, models.Event{
		Type: models.EventMessageComplete,
		Message: &models.MessageEventPayload{
			MessageID:         messageID,
			Role:              models.RoleAssistant,
			Content:           content,
			ThinkingContent:   thinking,
			ThinkingSignature: signature,
		},
	})
}

func (em *emitter) toolStart(ctx context.Context, call models.ToolCall) bool {
	return em.send(ctx, models.Event{
		Type: models.EventToolStart,
		Tool: &models.ToolEventPayload{ToolCall: &call},
	})
}

func (em *emitter) toolDelta(ctx context.Context, callID, fragment string) bool {
	return em.send(ctx, models.Event{
		Type: models.EventToolDelta,
		Tool: &models.ToolEventPayload{ToolCallID: callID, ArgumentsDelta: fragment},
	})
}

func (em *emitter) costUpdate(ctx context.Context, record models.UsageRecord) bool {
	return em.send(ctx, models.Event{
		Type: models.EventCostUpdate,
		Cost: &models.CostEventPayload{Usage: record},
	})
}

// fail emits the terminal error event for a classified request error.
func (em *emitter) fail(ctx context.Context, reqErr *agent.RequestError) {
	payload := &models.ErrorEventPayload{
		Error: reqErr.Error(),
		Code:  reqErr.Kind.Code(),
	}
	if reqErr.RetryAfter > 0 {
		payload.RetryAfterSeconds = reqErr.RetryAfter.Seconds()
	}
	em.send(ctx, models.Event{Type: models.EventError, Error: payload})
}

func (em *emitter) end(ctx context.Context) {
	em.send(ctx, models.Event{Type: models.EventStreamEnd})
}

// sendTranscription delivers one transcription event unless the consumer is
// gone.
func sendTranscription(ctx context.Context, ch chan<- agent.TranscriptionEvent, event agent.TranscriptionEvent) {
	select {
	case ch <- event:
	case <-ctx.Done():
	}
}

// newMessageID mints the id shared by one message's start/delta/complete
// events.
func newMessageID() string {
	return "msg_" + uuid.NewString()
}

// newCallID mints a call id for providers that deliver tool calls without
// one.
func newCallID() string {
	return "call_" + uuid.NewString()
}

// usageMeta builds the metadata map attached to usage records.
func usageMeta(requestID string) map[string]any {
	if requestID == "" {
		return nil
	}
	return map[string]any{models.UsageMetaRequestID: requestID}
}

// historyText flattens request text for estimated usage when a provider
// omits token counts.
func historyText(req agent.StreamRequest) string {
	var b strings.Builder
	b.WriteString(req.Instructions)
	for _, msg := range req.Messages {
		b.WriteString("\n")
		switch {
		case msg.IsFunctionCall():
			b.WriteString(msg.Name)
			b.WriteString(msg.Arguments)
		case msg.IsFunctionCallOutput():
			b.WriteString(msg.Output)
		default:
			b.WriteString(msg.Text())
		}
	}
	return b.String()
}

// functionNameFor resolves the function name paired with a call id by
// scanning history. Providers that key tool results by name need this when
// the output message does not carry one.
func functionNameFor(messages []models.Message, callID string) string {
	for _, msg := range messages {
		if msg.IsFunctionCall() && msg.CallID == callID {
			return msg.Name
		}
	}
	return ""
}
