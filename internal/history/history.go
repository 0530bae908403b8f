// Package history maintains the conversation log for an agent: a linear
// message list with pinning, automatic compaction against the model context
// budget, and read-time normalization of tool call pairing.
package history

import (
	"context"
	"fmt"
	"sync"

	"github.com/haasonsaas/ensemble/internal/compaction"
	"github.com/haasonsaas/ensemble/internal/observability"
	"github.com/haasonsaas/ensemble/pkg/models"
)

// Config configures a history thread.
type Config struct {
	// ContextWindow is the model context size in tokens. Zero falls back
	// to compaction.DefaultContextWindow.
	ContextWindow int

	// Threshold is the share of the context window that triggers
	// compaction on Add. Zero means compaction.DefaultThreshold.
	Threshold float64

	// TailShare is the share of recent tokens kept verbatim.
	TailShare float64

	// MaxChunkTokens bounds each external summarizer call.
	MaxChunkTokens int

	// Summarize is the external summarizer. When nil, compaction still
	// replaces old messages with the flow digest, just without a model
	// written summary.
	Summarize compaction.Summarizer

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// History is a compacting conversation log. Safe for concurrent use.
type History struct {
	mu       sync.Mutex
	messages []models.Message
	microLog []compaction.LogLine
	pinned   map[int]bool
	cfg      Config
	logger   *observability.Logger
}

// New creates an empty history thread.
func New(cfg Config) *History {
	if cfg.Threshold <= 0 || cfg.Threshold >= 1 {
		cfg.Threshold = compaction.DefaultThreshold
	}
	if cfg.TailShare <= 0 || cfg.TailShare >= 1 {
		cfg.TailShare = compaction.DefaultTailShare
	}
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = compaction.DefaultContextWindow
	}
	logger := cfg.Logger
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &History{
		pinned: make(map[int]bool),
		cfg:    cfg,
		logger: logger,
	}
}

// Add appends messages and compacts if the estimated token count exceeds the
// threshold share of the context window. The append is atomic: concurrent
// readers see all of the batch or none of it.
func (h *History) Add(ctx context.Context, msgs ...models.Message) {
	if len(msgs) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := range msgs {
		h.messages = append(h.messages, msgs[i])
		h.microLog = append(h.microLog, compaction.MicroLine(&msgs[i]))
	}

	budget := int(h.cfg.Threshold * float64(h.cfg.ContextWindow))
	if compaction.EstimateHistoryTokens(h.messages) > budget {
		h.compactLocked(ctx)
	}
}

// compactLocked replaces the compactable middle of the log with one
// synthetic summary message. Caller holds the lock.
func (h *History) compactLocked(ctx context.Context) {
	part := compaction.PartitionHistory(h.messages, h.pinned, h.cfg.TailShare)
	if len(part.Compactable) == 0 {
		return
	}

	compactable := make([]models.Message, 0, len(part.Compactable))
	flow := make([]compaction.LogLine, 0, len(part.Compactable))
	for _, idx := range part.Compactable {
		compactable = append(compactable, h.messages[idx])
		flow = append(flow, h.microLog[idx])
	}

	var summary string
	if h.cfg.Summarize != nil {
		text := formatForSummary(compactable)
		s, err := compaction.SummarizeChunked(ctx, h.cfg.Summarize, text, h.cfg.MaxChunkTokens)
		if err != nil {
			// Compaction still proceeds with the digest alone; aborting
			// would let the log grow past the context window.
			h.logger.Warn(ctx, "history summarizer failed, compacting without summary", "error", err)
		} else {
			summary = s
		}
	}

	info := compaction.Extract(compactable)
	synthetic := models.NewSystemMessage(compaction.BuildSummaryContent(summary, flow, info))

	rebuilt := make([]models.Message, 0, len(part.Prelude)+1+len(h.messages)-part.TailStart)
	pinned := make(map[int]bool)
	for _, idx := range part.Prelude {
		if h.pinned[idx] {
			pinned[len(rebuilt)] = true
		}
		rebuilt = append(rebuilt, h.messages[idx])
	}
	rebuilt = append(rebuilt, synthetic)
	for idx := part.TailStart; idx < len(h.messages); idx++ {
		if h.pinned[idx] {
			pinned[len(rebuilt)] = true
		}
		rebuilt = append(rebuilt, h.messages[idx])
	}

	dropped := len(h.messages) - len(rebuilt)
	h.messages = rebuilt
	h.pinned = pinned
	h.microLog = h.microLog[:0]
	for i := range h.messages {
		h.microLog = append(h.microLog, compaction.MicroLine(&h.messages[i]))
	}

	if h.cfg.Metrics != nil {
		h.cfg.Metrics.Compactions.WithLabelValues("threshold").Inc()
	}
	h.logger.Info(ctx, "history compacted",
		"dropped_messages", dropped,
		"kept_messages", len(rebuilt),
		"estimated_tokens", compaction.EstimateHistoryTokens(h.messages))
}

// formatForSummary renders messages as plain text for the summarizer.
func formatForSummary(messages []models.Message) string {
	var b []byte
	for i := range messages {
		msg := &messages[i]
		switch {
		case msg.IsFunctionCall():
			b = fmt.Appendf(b, "[assistant called %s]: %s\n\n", msg.Name, msg.Arguments)
		case msg.IsFunctionCallOutput():
			b = fmt.Appendf(b, "[tool result]: %s\n\n", msg.Output)
		default:
			b = fmt.Appendf(b, "[%s]: %s\n\n", msg.Role, msg.Text())
		}
	}
	return string(b)
}

// Messages returns a normalized snapshot: every function call is immediately
// followed by its output, orphaned calls get a synthesized incomplete output,
// and orphaned outputs are demoted to user messages.
func (h *History) Messages() []models.Message {
	h.mu.Lock()
	snapshot := make([]models.Message, len(h.messages))
	copy(snapshot, h.messages)
	h.mu.Unlock()
	return Normalize(snapshot)
}

// Raw returns an unnormalized copy of the log.
func (h *History) Raw() []models.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]models.Message, len(h.messages))
	copy(out, h.messages)
	return out
}

// Len returns the number of messages in the log.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}

// TokenEstimate returns the estimated token count of the log.
func (h *History) TokenEstimate() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return compaction.EstimateHistoryTokens(h.messages)
}

// Pin marks the message at index immune to compaction.
func (h *History) Pin(index int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if index < 0 || index >= len(h.messages) {
		return fmt.Errorf("pin index %d out of range [0, %d)", index, len(h.messages))
	}
	h.pinned[index] = true
	return nil
}

// SetContextWindow updates the compaction budget, typically after model
// selection resolves the concrete model.
func (h *History) SetContextWindow(tokens int) {
	if tokens <= 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cfg.ContextWindow = tokens
}

// Clear drops all messages, pins, and flow entries.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = nil
	h.microLog = nil
	h.pinned = make(map[int]bool)
}

// Normalize repairs tool call pairing in a message list: outputs are
// reordered to directly follow their calls, orphaned calls receive a
// synthesized incomplete output, and outputs with no matching call are
// demoted to user messages.
func Normalize(messages []models.Message) []models.Message {
	byCallID := make(map[string][]int)
	for i := range messages {
		if messages[i].IsFunctionCallOutput() {
			byCallID[messages[i].CallID] = append(byCallID[messages[i].CallID], i)
		}
	}

	pairedOutput := make(map[int]int)
	outputTaken := make(map[int]bool)
	for i := range messages {
		if !messages[i].IsFunctionCall() {
			continue
		}
		for _, j := range byCallID[messages[i].CallID] {
			if !outputTaken[j] {
				pairedOutput[i] = j
				outputTaken[j] = true
				break
			}
		}
	}

	result := make([]models.Message, 0, len(messages))
	for i := range messages {
		msg := messages[i]
		switch {
		case msg.IsFunctionCall():
			result = append(result, msg)
			if j, ok := pairedOutput[i]; ok {
				result = append(result, messages[j])
			} else {
				out := models.NewFunctionCallOutput(msg.CallID, "Error: tool execution incomplete", models.StatusIncomplete)
				out.Name = msg.Name
				result = append(result, out)
			}
		case msg.IsFunctionCallOutput():
			if outputTaken[i] {
				continue
			}
			name := msg.Name
			if name == "" {
				name = msg.CallID
			}
			result = append(result, models.NewUserMessage(fmt.Sprintf("Tool result: %s\n%s", name, msg.Output)))
		default:
			result = append(result, msg)
		}
	}
	return result
}
