package models

import "time"

// Event is the canonical provider-independent stream event. Callers observe
// one Event sequence per request regardless of which backend served it.
//
// Design principles:
//   - Single Type discriminator with optional payload pointers
//   - Exactly one payload is non-nil for a given Type (stream_end has none)
//   - Every event may carry the request id and the emitting agent's identity
type Event struct {
	Type      EventType  `json:"type"`
	Timestamp time.Time  `json:"timestamp,omitzero"`
	RequestID string     `json:"request_id,omitempty"`
	Agent     *AgentInfo `json:"agent,omitempty"`

	Message   *MessageEventPayload   `json:"message,omitempty"`
	Tool      *ToolEventPayload      `json:"tool,omitempty"`
	File      *FileEventPayload      `json:"file,omitempty"`
	Audio     *AudioEventPayload     `json:"audio,omitempty"`
	Cost      *CostEventPayload      `json:"cost,omitempty"`
	Output    *OutputEventPayload    `json:"output,omitempty"`
	Lifecycle *LifecycleEventPayload `json:"lifecycle,omitempty"`
	Error     *ErrorEventPayload     `json:"error,omitempty"`
}

// EventType identifies the kind of canonical event.
type EventType string

const (
	// Assistant text streaming.
	EventMessageStart    EventType = "message_start"
	EventMessageDelta    EventType = "message_delta"
	EventMessageComplete EventType = "message_complete"

	// Tool call streaming and execution.
	EventToolStart EventType = "tool_start"
	EventToolDelta EventType = "tool_delta"
	EventToolDone  EventType = "tool_done"

	// Binary payload streaming (images, documents).
	EventFileStart    EventType = "file_start"
	EventFileDelta    EventType = "file_delta"
	EventFileComplete EventType = "file_complete"

	// Audio passthrough chunks.
	EventAudioStream EventType = "audio_stream"

	// Accounting and history mirroring.
	EventCostUpdate     EventType = "cost_update"
	EventResponseOutput EventType = "response_output"

	// Sub-agent lifecycle.
	EventAgentStart  EventType = "agent_start"
	EventAgentStatus EventType = "agent_status"
	EventAgentDone   EventType = "agent_done"

	// Terminal markers.
	EventError     EventType = "error"
	EventStreamEnd EventType = "stream_end"
)

// AgentInfo identifies the agent a given event belongs to. ParentID is set
// for events produced by sub-agents.
type AgentInfo struct {
	AgentID  string `json:"agent_id"`
	Name     string `json:"name,omitempty"`
	ParentID string `json:"parent_id,omitempty"`
}

// MessageEventPayload carries assistant text for message_start/delta/complete.
// Delta events carry the increment; complete events carry the full content.
type MessageEventPayload struct {
	MessageID         string `json:"message_id"`
	Role              Role   `json:"role,omitempty"`
	Content           string `json:"content,omitempty"`
	ThinkingContent   string `json:"thinking_content,omitempty"`
	ThinkingSignature string `json:"thinking_signature,omitempty"`
}

// ToolEventPayload describes tool call streaming and completion.
// tool_start and tool_done set ToolCall; tool_delta sets ToolCallID and
// ArgumentsDelta; tool_done additionally sets Result.
type ToolEventPayload struct {
	ToolCall       *ToolCall       `json:"tool_call,omitempty"`
	ToolCallID     string          `json:"tool_call_id,omitempty"`
	ArgumentsDelta string          `json:"arguments_delta,omitempty"`
	Result         *ToolCallResult `json:"result,omitempty"`
}

// FileDataFormat tells the consumer how FileEventPayload.Data is encoded.
type FileDataFormat string

const (
	FileDataBase64 FileDataFormat = "base64"
	FileDataURL    FileDataFormat = "url"
)

// FileEventPayload carries binary payload frames for file_start/delta/complete.
type FileEventPayload struct {
	MessageID  string         `json:"message_id"`
	MimeType   string         `json:"mime_type,omitempty"`
	Data       string         `json:"data,omitempty"`
	DataFormat FileDataFormat `json:"data_format,omitempty"`
}

// PCMParameters describes raw PCM audio when Format is a PCM variant.
type PCMParameters struct {
	SampleRate int `json:"sample_rate"`
	Channels   int `json:"channels"`
	BitDepth   int `json:"bit_depth"`
}

// AudioEventPayload is one chunk of a streamed audio response.
// Data is base64 encoded.
type AudioEventPayload struct {
	ChunkIndex    int            `json:"chunk_index"`
	IsFinalChunk  bool           `json:"is_final_chunk"`
	Data          string         `json:"data,omitempty"`
	Format        string         `json:"format,omitempty"`
	PCMParameters *PCMParameters `json:"pcm_parameters,omitempty"`
}

// CostEventPayload carries one usage ledger entry.
type CostEventPayload struct {
	Usage UsageRecord `json:"usage"`
}

// OutputEventPayload mirrors a normalized message appended to history.
type OutputEventPayload struct {
	Message Message `json:"message"`
}

// LifecycleEventPayload describes agent_start/agent_status/agent_done.
type LifecycleEventPayload struct {
	Input  string `json:"input,omitempty"`
	Output string `json:"output,omitempty"`
	Status string `json:"status,omitempty"`
}

// ErrorEventPayload standardizes terminal and tool-level errors on the stream.
// RetryAfterSeconds carries the provider's backoff hint for rate limits.
type ErrorEventPayload struct {
	Error             string  `json:"error"`
	Code              string  `json:"code,omitempty"`
	RetryAfterSeconds float64 `json:"retry_after_seconds,omitempty"`
}
