package models

import "time"

// FilePayload is an assembled binary payload collected from file_* events.
type FilePayload struct {
	MessageID  string         `json:"message_id"`
	MimeType   string         `json:"mime_type,omitempty"`
	Data       string         `json:"data"`
	DataFormat FileDataFormat `json:"data_format"`
}

// Result is the folded form of one event stream: everything a caller needs
// when it wants a final record instead of consuming events incrementally.
type Result struct {
	// Message is the assistant's final text, assembled from message_complete
	// when present and from concatenated deltas otherwise.
	Message string `json:"message"`

	// Thinking is the concatenated reasoning content, when the model emitted any.
	Thinking string `json:"thinking,omitempty"`

	// Cost is the summed cost of all cost_update events, in USD.
	Cost float64 `json:"cost,omitempty"`

	Tools           []ToolCallResult `json:"tools,omitempty"`
	Files           []FilePayload    `json:"files,omitempty"`
	ResponseOutputs []Message        `json:"response_outputs,omitempty"`
	Agent           *AgentInfo       `json:"agent,omitempty"`

	// Error is set when the stream terminated with an error event.
	Error string `json:"error,omitempty"`

	// Completed is true when the stream ended with stream_end.
	Completed bool `json:"completed"`

	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	MessageIDs []string  `json:"message_ids,omitempty"`
}
