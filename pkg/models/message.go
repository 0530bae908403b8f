// Package models provides the shared domain types for the Ensemble runtime:
// conversation messages, canonical stream events, tool calls, and usage records.
package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleSystem    Role = "system"
	RoleDeveloper Role = "developer"
	RoleAssistant Role = "assistant"
)

// MessageType discriminates the conversation item variants.
type MessageType string

const (
	// MessageTypeMessage is a plain user/system/developer/assistant message.
	MessageTypeMessage MessageType = "message"

	// MessageTypeFunctionCall is a model-issued tool invocation request.
	MessageTypeFunctionCall MessageType = "function_call"

	// MessageTypeFunctionCallOutput is the result of a tool invocation.
	MessageTypeFunctionCallOutput MessageType = "function_call_output"
)

// MessageStatus tracks the lifecycle of a conversation item.
type MessageStatus string

const (
	StatusInProgress MessageStatus = "in_progress"
	StatusCompleted  MessageStatus = "completed"
	StatusIncomplete MessageStatus = "incomplete"
)

// ContentPartType identifies a content part variant.
type ContentPartType string

const (
	ContentPartText  ContentPartType = "text"
	ContentPartImage ContentPartType = "image"
	ContentPartFile  ContentPartType = "file"
)

// ContentPart is one element of a message body. Text parts carry Text;
// image parts carry a URL or base64 Data with a MimeType; file parts carry
// a FileID or Filename plus optional inline Data.
type ContentPart struct {
	Type     ContentPartType `json:"type"`
	Text     string          `json:"text,omitempty"`
	URL      string          `json:"url,omitempty"`
	Data     string          `json:"data,omitempty"`
	MimeType string          `json:"mime_type,omitempty"`
	FileID   string          `json:"file_id,omitempty"`
	Filename string          `json:"filename,omitempty"`
}

// ContentParts is an ordered message body. It unmarshals from either a bare
// JSON string (shorthand for a single text part) or an array of parts, and
// marshals back to the array form.
type ContentParts []ContentPart

// UnmarshalJSON accepts both `"text"` and `[{"type":"text",...}]` shapes.
func (c *ContentParts) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = ContentParts{{Type: ContentPartText, Text: s}}
		return nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("content: expected string or part array: %w", err)
	}
	*c = ContentParts(parts)
	return nil
}

// Text concatenates the text parts in order.
func (c ContentParts) Text() string {
	var b strings.Builder
	for _, p := range c {
		if p.Type == ContentPartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// ThinkingBlock carries provider reasoning content with its opaque signature.
// The signature must round-trip unmodified for providers that verify it.
type ThinkingBlock struct {
	Content   string `json:"content"`
	Signature string `json:"signature,omitempty"`
}

// Message is the unified conversation item across providers. Exactly one
// variant applies per Type: plain messages use Role/Content/Thinking,
// function calls use CallID/Name/Arguments, and function call outputs use
// CallID/Output.
type Message struct {
	Type MessageType `json:"type"`

	// Plain message fields.
	Role     Role           `json:"role,omitempty"`
	Content  ContentParts   `json:"content,omitempty"`
	Thinking *ThinkingBlock `json:"thinking,omitempty"`

	// Function call / output fields.
	ID        string `json:"id,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Output    string `json:"output,omitempty"`

	Status    MessageStatus `json:"status,omitempty"`
	Model     string        `json:"model,omitempty"`
	Timestamp time.Time     `json:"timestamp,omitzero"`
}

// NewUserMessage builds a plain user message from text.
func NewUserMessage(text string) Message {
	return Message{
		Type:    MessageTypeMessage,
		Role:    RoleUser,
		Content: ContentParts{{Type: ContentPartText, Text: text}},
	}
}

// NewSystemMessage builds a plain system message from text.
func NewSystemMessage(text string) Message {
	return Message{
		Type:    MessageTypeMessage,
		Role:    RoleSystem,
		Content: ContentParts{{Type: ContentPartText, Text: text}},
	}
}

// NewAssistantMessage builds a completed assistant message from text.
func NewAssistantMessage(text string) Message {
	return Message{
		Type:    MessageTypeMessage,
		Role:    RoleAssistant,
		Content: ContentParts{{Type: ContentPartText, Text: text}},
		Status:  StatusCompleted,
	}
}

// NewFunctionCall builds a function_call item.
func NewFunctionCall(id, callID, name, arguments string) Message {
	return Message{
		Type:      MessageTypeFunctionCall,
		ID:        id,
		CallID:    callID,
		Name:      name,
		Arguments: arguments,
		Status:    StatusCompleted,
	}
}

// NewFunctionCallOutput builds a function_call_output item.
func NewFunctionCallOutput(callID, output string, status MessageStatus) Message {
	return Message{
		Type:   MessageTypeFunctionCallOutput,
		CallID: callID,
		Output: output,
		Status: status,
	}
}

// IsFunctionCall reports whether the message is a tool invocation request.
func (m *Message) IsFunctionCall() bool { return m.Type == MessageTypeFunctionCall }

// IsFunctionCallOutput reports whether the message is a tool result.
func (m *Message) IsFunctionCallOutput() bool { return m.Type == MessageTypeFunctionCallOutput }

// Text returns the concatenated text content for plain messages, the
// arguments for function calls, and the output for function call outputs.
func (m *Message) Text() string {
	switch m.Type {
	case MessageTypeFunctionCall:
		return m.Arguments
	case MessageTypeFunctionCallOutput:
		return m.Output
	default:
		return m.Content.Text()
	}
}
