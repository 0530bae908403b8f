package models

import (
	"encoding/json"
	"testing"
)

func TestContentParts_UnmarshalString(t *testing.T) {
	var m Message
	raw := `{"type":"message","role":"user","content":"hello there"}`
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if len(m.Content) != 1 {
		t.Fatalf("len(Content) = %d, want 1", len(m.Content))
	}
	if m.Content[0].Type != ContentPartText {
		t.Errorf("part type = %q, want %q", m.Content[0].Type, ContentPartText)
	}
	if got := m.Text(); got != "hello there" {
		t.Errorf("Text() = %q, want %q", got, "hello there")
	}
}

func TestContentParts_UnmarshalArray(t *testing.T) {
	var m Message
	raw := `{"type":"message","role":"user","content":[
		{"type":"text","text":"look at "},
		{"type":"image","url":"https://example.com/cat.png"},
		{"type":"text","text":"this"}
	]}`
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if len(m.Content) != 3 {
		t.Fatalf("len(Content) = %d, want 3", len(m.Content))
	}
	if got := m.Text(); got != "look at this" {
		t.Errorf("Text() = %q, want %q", got, "look at this")
	}
	if m.Content[1].URL != "https://example.com/cat.png" {
		t.Errorf("image URL = %q", m.Content[1].URL)
	}
}

func TestContentParts_UnmarshalInvalid(t *testing.T) {
	var c ContentParts
	if err := json.Unmarshal([]byte(`42`), &c); err == nil {
		t.Error("Unmarshal(42) error = nil, want error")
	}
}

func TestMessage_Variants(t *testing.T) {
	call := NewFunctionCall("id-1", "call-1", "add", `{"x":2,"y":3}`)
	if !call.IsFunctionCall() {
		t.Error("IsFunctionCall() = false, want true")
	}
	if call.IsFunctionCallOutput() {
		t.Error("IsFunctionCallOutput() = true, want false")
	}
	if got := call.Text(); got != `{"x":2,"y":3}` {
		t.Errorf("Text() = %q, want arguments", got)
	}

	out := NewFunctionCallOutput("call-1", "5", StatusCompleted)
	if !out.IsFunctionCallOutput() {
		t.Error("IsFunctionCallOutput() = false, want true")
	}
	if got := out.Text(); got != "5" {
		t.Errorf("Text() = %q, want %q", got, "5")
	}

	user := NewUserMessage("hi")
	if user.Role != RoleUser || user.Type != MessageTypeMessage {
		t.Errorf("NewUserMessage role/type = %q/%q", user.Role, user.Type)
	}
	asst := NewAssistantMessage("yo")
	if asst.Status != StatusCompleted {
		t.Errorf("assistant status = %q, want %q", asst.Status, StatusCompleted)
	}
}

func TestMessage_JSONRoundTrip(t *testing.T) {
	in := NewFunctionCall("fc-1", "call-9", "search", `{"q":"go"}`)
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var out Message
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if out.CallID != "call-9" || out.Name != "search" || out.Arguments != `{"q":"go"}` {
		t.Errorf("round trip = %+v", out)
	}
}

func TestRunningToolStatus_Terminal(t *testing.T) {
	tests := []struct {
		status RunningToolStatus
		want   bool
	}{
		{RunningToolRunning, false},
		{RunningToolCompleted, true},
		{RunningToolFailed, true},
		{RunningToolTimedOut, true},
		{RunningToolAborted, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.Terminal(); got != tt.want {
				t.Errorf("Terminal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUsageRecord_Metadata(t *testing.T) {
	u := UsageRecord{
		Model:    "gpt-4o",
		Metadata: map[string]any{UsageMetaRequestID: "req-1", UsageMetaEstimated: true},
	}
	if got := u.RequestID(); got != "req-1" {
		t.Errorf("RequestID() = %q, want %q", got, "req-1")
	}
	if !u.Estimated() {
		t.Error("Estimated() = false, want true")
	}
	empty := UsageRecord{}
	if empty.RequestID() != "" || empty.Estimated() {
		t.Error("zero record should have no request id and not be estimated")
	}
}
