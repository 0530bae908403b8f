package models

import (
	"encoding/json"
	"testing"
)

func TestEventType_Constants(t *testing.T) {
	tests := []struct {
		constant EventType
		expected string
	}{
		{EventMessageStart, "message_start"},
		{EventMessageDelta, "message_delta"},
		{EventMessageComplete, "message_complete"},
		{EventToolStart, "tool_start"},
		{EventToolDelta, "tool_delta"},
		{EventToolDone, "tool_done"},
		{EventFileStart, "file_start"},
		{EventFileDelta, "file_delta"},
		{EventFileComplete, "file_complete"},
		{EventAudioStream, "audio_stream"},
		{EventCostUpdate, "cost_update"},
		{EventResponseOutput, "response_output"},
		{EventAgentStart, "agent_start"},
		{EventAgentStatus, "agent_status"},
		{EventAgentDone, "agent_done"},
		{EventError, "error"},
		{EventStreamEnd, "stream_end"},
	}

	for _, tt := range tests {
		t.Run(string(tt.constant), func(t *testing.T) {
			if string(tt.constant) != tt.expected {
				t.Errorf("constant = %q, want %q", tt.constant, tt.expected)
			}
		})
	}
}

func TestEvent_JSONOmitsEmptyPayloads(t *testing.T) {
	e := Event{
		Type:      EventMessageDelta,
		RequestID: "req-1",
		Agent:     &AgentInfo{AgentID: "a1", Name: "main"},
		Message:   &MessageEventPayload{MessageID: "m1", Content: "hi"},
	}
	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	for _, absent := range []string{"tool", "file", "audio", "cost", "output", "lifecycle", "error", "timestamp"} {
		if _, ok := decoded[absent]; ok {
			t.Errorf("field %q present in %s, want omitted", absent, data)
		}
	}
	if decoded["type"] != "message_delta" {
		t.Errorf("type = %v, want message_delta", decoded["type"])
	}
}

func TestEvent_ToolDonePayload(t *testing.T) {
	call := &ToolCall{
		ID:     "t1",
		CallID: "call-1",
		Function: FunctionInvocation{
			Name:      "add",
			Arguments: `{"x":1,"y":2}`,
		},
	}
	e := Event{
		Type: EventToolDone,
		Tool: &ToolEventPayload{
			ToolCall: call,
			Result:   &ToolCallResult{ToolCall: *call, CallID: "call-1", Output: "3"},
		},
	}
	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var out Event
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if out.Tool == nil || out.Tool.Result == nil {
		t.Fatal("tool payload missing after round trip")
	}
	if out.Tool.Result.Output != "3" {
		t.Errorf("result output = %q, want %q", out.Tool.Result.Output, "3")
	}
	if out.Tool.ToolCall.Function.Name != "add" {
		t.Errorf("function name = %q, want %q", out.Tool.ToolCall.Function.Name, "add")
	}
}
