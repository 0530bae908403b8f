package tape

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/haasonsaas/ensemble/internal/agent"
	"github.com/haasonsaas/ensemble/internal/agent/providers"
	"github.com/haasonsaas/ensemble/pkg/models"
)

func drain(ch <-chan models.Event) []models.Event {
	var events []models.Event
	for event := range ch {
		events = append(events, event)
	}
	return events
}

func recordOneTurn(t *testing.T, config providers.TestConfig, req agent.StreamRequest) (*Recorder, []models.Event) {
	t.Helper()
	rec := NewRecorder(providers.NewTestProvider(config))
	events := drain(rec.OpenStream(context.Background(), req))
	return rec, events
}

func TestRecorderCapturesTurn(t *testing.T) {
	req := agent.StreamRequest{
		RequestID: "req-1",
		Model:     "test-model",
		Messages:  []models.Message{models.NewUserMessage("Say hello")},
	}
	rec, events := recordOneTurn(t, providers.TestConfig{FixedResponse: "hello"}, req)

	if len(events) == 0 {
		t.Fatal("no events forwarded through the recorder")
	}
	if events[len(events)-1].Type != models.EventStreamEnd {
		t.Errorf("last event = %v, want stream_end", events[len(events)-1].Type)
	}

	tp := rec.Tape()
	if len(tp.Turns) != 1 {
		t.Fatalf("turns = %d, want 1", len(tp.Turns))
	}
	turn := tp.Turns[0]
	if turn.Text != "hello" {
		t.Errorf("turn.Text = %q, want hello", turn.Text)
	}
	if turn.Model != "test-model" || turn.MessageCount != 1 {
		t.Errorf("turn = %+v", turn)
	}
	if len(turn.Events) != len(events) {
		t.Errorf("recorded %d events, forwarded %d", len(turn.Events), len(events))
	}
}

func TestRecorderCapturesToolCalls(t *testing.T) {
	req := agent.StreamRequest{RequestID: "req-1", Model: "test-model"}
	rec, _ := recordOneTurn(t, providers.TestConfig{
		SimulateToolCall: true,
		ToolName:         "add",
		ToolArguments:    `{"x":2,"y":3}`,
	}, req)

	tp := rec.Tape()
	if len(tp.Turns) != 1 || len(tp.Turns[0].ToolCalls) != 1 {
		t.Fatalf("tape = %+v", tp.Summarize())
	}
	call := tp.Turns[0].ToolCalls[0]
	if call.Function.Name != "add" || call.Function.Arguments != `{"x":2,"y":3}` {
		t.Errorf("call = %+v", call)
	}
}

func TestReplayerRoundTrip(t *testing.T) {
	req := agent.StreamRequest{
		RequestID: "req-1",
		Model:     "test-model",
		Messages:  []models.Message{models.NewUserMessage("Say hello")},
	}
	rec, recorded := recordOneTurn(t, providers.TestConfig{FixedResponse: "hello"}, req)

	replay := NewReplayer(rec.Tape())
	replayReq := req
	replayReq.RequestID = "req-2"
	replayed := drain(replay.OpenStream(context.Background(), replayReq))

	if len(replayed) != len(recorded) {
		t.Fatalf("replayed %d events, recorded %d", len(replayed), len(recorded))
	}
	for i := range replayed {
		if replayed[i].Type != recorded[i].Type {
			t.Errorf("event %d type = %v, recorded %v", i, replayed[i].Type, recorded[i].Type)
		}
		if replayed[i].RequestID != "req-2" {
			t.Errorf("event %d request id = %q, want retag to req-2", i, replayed[i].RequestID)
		}
	}
	if got := agent.Aggregate(toChan(replayed)); got.Message != "hello" {
		t.Errorf("aggregated message = %q, want hello", got.Message)
	}
}

func toChan(events []models.Event) <-chan models.Event {
	ch := make(chan models.Event, len(events))
	for _, event := range events {
		ch <- event
	}
	close(ch)
	return ch
}

func TestReplayerExhaustion(t *testing.T) {
	req := agent.StreamRequest{RequestID: "req-1", Model: "test-model"}
	rec, _ := recordOneTurn(t, providers.TestConfig{FixedResponse: "hi"}, req)

	replay := NewReplayer(rec.Tape())
	drain(replay.OpenStream(context.Background(), req))

	events := drain(replay.OpenStream(context.Background(), req))
	if len(events) != 1 || events[0].Type != models.EventError {
		t.Fatalf("events = %+v, want single error", events)
	}
	if events[0].Error.Code != "TAPE_EXHAUSTED" {
		t.Errorf("code = %q, want TAPE_EXHAUSTED", events[0].Error.Code)
	}

	replay.Reset()
	events = drain(replay.OpenStream(context.Background(), req))
	if len(events) == 0 || events[len(events)-1].Type != models.EventStreamEnd {
		t.Errorf("after Reset events = %+v, want replayed turn", events)
	}
}

func TestReplayerStrictMismatches(t *testing.T) {
	req := agent.StreamRequest{
		RequestID: "req-1",
		Model:     "test-model",
		Messages:  []models.Message{models.NewUserMessage("Say hello")},
	}
	rec, _ := recordOneTurn(t, providers.TestConfig{FixedResponse: "hello"}, req)

	replay := NewReplayer(rec.Tape()).WithMode(Strict)
	other := agent.StreamRequest{RequestID: "req-2", Model: "other-model"}
	drain(replay.OpenStream(context.Background(), other))

	mismatches := replay.Mismatches()
	if len(mismatches) != 2 {
		t.Fatalf("mismatches = %+v, want model and message_count", mismatches)
	}
	if mismatches[0].Field != "model" || mismatches[0].Actual != "other-model" {
		t.Errorf("mismatch[0] = %+v", mismatches[0])
	}
}

func TestSaveLoad(t *testing.T) {
	req := agent.StreamRequest{RequestID: "req-1", Model: "test-model"}
	rec, _ := recordOneTurn(t, providers.TestConfig{FixedResponse: "persisted"}, req)

	path := filepath.Join(t.TempDir(), "turn.tape.json")
	if err := rec.Tape().Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Summarize() != rec.Tape().Summarize() {
		t.Errorf("loaded summary = %+v, want %+v", loaded.Summarize(), rec.Tape().Summarize())
	}
	if loaded.Turns[0].Text != "persisted" {
		t.Errorf("loaded text = %q", loaded.Turns[0].Text)
	}
}
