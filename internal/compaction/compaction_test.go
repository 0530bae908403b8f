package compaction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/haasonsaas/ensemble/pkg/models"
)

func TestEstimateTextTokens(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("x", 40), 10},
	}
	for _, tt := range tests {
		if got := EstimateTextTokens(tt.text); got != tt.want {
			t.Errorf("EstimateTextTokens(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func TestEstimateTokens_AllTextualFields(t *testing.T) {
	msg := models.Message{
		Type:      models.MessageTypeMessage,
		Role:      models.RoleAssistant,
		Content:   models.ContentParts{{Type: models.ContentPartText, Text: "abcd"}},
		Arguments: "efgh",
		Output:    "ijkl",
		Thinking:  &models.ThinkingBlock{Content: "mnop"},
	}

	if got := EstimateTokens(&msg); got != 4 {
		t.Errorf("EstimateTokens() = %d, want 4", got)
	}
	if EstimateTokens(nil) != 0 {
		t.Error("EstimateTokens(nil) should be 0")
	}
}

// fixedMsg returns a user message estimating to exactly 10 tokens.
func fixedMsg(label string) models.Message {
	text := label + strings.Repeat("x", 40-len(label))
	return models.NewUserMessage(text)
}

func TestPartitionHistory_TailShare(t *testing.T) {
	messages := make([]models.Message, 0, 10)
	messages = append(messages, models.NewSystemMessage(strings.Repeat("s", 40)))
	for i := 1; i < 10; i++ {
		messages = append(messages, fixedMsg(fmt.Sprintf("m%d", i)))
	}

	p := PartitionHistory(messages, nil, 0.3)

	// 100 tokens total, 30 token tail: the last three messages.
	if p.TailStart != 7 {
		t.Errorf("TailStart = %d, want 7", p.TailStart)
	}
	if len(p.Prelude) != 1 || p.Prelude[0] != 0 {
		t.Errorf("Prelude = %v, want [0]", p.Prelude)
	}
	wantCompactable := []int{1, 2, 3, 4, 5, 6}
	if len(p.Compactable) != len(wantCompactable) {
		t.Fatalf("Compactable = %v, want %v", p.Compactable, wantCompactable)
	}
	for i, idx := range wantCompactable {
		if p.Compactable[i] != idx {
			t.Errorf("Compactable[%d] = %d, want %d", i, p.Compactable[i], idx)
		}
	}
}

func TestPartitionHistory_PinnedJoinsPrelude(t *testing.T) {
	messages := make([]models.Message, 0, 10)
	messages = append(messages, models.NewSystemMessage(strings.Repeat("s", 40)))
	for i := 1; i < 10; i++ {
		messages = append(messages, fixedMsg(fmt.Sprintf("m%d", i)))
	}

	p := PartitionHistory(messages, map[int]bool{3: true}, 0.3)

	if len(p.Prelude) != 2 || p.Prelude[0] != 0 || p.Prelude[1] != 3 {
		t.Errorf("Prelude = %v, want [0 3]", p.Prelude)
	}
	for _, idx := range p.Compactable {
		if idx == 3 {
			t.Error("pinned message should not be compactable")
		}
	}
}

func TestPartitionHistory_KeepsToolPairsTogether(t *testing.T) {
	messages := []models.Message{
		fixedMsg("m0"),
		models.NewFunctionCall("fc1", "call-1", "lookup", strings.Repeat("a", 40)),
		models.NewFunctionCallOutput("call-1", strings.Repeat("b", 40), models.StatusCompleted),
		fixedMsg("m3"),
	}

	// 40 tokens total, 12 token target puts the naive boundary at the
	// output; the call must be pulled into the tail with it.
	p := PartitionHistory(messages, nil, 0.3)

	if p.TailStart != 1 {
		t.Errorf("TailStart = %d, want 1 (extended over the tool pair)", p.TailStart)
	}
	if len(p.Compactable) != 1 || p.Compactable[0] != 0 {
		t.Errorf("Compactable = %v, want [0]", p.Compactable)
	}
}

func TestPartitionHistory_SmallLogAllTail(t *testing.T) {
	messages := []models.Message{fixedMsg("m0")}

	p := PartitionHistory(messages, nil, 0.3)

	if p.TailStart != 0 {
		t.Errorf("TailStart = %d, want 0", p.TailStart)
	}
	if len(p.Compactable) != 0 {
		t.Errorf("Compactable = %v, want empty", p.Compactable)
	}
}

func TestSummarizeChunked_SingleCall(t *testing.T) {
	var gotText, gotInstructions string
	summarize := func(_ context.Context, text, instructions string) (string, error) {
		gotText = text
		gotInstructions = instructions
		return "condensed", nil
	}

	out, err := SummarizeChunked(context.Background(), summarize, "short conversation", 100)
	if err != nil {
		t.Fatalf("SummarizeChunked() error = %v", err)
	}
	if out != "condensed" {
		t.Errorf("SummarizeChunked() = %q, want %q", out, "condensed")
	}
	if gotText != "short conversation" {
		t.Errorf("summarizer received %q", gotText)
	}
	if gotInstructions != "" {
		t.Errorf("single-call instructions = %q, want empty", gotInstructions)
	}
}

func TestSummarizeChunked_SplitsAndMerges(t *testing.T) {
	line := strings.Repeat("x", 29) + "\n"
	text := line + line + line // 90 chars, 3 chunks at 40-char budget

	var calls []string
	summarize := func(_ context.Context, text, instructions string) (string, error) {
		calls = append(calls, instructions)
		return fmt.Sprintf("S%d", len(calls)), nil
	}

	out, err := SummarizeChunked(context.Background(), summarize, text, 10)
	if err != nil {
		t.Fatalf("SummarizeChunked() error = %v", err)
	}
	if out != "S4" {
		t.Errorf("SummarizeChunked() = %q, want merged S4", out)
	}
	if len(calls) != 4 {
		t.Fatalf("summarizer called %d times, want 4", len(calls))
	}
	if !strings.Contains(calls[0], "part 1 of 3") {
		t.Errorf("first instructions = %q, want part 1 of 3", calls[0])
	}
	if !strings.Contains(calls[3], "Merge") {
		t.Errorf("merge instructions = %q", calls[3])
	}
}

func TestSummarizeChunked_ChunkError(t *testing.T) {
	line := strings.Repeat("x", 29) + "\n"
	text := line + line + line

	wantErr := errors.New("model unavailable")
	call := 0
	summarize := func(_ context.Context, _, _ string) (string, error) {
		call++
		if call == 2 {
			return "", wantErr
		}
		return "ok", nil
	}

	_, err := SummarizeChunked(context.Background(), summarize, text, 10)
	if !errors.Is(err, wantErr) {
		t.Errorf("SummarizeChunked() error = %v, want wrapped %v", err, wantErr)
	}
	if err == nil || !strings.Contains(err.Error(), "chunk 2") {
		t.Errorf("error should name the failing chunk, got %v", err)
	}
}

func TestSummarizeChunked_NilSummarizer(t *testing.T) {
	_, err := SummarizeChunked(context.Background(), nil, "text", 10)
	if err == nil {
		t.Error("expected error for nil summarizer")
	}
}

func TestSplitTextChunks_HardCutsLongLine(t *testing.T) {
	text := strings.Repeat("y", 100)

	chunks := splitTextChunks(text, 10) // 40-char budget

	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	if len(chunks[0]) != 40 || len(chunks[1]) != 40 || len(chunks[2]) != 20 {
		t.Errorf("chunk lengths = %d,%d,%d, want 40,40,20",
			len(chunks[0]), len(chunks[1]), len(chunks[2]))
	}
}
