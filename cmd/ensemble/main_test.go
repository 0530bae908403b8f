package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/ensemble/internal/config"
	"github.com/haasonsaas/ensemble/pkg/models"
)

func TestRootCmdSubcommands(t *testing.T) {
	root := buildRootCmd()
	want := []string{"chat", "models", "usage", "embed", "speak", "transcribe", "config"}
	for _, name := range want {
		found := false
		for _, sub := range root.Commands() {
			if sub.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("subcommand %q missing", name)
		}
	}
}

// testConfig writes a minimal config pointing the summary store at a temp
// dir so commands leave no files behind.
func testConfig(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "ensemble.yaml")
	content := fmt.Sprintf("summaries:\n  dir: %s\n", filepath.Join(dir, "summaries"))
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ENSEMBLE_CONFIG", path)
}

func TestChatDryRun(t *testing.T) {
	testConfig(t)

	root := buildRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"chat", "--dry-run", "--show-usage", "Say hello"})

	if err := root.Execute(); err != nil {
		t.Fatalf("chat --dry-run error = %v\noutput:\n%s", err, out.String())
	}
	if !strings.Contains(out.String(), "This is a dry run") {
		t.Errorf("output missing dry-run response:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "test-model") {
		t.Errorf("usage summary missing test-model:\n%s", out.String())
	}
}

func TestConfigValidateCmd(t *testing.T) {
	testConfig(t)

	root := buildRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"config", "validate"})

	if err := root.Execute(); err != nil {
		t.Fatalf("config validate error = %v", err)
	}
	if !strings.Contains(out.String(), "OK") {
		t.Errorf("output = %q, want OK", out.String())
	}
}

func TestModelsCmd(t *testing.T) {
	testConfig(t)

	root := buildRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"models", "--provider", "anthropic"})

	if err := root.Execute(); err != nil {
		t.Fatalf("models error = %v", err)
	}
	if !strings.Contains(out.String(), "claude-") {
		t.Errorf("output missing anthropic models:\n%s", out.String())
	}
	if strings.Contains(out.String(), "gpt-") {
		t.Errorf("provider filter leaked other providers:\n%s", out.String())
	}
}

func TestRendererTranscript(t *testing.T) {
	var out bytes.Buffer
	r := newRenderer(&out, false)

	events := []models.Event{
		{Type: models.EventMessageStart, Message: &models.MessageEventPayload{MessageID: "m1"}},
		{Type: models.EventMessageDelta, Message: &models.MessageEventPayload{MessageID: "m1", Content: "he"}},
		{Type: models.EventMessageDelta, Message: &models.MessageEventPayload{MessageID: "m1", Content: "llo"}},
		{Type: models.EventToolStart, Tool: &models.ToolEventPayload{ToolCall: &models.ToolCall{
			CallID:   "c1",
			Function: models.FunctionInvocation{Name: "add", Arguments: `{"x":2}`},
		}}},
		{Type: models.EventToolDone, Tool: &models.ToolEventPayload{Result: &models.ToolCallResult{
			CallID: "c1",
			Output: "5",
		}}},
		{Type: models.EventStreamEnd},
	}
	for _, event := range events {
		if failed := r.handle(event); failed != "" {
			t.Fatalf("handle(%v) failed: %s", event.Type, failed)
		}
	}

	got := out.String()
	if !strings.Contains(got, "hello") {
		t.Errorf("transcript missing streamed text:\n%s", got)
	}
	if !strings.Contains(got, `add({"x":2})`) {
		t.Errorf("transcript missing tool call:\n%s", got)
	}
	if !strings.Contains(got, "↳ 5") {
		t.Errorf("transcript missing tool result:\n%s", got)
	}
}

func TestRendererTerminalError(t *testing.T) {
	var out bytes.Buffer
	r := newRenderer(&out, false)
	failed := r.handle(models.Event{
		Type:  models.EventError,
		Error: &models.ErrorEventPayload{Error: "rate limited", Code: "RATE_LIMIT"},
	})
	if failed != "rate limited" {
		t.Errorf("handle(error) = %q, want the error text", failed)
	}
}

func TestDefinitionFromConfigVerifier(t *testing.T) {
	cfg := &config.Config{Agents: []config.AgentConfig{
		{ID: "writer", Class: "standard", Verifier: "checker"},
		{ID: "checker", Class: "mini"},
	}}
	ac, _ := cfg.Agent("writer")
	def := definitionFromConfig(cfg, ac)
	if def.Verifier == nil || def.Verifier.AgentID != "checker" {
		t.Fatalf("verifier = %+v, want checker", def.Verifier)
	}
	if def.HistoryThread != "writer" {
		t.Errorf("HistoryThread = %q, want default to agent id", def.HistoryThread)
	}
	if def.Name != "writer" {
		t.Errorf("Name = %q, want default to agent id", def.Name)
	}
}

func TestClip(t *testing.T) {
	if got := clip("short", 10); got != "short" {
		t.Errorf("clip = %q", got)
	}
	long := strings.Repeat("a", 50)
	if got := clip(long, 10); len(got) != 10 || !strings.HasSuffix(got, "...") {
		t.Errorf("clip = %q", got)
	}
	if got := clip("a\nb", 10); got != "a b" {
		t.Errorf("clip newline = %q", got)
	}
}
