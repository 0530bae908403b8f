package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/haasonsaas/ensemble/internal/agent"
	"github.com/haasonsaas/ensemble/internal/agent/providers"
	"github.com/haasonsaas/ensemble/internal/embeddings"
	catalog "github.com/haasonsaas/ensemble/internal/models"
	"github.com/haasonsaas/ensemble/internal/observability"
	"github.com/haasonsaas/ensemble/internal/ratelimit"
	"github.com/haasonsaas/ensemble/pkg/models"
)

func testCatalog() *catalog.Catalog {
	cat := catalog.NewEmptyCatalog()
	cat.Register(&catalog.Model{
		ID:            "test-model",
		Provider:      catalog.ProviderTest,
		Class:         "test",
		ContextWindow: 100000,
		Capabilities:  []catalog.Capability{catalog.CapTools, catalog.CapStreaming, catalog.CapEmbeddings},
	})
	cat.RegisterClass(&catalog.Class{Name: "test", Models: []string{"test-model"}})
	return cat
}

func newTestRuntime(t *testing.T, cfg providers.TestConfig, mutate func(*Options)) (*Runtime, *providers.TestProvider) {
	t.Helper()
	provider := providers.NewTestProvider(cfg)
	opts := Options{
		Catalog:        testCatalog(),
		SummariesDir:   t.TempDir(),
		LookupEnv:      func(string) string { return "" },
		ExtraProviders: map[string]agent.Provider{"test": provider},
		Logger:         observability.NewNopLogger(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	rt, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(rt.Close)
	return rt, provider
}

func drainEvents(t *testing.T, events <-chan models.Event) []models.Event {
	t.Helper()
	var out []models.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, event)
		case <-timeout:
			t.Fatalf("stream did not close; got %d events", len(out))
		}
	}
}

func chatAgent() *agent.Definition {
	return &agent.Definition{
		AgentID:       "asst",
		Name:          "Assistant",
		ModelClass:    "test",
		HistoryThread: "conv",
	}
}

func TestRuntime_ChatStreamsAndGrowsThread(t *testing.T) {
	rt, provider := newTestRuntime(t, providers.TestConfig{FixedResponse: "hello"}, nil)

	events, err := rt.Chat(context.Background(), chatAgent(), "Say hello")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	result := agent.Aggregate(replayEvents(drainEvents(t, events)))
	if result.Message != "hello" || !result.Completed {
		t.Fatalf("result = %q completed=%v, want hello/true", result.Message, result.Completed)
	}
	if provider.Calls() != 1 {
		t.Errorf("provider calls = %d, want 1", provider.Calls())
	}

	thread, err := rt.Thread("conv")
	if err != nil {
		t.Fatalf("Thread: %v", err)
	}
	// user turn + assistant output + mirrored response output land in history.
	if thread.Len() < 2 {
		t.Errorf("thread has %d messages after one turn", thread.Len())
	}

	before := thread.Len()
	events, err = rt.Chat(context.Background(), chatAgent(), "Again")
	if err != nil {
		t.Fatalf("second Chat: %v", err)
	}
	drainEvents(t, events)
	if thread.Len() <= before {
		t.Errorf("thread did not grow: %d -> %d", before, thread.Len())
	}
}

func replayEvents(events []models.Event) <-chan models.Event {
	ch := make(chan models.Event, len(events))
	for _, e := range events {
		ch <- e
	}
	close(ch)
	return ch
}

func TestRuntime_EmptyHistoryThreadIsError(t *testing.T) {
	rt, _ := newTestRuntime(t, providers.TestConfig{FixedResponse: "x"}, nil)

	def := chatAgent()
	def.HistoryThread = ""
	if _, err := rt.Chat(context.Background(), def, "hi"); err == nil {
		t.Fatal("Chat accepted an agent without a history thread")
	}
	if _, err := rt.Run(context.Background(), def); err == nil {
		t.Fatal("Run accepted an agent without a history thread")
	}
	if _, err := rt.Thread(""); err == nil {
		t.Fatal("Thread accepted an empty name")
	}
}

func TestRuntime_DefaultClassServesUnpinnedAgents(t *testing.T) {
	rt, _ := newTestRuntime(t, providers.TestConfig{FixedResponse: "ok"}, func(o *Options) {
		o.DefaultClass = "test"
	})

	def := chatAgent()
	def.ModelClass = ""
	events, err := rt.Chat(context.Background(), def, "hi")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	result := agent.Aggregate(replayEvents(drainEvents(t, events)))
	if result.Message != "ok" || !result.Completed {
		t.Errorf("result = %q completed=%v", result.Message, result.Completed)
	}
}

func TestRuntime_SharedThreadAcrossAgents(t *testing.T) {
	rt, _ := newTestRuntime(t, providers.TestConfig{FixedResponse: "ok"}, nil)

	a, err := rt.Thread("shared")
	if err != nil {
		t.Fatal(err)
	}
	b, err := rt.Thread("shared")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Error("same thread name produced distinct histories")
	}
	c, err := rt.Thread("other")
	if err != nil {
		t.Fatal(err)
	}
	if a == c {
		t.Error("distinct thread names share a history")
	}
}

func TestRuntime_MissingAdapterSurfacesNoProvider(t *testing.T) {
	cat := catalog.NewEmptyCatalog()
	cat.Register(&catalog.Model{
		ID:            "gpt-4o",
		Provider:      catalog.ProviderOpenAI,
		Class:         "test",
		ContextWindow: 128000,
	})
	cat.RegisterClass(&catalog.Class{Name: "test", Models: []string{"gpt-4o"}})

	rt, err := New(Options{
		Catalog:      cat,
		SummariesDir: t.TempDir(),
		LookupEnv:    func(string) string { return "" },
		Logger:       observability.NewNopLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(rt.Close)

	events, err := rt.Chat(context.Background(), chatAgent(), "hi")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	all := drainEvents(t, events)
	last := all[len(all)-1]
	if last.Type != models.EventError || last.Error == nil || last.Error.Code != "NO_PROVIDER" {
		t.Fatalf("last event = %+v, want NO_PROVIDER error", last)
	}
}

func TestRuntime_BuiltinToolsRegistered(t *testing.T) {
	rt, _ := newTestRuntime(t, providers.TestConfig{}, nil)

	for _, name := range []string{
		"task_complete", "task_fatal_error",
		"get_running_tools", "wait_for_running_tool", "get_tool_status",
		"read_source", "write_source",
	} {
		if _, ok := rt.Registry().Get(name); !ok {
			t.Errorf("built-in %s not registered", name)
		}
	}
}

func TestRuntime_RateLimitErrorMarksGuard(t *testing.T) {
	// No retry-after hint: retries stay fast while the guard applies its
	// default cooldown, which outlives the assertions below.
	rateErr := agent.NewRequestError(agent.KindRateLimit, "test", "throttled")
	rt, provider := newTestRuntime(t, providers.TestConfig{
		ShouldError: true,
		Error:       rateErr,
	}, nil)

	def := chatAgent()
	def.Retry = agent.RetryOptions{MaxRetries: 1, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	events, err := rt.Chat(context.Background(), def, "hi")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	drainEvents(t, events)

	if provider.Calls() != 2 {
		t.Errorf("provider calls = %d, want 2 (original + one retry)", provider.Calls())
	}
	key := ratelimit.CompositeKey("test", "test-model")
	if rt.Guard().HasQuota(key) {
		t.Error("guard still reports quota after rate limit errors")
	}
	if rt.Guard().CooldownRemaining(key) <= 0 {
		t.Error("no cooldown recorded for the rate limited model")
	}
}

func TestRuntime_EmbedCachesAcrossCalls(t *testing.T) {
	rt, provider := newTestRuntime(t, providers.TestConfig{EmbedDimensions: 8}, nil)

	vec, err := rt.Embed(context.Background(), "alpha", embeddings.Options{Model: "test-model"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 8 {
		t.Fatalf("vector has %d dims, want 8", len(vec))
	}
	if _, err := rt.Embed(context.Background(), "alpha", embeddings.Options{Model: "test-model"}); err != nil {
		t.Fatalf("second Embed: %v", err)
	}
	if provider.EmbedCalls() != 1 {
		t.Errorf("adapter embed calls = %d, want 1", provider.EmbedCalls())
	}

	vecs, err := rt.EmbedBatch(context.Background(), []string{"alpha", "beta"}, embeddings.Options{Model: "test-model"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != 2 {
		t.Fatalf("batch returned %d vectors, want 2", len(vecs))
	}
	if provider.EmbedCalls() != 2 {
		t.Errorf("adapter embed calls after batch = %d, want 2 (beta only)", provider.EmbedCalls())
	}
}

func TestRuntime_SpeakWithoutVoiceAdapter(t *testing.T) {
	rt, _ := newTestRuntime(t, providers.TestConfig{}, nil)

	if _, err := rt.Speak(context.Background(), agent.VoiceRequest{Text: "hi"}); err == nil {
		t.Fatal("Speak succeeded with no voice-capable adapter")
	}
}

func TestRuntime_ProviderNamesSorted(t *testing.T) {
	rt, _ := newTestRuntime(t, providers.TestConfig{}, func(o *Options) {
		o.ExtraProviders["zeta"] = providers.NewTestProvider(providers.TestConfig{})
		o.ExtraProviders["alpha"] = providers.NewTestProvider(providers.TestConfig{})
	})

	names := rt.ProviderNames()
	want := []string{"alpha", "test", "zeta"}
	if len(names) != len(want) {
		t.Fatalf("names = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("names = %v, want %v", names, want)
		}
	}
}
