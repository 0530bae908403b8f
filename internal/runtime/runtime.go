// Package runtime assembles the full stack behind one handle: catalog,
// cost tracker, quota guard, model selector, tool registry and executor,
// running-tool tracker, pause controller, history threads, summary store,
// embedding cache, and the provider adapters discovered from the
// environment. Nothing here is global; tests build fresh Runtimes.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/ensemble/internal/agent"
	"github.com/haasonsaas/ensemble/internal/agent/providers"
	"github.com/haasonsaas/ensemble/internal/embeddings"
	"github.com/haasonsaas/ensemble/internal/history"
	catalog "github.com/haasonsaas/ensemble/internal/models"
	"github.com/haasonsaas/ensemble/internal/observability"
	"github.com/haasonsaas/ensemble/internal/ratelimit"
	"github.com/haasonsaas/ensemble/internal/routing"
	"github.com/haasonsaas/ensemble/internal/summaries"
	"github.com/haasonsaas/ensemble/internal/tools"
	"github.com/haasonsaas/ensemble/internal/usage"
	"github.com/haasonsaas/ensemble/pkg/models"
)

// Defaults applied when Options leaves the field zero.
const (
	DefaultClass          = "standard"
	DefaultSummaryClass   = "mini"
	DefaultEmbeddingModel = "text-embedding-3-small"
	DefaultSummariesDir   = "./summaries"
)

// Options configures a Runtime. The zero value is usable: the built-in
// catalog, credentials from the environment, and the package defaults.
type Options struct {
	// Catalog overrides the built-in model catalog.
	Catalog *catalog.Catalog

	// DefaultClass selects the model class for agents that pin neither a
	// model nor a class. Default "standard".
	DefaultClass string

	// SummaryClass selects the class of the history compaction summarizer.
	// Default "mini".
	SummaryClass string

	// DefaultEmbeddingModel applies when an embedding call names no model.
	DefaultEmbeddingModel string

	// SummariesDir roots the condensed-output store. Default "./summaries".
	SummariesDir string

	// MaxConcurrency bounds parallel tool executions per request.
	MaxConcurrency int

	// DefaultToolTimeout is the per-call wall budget for tools without
	// their own.
	DefaultToolTimeout time.Duration

	// MaxResultLength is the tool-output limit before condensing or
	// truncation.
	MaxResultLength int

	// TrackerGrace is how long settled running-tool entries stay readable.
	TrackerGrace time.Duration

	// RateLimit configures the quota guard. Nil applies
	// ratelimit.DefaultConfig().
	RateLimit *ratelimit.Config

	// Voice is the default ElevenLabs voice id.
	Voice string

	// OpenRouterAppName and OpenRouterSiteURL populate OpenRouter's
	// attribution headers.
	OpenRouterAppName string
	OpenRouterSiteURL string

	// LookupEnv resolves credential environment variables. Defaults to
	// os.Getenv; tests inject their own.
	LookupEnv func(key string) string

	// ExtraProviders installs or overrides adapters by name after the
	// environment scan. The deterministic test adapter goes here.
	ExtraProviders map[string]agent.Provider

	// HTTPClient is used by the raw REST adapters.
	HTTPClient *http.Client

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// Runtime is the assembled stack. Safe for concurrent use; every request
// carries its own state through the orchestrator.
type Runtime struct {
	catalog    *catalog.Catalog
	usage      *usage.Tracker
	guard      *ratelimit.Guard
	selector   *routing.Selector
	registry   *agent.Registry
	queue      *agent.SequentialQueue
	pause      *agent.PauseController
	running    *agent.RunningToolTracker
	executor   *agent.Executor
	orch       *agent.Orchestrator
	summaries  *summaries.Store
	embeddings *embeddings.Service

	logger  *observability.Logger
	metrics *observability.Metrics

	defaultClass string
	summaryClass string

	mu        sync.Mutex
	providers map[string]agent.Provider
	threads   map[string]*history.History

	usageObs int
	hasObs   bool
}

// Interfaces the orchestrator consumes.
var (
	_ agent.ModelResolver  = (*Runtime)(nil)
	_ agent.ProviderSource = (*Runtime)(nil)
)

// New assembles a Runtime. The returned handle owns background resources;
// call Close when done.
func New(opts Options) (*Runtime, error) {
	if opts.Logger == nil {
		opts.Logger = observability.NewLogger(observability.LogConfig{})
	}
	if opts.Catalog == nil {
		opts.Catalog = catalog.NewCatalog()
	}
	if opts.DefaultClass == "" {
		opts.DefaultClass = DefaultClass
	}
	if opts.SummaryClass == "" {
		opts.SummaryClass = DefaultSummaryClass
	}
	if opts.DefaultEmbeddingModel == "" {
		opts.DefaultEmbeddingModel = DefaultEmbeddingModel
	}
	if opts.SummariesDir == "" {
		opts.SummariesDir = DefaultSummariesDir
	}

	guardConfig := ratelimit.DefaultConfig()
	if opts.RateLimit != nil {
		guardConfig = *opts.RateLimit
	}

	r := &Runtime{
		catalog:      opts.Catalog,
		usage:        usage.NewTracker(opts.Catalog, opts.Logger.Slog()),
		guard:        ratelimit.NewGuard(guardConfig),
		registry:     agent.NewRegistry(),
		queue:        agent.NewSequentialQueue(),
		pause:        agent.NewPauseController(),
		running:      agent.NewRunningToolTracker(opts.TrackerGrace, opts.Logger),
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		defaultClass: opts.DefaultClass,
		summaryClass: opts.SummaryClass,
		providers:    make(map[string]agent.Provider),
		threads:      make(map[string]*history.History),
	}

	r.selector = routing.NewSelector(routing.Config{
		Catalog:   opts.Catalog,
		Quota:     r.guard,
		LookupEnv: opts.LookupEnv,
		Logger:    opts.Logger,
	})

	store, err := summaries.Open(summaries.Config{Dir: opts.SummariesDir, Logger: opts.Logger})
	if err != nil {
		return nil, fmt.Errorf("runtime: open summary store: %w", err)
	}
	r.summaries = store

	r.executor = agent.NewExecutor(agent.ExecutorConfig{
		Registry:        r.registry,
		Running:         r.running,
		Queue:           r.queue,
		MaxConcurrency:  opts.MaxConcurrency,
		DefaultTimeout:  opts.DefaultToolTimeout,
		MaxResultLength: opts.MaxResultLength,
		Condense:        store.Condense,
		Logger:          opts.Logger,
		Metrics:         opts.Metrics,
	})

	r.orch = agent.NewOrchestrator(agent.OrchestratorConfig{
		Resolver:  r,
		Providers: r,
		Executor:  r.executor,
		Registry:  r.registry,
		Pause:     r.pause,
		Running:   r.running,
		Queue:     r.queue,
		Logger:    opts.Logger,
		Metrics:   opts.Metrics,
	})

	r.buildProviders(opts)
	for name, p := range opts.ExtraProviders {
		r.providers[name] = p
	}

	svc, err := embeddings.New(embeddings.Config{
		Resolve:      r.embedderFor,
		DefaultModel: opts.DefaultEmbeddingModel,
		Logger:       opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("runtime: embeddings: %w", err)
	}
	r.embeddings = svc

	tools.Register(r.registry, tools.Deps{Running: r.running, Summaries: store})

	if opts.Metrics != nil {
		r.usageObs = r.usage.OnAddUsage(func(record models.UsageRecord) {
			provider := "unknown"
			if m, ok := r.catalog.Get(record.Model); ok {
				provider = string(m.Provider)
			}
			opts.Metrics.RecordUsage(provider, record.Model, record.InputTokens, record.OutputTokens, record.CachedTokens, record.Cost)
		})
		r.hasObs = true
	}

	return r, nil
}

// buildProviders constructs an adapter for every provider whose credential
// is present in the environment. A failed construction logs and skips; the
// selector's credential filter keeps its models out of the candidate set
// anyway.
func (r *Runtime) buildProviders(opts Options) {
	lookup := opts.LookupEnv
	if lookup == nil {
		lookup = os.Getenv
	}
	ctx := context.Background()

	add := func(name string, p agent.Provider, err error) {
		if err != nil {
			r.logger.Warn(ctx, "provider adapter unavailable", "provider", name, "error", err)
			return
		}
		r.providers[name] = p
	}

	if key := lookup(catalog.ProviderOpenAI.CredentialEnv()); key != "" {
		p, err := providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey: key, Usage: r.usage, Logger: r.logger,
		})
		add(string(catalog.ProviderOpenAI), p, err)
	}
	if key := lookup(catalog.ProviderAnthropic.CredentialEnv()); key != "" {
		p, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey: key, Usage: r.usage, Logger: r.logger,
		})
		add(string(catalog.ProviderAnthropic), p, err)
	}
	if key := lookup(catalog.ProviderGoogle.CredentialEnv()); key != "" {
		p, err := providers.NewGoogleProvider(providers.GoogleConfig{
			APIKey: key, Usage: r.usage, Logger: r.logger,
		})
		add(string(catalog.ProviderGoogle), p, err)
	}
	if key := lookup(catalog.ProviderXAI.CredentialEnv()); key != "" {
		p, err := providers.NewXAIProvider(providers.CompatConfig{
			APIKey: key, Usage: r.usage, Logger: r.logger,
		})
		add(string(catalog.ProviderXAI), p, err)
	}
	if key := lookup(catalog.ProviderDeepSeek.CredentialEnv()); key != "" {
		p, err := providers.NewDeepSeekProvider(providers.CompatConfig{
			APIKey: key, Usage: r.usage, Logger: r.logger,
		})
		add(string(catalog.ProviderDeepSeek), p, err)
	}
	if key := lookup(catalog.ProviderOpenRouter.CredentialEnv()); key != "" {
		p, err := providers.NewOpenRouterProvider(providers.CompatConfig{
			APIKey:  key,
			AppName: opts.OpenRouterAppName,
			SiteURL: opts.OpenRouterSiteURL,
			Usage:   r.usage,
			Logger:  r.logger,
		})
		add(string(catalog.ProviderOpenRouter), p, err)
	}
	if key := lookup(catalog.ProviderElevenLabs.CredentialEnv()); key != "" {
		p, err := providers.NewElevenLabsProvider(providers.ElevenLabsConfig{
			APIKey:     key,
			Voice:      opts.Voice,
			HTTPClient: opts.HTTPClient,
			Usage:      r.usage,
			Logger:     r.logger,
		})
		add(string(catalog.ProviderElevenLabs), p, err)
	}
}

// ResolveModel satisfies agent.ModelResolver: it maps the agent's model
// preferences to a concrete catalog entry through the selector. Agents that
// pin neither model nor class draw from the runtime's default class.
func (r *Runtime) ResolveModel(ctx context.Context, def *agent.Definition) (agent.ResolvedModel, error) {
	req := routing.Request{
		Model:    def.Model,
		Class:    def.ModelClass,
		Disabled: def.DisabledModels,
		Scores:   def.ModelScores,
	}
	if req.Model == "" && req.Class == "" {
		req.Class = r.defaultClass
	}
	m, err := r.selector.Select(ctx, req)
	if err != nil {
		return agent.ResolvedModel{}, err
	}
	return agent.ResolvedModel{
		ID:              m.ID,
		Provider:        string(m.Provider),
		ContextWindow:   m.ContextWindow,
		MaxOutputTokens: m.MaxOutputTokens,
	}, nil
}

// Provider satisfies agent.ProviderSource. The returned adapter reports
// rate-limit and quota errors to the guard so later rounds route around the
// cooling backend.
func (r *Runtime) Provider(name string) (agent.Provider, bool) {
	r.mu.Lock()
	p, ok := r.providers[name]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	return &quotaWatch{inner: p, guard: r.guard}, true
}

// RegisterProvider installs or replaces a provider adapter by name.
func (r *Runtime) RegisterProvider(name string, p agent.Provider) {
	r.mu.Lock()
	r.providers[name] = p
	r.mu.Unlock()
}

// ProviderNames lists the configured adapters, sorted.
func (r *Runtime) ProviderNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Thread returns the named history thread, creating it on first use. Agents
// naming the same thread converse over the same log.
func (r *Runtime) Thread(name string) (*history.History, error) {
	if name == "" {
		return nil, errors.New("runtime: history thread name is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.threads[name]; ok {
		return t, nil
	}
	t := history.New(history.Config{
		Summarize: r.summarize,
		Logger:    r.logger,
		Metrics:   r.metrics,
	})
	r.threads[name] = t
	return t, nil
}

func (r *Runtime) threadFor(def *agent.Definition) (*history.History, error) {
	if def == nil {
		return nil, errors.New("runtime: nil agent definition")
	}
	if def.HistoryThread == "" {
		return nil, fmt.Errorf("runtime: agent %q names no history thread", def.AgentID)
	}
	return r.Thread(def.HistoryThread)
}

// Run streams one turn for the definition over its named history thread.
// The thread must already hold the turn's input; Chat appends it for you.
func (r *Runtime) Run(ctx context.Context, def *agent.Definition) (<-chan models.Event, error) {
	thread, err := r.threadFor(def)
	if err != nil {
		return nil, err
	}
	return r.orch.Run(ctx, def, thread), nil
}

// Chat appends the user text to the agent's thread and streams the turn.
func (r *Runtime) Chat(ctx context.Context, def *agent.Definition, text string) (<-chan models.Event, error) {
	thread, err := r.threadFor(def)
	if err != nil {
		return nil, err
	}
	thread.Add(ctx, models.NewUserMessage(text))
	return r.orch.Run(ctx, def, thread), nil
}

// Embed returns the embedding vector for one text through the TTL cache.
func (r *Runtime) Embed(ctx context.Context, text string, opts embeddings.Options) ([]float64, error) {
	return r.embeddings.Embed(ctx, text, opts)
}

// EmbedBatch embeds many texts, fetching only cache misses upstream.
func (r *Runtime) EmbedBatch(ctx context.Context, texts []string, opts embeddings.Options) ([][]float64, error) {
	return r.embeddings.EmbedBatch(ctx, texts, opts)
}

// Speak synthesizes speech. The model picks the adapter through the catalog;
// with no model the first voice-capable adapter serves.
func (r *Runtime) Speak(ctx context.Context, req agent.VoiceRequest) (io.ReadCloser, error) {
	p, err := r.adapterFor(req.Model, func(p agent.Provider) bool {
		_, ok := p.(agent.VoiceSynthesizer)
		return ok
	})
	if err != nil {
		return nil, fmt.Errorf("runtime: speak: %w", err)
	}
	return p.(agent.VoiceSynthesizer).CreateVoice(ctx, req)
}

// Transcribe converts audio to text. The model picks the adapter through the
// catalog; with no model the first transcription-capable adapter serves.
func (r *Runtime) Transcribe(ctx context.Context, req agent.TranscriptionRequest) <-chan agent.TranscriptionEvent {
	p, err := r.adapterFor(req.Model, func(p agent.Provider) bool {
		_, ok := p.(agent.Transcriber)
		return ok
	})
	if err != nil {
		out := make(chan agent.TranscriptionEvent, 1)
		out <- agent.TranscriptionEvent{Err: fmt.Errorf("runtime: transcribe: %w", err)}
		close(out)
		return out
	}
	return p.(agent.Transcriber).CreateTranscription(ctx, req)
}

// GenerateImage produces images. The model picks the adapter through the
// catalog; with no model the first image-capable adapter serves.
func (r *Runtime) GenerateImage(ctx context.Context, req agent.ImageRequest) ([]agent.GeneratedImage, error) {
	p, err := r.adapterFor(req.Model, func(p agent.Provider) bool {
		_, ok := p.(agent.ImageCreator)
		return ok
	})
	if err != nil {
		return nil, fmt.Errorf("runtime: generate image: %w", err)
	}
	return p.(agent.ImageCreator).CreateImage(ctx, req)
}

// adapterFor finds the raw adapter serving the model, or the first adapter
// (by name order) passing the capability check when model is empty.
func (r *Runtime) adapterFor(model string, capable func(agent.Provider) bool) (agent.Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if model != "" {
		m, ok := r.catalog.Get(model)
		if !ok {
			return nil, fmt.Errorf("unknown model %q", model)
		}
		p, ok := r.providers[string(m.Provider)]
		if !ok {
			return nil, agent.NewRequestError(agent.KindNoProvider, string(m.Provider),
				fmt.Sprintf("no adapter configured for provider %s", m.Provider))
		}
		if !capable(p) {
			return nil, fmt.Errorf("provider %s does not support this operation", m.Provider)
		}
		return p, nil
	}

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if p := r.providers[name]; capable(p) {
			return p, nil
		}
	}
	return nil, errors.New("no capable adapter configured")
}

// embedderFor resolves the embedding adapter for a model id.
func (r *Runtime) embedderFor(model string) (agent.Embedder, error) {
	p, err := r.adapterFor(model, func(p agent.Provider) bool {
		_, ok := p.(agent.Embedder)
		return ok
	})
	if err != nil {
		return nil, err
	}
	return p.(agent.Embedder), nil
}

// summarize condenses overflowing history through the summary model class.
// Compaction falls back to its structural digest when this fails.
func (r *Runtime) summarize(ctx context.Context, text, instructions string) (string, error) {
	m, err := r.selector.Select(ctx, routing.Request{Class: r.summaryClass})
	if err != nil {
		return "", err
	}
	p, ok := r.Provider(string(m.Provider))
	if !ok {
		return "", agent.NewRequestError(agent.KindNoProvider, string(m.Provider),
			fmt.Sprintf("no adapter configured for provider %s", m.Provider))
	}
	result := agent.Aggregate(p.OpenStream(ctx, agent.StreamRequest{
		RequestID:    uuid.NewString(),
		Model:        m.ID,
		Instructions: instructions,
		Messages:     []models.Message{models.NewUserMessage(text)},
	}))
	if result.Error != "" {
		return "", errors.New(result.Error)
	}
	return result.Message, nil
}

// Catalog returns the model catalog.
func (r *Runtime) Catalog() *catalog.Catalog { return r.catalog }

// Usage returns the cost tracker.
func (r *Runtime) Usage() *usage.Tracker { return r.usage }

// Registry returns the tool registry. Callers add their own tools here.
func (r *Runtime) Registry() *agent.Registry { return r.registry }

// Running returns the running-tool tracker.
func (r *Runtime) Running() *agent.RunningToolTracker { return r.running }

// Guard returns the quota guard.
func (r *Runtime) Guard() *ratelimit.Guard { return r.guard }

// Summaries returns the condensed-output store.
func (r *Runtime) Summaries() *summaries.Store { return r.summaries }

// Embeddings returns the embedding service.
func (r *Runtime) Embeddings() *embeddings.Service { return r.embeddings }

// Pause suspends every agent's round boundaries until Resume.
func (r *Runtime) Pause() { r.pause.Pause() }

// Resume releases a Pause.
func (r *Runtime) Resume() { r.pause.Resume() }

// Close releases background resources. In-flight streams are unaffected.
func (r *Runtime) Close() {
	if r.hasObs {
		r.usage.OffAddUsage(r.usageObs)
		r.hasObs = false
	}
	r.embeddings.Close()
}
