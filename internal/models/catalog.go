// Package models provides the catalog of LLM models: identities, aliases,
// capabilities, context windows, price tables, and named model classes.
package models

import (
	"sort"
	"strings"
	"sync"
)

// Provider identifies an LLM backend.
type Provider string

const (
	ProviderOpenAI     Provider = "openai"
	ProviderAnthropic  Provider = "anthropic"
	ProviderGoogle     Provider = "google"
	ProviderXAI        Provider = "xai"
	ProviderDeepSeek   Provider = "deepseek"
	ProviderOpenRouter Provider = "openrouter"
	ProviderElevenLabs Provider = "elevenlabs"
	ProviderTest       Provider = "test"
)

// CredentialEnv returns the environment variable that carries the provider's
// API key. An empty return means the provider needs no key.
func (p Provider) CredentialEnv() string {
	switch p {
	case ProviderOpenAI:
		return "OPENAI_API_KEY"
	case ProviderAnthropic:
		return "ANTHROPIC_API_KEY"
	case ProviderGoogle:
		return "GOOGLE_API_KEY"
	case ProviderXAI:
		return "XAI_API_KEY"
	case ProviderDeepSeek:
		return "DEEPSEEK_API_KEY"
	case ProviderOpenRouter:
		return "OPENROUTER_API_KEY"
	case ProviderElevenLabs:
		return "ELEVENLABS_API_KEY"
	default:
		return ""
	}
}

// Capability identifies something a model can do.
type Capability string

const (
	CapTools         Capability = "tools"
	CapVision        Capability = "vision"
	CapStreaming     Capability = "streaming"
	CapJSON          Capability = "json"
	CapReasoning     Capability = "reasoning"
	CapEmbeddings    Capability = "embeddings"
	CapImageGen      Capability = "image_gen"
	CapVoice         Capability = "voice"
	CapTranscription Capability = "transcription"
	CapLongContext   Capability = "long_context"
	CapCaching       Capability = "caching"
)

// PriceTier is one bucket of a cumulative-usage price table. A tier applies
// while the model's cumulative token count (input+output since tracker
// creation) is at most UpToTokens; UpToTokens 0 means unbounded.
type PriceTier struct {
	UpToTokens            int64   `json:"up_to_tokens,omitempty"`
	InputPerMillion       float64 `json:"input_per_million"`
	OutputPerMillion      float64 `json:"output_per_million"`
	CachedInputPerMillion float64 `json:"cached_input_per_million,omitempty"`
}

// PriceWindow is a wall-clock pricing override, e.g. off-peak discounts.
// Start and End are "HH:MM" in UTC; a window may wrap midnight.
type PriceWindow struct {
	Start                 string  `json:"start"`
	End                   string  `json:"end"`
	InputPerMillion       float64 `json:"input_per_million"`
	OutputPerMillion      float64 `json:"output_per_million"`
	CachedInputPerMillion float64 `json:"cached_input_per_million,omitempty"`
}

// Cost is a model's price table in USD. Flat per-million rates apply unless
// a tier (by cumulative usage) or window (by wall clock) overrides them.
type Cost struct {
	InputPerMillion       float64       `json:"input_per_million,omitempty"`
	OutputPerMillion      float64       `json:"output_per_million,omitempty"`
	CachedInputPerMillion float64       `json:"cached_input_per_million,omitempty"`
	PerImage              float64       `json:"per_image,omitempty"`
	Tiers                 []PriceTier   `json:"tiers,omitempty"`
	Windows               []PriceWindow `json:"windows,omitempty"`
}

// Zero reports whether the table carries no pricing at all, meaning cost
// must come from the wire or be recorded as zero.
func (c Cost) Zero() bool {
	return c.InputPerMillion == 0 && c.OutputPerMillion == 0 &&
		c.CachedInputPerMillion == 0 && c.PerImage == 0 &&
		len(c.Tiers) == 0 && len(c.Windows) == 0
}

// Model describes one catalog entry.
type Model struct {
	// ID is the model identifier used in API calls.
	ID string `json:"id"`

	// Name is a human-readable name.
	Name string `json:"name,omitempty"`

	// Provider is the LLM backend serving this model.
	Provider Provider `json:"provider"`

	// Class names the model class this entry belongs to.
	Class string `json:"class,omitempty"`

	// ContextWindow is the maximum context size in tokens.
	ContextWindow int `json:"context_window"`

	// MaxOutputTokens is the maximum output size.
	MaxOutputTokens int `json:"max_output_tokens,omitempty"`

	// Capabilities lists what the model can do.
	Capabilities []Capability `json:"capabilities,omitempty"`

	// Aliases are alternative names accepted for this model.
	Aliases []string `json:"aliases,omitempty"`

	// Cost is the price table.
	Cost Cost `json:"cost,omitempty"`

	// Score is the default selection weight when the agent supplies none.
	// Zero means unset; the selector then uses its own default.
	Score int `json:"score,omitempty"`
}

// HasCapability checks whether the model has a specific capability.
func (m *Model) HasCapability(cap Capability) bool {
	for _, c := range m.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// SupportsTools reports whether the model supports function calling.
func (m *Model) SupportsTools() bool { return m.HasCapability(CapTools) }

// Class is a named group of models the selector can pick from.
// Random selects by weighted random; otherwise the first available wins.
type Class struct {
	Name   string   `json:"name"`
	Models []string `json:"models"`
	Random bool     `json:"random,omitempty"`
}

// Catalog manages models, aliases, and classes. Safe for concurrent use.
type Catalog struct {
	mu      sync.RWMutex
	models  map[string]*Model
	aliases map[string]string
	classes map[string]*Class
}

// NewCatalog creates a catalog preloaded with the built-in models and classes.
func NewCatalog() *Catalog {
	c := NewEmptyCatalog()
	c.registerBuiltins()
	return c
}

// NewEmptyCatalog creates a catalog with no entries. Tests and config-driven
// setups register their own.
func NewEmptyCatalog() *Catalog {
	return &Catalog{
		models:  make(map[string]*Model),
		aliases: make(map[string]string),
		classes: make(map[string]*Class),
	}
}

// Register adds or replaces a model and its aliases.
func (c *Catalog) Register(model *Model) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.models[model.ID] = model
	for _, alias := range model.Aliases {
		c.aliases[strings.ToLower(alias)] = model.ID
	}
}

// RegisterClass adds or replaces a model class.
func (c *Catalog) RegisterClass(class *Class) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.classes[class.Name] = class
}

// Get retrieves a model by ID or alias.
func (c *Catalog) Get(id string) (*Model, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if model, ok := c.models[id]; ok {
		return model, true
	}
	if realID, ok := c.aliases[strings.ToLower(id)]; ok {
		return c.models[realID], true
	}
	return nil, false
}

// Resolve normalizes an ID or alias to the canonical model ID. Unknown ids
// pass through unchanged so adapters can serve uncataloged models.
func (c *Catalog) Resolve(id string) string {
	if m, ok := c.Get(id); ok {
		return m.ID
	}
	return id
}

// Class retrieves a class by name.
func (c *Catalog) Class(name string) (*Class, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	class, ok := c.classes[name]
	return class, ok
}

// List returns all models matching the filter, sorted by provider then ID.
func (c *Catalog) List(filter *Filter) []*Model {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var result []*Model
	for _, model := range c.models {
		if filter.Matches(model) {
			result = append(result, model)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Provider != result[j].Provider {
			return result[i].Provider < result[j].Provider
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// ListByProvider returns all models served by a provider.
func (c *Catalog) ListByProvider(provider Provider) []*Model {
	return c.List(&Filter{Providers: []Provider{provider}})
}

// Filter selects models in List queries.
type Filter struct {
	Providers            []Provider
	RequiredCapabilities []Capability
	MinContextWindow     int
}

// Matches checks whether a model passes the filter. A nil filter matches all.
func (f *Filter) Matches(m *Model) bool {
	if f == nil {
		return true
	}
	if len(f.Providers) > 0 {
		found := false
		for _, p := range f.Providers {
			if p == m.Provider {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, cap := range f.RequiredCapabilities {
		if !m.HasCapability(cap) {
			return false
		}
	}
	if f.MinContextWindow > 0 && m.ContextWindow < f.MinContextWindow {
		return false
	}
	return true
}
