package models

// registerBuiltins loads the default catalog. Entries can be extended or
// replaced from configuration at startup.
func (c *Catalog) registerBuiltins() {
	// OpenAI
	c.Register(&Model{
		ID:              "gpt-5",
		Name:            "GPT-5",
		Provider:        ProviderOpenAI,
		Class:           "flagship",
		ContextWindow:   400000,
		MaxOutputTokens: 128000,
		Capabilities:    []Capability{CapTools, CapVision, CapStreaming, CapJSON, CapReasoning, CapLongContext, CapCaching},
		Aliases:         []string{"gpt5"},
		Cost:            Cost{InputPerMillion: 1.25, OutputPerMillion: 10.0, CachedInputPerMillion: 0.125},
	})
	c.Register(&Model{
		ID:              "gpt-5-mini",
		Name:            "GPT-5 mini",
		Provider:        ProviderOpenAI,
		Class:           "mini",
		ContextWindow:   400000,
		MaxOutputTokens: 128000,
		Capabilities:    []Capability{CapTools, CapVision, CapStreaming, CapJSON, CapLongContext, CapCaching},
		Cost:            Cost{InputPerMillion: 0.25, OutputPerMillion: 2.0, CachedInputPerMillion: 0.025},
	})
	c.Register(&Model{
		ID:              "gpt-4o",
		Name:            "GPT-4o",
		Provider:        ProviderOpenAI,
		Class:           "standard",
		ContextWindow:   128000,
		MaxOutputTokens: 16384,
		Capabilities:    []Capability{CapTools, CapVision, CapStreaming, CapJSON, CapLongContext, CapCaching},
		Aliases:         []string{"gpt-4o-2024-11-20", "4o"},
		Cost:            Cost{InputPerMillion: 2.5, OutputPerMillion: 10.0, CachedInputPerMillion: 1.25},
	})
	c.Register(&Model{
		ID:              "gpt-4o-mini",
		Name:            "GPT-4o mini",
		Provider:        ProviderOpenAI,
		Class:           "mini",
		ContextWindow:   128000,
		MaxOutputTokens: 16384,
		Capabilities:    []Capability{CapTools, CapVision, CapStreaming, CapJSON, CapLongContext, CapCaching},
		Aliases:         []string{"4o-mini"},
		Cost:            Cost{InputPerMillion: 0.15, OutputPerMillion: 0.6, CachedInputPerMillion: 0.075},
	})
	c.Register(&Model{
		ID:            "text-embedding-3-small",
		Provider:      ProviderOpenAI,
		ContextWindow: 8191,
		Capabilities:  []Capability{CapEmbeddings},
		Cost:          Cost{InputPerMillion: 0.02},
	})
	c.Register(&Model{
		ID:            "text-embedding-3-large",
		Provider:      ProviderOpenAI,
		ContextWindow: 8191,
		Capabilities:  []Capability{CapEmbeddings},
		Cost:          Cost{InputPerMillion: 0.13},
	})
	c.Register(&Model{
		ID:           "gpt-image-1",
		Provider:     ProviderOpenAI,
		Capabilities: []Capability{CapImageGen},
		Cost:         Cost{PerImage: 0.04},
	})
	c.Register(&Model{
		ID:           "whisper-1",
		Provider:     ProviderOpenAI,
		Capabilities: []Capability{CapTranscription},
	})

	// Anthropic
	c.Register(&Model{
		ID:              "claude-opus-4-1",
		Name:            "Claude Opus 4.1",
		Provider:        ProviderAnthropic,
		Class:           "flagship",
		ContextWindow:   200000,
		MaxOutputTokens: 32000,
		Capabilities:    []Capability{CapTools, CapVision, CapStreaming, CapJSON, CapReasoning, CapLongContext, CapCaching},
		Aliases:         []string{"claude-opus-4-1-20250805", "opus"},
		Cost:            Cost{InputPerMillion: 15.0, OutputPerMillion: 75.0, CachedInputPerMillion: 1.5},
	})
	c.Register(&Model{
		ID:              "claude-sonnet-4",
		Name:            "Claude Sonnet 4",
		Provider:        ProviderAnthropic,
		Class:           "standard",
		ContextWindow:   200000,
		MaxOutputTokens: 64000,
		Capabilities:    []Capability{CapTools, CapVision, CapStreaming, CapJSON, CapReasoning, CapLongContext, CapCaching},
		Aliases:         []string{"claude-sonnet-4-20250514", "sonnet"},
		Cost:            Cost{InputPerMillion: 3.0, OutputPerMillion: 15.0, CachedInputPerMillion: 0.3},
	})
	c.Register(&Model{
		ID:              "claude-3-5-haiku-latest",
		Name:            "Claude 3.5 Haiku",
		Provider:        ProviderAnthropic,
		Class:           "mini",
		ContextWindow:   200000,
		MaxOutputTokens: 8192,
		Capabilities:    []Capability{CapTools, CapVision, CapStreaming, CapLongContext, CapCaching},
		Aliases:         []string{"claude-3-5-haiku", "haiku"},
		Cost:            Cost{InputPerMillion: 0.8, OutputPerMillion: 4.0, CachedInputPerMillion: 0.08},
	})

	// Google. Gemini 2.5 Pro prices step up once cumulative usage passes 200k tokens.
	c.Register(&Model{
		ID:              "gemini-2.5-pro",
		Name:            "Gemini 2.5 Pro",
		Provider:        ProviderGoogle,
		Class:           "flagship",
		ContextWindow:   1048576,
		MaxOutputTokens: 65536,
		Capabilities:    []Capability{CapTools, CapVision, CapStreaming, CapJSON, CapReasoning, CapLongContext, CapCaching},
		Cost: Cost{
			Tiers: []PriceTier{
				{UpToTokens: 200000, InputPerMillion: 1.25, OutputPerMillion: 10.0, CachedInputPerMillion: 0.31},
				{UpToTokens: 0, InputPerMillion: 2.5, OutputPerMillion: 15.0, CachedInputPerMillion: 0.625},
			},
		},
	})
	c.Register(&Model{
		ID:              "gemini-2.5-flash",
		Name:            "Gemini 2.5 Flash",
		Provider:        ProviderGoogle,
		Class:           "standard",
		ContextWindow:   1048576,
		MaxOutputTokens: 65536,
		Capabilities:    []Capability{CapTools, CapVision, CapStreaming, CapJSON, CapLongContext, CapCaching},
		Aliases:         []string{"flash"},
		Cost:            Cost{InputPerMillion: 0.3, OutputPerMillion: 2.5, CachedInputPerMillion: 0.075},
	})
	c.Register(&Model{
		ID:              "gemini-2.0-flash",
		Name:            "Gemini 2.0 Flash",
		Provider:        ProviderGoogle,
		Class:           "mini",
		ContextWindow:   1048576,
		MaxOutputTokens: 8192,
		Capabilities:    []Capability{CapTools, CapVision, CapStreaming, CapJSON, CapLongContext},
		Cost:            Cost{InputPerMillion: 0.1, OutputPerMillion: 0.4},
	})
	c.Register(&Model{
		ID:            "gemini-embedding-001",
		Provider:      ProviderGoogle,
		ContextWindow: 2048,
		Capabilities:  []Capability{CapEmbeddings},
		Cost:          Cost{InputPerMillion: 0.15},
	})
	c.Register(&Model{
		ID:           "imagen-4.0-generate-001",
		Provider:     ProviderGoogle,
		Capabilities: []Capability{CapImageGen},
		Cost:         Cost{PerImage: 0.04},
	})

	// xAI
	c.Register(&Model{
		ID:              "grok-4",
		Name:            "Grok 4",
		Provider:        ProviderXAI,
		Class:           "flagship",
		ContextWindow:   256000,
		MaxOutputTokens: 64000,
		Capabilities:    []Capability{CapTools, CapVision, CapStreaming, CapJSON, CapReasoning, CapLongContext, CapCaching},
		Aliases:         []string{"grok-4-0709"},
		Cost:            Cost{InputPerMillion: 3.0, OutputPerMillion: 15.0, CachedInputPerMillion: 0.75},
	})
	c.Register(&Model{
		ID:              "grok-3-mini",
		Name:            "Grok 3 mini",
		Provider:        ProviderXAI,
		Class:           "mini",
		ContextWindow:   131072,
		MaxOutputTokens: 16384,
		Capabilities:    []Capability{CapTools, CapStreaming, CapJSON, CapReasoning},
		Cost:            Cost{InputPerMillion: 0.3, OutputPerMillion: 0.5},
	})

	// DeepSeek. Off-peak window (UTC 16:30-00:30) halves chat prices and
	// cuts reasoner prices to a quarter.
	c.Register(&Model{
		ID:              "deepseek-chat",
		Name:            "DeepSeek V3",
		Provider:        ProviderDeepSeek,
		Class:           "standard",
		ContextWindow:   65536,
		MaxOutputTokens: 8192,
		Capabilities:    []Capability{CapTools, CapStreaming, CapJSON, CapCaching},
		Cost: Cost{
			InputPerMillion:       0.27,
			OutputPerMillion:      1.1,
			CachedInputPerMillion: 0.07,
			Windows: []PriceWindow{
				{Start: "16:30", End: "00:30", InputPerMillion: 0.135, OutputPerMillion: 0.55, CachedInputPerMillion: 0.035},
			},
		},
	})
	c.Register(&Model{
		ID:              "deepseek-reasoner",
		Name:            "DeepSeek R1",
		Provider:        ProviderDeepSeek,
		Class:           "reasoning",
		ContextWindow:   65536,
		MaxOutputTokens: 65536,
		Capabilities:    []Capability{CapStreaming, CapReasoning, CapCaching},
		Cost: Cost{
			InputPerMillion:       0.55,
			OutputPerMillion:      2.19,
			CachedInputPerMillion: 0.14,
			Windows: []PriceWindow{
				{Start: "16:30", End: "00:30", InputPerMillion: 0.1375, OutputPerMillion: 0.5475, CachedInputPerMillion: 0.035},
			},
		},
	})

	// OpenRouter routes to many upstreams; cost arrives on the wire.
	c.Register(&Model{
		ID:            "openrouter/auto",
		Name:          "OpenRouter Auto",
		Provider:      ProviderOpenRouter,
		ContextWindow: 200000,
		Capabilities:  []Capability{CapTools, CapStreaming, CapJSON},
	})

	// ElevenLabs audio models.
	c.Register(&Model{
		ID:           "eleven_multilingual_v2",
		Provider:     ProviderElevenLabs,
		Capabilities: []Capability{CapVoice},
	})
	c.Register(&Model{
		ID:           "eleven_turbo_v2_5",
		Provider:     ProviderElevenLabs,
		Capabilities: []Capability{CapVoice},
	})
	c.Register(&Model{
		ID:           "scribe_v1",
		Provider:     ProviderElevenLabs,
		Capabilities: []Capability{CapTranscription},
	})

	// Classes.
	c.RegisterClass(&Class{
		Name:   "flagship",
		Models: []string{"claude-opus-4-1", "gpt-5", "gemini-2.5-pro", "grok-4"},
		Random: true,
	})
	c.RegisterClass(&Class{
		Name:   "standard",
		Models: []string{"claude-sonnet-4", "gpt-4o", "gemini-2.5-flash", "deepseek-chat"},
		Random: true,
	})
	c.RegisterClass(&Class{
		Name:   "mini",
		Models: []string{"gpt-4o-mini", "gemini-2.0-flash", "claude-3-5-haiku-latest", "grok-3-mini", "gpt-5-mini"},
		Random: true,
	})
	c.RegisterClass(&Class{
		Name:   "reasoning",
		Models: []string{"gpt-5", "deepseek-reasoner", "claude-opus-4-1"},
		Random: true,
	})
}
