package models

import "testing"

func TestCatalog_GetByIDAndAlias(t *testing.T) {
	c := NewCatalog()

	m, ok := c.Get("gpt-4o")
	if !ok {
		t.Fatal("Get(gpt-4o) not found")
	}
	if m.Provider != ProviderOpenAI {
		t.Errorf("provider = %q, want %q", m.Provider, ProviderOpenAI)
	}

	byAlias, ok := c.Get("sonnet")
	if !ok {
		t.Fatal("Get(sonnet) not found via alias")
	}
	if byAlias.ID != "claude-sonnet-4" {
		t.Errorf("alias resolved to %q, want claude-sonnet-4", byAlias.ID)
	}

	if _, ok := c.Get("no-such-model"); ok {
		t.Error("Get(no-such-model) = true, want false")
	}
}

func TestCatalog_Resolve(t *testing.T) {
	c := NewCatalog()

	tests := []struct {
		in   string
		want string
	}{
		{"opus", "claude-opus-4-1"},
		{"4o-mini", "gpt-4o-mini"},
		{"gpt-5", "gpt-5"},
		{"unknown-model", "unknown-model"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := c.Resolve(tt.in); got != tt.want {
				t.Errorf("Resolve(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestCatalog_Classes(t *testing.T) {
	c := NewCatalog()

	class, ok := c.Class("standard")
	if !ok {
		t.Fatal("Class(standard) not found")
	}
	if !class.Random {
		t.Error("standard class should use random selection")
	}
	if len(class.Models) == 0 {
		t.Fatal("standard class has no models")
	}
	for _, id := range class.Models {
		if _, ok := c.Get(id); !ok {
			t.Errorf("class member %q missing from catalog", id)
		}
	}
}

func TestCatalog_ListFilters(t *testing.T) {
	c := NewCatalog()

	embedders := c.List(&Filter{RequiredCapabilities: []Capability{CapEmbeddings}})
	if len(embedders) == 0 {
		t.Fatal("no embedding models listed")
	}
	for _, m := range embedders {
		if !m.HasCapability(CapEmbeddings) {
			t.Errorf("model %q listed without embeddings capability", m.ID)
		}
	}

	google := c.ListByProvider(ProviderGoogle)
	for _, m := range google {
		if m.Provider != ProviderGoogle {
			t.Errorf("ListByProvider returned %q from %q", m.ID, m.Provider)
		}
	}

	long := c.List(&Filter{MinContextWindow: 1000000})
	for _, m := range long {
		if m.ContextWindow < 1000000 {
			t.Errorf("model %q context window %d below filter", m.ID, m.ContextWindow)
		}
	}
}

func TestProvider_CredentialEnv(t *testing.T) {
	tests := []struct {
		provider Provider
		want     string
	}{
		{ProviderOpenAI, "OPENAI_API_KEY"},
		{ProviderAnthropic, "ANTHROPIC_API_KEY"},
		{ProviderGoogle, "GOOGLE_API_KEY"},
		{ProviderXAI, "XAI_API_KEY"},
		{ProviderDeepSeek, "DEEPSEEK_API_KEY"},
		{ProviderOpenRouter, "OPENROUTER_API_KEY"},
		{ProviderElevenLabs, "ELEVENLABS_API_KEY"},
		{ProviderTest, ""},
	}
	for _, tt := range tests {
		t.Run(string(tt.provider), func(t *testing.T) {
			if got := tt.provider.CredentialEnv(); got != tt.want {
				t.Errorf("CredentialEnv() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCost_Zero(t *testing.T) {
	if !(Cost{}).Zero() {
		t.Error("empty Cost should be Zero")
	}
	if (Cost{InputPerMillion: 1}).Zero() {
		t.Error("priced Cost should not be Zero")
	}
	if (Cost{Tiers: []PriceTier{{InputPerMillion: 1}}}).Zero() {
		t.Error("tiered Cost should not be Zero")
	}
}
