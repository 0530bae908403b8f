package providers

import (
	"net/http"

	"github.com/haasonsaas/ensemble/internal/observability"
)

// Base URLs for the OpenAI-compatible backends.
const (
	xaiBaseURL        = "https://api.x.ai/v1"
	deepseekBaseURL   = "https://api.deepseek.com/v1"
	openrouterBaseURL = "https://openrouter.ai/api/v1"
)

// CompatConfig configures an OpenAI-compatible backend adapter.
type CompatConfig struct {
	APIKey string

	// BaseURL overrides the backend's default endpoint.
	BaseURL string

	// AppName and SiteURL populate OpenRouter's attribution headers.
	AppName string
	SiteURL string

	Usage  UsageSink
	Logger *observability.Logger
}

// NewXAIProvider creates an adapter for xAI's Grok API.
func NewXAIProvider(config CompatConfig) (*OpenAIProvider, error) {
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = xaiBaseURL
	}
	return NewOpenAIProvider(OpenAIConfig{
		APIKey:       config.APIKey,
		BaseURL:      baseURL,
		ProviderName: "xai",
		Usage:        config.Usage,
		Logger:       config.Logger,
	})
}

// NewDeepSeekProvider creates an adapter for DeepSeek. Reasoning deltas from
// deepseek-reasoner surface as thinking content on message events.
func NewDeepSeekProvider(config CompatConfig) (*OpenAIProvider, error) {
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = deepseekBaseURL
	}
	return NewOpenAIProvider(OpenAIConfig{
		APIKey:       config.APIKey,
		BaseURL:      baseURL,
		ProviderName: "deepseek",
		Usage:        config.Usage,
		Logger:       config.Logger,
	})
}

// NewOpenRouterProvider creates an adapter for OpenRouter's aggregation API.
func NewOpenRouterProvider(config CompatConfig) (*OpenAIProvider, error) {
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = openrouterBaseURL
	}
	headers := map[string]string{}
	if config.SiteURL != "" {
		headers["HTTP-Referer"] = config.SiteURL
	}
	if config.AppName != "" {
		headers["X-Title"] = config.AppName
	}
	return NewOpenAIProvider(OpenAIConfig{
		APIKey:       config.APIKey,
		BaseURL:      baseURL,
		ProviderName: "openrouter",
		ExtraHeaders: headers,
		Usage:        config.Usage,
		Logger:       config.Logger,
	})
}

// headerTransport injects static headers into every request.
type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	for k, v := range t.headers {
		clone.Header.Set(k, v)
	}
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(clone)
}
