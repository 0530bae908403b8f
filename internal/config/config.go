// Package config loads Ensemble configuration from YAML or JSON5 files,
// resolving $include directives and ${VAR} environment references. The file
// covers logging, metrics, tracing, runtime defaults and limits, the summary
// store, and model catalog overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/ensemble/internal/models"
)

// Duration is a time.Duration that unmarshals from "30s"-style strings as
// well as integer nanoseconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Tag == "!!int" {
		var n int64
		if err := value.Decode(&n); err != nil {
			return err
		}
		*d = Duration(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration document.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Defaults  DefaultsConfig  `yaml:"defaults"`
	Limits    LimitsConfig    `yaml:"limits"`
	Summaries SummariesConfig `yaml:"summaries"`

	// OpenRouter attribution headers, forwarded on every OpenRouter call.
	OpenRouter OpenRouterConfig `yaml:"openrouter"`

	// Models extends or overrides the built-in catalog.
	Models []ModelConfig `yaml:"models"`

	// Classes extends or overrides the built-in model classes.
	Classes []ClassConfig `yaml:"classes"`

	// Agents declares reusable agent definitions selectable by id.
	Agents []AgentConfig `yaml:"agents"`
}

type LoggingConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level"`

	// Format is text or json.
	Format string `yaml:"format"`

	AddSource bool `yaml:"add_source"`

	// RedactPatterns adds regexes to the built-in secret redaction set.
	RedactPatterns []string `yaml:"redact_patterns"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`

	// Listen is the /metrics listen address, e.g. ":9090".
	Listen string `yaml:"listen"`
}

type TracingConfig struct {
	// Endpoint is the OTLP gRPC collector address. Empty disables tracing.
	Endpoint string `yaml:"endpoint"`

	ServiceName  string  `yaml:"service_name"`
	Environment  string  `yaml:"environment"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

type DefaultsConfig struct {
	// Class is the model class for agents that pin neither model nor class.
	Class string `yaml:"class"`

	// SummaryClass serves history compaction summaries.
	SummaryClass string `yaml:"summary_class"`

	EmbeddingModel string `yaml:"embedding_model"`

	// Voice is the default ElevenLabs voice id.
	Voice string `yaml:"voice"`
}

type LimitsConfig struct {
	// MaxConcurrency bounds parallel tool executions per request.
	MaxConcurrency int `yaml:"max_concurrency"`

	// ToolTimeout is the wall budget per tool call.
	ToolTimeout Duration `yaml:"tool_timeout"`

	// MaxResultLength caps tool output before condensing or truncation.
	MaxResultLength int `yaml:"max_result_length"`

	// TrackerGrace keeps settled background tool entries readable.
	TrackerGrace Duration `yaml:"tracker_grace"`
}

type SummariesConfig struct {
	// Dir roots the condensed-output store.
	Dir string `yaml:"dir"`
}

type OpenRouterConfig struct {
	AppName string `yaml:"app_name"`
	SiteURL string `yaml:"site_url"`
}

// ModelConfig is one catalog entry override. Fields mirror the catalog's
// Model; pricing is flat per-million rates with optional tiers and windows.
type ModelConfig struct {
	ID              string             `yaml:"id"`
	Name            string             `yaml:"name"`
	Provider        string             `yaml:"provider"`
	Class           string             `yaml:"class"`
	ContextWindow   int                `yaml:"context_window"`
	MaxOutputTokens int                `yaml:"max_output_tokens"`
	Capabilities    []string           `yaml:"capabilities"`
	Aliases         []string           `yaml:"aliases"`
	Score           int                `yaml:"score"`
	Cost            ModelCostConfig    `yaml:"cost"`
	Tiers           []PriceTierConfig  `yaml:"tiers"`
	Windows         []PriceWindowConfig `yaml:"windows"`
}

type ModelCostConfig struct {
	InputPerMillion       float64 `yaml:"input_per_million"`
	OutputPerMillion      float64 `yaml:"output_per_million"`
	CachedInputPerMillion float64 `yaml:"cached_input_per_million"`
	PerImage              float64 `yaml:"per_image"`
}

type PriceTierConfig struct {
	UpToTokens            int64   `yaml:"up_to_tokens"`
	InputPerMillion       float64 `yaml:"input_per_million"`
	OutputPerMillion      float64 `yaml:"output_per_million"`
	CachedInputPerMillion float64 `yaml:"cached_input_per_million"`
}

type PriceWindowConfig struct {
	Start                 string  `yaml:"start"`
	End                   string  `yaml:"end"`
	InputPerMillion       float64 `yaml:"input_per_million"`
	OutputPerMillion      float64 `yaml:"output_per_million"`
	CachedInputPerMillion float64 `yaml:"cached_input_per_million"`
}

type ClassConfig struct {
	Name   string   `yaml:"name"`
	Models []string `yaml:"models"`
	Random bool     `yaml:"random"`
}

// AgentConfig declares one agent definition in the config file. Verifier
// names another agent in the same file by id.
type AgentConfig struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	Model        string `yaml:"model"`
	Class        string `yaml:"class"`
	Instructions string `yaml:"instructions"`

	Tools          []string       `yaml:"tools"`
	DisabledModels []string       `yaml:"disabled_models"`
	ModelScores    map[string]int `yaml:"model_scores"`

	Temperature     float64 `yaml:"temperature"`
	TopP            float64 `yaml:"top_p"`
	MaxTokens       int     `yaml:"max_tokens"`
	ToolChoice      string  `yaml:"tool_choice"`
	SequentialTools bool    `yaml:"sequential_tools"`

	HistoryThread string `yaml:"history_thread"`

	MaxToolCalls      int `yaml:"max_tool_calls"`
	MaxToolCallRounds int `yaml:"max_tool_call_rounds"`

	Verifier                string `yaml:"verifier"`
	MaxVerificationAttempts int    `yaml:"max_verification_attempts"`

	MaxRetries        int      `yaml:"max_retries"`
	InitialDelay      Duration `yaml:"initial_delay"`
	BackoffMultiplier float64  `yaml:"backoff_multiplier"`
	MaxDelay          Duration `yaml:"max_delay"`
}

// Validate checks internal consistency without touching the environment.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not text or json", c.Logging.Format)
	}
	if c.Metrics.Enabled && strings.TrimSpace(c.Metrics.Listen) == "" {
		return fmt.Errorf("metrics.listen is required when metrics are enabled")
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("tracing.sampling_rate %v is outside [0, 1]", c.Tracing.SamplingRate)
	}
	if c.Limits.MaxConcurrency < 0 {
		return fmt.Errorf("limits.max_concurrency must not be negative")
	}
	if c.Limits.ToolTimeout < 0 {
		return fmt.Errorf("limits.tool_timeout must not be negative")
	}

	for i, m := range c.Models {
		if strings.TrimSpace(m.ID) == "" {
			return fmt.Errorf("models[%d]: id is required", i)
		}
		if strings.TrimSpace(m.Provider) == "" {
			return fmt.Errorf("models[%d] (%s): provider is required", i, m.ID)
		}
	}
	for i, cl := range c.Classes {
		if strings.TrimSpace(cl.Name) == "" {
			return fmt.Errorf("classes[%d]: name is required", i)
		}
		if len(cl.Models) == 0 {
			return fmt.Errorf("classes[%d] (%s): at least one model is required", i, cl.Name)
		}
	}

	ids := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if strings.TrimSpace(a.ID) == "" {
			return fmt.Errorf("agents[%d]: id is required", i)
		}
		if ids[a.ID] {
			return fmt.Errorf("agents[%d]: duplicate agent id %q", i, a.ID)
		}
		ids[a.ID] = true
	}
	for i, a := range c.Agents {
		if a.Verifier != "" && !ids[a.Verifier] {
			return fmt.Errorf("agents[%d] (%s): verifier %q is not declared", i, a.ID, a.Verifier)
		}
		if a.Verifier == a.ID && a.ID != "" {
			return fmt.Errorf("agents[%d] (%s): agent cannot verify itself", i, a.ID)
		}
	}
	return nil
}

// Agent returns the declared agent config by id.
func (c *Config) Agent(id string) (*AgentConfig, bool) {
	for i := range c.Agents {
		if c.Agents[i].ID == id {
			return &c.Agents[i], true
		}
	}
	return nil, false
}

// BuildCatalog returns the built-in catalog extended with the config's model
// and class overrides.
func (c *Config) BuildCatalog() *models.Catalog {
	catalog := models.NewCatalog()
	for _, m := range c.Models {
		caps := make([]models.Capability, 0, len(m.Capabilities))
		for _, capName := range m.Capabilities {
			caps = append(caps, models.Capability(capName))
		}
		cost := models.Cost{
			InputPerMillion:       m.Cost.InputPerMillion,
			OutputPerMillion:      m.Cost.OutputPerMillion,
			CachedInputPerMillion: m.Cost.CachedInputPerMillion,
			PerImage:              m.Cost.PerImage,
		}
		for _, t := range m.Tiers {
			cost.Tiers = append(cost.Tiers, models.PriceTier{
				UpToTokens:            t.UpToTokens,
				InputPerMillion:       t.InputPerMillion,
				OutputPerMillion:      t.OutputPerMillion,
				CachedInputPerMillion: t.CachedInputPerMillion,
			})
		}
		for _, w := range m.Windows {
			cost.Windows = append(cost.Windows, models.PriceWindow{
				Start:                 w.Start,
				End:                   w.End,
				InputPerMillion:       w.InputPerMillion,
				OutputPerMillion:      w.OutputPerMillion,
				CachedInputPerMillion: w.CachedInputPerMillion,
			})
		}
		catalog.Register(&models.Model{
			ID:              m.ID,
			Name:            m.Name,
			Provider:        models.Provider(m.Provider),
			Class:           m.Class,
			ContextWindow:   m.ContextWindow,
			MaxOutputTokens: m.MaxOutputTokens,
			Capabilities:    caps,
			Aliases:         m.Aliases,
			Cost:            cost,
			Score:           m.Score,
		})
	}
	for _, cl := range c.Classes {
		catalog.RegisterClass(&models.Class{
			Name:   cl.Name,
			Models: cl.Models,
			Random: cl.Random,
		})
	}
	return catalog
}
