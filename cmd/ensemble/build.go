package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/ensemble/internal/agent"
	"github.com/haasonsaas/ensemble/internal/config"
	"github.com/haasonsaas/ensemble/internal/observability"
	"github.com/haasonsaas/ensemble/internal/runtime"
)

// app bundles everything a command needs after assembly.
type app struct {
	cfg     *config.Config
	logger  *observability.Logger
	metrics *observability.Metrics
	runtime *runtime.Runtime

	shutdownTracer func(context.Context) error
	metricsServer  *http.Server
}

// loadConfig reads the resolved config file, or returns an empty config when
// none is configured.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, ok := configPath(cmd)
	if !ok {
		return &config.Config{}, nil
	}
	return config.Load(path)
}

// buildApp assembles the runtime from configuration. The caller must Close
// the returned app.
func buildApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:          cfg.Logging.Level,
		Format:         cfg.Logging.Format,
		AddSource:      cfg.Logging.AddSource,
		RedactPatterns: cfg.Logging.RedactPatterns,
	})

	a := &app{cfg: cfg, logger: logger}

	if cfg.Metrics.Enabled {
		a.metrics = observability.NewMetrics()
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		a.metricsServer = &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn(context.Background(), "metrics server stopped", "error", err)
			}
		}()
	}

	if cfg.Tracing.Endpoint != "" {
		serviceName := cfg.Tracing.ServiceName
		if serviceName == "" {
			serviceName = "ensemble"
		}
		_, shutdown := observability.NewTracer(observability.TraceConfig{
			ServiceName:    serviceName,
			ServiceVersion: version,
			Environment:    cfg.Tracing.Environment,
			Endpoint:       cfg.Tracing.Endpoint,
			SamplingRate:   cfg.Tracing.SamplingRate,
			EnableInsecure: cfg.Tracing.Insecure,
		})
		a.shutdownTracer = shutdown
	}

	rt, err := runtime.New(runtime.Options{
		Catalog:               cfg.BuildCatalog(),
		DefaultClass:          cfg.Defaults.Class,
		SummaryClass:          cfg.Defaults.SummaryClass,
		DefaultEmbeddingModel: cfg.Defaults.EmbeddingModel,
		SummariesDir:          cfg.Summaries.Dir,
		MaxConcurrency:        cfg.Limits.MaxConcurrency,
		DefaultToolTimeout:    cfg.Limits.ToolTimeout.Std(),
		MaxResultLength:       cfg.Limits.MaxResultLength,
		TrackerGrace:          cfg.Limits.TrackerGrace.Std(),
		Voice:                 cfg.Defaults.Voice,
		OpenRouterAppName:     cfg.OpenRouter.AppName,
		OpenRouterSiteURL:     cfg.OpenRouter.SiteURL,
		Logger:                logger,
		Metrics:               a.metrics,
	})
	if err != nil {
		return nil, err
	}
	a.runtime = rt
	return a, nil
}

// Close releases the runtime and background servers.
func (a *app) Close() {
	if a.runtime != nil {
		a.runtime.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if a.metricsServer != nil {
		_ = a.metricsServer.Shutdown(ctx)
	}
	if a.shutdownTracer != nil {
		_ = a.shutdownTracer(ctx)
	}
}

// definition builds the agent definition for a chat command: a declared
// agent from the config when --agent is set, else one assembled from flags.
func (a *app) definition(agentID, model, class, system, thread string) (*agent.Definition, error) {
	if agentID != "" {
		ac, ok := a.cfg.Agent(agentID)
		if !ok {
			return nil, fmt.Errorf("agent %q is not declared in the config", agentID)
		}
		def := definitionFromConfig(a.cfg, ac)
		if thread != "" {
			def.HistoryThread = thread
		}
		return def, nil
	}

	if thread == "" {
		thread = "cli"
	}
	return &agent.Definition{
		AgentID:       "cli",
		Name:          "ensemble",
		Model:         model,
		ModelClass:    class,
		Instructions:  system,
		HistoryThread: thread,
	}, nil
}

// definitionFromConfig converts a declared agent, resolving its verifier
// reference against the same config.
func definitionFromConfig(cfg *config.Config, ac *config.AgentConfig) *agent.Definition {
	def := &agent.Definition{
		AgentID:        ac.ID,
		Name:           ac.Name,
		Model:          ac.Model,
		ModelClass:     ac.Class,
		Instructions:   ac.Instructions,
		Tools:          ac.Tools,
		DisabledModels: ac.DisabledModels,
		ModelScores:    ac.ModelScores,
		ModelSettings: agent.ModelSettings{
			Temperature:     ac.Temperature,
			TopP:            ac.TopP,
			MaxTokens:       ac.MaxTokens,
			ToolChoice:      agent.ToolChoice(ac.ToolChoice),
			SequentialTools: ac.SequentialTools,
		},
		HistoryThread:           ac.HistoryThread,
		MaxToolCalls:            ac.MaxToolCalls,
		MaxToolCallRounds:       ac.MaxToolCallRounds,
		MaxVerificationAttempts: ac.MaxVerificationAttempts,
		Retry: agent.RetryOptions{
			MaxRetries:        ac.MaxRetries,
			InitialDelay:      ac.InitialDelay.Std(),
			BackoffMultiplier: ac.BackoffMultiplier,
			MaxDelay:          ac.MaxDelay.Std(),
		},
	}
	if def.Name == "" {
		def.Name = def.AgentID
	}
	if def.HistoryThread == "" {
		def.HistoryThread = def.AgentID
	}
	if ac.Verifier != "" {
		if vc, ok := cfg.Agent(ac.Verifier); ok {
			def.Verifier = definitionFromConfig(cfg, vc)
		}
	}
	return def
}
