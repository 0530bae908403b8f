// Package main provides the ensemble CLI: a uniform streaming front end for
// heterogeneous LLM backends.
//
// # Basic Usage
//
// Stream a conversation:
//
//	ensemble chat "Summarize this repo"
//
// List the model catalog:
//
//	ensemble models --provider anthropic
//
// Validate a configuration file:
//
//	ensemble config validate --config ensemble.yaml
//
// # Environment Variables
//
// Provider credentials are discovered from the environment:
//
//   - OPENAI_API_KEY, ANTHROPIC_API_KEY, GOOGLE_API_KEY, XAI_API_KEY,
//     DEEPSEEK_API_KEY, OPENROUTER_API_KEY, ELEVENLABS_API_KEY
//   - ENSEMBLE_CONFIG: path to the configuration file (default: ensemble.yaml)
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ensemble",
		Short: "Ensemble - uniform streaming runtime for LLM backends",
		Long: `Ensemble drives multi-round agent conversations over OpenAI, Anthropic,
Google, xAI, DeepSeek, OpenRouter, and ElevenLabs backends, producing one
provider-independent event stream with tool execution, history compaction,
and cost accounting.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().String("config", "", "Configuration file (default: $ENSEMBLE_CONFIG or ensemble.yaml)")

	rootCmd.AddCommand(
		buildChatCmd(),
		buildModelsCmd(),
		buildUsageCmd(),
		buildEmbedCmd(),
		buildSpeakCmd(),
		buildTranscribeCmd(),
		buildConfigCmd(),
	)
	return rootCmd
}

// configPath resolves the configuration file path from the flag, the
// environment, or the default name. Returns "" when no file exists and none
// was asked for explicitly.
func configPath(cmd *cobra.Command) (string, bool) {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		return path, true
	}
	if path := os.Getenv("ENSEMBLE_CONFIG"); path != "" {
		return path, true
	}
	if _, err := os.Stat("ensemble.yaml"); err == nil {
		return "ensemble.yaml", true
	}
	return "", false
}
