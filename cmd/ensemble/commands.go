package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/ensemble/internal/agent"
	"github.com/haasonsaas/ensemble/internal/agent/providers"
	"github.com/haasonsaas/ensemble/internal/agent/tape"
	"github.com/haasonsaas/ensemble/internal/config"
	"github.com/haasonsaas/ensemble/internal/embeddings"
	catalog "github.com/haasonsaas/ensemble/internal/models"
	"github.com/haasonsaas/ensemble/internal/usage"
	"github.com/haasonsaas/ensemble/pkg/models"
)

func buildChatCmd() *cobra.Command {
	var (
		agentID   string
		model     string
		class     string
		system    string
		thread    string
		verbose   bool
		showUsage bool
		dryRun    bool
		replayAt  string
		recordAt  string
	)

	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Stream a conversation with an agent",
		Long: `Chat streams one turn when a message argument is given, or starts an
interactive session reading lines from stdin. With --dry-run a deterministic
in-memory provider serves the turn; --replay plays a recorded tape back.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			def, err := a.definition(agentID, model, class, system, thread)
			if err != nil {
				return err
			}

			var recorder *tape.Recorder
			switch {
			case dryRun:
				installTestModel(a)
				response := "This is a dry run. Configure provider credentials to reach a real backend."
				a.runtime.RegisterProvider("test", providers.NewTestProvider(providers.TestConfig{
					FixedResponse: response,
					ChunkSize:     8,
					Usage:         a.runtime.Usage(),
				}))
				def.Model = "test-model"
			case replayAt != "":
				recorded, err := tape.Load(replayAt)
				if err != nil {
					return fmt.Errorf("load tape: %w", err)
				}
				installTestModel(a)
				a.runtime.RegisterProvider("test", tape.NewReplayer(recorded))
				def.Model = "test-model"
			case recordAt != "":
				if def.Model == "" {
					return fmt.Errorf("--record requires --model to pin the provider being recorded")
				}
				m, ok := a.runtime.Catalog().Get(def.Model)
				if !ok {
					return fmt.Errorf("unknown model %q", def.Model)
				}
				p, ok := a.runtime.Provider(string(m.Provider))
				if !ok {
					return fmt.Errorf("no adapter configured for provider %s", m.Provider)
				}
				recorder = tape.NewRecorder(p)
				a.runtime.RegisterProvider(string(m.Provider), recorder)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			render := newRenderer(out, verbose)

			turn := func(text string) error {
				events, err := a.runtime.Chat(ctx, def, text)
				if err != nil {
					return err
				}
				for event := range events {
					if failed := render.handle(event); failed != "" {
						return fmt.Errorf("%s", failed)
					}
				}
				return nil
			}

			var runErr error
			if len(args) == 1 {
				runErr = turn(args[0])
			} else {
				runErr = repl(ctx, cmd.InOrStdin(), out, turn)
			}

			if recorder != nil {
				if err := recorder.Tape().Save(recordAt); err != nil {
					fmt.Fprintf(out, "Failed to save tape: %v\n", err)
				} else {
					fmt.Fprintf(out, "Tape saved: %s\n", recordAt)
				}
			}
			if showUsage {
				fmt.Fprintln(out)
				fmt.Fprintln(out, a.runtime.Usage().Summary())
			}
			return runErr
		},
	}

	cmd.Flags().StringVar(&agentID, "agent", "", "Agent id declared in the config")
	cmd.Flags().StringVar(&model, "model", "", "Pin a specific model")
	cmd.Flags().StringVar(&class, "class", "", "Select a model class")
	cmd.Flags().StringVar(&system, "system", "", "System prompt")
	cmd.Flags().StringVar(&thread, "thread", "", "History thread name")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show cost updates and agent lifecycle")
	cmd.Flags().BoolVar(&showUsage, "show-usage", false, "Print the usage summary at exit")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Serve the turn from a deterministic test provider")
	cmd.Flags().StringVar(&replayAt, "replay", "", "Replay a recorded tape file instead of calling a provider")
	cmd.Flags().StringVar(&recordAt, "record", "", "Record provider streams to a tape file")
	return cmd
}

// repl reads lines until EOF, "exit", or cancellation, running each as a
// turn on the same thread.
func repl(ctx context.Context, in io.Reader, out io.Writer, turn func(string) error) error {
	fmt.Fprintln(out, `Interactive session. "exit" ends it.`)
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}
		if err := turn(line); err != nil {
			fmt.Fprintf(out, "Error: %v\n", err)
		}
	}
}

// installTestModel registers the deterministic test model and class so
// --dry-run and --replay resolve without provider credentials.
func installTestModel(a *app) {
	a.runtime.Catalog().Register(&catalog.Model{
		ID:            "test-model",
		Name:          "Test Model",
		Provider:      catalog.ProviderTest,
		Class:         "test",
		ContextWindow: 8192,
		Capabilities:  []catalog.Capability{catalog.CapStreaming, catalog.CapTools},
	})
	a.runtime.Catalog().RegisterClass(&catalog.Class{Name: "test", Models: []string{"test-model"}})
}

func buildModelsCmd() *cobra.Command {
	var provider string
	var availableOnly bool

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the model catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cat := cfg.BuildCatalog()

			var filter *catalog.Filter
			if provider != "" {
				filter = &catalog.Filter{Providers: []catalog.Provider{catalog.Provider(provider)}}
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "MODEL\tPROVIDER\tCLASS\tCONTEXT\tIN $/M\tOUT $/M\tKEY")
			for _, m := range cat.List(filter) {
				hasKey := m.Provider.CredentialEnv() != "" && os.Getenv(m.Provider.CredentialEnv()) != ""
				if availableOnly && !hasKey {
					continue
				}
				key := "-"
				if hasKey {
					key = "yes"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.2f\t%.2f\t%s\n",
					m.ID, m.Provider, m.Class,
					usage.FormatTokenCount(int64(m.ContextWindow)),
					m.Cost.InputPerMillion, m.Cost.OutputPerMillion, key)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&provider, "provider", "", "Filter by provider id")
	cmd.Flags().BoolVar(&availableOnly, "available", false, "Only models whose provider credential is present")
	return cmd
}

func buildUsageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage <tape-file>",
		Short: "Summarize cost from a recorded tape",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			recorded, err := tape.Load(args[0])
			if err != nil {
				return err
			}

			type totals struct {
				calls        int
				inputTokens  int64
				outputTokens int64
				cost         float64
			}
			perModel := map[string]*totals{}
			var total float64
			for _, turn := range recorded.Turns {
				for _, event := range turn.Events {
					if event.Type != models.EventCostUpdate || event.Cost == nil {
						continue
					}
					record := event.Cost.Usage
					t := perModel[record.Model]
					if t == nil {
						t = &totals{}
						perModel[record.Model] = t
					}
					t.calls++
					t.inputTokens += int64(record.InputTokens)
					t.outputTokens += int64(record.OutputTokens)
					t.cost += record.Cost
					total += record.Cost
				}
			}

			out := cmd.OutOrStdout()
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "MODEL\tCALLS\tIN\tOUT\tCOST")
			for model, t := range perModel {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", model, t.calls,
					usage.FormatTokenCount(t.inputTokens),
					usage.FormatTokenCount(t.outputTokens),
					usage.FormatUSD(t.cost))
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(out, "\nTotal: %s over %d turns\n", usage.FormatUSD(total), len(recorded.Turns))
			return nil
		},
	}
	return cmd
}

func buildEmbedCmd() *cobra.Command {
	var model string
	var dimensions int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "embed <text>",
		Short: "Embed text through the configured adapters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			vector, err := a.runtime.Embed(cmd.Context(), args[0], embeddings.Options{
				Model:      model,
				Dimensions: dimensions,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				fmt.Fprint(out, "[")
				for i, v := range vector {
					if i > 0 {
						fmt.Fprint(out, ",")
					}
					fmt.Fprintf(out, "%g", v)
				}
				fmt.Fprintln(out, "]")
				return nil
			}
			fmt.Fprintf(out, "%d dimensions\n", len(vector))
			return nil
		},
	}

	cmd.Flags().StringVar(&model, "model", "", "Embedding model")
	cmd.Flags().IntVar(&dimensions, "dimensions", 0, "Requested vector dimensions (0 = model default)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the full vector as JSON")
	return cmd
}

func buildSpeakCmd() *cobra.Command {
	var model, voice, format, outPath string

	cmd := &cobra.Command{
		Use:   "speak <text>",
		Short: "Synthesize speech to a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			audio, err := a.runtime.Speak(cmd.Context(), agent.VoiceRequest{
				Model:  model,
				Text:   args[0],
				Voice:  voice,
				Format: format,
			})
			if err != nil {
				return err
			}
			defer audio.Close()

			f, err := os.Create(outPath)
			if err != nil {
				return err
			}
			defer f.Close()

			n, err := io.Copy(f, audio)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d bytes to %s\n", n, outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&model, "model", "", "Voice model")
	cmd.Flags().StringVar(&voice, "voice", "", "Voice id")
	cmd.Flags().StringVar(&format, "format", "", "Audio output format, e.g. mp3_44100_128")
	cmd.Flags().StringVarP(&outPath, "out", "o", "speech.mp3", "Output file")
	return cmd
}

func buildTranscribeCmd() *cobra.Command {
	var model, language string

	cmd := &cobra.Command{
		Use:   "transcribe <audio-file>",
		Short: "Transcribe an audio file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			out := cmd.OutOrStdout()
			for event := range a.runtime.Transcribe(cmd.Context(), agent.TranscriptionRequest{
				Model:    model,
				Audio:    f,
				Filename: args[0],
				Language: language,
			}) {
				if event.Err != nil {
					return event.Err
				}
				fmt.Fprint(out, event.Text)
				if event.IsFinal {
					fmt.Fprintln(out)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&model, "model", "", "Transcription model")
	cmd.Flags().StringVar(&language, "language", "", "ISO-639-1 language hint")
	return cmd
}

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, ok := configPath(cmd)
			if !ok {
				return fmt.Errorf("no configuration file found (set --config or ENSEMBLE_CONFIG)")
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: OK\n", path)
			fmt.Fprintf(out, "  models: %d overrides, classes: %d, agents: %d\n",
				len(cfg.Models), len(cfg.Classes), len(cfg.Agents))
			return nil
		},
	})
	return cmd
}
