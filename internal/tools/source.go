package tools

import (
	"context"
	"fmt"

	"github.com/haasonsaas/ensemble/internal/agent"
	"github.com/haasonsaas/ensemble/internal/summaries"
	"github.com/haasonsaas/ensemble/pkg/models"
)

type readSourceArgs struct {
	SummaryID string `json:"summary_id" jsonschema:"description=Identifier from a condensed-output notice."`
	LineStart int    `json:"line_start,omitempty" jsonschema:"description=First line to read (1-based). Reads from the top when omitted."`
	LineEnd   int    `json:"line_end,omitempty" jsonschema:"description=Last line to read (inclusive). Reads to the end when omitted."`
}

type writeSourceArgs struct {
	SummaryID string `json:"summary_id" jsonschema:"description=Identifier from a condensed-output notice."`
	FilePath  string `json:"file_path" jsonschema:"description=Destination path. Parent directories are created as needed."`
}

// SourceTools returns tools that recover the full original text behind a
// summary_id produced when long tool output was condensed.
func SourceTools(store *summaries.Store) []*agent.Tool {
	return []*agent.Tool{
		{
			Definition: models.ToolDefinition{
				Name:        "read_source",
				Description: "Read the original text behind a summary_id. Restrict to a line range with line_start and line_end.",
				Parameters:  schemaFor(&readSourceArgs{}),
			},
			// The output is already recovered source text; condensing it
			// again would defeat the point.
			SkipSummarization: true,
			Func: func(ctx context.Context, args agent.ToolArgs) (any, error) {
				id := args.String("summary_id")
				if id == "" {
					return nil, fmt.Errorf("summary_id is required")
				}
				return store.ReadOriginalLines(id, args.Int("line_start"), args.Int("line_end"))
			},
		},
		{
			Definition: models.ToolDefinition{
				Name:        "write_source",
				Description: "Write the original text behind a summary_id to a file on disk.",
				Parameters:  schemaFor(&writeSourceArgs{}),
			},
			Func: func(ctx context.Context, args agent.ToolArgs) (any, error) {
				id := args.String("summary_id")
				path := args.String("file_path")
				if id == "" || path == "" {
					return nil, fmt.Errorf("summary_id and file_path are required")
				}
				if err := store.WriteOriginalTo(id, path); err != nil {
					return nil, err
				}
				return fmt.Sprintf("Wrote original %s to %s", id, path), nil
			},
		},
	}
}
