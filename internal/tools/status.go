package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/haasonsaas/ensemble/internal/agent"
	"github.com/haasonsaas/ensemble/pkg/models"
)

type noArgs struct{}

type waitForToolArgs struct {
	ID             string  `json:"id" jsonschema:"description=Tracker id of the tool execution as reported when it was backgrounded."`
	TimeoutSeconds float64 `json:"timeout_seconds,omitempty" jsonschema:"description=How long to wait before giving up. Waits until the run is cancelled when omitted."`
}

type toolStatusArgs struct {
	ID string `json:"id" jsonschema:"description=Tracker id of the tool execution."`
}

// StatusTools returns tools for observing backgrounded executions. An agent
// carrying any of these gets timeout promotion instead of timeout failure.
func StatusTools(running *agent.RunningToolTracker) []*agent.Tool {
	return []*agent.Tool{
		{
			Definition: models.ToolDefinition{
				Name:        "get_running_tools",
				Description: "List your tool executions the tracker still remembers in start order.",
				Parameters:  schemaFor(&noArgs{}),
			},
			InjectAgentID: true,
			Func: func(ctx context.Context, args agent.ToolArgs) (any, error) {
				infos := running.List(args.AgentID)
				if len(infos) == 0 {
					return "No tracked tool executions.", nil
				}
				return infos, nil
			},
		},
		{
			Definition: models.ToolDefinition{
				Name:        "wait_for_running_tool",
				Description: "Block until a backgrounded tool finishes and return its result. Set timeout_seconds to bound the wait.",
				Parameters:  schemaFor(&waitForToolArgs{}),
			},
			Func: func(ctx context.Context, args agent.ToolArgs) (any, error) {
				id := args.String("id")
				if id == "" {
					return nil, fmt.Errorf("id is required")
				}
				if secs := args.Float64("timeout_seconds"); secs > 0 {
					var cancel context.CancelFunc
					ctx, cancel = context.WithTimeout(ctx, time.Duration(secs*float64(time.Second)))
					defer cancel()
				}
				return running.WaitFor(ctx, id)
			},
		},
		{
			Definition: models.ToolDefinition{
				Name:        "get_tool_status",
				Description: "Fetch the current status of one tracked tool execution by id.",
				Parameters:  schemaFor(&toolStatusArgs{}),
			},
			Func: func(ctx context.Context, args agent.ToolArgs) (any, error) {
				id := args.String("id")
				if id == "" {
					return nil, fmt.Errorf("id is required")
				}
				info, ok := running.Get(id)
				if !ok {
					return nil, fmt.Errorf("no tracked tool execution with id %q", id)
				}
				return info, nil
			},
		},
	}
}
