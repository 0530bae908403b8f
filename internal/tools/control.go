package tools

import (
	"context"

	"github.com/haasonsaas/ensemble/internal/agent"
	"github.com/haasonsaas/ensemble/pkg/models"
)

type taskCompleteArgs struct {
	Message string `json:"message,omitempty" jsonschema:"description=Final answer or completion summary handed back to the caller."`
}

type taskFatalErrorArgs struct {
	Error string `json:"error" jsonschema:"description=Short explanation of what went irrecoverably wrong."`
}

// ControlTools returns the loop-control tools. task_complete ends the run as
// successful; task_fatal_error ends it immediately without verification.
func ControlTools() []*agent.Tool {
	return []*agent.Tool{
		{
			Definition: models.ToolDefinition{
				Name:        agent.ToolTaskComplete,
				Description: "Declare the task finished. Call once the request is fully handled and pass the final answer in message.",
				Parameters:  schemaFor(&taskCompleteArgs{}),
			},
			Category: agent.CategoryControl,
			Func: func(ctx context.Context, args agent.ToolArgs) (any, error) {
				if msg := args.String("message"); msg != "" {
					return msg, nil
				}
				return "Task completed.", nil
			},
		},
		{
			Definition: models.ToolDefinition{
				Name:        agent.ToolTaskFatalError,
				Description: "Abort the task because it cannot be completed. Pass the reason in error.",
				Parameters:  schemaFor(&taskFatalErrorArgs{}),
			},
			Category: agent.CategoryControl,
			Func: func(ctx context.Context, args agent.ToolArgs) (any, error) {
				if msg := args.String("error"); msg != "" {
					return msg, nil
				}
				return "Task failed.", nil
			},
		},
	}
}
