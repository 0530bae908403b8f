package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/haasonsaas/ensemble/internal/usage"
	"github.com/haasonsaas/ensemble/pkg/models"
)

// toolGlyphs maps built-in tool names to a display glyph. Unknown tools get
// the fallback.
var toolGlyphs = map[string]string{
	"task_complete":         "✅",
	"task_fatal_error":      "💥",
	"get_running_tools":     "📋",
	"get_tool_status":       "📋",
	"wait_for_running_tool": "⏳",
	"read_source":           "📖",
	"write_source":          "✏️",
}

const toolGlyphFallback = "🧩"

// renderer writes a readable transcript of a canonical event stream.
type renderer struct {
	w       io.Writer
	verbose bool

	// streaming tracks whether the cursor sits mid-line in assistant text.
	streaming bool
}

func newRenderer(w io.Writer, verbose bool) *renderer {
	return &renderer{w: w, verbose: verbose}
}

// handle renders one event. It returns the terminal error text when the
// event ends the stream with a failure.
func (r *renderer) handle(event models.Event) string {
	switch event.Type {
	case models.EventMessageDelta:
		if event.Message != nil && event.Message.Content != "" {
			fmt.Fprint(r.w, event.Message.Content)
			r.streaming = true
		}
	case models.EventMessageComplete:
		r.breakLine()
	case models.EventToolStart:
		r.breakLine()
		if event.Tool != nil && event.Tool.ToolCall != nil {
			call := event.Tool.ToolCall
			fmt.Fprintf(r.w, "%s %s(%s)\n", glyphFor(call.Function.Name),
				call.Function.Name, clip(call.Function.Arguments, 120))
		}
	case models.EventToolDone:
		if event.Tool == nil || event.Tool.Result == nil {
			break
		}
		result := event.Tool.Result
		if result.Error != "" {
			fmt.Fprintf(r.w, "   ↳ error: %s\n", clip(result.Error, 200))
		} else if result.Output != "" {
			fmt.Fprintf(r.w, "   ↳ %s\n", clip(result.Output, 200))
		}
	case models.EventCostUpdate:
		if r.verbose && event.Cost != nil {
			record := event.Cost.Usage
			r.breakLine()
			fmt.Fprintf(r.w, "💰 %s (%s in / %s out, %s)\n",
				usage.FormatUSD(record.Cost),
				usage.FormatTokenCount(int64(record.InputTokens)),
				usage.FormatTokenCount(int64(record.OutputTokens)),
				record.Model)
		}
	case models.EventFileComplete:
		r.breakLine()
		if event.File != nil {
			fmt.Fprintf(r.w, "📎 file %s (%s, %d bytes)\n",
				event.File.MessageID, event.File.MimeType, len(event.File.Data))
		}
	case models.EventAgentStart, models.EventAgentStatus, models.EventAgentDone:
		if r.verbose && event.Agent != nil {
			r.breakLine()
			fmt.Fprintf(r.w, "· %s %s\n", event.Type, event.Agent.AgentID)
		}
	case models.EventError:
		r.breakLine()
		if event.Error != nil {
			fmt.Fprintf(r.w, "❌ %s\n", event.Error.Error)
			return event.Error.Error
		}
		return "stream failed"
	case models.EventStreamEnd:
		r.breakLine()
	}
	return ""
}

// breakLine terminates a partially streamed assistant line.
func (r *renderer) breakLine() {
	if r.streaming {
		fmt.Fprintln(r.w)
		r.streaming = false
	}
}

func glyphFor(name string) string {
	if glyph, ok := toolGlyphs[name]; ok {
		return glyph
	}
	return toolGlyphFallback
}

// clip shortens a one-line view of s for transcript annotations.
func clip(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
