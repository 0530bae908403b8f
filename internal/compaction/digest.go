package compaction

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/haasonsaas/ensemble/pkg/models"
)

// maxDigestItems caps each extracted category so the synthetic summary
// cannot outgrow what it replaced.
const maxDigestItems = 20

// microLineLimit is the character cap for one conversation flow line.
const microLineLimit = 80

// LogLine is one conversation flow entry: who spoke and a one-line digest.
type LogLine struct {
	Role    string `json:"role"`
	Summary string `json:"summary"`
}

// MicroLine digests a message into a flow line. Function calls render as
// "Called <name>()", everything else as its first line capped at 80 chars.
func MicroLine(msg *models.Message) LogLine {
	switch {
	case msg.IsFunctionCall():
		return LogLine{Role: string(models.RoleAssistant), Summary: fmt.Sprintf("Called %s()", msg.Name)}
	case msg.IsFunctionCallOutput():
		return LogLine{Role: "tool", Summary: firstLine(msg.Output)}
	default:
		return LogLine{Role: string(msg.Role), Summary: firstLine(msg.Text())}
	}
}

func firstLine(text string) string {
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	runes := []rune(text)
	if len(runes) > microLineLimit {
		return string(runes[:microLineLimit]) + "..."
	}
	return text
}

// ToolUse records that a tool was invoked and for what.
type ToolUse struct {
	Name    string `json:"name"`
	Purpose string `json:"purpose"`
}

// KeyInfo is the best-effort extraction from a conversation slice.
type KeyInfo struct {
	Entities  []string
	Decisions []string
	Todos     []string
	Tools     []ToolUse
}

var (
	pathRe     = regexp.MustCompile(`/[\w.-]+(?:/[\w.-]+)+`)
	urlRe      = regexp.MustCompile(`https?://[^\s)\]}"']+`)
	identRe    = regexp.MustCompile(`\b[A-Z][a-zA-Z0-9_]{2,}\b`)
	todoRe     = regexp.MustCompile(`(?m)TODO:\s*(.+)`)
	decisionRe = regexp.MustCompile(`\b(?:will|should|must|decided)\b`)
	sentenceRe = regexp.MustCompile(`[.!?\n]+`)
)

// Extract scans messages for entities, decisions, todos, and tool usages.
// It is regex-level and best-effort: useful anchors for a summary, not a
// faithful index.
func Extract(messages []models.Message) KeyInfo {
	var info KeyInfo
	seenEntity := make(map[string]bool)
	seenDecision := make(map[string]bool)
	seenTodo := make(map[string]bool)

	addEntity := func(s string) {
		if !seenEntity[s] && len(info.Entities) < maxDigestItems {
			seenEntity[s] = true
			info.Entities = append(info.Entities, s)
		}
	}

	for i := range messages {
		msg := &messages[i]

		if msg.IsFunctionCall() {
			if len(info.Tools) < maxDigestItems {
				info.Tools = append(info.Tools, ToolUse{
					Name:    msg.Name,
					Purpose: firstLine(msg.Arguments),
				})
			}
			continue
		}

		text := msg.Text()
		if text == "" {
			continue
		}

		for _, m := range urlRe.FindAllString(text, -1) {
			addEntity(m)
		}
		// Strip URLs before path matching so scheme-relative segments do
		// not double-count.
		stripped := urlRe.ReplaceAllString(text, "")
		for _, m := range pathRe.FindAllString(stripped, -1) {
			addEntity(m)
		}
		for _, m := range identRe.FindAllString(stripped, -1) {
			addEntity(m)
		}

		for _, sentence := range sentenceRe.Split(text, -1) {
			sentence = strings.TrimSpace(sentence)
			if sentence == "" || !decisionRe.MatchString(sentence) {
				continue
			}
			if !seenDecision[sentence] && len(info.Decisions) < maxDigestItems {
				seenDecision[sentence] = true
				info.Decisions = append(info.Decisions, sentence)
			}
		}

		for _, m := range todoRe.FindAllStringSubmatch(text, -1) {
			todo := strings.TrimSpace(m[1])
			if todo != "" && !seenTodo[todo] && len(info.Todos) < maxDigestItems {
				seenTodo[todo] = true
				info.Todos = append(info.Todos, todo)
			}
		}
	}
	return info
}

// BuildSummaryContent assembles the synthetic system message body: the
// sentinel, the conversation flow, extracted key information, and the
// external summary when one was produced.
func BuildSummaryContent(summary string, flow []LogLine, info KeyInfo) string {
	var b strings.Builder
	b.WriteString(SummarySentinel)
	b.WriteString("\n\n## Conversation Flow\n")
	if len(flow) == 0 {
		b.WriteString("(no prior messages)\n")
	}
	for _, line := range flow {
		fmt.Fprintf(&b, "- %s: %s\n", line.Role, line.Summary)
	}

	b.WriteString("\n## Key Information\n")
	empty := true
	if len(info.Entities) > 0 {
		empty = false
		b.WriteString("### Entities\n")
		for _, e := range info.Entities {
			fmt.Fprintf(&b, "- %s\n", e)
		}
	}
	if len(info.Decisions) > 0 {
		empty = false
		b.WriteString("### Decisions\n")
		for _, d := range info.Decisions {
			fmt.Fprintf(&b, "- %s\n", d)
		}
	}
	if len(info.Todos) > 0 {
		empty = false
		b.WriteString("### Todos\n")
		for _, td := range info.Todos {
			fmt.Fprintf(&b, "- %s\n", td)
		}
	}
	if len(info.Tools) > 0 {
		empty = false
		b.WriteString("### Tools Used\n")
		for _, tu := range info.Tools {
			if tu.Purpose != "" {
				fmt.Fprintf(&b, "- %s: %s\n", tu.Name, tu.Purpose)
			} else {
				fmt.Fprintf(&b, "- %s\n", tu.Name)
			}
		}
	}
	if empty {
		b.WriteString("(none)\n")
	}

	if summary != "" {
		b.WriteString("\n## Summary\n")
		b.WriteString(summary)
		if !strings.HasSuffix(summary, "\n") {
			b.WriteString("\n")
		}
	}
	return b.String()
}
