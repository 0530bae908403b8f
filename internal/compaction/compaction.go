// Package compaction provides the pure pieces of history compaction: token
// estimation, partitioning the log around a verbatim tail, and chunked
// summarization through an external summarizer.
package compaction

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/haasonsaas/ensemble/pkg/models"
)

const (
	// CharsPerToken is the approximate character-to-token ratio for estimation.
	CharsPerToken = 4

	// DefaultThreshold is the share of the context window at which
	// compaction triggers.
	DefaultThreshold = 0.7

	// DefaultTailShare is the share of recent tokens kept verbatim.
	DefaultTailShare = 0.3

	// DefaultContextWindow is the fallback context window size in tokens.
	DefaultContextWindow = 100000

	// SummarySentinel opens every synthetic summary message.
	SummarySentinel = "[Previous Conversation Summary]"

	// DefaultMaxChunkTokens bounds the text handed to the summarizer in
	// one call.
	DefaultMaxChunkTokens = 20000
)

// EstimateTextTokens estimates tokens for raw text. Approximation: ~4
// characters per token, rounded up.
func EstimateTextTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + CharsPerToken - 1) / CharsPerToken
}

// EstimateTokens estimates the token count of one message by summing its
// textual fields.
func EstimateTokens(msg *models.Message) int {
	if msg == nil {
		return 0
	}
	total := 0
	for _, part := range msg.Content {
		total += EstimateTextTokens(part.Text)
	}
	total += EstimateTextTokens(msg.Arguments)
	total += EstimateTextTokens(msg.Output)
	if msg.Thinking != nil {
		total += EstimateTextTokens(msg.Thinking.Content)
	}
	return total
}

// EstimateHistoryTokens estimates total tokens across all messages.
func EstimateHistoryTokens(messages []models.Message) int {
	total := 0
	for i := range messages {
		total += EstimateTokens(&messages[i])
	}
	return total
}

// Partition groups message indices for compaction. Prelude holds the leading
// system messages and pinned messages, in original order; Compactable is what
// the summary replaces; messages from TailStart on are kept verbatim.
type Partition struct {
	Prelude     []int
	Compactable []int
	TailStart   int
}

// PartitionHistory splits the log so that roughly tailShare of the total
// tokens stay verbatim at the end. A function call and its output are never
// separated by the boundary: the tail is extended backward to keep the pair
// together.
func PartitionHistory(messages []models.Message, pinned map[int]bool, tailShare float64) Partition {
	if tailShare <= 0 || tailShare >= 1 {
		tailShare = DefaultTailShare
	}

	total := EstimateHistoryTokens(messages)
	target := int(math.Ceil(float64(total) * tailShare))

	tailStart := len(messages)
	acc := 0
	for i := len(messages) - 1; i >= 0; i-- {
		if acc >= target {
			break
		}
		acc += EstimateTokens(&messages[i])
		tailStart = i
	}

	tailStart = extendForToolPairs(messages, tailStart)

	p := Partition{TailStart: tailStart}
	inPrelude := true
	for i := 0; i < tailStart; i++ {
		msg := &messages[i]
		if inPrelude && msg.Type == models.MessageTypeMessage && msg.Role == models.RoleSystem {
			p.Prelude = append(p.Prelude, i)
			continue
		}
		inPrelude = false
		if pinned[i] {
			p.Prelude = append(p.Prelude, i)
			continue
		}
		p.Compactable = append(p.Compactable, i)
	}
	return p
}

// extendForToolPairs moves the tail boundary backward until no function call
// output inside the tail has its call outside it.
func extendForToolPairs(messages []models.Message, tailStart int) int {
	for {
		moved := false
		for i := tailStart; i < len(messages); i++ {
			if !messages[i].IsFunctionCallOutput() {
				continue
			}
			callIdx := -1
			for j := i - 1; j >= 0; j-- {
				if messages[j].IsFunctionCall() && messages[j].CallID == messages[i].CallID {
					callIdx = j
					break
				}
			}
			if callIdx >= 0 && callIdx < tailStart {
				tailStart = callIdx
				moved = true
				break
			}
		}
		if !moved {
			return tailStart
		}
	}
}

// Summarizer condenses prior conversation text. Implementations typically
// call a model; instructions carry merge or staging hints.
type Summarizer func(ctx context.Context, text, instructions string) (string, error)

// SummarizeChunked summarizes text that may exceed what the summarizer can
// take in one call. Oversized input is split at line boundaries into chunks
// of at most maxChunkTokens, each chunk is summarized, and the chunk
// summaries are merged with a final call.
func SummarizeChunked(ctx context.Context, summarize Summarizer, text string, maxChunkTokens int) (string, error) {
	if summarize == nil {
		return "", fmt.Errorf("summarizer is nil")
	}
	if maxChunkTokens <= 0 {
		maxChunkTokens = DefaultMaxChunkTokens
	}

	if EstimateTextTokens(text) <= maxChunkTokens {
		return summarize(ctx, text, "")
	}

	chunks := splitTextChunks(text, maxChunkTokens)
	summaries := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		instructions := fmt.Sprintf("This is part %d of %d of a longer conversation.", i+1, len(chunks))
		summary, err := summarize(ctx, chunk, instructions)
		if err != nil {
			return "", fmt.Errorf("summarizing chunk %d: %w", i+1, err)
		}
		summaries = append(summaries, summary)
	}

	if len(summaries) == 1 {
		return summaries[0], nil
	}

	merged := strings.Join(summaries, "\n\n")
	return summarize(ctx, merged,
		"Merge these part summaries into a single coherent summary. Preserve key details and maintain chronological flow.")
}

// splitTextChunks splits text at line boundaries into chunks of at most
// maxTokens each. A single line larger than the budget is hard-cut.
func splitTextChunks(text string, maxTokens int) []string {
	maxChars := maxTokens * CharsPerToken

	var chunks []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
		}
	}

	for _, line := range strings.SplitAfter(text, "\n") {
		for len(line) > maxChars {
			flush()
			chunks = append(chunks, line[:maxChars])
			line = line[maxChars:]
		}
		if current.Len()+len(line) > maxChars {
			flush()
		}
		current.WriteString(line)
	}
	flush()
	return chunks
}
