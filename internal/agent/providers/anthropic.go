package providers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/ensemble/internal/agent"
	"github.com/haasonsaas/ensemble/internal/observability"
	"github.com/haasonsaas/ensemble/pkg/models"
)

// anthropicDefaultMaxTokens applies when a request leaves MaxTokens unset;
// the Anthropic API requires an explicit output bound.
const anthropicDefaultMaxTokens = 4096

// maxEmptyStreamEvents is the number of consecutive no-op events after which
// a stream is treated as malformed rather than merely slow.
const maxEmptyStreamEvents = 300

// AnthropicConfig configures an AnthropicProvider. APIKey is required.
type AnthropicConfig struct {
	APIKey  string
	BaseURL string

	Usage  UsageSink
	Logger *observability.Logger
}

// AnthropicProvider streams Claude messages through the official SDK and
// converts SSE events into canonical events.
type AnthropicProvider struct {
	client anthropic.Client
	usage  UsageSink
	logger *observability.Logger
}

var _ agent.Provider = (*AnthropicProvider)(nil)

// NewAnthropicProvider creates an adapter for the Anthropic API.
func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if config.Usage == nil {
		config.Usage = NopUsage{}
	}
	if config.Logger == nil {
		config.Logger = observability.NewNopLogger()
	}

	options := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if strings.TrimSpace(config.BaseURL) != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}

	return &AnthropicProvider{
		client: anthropic.NewClient(options...),
		usage:  config.Usage,
		logger: config.Logger,
	}, nil
}

// Name returns "anthropic".
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// OpenStream opens one streaming message request and converts its SSE
// events into canonical events.
func (p *AnthropicProvider) OpenStream(ctx context.Context, req agent.StreamRequest) <-chan models.Event {
	events := make(chan models.Event, eventBuffer)

	go func() {
		defer close(events)
		em := newEmitter(events, req)

		params, err := p.buildParams(req)
		if err != nil {
			em.fail(ctx, agent.NewRequestError(agent.KindValidation, "anthropic", err.Error()).WithCause(err))
			return
		}

		stream := p.client.Messages.NewStreaming(ctx, params)
		p.consumeStream(ctx, em, stream, req)
	}()

	return events
}

// consumeStream walks the SSE event union. Text and thinking deltas forward
// immediately; tool input JSON streams as tool deltas against the call id
// announced by its content_block_start.
func (p *AnthropicProvider) consumeStream(ctx context.Context, em *emitter, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], req agent.StreamRequest) {
	messageID := newMessageID()
	messageOpen := false
	var content, thinking, signature string

	currentCallID := ""
	inThinkingBlock := false
	emptyEvents := 0

	var inputTokens, outputTokens, cachedTokens int

	openMessage := func() bool {
		if messageOpen {
			return true
		}
		messageOpen = true
		return em.messageStart(ctx, messageID)
	}

	finish := func() {
		if messageOpen {
			if !em.messageComplete(ctx, messageID, content, thinking, signature) {
				return
			}
		}
		record := p.usage.AddUsage(models.UsageRecord{
			Model:        req.Model,
			InputTokens:  inputTokens,
			OutputTokens: outputTokens,
			CachedTokens: cachedTokens,
			Metadata:     usageMeta(req.RequestID),
		})
		if !em.costUpdate(ctx, record) {
			return
		}
		em.end(ctx)
	}

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			if start.Message.Usage.InputTokens > 0 {
				inputTokens = int(start.Message.Usage.InputTokens)
			}
			if start.Message.Usage.CacheReadInputTokens > 0 {
				cachedTokens = int(start.Message.Usage.CacheReadInputTokens)
			}
			processed = true

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			switch block.Type {
			case "thinking":
				inThinkingBlock = true
				processed = true
			case "tool_use":
				toolUse := block.AsToolUse()
				currentCallID = toolUse.ID
				started := em.toolStart(ctx, models.ToolCall{
					CallID:   toolUse.ID,
					Function: models.FunctionInvocation{Name: toolUse.Name},
				})
				if !started {
					return
				}
				processed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					if !openMessage() {
						return
					}
					content += delta.Text
					if !em.messageDelta(ctx, messageID, delta.Text, "") {
						return
					}
					processed = true
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					if !openMessage() {
						return
					}
					thinking += delta.Thinking
					if !em.messageDelta(ctx, messageID, "", delta.Thinking) {
						return
					}
					processed = true
				}
			case "signature_delta":
				if delta.Signature != "" {
					signature += delta.Signature
					processed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" && currentCallID != "" {
					if !em.toolDelta(ctx, currentCallID, delta.PartialJSON) {
						return
					}
					processed = true
				}
			}

		case "content_block_stop":
			if inThinkingBlock {
				inThinkingBlock = false
				processed = true
			} else if currentCallID != "" {
				currentCallID = ""
				processed = true
			}

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				outputTokens = int(delta.Usage.OutputTokens)
			}
			processed = true

		case "message_stop":
			finish()
			return

		case "error":
			em.fail(ctx, agent.Classify("anthropic", 0, errors.New("anthropic: stream error event")))
			return
		}

		if processed {
			emptyEvents = 0
			continue
		}
		emptyEvents++
		if emptyEvents >= maxEmptyStreamEvents {
			err := errors.New("anthropic: stream malformed: too many consecutive empty events")
			em.fail(ctx, agent.NewRequestError(agent.KindStreamInterrupted, "anthropic", err.Error()).WithCause(err))
			return
		}
	}

	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			return
		}
		em.fail(ctx, classifyAnthropic(err))
		return
	}
	// Stream closed without message_stop.
	finish()
}

// buildParams converts a canonical request to Anthropic message params.
func (p *AnthropicProvider) buildParams(req agent.StreamRequest) (anthropic.MessageNewParams, error) {
	system, messages, err := toAnthropicMessages(req.Instructions, req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	maxTokens := req.Settings.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}
	if req.Settings.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Settings.Temperature)
	}
	if req.Settings.TopP > 0 {
		params.TopP = anthropic.Float(req.Settings.TopP)
	}

	if len(req.Tools) > 0 && req.Settings.ToolChoice != agent.ToolChoiceNone {
		tools, err := toAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
		switch req.Settings.ToolChoice {
		case "", agent.ToolChoiceAuto:
		case agent.ToolChoiceRequired:
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}
		default:
			params.ToolChoice = anthropic.ToolChoiceUnionParam{
				OfTool: &anthropic.ToolChoiceToolParam{Name: string(req.Settings.ToolChoice)},
			}
		}
	}
	return params, nil
}

// toAnthropicMessages converts normalized history. System-role messages
// (instructions, compaction summaries, verifier nudges) fold into the
// system parameter because the messages array only accepts user and
// assistant turns.
func toAnthropicMessages(instructions string, messages []models.Message) (string, []anthropic.MessageParam, error) {
	var system strings.Builder
	system.WriteString(instructions)

	var result []anthropic.MessageParam
	for _, msg := range messages {
		switch {
		case msg.IsFunctionCall():
			var input map[string]any
			if err := json.Unmarshal([]byte(msg.Arguments), &input); err != nil {
				input = map[string]any{}
			}
			result = append(result, anthropic.NewAssistantMessage(
				anthropic.NewToolUseBlock(msg.CallID, input, msg.Name),
			))

		case msg.IsFunctionCallOutput():
			isError := msg.Status == models.StatusIncomplete
			result = append(result, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.CallID, msg.Output, isError),
			))

		case msg.Role == models.RoleSystem || msg.Role == models.RoleDeveloper:
			if text := msg.Text(); text != "" {
				if system.Len() > 0 {
					system.WriteString("\n\n")
				}
				system.WriteString(text)
			}

		default:
			blocks := toAnthropicBlocks(msg.Content)
			if len(blocks) == 0 {
				continue
			}
			if msg.Role == models.RoleAssistant {
				result = append(result, anthropic.NewAssistantMessage(blocks...))
			} else {
				result = append(result, anthropic.NewUserMessage(blocks...))
			}
		}
	}
	return system.String(), result, nil
}

func toAnthropicBlocks(content models.ContentParts) []anthropic.ContentBlockParamUnion {
	var blocks []anthropic.ContentBlockParamUnion
	for _, part := range content {
		switch part.Type {
		case models.ContentPartText:
			if part.Text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(part.Text))
			}
		case models.ContentPartImage:
			if part.Data != "" {
				mime := part.MimeType
				if mime == "" {
					mime = "image/png"
				}
				blocks = append(blocks, anthropic.NewImageBlockBase64(mime, part.Data))
			}
		}
	}
	return blocks
}

func toAnthropicTools(tools []models.ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		params := tool.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		if err := json.Unmarshal(params, &schema); err != nil {
			return nil, errors.New("anthropic: invalid tool schema for " + tool.Name)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool == nil {
			return nil, errors.New("anthropic: invalid tool definition for " + tool.Name)
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, toolParam)
	}
	return result, nil
}
