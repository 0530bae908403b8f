package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/ensemble/internal/agent"
	"github.com/haasonsaas/ensemble/internal/observability"
	"github.com/haasonsaas/ensemble/pkg/models"
)

// OpenAIConfig configures an OpenAIProvider. APIKey is required. BaseURL
// and ProviderName let OpenAI-compatible backends (xAI, DeepSeek,
// OpenRouter) reuse the adapter; see compat.go.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string

	// ProviderName overrides the adapter name for routing, error
	// classification, and usage records. Default "openai".
	ProviderName string

	// ExtraHeaders are added to every request. OpenRouter attribution
	// headers land here.
	ExtraHeaders map[string]string

	Usage  UsageSink
	Logger *observability.Logger
}

// OpenAIProvider streams chat completions through the OpenAI API and any
// API-compatible backend. It also exposes embeddings, image generation, and
// Whisper transcription for backends that support them.
type OpenAIProvider struct {
	name   string
	client *openai.Client
	usage  UsageSink
	logger *observability.Logger
}

var (
	_ agent.Provider     = (*OpenAIProvider)(nil)
	_ agent.Embedder     = (*OpenAIProvider)(nil)
	_ agent.ImageCreator = (*OpenAIProvider)(nil)
	_ agent.Transcriber  = (*OpenAIProvider)(nil)
)

// NewOpenAIProvider creates an adapter for the OpenAI API.
func NewOpenAIProvider(config OpenAIConfig) (*OpenAIProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if config.ProviderName == "" {
		config.ProviderName = "openai"
	}
	if config.Usage == nil {
		config.Usage = NopUsage{}
	}
	if config.Logger == nil {
		config.Logger = observability.NewNopLogger()
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	if len(config.ExtraHeaders) > 0 {
		clientConfig.HTTPClient = &http.Client{
			Transport: &headerTransport{base: http.DefaultTransport, headers: config.ExtraHeaders},
		}
	}

	return &OpenAIProvider{
		name:   config.ProviderName,
		client: openai.NewClientWithConfig(clientConfig),
		usage:  config.Usage,
		logger: config.Logger,
	}, nil
}

// Name returns the provider identifier used for routing and usage records.
func (p *OpenAIProvider) Name() string {
	return p.name
}

// OpenStream opens one streaming chat completion and converts its deltas
// into canonical events.
func (p *OpenAIProvider) OpenStream(ctx context.Context, req agent.StreamRequest) <-chan models.Event {
	events := make(chan models.Event, eventBuffer)

	go func() {
		defer close(events)
		em := newEmitter(events, req)

		chatReq, err := p.buildChatRequest(req)
		if err != nil {
			em.fail(ctx, agent.NewRequestError(agent.KindValidation, p.name, err.Error()).WithCause(err))
			return
		}

		stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
		if err != nil {
			em.fail(ctx, classifyOpenAI(p.name, err))
			return
		}
		defer stream.Close()

		p.consumeStream(ctx, em, stream, req)
	}()

	return events
}

// consumeStream drains one chat completion stream. Text deltas forward
// immediately; tool calls accumulate per index the way the wire splits them.
func (p *OpenAIProvider) consumeStream(ctx context.Context, em *emitter, stream *openai.ChatCompletionStream, req agent.StreamRequest) {
	messageID := newMessageID()
	messageOpen := false
	var content, thinking string

	// Wire order within one stream is stable, so index-keyed accumulation
	// plus a sorted flush preserves call order.
	type pendingCall struct {
		id, name, args string
		started        bool
	}
	calls := map[int]*pendingCall{}

	var usage *openai.Usage

	finish := func() {
		if messageOpen {
			if !em.messageComplete(ctx, messageID, content, thinking, "") {
				return
			}
		}
		record := models.UsageRecord{Model: req.Model, Metadata: usageMeta(req.RequestID)}
		if usage != nil {
			record.InputTokens = usage.PromptTokens
			record.OutputTokens = usage.CompletionTokens
			if usage.PromptTokensDetails != nil {
				record.CachedTokens = usage.PromptTokensDetails.CachedTokens
			}
			record = p.usage.AddUsage(record)
		} else {
			record = p.usage.AddEstimatedUsage(req.Model, historyText(req), content+thinking, usageMeta(req.RequestID))
		}
		if !em.costUpdate(ctx, record) {
			return
		}
		em.end(ctx)
	}

	for {
		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				finish()
				return
			}
			if ctx.Err() != nil {
				return
			}
			em.fail(ctx, classifyOpenAI(p.name, err))
			return
		}

		if response.Usage != nil {
			u := *response.Usage
			usage = &u
		}
		if len(response.Choices) == 0 {
			continue
		}
		delta := response.Choices[0].Delta

		if delta.Content != "" || delta.ReasoningContent != "" {
			if !messageOpen {
				messageOpen = true
				if !em.messageStart(ctx, messageID) {
					return
				}
			}
			content += delta.Content
			thinking += delta.ReasoningContent
			if !em.messageDelta(ctx, messageID, delta.Content, delta.ReasoningContent) {
				return
			}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			call := calls[index]
			if call == nil {
				call = &pendingCall{}
				calls[index] = call
			}
			if tc.ID != "" {
				call.id = tc.ID
			}
			if tc.Function.Name != "" {
				call.name = tc.Function.Name
			}
			fragment := tc.Function.Arguments

			// tool_start goes out once id and name are known; everything
			// after streams as deltas against the call id.
			if !call.started && call.id != "" && call.name != "" {
				call.started = true
				call.args += fragment
				started := em.toolStart(ctx, models.ToolCall{
					CallID:   call.id,
					Function: models.FunctionInvocation{Name: call.name, Arguments: call.args},
				})
				if !started {
					return
				}
				continue
			}
			if call.started && fragment != "" {
				call.args += fragment
				if !em.toolDelta(ctx, call.id, fragment) {
					return
				}
			} else if !call.started {
				call.args += fragment
			}
		}

		// Some compatible backends never populate id on secondary calls;
		// flush whatever is still unstarted when the wire says calls are
		// done so no call is silently dropped.
		if response.Choices[0].FinishReason == openai.FinishReasonToolCalls {
			indexes := make([]int, 0, len(calls))
			for i := range calls {
				indexes = append(indexes, i)
			}
			sort.Ints(indexes)
			for _, i := range indexes {
				call := calls[i]
				if call.started || call.name == "" {
					continue
				}
				if call.id == "" {
					call.id = newCallID()
				}
				call.started = true
				started := em.toolStart(ctx, models.ToolCall{
					CallID:   call.id,
					Function: models.FunctionInvocation{Name: call.name, Arguments: call.args},
				})
				if !started {
					return
				}
			}
		}
	}
}

// buildChatRequest converts a canonical stream request to the OpenAI wire
// format.
func (p *OpenAIProvider) buildChatRequest(req agent.StreamRequest) (openai.ChatCompletionRequest, error) {
	messages, err := toOpenAIMessages(req.Instructions, req.Messages)
	if err != nil {
		return openai.ChatCompletionRequest{}, err
	}

	chatReq := openai.ChatCompletionRequest{
		Model:         req.Model,
		Messages:      messages,
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}

	settings := req.Settings
	if settings.Temperature > 0 {
		chatReq.Temperature = float32(settings.Temperature)
	}
	if settings.TopP > 0 {
		chatReq.TopP = float32(settings.TopP)
	}
	if settings.MaxTokens > 0 {
		chatReq.MaxTokens = settings.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = toOpenAITools(req.Tools)
		switch settings.ToolChoice {
		case "", agent.ToolChoiceAuto:
		case agent.ToolChoiceNone, agent.ToolChoiceRequired:
			chatReq.ToolChoice = string(settings.ToolChoice)
		default:
			chatReq.ToolChoice = openai.ToolChoice{
				Type:     openai.ToolTypeFunction,
				Function: openai.ToolFunction{Name: string(settings.ToolChoice)},
			}
		}
	}
	if len(settings.JSONSchema) > 0 {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   "response",
				Schema: settings.JSONSchema,
				Strict: true,
			},
		}
	}
	return chatReq, nil
}

// toOpenAIMessages converts normalized history. The system prompt goes
// first; history system messages (compaction summaries, verifier nudges)
// keep their position inline.
func toOpenAIMessages(instructions string, messages []models.Message) ([]openai.ChatCompletionMessage, error) {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if instructions != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: instructions,
		})
	}

	for _, msg := range messages {
		switch {
		case msg.IsFunctionCall():
			result = append(result, openai.ChatCompletionMessage{
				Role: openai.ChatMessageRoleAssistant,
				ToolCalls: []openai.ToolCall{{
					ID:   msg.CallID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      msg.Name,
						Arguments: msg.Arguments,
					},
				}},
			})

		case msg.IsFunctionCallOutput():
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Output,
				ToolCallID: msg.CallID,
			})

		default:
			oaiMsg := openai.ChatCompletionMessage{Role: toOpenAIRole(msg.Role)}
			if parts := toOpenAIParts(msg.Content); parts != nil {
				oaiMsg.MultiContent = parts
			} else {
				oaiMsg.Content = msg.Text()
			}
			result = append(result, oaiMsg)
		}
	}
	return result, nil
}

func toOpenAIRole(role models.Role) string {
	switch role {
	case models.RoleSystem, models.RoleDeveloper:
		return openai.ChatMessageRoleSystem
	case models.RoleAssistant:
		return openai.ChatMessageRoleAssistant
	default:
		return openai.ChatMessageRoleUser
	}
}

// toOpenAIParts builds multi-content only when the message carries images;
// plain text stays in the simple Content field.
func toOpenAIParts(content models.ContentParts) []openai.ChatMessagePart {
	hasImage := false
	for _, part := range content {
		if part.Type == models.ContentPartImage {
			hasImage = true
			break
		}
	}
	if !hasImage {
		return nil
	}

	parts := make([]openai.ChatMessagePart, 0, len(content))
	for _, part := range content {
		switch part.Type {
		case models.ContentPartText:
			if part.Text != "" {
				parts = append(parts, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeText,
					Text: part.Text,
				})
			}
		case models.ContentPartImage:
			url := part.URL
			if url == "" && part.Data != "" {
				mime := part.MimeType
				if mime == "" {
					mime = "image/png"
				}
				url = fmt.Sprintf("data:%s;base64,%s", mime, part.Data)
			}
			if url != "" {
				parts = append(parts, openai.ChatMessagePart{
					Type:     openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{URL: url, Detail: openai.ImageURLDetailAuto},
				})
			}
		}
	}
	return parts
}

// toOpenAITools converts tool definitions, degrading an unparsable schema
// to an empty object so one bad tool does not sink the request.
func toOpenAITools(tools []models.ToolDefinition) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schema map[string]any
		if err := json.Unmarshal(tool.Parameters, &schema); err != nil || schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			},
		}
	}
	return result
}

// CreateEmbeddings returns one vector per input. Dimensions passes through
// untouched when set.
func (p *OpenAIProvider) CreateEmbeddings(ctx context.Context, req agent.EmbeddingRequest) ([][]float64, error) {
	embReq := openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(req.Model),
		Input: req.Inputs,
	}
	if req.Dimensions > 0 {
		embReq.Dimensions = req.Dimensions
	}

	resp, err := p.client.CreateEmbeddings(ctx, embReq)
	if err != nil {
		return nil, classifyOpenAI(p.name, err)
	}

	vectors := make([][]float64, len(resp.Data))
	for i, item := range resp.Data {
		vector := make([]float64, len(item.Embedding))
		for j, v := range item.Embedding {
			vector[j] = float64(v)
		}
		vectors[i] = vector
	}

	p.usage.AddUsage(models.UsageRecord{
		Model:       req.Model,
		InputTokens: resp.Usage.PromptTokens,
	})
	return vectors, nil
}

// CreateImage generates images. The response carries URLs or inline base64
// depending on the model.
func (p *OpenAIProvider) CreateImage(ctx context.Context, req agent.ImageRequest) ([]agent.GeneratedImage, error) {
	count := req.Count
	if count <= 0 {
		count = 1
	}
	imgReq := openai.ImageRequest{
		Model:  req.Model,
		Prompt: req.Prompt,
		N:      count,
	}
	if req.Size != "" {
		imgReq.Size = req.Size
	}

	resp, err := p.client.CreateImage(ctx, imgReq)
	if err != nil {
		return nil, agent.NewRequestError(agent.KindImageProcessing, p.name, err.Error()).
			WithStatus(classifyOpenAI(p.name, err).StatusCode).
			WithCause(err)
	}

	images := make([]agent.GeneratedImage, 0, len(resp.Data))
	for _, item := range resp.Data {
		images = append(images, agent.GeneratedImage{
			URL:      item.URL,
			Base64:   item.B64JSON,
			MimeType: "image/png",
		})
	}

	p.usage.AddUsage(models.UsageRecord{Model: req.Model, ImageCount: len(images)})
	return images, nil
}

// CreateTranscription converts audio to text through Whisper-compatible
// endpoints. Whisper returns the whole transcript at once, so the stream
// carries a single final event.
func (p *OpenAIProvider) CreateTranscription(ctx context.Context, req agent.TranscriptionRequest) <-chan agent.TranscriptionEvent {
	events := make(chan agent.TranscriptionEvent, 1)

	go func() {
		defer close(events)

		audioReq := openai.AudioRequest{
			Model:    req.Model,
			Reader:   req.Audio,
			FilePath: req.Filename,
			Language: req.Language,
		}
		if audioReq.FilePath == "" {
			audioReq.FilePath = "audio.mp3"
		}

		resp, err := p.client.CreateTranscription(ctx, audioReq)
		if err != nil {
			sendTranscription(ctx, events, agent.TranscriptionEvent{Err: classifyOpenAI(p.name, err)})
			return
		}
		p.usage.AddEstimatedUsage(req.Model, "", resp.Text, nil)
		sendTranscription(ctx, events, agent.TranscriptionEvent{Text: resp.Text, IsFinal: true})
	}()

	return events
}
