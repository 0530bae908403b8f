package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"iter"
	"math"
	"strconv"
	"strings"

	"google.golang.org/genai"

	"github.com/haasonsaas/ensemble/internal/agent"
	"github.com/haasonsaas/ensemble/internal/observability"
	"github.com/haasonsaas/ensemble/pkg/models"
)

// GoogleConfig configures a GoogleProvider. APIKey is required.
type GoogleConfig struct {
	APIKey string

	Usage  UsageSink
	Logger *observability.Logger
}

// GoogleProvider streams Gemini responses through the Google Gen AI SDK.
//
// Gemini delivers function calls as complete units inside stream chunks, so
// the adapter emits tool_start events carrying full arguments and never emits
// tool deltas.
type GoogleProvider struct {
	client *genai.Client
	usage  UsageSink
	logger *observability.Logger
}

var (
	_ agent.Provider     = (*GoogleProvider)(nil)
	_ agent.Embedder     = (*GoogleProvider)(nil)
	_ agent.ImageCreator = (*GoogleProvider)(nil)
)

// NewGoogleProvider creates an adapter for the Gemini API.
func NewGoogleProvider(config GoogleConfig) (*GoogleProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("google: API key is required")
	}
	if config.Usage == nil {
		config.Usage = NopUsage{}
	}
	if config.Logger == nil {
		config.Logger = observability.NewNopLogger()
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, errors.Join(errors.New("google: failed to create client"), err)
	}

	return &GoogleProvider{
		client: client,
		usage:  config.Usage,
		logger: config.Logger,
	}, nil
}

// Name returns "google".
func (p *GoogleProvider) Name() string {
	return "google"
}

// OpenStream opens one streaming generate request and converts its chunks
// into canonical events.
func (p *GoogleProvider) OpenStream(ctx context.Context, req agent.StreamRequest) <-chan models.Event {
	events := make(chan models.Event, eventBuffer)

	go func() {
		defer close(events)
		em := newEmitter(events, req)

		contents, err := toGoogleContents(req.Messages)
		if err != nil {
			em.fail(ctx, agent.NewRequestError(agent.KindValidation, "google", err.Error()).WithCause(err))
			return
		}
		if len(contents) == 0 {
			em.fail(ctx, agent.NewRequestError(agent.KindValidation, "google", "google: request has no content"))
			return
		}

		config := p.buildConfig(req)
		stream := p.client.Models.GenerateContentStream(ctx, req.Model, contents, config)
		p.consumeStream(ctx, em, stream, req)
	}()

	return events
}

func (p *GoogleProvider) consumeStream(ctx context.Context, em *emitter, stream iter.Seq2[*genai.GenerateContentResponse, error], req agent.StreamRequest) {
	messageID := newMessageID()
	messageOpen := false
	var content, thinking string

	sawUsage := false
	var inputTokens, outputTokens, cachedTokens int

	openMessage := func() bool {
		if messageOpen {
			return true
		}
		messageOpen = true
		return em.messageStart(ctx, messageID)
	}

	for resp, err := range stream {
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			em.fail(ctx, classifyGoogle(err))
			return
		}
		if resp == nil {
			continue
		}

		for _, candidate := range resp.Candidates {
			if candidate == nil || candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part == nil {
					continue
				}
				if part.Text != "" {
					if !openMessage() {
						return
					}
					if part.Thought {
						thinking += part.Text
						if !em.messageDelta(ctx, messageID, "", part.Text) {
							return
						}
					} else {
						content += part.Text
						if !em.messageDelta(ctx, messageID, part.Text, "") {
							return
						}
					}
				}
				if part.FunctionCall != nil {
					args, jsonErr := json.Marshal(part.FunctionCall.Args)
					if jsonErr != nil {
						args = []byte("{}")
					}
					callID := part.FunctionCall.ID
					if callID == "" {
						callID = newCallID()
					}
					started := em.toolStart(ctx, models.ToolCall{
						CallID: callID,
						Function: models.FunctionInvocation{
							Name:      part.FunctionCall.Name,
							Arguments: string(args),
						},
					})
					if !started {
						return
					}
				}
			}
		}

		if resp.UsageMetadata != nil {
			sawUsage = true
			if resp.UsageMetadata.PromptTokenCount > 0 {
				inputTokens = int(resp.UsageMetadata.PromptTokenCount)
			}
			if resp.UsageMetadata.CandidatesTokenCount > 0 {
				outputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
			}
			if resp.UsageMetadata.CachedContentTokenCount > 0 {
				cachedTokens = int(resp.UsageMetadata.CachedContentTokenCount)
			}
		}
	}

	if messageOpen {
		if !em.messageComplete(ctx, messageID, content, thinking, "") {
			return
		}
	}

	var record models.UsageRecord
	if sawUsage {
		record = p.usage.AddUsage(models.UsageRecord{
			Model:        req.Model,
			InputTokens:  inputTokens,
			OutputTokens: outputTokens,
			CachedTokens: cachedTokens,
			Metadata:     usageMeta(req.RequestID),
		})
	} else {
		record = p.usage.AddEstimatedUsage(req.Model, historyText(req), content+thinking, usageMeta(req.RequestID))
	}
	if !em.costUpdate(ctx, record) {
		return
	}
	em.end(ctx)
}

func (p *GoogleProvider) buildConfig(req agent.StreamRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}

	if system := googleSystemText(req); system != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: system}},
		}
	}

	if req.Settings.Temperature > 0 {
		config.Temperature = ptr(float32(req.Settings.Temperature))
	}
	if req.Settings.TopP > 0 {
		config.TopP = ptr(float32(req.Settings.TopP))
	}
	if req.Settings.MaxTokens > 0 {
		maxTokens := min(req.Settings.MaxTokens, math.MaxInt32)
		// #nosec G115 -- bounded by min above
		config.MaxOutputTokens = int32(maxTokens)
	}

	if len(req.Tools) > 0 && req.Settings.ToolChoice != agent.ToolChoiceNone {
		config.Tools = toGoogleTools(req.Tools)
		switch req.Settings.ToolChoice {
		case "", agent.ToolChoiceAuto:
		case agent.ToolChoiceRequired:
			config.ToolConfig = &genai.ToolConfig{
				FunctionCallingConfig: &genai.FunctionCallingConfig{Mode: genai.FunctionCallingConfigModeAny},
			}
		default:
			config.ToolConfig = &genai.ToolConfig{
				FunctionCallingConfig: &genai.FunctionCallingConfig{
					Mode:                 genai.FunctionCallingConfigModeAny,
					AllowedFunctionNames: []string{string(req.Settings.ToolChoice)},
				},
			}
		}
	}

	if len(req.Settings.JSONSchema) > 0 {
		var schemaMap map[string]any
		if err := json.Unmarshal(req.Settings.JSONSchema, &schemaMap); err == nil {
			config.ResponseMIMEType = "application/json"
			config.ResponseSchema = toGoogleSchema(schemaMap)
		}
	}

	return config
}

// googleSystemText folds instructions and history system messages into the
// system instruction, since Gemini contents only accept user and model roles.
func googleSystemText(req agent.StreamRequest) string {
	var b strings.Builder
	b.WriteString(req.Instructions)
	for _, msg := range req.Messages {
		if msg.Role != models.RoleSystem && msg.Role != models.RoleDeveloper {
			continue
		}
		if msg.IsFunctionCall() || msg.IsFunctionCallOutput() {
			continue
		}
		if text := msg.Text(); text != "" {
			if b.Len() > 0 {
				b.WriteString("\n\n")
			}
			b.WriteString(text)
		}
	}
	return b.String()
}

// toGoogleContents converts normalized history to Gemini contents. Function
// calls become model-role FunctionCall parts; outputs become user-role
// FunctionResponse parts keyed by function name, resolved from the paired
// call when the output message does not carry one.
func toGoogleContents(messages []models.Message) ([]*genai.Content, error) {
	var result []*genai.Content

	for i := range messages {
		msg := &messages[i]
		switch {
		case msg.IsFunctionCall():
			var args map[string]any
			if err := json.Unmarshal([]byte(msg.Arguments), &args); err != nil {
				args = map[string]any{}
			}
			result = append(result, &genai.Content{
				Role: genai.RoleModel,
				Parts: []*genai.Part{{
					FunctionCall: &genai.FunctionCall{Name: msg.Name, Args: args},
				}},
			})

		case msg.IsFunctionCallOutput():
			name := msg.Name
			if name == "" {
				name = functionNameFor(messages, msg.CallID)
			}
			var response map[string]any
			if err := json.Unmarshal([]byte(msg.Output), &response); err != nil {
				response = map[string]any{
					"result": msg.Output,
					"error":  msg.Status == models.StatusIncomplete,
				}
			}
			result = append(result, &genai.Content{
				Role: genai.RoleUser,
				Parts: []*genai.Part{{
					FunctionResponse: &genai.FunctionResponse{Name: name, Response: response},
				}},
			})

		case msg.Role == models.RoleSystem || msg.Role == models.RoleDeveloper:
			// Folded into the system instruction.

		default:
			role := genai.RoleUser
			if msg.Role == models.RoleAssistant {
				role = genai.RoleModel
			}
			parts := toGoogleParts(msg.Content)
			if len(parts) == 0 {
				continue
			}
			result = append(result, &genai.Content{Role: role, Parts: parts})
		}
	}
	return result, nil
}

func toGoogleParts(content models.ContentParts) []*genai.Part {
	var parts []*genai.Part
	for _, part := range content {
		switch part.Type {
		case models.ContentPartText:
			if part.Text != "" {
				parts = append(parts, &genai.Part{Text: part.Text})
			}
		case models.ContentPartImage:
			if converted := toGoogleImagePart(part); converted != nil {
				parts = append(parts, converted)
			}
		}
	}
	return parts
}

func toGoogleImagePart(part models.ContentPart) *genai.Part {
	mime := part.MimeType
	if mime == "" {
		mime = "image/png"
	}
	if part.Data != "" {
		decoded, err := base64.StdEncoding.DecodeString(part.Data)
		if err != nil {
			return nil
		}
		return &genai.Part{InlineData: &genai.Blob{Data: decoded, MIMEType: mime}}
	}
	if part.URL != "" {
		return &genai.Part{FileData: &genai.FileData{FileURI: part.URL, MIMEType: mime}}
	}
	return nil
}

func toGoogleTools(tools []models.ToolDefinition) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		var schemaMap map[string]any
		if len(tool.Parameters) > 0 {
			if err := json.Unmarshal(tool.Parameters, &schemaMap); err != nil {
				schemaMap = nil
			}
		}
		if schemaMap == nil {
			schemaMap = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  toGoogleSchema(schemaMap),
		})
	}
	if len(declarations) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// toGoogleSchema converts a JSON Schema map to Gemini's Schema type. Only
// the subset Gemini understands survives the conversion.
func toGoogleSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}

	schema := &genai.Schema{}

	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = toGoogleSchema(propMap)
			}
		}
	}
	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = toGoogleSchema(items)
	}

	return schema
}

// CreateEmbeddings produces one vector per input via the Gemini embedding
// API. Gemini does not report embedding token usage, so consumption is
// estimated from the input text.
func (p *GoogleProvider) CreateEmbeddings(ctx context.Context, req agent.EmbeddingRequest) ([][]float64, error) {
	if len(req.Inputs) == 0 {
		return nil, agent.NewRequestError(agent.KindValidation, "google", "google: embedding request has no inputs")
	}

	contents := make([]*genai.Content, 0, len(req.Inputs))
	for _, input := range req.Inputs {
		contents = append(contents, &genai.Content{Parts: []*genai.Part{{Text: input}}})
	}

	config := &genai.EmbedContentConfig{}
	if req.Dimensions > 0 {
		config.OutputDimensionality = ptr(int32(req.Dimensions))
	}

	resp, err := p.client.Models.EmbedContent(ctx, req.Model, contents, config)
	if err != nil {
		return nil, classifyGoogle(err)
	}
	if len(resp.Embeddings) != len(req.Inputs) {
		return nil, agent.NewRequestError(agent.KindProvider, "google", "google: embedding count mismatch")
	}

	vectors := make([][]float64, len(resp.Embeddings))
	for i, embedding := range resp.Embeddings {
		vector := make([]float64, len(embedding.Values))
		for j, v := range embedding.Values {
			vector[j] = float64(v)
		}
		vectors[i] = vector
	}

	p.usage.AddEstimatedUsage(req.Model, strings.Join(req.Inputs, "\n"), "", nil)
	return vectors, nil
}

// CreateImage generates images with Imagen models. Size hints map onto the
// closest supported aspect ratio.
func (p *GoogleProvider) CreateImage(ctx context.Context, req agent.ImageRequest) ([]agent.GeneratedImage, error) {
	count := req.Count
	if count <= 0 {
		count = 1
	}

	config := &genai.GenerateImagesConfig{
		NumberOfImages: int32(count),
	}
	if ratio := aspectRatioFor(req.Size); ratio != "" {
		config.AspectRatio = ratio
	}

	resp, err := p.client.Models.GenerateImages(ctx, req.Model, req.Prompt, config)
	if err != nil {
		classified := classifyGoogle(err)
		if classified.Kind == agent.KindProvider {
			classified.Kind = agent.KindImageProcessing
		}
		return nil, classified
	}

	images := make([]agent.GeneratedImage, 0, len(resp.GeneratedImages))
	for _, generated := range resp.GeneratedImages {
		if generated == nil || generated.Image == nil {
			continue
		}
		mime := generated.Image.MIMEType
		if mime == "" {
			mime = "image/png"
		}
		images = append(images, agent.GeneratedImage{
			Base64:   base64.StdEncoding.EncodeToString(generated.Image.ImageBytes),
			MimeType: mime,
		})
	}
	if len(images) == 0 {
		return nil, agent.NewRequestError(agent.KindImageProcessing, "google", "google: no images generated")
	}

	p.usage.AddUsage(models.UsageRecord{Model: req.Model, ImageCount: len(images)})
	return images, nil
}

// aspectRatioFor maps a WxH size hint to an Imagen aspect ratio.
func aspectRatioFor(size string) string {
	ws, hs, ok := strings.Cut(strings.ToLower(strings.TrimSpace(size)), "x")
	if !ok {
		return ""
	}
	w, werr := strconv.Atoi(strings.TrimSpace(ws))
	h, herr := strconv.Atoi(strings.TrimSpace(hs))
	if werr != nil || herr != nil || w <= 0 || h <= 0 {
		return ""
	}
	switch {
	case w == h:
		return "1:1"
	case w > h:
		return "16:9"
	default:
		return "9:16"
	}
}

func ptr[T any](v T) *T { return &v }
