package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/ensemble/internal/agent"
	"github.com/haasonsaas/ensemble/internal/observability"
	"github.com/haasonsaas/ensemble/pkg/models"
)

const (
	elevenLabsBaseURL = "https://api.elevenlabs.io/v1"

	// Rachel, the ElevenLabs default voice.
	elevenLabsDefaultVoice = "21m00Tcm4TlvDq8ikWAM"

	elevenLabsDefaultTTSModel = "eleven_multilingual_v2"
	elevenLabsDefaultSTTModel = "scribe_v1"
	elevenLabsDefaultFormat   = "mp3_44100_128"
)

// audioChunkSize is the read size used when converting synthesized audio
// into audio_stream events.
const audioChunkSize = 32 * 1024

// ElevenLabsConfig configures an ElevenLabsProvider. APIKey is required.
type ElevenLabsConfig struct {
	APIKey  string
	BaseURL string

	// Voice is the default voice ID when a request leaves Voice empty.
	Voice string

	// Stability and SimilarityBoost tune synthesis. Zero keeps the
	// ElevenLabs defaults (0.5 and 0.75).
	Stability       float64
	SimilarityBoost float64

	HTTPClient *http.Client
	Usage      UsageSink
	Logger     *observability.Logger
}

// ElevenLabsProvider synthesizes speech and transcribes audio over the
// ElevenLabs HTTP API. It has no chat surface; OpenStream fails cleanly so
// the adapter can still live in the provider registry for routing.
type ElevenLabsProvider struct {
	apiKey          string
	baseURL         string
	voice           string
	stability       float64
	similarityBoost float64

	http   *http.Client
	usage  UsageSink
	logger *observability.Logger
}

var (
	_ agent.Provider         = (*ElevenLabsProvider)(nil)
	_ agent.VoiceSynthesizer = (*ElevenLabsProvider)(nil)
	_ agent.Transcriber      = (*ElevenLabsProvider)(nil)
)

// NewElevenLabsProvider creates an adapter for the ElevenLabs API.
func NewElevenLabsProvider(config ElevenLabsConfig) (*ElevenLabsProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("elevenlabs: API key is required")
	}
	if config.BaseURL == "" {
		config.BaseURL = elevenLabsBaseURL
	}
	if config.Voice == "" {
		config.Voice = elevenLabsDefaultVoice
	}
	if config.Stability <= 0 {
		config.Stability = 0.5
	}
	if config.SimilarityBoost <= 0 {
		config.SimilarityBoost = 0.75
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: 120 * time.Second}
	}
	if config.Usage == nil {
		config.Usage = NopUsage{}
	}
	if config.Logger == nil {
		config.Logger = observability.NewNopLogger()
	}

	return &ElevenLabsProvider{
		apiKey:          config.APIKey,
		baseURL:         strings.TrimRight(config.BaseURL, "/"),
		voice:           config.Voice,
		stability:       config.Stability,
		similarityBoost: config.SimilarityBoost,
		http:            config.HTTPClient,
		usage:           config.Usage,
		logger:          config.Logger,
	}, nil
}

// Name returns "elevenlabs".
func (p *ElevenLabsProvider) Name() string {
	return "elevenlabs"
}

// OpenStream reports that ElevenLabs has no chat models.
func (p *ElevenLabsProvider) OpenStream(ctx context.Context, req agent.StreamRequest) <-chan models.Event {
	events := make(chan models.Event, 1)
	go func() {
		defer close(events)
		em := newEmitter(events, req)
		em.fail(ctx, agent.NewRequestError(agent.KindValidation, "elevenlabs",
			"elevenlabs: chat streaming is not supported"))
	}()
	return events
}

// CreateVoice synthesizes speech and returns the encoded audio stream. The
// caller owns the reader. ElevenLabs bills by character, so usage is
// estimated from the input text.
func (p *ElevenLabsProvider) CreateVoice(ctx context.Context, req agent.VoiceRequest) (io.ReadCloser, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, agent.NewRequestError(agent.KindValidation, "elevenlabs", "elevenlabs: text is empty")
	}

	model := req.Model
	if model == "" {
		model = elevenLabsDefaultTTSModel
	}
	voice := req.Voice
	if voice == "" {
		voice = p.voice
	}
	format := req.Format
	if format == "" {
		format = elevenLabsDefaultFormat
	}

	body, err := json.Marshal(map[string]any{
		"text":     req.Text,
		"model_id": model,
		"voice_settings": map[string]any{
			"stability":        p.stability,
			"similarity_boost": p.similarityBoost,
		},
	})
	if err != nil {
		return nil, agent.NewRequestError(agent.KindValidation, "elevenlabs", err.Error()).WithCause(err)
	}

	endpoint := fmt.Sprintf("%s/text-to-speech/%s/stream?output_format=%s",
		p.baseURL, url.PathEscape(voice), url.QueryEscape(format))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, agent.NewRequestError(agent.KindProvider, "elevenlabs", err.Error()).WithCause(err)
	}
	httpReq.Header.Set("xi-api-key", p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/mpeg")

	resp, err := p.http.Do(httpReq)
	if err != nil {
		return nil, agent.Classify("elevenlabs", 0, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, p.responseError(resp)
	}

	p.usage.AddEstimatedUsage(model, req.Text, "", nil)
	return resp.Body, nil
}

// CreateTranscription converts audio to text. The API returns the whole
// transcript at once, so the stream carries a single final event.
func (p *ElevenLabsProvider) CreateTranscription(ctx context.Context, req agent.TranscriptionRequest) <-chan agent.TranscriptionEvent {
	events := make(chan agent.TranscriptionEvent, 1)

	go func() {
		defer close(events)

		text, err := p.transcribe(ctx, req)
		if err != nil {
			sendTranscription(ctx, events, agent.TranscriptionEvent{Err: err})
			return
		}
		p.usage.AddEstimatedUsage(req.Model, "", text, nil)
		sendTranscription(ctx, events, agent.TranscriptionEvent{Text: text, IsFinal: true})
	}()

	return events
}

func (p *ElevenLabsProvider) transcribe(ctx context.Context, req agent.TranscriptionRequest) (string, error) {
	if req.Audio == nil {
		return "", agent.NewRequestError(agent.KindValidation, "elevenlabs", "elevenlabs: audio is required")
	}

	model := req.Model
	if model == "" {
		model = elevenLabsDefaultSTTModel
	}
	filename := req.Filename
	if filename == "" {
		filename = "audio.mp3"
	}

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	if err := form.WriteField("model_id", model); err != nil {
		return "", agent.NewRequestError(agent.KindProvider, "elevenlabs", err.Error()).WithCause(err)
	}
	if req.Language != "" {
		if err := form.WriteField("language_code", req.Language); err != nil {
			return "", agent.NewRequestError(agent.KindProvider, "elevenlabs", err.Error()).WithCause(err)
		}
	}
	part, err := form.CreateFormFile("file", filename)
	if err != nil {
		return "", agent.NewRequestError(agent.KindProvider, "elevenlabs", err.Error()).WithCause(err)
	}
	if _, err := io.Copy(part, req.Audio); err != nil {
		return "", agent.NewRequestError(agent.KindProvider, "elevenlabs", err.Error()).WithCause(err)
	}
	if err := form.Close(); err != nil {
		return "", agent.NewRequestError(agent.KindProvider, "elevenlabs", err.Error()).WithCause(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/speech-to-text", &body)
	if err != nil {
		return "", agent.NewRequestError(agent.KindProvider, "elevenlabs", err.Error()).WithCause(err)
	}
	httpReq.Header.Set("xi-api-key", p.apiKey)
	httpReq.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := p.http.Do(httpReq)
	if err != nil {
		return "", agent.Classify("elevenlabs", 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", p.responseError(resp)
	}

	var parsed struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", agent.NewRequestError(agent.KindProvider, "elevenlabs", "elevenlabs: invalid transcription response").WithCause(err)
	}
	return parsed.Text, nil
}

// responseError converts a non-200 response into a classified request error,
// honoring Retry-After on rate limits.
func (p *ElevenLabsProvider) responseError(resp *http.Response) *agent.RequestError {
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
	message := strings.TrimSpace(string(detail))
	if message == "" {
		message = resp.Status
	}

	classified := agent.Classify("elevenlabs", resp.StatusCode, fmt.Errorf("elevenlabs: %s", message))
	if classified.Kind == agent.KindRateLimit {
		if after := retryAfterHeader(resp.Header.Get("Retry-After")); after > 0 {
			classified = classified.WithRetryAfter(after)
		}
	}
	return classified
}

func retryAfterHeader(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return 0
}

// AudioEvents converts encoded audio into a stream of audio_stream events
// followed by stream_end, closing the reader when done. PCM formats carry
// decode parameters so playback consumers need no out-of-band knowledge.
func AudioEvents(ctx context.Context, requestID string, agentInfo *models.AgentInfo, audio io.ReadCloser, format string) <-chan models.Event {
	events := make(chan models.Event, eventBuffer)

	go func() {
		defer close(events)
		defer audio.Close()

		em := &emitter{ch: events, requestID: requestID, agent: agentInfo, now: time.Now}
		pcm := pcmParametersFor(format)

		sendChunk := func(index int, data []byte, final bool) bool {
			return em.send(ctx, models.Event{
				Type: models.EventAudioStream,
				Audio: &models.AudioEventPayload{
					ChunkIndex:    index,
					IsFinalChunk:  final,
					Data:          base64.StdEncoding.EncodeToString(data),
					Format:        format,
					PCMParameters: pcm,
				},
			})
		}

		index := 0
		buf := make([]byte, audioChunkSize)
		for {
			n, err := audio.Read(buf)
			if n > 0 {
				final := errors.Is(err, io.EOF)
				if !sendChunk(index, buf[:n], final) {
					return
				}
				index++
				if final {
					em.end(ctx)
					return
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					if !sendChunk(index, nil, true) {
						return
					}
					em.end(ctx)
					return
				}
				em.fail(ctx, agent.Classify("elevenlabs", 0, err))
				return
			}
		}
	}()

	return events
}

// pcmParametersFor derives decode parameters from a pcm_<rate> format name.
// ElevenLabs PCM output is 16-bit mono little-endian.
func pcmParametersFor(format string) *models.PCMParameters {
	rate, ok := strings.CutPrefix(format, "pcm_")
	if !ok {
		return nil
	}
	sampleRate, err := strconv.Atoi(rate)
	if err != nil || sampleRate <= 0 {
		return nil
	}
	return &models.PCMParameters{
		SampleRate: sampleRate,
		Channels:   1,
		BitDepth:   16,
	}
}
