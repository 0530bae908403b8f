package agent

import (
	"context"
	"io"

	"github.com/haasonsaas/ensemble/pkg/models"
)

// StreamRequest is the provider-independent request for one model round.
// Messages is normalized history (every function call immediately followed
// by its output); adapters convert it to their wire format.
type StreamRequest struct {
	// RequestID tags all events and usage records produced by this round.
	RequestID string

	// Model is the resolved model ID, already alias-normalized.
	Model string

	// Instructions is the system prompt. Adapters place it wherever their
	// wire format expects system content.
	Instructions string

	Messages []models.Message
	Tools    []models.ToolDefinition

	Settings ModelSettings

	// Agent identifies the requesting agent for event tagging.
	Agent *models.AgentInfo
}

// Provider streams one model turn as canonical events.
//
// OpenStream returns immediately; a producer goroutine pushes events into
// the returned channel and closes it after a terminal event. The sequence
// always ends with exactly one stream_end or one error event. Cancelling
// ctx tears the stream down and closes the channel.
//
// Adapters report usage to the cost tracker themselves and mirror the
// resulting record as a cost_update event before the terminal event.
type Provider interface {
	Name() string
	OpenStream(ctx context.Context, req StreamRequest) <-chan models.Event
}

// EmbeddingRequest asks for one vector per input text.
type EmbeddingRequest struct {
	Model  string
	Inputs []string

	// Dimensions requests reduced-dimension vectors when the model supports
	// it. Zero keeps the model default; the value is passed through as-is.
	Dimensions int
}

// Embedder is implemented by adapters that can produce embeddings.
type Embedder interface {
	CreateEmbeddings(ctx context.Context, req EmbeddingRequest) ([][]float64, error)
}

// ImageRequest asks for generated images.
type ImageRequest struct {
	Model  string
	Prompt string

	// Size is a provider-specific size hint such as "1024x1024".
	Size string

	// Count is the number of images. Zero means one.
	Count int
}

// GeneratedImage is one produced image, either hosted or inline.
type GeneratedImage struct {
	URL      string
	Base64   string
	MimeType string
}

// ImageCreator is implemented by adapters that can generate images.
type ImageCreator interface {
	CreateImage(ctx context.Context, req ImageRequest) ([]GeneratedImage, error)
}

// VoiceRequest asks for synthesized speech.
type VoiceRequest struct {
	Model string
	Text  string

	// Voice names the provider voice. Empty picks the adapter default.
	Voice string

	// Format is the provider output format identifier, e.g. "mp3_44100_128"
	// or "pcm_24000". Empty picks the adapter default.
	Format string
}

// VoiceSynthesizer is implemented by adapters that can synthesize speech.
// The reader yields encoded audio and must be closed by the caller.
type VoiceSynthesizer interface {
	CreateVoice(ctx context.Context, req VoiceRequest) (io.ReadCloser, error)
}

// TranscriptionRequest asks for speech-to-text over encoded audio.
type TranscriptionRequest struct {
	Model string

	// Audio is the encoded audio payload. Filename hints the container
	// format to providers that sniff by extension, e.g. "clip.mp3".
	Audio    io.Reader
	Filename string

	// Language is an optional ISO-639-1 hint.
	Language string
}

// TranscriptionEvent is one update from a speech-to-text stream. Providers
// without incremental transcripts send a single final event. Err reports a
// terminal failure; the channel closes after any final or failed event.
type TranscriptionEvent struct {
	Text    string
	IsFinal bool
	Err     error
}

// Transcriber is implemented by adapters that can transcribe audio. The
// returned channel is closed after a final or failed event.
type Transcriber interface {
	CreateTranscription(ctx context.Context, req TranscriptionRequest) <-chan TranscriptionEvent
}
