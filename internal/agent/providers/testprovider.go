package providers

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/ensemble/internal/agent"
	"github.com/haasonsaas/ensemble/pkg/models"
)

// TestRound scripts one stream round. A non-nil Error replaces the round's
// output entirely.
type TestRound struct {
	Response  string
	ToolCalls []models.ToolCall
	Error     *agent.RequestError
}

// TestConfig configures a TestProvider through plain values.
//
// Rounds scripts multi-round conversations: call N gets round N, and calls
// past the end repeat the last round. When Rounds is empty the single-shot
// fields apply to every call: FailBeforeSuccess errors are emitted first,
// then either a simulated tool call or FixedResponse.
type TestConfig struct {
	FixedResponse string

	// ChunkSize splits responses into message deltas. Default 2.
	ChunkSize int

	SimulateToolCall bool
	ToolName         string
	ToolArguments    string

	// StreamingDelay sleeps between deltas to exercise slow consumers.
	StreamingDelay time.Duration

	ShouldError bool
	// Error is emitted when ShouldError or FailBeforeSuccess applies.
	// Nil defaults to a provider-kind error.
	Error *agent.RequestError

	// FailBeforeSuccess emits Error for the first N calls, then streams
	// normally.
	FailBeforeSuccess int

	Rounds []TestRound

	// EmbedDimensions sizes CreateEmbeddings vectors. Default 8.
	EmbedDimensions int

	Usage UsageSink
}

// TestProvider is a deterministic in-memory adapter for tests and dry runs.
// It emits the same canonical event sequences as real adapters and counts
// calls so tests can assert retry and cache behavior.
type TestProvider struct {
	config TestConfig

	calls      atomic.Int64
	embedCalls atomic.Int64
	usage      UsageSink
}

var (
	_ agent.Provider = (*TestProvider)(nil)
	_ agent.Embedder = (*TestProvider)(nil)
)

// NewTestProvider creates a deterministic adapter from the given script.
func NewTestProvider(config TestConfig) *TestProvider {
	if config.ChunkSize <= 0 {
		config.ChunkSize = 2
	}
	if config.EmbedDimensions <= 0 {
		config.EmbedDimensions = 8
	}
	usage := config.Usage
	if usage == nil {
		usage = NopUsage{}
	}
	return &TestProvider{config: config, usage: usage}
}

// Name returns "test".
func (p *TestProvider) Name() string {
	return "test"
}

// Calls reports how many times OpenStream has been invoked.
func (p *TestProvider) Calls() int {
	return int(p.calls.Load())
}

// EmbedCalls reports how many times CreateEmbeddings has been invoked.
func (p *TestProvider) EmbedCalls() int {
	return int(p.embedCalls.Load())
}

// OpenStream plays the scripted round for this call.
func (p *TestProvider) OpenStream(ctx context.Context, req agent.StreamRequest) <-chan models.Event {
	call := int(p.calls.Add(1))
	events := make(chan models.Event, eventBuffer)

	go func() {
		defer close(events)
		em := newEmitter(events, req)
		round := p.roundFor(call)

		if round.Error != nil {
			em.fail(ctx, round.Error)
			return
		}

		for _, toolCall := range round.ToolCalls {
			if toolCall.CallID == "" {
				toolCall.CallID = newCallID()
			}
			if !em.toolStart(ctx, toolCall) {
				return
			}
			p.pause(ctx)
		}

		if round.Response != "" {
			messageID := newMessageID()
			if !em.messageStart(ctx, messageID) {
				return
			}
			for start := 0; start < len(round.Response); start += p.config.ChunkSize {
				end := min(start+p.config.ChunkSize, len(round.Response))
				if !em.messageDelta(ctx, messageID, round.Response[start:end], "") {
					return
				}
				p.pause(ctx)
			}
			if !em.messageComplete(ctx, messageID, round.Response, "", "") {
				return
			}
		}

		record := p.usage.AddEstimatedUsage(req.Model, historyText(req), round.Response, usageMeta(req.RequestID))
		if !em.costUpdate(ctx, record) {
			return
		}
		em.end(ctx)
	}()

	return events
}

// roundFor resolves the script for the given 1-based call number.
func (p *TestProvider) roundFor(call int) TestRound {
	if len(p.config.Rounds) > 0 {
		index := call - 1
		if index >= len(p.config.Rounds) {
			index = len(p.config.Rounds) - 1
		}
		return p.config.Rounds[index]
	}

	if p.config.ShouldError || call <= p.config.FailBeforeSuccess {
		err := p.config.Error
		if err == nil {
			err = agent.NewRequestError(agent.KindProvider, "test", "test: scripted failure")
		}
		return TestRound{Error: err}
	}

	if p.config.SimulateToolCall {
		return TestRound{ToolCalls: []models.ToolCall{{
			CallID: newCallID(),
			Function: models.FunctionInvocation{
				Name:      p.config.ToolName,
				Arguments: p.config.ToolArguments,
			},
		}}}
	}

	return TestRound{Response: p.config.FixedResponse}
}

func (p *TestProvider) pause(ctx context.Context) {
	if p.config.StreamingDelay <= 0 {
		return
	}
	select {
	case <-time.After(p.config.StreamingDelay):
	case <-ctx.Done():
	}
}

// CreateEmbeddings returns deterministic vectors derived from the input
// text, sized by EmbedDimensions or the requested dimensions.
func (p *TestProvider) CreateEmbeddings(ctx context.Context, req agent.EmbeddingRequest) ([][]float64, error) {
	p.embedCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dims := req.Dimensions
	if dims <= 0 {
		dims = p.config.EmbedDimensions
	}

	vectors := make([][]float64, len(req.Inputs))
	for i, input := range req.Inputs {
		digest := sha256.Sum256([]byte(input))
		vector := make([]float64, dims)
		for j := range vector {
			word := binary.BigEndian.Uint32(digest[(j*4)%(len(digest)-3):])
			vector[j] = float64(word%2000)/1000.0 - 1.0
		}
		vectors[i] = vector
	}
	return vectors, nil
}
