package tape

import (
	"context"
	"sync"
	"time"

	"github.com/haasonsaas/ensemble/internal/agent"
	"github.com/haasonsaas/ensemble/pkg/models"
)

// Recorder wraps a provider and records every stream it serves. Events pass
// through untouched; the copy lands on the tape when the stream closes.
type Recorder struct {
	inner agent.Provider

	mu      sync.Mutex
	tape    *Tape
	turnIdx int
}

var _ agent.Provider = (*Recorder)(nil)

// NewRecorder wraps the provider with a fresh tape.
func NewRecorder(inner agent.Provider) *Recorder {
	t := New()
	t.Metadata["provider"] = inner.Name()
	return &Recorder{inner: inner, tape: t}
}

// Name reports the wrapped provider's name with a recorder prefix.
func (r *Recorder) Name() string {
	return "recorder:" + r.inner.Name()
}

// OpenStream forwards to the wrapped provider, copying events to the tape.
func (r *Recorder) OpenStream(ctx context.Context, req agent.StreamRequest) <-chan models.Event {
	r.mu.Lock()
	turnIndex := r.turnIdx
	r.turnIdx++
	if r.tape.Model == "" {
		r.tape.Model = req.Model
	}
	r.mu.Unlock()

	start := time.Now()
	upstream := r.inner.OpenStream(ctx, req)
	out := make(chan models.Event, 16)

	go func() {
		defer close(out)

		turn := Turn{
			Index:        turnIndex,
			Model:        req.Model,
			MessageCount: len(req.Messages),
			Events:       []models.Event{},
		}
		for event := range upstream {
			turn.Events = append(turn.Events, event)
			switch event.Type {
			case models.EventMessageComplete:
				if event.Message != nil {
					turn.Text = event.Message.Content
				}
			case models.EventToolStart:
				if event.Tool != nil && event.Tool.ToolCall != nil {
					turn.ToolCalls = append(turn.ToolCalls, *event.Tool.ToolCall)
				}
			}
			out <- event
		}
		turn.Duration = time.Since(start)

		r.mu.Lock()
		r.tape.AddTurn(turn)
		r.mu.Unlock()
	}()

	return out
}

// Tape returns a snapshot of the recording so far.
func (r *Recorder) Tape() *Tape {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tape.Clone()
}

// Reset discards the recording and starts a fresh tape.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tape = New()
	r.tape.Metadata["provider"] = r.inner.Name()
	r.turnIdx = 0
}
