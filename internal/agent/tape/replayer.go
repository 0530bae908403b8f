package tape

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/haasonsaas/ensemble/internal/agent"
	"github.com/haasonsaas/ensemble/pkg/models"
)

// ErrTapeExhausted indicates the tape has no more turns to replay.
var ErrTapeExhausted = errors.New("tape exhausted: no more turns to replay")

// Mode controls how strictly the replayer checks incoming requests against
// the recording.
type Mode int

const (
	// Loose ignores request differences and plays the next turn.
	Loose Mode = iota

	// Strict records mismatches between the request and the recorded turn.
	// Playback continues either way; tests assert on Mismatches.
	Strict
)

// Mismatch is one difference found in strict mode.
type Mismatch struct {
	TurnIndex int    `json:"turn_index"`
	Field     string `json:"field"`
	Expected  string `json:"expected"`
	Actual    string `json:"actual"`
}

// Replayer plays a recorded tape back as a provider. Each OpenStream call
// consumes the next turn; events are retagged with the caller's request id
// and agent so downstream consumers see a coherent stream.
type Replayer struct {
	mu         sync.Mutex
	tape       *Tape
	mode       Mode
	turnIdx    int
	mismatches []Mismatch
}

var _ agent.Provider = (*Replayer)(nil)

// NewReplayer creates a replayer over a clone of the tape.
func NewReplayer(t *Tape) *Replayer {
	return &Replayer{tape: t.Clone()}
}

// WithMode sets the replay mode and returns the replayer.
func (r *Replayer) WithMode(mode Mode) *Replayer {
	r.mode = mode
	return r
}

// Name returns "replayer".
func (r *Replayer) Name() string {
	return "replayer"
}

// OpenStream plays the next recorded turn. Past the last turn every event
// sequence is a single terminal error.
func (r *Replayer) OpenStream(ctx context.Context, req agent.StreamRequest) <-chan models.Event {
	r.mu.Lock()
	if r.turnIdx >= len(r.tape.Turns) {
		r.mu.Unlock()
		out := make(chan models.Event, 1)
		out <- models.Event{
			Type:      models.EventError,
			RequestID: req.RequestID,
			Agent:     req.Agent,
			Error:     &models.ErrorEventPayload{Error: ErrTapeExhausted.Error(), Code: "TAPE_EXHAUSTED"},
		}
		close(out)
		return out
	}
	turn := r.tape.Turns[r.turnIdx]
	if r.mode == Strict {
		r.check(turn, req)
	}
	r.turnIdx++
	r.mu.Unlock()

	out := make(chan models.Event, len(turn.Events))
	go func() {
		defer close(out)
		for _, event := range turn.Events {
			event.RequestID = req.RequestID
			event.Agent = req.Agent
			select {
			case <-ctx.Done():
				return
			case out <- event:
			}
		}
	}()
	return out
}

func (r *Replayer) check(turn Turn, req agent.StreamRequest) {
	if turn.Model != "" && req.Model != turn.Model {
		r.mismatches = append(r.mismatches, Mismatch{
			TurnIndex: turn.Index,
			Field:     "model",
			Expected:  turn.Model,
			Actual:    req.Model,
		})
	}
	if len(req.Messages) != turn.MessageCount {
		r.mismatches = append(r.mismatches, Mismatch{
			TurnIndex: turn.Index,
			Field:     "message_count",
			Expected:  fmt.Sprintf("%d", turn.MessageCount),
			Actual:    fmt.Sprintf("%d", len(req.Messages)),
		})
	}
}

// Mismatches returns the strict-mode differences found so far.
func (r *Replayer) Mismatches() []Mismatch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Mismatch(nil), r.mismatches...)
}

// CurrentTurn reports how many turns have been played.
func (r *Replayer) CurrentTurn() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.turnIdx
}

// Reset rewinds the tape to the first turn.
func (r *Replayer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turnIdx = 0
	r.mismatches = nil
}
