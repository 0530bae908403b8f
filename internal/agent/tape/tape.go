// Package tape records and replays provider streams. A recorded tape plays
// back the exact canonical event sequences a provider produced, so the full
// round loop can be regression-tested without network access.
package tape

import (
	"encoding/json"
	"os"
	"time"

	"github.com/haasonsaas/ensemble/pkg/models"
)

// Tape is an ordered record of provider turns for one conversation.
type Tape struct {
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"created_at"`

	// Model is the model the recording ran against.
	Model string `json:"model,omitempty"`

	Turns []Turn `json:"turns"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// Turn is one recorded OpenStream call: the request shape the orchestrator
// sent and every event the provider produced.
type Turn struct {
	Index int `json:"index"`

	// Model and MessageCount describe the request for strict replay checks.
	Model        string `json:"model,omitempty"`
	MessageCount int    `json:"message_count"`

	Events []models.Event `json:"events"`

	// Text and ToolCalls are derived from Events when the turn closes.
	Text      string            `json:"text,omitempty"`
	ToolCalls []models.ToolCall `json:"tool_calls,omitempty"`

	Duration time.Duration `json:"duration"`
}

// New creates an empty tape.
func New() *Tape {
	return &Tape{
		Version:   "1.0",
		CreatedAt: time.Now().UTC(),
		Turns:     []Turn{},
		Metadata:  make(map[string]any),
	}
}

// AddTurn appends a turn, assigning its index.
func (t *Tape) AddTurn(turn Turn) {
	turn.Index = len(t.Turns)
	t.Turns = append(t.Turns, turn)
}

// Turn returns the turn at index.
func (t *Tape) Turn(index int) (*Turn, bool) {
	if index < 0 || index >= len(t.Turns) {
		return nil, false
	}
	return &t.Turns[index], true
}

// Marshal serializes the tape as indented JSON.
func (t *Tape) Marshal() ([]byte, error) {
	return json.MarshalIndent(t, "", "  ")
}

// Unmarshal parses a tape from JSON.
func Unmarshal(data []byte) (*Tape, error) {
	var tape Tape
	if err := json.Unmarshal(data, &tape); err != nil {
		return nil, err
	}
	return &tape, nil
}

// Save writes the tape to a file.
func (t *Tape) Save(path string) error {
	data, err := t.Marshal()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Load reads a tape from a file.
func Load(path string) (*Tape, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Unmarshal(data)
}

// Clone deep-copies the tape through its JSON form.
func (t *Tape) Clone() *Tape {
	if data, err := t.Marshal(); err == nil {
		if clone, err := Unmarshal(data); err == nil {
			return clone
		}
	}
	clone := *t
	clone.Turns = append([]Turn(nil), t.Turns...)
	if t.Metadata != nil {
		clone.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

// Summary is a brief overview of a tape's contents.
type Summary struct {
	Version     string    `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	Model       string    `json:"model,omitempty"`
	TurnCount   int       `json:"turn_count"`
	EventCount  int       `json:"event_count"`
	ToolCallLen int       `json:"tool_call_count"`
	TextLen     int       `json:"text_len"`
}

// Summarize reports turn, event, and tool-call totals.
func (t *Tape) Summarize() Summary {
	s := Summary{
		Version:   t.Version,
		CreatedAt: t.CreatedAt,
		Model:     t.Model,
		TurnCount: len(t.Turns),
	}
	for _, turn := range t.Turns {
		s.EventCount += len(turn.Events)
		s.ToolCallLen += len(turn.ToolCalls)
		s.TextLen += len(turn.Text)
	}
	return s
}
