package agent

import (
	"strings"

	"github.com/haasonsaas/ensemble/pkg/models"
)

// Aggregate drains an event stream into a final Result record. It blocks
// until the channel closes; callers that need live events and the folded
// record should tee the stream themselves.
//
// Message and thinking content assemble per message id, message_complete
// winning over concatenated deltas. Costs sum across cost_update events.
// Files reassemble from file_* frames the same way messages do.
func Aggregate(events <-chan models.Event) *models.Result {
	result := &models.Result{}

	type textTrack struct {
		partial  strings.Builder
		complete string
		done     bool
	}
	type fileTrack struct {
		payload models.FilePayload
		partial strings.Builder
	}

	messages := make(map[string]*textTrack)
	thinking := make(map[string]*textTrack)
	files := make(map[string]*fileTrack)
	var messageOrder, fileOrder []string

	messageTrack := func(id string) (*textTrack, *textTrack) {
		m, ok := messages[id]
		if !ok {
			m = &textTrack{}
			messages[id] = m
			thinking[id] = &textTrack{}
			messageOrder = append(messageOrder, id)
			result.MessageIDs = append(result.MessageIDs, id)
		}
		return m, thinking[id]
	}

	for event := range events {
		if result.StartTime.IsZero() && !event.Timestamp.IsZero() {
			result.StartTime = event.Timestamp
		}
		if !event.Timestamp.IsZero() {
			result.EndTime = event.Timestamp
		}
		if result.Agent == nil && event.Agent != nil {
			result.Agent = event.Agent
		}

		switch event.Type {
		case models.EventMessageStart:
			if event.Message != nil {
				messageTrack(event.Message.MessageID)
			}

		case models.EventMessageDelta:
			if event.Message != nil {
				m, t := messageTrack(event.Message.MessageID)
				m.partial.WriteString(event.Message.Content)
				t.partial.WriteString(event.Message.ThinkingContent)
			}

		case models.EventMessageComplete:
			if event.Message != nil {
				m, t := messageTrack(event.Message.MessageID)
				m.complete, m.done = event.Message.Content, true
				t.complete, t.done = event.Message.ThinkingContent, true
			}

		case models.EventToolDone:
			if event.Tool != nil && event.Tool.Result != nil {
				result.Tools = append(result.Tools, *event.Tool.Result)
			}

		case models.EventFileStart, models.EventFileDelta, models.EventFileComplete:
			if event.File == nil {
				break
			}
			id := event.File.MessageID
			f, ok := files[id]
			if !ok {
				f = &fileTrack{payload: models.FilePayload{MessageID: id}}
				files[id] = f
				fileOrder = append(fileOrder, id)
			}
			if event.File.MimeType != "" {
				f.payload.MimeType = event.File.MimeType
			}
			if event.File.DataFormat != "" {
				f.payload.DataFormat = event.File.DataFormat
			}
			if event.Type == models.EventFileComplete && event.File.Data != "" {
				f.payload.Data = event.File.Data
			} else {
				f.partial.WriteString(event.File.Data)
			}

		case models.EventCostUpdate:
			if event.Cost != nil {
				result.Cost += event.Cost.Usage.Cost
			}

		case models.EventResponseOutput:
			if event.Output != nil {
				result.ResponseOutputs = append(result.ResponseOutputs, event.Output.Message)
			}

		case models.EventError:
			if event.Error != nil {
				result.Error = event.Error.Error
			} else {
				result.Error = "unknown error"
			}

		case models.EventStreamEnd:
			result.Completed = true
		}
	}

	var msg, think strings.Builder
	for _, id := range messageOrder {
		if m := messages[id]; m.done {
			msg.WriteString(m.complete)
		} else {
			msg.WriteString(m.partial.String())
		}
		if t := thinking[id]; t.done {
			think.WriteString(t.complete)
		} else {
			think.WriteString(t.partial.String())
		}
	}
	result.Message = msg.String()
	result.Thinking = think.String()

	for _, id := range fileOrder {
		f := files[id]
		if f.payload.Data == "" {
			f.payload.Data = f.partial.String()
		}
		result.Files = append(result.Files, f.payload)
	}

	if result.Error != "" {
		result.Completed = false
	}
	return result
}
