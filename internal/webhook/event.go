package webhook

import (
	"encoding/json"
	"strings"

	"github.com/kalambet/dialback/internal/apperr"
)

// Event types that trigger a conversation sync. Anything else is
// acknowledged without processing.
const (
	EventPostCallTranscription = "post_call_transcription"
	EventCallInitiationFailure = "call_initiation_failure"
)

// Event is the part of a callback body the service trusts: which
// conversation to re-fetch. Everything else is read from the provider.
type Event struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	AgentID        string `json:"agent_id,omitempty"`
	EventTimestamp int64  `json:"event_timestamp,omitempty"`
}

type envelope struct {
	Type           string `json:"type"`
	EventTimestamp int64  `json:"event_timestamp"`
	ConversationID string `json:"conversation_id"`
	Data           struct {
		ConversationID string `json:"conversation_id"`
		AgentID        string `json:"agent_id"`
	} `json:"data"`
}

// ParseEvent decodes the callback envelope. The conversation id is read from
// data.conversation_id, falling back to a top-level conversation_id.
func ParseEvent(raw []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Event{}, apperr.BadInput("invalid webhook body: " + err.Error())
	}
	ev := Event{
		Type:           strings.TrimSpace(env.Type),
		ConversationID: strings.TrimSpace(env.Data.ConversationID),
		AgentID:        strings.TrimSpace(env.Data.AgentID),
		EventTimestamp: env.EventTimestamp,
	}
	if ev.ConversationID == "" {
		ev.ConversationID = strings.TrimSpace(env.ConversationID)
	}
	return ev, nil
}

// Handled reports whether the event type triggers a sync.
func (e Event) Handled() bool {
	switch e.Type {
	case EventPostCallTranscription, EventCallInitiationFailure:
		return true
	}
	return false
}
