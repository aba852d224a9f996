package session

import (
	"encoding/json"
	"time"
)

// Event types pushed to WebSocket clients.
const (
	EventConnected                = "connected"
	EventPong                     = "pong"
	EventMessageReceived          = "messageReceived"
	EventMessageComplete          = "messageComplete"
	EventError                    = "error"
	EventToolStart                = "toolStart"
	EventToolComplete             = "toolComplete"
	EventIntelligentToolTriggered = "intelligentToolTriggered"
	EventIntelligentToolComplete  = "intelligentToolComplete"
	EventConversationProgress     = "conversationProgress"
	EventConversationSaved        = "gepaConversationSaved"
	EventProcessingStart          = "gepaProcessingStart"
	EventPatternCached            = "patternCached"
	EventAgentStatsUpdate         = "agentStatsUpdate"
)

// Event is one progress notification. Data fields are flattened next to
// type and timestamp on the wire.
type Event struct {
	Type      string
	Timestamp time.Time
	Data      map[string]any
}

func NewEvent(eventType string, data map[string]any) Event {
	return Event{Type: eventType, Timestamp: time.Now().UTC(), Data: data}
}

func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Data)+2)
	for k, v := range e.Data {
		out[k] = v
	}
	out["type"] = e.Type
	out["timestamp"] = e.Timestamp.Format(time.RFC3339Nano)
	return json.Marshal(out)
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.Type, _ = raw["type"].(string)
	if ts, ok := raw["timestamp"].(string); ok {
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
	}
	delete(raw, "type")
	delete(raw, "timestamp")
	e.Data = raw
	return nil
}

// Envelope is the frame written to a session's sockets.
type Envelope struct {
	SessionID string `json:"sessionId"`
	Event     Event  `json:"event"`
}

// Publisher fans events out to whoever follows a session.
type Publisher interface {
	Publish(sessionID string, ev Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, Event) {}
