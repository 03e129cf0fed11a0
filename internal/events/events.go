// Package events defines the bridge's internal event subjects and payloads.
package events

import "time"

// Subjects for bridge lifecycle events published on the in-process bus.
// The webhook debug stream subscribes to "bridge.>" (all of them).
const (
	SubjectTurnStarted      = "bridge.turn.started"
	SubjectTurnCompleted    = "bridge.turn.completed"
	SubjectAssistantFinal   = "bridge.assistant.final"
	SubjectModelFallback    = "bridge.model.fallback"
	SubjectApprovalDeclined = "bridge.approval.declined"
)

// Event is the envelope published on the event bus
type Event struct {
	Subject   string                 `json:"subject"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// New creates an event with the current timestamp
func New(subject string, data map[string]interface{}) *Event {
	return &Event{
		Subject:   subject,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}
