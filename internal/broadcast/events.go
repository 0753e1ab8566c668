// Package broadcast fans flow outcomes out to other services.
package broadcast

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event types published by the flow subsystem.
const (
	JobDelivered           = "flow.job.delivered"
	JobFailed              = "flow.job.failed"
	TagAssigned            = "tag.assigned"
	ScheduledTaskProcessed = "scheduled_task.processed"
	ScheduledTaskFailed    = "scheduled_task.failed"
)

var supportedEventTypes = []string{
	JobDelivered,
	JobFailed,
	TagAssigned,
	ScheduledTaskProcessed,
	ScheduledTaskFailed,
}

var eventTypeMap map[string]bool

func init() {
	eventTypeMap = make(map[string]bool)
	for _, eventType := range supportedEventTypes {
		eventTypeMap[eventType] = true
	}
}

func isValidEventType(eventType string) bool {
	return eventTypeMap[eventType]
}

// Event is the JSON envelope published for every outcome.
type Event struct {
	ID             string                 `json:"id"`
	Type           string                 `json:"type"`
	CompanyID      int64                  `json:"companyId,omitempty"`
	ConversationID int64                  `json:"conversationId,omitempty"`
	OccurredAt     time.Time              `json:"occurredAt"`
	Data           map[string]interface{} `json:"data,omitempty"`
}

func NewEvent(eventType string, companyID, conversationID int64, data map[string]interface{}) Event {
	return Event{
		ID:             uuid.NewString(),
		Type:           eventType,
		CompanyID:      companyID,
		ConversationID: conversationID,
		OccurredAt:     time.Now().UTC(),
		Data:           data,
	}
}

// Nop drops every event. It is used when no broker is configured.
type Nop struct{}

func (Nop) Broadcast(context.Context, Event) error { return nil }
