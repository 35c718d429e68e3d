package events

import "time"

// EventType identifies what happened in the marketplace.
type EventType string

const (
	TypeCreditIssued     EventType = "credit.issued"
	TypeListingCreated   EventType = "listing.created"
	TypeListingCancelled EventType = "listing.cancelled"
	TypeOrderPlaced      EventType = "order.placed"
	TypeOrderCompleted   EventType = "order.completed"
	TypeOrderFailed      EventType = "order.failed"
	TypeOrderCancelled   EventType = "order.cancelled"
	TypeCreditsRetired   EventType = "credits.retired"
)

// Event is a marketplace event pushed to dashboard and UI subscribers.
type Event struct {
	Type      EventType              `json:"type"`
	EntityID  string                 `json:"entity_id"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Publisher delivers events to subscribers. Delivery is best effort; ledger
// correctness never depends on an event being observed.
type Publisher interface {
	Publish(event Event)
}

// NopPublisher drops every event. Used in tests and the standalone worker.
type NopPublisher struct{}

func (NopPublisher) Publish(Event) {}

// New builds an event with the timestamp set.
func New(eventType EventType, entityID string, payload map[string]interface{}) Event {
	return Event{
		Type:      eventType,
		EntityID:  entityID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}
