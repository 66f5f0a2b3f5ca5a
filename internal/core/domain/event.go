package domain

import "time"

type EventType string

const (
	EventRequestSubmitted EventType = "request.submitted"
	EventRequestApproved  EventType = "request.approved"
	EventRequestRejected  EventType = "request.rejected"
	EventRequestReceived  EventType = "request.received"
	EventStockReceived    EventType = "stock.received"
	EventItemRegistered   EventType = "item.registered"
	EventItemDeactivated  EventType = "item.deactivated"
)

// Event is published after a mutation commits. Consumers only observe.
type Event struct {
	Type      EventType `json:"type"`
	RequestID string    `json:"request_id,omitempty"`
	ItemID    string    `json:"item_id,omitempty"`
	Quantity  int       `json:"quantity,omitempty"`
	ActorID   string    `json:"actor_id"`
	At        time.Time `json:"at"`
}
