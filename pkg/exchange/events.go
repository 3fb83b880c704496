package exchange

// EventType tags the observable side effects of one submission.
type EventType string

const (
	EventOrderCreated EventType = "order_created"
	EventOrderUpdated EventType = "order_updated"
	EventSettlement   EventType = "settlement"
)

// Event is published after a submission commits. A single placement emits
// one order_created, zero or more settlements, and one order_updated per
// order whose status changed (resting makers included).
type Event struct {
	Type       EventType   `json:"type"`
	Pair       string      `json:"pair"`
	Order      *Order      `json:"order,omitempty"`
	Settlement *Settlement `json:"settlement,omitempty"`
	Timestamp  int64       `json:"timestamp"`
}

// EventSink receives committed events. Implementations must not block the
// engine; slow consumers should buffer or drop.
type EventSink interface {
	Publish(Event)
}
