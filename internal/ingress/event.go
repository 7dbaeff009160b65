package ingress

import (
	"github.com/vyrodovalexey/flusso/internal/backend"
)

// EventType is the kind of membership change.
type EventType int

const (
	// EventAdd adds a backend to the pool of a prefix.
	EventAdd EventType = iota
	// EventRemove removes a backend from the pool of a prefix.
	EventRemove
)

// String returns the string representation of the event type.
func (t EventType) String() string {
	switch t {
	case EventAdd:
		return "add"
	case EventRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// Event is one membership change for the pool routed at Prefix.
type Event struct {
	Type    EventType
	Prefix  string
	Address backend.Address
	// Source is the kind of the resource the event came from.
	Source string
}

// NewEventChannel creates the channel shared by every source and the
// processor. A non-positive size falls back to the default buffer.
func NewEventChannel(size int) chan Event {
	if size <= 0 {
		size = defaultEventBuffer
	}
	return make(chan Event, size)
}

const defaultEventBuffer = 32
