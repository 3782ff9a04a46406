package resource

// Handle is an opaque descriptor in a table.
// Handle 0 is reserved and always invalid.
type Handle uint32

// Kind tags what a descriptor refers to.
type Kind uint8

const (
	KindStream Kind = iota + 1
	KindDatagram
	KindAccepted
)

func (k Kind) String() string {
	switch k {
	case KindStream:
		return "stream"
	case KindDatagram:
		return "datagram"
	case KindAccepted:
		return "accepted"
	default:
		return "unknown"
	}
}

// Event types for descriptor lifecycle notifications.
type EventType uint8

const (
	EventCreated EventType = iota
	EventDropped
)

// Event represents a descriptor lifecycle event.
type Event struct {
	Value  any
	Handle Handle
	Kind   Kind
	Type   EventType
}

// Observer receives notifications about descriptor lifecycle events.
type Observer interface {
	OnResourceEvent(Event)
}

// Dropper is optionally implemented by values that need cleanup on removal.
type Dropper interface {
	Drop()
}
