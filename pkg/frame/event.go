package frame

// EventKind discriminates the event variants delivered to actors and
// completion handlers.
type EventKind uint8

const (
	// EventNone is the zero value.
	EventNone EventKind = iota
	// EventInit is delivered once, when an actor or handler is installed on
	// its reactor.
	EventInit
	// EventClear is delivered once, when an actor or handler is being torn
	// down; no further events follow.
	EventClear
	// EventTimer signals an expired timer owned by the target handler.
	EventTimer
	// EventIoReady signals I/O readiness or completion on the target handler;
	// Mask carries the ready set.
	EventIoReady
	// EventUser is an application event; Tag and Data carry the payload.
	EventUser
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case EventNone:
		return "None"
	case EventInit:
		return "Init"
	case EventClear:
		return "Clear"
	case EventTimer:
		return "Timer"
	case EventIoReady:
		return "IoReady"
	case EventUser:
		return "User"
	default:
		return "Unknown"
	}
}

// ReadyMask is the readiness bit set carried by EventIoReady.
type ReadyMask uint8

const (
	// ReadyRead signals readable / receive completed.
	ReadyRead ReadyMask = 1 << iota
	// ReadyWrite signals writable / send completed.
	ReadyWrite
	// ReadyError signals a transport error.
	ReadyError
)

// Event is the variant delivered to Actor.OnEvent and to completion handlers.
type Event struct {
	Kind EventKind
	Mask ReadyMask
	Tag  uint64
	Data any
}

// MakeEvent builds a user event.
func MakeEvent(tag uint64, data any) Event {
	return Event{Kind: EventUser, Tag: tag, Data: data}
}
