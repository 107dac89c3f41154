package mprpc

import "fmt"

// RequestID identifies a message slot on the wire: the slot index plus one
// (zero means "no request") and the slot generation.
type RequestID struct {
	Index  uint32
	Unique uint32
}

// IsValid reports whether the id refers to a request.
func (r RequestID) IsValid() bool { return r.Index != 0 }

// String returns "index:unique", or "invalid".
func (r RequestID) String() string {
	if !r.IsValid() {
		return "invalid"
	}
	return fmt.Sprintf("%d:%d", r.Index, r.Unique)
}

// MessageID is the stable handle for a slot in either a pool message queue
// or a connection writer's message vector.
type MessageID struct {
	Index  int
	Unique uint32
}

// InvalidMessageID returns the invalid sentinel.
func InvalidMessageID() MessageID { return MessageID{Index: -1} }

// IsValid reports whether the id refers to a slot.
func (m MessageID) IsValid() bool { return m.Index >= 0 }

// requestID converts a writer slot id to its on-wire request id.
func (m MessageID) requestID() RequestID {
	if !m.IsValid() {
		return RequestID{}
	}
	return RequestID{Index: uint32(m.Index) + 1, Unique: m.Unique}
}

// messageIDOf converts an on-wire request id back to a writer slot id.
func messageIDOf(r RequestID) MessageID {
	if !r.IsValid() {
		return InvalidMessageID()
	}
	return MessageID{Index: int(r.Index) - 1, Unique: r.Unique}
}

// String returns "index:unique", or "invalid".
func (m MessageID) String() string {
	if !m.IsValid() {
		return "invalid"
	}
	return fmt.Sprintf("%d:%d", m.Index, m.Unique)
}
