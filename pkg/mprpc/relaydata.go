package mprpc

// RelayDataFlags tag a relayed fragment.
type RelayDataFlags uint8

const (
	// RelayDataFlagMessageBegin marks the first fragment of a relayed
	// message; it carries the message header.
	RelayDataFlagMessageBegin RelayDataFlags = 1 << iota
	// RelayDataFlagMessageEnd marks the fragment completing the message
	// body on the wire.
	RelayDataFlagMessageEnd
	// RelayDataFlagMessageLast marks the last fragment the relay will see
	// for this message.
	RelayDataFlagMessageLast
	// RelayDataFlagRequest marks a relayed message awaiting a response.
	RelayDataFlagRequest
)

// RelayData is a permit-accounted buffer descriptor for one forwarded
// message fragment at a relay node. The writer copies Data onto the wire
// verbatim and hands the descriptor back to the engine when drained.
type RelayData struct {
	Flags  RelayDataFlags
	Header *MessageHeader
	Data   []byte

	// MessageFlags carries the original message's flags; applied to the
	// header on the first fragment.
	MessageFlags MessageFlags

	// engineID is the relay engine's slot for this message.
	engineID MessageID

	// ackOnComplete marks a chunk whose carrying packet asked to be
	// acknowledged: the origin connection is acked when the chunk drains.
	ackOnComplete bool
}

// IsMessageBegin reports the MessageBegin tag.
func (r *RelayData) IsMessageBegin() bool { return r.Flags&RelayDataFlagMessageBegin != 0 }

// IsMessageEnd reports the MessageEnd tag.
func (r *RelayData) IsMessageEnd() bool { return r.Flags&RelayDataFlagMessageEnd != 0 }

// IsMessageLast reports the MessageLast tag.
func (r *RelayData) IsMessageLast() bool { return r.Flags&RelayDataFlagMessageLast != 0 }

// IsRequest reports the Request tag.
func (r *RelayData) IsRequest() bool { return r.Flags&RelayDataFlagRequest != 0 }
