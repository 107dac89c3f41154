package mprpc

// MessageBundle groups everything the writer needs to move one message: the
// payload, its registered type, the send flags, the header carrying
// correlation and relay state, and an optional per-send complete function
// overriding the one registered with the protocol.
type MessageBundle struct {
	Message  any
	TypeID   TypeID
	Flags    MessageFlags
	Header   MessageHeader
	Complete CompleteFunc
}

// isRelay reports whether the message takes the relay path: it carries a
// routing URL, or it already traversed a relay.
func (b *MessageBundle) isRelay() bool {
	return b.Header.URL != "" || b.Flags.IsRelayed()
}

// clear resets the bundle for slot reuse.
func (b *MessageBundle) clear() {
	*b = MessageBundle{}
}
