package mprpc

// RelayHeader is present in a message header whenever the message traverses
// a relay node. GroupID selects the relay routing group configured by the
// sender; ReplicaID distinguishes members of the group.
type RelayHeader struct {
	GroupID   uint32
	ReplicaID uint32
}

// MessageHeader travels in front of every message body. SenderRequestID is
// the sending side's writer slot; RecipientRequestID correlates a response
// to the request slot still waiting on the other side. The URL never goes
// on the wire: it is the local routing hint that selects the relay path.
type MessageHeader struct {
	Flags              MessageFlags
	SenderRequestID    RequestID
	RecipientRequestID RequestID
	Relay              RelayHeader
	URL                string
}

// fetchStateFlags seeds a response header from a received request header,
// keeping only the wire state bits, the way a response inherits direction.
func (h *MessageHeader) fetchStateFlags(req *MessageHeader) {
	h.Flags = StateFlags(req.Flags)
	h.RecipientRequestID = req.SenderRequestID
	h.SenderRequestID = RequestID{}
	h.Relay = req.Relay
	h.URL = ""
}

// Size returns the encoded size in bytes.
func (h *MessageHeader) Size() int {
	size := CrossSize(uint64(h.Flags)) +
		CrossSize(uint64(h.SenderRequestID.Index)) +
		CrossSize(uint64(h.SenderRequestID.Unique)) +
		CrossSize(uint64(h.RecipientRequestID.Index)) +
		CrossSize(uint64(h.RecipientRequestID.Unique))
	if h.Flags.IsRelayed() {
		size += CrossSize(uint64(h.Relay.GroupID)) + CrossSize(uint64(h.Relay.ReplicaID))
	}
	return size
}

// EncodeTo serializes the header into buf, returning the number of bytes
// written.
func (h *MessageHeader) EncodeTo(buf []byte) (int, error) {
	offset := 0
	for _, v := range []uint64{
		uint64(h.Flags),
		uint64(h.SenderRequestID.Index),
		uint64(h.SenderRequestID.Unique),
		uint64(h.RecipientRequestID.Index),
		uint64(h.RecipientRequestID.Unique),
	} {
		n, err := CrossEncode(buf[offset:], v)
		if err != nil {
			return 0, err
		}
		offset += n
	}
	if h.Flags.IsRelayed() {
		for _, v := range []uint64{uint64(h.Relay.GroupID), uint64(h.Relay.ReplicaID)} {
			n, err := CrossEncode(buf[offset:], v)
			if err != nil {
				return 0, err
			}
			offset += n
		}
	}
	return offset, nil
}

// Decode deserializes the header from data, returning the number of bytes
// consumed.
func (h *MessageHeader) Decode(data []byte) (int, error) {
	offset := 0
	fields := []*uint32{
		nil, // flags handled first
		&h.SenderRequestID.Index,
		&h.SenderRequestID.Unique,
		&h.RecipientRequestID.Index,
		&h.RecipientRequestID.Unique,
	}

	v, n, err := CrossDecode(data[offset:])
	if err != nil {
		return 0, err
	}
	h.Flags = MessageFlags(v)
	offset += n

	for _, field := range fields[1:] {
		v, n, err = CrossDecode(data[offset:])
		if err != nil {
			return 0, err
		}
		*field = uint32(v)
		offset += n
	}

	if h.Flags.IsRelayed() {
		for _, field := range []*uint32{&h.Relay.GroupID, &h.Relay.ReplicaID} {
			v, n, err = CrossDecode(data[offset:])
			if err != nil {
				return 0, err
			}
			*field = uint32(v)
			offset += n
		}
	} else {
		h.Relay = RelayHeader{}
	}
	return offset, nil
}
