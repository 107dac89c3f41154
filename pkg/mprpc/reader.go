package mprpc

import (
	"encoding/binary"
	"fmt"
)

// ReaderReceiver is the reader's outward face; the connection implements
// it. Relay chunks handed out are only valid for the duration of the call
// and must be copied by the receiver.
type ReaderReceiver interface {
	Config() *Configuration
	Proto() *Protocol
	Context() *ConnectionContext

	// ReceiveMessage delivers a fully deserialized local message.
	ReceiveMessage(msg any, typeID TypeID, header *MessageHeader)

	// ReceiveKeepAlive reports a keep-alive packet.
	ReceiveKeepAlive()

	// ReceiveAckCount returns n relay buffer permits to the writer.
	ReceiveAckCount(n uint8)

	// ReceiveAckRequest reports a packet that asked to be acknowledged.
	ReceiveAckRequest()

	// ReceiveCancelRequest reports the peer canceling one of our requests.
	ReceiveCancelRequest(req RequestID)

	// ReceiveMessageCancel reports a CancelMessage for an incoming slot.
	ReceiveMessageCancel(readerIdx int)

	// IsRelayedHeader decides whether an incoming message is forwarded
	// instead of consumed locally.
	IsRelayedHeader(header *MessageHeader) bool

	// ReceiveRelayChunk hands a forwarded fragment over; false applies
	// relay back-pressure, which is fatal to this connection.
	ReceiveRelayChunk(readerIdx int, header *MessageHeader, data []byte, flags RelayDataFlags) bool
}

type readerState uint8

const (
	readerStatePacketHead readerState = iota
	readerStatePacketData
)

type readerMsgState uint8

const (
	readerMsgHead readerMsgState = iota
	readerMsgBody
)

// maxReaderMessageIndex bounds the peer-chosen message slot index.
const maxReaderMessageIndex = 16 * 1024

type readerStub struct {
	state      readerMsgState
	active     bool
	head       []byte
	body       []byte
	header     MessageHeader
	isRelay    bool
	relayBegan bool
}

func (s *readerStub) reset() {
	s.state = readerMsgHead
	s.active = true
	s.head = s.head[:0]
	s.body = s.body[:0]
	s.header = MessageHeader{}
	s.isRelay = false
	s.relayBegan = false
}

// MessageReader is the writer's inverse: it reassembles packets from the
// byte stream, walks their commands and defragments message heads and
// bodies per slot. Malformed input is fatal to the connection.
type MessageReader struct {
	state   readerState
	pkt     PacketHeader
	partial []byte
	need    int
	stubs   []readerStub
	scratch []byte
}

// NewMessageReader creates a reader.
func NewMessageReader() *MessageReader {
	return &MessageReader{
		state: readerStatePacketHead,
		need:  PacketHeaderSize,
	}
}

// Read consumes data, dispatching everything it completes to rcv. All of
// data is consumed unless an error occurs.
func (r *MessageReader) Read(data []byte, rcv ReaderReceiver) (int, error) {
	consumed := 0
	for consumed < len(data) {
		take := r.need - len(r.partial)
		if take > len(data)-consumed {
			take = len(data) - consumed
		}
		r.partial = append(r.partial, data[consumed:consumed+take]...)
		consumed += take

		if len(r.partial) < r.need {
			return consumed, nil
		}

		switch r.state {
		case readerStatePacketHead:
			if _, err := r.pkt.Decode(r.partial); err != nil {
				return consumed, err
			}
			if r.pkt.Type == PacketTypeKeepAlive {
				rcv.ReceiveKeepAlive()
				r.partial = r.partial[:0]
				r.need = PacketHeaderSize
				continue
			}
			if r.pkt.Size == 0 {
				return consumed, fmt.Errorf("%w: empty data packet", ErrProtocol)
			}
			r.state = readerStatePacketData
			r.partial = r.partial[:0]
			r.need = int(r.pkt.Size)
		case readerStatePacketData:
			if err := r.processPacket(r.partial, rcv); err != nil {
				return consumed, err
			}
			r.state = readerStatePacketHead
			r.partial = r.partial[:0]
			r.need = PacketHeaderSize
		}
	}
	return consumed, nil
}

func (r *MessageReader) processPacket(payload []byte, rcv ReaderReceiver) error {
	cfg := rcv.Config()

	if r.pkt.Flags&PacketFlagCompressed != 0 {
		if cap(r.scratch) < PacketMaxDataSize {
			r.scratch = make([]byte, PacketMaxDataSize)
		}
		n, err := cfg.DecompressFnc(r.scratch[:PacketMaxDataSize], payload)
		if err != nil {
			return err
		}
		payload = r.scratch[:n]
	}
	if r.pkt.Flags&PacketFlagAckRequest != 0 {
		rcv.ReceiveAckRequest()
	}

	pos := 0
	for pos < len(payload) {
		cmd := payload[pos]
		pos++
		switch cmd &^ CommandEndMessageFlag {
		case CommandAckdCount:
			if pos >= len(payload) {
				return fmt.Errorf("%w: truncated AckdCount", ErrProtocol)
			}
			rcv.ReceiveAckCount(payload[pos])
			pos++
		case CommandCancelRequest:
			idx, n, err := CrossDecode(payload[pos:])
			if err != nil {
				return err
			}
			pos += n
			unq, n, err := CrossDecode(payload[pos:])
			if err != nil {
				return err
			}
			pos += n
			rcv.ReceiveCancelRequest(RequestID{Index: uint32(idx), Unique: uint32(unq)})
		case CommandCancelMessage:
			idx, n, err := CrossDecode(payload[pos:])
			if err != nil {
				return err
			}
			pos += n
			if int(idx) < len(r.stubs) && r.stubs[idx].active {
				r.stubs[idx].active = false
			}
			rcv.ReceiveMessageCancel(int(idx))
		case CommandNewMessage, CommandMessage:
			var err error
			pos, err = r.processMessageCommand(payload, pos, cmd, rcv)
			if err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: unknown command %#x", ErrProtocol, cmd)
		}
	}
	return nil
}

func (r *MessageReader) processMessageCommand(payload []byte, pos int, cmd uint8, rcv ReaderReceiver) (int, error) {
	idx64, n, err := CrossDecode(payload[pos:])
	if err != nil {
		return pos, err
	}
	pos += n
	if idx64 > maxReaderMessageIndex {
		return pos, fmt.Errorf("%w: message index %d out of range", ErrProtocol, idx64)
	}
	idx := int(idx64)

	if pos+2 > len(payload) {
		return pos, fmt.Errorf("%w: truncated message command", ErrProtocol)
	}
	size := int(binary.LittleEndian.Uint16(payload[pos:]))
	pos += 2
	if pos+size > len(payload) {
		return pos, fmt.Errorf("%w: message fragment exceeds packet", ErrProtocol)
	}
	frag := payload[pos : pos+size]
	pos += size

	for len(r.stubs) <= idx {
		r.stubs = append(r.stubs, readerStub{})
	}
	stub := &r.stubs[idx]

	if cmd&^CommandEndMessageFlag == CommandNewMessage {
		stub.reset()
	} else if !stub.active {
		return pos, fmt.Errorf("%w: fragment for inactive message %d", ErrProtocol, idx)
	}

	isEnd := cmd&CommandEndMessageFlag != 0

	switch stub.state {
	case readerMsgHead:
		stub.head = append(stub.head, frag...)
		if len(stub.head) < 2 {
			return pos, nil
		}
		expected := int(binary.LittleEndian.Uint16(stub.head))
		if len(stub.head) < 2+expected {
			return pos, nil
		}
		if len(stub.head) > 2+expected {
			return pos, fmt.Errorf("%w: header overrun on message %d", ErrProtocol, idx)
		}
		if _, err := stub.header.Decode(stub.head[2:]); err != nil {
			return pos, err
		}
		stub.state = readerMsgBody
		stub.isRelay = rcv.IsRelayedHeader(&stub.header)
		stub.relayBegan = false
	case readerMsgBody:
		if stub.isRelay {
			flags := RelayDataFlags(0)
			if !stub.relayBegan {
				flags |= RelayDataFlagMessageBegin
				stub.relayBegan = true
			}
			if isEnd {
				flags |= RelayDataFlagMessageEnd | RelayDataFlagMessageLast
				if stub.header.Flags.IsAwaitResponse() {
					flags |= RelayDataFlagRequest
				}
			}
			if !rcv.ReceiveRelayChunk(idx, &stub.header, frag, flags) {
				return pos, ErrRelayBackPressure
			}
			if isEnd {
				stub.active = false
			}
			return pos, nil
		}
		stub.body = append(stub.body, frag...)
		if isEnd {
			msg, typeID, derr := rcv.Proto().decodeBody(stub.body)
			if derr != nil {
				return pos, derr
			}
			header := stub.header
			stub.active = false
			stub.body = stub.body[:0]
			rcv.ReceiveMessage(msg, typeID, &header)
		}
	}
	return pos, nil
}
