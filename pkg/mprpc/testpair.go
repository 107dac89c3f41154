package mprpc

// Shared in-package test harness: a capturing WriterSender and
// ReaderReceiver pair and a raw packet walker, used by the writer, reader
// and relay tests to observe the wire without a live connection.

type capturedComplete struct {
	bundle MessageBundle
	poolID MessageID
	err    error
}

// captureSender is a WriterSender recording every callback.
type captureSender struct {
	cfg   Configuration
	proto *Protocol
	cctx  ConnectionContext

	completed     []capturedComplete
	canceled      []capturedComplete
	relayDone     []*RelayData
	relayCanceled []MessageID
	vetoCancel    bool
}

func newCaptureSender(cfg Configuration, proto *Protocol) *captureSender {
	cfg.applyDefaults()
	return &captureSender{cfg: cfg, proto: proto}
}

func (s *captureSender) Config() *Configuration      { return &s.cfg }
func (s *captureSender) Proto() *Protocol            { return s.proto }
func (s *captureSender) Context() *ConnectionContext { return &s.cctx }

func (s *captureSender) CompleteMessage(bundle *MessageBundle, poolID MessageID) error {
	s.completed = append(s.completed, capturedComplete{bundle: *bundle, poolID: poolID})
	return nil
}

func (s *captureSender) CancelMessage(bundle *MessageBundle, poolID MessageID) bool {
	if s.vetoCancel {
		return false
	}
	s.canceled = append(s.canceled, capturedComplete{bundle: *bundle, poolID: poolID, err: ErrCanceled})
	return true
}

func (s *captureSender) CompleteRelayed(rd *RelayData, engineID MessageID) {
	s.relayDone = append(s.relayDone, rd)
}

func (s *captureSender) CancelRelayed(rd *RelayData, engineID MessageID) {
	s.relayCanceled = append(s.relayCanceled, engineID)
}

type receivedMessage struct {
	msg    any
	typeID TypeID
	header MessageHeader
}

type receivedRelayChunk struct {
	readerIdx int
	header    MessageHeader
	data      []byte
	flags     RelayDataFlags
}

// captureReceiver is a ReaderReceiver recording everything it sees.
type captureReceiver struct {
	cfg   Configuration
	proto *Protocol
	cctx  ConnectionContext

	msgs        []receivedMessage
	keepAlives  int
	ackCounts   []uint8
	ackRequests int
	cancelReqs  []RequestID
	msgCancels  []int
	relayChunks []receivedRelayChunk

	relayHeaderFn func(h *MessageHeader) bool
	relayAccept   bool
}

func newCaptureReceiver(cfg Configuration, proto *Protocol) *captureReceiver {
	cfg.applyDefaults()
	return &captureReceiver{cfg: cfg, proto: proto, relayAccept: true}
}

func (r *captureReceiver) Config() *Configuration      { return &r.cfg }
func (r *captureReceiver) Proto() *Protocol            { return r.proto }
func (r *captureReceiver) Context() *ConnectionContext { return &r.cctx }

func (r *captureReceiver) ReceiveMessage(msg any, typeID TypeID, header *MessageHeader) {
	r.msgs = append(r.msgs, receivedMessage{msg: msg, typeID: typeID, header: *header})
}

func (r *captureReceiver) ReceiveKeepAlive()          { r.keepAlives++ }
func (r *captureReceiver) ReceiveAckCount(n uint8)    { r.ackCounts = append(r.ackCounts, n) }
func (r *captureReceiver) ReceiveAckRequest()         { r.ackRequests++ }
func (r *captureReceiver) ReceiveMessageCancel(i int) { r.msgCancels = append(r.msgCancels, i) }

func (r *captureReceiver) ReceiveCancelRequest(req RequestID) {
	r.cancelReqs = append(r.cancelReqs, req)
}

func (r *captureReceiver) IsRelayedHeader(h *MessageHeader) bool {
	if r.relayHeaderFn != nil {
		return r.relayHeaderFn(h)
	}
	return false
}

func (r *captureReceiver) ReceiveRelayChunk(readerIdx int, header *MessageHeader, data []byte, flags RelayDataFlags) bool {
	if !r.relayAccept {
		return false
	}
	r.relayChunks = append(r.relayChunks, receivedRelayChunk{
		readerIdx: readerIdx,
		header:    *header,
		data:      append([]byte(nil), data...),
		flags:     flags,
	})
	return true
}

// noCompress disables compression so tests can parse raw packets.
func noCompress(cfg Configuration) Configuration {
	cfg.InplaceCompressFnc = func([]byte) (int, error) { return 0, nil }
	return cfg
}

// parsedPacket is one walked wire packet.
type parsedPacket struct {
	header   PacketHeader
	commands []parsedCommand
}

// parsedCommand is one walked command inside a data packet.
type parsedCommand struct {
	cmd    uint8 // with the end flag stripped
	end    bool
	msgIdx int
	data   []byte
	ackd   uint8
	req    RequestID
}

// parsePackets walks an uncompressed wire buffer, validating that every
// packet header's size matches the payload that follows.
func parsePackets(buf []byte) ([]parsedPacket, error) {
	var packets []parsedPacket
	pos := 0
	for pos < len(buf) {
		var hdr PacketHeader
		n, err := hdr.Decode(buf[pos:])
		if err != nil {
			return nil, err
		}
		pos += n
		pkt := parsedPacket{header: hdr}
		if hdr.Type == PacketTypeData {
			if pos+int(hdr.Size) > len(buf) {
				return nil, ErrProtocol
			}
			cmds, err := parseCommands(buf[pos : pos+int(hdr.Size)])
			if err != nil {
				return nil, err
			}
			pkt.commands = cmds
			pos += int(hdr.Size)
		}
		packets = append(packets, pkt)
	}
	return packets, nil
}

func parseCommands(payload []byte) ([]parsedCommand, error) {
	var cmds []parsedCommand
	pos := 0
	for pos < len(payload) {
		raw := payload[pos]
		pos++
		pc := parsedCommand{cmd: raw &^ CommandEndMessageFlag, end: raw&CommandEndMessageFlag != 0}
		switch pc.cmd {
		case CommandAckdCount:
			pc.ackd = payload[pos]
			pos++
		case CommandCancelRequest:
			idx, n, err := CrossDecode(payload[pos:])
			if err != nil {
				return nil, err
			}
			pos += n
			unq, n, err := CrossDecode(payload[pos:])
			if err != nil {
				return nil, err
			}
			pos += n
			pc.req = RequestID{Index: uint32(idx), Unique: uint32(unq)}
		case CommandCancelMessage:
			idx, n, err := CrossDecode(payload[pos:])
			if err != nil {
				return nil, err
			}
			pos += n
			pc.msgIdx = int(idx)
		case CommandNewMessage, CommandMessage:
			idx, n, err := CrossDecode(payload[pos:])
			if err != nil {
				return nil, err
			}
			pos += n
			if pos+2 > len(payload) {
				return nil, ErrProtocol
			}
			size := int(uint16(payload[pos]) | uint16(payload[pos+1])<<8)
			pos += 2
			if pos+size > len(payload) {
				return nil, ErrProtocol
			}
			pc.msgIdx = int(idx)
			pc.data = payload[pos : pos+size]
			pos += size
		default:
			return nil, ErrProtocol
		}
		cmds = append(cmds, pc)
	}
	return cmds, nil
}
