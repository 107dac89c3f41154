package mprpc

import (
	"encoding/binary"

	"github.com/solidframe/sframe/pkg/innerlist"
)

// msgState is the per-slot write state machine.
type msgState uint8

const (
	stateWriteStart msgState = iota
	stateWriteHeadStart
	stateWriteHeadContinue
	stateWriteBodyStart
	stateWriteBodyContinue
	stateWriteWait
	stateWriteCanceled
	stateWriteWaitCanceled
	stateRelayedStart // relayed states below this line
	stateRelayedHeadStart
	stateRelayedHeadContinue
	stateRelayedBody
	stateRelayedWait
	stateRelayedCancelRequest
	stateRelayedCancel
)

// ResponseState is the answer of CheckResponseState: how an incoming
// response relates to the local request slot.
type ResponseState uint8

const (
	// ResponseStateNone: no such request slot.
	ResponseStateNone ResponseState = iota
	// ResponseStateWait: the request is waiting for this response.
	ResponseStateWait
	// ResponseStateRelayedWait: a relayed request is waiting; the engine id
	// is returned alongside.
	ResponseStateRelayedWait
	// ResponseStateCancel: the request was canceled before the response
	// arrived.
	ResponseStateCancel
	// ResponseStateInvalid: the slot is in a state no response should find.
	ResponseStateInvalid
)

// Inner list channels threading the writer slots.
const (
	linkOrder = 0
	linkWrite = 1
	linkCache = 2
)

// messageStub is one writer slot. A slot is always in exactly one of:
// order+write (moving), order only (awaiting response), or cache (free).
type messageStub struct {
	node        innerlist.Node
	bundle      MessageBundle
	unique      uint32
	packetCount int
	ser         *msgSerializer
	poolMsgID   MessageID
	state       msgState

	relayData *RelayData
	relayPos  int
	relaySize int
}

func (s *messageStub) clear() {
	s.bundle.clear()
	s.unique++
	s.packetCount = 0
	s.ser = nil
	s.poolMsgID = InvalidMessageID()
	s.state = stateWriteStart
	s.relayData = nil
	s.relayPos = 0
	s.relaySize = 0
}

func (s *messageStub) isHeadState() bool {
	switch s.state {
	case stateWriteHeadStart, stateWriteHeadContinue, stateRelayedHeadStart, stateRelayedHeadContinue:
		return true
	}
	return false
}

func (s *messageStub) isStartOrHeadState() bool {
	switch s.state {
	case stateWriteStart, stateWriteHeadStart, stateWriteHeadContinue,
		stateRelayedStart, stateRelayedHeadStart, stateRelayedHeadContinue:
		return true
	}
	return false
}

func (s *messageStub) isWaitResponseState() bool {
	return s.state == stateWriteWait || s.state == stateRelayedWait
}

func (s *messageStub) isRelay() bool {
	return s.bundle.isRelay() || s.state >= stateRelayedStart
}

func (s *messageStub) isSynchronous() bool {
	return s.bundle.Flags.IsSynchronous()
}

// msgSerializer is a pooled staging buffer: the encoded header or body is
// staged once, then chunked into packets across write calls.
type msgSerializer struct {
	staged []byte
	off    int
	next   *msgSerializer
}

func (s *msgSerializer) stage(b []byte) {
	s.staged = b
	s.off = 0
}

func (s *msgSerializer) runChunk(buf []byte) int {
	n := copy(buf, s.staged[s.off:])
	s.off += n
	return n
}

func (s *msgSerializer) empty() bool { return s.off >= len(s.staged) }

func (s *msgSerializer) reset() {
	s.staged = nil
	s.off = 0
}

// WriterSender is the writer's outward face: completion and cancellation
// callbacks plus the shared context. The connection implements it.
type WriterSender interface {
	Config() *Configuration
	Proto() *Protocol
	Context() *ConnectionContext

	// CompleteMessage terminates a message that needs no response.
	CompleteMessage(bundle *MessageBundle, poolID MessageID) error

	// CancelMessage is consulted before a cancel proceeds; returning false
	// vetoes it (the pool may already have completed the message).
	CancelMessage(bundle *MessageBundle, poolID MessageID) bool

	// CompleteRelayed returns a drained RelayData to the relay engine.
	CompleteRelayed(rd *RelayData, engineID MessageID)

	// CancelRelayed tells the relay engine a relayed message died here.
	CancelRelayed(rd *RelayData, engineID MessageID)
}

type packetOptions struct {
	requestAccept bool
}

// MessageWriter multiplexes any number of in-flight messages onto one
// connection, interleaving their fragments into packets under the fairness,
// synchronous-lane and relay-permit rules. It is single-threaded on its
// connection's reactor.
type MessageWriter struct {
	slots []messageStub

	orderList innerlist.List[messageStub]
	writeList innerlist.List[messageStub]
	cacheList innerlist.List[messageStub]

	writeSyncIdx    int
	writeBackIdx    int
	writeAsyncCount int
	writeDirect     int

	serStackTop *msgSerializer
}

// NewMessageWriter creates a writer; Prepare must run before use.
func NewMessageWriter() *MessageWriter {
	w := &MessageWriter{
		writeSyncIdx: innerlist.InvalidIndex,
		writeBackIdx: innerlist.InvalidIndex,
	}
	node := func(s *messageStub) *innerlist.Node { return &s.node }
	w.orderList = innerlist.New(&w.slots, linkOrder, node)
	w.writeList = innerlist.New(&w.slots, linkWrite, node)
	w.cacheList = innerlist.New(&w.slots, linkCache, node)
	return w
}

// Prepare sizes the slot vector. It must never be resized afterwards: slot
// addresses are referenced by staged serializer state.
func (w *MessageWriter) Prepare(cfg *Configuration) {
	total := cfg.MaxMessageCountMultiplex + cfg.MaxMessageCountResponseWait
	w.slots = make([]messageStub, total)
	for i := range w.slots {
		w.slots[i].node = innerlist.NewNode()
		w.slots[i].poolMsgID = InvalidMessageID()
		w.cacheList.PushBack(i)
	}
}

// IsEmpty reports whether no message occupies the writer.
func (w *MessageWriter) IsEmpty() bool { return w.orderList.Empty() }

// IsFull reports whether the write queue is at the multiplex cap.
func (w *MessageWriter) IsFull(cfg *Configuration) bool {
	return w.writeList.Size() >= cfg.MaxMessageCountMultiplex
}

// CanHandleMore reports room in the write queue.
func (w *MessageWriter) CanHandleMore(cfg *Configuration) bool {
	return w.writeList.Size() < cfg.MaxMessageCountMultiplex
}

// OrderSize, WriteSize and CacheSize expose the list sizes.
func (w *MessageWriter) OrderSize() int { return w.orderList.Size() }
func (w *MessageWriter) WriteSize() int { return w.writeList.Size() }
func (w *MessageWriter) CacheSize() int { return w.cacheList.Size() }

// Enqueue accepts a message bundle, returning the connection-local
// MessageID. It fails, without mutating state, when the write queue is at
// the multiplex cap, no slot is free, or the request window
// (MaxMessageCountResponseWait) is exhausted.
func (w *MessageWriter) Enqueue(cfg *Configuration, bundle MessageBundle, poolID MessageID) (MessageID, bool) {
	if w.IsFull(cfg) || w.cacheList.Empty() {
		return InvalidMessageID(), false
	}
	if bundle.Flags.IsAwaitResponse() &&
		(w.orderList.Size()-w.writeList.Size()) >= cfg.MaxMessageCountResponseWait {
		return InvalidMessageID(), false
	}

	bundle.Flags &^= MessageFlagStartedSend | MessageFlagDoneSend

	idx := w.cacheList.PopFront()
	s := &w.slots[idx]
	s.bundle = bundle
	s.poolMsgID = poolID
	s.bundle.Flags = UpdateStateFlags(ClearStateFlags(s.bundle.Flags) | StateFlags(s.bundle.Header.Flags))

	id := MessageID{Index: idx, Unique: s.unique}
	w.orderList.PushBack(idx)
	w.writeQueuePushBack(idx)
	return id, true
}

// EnqueueRelay accepts, continues or cancels a relayed message. A nil
// rd.Data continues an engine-driven cancel. On success the RelayData is
// owned by the writer until CompleteRelayed. The returned "more" mirrors
// whether the writer could take further relay data right now.
func (w *MessageWriter) EnqueueRelay(cfg *Configuration, rd *RelayData, engineID MessageID, connID MessageID) (MessageID, bool, bool) {
	if w.IsFull(cfg) {
		return connID, false, false
	}

	var idx int
	if !connID.IsValid() { // first fragment
		if w.cacheList.Empty() {
			return connID, false, false
		}
		if rd.IsRequest() &&
			(w.orderList.Size()-w.writeList.Size()) >= cfg.MaxMessageCountResponseWait {
			return connID, false, true
		}
		idx = w.cacheList.PopFront()
		connID = MessageID{Index: idx, Unique: w.slots[idx].unique}
		w.orderList.PushBack(idx)
	} else {
		idx = connID.Index
		if w.slots[idx].unique != connID.Unique || w.slots[idx].relayData != nil {
			// The previous chunk is still draining; retried later.
			return connID, false, true
		}
	}

	s := &w.slots[idx]

	switch {
	case rd != nil && rd.Data != nil:
		if rd.IsMessageBegin() {
			s.state = stateRelayedStart
			rd.Header.Flags = rd.MessageFlags
		}
		s.relayData = rd
		s.relayPos = 0
		s.relaySize = len(rd.Data)
		s.poolMsgID = engineID
		w.writeQueuePushBack(idx)
	case s.state < stateRelayedWait:
		// Engine-driven cancel of a message being forwarded: emit the
		// cancel command toward the peer.
		s.state = stateRelayedCancel
		w.writeQueuePushBack(idx)
	case s.state == stateRelayedWait:
		// Waiting for the response; nothing to forward.
	default:
		// Already in a cancel state: the engine side is gone, drop the slot.
		if s.state == stateRelayedCancelRequest || s.state == stateRelayedCancel {
			w.writeQueueErase(idx)
		}
		w.orderList.Erase(idx)
		w.unprepareSlot(idx)
	}
	return connID, true, true
}

func (w *MessageWriter) unprepareSlot(idx int) {
	w.slots[idx].clear()
	w.cacheList.PushFront(idx)
}

func (w *MessageWriter) writeQueuePushBack(idx int) {
	if w.writeList.Size() == 0 || w.writeBackIdx == innerlist.InvalidIndex {
		w.writeList.PushBack(idx)
	} else {
		w.writeList.InsertAfter(w.writeBackIdx, idx)
	}
	w.writeBackIdx = idx

	s := &w.slots[idx]
	if !s.isRelay() {
		w.writeDirect++
	}
	if !s.isSynchronous() {
		w.writeAsyncCount++
	}
}

func (w *MessageWriter) writeQueueErase(idx int) {
	s := &w.slots[idx]
	if !s.isRelay() {
		w.writeDirect--
	}
	if !s.isSynchronous() {
		w.writeAsyncCount--
	}
	if idx == w.writeSyncIdx {
		w.writeSyncIdx = innerlist.InvalidIndex
	}
	if idx == w.writeBackIdx {
		w.writeBackIdx = w.writeList.PreviousIndex(idx)
	}
	w.writeList.Erase(idx)
}

// Cancel cancels the message identified by id. A message being serialized
// turns into a wire cancel; one awaiting its response is kept until the
// response arrives unless force is set.
func (w *MessageWriter) Cancel(id MessageID, sender WriterSender, force bool) {
	if id.IsValid() && id.Index < len(w.slots) && w.slots[id.Index].unique == id.Unique {
		w.doCancel(id.Index, sender, force)
	}
}

// CancelOldest force-cancels the front of the order list.
func (w *MessageWriter) CancelOldest(sender WriterSender) {
	if !w.orderList.Empty() {
		w.doCancel(w.orderList.FrontIndex(), sender, true)
	}
}

func (w *MessageWriter) doCancel(idx int, sender WriterSender, force bool) {
	s := &w.slots[idx]

	if s.state == stateWriteWaitCanceled {
		if force {
			w.orderList.Erase(idx)
			w.unprepareSlot(idx)
		}
		return
	}
	if s.state == stateWriteCanceled {
		if force {
			w.orderList.Erase(idx)
			w.writeQueueErase(idx)
			w.unprepareSlot(idx)
		}
		return
	}

	if s.bundle.Message != nil {
		s.bundle.Flags |= MessageFlagCanceled
		if !sender.CancelMessage(&s.bundle, s.poolMsgID) {
			s.bundle.Flags &^= MessageFlagCanceled
			return
		}
		switch {
		case s.ser != nil:
			// Mid-serialization: the peer already saw fragments, so a
			// CancelMessage command must follow.
			s.ser.reset()
			s.state = stateWriteCanceled
		case !force && s.state == stateWriteWait:
			s.state = stateWriteWaitCanceled
		case s.state == stateWriteWait || s.state == stateWriteWaitCanceled:
			w.orderList.Erase(idx)
			w.unprepareSlot(idx)
		default:
			// Still pending: nothing reached the wire yet.
			w.orderList.Erase(idx)
			w.writeQueueErase(idx)
			w.unprepareSlot(idx)
		}
		return
	}

	// Relayed slot: forward the cancel to the engine and make sure the
	// cancel reaches the peer.
	switch s.state {
	case stateRelayedHeadStart, stateRelayedHeadContinue, stateRelayedBody:
		if s.ser != nil {
			s.ser.reset()
		}
		inWrite := s.relayData != nil
		sender.CancelRelayed(s.relayData, s.poolMsgID)
		s.relayData = nil
		s.state = stateRelayedCancelRequest
		if !inWrite {
			w.writeQueuePushBack(idx)
		}
	case stateRelayedStart, stateRelayedWait:
		sender.CancelRelayed(s.relayData, s.poolMsgID)
		s.relayData = nil
		w.orderList.Erase(idx)
		w.unprepareSlot(idx)
	case stateRelayedCancelRequest:
		if force {
			w.writeQueueErase(idx)
			w.orderList.Erase(idx)
			w.unprepareSlot(idx)
		}
	}
}

// FetchRequest returns the still-held request payload for id.
func (w *MessageWriter) FetchRequest(id MessageID) (any, bool) {
	if id.IsValid() && id.Index < len(w.slots) && w.slots[id.Index].unique == id.Unique {
		return w.slots[id.Index].bundle.Message, true
	}
	return nil, false
}

// CheckResponseState reports how an incoming response relates to the
// request slot id. For a relayed wait the engine id is returned and, when
// eraseRequest is set, the slot is freed.
func (w *MessageWriter) CheckResponseState(id MessageID, eraseRequest bool) (ResponseState, MessageID) {
	if !id.IsValid() || id.Index >= len(w.slots) || w.slots[id.Index].unique != id.Unique {
		return ResponseStateNone, InvalidMessageID()
	}
	s := &w.slots[id.Index]
	switch s.state {
	case stateWriteWait:
		return ResponseStateWait, InvalidMessageID()
	case stateRelayedWait:
		engineID := s.poolMsgID
		if eraseRequest {
			w.orderList.Erase(id.Index)
			w.unprepareSlot(id.Index)
		}
		return ResponseStateRelayedWait, engineID
	case stateWriteCanceled:
		w.orderList.Erase(id.Index)
		w.writeQueueErase(id.Index)
		w.unprepareSlot(id.Index)
		return ResponseStateCancel, InvalidMessageID()
	case stateWriteWaitCanceled:
		w.orderList.Erase(id.Index)
		w.unprepareSlot(id.Index)
		return ResponseStateCancel, InvalidMessageID()
	default:
		return ResponseStateInvalid, InvalidMessageID()
	}
}

// FetchWaitingMessage takes the bundle out of a Wait-state slot and frees
// it; used when the correlated response arrived.
func (w *MessageWriter) FetchWaitingMessage(id MessageID) (MessageBundle, MessageID, bool) {
	if !id.IsValid() || id.Index >= len(w.slots) || w.slots[id.Index].unique != id.Unique {
		return MessageBundle{}, InvalidMessageID(), false
	}
	s := &w.slots[id.Index]
	if s.state != stateWriteWait {
		return MessageBundle{}, InvalidMessageID(), false
	}
	bundle := s.bundle
	poolID := s.poolMsgID
	s.bundle = MessageBundle{}
	w.orderList.Erase(id.Index)
	w.unprepareSlot(id.Index)
	return bundle, poolID, true
}

// ForEveryMessageNewerToOlder walks the order list back to front, visiting
// every direct (non-relayed) message. When visit returns true the bundle is
// taken out of the writer and the slot freed; used to reschedule messages
// after a connection dies.
func (w *MessageWriter) ForEveryMessageNewerToOlder(visit func(bundle *MessageBundle, poolID MessageID) bool) {
	idx := w.orderList.BackIndex()
	for idx != innerlist.InvalidIndex {
		prev := w.orderList.PreviousIndex(idx)
		s := &w.slots[idx]
		if s.bundle.Message != nil {
			inWrite := !s.isWaitResponseState()
			if visit(&s.bundle, s.poolMsgID) {
				if inWrite {
					w.writeQueueErase(idx)
				}
				w.orderList.Erase(idx)
				w.unprepareSlot(idx)
			}
		}
		idx = prev
	}
}

// Write assembles packets into buf. ackdBufCount drains into an AckdCount
// command; cancelRemote drains into CancelRequest commands; relayFree is
// decremented for the one relay-permit packet allowed per call. Returns the
// number of buffer bytes produced.
func (w *MessageWriter) Write(
	buf []byte,
	shouldSendKeepAlive bool,
	ackdBufCount *uint8,
	cancelRemote *[]RequestID,
	relayFree *uint8,
	sender WriterSender,
) (int, error) {
	cfg := sender.Config()
	pos := 0
	more := true

	for more && len(buf)-pos >= PacketHeaderSize+cfg.MinFreePacketDataSize {
		hdrPos := pos
		dataPos := pos + PacketHeaderSize
		var opts packetOptions

		fill, err := w.writePacketData(buf[dataPos:], &opts, ackdBufCount, cancelRemote, *relayFree, sender)
		if err != nil {
			return 0, err
		}
		if fill == 0 {
			more = false
			continue
		}

		pkt := PacketHeader{Type: PacketTypeData}
		if cfg.InplaceCompressFnc != nil {
			csz, cerr := cfg.InplaceCompressFnc(buf[dataPos : dataPos+fill])
			if cerr != nil {
				return 0, cerr
			}
			if csz > 0 {
				pkt.Flags |= PacketFlagCompressed
				fill = csz
			}
		}
		if opts.requestAccept {
			// One permit-consuming packet per write call, so a slow
			// acknowledger cannot monopolize the buffer.
			*relayFree--
			pkt.Flags |= PacketFlagAckRequest
			more = false
		}
		pkt.Size = uint16(fill)
		pkt.EncodeTo(buf[hdrPos:])
		pos = dataPos + fill
	}

	if pos == 0 && shouldSendKeepAlive && len(buf) >= PacketHeaderSize {
		pkt := PacketHeader{Type: PacketTypeKeepAlive}
		pkt.EncodeTo(buf)
		pos = PacketHeaderSize
	}
	return pos, nil
}

// writePacketData fills one packet payload with commands.
func (w *MessageWriter) writePacketData(
	buf []byte,
	opts *packetOptions,
	ackdBufCount *uint8,
	cancelRemote *[]RequestID,
	relayFree uint8,
	sender WriterSender,
) (int, error) {
	cfg := sender.Config()
	pos := 0

	if *ackdBufCount != 0 {
		buf[pos] = CommandAckdCount
		buf[pos+1] = *ackdBufCount
		pos += 2
		*ackdBufCount = 0
	}

	for len(*cancelRemote) > 0 && len(buf)-pos >= cfg.MinFreePacketDataSize {
		req := (*cancelRemote)[len(*cancelRemote)-1]
		buf[pos] = CommandCancelRequest
		pos++
		n, err := CrossEncode(buf[pos:], uint64(req.Index))
		if err != nil {
			return 0, err
		}
		pos += n
		n, err = CrossEncode(buf[pos:], uint64(req.Unique))
		if err != nil {
			return 0, err
		}
		pos += n
		*cancelRemote = (*cancelRemote)[:len(*cancelRemote)-1]
	}

	var err error
	for err == nil &&
		len(buf)-pos >= cfg.MinFreePacketDataSize &&
		w.findEligibleMessage(cfg, relayFree != 0) {

		idx := w.writeList.FrontIndex()
		s := &w.slots[idx]
		cmd := CommandMessage

		switch s.state {
		case stateWriteStart:
			s.ser = w.createSerializer()
			s.bundle.Flags |= MessageFlagStartedSend
			s.state = stateWriteHeadStart
			cmd = CommandNewMessage
			fallthrough
		case stateWriteHeadStart, stateWriteHeadContinue:
			pos, err = w.writeMessageHead(buf, pos, idx, cmd, sender)
		case stateWriteBodyStart, stateWriteBodyContinue:
			pos, err = w.writeMessageBody(buf, pos, idx, opts, sender)
		case stateWriteCanceled:
			pos, err = w.writeMessageCancel(buf, pos, idx)
		case stateRelayedStart:
			s.ser = w.createSerializer()
			s.state = stateRelayedHeadStart
			cmd = CommandNewMessage
			fallthrough
		case stateRelayedHeadStart, stateRelayedHeadContinue:
			pos, err = w.writeRelayedHead(buf, pos, idx, cmd, sender)
		case stateRelayedBody:
			pos, err = w.writeRelayedBody(buf, pos, idx, opts, sender)
		case stateRelayedCancelRequest, stateRelayedCancel:
			pos, err = w.writeMessageCancel(buf, pos, idx)
		default:
			// Wait states never sit in the write queue.
			return pos, ErrProtocol
		}
	}
	return pos, err
}

// findEligibleMessage rotates the write queue until its front may produce
// bytes: headers are never split, the synchronous lane admits one message,
// relay messages need a permit, and a message at its fairness quantum lets
// async siblings pass.
func (w *MessageWriter) findEligibleMessage(cfg *Configuration, canSendRelay bool) bool {
	if !canSendRelay && w.writeDirect == 0 {
		return false
	}
	qsz := w.writeList.Size()
	asyncPostponed := 0
	for qsz > 0 {
		qsz--
		idx := w.writeList.FrontIndex()
		s := &w.slots[idx]

		if s.isHeadState() {
			return true
		}
		if s.isSynchronous() {
			switch w.writeSyncIdx {
			case innerlist.InvalidIndex:
				w.writeSyncIdx = idx
			case idx:
			default:
				w.writeList.PushBack(w.writeList.PopFront())
				continue
			}
		}
		if s.isStartOrHeadState() {
			return true
		}
		if s.isRelay() && !canSendRelay {
			w.writeList.PushBack(w.writeList.PopFront())
			continue
		}
		if s.packetCount >= cfg.MaxMessageContinuousPacketCount {
			s.packetCount = 0
			if s.isSynchronous() && w.writeAsyncCount == 0 {
				// No async siblings: keep going with the sync message.
			} else if w.writeAsyncCount > asyncPostponed+1 {
				// Give the async siblings a turn, but never postpone all
				// of them.
				w.writeList.PushBack(w.writeList.PopFront())
				asyncPostponed++
				continue
			}
		}
		return true
	}
	return false
}

func (w *MessageWriter) writeMessageHead(buf []byte, pos, idx int, cmd uint8, sender WriterSender) (int, error) {
	s := &w.slots[idx]

	buf[pos] = cmd
	pos++
	n, err := CrossEncode(buf[pos:], uint64(idx))
	if err != nil {
		return pos, err
	}
	pos += n
	sizePos := pos
	pos += 2

	if s.state == stateWriteHeadStart {
		s.bundle.Flags = UpdateStateFlags(ClearStateFlags(s.bundle.Flags) | StateFlags(s.bundle.Header.Flags))

		header := s.bundle.Header
		header.Flags = s.bundle.Flags
		if s.bundle.Header.URL != "" {
			header.Flags |= MessageFlagRelayed
		}
		header.SenderRequestID = MessageID{Index: idx, Unique: s.unique}.requestID()

		staged := make([]byte, 2+header.Size())
		hn, herr := header.EncodeTo(staged[2:])
		if herr != nil {
			return pos, herr
		}
		binary.LittleEndian.PutUint16(staged, uint16(hn))
		s.ser.stage(staged[:2+hn])
		s.state = stateWriteHeadContinue

		sender.Context().requestID = header.SenderRequestID
	}

	wn := s.ser.runChunk(buf[pos:])
	binary.LittleEndian.PutUint16(buf[sizePos:], uint16(wn))
	pos += wn

	if s.ser.empty() {
		s.state = stateWriteBodyStart
	}
	return pos, nil
}

func (w *MessageWriter) writeMessageBody(buf []byte, pos, idx int, opts *packetOptions, sender WriterSender) (int, error) {
	s := &w.slots[idx]

	cmdPos := pos
	pos++
	n, err := CrossEncode(buf[pos:], uint64(idx))
	if err != nil {
		return pos, err
	}
	pos += n
	sizePos := pos
	pos += 2

	if s.state == stateWriteBodyStart {
		body, berr := sender.Proto().encodeBody(s.bundle.TypeID, s.bundle.Message)
		if berr != nil {
			return pos, berr
		}
		s.ser.stage(body)
		s.state = stateWriteBodyContinue
	}

	wn := s.ser.runChunk(buf[pos:])
	cmd := CommandMessage

	if s.isRelay() {
		opts.requestAccept = true
	}

	if s.ser.empty() {
		cmd |= CommandEndMessageFlag
		w.tryCompleteMessageAfterSerialization(idx, sender)
	} else {
		s.packetCount++
	}

	buf[cmdPos] = cmd
	binary.LittleEndian.PutUint16(buf[sizePos:], uint16(wn))
	pos += wn
	return pos, nil
}

func (w *MessageWriter) writeRelayedHead(buf []byte, pos, idx int, cmd uint8, sender WriterSender) (int, error) {
	s := &w.slots[idx]

	buf[pos] = cmd
	pos++
	n, err := CrossEncode(buf[pos:], uint64(idx))
	if err != nil {
		return pos, err
	}
	pos += n
	sizePos := pos
	pos += 2

	if s.state == stateRelayedHeadStart {
		header := *s.relayData.Header
		header.Flags |= MessageFlagRelayed
		header.SenderRequestID = MessageID{Index: idx, Unique: s.unique}.requestID()

		staged := make([]byte, 2+header.Size())
		hn, herr := header.EncodeTo(staged[2:])
		if herr != nil {
			return pos, herr
		}
		binary.LittleEndian.PutUint16(staged, uint16(hn))
		s.ser.stage(staged[:2+hn])
		s.state = stateRelayedHeadContinue
	}

	wn := s.ser.runChunk(buf[pos:])
	binary.LittleEndian.PutUint16(buf[sizePos:], uint16(wn))
	pos += wn

	if s.ser.empty() {
		w.cacheSerializer(s.ser)
		s.ser = nil
		s.state = stateRelayedBody
	}
	return pos, nil
}

func (w *MessageWriter) writeRelayedBody(buf []byte, pos, idx int, opts *packetOptions, sender WriterSender) (int, error) {
	s := &w.slots[idx]
	opts.requestAccept = true

	cmdPos := pos
	pos++
	n, err := CrossEncode(buf[pos:], uint64(idx))
	if err != nil {
		return pos, err
	}
	pos += n
	sizePos := pos
	pos += 2

	toWrite := len(buf) - pos
	if toWrite > s.relaySize {
		toWrite = s.relaySize
	}
	copy(buf[pos:], s.relayData.Data[s.relayPos:s.relayPos+toWrite])
	pos += toWrite
	s.relayPos += toWrite
	s.relaySize -= toWrite

	cmd := CommandMessage

	if s.relaySize == 0 {
		w.writeQueueErase(idx)

		rd := s.relayData
		isEnd := rd.IsMessageEnd()
		isLast := rd.IsMessageLast()
		isRequest := rd.IsRequest()

		sender.CompleteRelayed(rd, s.poolMsgID)
		s.relayData = nil

		if isEnd {
			cmd |= CommandEndMessageFlag
		}
		if isLast {
			if isRequest {
				s.state = stateRelayedWait
			} else {
				w.orderList.Erase(idx)
				w.unprepareSlot(idx)
			}
		}
	}

	buf[cmdPos] = cmd
	binary.LittleEndian.PutUint16(buf[sizePos:], uint16(toWrite))
	return pos, nil
}

func (w *MessageWriter) writeMessageCancel(buf []byte, pos, idx int) (int, error) {
	buf[pos] = CommandCancelMessage
	pos++
	n, err := CrossEncode(buf[pos:], uint64(idx))
	if err != nil {
		return pos, err
	}
	pos += n

	w.writeQueueErase(idx)
	w.orderList.Erase(idx)
	w.unprepareSlot(idx)
	return pos, nil
}

// tryCompleteMessageAfterSerialization runs when a message's last body byte
// was staged into the packet: the slot leaves the write queue; a request
// parks in Wait, everything else completes right away.
func (w *MessageWriter) tryCompleteMessageAfterSerialization(idx int, sender WriterSender) {
	s := &w.slots[idx]

	w.cacheSerializer(s.ser)
	s.ser = nil
	w.writeQueueErase(idx)

	s.bundle.Flags &^= MessageFlagStartedSend
	s.bundle.Flags |= MessageFlagDoneSend
	s.state = stateWriteStart

	if !s.bundle.Flags.IsAwaitResponse() {
		bundle := s.bundle
		poolID := s.poolMsgID
		s.bundle = MessageBundle{}
		w.orderList.Erase(idx)
		w.unprepareSlot(idx)
		_ = sender.CompleteMessage(&bundle, poolID)
	} else {
		s.state = stateWriteWait
	}
}

func (w *MessageWriter) cacheSerializer(s *msgSerializer) {
	if s == nil {
		return
	}
	s.reset()
	s.next = w.serStackTop
	w.serStackTop = s
}

func (w *MessageWriter) createSerializer() *msgSerializer {
	if w.serStackTop != nil {
		s := w.serStackTop
		w.serStackTop = s.next
		s.next = nil
		return s
	}
	return &msgSerializer{}
}
