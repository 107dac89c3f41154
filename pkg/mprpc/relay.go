package mprpc

import (
	"sync"

	"github.com/pion/logging"

	"github.com/solidframe/sframe/pkg/frame"
)

// maxRelayQueuedChunks bounds the chunks parked per relayed message before
// back-pressure is applied to the origin connection.
const maxRelayQueuedChunks = 64

// relayStub tracks one message being forwarded between two connections.
type relayStub struct {
	unique uint32
	used   bool

	srcConn frame.ActorID // where the request chunks arrive
	dstConn frame.ActorID // where they are forwarded to

	// originSenderReq is the sender request id of the origin connection;
	// restored into the response header when it travels back.
	originSenderReq RequestID

	// target is the connection currently being written to; connMsgID is the
	// writer slot on it.
	target    frame.ActorID
	connMsgID MessageID

	queue    []*RelayData
	offered  bool // a chunk is with the target writer right now
	response bool // forwarding the response leg
	dead     bool
}

func (s *relayStub) clear() {
	s.unique++
	s.used = false
	s.srcConn = frame.InvalidUniqueID()
	s.dstConn = frame.InvalidUniqueID()
	s.originSenderReq = RequestID{}
	s.target = frame.InvalidUniqueID()
	s.connMsgID = InvalidMessageID()
	s.queue = nil
	s.offered = false
	s.response = false
	s.dead = false
}

// RelayEngine forwards message fragments between two connections of a relay
// node, accounting buffer permits. It owns its own lock; connections hand it
// RelayData and take it back through their writers.
type RelayEngine struct {
	svc *Service
	log logging.LeveledLogger

	mu     sync.Mutex
	groups map[uint32]frame.ActorID
	stubs  []relayStub
	free   []int
}

func newRelayEngine(svc *Service, loggerFactory logging.LoggerFactory) *RelayEngine {
	return &RelayEngine{
		svc:    svc,
		log:    loggerFactory.NewLogger("relay"),
		groups: make(map[uint32]frame.ActorID),
	}
}

// RegisterGroup binds groupID to a connection actor; relayed messages whose
// header names the group are forwarded to it.
func (e *RelayEngine) RegisterGroup(groupID uint32, conn frame.ActorID) {
	e.mu.Lock()
	e.groups[groupID] = conn
	e.mu.Unlock()
	e.log.Debugf("group %d -> connection %s", groupID, conn)
}

// UnregisterConnection drops the group bindings and kills the stubs of a
// departing connection. The origin of a message whose forward leg died is
// told via a CancelRequest so its request slot does not wait forever.
func (e *RelayEngine) UnregisterConnection(conn frame.ActorID) {
	type cancelNote struct {
		conn frame.ActorID
		req  RequestID
	}
	var notes []cancelNote

	e.mu.Lock()
	for gid, c := range e.groups {
		if c == conn {
			delete(e.groups, gid)
		}
	}
	for i := range e.stubs {
		s := &e.stubs[i]
		if s.used && (s.srcConn == conn || s.dstConn == conn) {
			if s.dstConn == conn && s.srcConn != conn && s.originSenderReq.IsValid() {
				notes = append(notes, cancelNote{conn: s.srcConn, req: s.originSenderReq})
			}
			s.dead = true
			s.queue = nil
		}
	}
	e.mu.Unlock()

	for _, n := range notes {
		_ = e.svc.raiseConn(n.conn, connEventCancelRemote, n.req)
	}
}

func (e *RelayEngine) alloc() int {
	if n := len(e.free); n > 0 {
		idx := e.free[n-1]
		e.free = e.free[:n-1]
		return idx
	}
	e.stubs = append(e.stubs, relayStub{
		srcConn:   frame.InvalidUniqueID(),
		dstConn:   frame.InvalidUniqueID(),
		target:    frame.InvalidUniqueID(),
		connMsgID: InvalidMessageID(),
	})
	return len(e.stubs) - 1
}

func (e *RelayEngine) stubOf(id MessageID) *relayStub {
	if !id.IsValid() || id.Index >= len(e.stubs) {
		return nil
	}
	s := &e.stubs[id.Index]
	if !s.used || s.unique != id.Unique {
		return nil
	}
	return s
}

// StartMessage routes the first chunk of a relayed message by its header's
// group id, returning the engine slot. rd must carry the header.
func (e *RelayEngine) StartMessage(src frame.ActorID, rd *RelayData) (MessageID, bool) {
	e.mu.Lock()
	dst, ok := e.groups[rd.Header.Relay.GroupID]
	if !ok {
		e.mu.Unlock()
		e.log.Warnf("no connection for relay group %d", rd.Header.Relay.GroupID)
		return InvalidMessageID(), false
	}
	idx := e.alloc()
	s := &e.stubs[idx]
	s.used = true
	s.srcConn = src
	s.dstConn = dst
	s.originSenderReq = rd.Header.SenderRequestID
	s.target = dst
	s.connMsgID = InvalidMessageID()
	id := MessageID{Index: idx, Unique: s.unique}
	rd.engineID = id
	s.queue = append(s.queue, rd)
	e.mu.Unlock()

	e.notifyTarget(dst, id)
	return id, true
}

// StartResponse switches the stub to the response leg: chunks now flow back
// to the origin connection with the origin's request id restored.
func (e *RelayEngine) StartResponse(id MessageID, rd *RelayData) bool {
	e.mu.Lock()
	s := e.stubOf(id)
	if s == nil || s.dead {
		e.mu.Unlock()
		return false
	}
	s.response = true
	s.target = s.srcConn
	s.connMsgID = InvalidMessageID()
	s.offered = false
	rd.Header.RecipientRequestID = s.originSenderReq
	rd.engineID = id
	s.queue = append(s.queue, rd)
	target := s.target
	e.mu.Unlock()

	e.notifyTarget(target, id)
	return true
}

// PushChunk queues a continuation chunk.
func (e *RelayEngine) PushChunk(id MessageID, rd *RelayData) bool {
	e.mu.Lock()
	s := e.stubOf(id)
	if s == nil || s.dead || len(s.queue) >= maxRelayQueuedChunks {
		e.mu.Unlock()
		return false
	}
	rd.engineID = id
	s.queue = append(s.queue, rd)
	target := s.target
	notify := !s.offered
	e.mu.Unlock()

	if notify {
		e.notifyTarget(target, id)
	}
	return true
}

func (e *RelayEngine) notifyTarget(target frame.ActorID, id MessageID) {
	if err := e.svc.raiseConn(target, connEventRelayNew, id); err != nil {
		e.log.Warnf("relay target %s unreachable: %v", target, err)
	}
}

// acceptFunc is the writer-facing half of DrainInto; the connection wraps
// MessageWriter.EnqueueRelay.
type acceptFunc func(rd *RelayData, engineID MessageID, connID MessageID) (MessageID, bool)

// DrainInto offers queued chunks of the stub to the target connection's
// writer; called on the target connection's reactor.
func (e *RelayEngine) DrainInto(id MessageID, accept acceptFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stubOf(id)
	if s == nil || s.dead {
		return
	}
	for len(s.queue) > 0 && !s.offered {
		rd := s.queue[0]
		connID, ok := accept(rd, id, s.connMsgID)
		if !ok {
			return
		}
		s.connMsgID = connID
		s.queue = s.queue[1:]
		s.offered = true
	}
}

// DoneData takes a drained RelayData back from a writer. The origin side is
// acknowledged when the chunk's packet asked for it; the stub is freed once
// the final leg finished.
func (e *RelayEngine) DoneData(id MessageID, rd *RelayData) {
	e.mu.Lock()
	s := e.stubOf(id)
	var ackTarget frame.ActorID = frame.InvalidUniqueID()
	var next frame.ActorID = frame.InvalidUniqueID()
	freed := false
	if s != nil {
		s.offered = false
		if rd != nil && rd.ackOnComplete {
			if s.response {
				ackTarget = s.dstConn
			} else {
				ackTarget = s.srcConn
			}
		}
		if rd != nil && rd.IsMessageLast() && (s.response || !rd.IsRequest()) {
			s.clear()
			e.free = append(e.free, id.Index)
			freed = true
		} else if len(s.queue) > 0 {
			next = s.target
		}
	}
	e.mu.Unlock()

	if ackTarget.IsValid() {
		_ = e.svc.raiseConn(ackTarget, connEventRelayAck, InvalidMessageID())
	}
	if !freed && next.IsValid() {
		e.notifyTarget(next, id)
	}
}

// CancelRelayed marks the stub dead, drops its queued chunks and frees its
// slot. It sends nothing to the other leg's connection.
func (e *RelayEngine) CancelRelayed(id MessageID, rd *RelayData) {
	e.mu.Lock()
	s := e.stubOf(id)
	if s != nil {
		s.dead = true
		s.queue = nil
		s.offered = false
		s.clear()
		e.free = append(e.free, id.Index)
	}
	e.mu.Unlock()
}
