package mprpc

import (
	"fmt"
	"net"

	"github.com/armon/go-metrics"
	"github.com/google/uuid"
	"github.com/pion/logging"

	"github.com/solidframe/sframe/pkg/frame"
)

// Connection event tags.
const (
	connEventNewPoolMessage uint64 = iota + 1
	connEventEnterActive
	connEventRelayNew
	connEventRelayAck
	connEventCancelLocal
	connEventCancelRemote
	connEventStop
	connEventDialDone
)

type dialResult struct {
	conn net.Conn
	err  error
}

// Connection is the actor owning one transport stream, its MessageWriter
// and MessageReader, and the keep-alive timer. Everything below runs on the
// connection's reactor goroutine.
type Connection struct {
	frame.ActorBase

	svc      *Service
	pool     *connectionPool
	poolName string
	server   bool
	uuid     uuid.UUID
	log      logging.LeveledLogger

	stream *frame.Stream
	timer  *frame.Timer

	writer *MessageWriter
	reader *MessageReader
	cctx   ConnectionContext
	fctx   *frame.Context

	sendBuf []byte
	recvBuf []byte

	sending       bool
	active        bool
	failed        bool
	wantKeepAlive bool

	ackdBufCount      uint8
	ackRequestPending int
	cancelRemote      []RequestID
	relayFree         uint8

	// relayMap tracks incoming wire message slots being forwarded.
	relayMap map[int]MessageID

	pendingLocal []MessageBundle

	recvSinceTick bool
	sentSinceTick bool
	kaMisses      int
}

func newClientConnection(svc *Service, pool *connectionPool) *Connection {
	c := &Connection{
		svc:      svc,
		pool:     pool,
		poolName: pool.name,
		uuid:     uuid.New(),
		log:      svc.cfg.LoggerFactory.NewLogger("connection"),
		writer:   NewMessageWriter(),
		reader:   NewMessageReader(),
		relayMap: make(map[int]MessageID),
	}
	c.timer = frame.NewTimer(&c.ActorBase)
	return c
}

func newServerConnection(svc *Service, conn net.Conn) *Connection {
	c := &Connection{
		svc:      svc,
		server:   true,
		uuid:     uuid.New(),
		log:      svc.cfg.LoggerFactory.NewLogger("connection"),
		writer:   NewMessageWriter(),
		reader:   NewMessageReader(),
		relayMap: make(map[int]MessageID),
	}
	c.timer = frame.NewTimer(&c.ActorBase)
	c.stream = frame.NewStream(&c.ActorBase, conn)
	return c
}

// WriterSender / ReaderReceiver shared surface.

// Config returns the service configuration.
func (c *Connection) Config() *Configuration { return &c.svc.cfg }

// Proto returns the protocol registry.
func (c *Connection) Proto() *Protocol { return c.svc.proto }

// Context returns the connection context.
func (c *Connection) Context() *ConnectionContext { return &c.cctx }

// OnEvent is the actor dispatch entry.
func (c *Connection) OnEvent(ctx *frame.Context, ev frame.Event) {
	c.fctx = ctx
	defer func() { c.fctx = nil }()

	switch ev.Kind {
	case frame.EventInit:
		c.onInit(ctx)
	case frame.EventClear:
		c.onClear(ctx)
	case frame.EventUser:
		switch ev.Tag {
		case connEventNewPoolMessage:
			c.drainPool(ctx)
			c.doSend(ctx)
		case connEventEnterActive:
			c.becomeActive(ctx)
		case connEventRelayNew:
			if engineID, ok := ev.Data.(MessageID); ok {
				c.drainRelay(ctx, engineID)
				c.doSend(ctx)
			}
		case connEventRelayAck:
			c.ackdBufCount++
			c.doSend(ctx)
		case connEventCancelLocal:
			if id, ok := ev.Data.(MessageID); ok {
				c.writer.Cancel(id, c, false)
				c.doSend(ctx)
			}
		case connEventCancelRemote:
			if req, ok := ev.Data.(RequestID); ok {
				c.cancelRemote = append(c.cancelRemote, req)
				c.doSend(ctx)
			}
		case connEventStop:
			err, _ := ev.Data.(error)
			if err == nil {
				err = ErrConnectionClosed
			}
			c.fail(ctx, err)
		case connEventDialDone:
			if res, ok := ev.Data.(dialResult); ok {
				c.onDialDone(ctx, res)
			}
		}
	}
}

func (c *Connection) onInit(ctx *frame.Context) {
	cfg := &c.svc.cfg
	c.cctx = ConnectionContext{svc: c.svc, conn: c}
	if c.pool != nil {
		c.pool.onConnInit(c.Base().ActorID())
	}
	c.writer.Prepare(cfg)
	c.relayFree = cfg.RelayFreeCountInitial
	c.sendBuf = make([]byte, cfg.SendBufferCapacity)
	c.recvBuf = make([]byte, cfg.RecvBufferCapacity)

	if c.server {
		c.startIO(ctx)
		return
	}

	// Client side: resolve and dial off the reactor, then come back with
	// the result.
	actorID := c.Base().ActorID()
	svc := c.svc
	name := c.poolName
	go func() {
		addrs, err := svc.cfg.Resolver(name)
		if err != nil || len(addrs) == 0 {
			_ = svc.raiseConn(actorID, connEventDialDone, dialResult{err: fmt.Errorf("%w: %q: %v", ErrResolve, name, err)})
			return
		}
		var conn net.Conn
		for _, addr := range addrs {
			conn, err = svc.cfg.Connector(addr)
			if err == nil {
				break
			}
		}
		if conn == nil {
			_ = svc.raiseConn(actorID, connEventDialDone, dialResult{err: fmt.Errorf("%w: %v", ErrConnectionClosed, err)})
			return
		}
		_ = svc.raiseConn(actorID, connEventDialDone, dialResult{conn: conn})
	}()
}

func (c *Connection) onDialDone(ctx *frame.Context, res dialResult) {
	if res.err != nil {
		c.fail(ctx, res.err)
		return
	}
	c.stream = frame.NewStream(&c.ActorBase, res.conn)
	ctx.RegisterHandler(c.stream.Handler())
	c.startIO(ctx)
}

func (c *Connection) startIO(ctx *frame.Context) {
	c.postRecv(ctx)
	c.armKeepAlive(ctx)
	if c.svc.cfg.ConnectionStartState == StartStateActive {
		c.becomeActive(ctx)
	}
}

func (c *Connection) becomeActive(ctx *frame.Context) {
	if c.active || c.failed {
		return
	}
	c.active = true
	c.log.Debugf("connection %s active (pool %q)", c.uuid, c.poolName)
	if c.pool != nil {
		c.pool.onConnActive(c.Base().ActorID())
	}
	c.drainPool(ctx)
	c.doSend(ctx)
}

func (c *Connection) armKeepAlive(ctx *frame.Context) {
	_ = c.timer.ArmAfter(ctx, c.svc.cfg.KeepAliveInterval, c.onKeepAliveTick)
}

func (c *Connection) onKeepAliveTick(ctx *frame.Context) {
	cfg := &c.svc.cfg
	if !c.recvSinceTick {
		c.kaMisses++
	} else {
		c.kaMisses = 0
	}
	c.recvSinceTick = false
	if c.kaMisses >= cfg.ConnectionInactivityKeepAliveCount {
		c.fail(ctx, ErrTimeout)
		return
	}
	if !c.sentSinceTick {
		c.wantKeepAlive = true
		c.doSend(ctx)
	}
	c.sentSinceTick = false
	c.armKeepAlive(ctx)
}

func (c *Connection) postRecv(ctx *frame.Context) {
	if c.stream == nil || c.failed {
		return
	}
	err := c.stream.PostRecvSome(ctx, c.recvBuf, c.onRecv)
	if err != nil && err != frame.ErrPending {
		c.fail(ctx, fmt.Errorf("%w: %v", ErrConnectionClosed, err))
	}
}

func (c *Connection) onRecv(ctx *frame.Context, n int, err error) {
	c.fctx = ctx
	defer func() { c.fctx = nil }()

	if err != nil {
		c.fail(ctx, fmt.Errorf("%w: %v", ErrConnectionClosed, err))
		return
	}
	c.recvSinceTick = true
	c.kaMisses = 0

	if _, rerr := c.reader.Read(c.recvBuf[:n], c); rerr != nil {
		c.fail(ctx, rerr)
		return
	}
	// Packets that asked for an ack but carried no relay chunk are acked
	// right away; deferred acks ride on relay completion.
	if c.ackRequestPending > 0 {
		c.ackdBufCount += uint8(c.ackRequestPending)
		c.ackRequestPending = 0
	}
	if c.failed {
		return
	}
	c.drainPool(ctx)
	c.doSend(ctx)
	c.postRecv(ctx)
}

// drainPool moves parked pool messages into the writer.
func (c *Connection) drainPool(ctx *frame.Context) {
	if c.pool == nil || !c.active || c.failed {
		return
	}
	cfg := &c.svc.cfg
	for c.writer.CanHandleMore(cfg) {
		bundle, poolID, ok := c.pool.popMessageFor(c.Base().ActorID())
		if !ok {
			return
		}
		id, accepted := c.writer.Enqueue(cfg, bundle, poolID)
		if !accepted {
			c.pool.requeueFront(poolID, bundle)
			return
		}
		c.pool.assigned(poolID, id)
	}
}

// drainRelay offers queued engine chunks to the writer.
func (c *Connection) drainRelay(ctx *frame.Context, engineID MessageID) {
	if c.svc.relay == nil || c.failed {
		return
	}
	cfg := &c.svc.cfg
	c.svc.relay.DrainInto(engineID, func(rd *RelayData, eid MessageID, connID MessageID) (MessageID, bool) {
		newID, ok, _ := c.writer.EnqueueRelay(cfg, rd, eid, connID)
		return newID, ok
	})
}

// sendLocal queues a locally originated message (a response) on this
// connection.
func (c *Connection) sendLocal(bundle MessageBundle) error {
	if c.failed {
		return ErrConnectionClosed
	}
	c.pendingLocal = append(c.pendingLocal, bundle)
	if c.fctx != nil {
		c.doSend(c.fctx)
	}
	return nil
}

func (c *Connection) drainLocal() {
	cfg := &c.svc.cfg
	for len(c.pendingLocal) > 0 && c.writer.CanHandleMore(cfg) {
		bundle := c.pendingLocal[0]
		if _, ok := c.writer.Enqueue(cfg, bundle, InvalidMessageID()); !ok {
			return
		}
		c.pendingLocal = c.pendingLocal[1:]
	}
}

// doSend assembles packets and posts one stream write.
func (c *Connection) doSend(ctx *frame.Context) {
	if c.sending || c.stream == nil || c.failed {
		return
	}
	c.drainLocal()

	wantKA := c.wantKeepAlive
	c.wantKeepAlive = false
	n, err := c.writer.Write(c.sendBuf, wantKA, &c.ackdBufCount, &c.cancelRemote, &c.relayFree, c)
	if err != nil {
		c.fail(ctx, err)
		return
	}
	if n == 0 {
		return
	}
	c.sending = true
	c.sentSinceTick = true
	serr := c.stream.PostSendAll(ctx, c.sendBuf[:n], c.onSent)
	if serr != nil {
		c.sending = false
		c.fail(ctx, fmt.Errorf("%w: %v", ErrConnectionClosed, serr))
	}
}

func (c *Connection) onSent(ctx *frame.Context, err error) {
	c.fctx = ctx
	defer func() { c.fctx = nil }()

	c.sending = false
	if err != nil {
		c.fail(ctx, fmt.Errorf("%w: %v", ErrConnectionClosed, err))
		return
	}
	c.drainPool(ctx)
	c.doSend(ctx)
}

// completeBundle terminates one message exchange.
func (c *Connection) completeBundle(bundle *MessageBundle, recv any, err error) {
	metrics.IncrCounter([]string{"sframe", "mprpc", "complete"}, 1)
	if bundle.Complete != nil {
		bundle.Complete(&c.cctx, bundle.Message, recv, err)
		return
	}
	c.svc.proto.complete(&c.cctx, bundle.TypeID, bundle.Message, recv, err)
}

// fail terminates the connection: every in-flight message completes or goes
// back to the pool, then the actor stops.
func (c *Connection) fail(ctx *frame.Context, err error) {
	if c.failed {
		return
	}
	c.failed = true
	c.log.Debugf("connection %s failed: %v", c.uuid, err)

	type resched struct {
		bundle MessageBundle
		poolID MessageID
	}
	var requeue []resched

	c.writer.ForEveryMessageNewerToOlder(func(bundle *MessageBundle, poolID MessageID) bool {
		untouched := !bundle.Flags.Has(MessageFlagStartedSend) && !bundle.Flags.Has(MessageFlagDoneSend)
		canResched := c.pool != nil && !bundle.Flags.IsOneShot() &&
			(bundle.Flags.IsIdempotent() || untouched)
		if canResched && poolID.IsValid() {
			requeue = append(requeue, resched{bundle: *bundle, poolID: poolID})
		} else {
			c.completeBundle(bundle, nil, err)
			if c.pool != nil && poolID.IsValid() {
				c.pool.completeMessage(poolID)
			}
		}
		return true
	})

	for _, item := range c.pendingLocal {
		c.completeBundle(&item, nil, err)
	}
	c.pendingLocal = nil

	if c.svc.relay != nil {
		for _, engineID := range c.relayMap {
			c.svc.relay.CancelRelayed(engineID, nil)
		}
		c.relayMap = make(map[int]MessageID)
		c.svc.relay.UnregisterConnection(c.Base().ActorID())
	}

	if c.pool != nil {
		items := make([]poolRequeueItem, 0, len(requeue))
		for _, item := range requeue {
			items = append(items, poolRequeueItem{bundle: item.bundle, poolID: item.poolID})
		}
		c.pool.onConnFail(c.Base().ActorID(), err, items)
	}

	if c.stream != nil {
		_ = c.stream.Close()
	}
	ctx.PostActorStop()
}

func (c *Connection) onClear(ctx *frame.Context) {
	if !c.failed {
		c.fail(ctx, ErrConnectionClosed)
	}
}

// ReaderReceiver implementation.

// ReceiveMessage dispatches one fully deserialized message.
func (c *Connection) ReceiveMessage(msg any, typeID TypeID, header *MessageHeader) {
	if header.RecipientRequestID.IsValid() {
		// A response correlated to one of our request slots.
		id := messageIDOf(header.RecipientRequestID)
		state, _ := c.writer.CheckResponseState(id, false)
		switch state {
		case ResponseStateWait:
			bundle, poolID, ok := c.writer.FetchWaitingMessage(id)
			if !ok {
				return
			}
			c.cctx.recvHeader = header
			c.completeBundle(&bundle, msg, nil)
			c.cctx.recvHeader = nil
			if c.pool != nil && poolID.IsValid() {
				c.pool.completeMessage(poolID)
			}
		case ResponseStateCancel, ResponseStateNone, ResponseStateInvalid:
			// Sender canceled before the response arrived, or the slot is
			// long gone; the exchange already terminated.
		}
		return
	}

	// An incoming request or notify: dispatch to the registered complete.
	c.cctx.recvHeader = header
	c.svc.proto.complete(&c.cctx, typeID, nil, msg, nil)
	c.cctx.recvHeader = nil
}

// ReceiveKeepAlive notes peer liveness; traffic accounting already did.
func (c *Connection) ReceiveKeepAlive() {}

// ReceiveAckCount returns relay permits to the writer.
func (c *Connection) ReceiveAckCount(n uint8) {
	c.relayFree += n
	if c.fctx != nil {
		c.doSend(c.fctx)
	}
}

// ReceiveAckRequest defers the decision: a relay chunk in the same packet
// claims it, otherwise the packet is acked immediately after the read.
func (c *Connection) ReceiveAckRequest() {
	c.ackRequestPending++
}

// ReceiveCancelRequest cancels one of our in-flight requests on the peer's
// behalf.
func (c *Connection) ReceiveCancelRequest(req RequestID) {
	c.writer.Cancel(messageIDOf(req), c, true)
}

// ReceiveMessageCancel tears down an incoming slot; a forwarded message is
// canceled at the engine.
func (c *Connection) ReceiveMessageCancel(readerIdx int) {
	if engineID, ok := c.relayMap[readerIdx]; ok {
		delete(c.relayMap, readerIdx)
		if c.svc.relay != nil {
			c.svc.relay.CancelRelayed(engineID, nil)
		}
	}
}

// IsRelayedHeader routes relayed traffic to the engine on relay nodes.
func (c *Connection) IsRelayedHeader(header *MessageHeader) bool {
	if c.svc.relay == nil {
		return false
	}
	if header.RecipientRequestID.IsValid() {
		state, _ := c.writer.CheckResponseState(messageIDOf(header.RecipientRequestID), false)
		return state == ResponseStateRelayedWait
	}
	return header.Flags.IsRelayed()
}

// ReceiveRelayChunk copies a forwarded fragment into a RelayData and hands
// it to the engine.
func (c *Connection) ReceiveRelayChunk(readerIdx int, header *MessageHeader, data []byte, flags RelayDataFlags) bool {
	buf := append([]byte(nil), data...)
	rd := &RelayData{Flags: flags, Data: buf, MessageFlags: header.Flags}
	if c.ackRequestPending > 0 {
		rd.ackOnComplete = true
		c.ackRequestPending--
	}

	var ok bool
	if flags&RelayDataFlagMessageBegin != 0 {
		hdr := *header
		rd.Header = &hdr
		if header.RecipientRequestID.IsValid() {
			// Response leg: resolve our waiting relayed slot.
			state, engineID := c.writer.CheckResponseState(messageIDOf(header.RecipientRequestID), true)
			if state != ResponseStateRelayedWait {
				return false
			}
			ok = c.svc.relay.StartResponse(engineID, rd)
			if ok {
				c.relayMap[readerIdx] = engineID
			}
		} else {
			var engineID MessageID
			engineID, ok = c.svc.relay.StartMessage(c.Base().ActorID(), rd)
			if ok {
				c.relayMap[readerIdx] = engineID
			}
		}
	} else {
		engineID, mapped := c.relayMap[readerIdx]
		if !mapped {
			return false
		}
		ok = c.svc.relay.PushChunk(engineID, rd)
	}

	if ok && flags&RelayDataFlagMessageLast != 0 {
		delete(c.relayMap, readerIdx)
	}
	return ok
}

// WriterSender implementation.

// CompleteMessage terminates a sent message that needs no response.
func (c *Connection) CompleteMessage(bundle *MessageBundle, poolID MessageID) error {
	c.completeBundle(bundle, nil, nil)
	if c.pool != nil && poolID.IsValid() {
		c.pool.completeMessage(poolID)
	}
	return nil
}

// CancelMessage completes a canceled message.
func (c *Connection) CancelMessage(bundle *MessageBundle, poolID MessageID) bool {
	metrics.IncrCounter([]string{"sframe", "mprpc", "cancel"}, 1)
	c.completeBundle(bundle, nil, ErrCanceled)
	if c.pool != nil && poolID.IsValid() {
		c.pool.completeMessage(poolID)
	}
	return true
}

// CompleteRelayed returns a drained chunk to the engine.
func (c *Connection) CompleteRelayed(rd *RelayData, engineID MessageID) {
	if c.svc.relay != nil {
		c.svc.relay.DoneData(engineID, rd)
	}
}

// CancelRelayed tells the engine a forwarded message died here.
func (c *Connection) CancelRelayed(rd *RelayData, engineID MessageID) {
	if c.svc.relay != nil {
		c.svc.relay.CancelRelayed(engineID, rd)
	}
}
