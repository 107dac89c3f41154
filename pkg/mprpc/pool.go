package mprpc

import (
	"sync"
	"time"

	"github.com/armon/go-metrics"
	"github.com/cenkalti/backoff/v4"

	"github.com/solidframe/sframe/pkg/frame"
)

type poolMsgStub struct {
	unique    uint32
	used      bool
	inQueue   bool
	bundle    MessageBundle
	conn      frame.ActorID
	connMsgID MessageID
}

func (s *poolMsgStub) clear() {
	s.unique++
	s.used = false
	s.inQueue = false
	s.bundle.clear()
	s.conn = frame.InvalidUniqueID()
	s.connMsgID = InvalidMessageID()
}

// poolRequeueItem carries a message taken back from a dying connection.
type poolRequeueItem struct {
	bundle MessageBundle
	poolID MessageID
}

// connectionPool groups the connections to one named recipient, parks
// messages no connection could take yet, pins synchronous traffic to one
// connection and correlates retries. Guarded by its own mutex; connections
// call in from their reactors.
type connectionPool struct {
	svc  *Service
	name string

	mu    sync.Mutex
	msgs  []poolMsgStub
	free  []int
	queue []int

	conns           map[frame.ActorID]bool // true once active
	pendingConnects int
	retryCount      int
	retryBackoff    *backoff.ExponentialBackOff
	closing         bool

	// syncConn pins synchronous messages to one connection while any of
	// them is still in flight, preserving per-recipient order.
	syncConn     frame.ActorID
	syncAssigned int
}

func newConnectionPool(svc *Service, name string) *connectionPool {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = 0
	return &connectionPool{
		svc:          svc,
		name:         name,
		conns:        make(map[frame.ActorID]bool),
		retryBackoff: bo,
		syncConn:     frame.InvalidUniqueID(),
	}
}

// pushMessage parks a bundle in the pool queue and returns its pool id.
func (p *connectionPool) pushMessage(bundle MessageBundle) (MessageID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closing {
		return InvalidMessageID(), ErrServiceStopped
	}
	if len(p.queue) >= p.svc.cfg.PoolMaxMessageQueueSize {
		return InvalidMessageID(), ErrLimitReached
	}

	var idx int
	if n := len(p.free); n > 0 {
		idx = p.free[n-1]
		p.free = p.free[:n-1]
	} else {
		idx = len(p.msgs)
		p.msgs = append(p.msgs, poolMsgStub{conn: frame.InvalidUniqueID(), connMsgID: InvalidMessageID()})
	}
	s := &p.msgs[idx]
	s.used = true
	s.inQueue = true
	s.bundle = bundle
	s.conn = frame.InvalidUniqueID()
	s.connMsgID = InvalidMessageID()
	p.queue = append(p.queue, idx)
	return MessageID{Index: idx, Unique: s.unique}, nil
}

// popMessageFor hands the next eligible queued message to conn. Synchronous
// messages are withheld from every connection but the pinned one.
func (p *connectionPool) popMessageFor(conn frame.ActorID) (MessageBundle, MessageID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, idx := range p.queue {
		s := &p.msgs[idx]
		if s.bundle.Flags.IsSynchronous() && p.syncConn.IsValid() && p.syncConn != conn {
			continue
		}
		p.queue = append(p.queue[:i], p.queue[i+1:]...)
		s.inQueue = false
		s.conn = conn
		if s.bundle.Flags.IsSynchronous() {
			p.syncConn = conn
			p.syncAssigned++
		}
		return s.bundle, MessageID{Index: idx, Unique: s.unique}, true
	}
	return MessageBundle{}, InvalidMessageID(), false
}

// assigned records the writer slot a popped message landed in.
func (p *connectionPool) assigned(poolID MessageID, connMsgID MessageID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s := p.stubOf(poolID); s != nil {
		s.connMsgID = connMsgID
	}
}

// requeueFront puts a message the writer rejected back at the queue head.
func (p *connectionPool) requeueFront(poolID MessageID, bundle MessageBundle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stubOf(poolID)
	if s == nil {
		return
	}
	if s.bundle.Flags.IsSynchronous() {
		p.releaseSyncLocked()
	}
	s.bundle = bundle
	s.inQueue = true
	s.conn = frame.InvalidUniqueID()
	s.connMsgID = InvalidMessageID()
	p.queue = append([]int{poolID.Index}, p.queue...)
}

// completeMessage frees the pool slot of a terminated message.
func (p *connectionPool) completeMessage(poolID MessageID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stubOf(poolID)
	if s == nil {
		return
	}
	if s.bundle.Flags.IsSynchronous() && !s.inQueue {
		p.releaseSyncLocked()
	}
	if s.inQueue {
		for i, idx := range p.queue {
			if idx == poolID.Index {
				p.queue = append(p.queue[:i], p.queue[i+1:]...)
				break
			}
		}
	}
	s.clear()
	p.free = append(p.free, poolID.Index)
}

func (p *connectionPool) releaseSyncLocked() {
	if p.syncAssigned > 0 {
		p.syncAssigned--
	}
	if p.syncAssigned == 0 {
		p.syncConn = frame.InvalidUniqueID()
	}
}

func (p *connectionPool) stubOf(id MessageID) *poolMsgStub {
	if !id.IsValid() || id.Index >= len(p.msgs) {
		return nil
	}
	s := &p.msgs[id.Index]
	if !s.used || s.unique != id.Unique {
		return nil
	}
	return s
}

// cancelMessage cancels a pool message wherever it currently is: still
// queued, or already in a connection writer.
func (p *connectionPool) cancelMessage(id MessageID) error {
	p.mu.Lock()
	s := p.stubOf(id)
	if s == nil {
		p.mu.Unlock()
		return ErrNoSuchMessage
	}
	if s.inQueue {
		bundle := s.bundle
		for i, idx := range p.queue {
			if idx == id.Index {
				p.queue = append(p.queue[:i], p.queue[i+1:]...)
				break
			}
		}
		s.clear()
		p.free = append(p.free, id.Index)
		p.mu.Unlock()
		p.svc.completePoolLevel(&bundle, ErrCanceled)
		return nil
	}
	conn := s.conn
	connMsgID := s.connMsgID
	p.mu.Unlock()
	if !connMsgID.IsValid() {
		return ErrNoSuchMessage
	}
	return p.svc.raiseConn(conn, connEventCancelLocal, connMsgID)
}

// onConnInit records a freshly scheduled connection, still pending.
func (p *connectionPool) onConnInit(conn frame.ActorID) {
	p.mu.Lock()
	if _, exists := p.conns[conn]; !exists {
		p.conns[conn] = false
	}
	p.mu.Unlock()
}

// onConnActive promotes a connection to active and resets the retry state.
func (p *connectionPool) onConnActive(conn frame.ActorID) {
	p.mu.Lock()
	p.conns[conn] = true
	p.pendingConnects--
	if p.pendingConnects < 0 {
		p.pendingConnects = 0
	}
	p.retryCount = 0
	p.retryBackoff.Reset()
	p.mu.Unlock()
}

// onConnFail takes a dead connection out, requeues its recoverable messages
// and decides between retrying and failing the remaining queue.
func (p *connectionPool) onConnFail(conn frame.ActorID, err error, items []poolRequeueItem) {
	p.mu.Lock()
	wasActive := p.conns[conn]
	delete(p.conns, conn)
	if !wasActive && p.pendingConnects > 0 {
		p.pendingConnects--
	}
	if p.syncConn == conn {
		p.syncConn = frame.InvalidUniqueID()
		p.syncAssigned = 0
	}

	// The writer walk runs newest to oldest; pushing each to the front
	// restores the original order.
	for _, item := range items {
		if s := p.stubOf(item.poolID); s != nil {
			s.bundle = item.bundle
			s.bundle.Flags &^= MessageFlagStartedSend | MessageFlagDoneSend
			s.inQueue = true
			s.conn = frame.InvalidUniqueID()
			s.connMsgID = InvalidMessageID()
			p.queue = append([]int{item.poolID.Index}, p.queue...)
		}
	}

	var failNow []MessageBundle
	retry := false
	if len(p.queue) > 0 && !p.closing {
		if p.retryCount < p.svc.cfg.RetryLimit {
			p.retryCount++
			retry = true
		} else {
			// Budget exhausted: fail everything not marked idempotent;
			// idempotent messages stay parked for a future attempt.
			kept := p.queue[:0]
			for _, idx := range p.queue {
				s := &p.msgs[idx]
				if s.bundle.Flags.IsIdempotent() {
					kept = append(kept, idx)
					continue
				}
				failNow = append(failNow, s.bundle)
				s.clear()
				p.free = append(p.free, idx)
			}
			p.queue = kept
		}
	}
	delay := p.retryBackoff.NextBackOff()
	p.mu.Unlock()

	for i := range failNow {
		p.svc.completePoolLevel(&failNow[i], err)
	}
	if retry {
		metrics.IncrCounter([]string{"sframe", "mprpc", "pool", "retry"}, 1)
		time.AfterFunc(delay, func() { p.ensureConnections() })
	}
}

// ensureConnections spawns client connections until the pool can serve its
// queue, within the active and pending caps.
func (p *connectionPool) ensureConnections() {
	for {
		p.mu.Lock()
		if p.closing ||
			len(p.conns) >= p.svc.cfg.PoolMaxActiveConnectionCount ||
			p.pendingConnects >= p.svc.cfg.PoolMaxPendingConnectionCount ||
			(len(p.queue) == 0 && len(p.conns) > 0) {
			p.mu.Unlock()
			return
		}
		p.pendingConnects++
		p.mu.Unlock()

		conn := newClientConnection(p.svc, p)
		if _, err := p.svc.scheduleConnection(conn); err != nil {
			p.mu.Lock()
			p.pendingConnects--
			p.mu.Unlock()
			return
		}
		// The connection registers itself with onConnInit on its first
		// reactor tick.
	}
}

// notifyOneActive pokes an active connection to drain the queue.
func (p *connectionPool) notifyOneActive() {
	p.mu.Lock()
	var target frame.ActorID = frame.InvalidUniqueID()
	for conn, active := range p.conns {
		if active {
			target = conn
			break
		}
	}
	p.mu.Unlock()
	if target.IsValid() {
		_ = p.svc.raiseConn(target, connEventNewPoolMessage, nil)
	}
}

// raiseAll sends an event to every pool connection.
func (p *connectionPool) raiseAll(tag uint64, data any) {
	p.mu.Lock()
	targets := make([]frame.ActorID, 0, len(p.conns))
	for conn := range p.conns {
		targets = append(targets, conn)
	}
	p.mu.Unlock()
	for _, conn := range targets {
		_ = p.svc.raiseConn(conn, tag, data)
	}
}

// close fails the pool: queued messages complete with err.
func (p *connectionPool) close(err error) {
	p.mu.Lock()
	p.closing = true
	var failNow []MessageBundle
	for _, idx := range p.queue {
		s := &p.msgs[idx]
		failNow = append(failNow, s.bundle)
		s.clear()
		p.free = append(p.free, idx)
	}
	p.queue = nil
	p.mu.Unlock()

	for i := range failNow {
		p.svc.completePoolLevel(&failNow[i], err)
	}
	p.raiseAll(connEventStop, err)
}
