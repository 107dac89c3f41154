// Package mprpc implements the multiplexed RPC transport: a length-framed
// packet protocol carrying any number of concurrent messages per
// connection, with per-message fairness, synchronous lanes, cancellation,
// request/response correlation, recipient-keyed connection pools and
// optional relaying between connections on a relay node.
package mprpc

import (
	"net"
	"sync"

	"github.com/armon/go-metrics"
	"github.com/pion/logging"

	"github.com/solidframe/sframe/pkg/frame"
)

// SendOptions parameterizes one send beyond the plain flags.
type SendOptions struct {
	// Flags are the message send flags.
	Flags MessageFlags

	// URL selects the relay path: a non-empty URL makes the message travel
	// via the recipient as a relay node, routed by RelayGroupID.
	URL string

	// RelayGroupID names the relay routing group.
	RelayGroupID uint32

	// Complete overrides the protocol-registered complete function for
	// this send.
	Complete CompleteFunc
}

// Service routes messages into per-recipient connection pools, accepts
// server connections, correlates responses and, when relay is enabled,
// forwards messages between connections.
type Service struct {
	cfg   Configuration
	proto *Protocol
	sched *frame.Scheduler
	fsvc  *frame.Service
	log   logging.LeveledLogger

	relay *RelayEngine

	mu        sync.Mutex
	pools     map[string]*connectionPool
	listeners []net.Listener
	stopped   bool
}

// NewService creates an RPC service over the given frame runtime. The
// scheduler must already be started.
func NewService(cfg Configuration, proto *Protocol, sched *frame.Scheduler, fsvc *frame.Service) *Service {
	cfg.applyDefaults()
	return &Service{
		cfg:   cfg,
		proto: proto,
		sched: sched,
		fsvc:  fsvc,
		log:   cfg.LoggerFactory.NewLogger("mprpc"),
		pools: make(map[string]*connectionPool),
	}
}

// Configuration exposes the resolved configuration.
func (s *Service) Configuration() *Configuration { return &s.cfg }

// Protocol exposes the type registry.
func (s *Service) Protocol() *Protocol { return s.proto }

// EnableRelay turns this service into a relay node.
func (s *Service) EnableRelay() *RelayEngine {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.relay == nil {
		s.relay = newRelayEngine(s, s.cfg.LoggerFactory)
	}
	return s.relay
}

// RelayEngine returns the engine, or nil when relay is not enabled.
func (s *Service) RelayEngine() *RelayEngine { return s.relay }

// Listen accepts server connections from l until the service stops or the
// listener closes.
func (s *Service) Listen(l net.Listener) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrServiceStopped
	}
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			c := newServerConnection(s, conn)
			if _, serr := s.scheduleConnection(c); serr != nil {
				_ = conn.Close()
				return
			}
		}
	}()
	return nil
}

func (s *Service) scheduleConnection(c *Connection) (frame.ActorID, error) {
	if s.sched == nil || s.fsvc == nil {
		return frame.InvalidUniqueID(), ErrServiceStopped
	}
	return s.sched.Schedule(c, s.fsvc, frame.Event{Kind: frame.EventInit})
}

// SendMessage routes msg toward the named recipient's pool.
func (s *Service) SendMessage(recipient string, msg any, flags MessageFlags) (MessageID, error) {
	return s.SendMessageExt(recipient, msg, SendOptions{Flags: flags})
}

// SendMessageExt routes msg with full send options.
func (s *Service) SendMessageExt(recipient string, msg any, opts SendOptions) (MessageID, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return InvalidMessageID(), ErrServiceStopped
	}
	s.mu.Unlock()

	typeID, ok := s.proto.TypeIDOf(msg)
	if !ok {
		return InvalidMessageID(), ErrUnknownType
	}

	bundle := MessageBundle{
		Message:  msg,
		TypeID:   typeID,
		Flags:    opts.Flags,
		Complete: opts.Complete,
	}
	bundle.Header.URL = opts.URL
	if opts.URL != "" {
		bundle.Header.Relay = RelayHeader{GroupID: opts.RelayGroupID}
	}

	pool := s.poolOf(recipient)
	id, err := pool.pushMessage(bundle)
	if err != nil {
		return InvalidMessageID(), err
	}
	metrics.IncrCounter([]string{"sframe", "mprpc", "send"}, 1)

	pool.ensureConnections()
	pool.notifyOneActive()
	return id, nil
}

// SendRequest sends req expecting a correlated response; complete runs with
// both messages or with an error. Implemented as a package function so the
// request and response types stay typed.
func SendRequest[Req any, Res any](
	s *Service,
	recipient string,
	req *Req,
	complete func(ctx *ConnectionContext, req *Req, res *Res, err error),
) (MessageID, error) {
	return s.SendMessageExt(recipient, req, SendOptions{
		Flags: MessageFlagAwaitResponse,
		Complete: func(ctx *ConnectionContext, sent any, recv any, err error) {
			sq, _ := sent.(*Req)
			rs, _ := recv.(*Res)
			complete(ctx, sq, rs, err)
		},
	})
}

// CancelMessage cancels a previously sent message by its pool id.
func (s *Service) CancelMessage(recipient string, id MessageID) error {
	s.mu.Lock()
	pool, ok := s.pools[recipient]
	s.mu.Unlock()
	if !ok {
		return ErrNoSuchMessage
	}
	return pool.cancelMessage(id)
}

// ConnectionNotifyEnterActiveState activates the passive connections of the
// recipient's pool.
func (s *Service) ConnectionNotifyEnterActiveState(recipient string) {
	s.mu.Lock()
	pool, ok := s.pools[recipient]
	s.mu.Unlock()
	if ok {
		pool.raiseAll(connEventEnterActive, nil)
	}
}

// Stop closes the listeners and fails every pool; the frame scheduler tears
// the connection actors down.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	listeners := s.listeners
	s.listeners = nil
	pools := make([]*connectionPool, 0, len(s.pools))
	for _, p := range s.pools {
		pools = append(pools, p)
	}
	s.mu.Unlock()

	for _, l := range listeners {
		_ = l.Close()
	}
	for _, p := range pools {
		p.close(ErrServiceStopped)
	}
}

func (s *Service) poolOf(name string) *connectionPool {
	s.mu.Lock()
	defer s.mu.Unlock()
	pool, ok := s.pools[name]
	if !ok {
		pool = newConnectionPool(s, name)
		s.pools[name] = pool
	}
	return pool
}

func (s *Service) raiseConn(id frame.ActorID, tag uint64, data any) error {
	return s.fsvc.Raise(id, frame.MakeEvent(tag, data))
}

// completePoolLevel terminates a message that never reached a connection.
func (s *Service) completePoolLevel(bundle *MessageBundle, err error) {
	metrics.IncrCounter([]string{"sframe", "mprpc", "complete"}, 1)
	ctx := ConnectionContext{svc: s}
	if bundle.Complete != nil {
		bundle.Complete(&ctx, bundle.Message, nil, err)
		return
	}
	s.proto.complete(&ctx, bundle.TypeID, bundle.Message, nil, err)
}
