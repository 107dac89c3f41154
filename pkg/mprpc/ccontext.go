package mprpc

import (
	"github.com/solidframe/sframe/pkg/frame"
)

// ConnectionContext is the per-call view a complete function or handler has
// of its connection. It is valid for the duration of the call and must not
// be stored.
type ConnectionContext struct {
	svc  *Service
	conn *Connection

	// recvHeader is set while a received message is being dispatched.
	recvHeader *MessageHeader

	// requestID is set by the writer while a message header serializes.
	requestID RequestID
}

// Service returns the owning RPC service.
func (c *ConnectionContext) Service() *Service { return c.svc }

// RecipientName returns the pool name the connection belongs to; empty for
// server-accepted connections.
func (c *ConnectionContext) RecipientName() string {
	if c.conn == nil {
		return ""
	}
	return c.conn.poolName
}

// ConnectionID returns the connection's trace id.
func (c *ConnectionContext) ConnectionID() string {
	if c.conn == nil {
		return ""
	}
	return c.conn.uuid.String()
}

// RecvHeader returns the header of the message being dispatched, or nil.
func (c *ConnectionContext) RecvHeader() *MessageHeader { return c.recvHeader }

// RequestID returns the request id of the message being serialized.
func (c *ConnectionContext) RequestID() RequestID { return c.requestID }

// SendResponse sends msg back over the same connection, correlated to the
// request currently being dispatched. Callable only from inside a receive
// dispatch.
func (c *ConnectionContext) SendResponse(msg any) error {
	return c.SendResponseWithFlags(msg, 0)
}

// SendResponseWithFlags sends a response with extra flags (ResponsePart,
// ResponseLast).
func (c *ConnectionContext) SendResponseWithFlags(msg any, flags MessageFlags) error {
	if c.conn == nil || c.recvHeader == nil {
		return ErrNoSuchMessage
	}
	typeID, ok := c.svc.proto.TypeIDOf(msg)
	if !ok {
		return ErrUnknownType
	}
	bundle := MessageBundle{
		Message: msg,
		TypeID:  typeID,
		Flags:   flags | MessageFlagResponse,
	}
	bundle.Header.fetchStateFlags(c.recvHeader)
	return c.conn.sendLocal(bundle)
}

// RegisterRelayGroup binds the current connection as the relay target for
// groupID; callable from a receive dispatch on a relay-enabled service.
func (c *ConnectionContext) RegisterRelayGroup(groupID uint32) error {
	if c.svc == nil || c.svc.relay == nil || c.conn == nil {
		return ErrNoSuchMessage
	}
	c.svc.relay.RegisterGroup(groupID, c.conn.Base().ActorID())
	return nil
}

// connActorID returns the connection's frame actor id.
func (c *ConnectionContext) connActorID() frame.ActorID {
	if c.conn == nil {
		return frame.InvalidUniqueID()
	}
	return c.conn.Base().ActorID()
}
