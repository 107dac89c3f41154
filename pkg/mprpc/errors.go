package mprpc

import "errors"

// Transport errors. Serialization and protocol errors are fatal to their
// connection and fan out to every in-flight message on it; cancellation and
// timeout are per-message.
var (
	// ErrTimeout is reported when a wait-response entry or keep-alive window
	// expires.
	ErrTimeout = errors.New("mprpc: timeout")

	// ErrConnectionClosed is reported to in-flight messages when their
	// connection goes away.
	ErrConnectionClosed = errors.New("mprpc: connection closed")

	// ErrLimitReached is returned when a pool queue or a writer is full.
	ErrLimitReached = errors.New("mprpc: limit reached")

	// ErrCanceled is reported for explicitly canceled messages.
	ErrCanceled = errors.New("mprpc: canceled")

	// ErrNoSuchMessage is returned when a MessageID does not resolve.
	ErrNoSuchMessage = errors.New("mprpc: no such message")

	// ErrRelayBackPressure is returned when relay buffer permits ran out.
	ErrRelayBackPressure = errors.New("mprpc: relay back pressure")

	// ErrSerialization is reported when a payload cannot be encoded or
	// decoded.
	ErrSerialization = errors.New("mprpc: serialization")

	// ErrProtocol is reported for malformed packets or commands.
	ErrProtocol = errors.New("mprpc: protocol")

	// ErrResolve is reported when a recipient name cannot be resolved.
	ErrResolve = errors.New("mprpc: resolve")

	// ErrServiceStopped is returned for sends on a stopped service.
	ErrServiceStopped = errors.New("mprpc: service stopped")

	// ErrUnknownType is returned when a message type is not registered with
	// the protocol.
	ErrUnknownType = errors.New("mprpc: unknown message type")
)
