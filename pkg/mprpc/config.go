package mprpc

import (
	"net"
	"sync"
	"time"

	"github.com/pierrec/lz4/v4"
	"github.com/pion/logging"
)

// StartState selects whether a new connection may carry messages
// immediately or must first be activated.
type StartState uint8

const (
	// StartStateActive lets a connection send as soon as it is connected.
	StartStateActive StartState = iota
	// StartStatePassive holds a connection back: the pool never offers it
	// messages, even if routing would pick it, until it is explicitly
	// activated. It still counts against the pending-connection cap.
	StartStatePassive
)

// String returns the state name.
func (s StartState) String() string {
	switch s {
	case StartStateActive:
		return "Active"
	case StartStatePassive:
		return "Passive"
	default:
		return "Unknown"
	}
}

// ConnectorFunc dials a resolved address.
type ConnectorFunc func(addr string) (net.Conn, error)

// ResolverFunc resolves a recipient name to candidate addresses. The
// resolver itself is an external collaborator; the default resolves the
// name as-is.
type ResolverFunc func(name string) ([]string, error)

// CompressFunc compresses buf in place, returning the compressed size, or 0
// to keep the payload uncompressed. A returned error is fatal to the
// connection.
type CompressFunc func(buf []byte) (int, error)

// DecompressFunc expands src into dst, returning the expanded size.
type DecompressFunc func(dst, src []byte) (int, error)

// Configuration carries every knob used by the transport core.
type Configuration struct {
	// MaxMessageCountMultiplex caps the slots simultaneously eligible for
	// bytes in a connection writer.
	MaxMessageCountMultiplex int

	// MaxMessageCountResponseWait caps the additional slots held by
	// messages awaiting a response.
	MaxMessageCountResponseWait int

	// MaxMessageContinuousPacketCount is the fairness quantum: packets one
	// message may fill before its async siblings get a turn.
	MaxMessageContinuousPacketCount int

	// MinFreePacketDataSize is the low-water mark of packet payload space
	// below which fragment emission stops.
	MinFreePacketDataSize int

	// SendBufferCapacity and RecvBufferCapacity size the per-connection
	// buffers.
	SendBufferCapacity int
	RecvBufferCapacity int

	// InplaceCompressFnc compresses packet payloads; defaults to lz4.
	// DecompressFnc is its inverse on the receive path.
	InplaceCompressFnc CompressFunc
	DecompressFnc      DecompressFunc

	// KeepAliveInterval is the quiet period after which a keep-alive packet
	// goes out; ConnectionInactivityKeepAliveCount unanswered keep-alives
	// close the connection with ErrTimeout.
	KeepAliveInterval                  time.Duration
	ConnectionInactivityKeepAliveCount int

	// RelayFreeCountInitial is the initial relay buffer permit count of a
	// connection writer.
	RelayFreeCountInitial uint8

	// PoolMaxActiveConnectionCount caps the established connections per
	// recipient pool; PoolMaxPendingConnectionCount caps the connects in
	// flight.
	PoolMaxActiveConnectionCount  int
	PoolMaxPendingConnectionCount int

	// PoolMaxMessageQueueSize caps messages parked in a pool queue.
	PoolMaxMessageQueueSize int

	// ConnectionStartState selects whether new connections carry messages
	// immediately (Active) or wait for explicit activation (Passive).
	ConnectionStartState StartState

	// RetryLimit bounds pool reconnect attempts before pending messages
	// fail.
	RetryLimit int

	// Connector dials resolved addresses; defaults to net.Dial("tcp", ...).
	Connector ConnectorFunc

	// Resolver maps recipient names to addresses; defaults to using the
	// name as the address.
	Resolver ResolverFunc

	// LoggerFactory scopes the transport loggers.
	LoggerFactory logging.LoggerFactory
}

func (c *Configuration) applyDefaults() {
	if c.MaxMessageCountMultiplex <= 0 {
		c.MaxMessageCountMultiplex = 64
	}
	if c.MaxMessageCountResponseWait <= 0 {
		c.MaxMessageCountResponseWait = 128
	}
	if c.MaxMessageContinuousPacketCount <= 0 {
		c.MaxMessageContinuousPacketCount = 4
	}
	if c.MinFreePacketDataSize <= 0 {
		c.MinFreePacketDataSize = 128
	}
	if c.MinFreePacketDataSize < 16 {
		c.MinFreePacketDataSize = 16
	}
	if c.SendBufferCapacity <= 0 {
		c.SendBufferCapacity = 8 * 1024
	}
	if c.RecvBufferCapacity <= 0 {
		c.RecvBufferCapacity = 8 * 1024
	}
	if c.InplaceCompressFnc == nil {
		c.InplaceCompressFnc = LZ4Compress
	}
	if c.DecompressFnc == nil {
		c.DecompressFnc = LZ4Decompress
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = 10 * time.Second
	}
	if c.ConnectionInactivityKeepAliveCount <= 0 {
		c.ConnectionInactivityKeepAliveCount = 2
	}
	if c.RelayFreeCountInitial == 0 {
		c.RelayFreeCountInitial = 8
	}
	if c.PoolMaxActiveConnectionCount <= 0 {
		c.PoolMaxActiveConnectionCount = 1
	}
	if c.PoolMaxPendingConnectionCount <= 0 {
		c.PoolMaxPendingConnectionCount = 1
	}
	if c.PoolMaxMessageQueueSize <= 0 {
		c.PoolMaxMessageQueueSize = 1024
	}
	if c.RetryLimit <= 0 {
		c.RetryLimit = 4
	}
	if c.Connector == nil {
		c.Connector = func(addr string) (net.Conn, error) {
			return net.DialTimeout("tcp", addr, 10*time.Second)
		}
	}
	if c.Resolver == nil {
		c.Resolver = func(name string) ([]string, error) {
			return []string{name}, nil
		}
	}
	if c.LoggerFactory == nil {
		c.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
}

var lz4Compressors = sync.Pool{New: func() any { return new(lz4.Compressor) }}

// LZ4Compress is the default InplaceCompressFnc: block-compress the payload
// and keep it only when it shrank.
func LZ4Compress(buf []byte) (int, error) {
	comp := lz4Compressors.Get().(*lz4.Compressor)
	defer lz4Compressors.Put(comp)

	scratch := make([]byte, len(buf))
	n, err := comp.CompressBlock(buf, scratch)
	if err != nil || n == 0 || n >= len(buf) {
		// Incompressible payloads go out as-is.
		return 0, nil
	}
	copy(buf, scratch[:n])
	return n, nil
}

// LZ4Decompress is the default DecompressFnc.
func LZ4Decompress(dst, src []byte) (int, error) {
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return 0, ErrProtocol
	}
	return n, nil
}
