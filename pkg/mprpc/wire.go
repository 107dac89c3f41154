package mprpc

import (
	"encoding/binary"
	"math/bits"
)

// Cross integers are the variable-length encoding used for every integer in
// packet commands and message headers. The first byte carries the count of
// value bytes in its high five bits and the popcount of that count in the
// low three bits as a checksum; the value bytes follow little-endian.
// Values need at most eight bytes, but the documented maximum is 2^58-1:
// encoding rejects anything larger and decoding rejects a corrupt checksum.

// CrossMaxValue is the largest encodable cross integer.
const CrossMaxValue uint64 = 1<<58 - 1

// CrossSize returns the encoded size of v in bytes, header byte included.
func CrossSize(v uint64) int {
	return 1 + (bits.Len64(v)+7)/8
}

// CrossEncode writes v into buf, returning the number of bytes written.
func CrossEncode(buf []byte, v uint64) (int, error) {
	if v > CrossMaxValue {
		return 0, ErrSerialization
	}
	n := (bits.Len64(v) + 7) / 8
	if len(buf) < 1+n {
		return 0, ErrSerialization
	}
	buf[0] = byte(n)<<3 | byte(bits.OnesCount8(uint8(n)))
	for i := 0; i < n; i++ {
		buf[1+i] = byte(v >> (8 * i))
	}
	return 1 + n, nil
}

// CrossDecode reads a cross integer from data, returning the value and the
// number of bytes consumed. A checksum mismatch or short buffer yields
// ErrProtocol.
func CrossDecode(data []byte) (uint64, int, error) {
	if len(data) < 1 {
		return 0, 0, ErrProtocol
	}
	b0 := data[0]
	n := int(b0 >> 3)
	if bits.OnesCount8(uint8(n)) != int(b0&0x07) || n > 8 {
		return 0, 0, ErrProtocol
	}
	if len(data) < 1+n {
		return 0, 0, ErrProtocol
	}
	var v uint64
	for i := 0; i < n; i++ {
		v |= uint64(data[1+i]) << (8 * i)
	}
	if v > CrossMaxValue {
		return 0, 0, ErrProtocol
	}
	return v, 1 + n, nil
}

// PacketType discriminates packets on the wire.
type PacketType uint8

const (
	// PacketTypeData carries a sequence of commands.
	PacketTypeData PacketType = 1
	// PacketTypeKeepAlive is an empty liveness probe.
	PacketTypeKeepAlive PacketType = 2
)

// IsValid reports whether the packet type is known.
func (t PacketType) IsValid() bool {
	return t == PacketTypeData || t == PacketTypeKeepAlive
}

// PacketFlags is the packet header flag byte.
type PacketFlags uint8

const (
	// PacketFlagAckRequest asks the receiver to acknowledge consumption of
	// this packet; used for relay buffer permit accounting.
	PacketFlagAckRequest PacketFlags = 0x01
	// PacketFlagCompressed marks a compressed payload.
	PacketFlagCompressed PacketFlags = 0x02
)

// PacketHeaderSize is the fixed on-wire size of a packet header.
const PacketHeaderSize = 4

// PacketMaxDataSize bounds the payload size representable by the header.
const PacketMaxDataSize = 0xffff

// PacketHeader frames every unit on the wire:
// type:u8 | flags:u8 | size:u16le, then size payload bytes.
type PacketHeader struct {
	Type  PacketType
	Flags PacketFlags
	Size  uint16
}

// EncodeTo writes the header into buf, which must hold PacketHeaderSize
// bytes. Returns the number of bytes written.
func (h *PacketHeader) EncodeTo(buf []byte) int {
	buf[0] = byte(h.Type)
	buf[1] = byte(h.Flags)
	binary.LittleEndian.PutUint16(buf[2:], h.Size)
	return PacketHeaderSize
}

// Decode reads the header from data.
func (h *PacketHeader) Decode(data []byte) (int, error) {
	if len(data) < PacketHeaderSize {
		return 0, ErrProtocol
	}
	h.Type = PacketType(data[0])
	h.Flags = PacketFlags(data[1])
	h.Size = binary.LittleEndian.Uint16(data[2:])
	if !h.Type.IsValid() {
		return 0, ErrProtocol
	}
	return PacketHeaderSize, nil
}

// Command ids inside a Data packet payload. The high bit of a Message
// command marks the final fragment of its message.
const (
	CommandNewMessage     uint8 = 0x01
	CommandMessage        uint8 = 0x02
	CommandCancelMessage  uint8 = 0x03
	CommandCancelRequest  uint8 = 0x04
	CommandAckdCount      uint8 = 0x05
	CommandEndMessageFlag uint8 = 0x80
)
