package mprpc

import (
	"fmt"
	"reflect"

	hcodec "github.com/hashicorp/go-msgpack/v2/codec"
)

// TypeID keys a message type within a protocol. Several protocols can be
// registered side by side on one service.
type TypeID struct {
	Protocol uint16
	Message  uint16
}

// String returns "protocol/message".
func (t TypeID) String() string { return fmt.Sprintf("%d/%d", t.Protocol, t.Message) }

// CompleteFunc terminates a message exchange. For a request it runs on the
// sender with both pointers set (or an error); for a notify, with sent only;
// on the receiving side, with recv only. Every send terminates in exactly
// one complete call.
type CompleteFunc func(ctx *ConnectionContext, sent any, recv any, err error)

// Codec encodes message bodies. The default is msgpack.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// MsgpackCodec is the default body codec.
type MsgpackCodec struct {
	handle *hcodec.MsgpackHandle
}

// NewMsgpackCodec creates a msgpack codec.
func NewMsgpackCodec() *MsgpackCodec {
	return &MsgpackCodec{handle: &hcodec.MsgpackHandle{}}
}

// Marshal encodes v.
func (c *MsgpackCodec) Marshal(v any) ([]byte, error) {
	var b []byte
	if err := hcodec.NewEncoderBytes(&b, c.handle).Encode(v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return b, nil
}

// Unmarshal decodes data into v.
func (c *MsgpackCodec) Unmarshal(data []byte, v any) error {
	if err := hcodec.NewDecoderBytes(data, c.handle).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return nil
}

type typeRecord struct {
	id       TypeID
	factory  func() any
	complete CompleteFunc
}

// Protocol is the registry mapping type ids to factories, body codec and
// complete functions. Register concrete message types with RegisterMessage
// before starting the service.
type Protocol struct {
	codec Codec
	types map[TypeID]*typeRecord
	ids   map[reflect.Type]TypeID
}

// NewProtocol creates a registry over the given codec; nil selects msgpack.
func NewProtocol(c Codec) *Protocol {
	if c == nil {
		c = NewMsgpackCodec()
	}
	return &Protocol{
		codec: c,
		types: make(map[TypeID]*typeRecord),
		ids:   make(map[reflect.Type]TypeID),
	}
}

// RegisterMessage registers the message type T under id. The complete
// function runs for every terminated exchange involving T, unless a
// per-send complete was given.
func RegisterMessage[T any](p *Protocol, id TypeID, complete func(ctx *ConnectionContext, sent *T, recv *T, err error)) error {
	rt := reflect.TypeOf((*T)(nil))
	if _, dup := p.types[id]; dup {
		return fmt.Errorf("%w: duplicate type id %s", ErrProtocol, id)
	}
	if _, dup := p.ids[rt]; dup {
		return fmt.Errorf("%w: type %s already registered", ErrProtocol, rt)
	}
	p.types[id] = &typeRecord{
		id:      id,
		factory: func() any { return new(T) },
		complete: func(ctx *ConnectionContext, sent any, recv any, err error) {
			if complete == nil {
				return
			}
			s, _ := sent.(*T)
			r, _ := recv.(*T)
			complete(ctx, s, r, err)
		},
	}
	p.ids[rt] = id
	return nil
}

// TypeIDOf returns the id registered for msg's type.
func (p *Protocol) TypeIDOf(msg any) (TypeID, bool) {
	id, ok := p.ids[reflect.TypeOf(msg)]
	return id, ok
}

// record resolves a type id.
func (p *Protocol) record(id TypeID) (*typeRecord, bool) {
	rec, ok := p.types[id]
	return rec, ok
}

// encodeBody produces the on-wire body: the type id as cross integers, then
// the codec payload.
func (p *Protocol) encodeBody(id TypeID, msg any) ([]byte, error) {
	payload, err := p.codec.Marshal(msg)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, CrossSize(uint64(id.Protocol))+CrossSize(uint64(id.Message))+len(payload))
	off, err := CrossEncode(buf, uint64(id.Protocol))
	if err != nil {
		return nil, err
	}
	n, err := CrossEncode(buf[off:], uint64(id.Message))
	if err != nil {
		return nil, err
	}
	off += n
	copy(buf[off:], payload)
	return buf[:off+len(payload)], nil
}

// decodeBody parses a complete body, returning the new message value.
func (p *Protocol) decodeBody(data []byte) (any, TypeID, error) {
	protoID, n, err := CrossDecode(data)
	if err != nil {
		return nil, TypeID{}, err
	}
	data = data[n:]
	msgID, n, err := CrossDecode(data)
	if err != nil {
		return nil, TypeID{}, err
	}
	data = data[n:]

	id := TypeID{Protocol: uint16(protoID), Message: uint16(msgID)}
	rec, ok := p.record(id)
	if !ok {
		return nil, id, fmt.Errorf("%w: %s", ErrUnknownType, id)
	}
	msg := rec.factory()
	if err := p.codec.Unmarshal(data, msg); err != nil {
		return nil, id, err
	}
	return msg, id, nil
}

// complete runs the registered complete function for id, if any.
func (p *Protocol) complete(ctx *ConnectionContext, id TypeID, sent, recv any, err error) {
	if rec, ok := p.record(id); ok {
		rec.complete(ctx, sent, recv, err)
	}
}
