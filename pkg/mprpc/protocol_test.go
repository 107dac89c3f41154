package mprpc

import (
	"errors"
	"testing"
)

func TestProtocolBodyRoundTrip(t *testing.T) {
	proto := testProto(t)

	msg := &noteMsg{V: 99, Str: "payload"}
	id, ok := proto.TypeIDOf(msg)
	if !ok {
		t.Fatal("type not registered")
	}
	body, err := proto.encodeBody(id, msg)
	if err != nil {
		t.Fatal(err)
	}
	got, gotID, err := proto.decodeBody(body)
	if err != nil {
		t.Fatal(err)
	}
	if gotID != id {
		t.Fatalf("type id = %v, want %v", gotID, id)
	}
	m, ok := got.(*noteMsg)
	if !ok || m.V != 99 || m.Str != "payload" {
		t.Fatalf("decoded %+v, want %+v", got, msg)
	}
}

func TestProtocolUnknownType(t *testing.T) {
	proto := testProto(t)

	type unregistered struct{ X int }
	if _, ok := proto.TypeIDOf(&unregistered{}); ok {
		t.Fatal("unregistered type resolved")
	}

	// A body naming an unknown type id fails to decode.
	body, err := proto.encodeBody(TypeID{Protocol: 1, Message: 1}, &noteMsg{})
	if err != nil {
		t.Fatal(err)
	}
	// Decode it with a registry in which no type id is registered.
	other := NewProtocol(nil)
	if _, _, err := other.decodeBody(body); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("decodeBody on empty registry: %v, want ErrUnknownType", err)
	}
}

func TestProtocolDuplicateRegistration(t *testing.T) {
	proto := NewProtocol(nil)
	if err := RegisterMessage[noteMsg](proto, TypeID{Protocol: 1, Message: 1}, nil); err != nil {
		t.Fatal(err)
	}
	if err := RegisterMessage[pingMsg](proto, TypeID{Protocol: 1, Message: 1}, nil); err == nil {
		t.Fatal("duplicate type id accepted")
	}
	if err := RegisterMessage[noteMsg](proto, TypeID{Protocol: 1, Message: 9}, nil); err == nil {
		t.Fatal("duplicate Go type accepted")
	}
}

func TestProtocolMultipleProtocols(t *testing.T) {
	proto := NewProtocol(nil)
	if err := RegisterMessage[noteMsg](proto, TypeID{Protocol: 1, Message: 1}, nil); err != nil {
		t.Fatal(err)
	}
	if err := RegisterMessage[pingMsg](proto, TypeID{Protocol: 7, Message: 1}, nil); err != nil {
		t.Fatal(err)
	}

	for _, msg := range []any{&noteMsg{Str: "a"}, &pingMsg{Seq: 4}} {
		id, ok := proto.TypeIDOf(msg)
		if !ok {
			t.Fatalf("type of %T not registered", msg)
		}
		body, err := proto.encodeBody(id, msg)
		if err != nil {
			t.Fatal(err)
		}
		if _, gotID, err := proto.decodeBody(body); err != nil || gotID != id {
			t.Fatalf("round trip of %T: id %v err %v", msg, gotID, err)
		}
	}
}
