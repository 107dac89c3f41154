package mprpc

import (
	"strings"
	"testing"
)

func TestReaderByteDribble(t *testing.T) {
	w, sender := newTestWriter(t, Configuration{})
	proto := sender.proto

	msgs := []*noteMsg{
		{V: 1, Str: strings.Repeat("a", 3000)},
		{V: 2, Str: "two"},
		{V: 3, Str: strings.Repeat("c", 7000)},
	}
	for _, m := range msgs {
		if _, ok := w.Enqueue(&sender.cfg, bundleOf(t, proto, m, 0), InvalidMessageID()); !ok {
			t.Fatal("enqueue failed")
		}
	}
	out := writeAll(t, w, sender, 1024)

	rcv := newCaptureReceiver(noCompress(Configuration{}), proto)
	reader := NewMessageReader()
	for i := 0; i < len(out); i++ {
		if _, err := reader.Read(out[i:i+1], rcv); err != nil {
			t.Fatalf("byte %d: %v", i, err)
		}
	}

	if len(rcv.msgs) != len(msgs) {
		t.Fatalf("received %d messages, want %d", len(rcv.msgs), len(msgs))
	}
	seen := map[uint64]string{}
	for _, rm := range rcv.msgs {
		m := rm.msg.(*noteMsg)
		seen[m.V] = m.Str
	}
	for _, m := range msgs {
		if seen[m.V] != m.Str {
			t.Fatalf("message %d corrupted in transit", m.V)
		}
	}
}

func TestReaderKeepAlive(t *testing.T) {
	rcv := newCaptureReceiver(Configuration{}, testProto(t))
	reader := NewMessageReader()

	buf := make([]byte, PacketHeaderSize)
	(&PacketHeader{Type: PacketTypeKeepAlive}).EncodeTo(buf)
	if _, err := reader.Read(buf, rcv); err != nil {
		t.Fatal(err)
	}
	if rcv.keepAlives != 1 {
		t.Fatalf("keepAlives = %d, want 1", rcv.keepAlives)
	}
}

func TestReaderRejectsUnknownPacketType(t *testing.T) {
	rcv := newCaptureReceiver(Configuration{}, testProto(t))
	reader := NewMessageReader()
	if _, err := reader.Read([]byte{0x7f, 0, 4, 0}, rcv); err == nil {
		t.Fatal("unknown packet type accepted")
	}
}

func TestReaderRejectsUnknownCommand(t *testing.T) {
	rcv := newCaptureReceiver(Configuration{}, testProto(t))
	reader := NewMessageReader()

	payload := []byte{0x7e}
	buf := make([]byte, PacketHeaderSize+len(payload))
	(&PacketHeader{Type: PacketTypeData, Size: uint16(len(payload))}).EncodeTo(buf)
	copy(buf[PacketHeaderSize:], payload)
	if _, err := reader.Read(buf, rcv); err == nil {
		t.Fatal("unknown command accepted")
	}
}

func TestReaderRejectsFragmentForInactiveMessage(t *testing.T) {
	rcv := newCaptureReceiver(Configuration{}, testProto(t))
	reader := NewMessageReader()

	// A Message command for a slot that never saw NewMessage.
	payload := []byte{CommandMessage}
	idxBuf := make([]byte, 8)
	n, _ := CrossEncode(idxBuf, 4)
	payload = append(payload, idxBuf[:n]...)
	payload = append(payload, 2, 0, 0xab, 0xcd)

	buf := make([]byte, PacketHeaderSize+len(payload))
	(&PacketHeader{Type: PacketTypeData, Size: uint16(len(payload))}).EncodeTo(buf)
	copy(buf[PacketHeaderSize:], payload)
	if _, err := reader.Read(buf, rcv); err == nil {
		t.Fatal("fragment for inactive message accepted")
	}
}

func TestReaderCompressedRoundTrip(t *testing.T) {
	// Default config: lz4 on both sides. The repetitive payload compresses.
	sender := newCaptureSender(Configuration{}, testProto(t))
	w := NewMessageWriter()
	w.Prepare(&sender.cfg)

	msg := &noteMsg{V: 9, Str: strings.Repeat("compressible ", 1000)}
	if _, ok := w.Enqueue(&sender.cfg, bundleOf(t, sender.proto, msg, 0), InvalidMessageID()); !ok {
		t.Fatal("enqueue failed")
	}
	out := writeAll(t, w, sender, 4096)

	compressed := false
	for pos := 0; pos < len(out); {
		var hdr PacketHeader
		n, err := hdr.Decode(out[pos:])
		if err != nil {
			t.Fatal(err)
		}
		if hdr.Flags&PacketFlagCompressed != 0 {
			compressed = true
		}
		pos += n + int(hdr.Size)
	}
	if !compressed {
		t.Skip("payload did not compress")
	}

	rcv := newCaptureReceiver(Configuration{}, sender.proto)
	reader := NewMessageReader()
	if _, err := reader.Read(out, rcv); err != nil {
		t.Fatal(err)
	}
	if len(rcv.msgs) != 1 {
		t.Fatalf("received %d messages, want 1", len(rcv.msgs))
	}
	if got := rcv.msgs[0].msg.(*noteMsg); got.V != 9 || got.Str != msg.Str {
		t.Fatal("compressed message corrupted in transit")
	}
}

func TestReaderSurfacesCancelCommands(t *testing.T) {
	rcv := newCaptureReceiver(Configuration{}, testProto(t))
	reader := NewMessageReader()

	var payload []byte
	payload = append(payload, CommandAckdCount, 5)
	payload = append(payload, CommandCancelRequest)
	tmp := make([]byte, 16)
	n, _ := CrossEncode(tmp, 7)
	payload = append(payload, tmp[:n]...)
	n, _ = CrossEncode(tmp, 2)
	payload = append(payload, tmp[:n]...)

	buf := make([]byte, PacketHeaderSize+len(payload))
	(&PacketHeader{Type: PacketTypeData, Size: uint16(len(payload))}).EncodeTo(buf)
	copy(buf[PacketHeaderSize:], payload)

	if _, err := reader.Read(buf, rcv); err != nil {
		t.Fatal(err)
	}
	if len(rcv.ackCounts) != 1 || rcv.ackCounts[0] != 5 {
		t.Fatalf("ackCounts = %v, want [5]", rcv.ackCounts)
	}
	if len(rcv.cancelReqs) != 1 || rcv.cancelReqs[0] != (RequestID{Index: 7, Unique: 2}) {
		t.Fatalf("cancelReqs = %v, want [7:2]", rcv.cancelReqs)
	}
}
