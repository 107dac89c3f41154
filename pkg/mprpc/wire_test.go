package mprpc

import (
	"bytes"
	"testing"
)

func TestCrossRoundTrip(t *testing.T) {
	values := []uint64{
		0, 1, 2, 0x1f, 0x20, 0xff, 0x100, 0xffff, 0x10000,
		0xffffff, 0xffffffff, 0xffffffffff, 1<<58 - 1,
	}
	for _, v := range values {
		buf := make([]byte, 16)
		n, err := CrossEncode(buf, v)
		if err != nil {
			t.Fatalf("CrossEncode(%#x): %v", v, err)
		}
		if n != CrossSize(v) {
			t.Errorf("CrossEncode(%#x) wrote %d bytes, CrossSize says %d", v, n, CrossSize(v))
		}
		got, m, err := CrossDecode(buf[:n])
		if err != nil {
			t.Fatalf("CrossDecode(%#x): %v", v, err)
		}
		if got != v || m != n {
			t.Errorf("round trip %#x -> %#x (consumed %d of %d)", v, got, m, n)
		}
	}
}

func TestCrossEncodeAboveMaxFails(t *testing.T) {
	buf := make([]byte, 16)
	if _, err := CrossEncode(buf, CrossMaxValue+1); err == nil {
		t.Fatal("CrossEncode above max succeeded")
	}
	if _, err := CrossEncode(buf, CrossMaxValue); err != nil {
		t.Fatalf("CrossEncode at max: %v", err)
	}
}

func TestCrossDecodeChecksum(t *testing.T) {
	buf := make([]byte, 16)
	n, err := CrossEncode(buf, 0xabcd)
	if err != nil {
		t.Fatal(err)
	}

	// Flip a checksum bit in the length byte.
	corrupt := append([]byte(nil), buf[:n]...)
	corrupt[0] ^= 0x01
	if _, _, err := CrossDecode(corrupt); err == nil {
		t.Fatal("CrossDecode accepted corrupt checksum")
	}
}

func TestCrossDecodeShortBuffer(t *testing.T) {
	buf := make([]byte, 16)
	n, err := CrossEncode(buf, 0xdeadbeef)
	if err != nil {
		t.Fatal(err)
	}
	for cut := 0; cut < n; cut++ {
		if _, _, err := CrossDecode(buf[:cut]); err == nil {
			t.Fatalf("CrossDecode succeeded on %d of %d bytes", cut, n)
		}
	}
}

func TestPacketHeaderRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		hdr  PacketHeader
	}{
		{"data", PacketHeader{Type: PacketTypeData, Size: 1234}},
		{"keepalive", PacketHeader{Type: PacketTypeKeepAlive}},
		{"flags", PacketHeader{Type: PacketTypeData, Flags: PacketFlagAckRequest | PacketFlagCompressed, Size: 0xffff}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			buf := make([]byte, PacketHeaderSize)
			if n := tc.hdr.EncodeTo(buf); n != PacketHeaderSize {
				t.Fatalf("EncodeTo wrote %d bytes", n)
			}
			var got PacketHeader
			if _, err := got.Decode(buf); err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if got != tc.hdr {
				t.Errorf("round trip %+v -> %+v", tc.hdr, got)
			}
		})
	}
}

func TestPacketHeaderRejectsUnknownType(t *testing.T) {
	buf := []byte{9, 0, 0, 0}
	var h PacketHeader
	if _, err := h.Decode(buf); err == nil {
		t.Fatal("Decode accepted unknown packet type")
	}
}

func TestLZ4RoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("solidframe"), 200)
	buf := append([]byte(nil), payload...)

	n, err := LZ4Compress(buf)
	if err != nil {
		t.Fatalf("LZ4Compress: %v", err)
	}
	if n == 0 {
		t.Skip("payload did not compress")
	}
	out := make([]byte, len(payload))
	m, err := LZ4Decompress(out, buf[:n])
	if err != nil {
		t.Fatalf("LZ4Decompress: %v", err)
	}
	if !bytes.Equal(out[:m], payload) {
		t.Fatal("decompressed payload differs")
	}
}
