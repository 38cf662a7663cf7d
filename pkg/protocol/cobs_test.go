package protocol_test

import (
	"bytes"
	"testing"

	"seasieve/pkg/protocol"
)

func TestCobsDecodeSimple(t *testing.T) {
	decoded, err := protocol.CobsDecode([]byte{0x03, 0x11, 0x22})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(decoded) != 2 || decoded[0] != 0x11 || decoded[1] != 0x22 {
		t.Fatalf("unexpected decode result: %v", decoded)
	}
}

func TestCobsDecodeWithZero(t *testing.T) {
	frame := []byte{0x02, 0x11, 0x02, 0x22}
	decoded, err := protocol.CobsDecode(frame)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []byte{0x11, 0x00, 0x22}
	if !bytes.Equal(decoded, want) {
		t.Fatalf("unexpected decode result: %v", decoded)
	}
}

func TestCobsDecodeInvalid(t *testing.T) {
	if _, err := protocol.CobsDecode([]byte{0x00, 0x01}); err == nil {
		t.Fatalf("expected error for invalid code 0x00")
	}
	if _, err := protocol.CobsDecode([]byte{0x05, 0x01}); err == nil {
		t.Fatalf("expected error for truncated frame")
	}
}

func TestCobsEncodeRoundTrip(t *testing.T) {
	long := bytes.Repeat([]byte{0x7A}, 300)
	cases := [][]byte{
		{},
		{0x00},
		{0x11, 0x00, 0x22},
		{0x10, 0x00, 0x00, 0x01},
		long,
	}
	for _, data := range cases {
		encoded := protocol.CobsEncode(data)
		if bytes.IndexByte(encoded, 0x00) >= 0 {
			t.Fatalf("encoded frame contains zero: %v", encoded)
		}
		decoded, err := protocol.CobsDecode(encoded)
		if err != nil {
			t.Fatalf("decode %v: %v", encoded, err)
		}
		if !bytes.Equal(decoded, data) {
			t.Fatalf("round trip mismatch: got %v want %v", decoded, data)
		}
	}
}

func TestXorChecksum(t *testing.T) {
	if got := protocol.XorChecksum([]byte{0x0F, 0xF0, 0x01}); got != 0xFE {
		t.Fatalf("unexpected checksum: 0x%02x", got)
	}
}
