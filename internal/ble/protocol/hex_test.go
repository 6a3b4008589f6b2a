// internal/ble/protocol/hex_test.go
package protocol

import (
	"bytes"
	"testing"
)

func TestDecodeHexAcceptsUpperCase(t *testing.T) {
	b, err := DecodeHex("0A0B")
	if err != nil {
		t.Fatalf("DecodeHex() error = %v", err)
	}
	if !bytes.Equal(b, []byte{0x0a, 0x0b}) {
		t.Errorf("DecodeHex() = %x, want 0a0b", b)
	}
	if got := EncodeHex(b); got != "0a0b" {
		t.Errorf("EncodeHex() = %q, want %q", got, "0a0b")
	}
}

func TestDecodeHexInvalid(t *testing.T) {
	for _, in := range []string{"0", "zz", "0x01"} {
		if _, err := DecodeHex(in); err == nil {
			t.Errorf("DecodeHex(%q) expected error", in)
		}
	}
}

func TestDecodeHexEmpty(t *testing.T) {
	b, err := DecodeHex("")
	if err != nil || len(b) != 0 {
		t.Errorf("DecodeHex(\"\") = %v, %v; want empty, nil", b, err)
	}
}
