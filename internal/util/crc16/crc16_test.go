package crc16

import (
	"encoding/hex"
	"testing"
)

func TestX25(t *testing.T) {
	if got := Checksum(X25, []byte("123456789")); got != 0x906E {
		t.Fatalf("check value: got %04x", got)
	}
	// login frame of a GT06 unit, length byte through serial
	d, _ := hex.DecodeString("0d0101234567890123450001")
	if got := Checksum(X25, d); got != 0x8CDD {
		t.Fatalf("gt06 login: got %04x", got)
	}
}

func BenchmarkX25(b *testing.B) {
	d := make([]byte, 64)
	for i := 0; i < b.N; i++ {
		Checksum(X25, d)
	}
}
