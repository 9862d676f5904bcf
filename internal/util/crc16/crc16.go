// Package crc16 implements the reflected CRC-16 variants used by tracker
// framing.
package crc16

type Table struct {
	entries [256]uint16
	init    uint16
	xorOut  uint16
}

// X25 is CRC-16/X-25 (poly 0x1021 reflected, init 0xFFFF, xorout 0xFFFF).
var X25 = MakeTable(0x8408, 0xFFFF, 0xFFFF)

// MakeTable builds a table for a reflected polynomial.
func MakeTable(poly, init, xorOut uint16) *Table {
	t := &Table{init: init, xorOut: xorOut}
	for i := 0; i < 256; i++ {
		c := uint16(i)
		for j := 0; j < 8; j++ {
			if c&1 != 0 {
				c = c>>1 ^ poly
			} else {
				c >>= 1
			}
		}
		t.entries[i] = c
	}
	return t
}

func Checksum(t *Table, data []byte) uint16 {
	crc := t.init
	for _, b := range data {
		crc = crc>>8 ^ t.entries[byte(crc)^b]
	}
	return crc ^ t.xorOut
}
