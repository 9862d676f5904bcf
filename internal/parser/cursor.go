package parser

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"strings"
)

var ErrShortBuffer = errors.New("short buffer")

// Cursor reads big-endian fields from a byte slice. Reading past the end
// records ErrShortBuffer and yields zero values; callers check Err once
// after decoding a block.
type Cursor struct {
	b   []byte
	off int
	err error
}

func NewCursor(b []byte) *Cursor {
	return &Cursor{b: b}
}

func (c *Cursor) Len() int {
	return len(c.b) - c.off
}

func (c *Cursor) Err() error {
	return c.err
}

func (c *Cursor) take(n int) []byte {
	if c.err != nil {
		return nil
	}
	if n < 0 || c.off+n > len(c.b) {
		c.err = ErrShortBuffer
		c.off = len(c.b)
		return nil
	}
	d := c.b[c.off : c.off+n]
	c.off += n
	return d
}

func (c *Cursor) Skip(n int) {
	c.take(n)
}

func (c *Cursor) Bytes(n int) []byte {
	return c.take(n)
}

// Rest returns everything that has not been read yet.
func (c *Cursor) Rest() []byte {
	return c.take(c.Len())
}

// Sub returns a cursor over the next n bytes and advances past them.
func (c *Cursor) Sub(n int) *Cursor {
	d := c.take(n)
	sub := NewCursor(d)
	sub.err = c.err
	return sub
}

func (c *Cursor) Uint8() uint8 {
	d := c.take(1)
	if d == nil {
		return 0
	}
	return d[0]
}

func (c *Cursor) Uint16() uint16 {
	d := c.take(2)
	if d == nil {
		return 0
	}
	return binary.BigEndian.Uint16(d)
}

func (c *Cursor) Uint24() uint32 {
	d := c.take(3)
	if d == nil {
		return 0
	}
	return uint32(d[0])<<16 | uint32(d[1])<<8 | uint32(d[2])
}

func (c *Cursor) Uint32() uint32 {
	d := c.take(4)
	if d == nil {
		return 0
	}
	return binary.BigEndian.Uint32(d)
}

func (c *Cursor) Int16() int16 {
	return int16(c.Uint16())
}

func (c *Cursor) Int32() int32 {
	return int32(c.Uint32())
}

func HexDump(b []byte) string {
	return hex.EncodeToString(b)
}

// Trim drops NUL padding from fixed-width text fields.
func Trim(b []byte) string {
	return strings.TrimRight(string(b), "\x00")
}
