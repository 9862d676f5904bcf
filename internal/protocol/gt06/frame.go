package gt06

import (
	"encoding/binary"
	"fmt"
	"io"

	"nuha.dev/gpsgate/internal/protocol"
	"nuha.dev/gpsgate/internal/util/crc16"
)

const maxFrame = 1024

type message struct {
	Extended bool
	Protocol byte
	Serial   int
	Payload  []byte
}

// readFrame cuts one frame: 0x7878 carries a one byte length, 0x7979 a two
// byte one. Both end with 0x0D 0x0A.
func readFrame(r protocol.FrameReader) ([]byte, error) {
	h, err := r.Peek(4)
	if err != nil {
		return nil, err
	}
	var length int
	switch {
	case h[0] == 0x78 && h[1] == 0x78:
		length = int(h[2]) + 5
	case h[0] == 0x79 && h[1] == 0x79:
		length = int(binary.BigEndian.Uint16(h[2:4])) + 6
	default:
		return nil, fmt.Errorf("%w: start % x", protocol.ErrBadFrame, h[:2])
	}
	if length > maxFrame {
		return nil, fmt.Errorf("%w: length %d", protocol.ErrBadFrame, length)
	}
	frame := make([]byte, length)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, err
	}
	if frame[length-2] != 0x0D || frame[length-1] != 0x0A {
		return nil, fmt.Errorf("%w: trailer % x", protocol.ErrBadFrame, frame[length-2:])
	}
	return frame, nil
}

// parseFrame splits a complete frame and checks its CRC.
func parseFrame(b []byte, msg *message) bool {
	var head, length int
	switch {
	case len(b) >= 10 && b[0] == 0x78 && b[1] == 0x78:
		head = 3
		length = int(b[2]) + 5
	case len(b) >= 11 && b[0] == 0x79 && b[1] == 0x79:
		head = 4
		length = int(binary.BigEndian.Uint16(b[2:4])) + 6
		msg.Extended = true
	default:
		return false
	}
	if length != len(b) || length < head+7 {
		return false
	}
	if b[length-2] != 0x0D || b[length-1] != 0x0A {
		return false
	}
	if crc16.Checksum(crc16.X25, b[2:length-4]) != binary.BigEndian.Uint16(b[length-4:length-2]) {
		return false
	}
	msg.Protocol = b[head]
	msg.Payload = b[head+1 : length-6]
	msg.Serial = int(binary.BigEndian.Uint16(b[length-6 : length-4]))
	return true
}

// NewFrame builds a short frame around payload.
func NewFrame(protocol byte, payload []byte, serial int) []byte {
	lp := len(payload)
	lf := lp + 10
	frame := make([]byte, lf)
	frame[0] = 0x78
	frame[1] = 0x78
	frame[2] = byte(lp + 5)
	frame[3] = protocol
	copy(frame[4:], payload)
	binary.BigEndian.PutUint16(frame[lf-6:lf-4], uint16(serial))
	crc := crc16.Checksum(crc16.X25, frame[2:lf-4])
	binary.BigEndian.PutUint16(frame[lf-4:lf-2], crc)
	frame[lf-2] = 0x0d
	frame[lf-1] = 0x0a
	return frame
}

// NewCommand wraps an online command for the terminal.
func NewCommand(msg string, serverFlag uint32, serial int) []byte {
	lm := len(msg)
	payload := make([]byte, lm+5)
	payload[0] = byte(lm + 4)
	binary.BigEndian.PutUint32(payload[1:5], serverFlag)
	copy(payload[5:], msg)
	return NewFrame(ServerCommand, payload, serial)
}
