package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

var ErrBadFrame = errors.New("bad frame")

// FrameReader is the buffered side of a stream connection.
type FrameReader interface {
	io.Reader
	Peek(n int) ([]byte, error)
	ReadSlice(delim byte) ([]byte, error)
	Discard(n int) (int, error)
}

// Framer cuts the next frame off a stream. The returned slice is owned by
// the caller. ErrBadFrame means the stream cannot be resynchronised.
type Framer interface {
	ReadFrame(r FrameReader) ([]byte, error)
}

type FramerFunc func(r FrameReader) ([]byte, error)

func (f FramerFunc) ReadFrame(r FrameReader) ([]byte, error) {
	return f(r)
}

// DelimiterFramer splits text frames on Delim. The delimiter and a trailing
// carriage return are stripped; Keep retains the delimiter instead. Empty
// lines are skipped.
type DelimiterFramer struct {
	Delim byte
	Keep  bool
	Max   int
}

func (f *DelimiterFramer) ReadFrame(r FrameReader) ([]byte, error) {
	max := f.Max
	if max <= 0 {
		max = 1024
	}
	for {
		var frame []byte
		for {
			chunk, err := r.ReadSlice(f.Delim)
			frame = append(frame, chunk...)
			if len(frame) > max {
				return nil, fmt.Errorf("%w: %d bytes without delimiter", ErrBadFrame, len(frame))
			}
			if err == nil {
				break
			}
			if errors.Is(err, bufio.ErrBufferFull) {
				continue
			}
			if errors.Is(err, io.EOF) && len(frame) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if !f.Keep {
			frame = bytes.TrimSuffix(frame[:len(frame)-1], []byte{'\r'})
		}
		frame = bytes.TrimLeft(frame, "\r\n")
		if len(frame) > 0 {
			return frame, nil
		}
	}
}

// LengthFramer reads frames with a fixed header that carries the length of
// the remainder.
type LengthFramer struct {
	// Magic is the expected frame start.
	Magic []byte
	// Offset and Size locate the big-endian length field.
	Offset int
	Size   int
	// Adjust is added to the length field to get the full frame size.
	Adjust int
	Max    int
}

func (f *LengthFramer) ReadFrame(r FrameReader) ([]byte, error) {
	head := f.Offset + f.Size
	if len(f.Magic) > head {
		head = len(f.Magic)
	}
	h, err := r.Peek(head)
	if err != nil {
		return nil, err
	}
	if !bytes.HasPrefix(h, f.Magic) {
		return nil, fmt.Errorf("%w: start % x", ErrBadFrame, h[:len(f.Magic)])
	}
	n := 0
	for _, b := range h[f.Offset : f.Offset+f.Size] {
		n = n<<8 | int(b)
	}
	n += f.Adjust
	if n < head || (f.Max > 0 && n > f.Max) {
		return nil, fmt.Errorf("%w: length %d", ErrBadFrame, n)
	}
	frame := make([]byte, n)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, err
	}
	return frame, nil
}
