package protocol

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nuha.dev/gpsgate/internal/conn"
	"nuha.dev/gpsgate/internal/conn/conntest"
	"nuha.dev/gpsgate/internal/model"
	"nuha.dev/gpsgate/internal/session"
)

func TestDelimiterFramer(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("\r\nfirst\r\nsecond\n\nthird"))
	f := &DelimiterFramer{Delim: '\n'}

	frame, err := f.ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, "first", string(frame))

	frame, err = f.ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, "second", string(frame))

	_, err = f.ReadFrame(r)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestDelimiterFramerKeep(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("*HQ,1,V1#\r\n*HQ,2,V1#"))
	f := &DelimiterFramer{Delim: '#', Keep: true}
	frame, err := f.ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, "*HQ,1,V1#", string(frame))
	frame, err = f.ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, "*HQ,2,V1#", string(frame))
	_, err = f.ReadFrame(r)
	assert.ErrorIs(t, err, io.EOF)
}

func TestDelimiterFramerOversize(t *testing.T) {
	r := bufio.NewReader(strings.NewReader(strings.Repeat("x", 300) + "\n"))
	f := &DelimiterFramer{Delim: '\n', Max: 256}
	_, err := f.ReadFrame(r)
	assert.ErrorIs(t, err, ErrBadFrame)
}

func TestLengthFramer(t *testing.T) {
	f := &LengthFramer{Magic: []byte{0x67, 0x67}, Offset: 3, Size: 2, Adjust: 5, Max: 1024}
	stream := []byte{0x67, 0x67, 0x03, 0x00, 0x04, 0x00, 0x06, 0x00, 0x6e, 0x67, 0x67, 0x03, 0x00, 0x04, 0x00, 0x07, 0x00, 0x6e}
	r := bufio.NewReader(bytes.NewReader(stream))

	frame, err := f.ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, stream[:9], frame)
	frame, err = f.ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, stream[9:], frame)
	_, err = f.ReadFrame(r)
	assert.ErrorIs(t, err, io.EOF)
}

func TestLengthFramerBadMagic(t *testing.T) {
	f := &LengthFramer{Magic: []byte{0x67, 0x67}, Offset: 3, Size: 2, Adjust: 5}
	r := bufio.NewReader(bytes.NewReader([]byte{0x78, 0x78, 0x0d, 0x01, 0x00, 0x00}))
	_, err := f.ReadFrame(r)
	assert.ErrorIs(t, err, ErrBadFrame)
}

func TestLengthFramerTooLong(t *testing.T) {
	f := &LengthFramer{Magic: []byte{0x67, 0x67}, Offset: 3, Size: 2, Adjust: 5, Max: 64}
	r := bufio.NewReader(bytes.NewReader([]byte{0x67, 0x67, 0x01, 0xff, 0xff}))
	_, err := f.ReadFrame(r)
	assert.ErrorIs(t, err, ErrBadFrame)
}

type devices map[string]int64

func (d devices) DeviceByUniqueID(_ context.Context, id string) (*model.Device, error) {
	if v, ok := d[id]; ok {
		return &model.Device{ID: v, UniqueID: id}, nil
	}
	return nil, nil
}

func TestBase(t *testing.T) {
	reg := session.NewRegistry(devices{"42": 4}, session.Hooks{})
	b := NewBase("demo", reg)
	ch := conntest.NewStream("c1")

	s, err := b.DeviceSession(context.Background(), ch, "42")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "demo", s.Protocol)

	p := b.NewPosition(s)
	assert.Equal(t, int64(4), p.DeviceID)
	assert.Equal(t, "demo", p.Protocol)

	require.NoError(t, b.Reply(ch, []byte{1, 2}))
	require.NoError(t, b.Reply(ch, nil))
	assert.Equal(t, [][]byte{{1, 2}}, ch.Writes())

	ch.WriteErr = io.ErrClosedPipe
	assert.ErrorIs(t, b.Reply(ch, []byte{1}), io.ErrClosedPipe)
}

func TestRegistry(t *testing.T) {
	dec := DecoderFunc(func(context.Context, conn.Channel, []byte) (*model.Position, error) { return nil, nil })
	r := NewRegistry(
		Protocol{Name: "b", NewDecoder: func(*Base) Decoder { return dec }},
		Protocol{Name: "a", NewDecoder: func(*Base) Decoder { return dec }, Datagram: true},
	)
	assert.Equal(t, []string{"a", "b"}, r.Names())
	p, ok := r.Lookup("a")
	require.True(t, ok)
	assert.True(t, p.Datagram)
	_, ok = r.Lookup("c")
	assert.False(t, ok)
}
