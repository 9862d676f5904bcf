// Package protocol defines how device dialects plug into the server: a
// framer that cuts a byte stream into frames and a decoder that turns one
// frame into a position.
package protocol

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/phuslu/log"
	"nuha.dev/gpsgate/internal/conn"
	"nuha.dev/gpsgate/internal/model"
	"nuha.dev/gpsgate/internal/session"
)

// Decoder turns one frame into a position. Frames that carry no fix (login,
// heartbeat, acknowledgements), frames that fail to parse and frames from
// unknown devices yield nil, nil. An error means the channel is unusable.
// Decoders are shared by every connection of a protocol.
type Decoder interface {
	Decode(ctx context.Context, ch conn.Channel, msg []byte) (*model.Position, error)
}

type DecoderFunc func(ctx context.Context, ch conn.Channel, msg []byte) (*model.Position, error)

func (f DecoderFunc) Decode(ctx context.Context, ch conn.Channel, msg []byte) (*model.Position, error) {
	return f(ctx, ch, msg)
}

// Protocol describes a dialect.
type Protocol struct {
	Name string
	// NewFramer returns a framer for one stream.
	NewFramer func() Framer
	// NewDecoder builds the shared decoder.
	NewDecoder func(b *Base) Decoder
	// Datagram is set when the dialect is also carried over UDP, one frame
	// per datagram.
	Datagram bool
}

// Base carries what every decoder needs: its protocol name, the session
// registry and a logger.
type Base struct {
	Name     string
	Sessions *session.Registry
	Log      log.Logger
}

func NewBase(name string, sessions *session.Registry) *Base {
	b := &Base{Name: name, Sessions: sessions}
	b.Log = log.DefaultLogger
	b.Log.Context = log.NewContext(nil).Str("module", "decoder").Str("protocol", name).Value()
	return b
}

// DeviceSession resolves the session of ch, binding it from ids when needed.
func (b *Base) DeviceSession(ctx context.Context, ch conn.Channel, ids ...string) (*session.DeviceSession, error) {
	return b.Sessions.DeviceSession(ctx, b.Name, ch, ids...)
}

func (b *Base) NewPosition(s *session.DeviceSession) *model.Position {
	return model.NewPosition(b.Name, s.DeviceID)
}

// Reply writes an acknowledgement. Write failures are fatal for the channel.
func (b *Base) Reply(ch conn.Channel, frame []byte) error {
	if frame == nil {
		return nil
	}
	if _, err := ch.Write(frame); err != nil {
		return fmt.Errorf("%s ack: %w", b.Name, err)
	}
	b.Log.Trace().Str("channel", ch.ID()).Hex("ack", frame).Msg("")
	return nil
}

// Registry maps protocol names to dialects.
type Registry struct {
	mu        sync.RWMutex
	protocols map[string]Protocol
}

func NewRegistry(protocols ...Protocol) *Registry {
	r := &Registry{protocols: make(map[string]Protocol)}
	for _, p := range protocols {
		r.Register(p)
	}
	return r
}

func (r *Registry) Register(p Protocol) {
	r.mu.Lock()
	r.protocols[p.Name] = p
	r.mu.Unlock()
}

func (r *Registry) Lookup(name string) (Protocol, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.protocols[name]
	return p, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.protocols))
	for n := range r.protocols {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
