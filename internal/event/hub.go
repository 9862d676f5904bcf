// Package event is the in-process event hub. Emitters publish on a fixed
// set of topics; handlers run synchronously on the emitting goroutine and
// must hand off anything slow.
package event

import (
	"context"
	"fmt"

	"github.com/mustafaturan/bus/v3"
	"github.com/mustafaturan/monoton/v2"
	"github.com/mustafaturan/monoton/v2/sequencer"
	"github.com/phuslu/log"
	"nuha.dev/gpsgate/internal/util"
)

const (
	PositionStored = "position.stored"
	SessionOpened  = "session.opened"
	SessionClosed  = "session.closed"
)

// 2020-01-01T00:00:00Z in milliseconds
const epoch = 1577836800000

type Event = bus.Event

// Session is the payload of session events.
type Session struct {
	DeviceID int64  `json:"device_id"`
	UniqueID string `json:"unique_id"`
	Protocol string `json:"protocol"`
	Channel  string `json:"channel"`
	Remote   string `json:"remote"`
}

type Hub struct {
	log log.Logger
	bus *bus.Bus
}

// NewHub creates a hub whose event ids are monotonic per node.
func NewHub(node uint64) (*Hub, error) {
	m, err := monoton.New(sequencer.NewMillisecond(), node, epoch)
	if err != nil {
		return nil, fmt.Errorf("event ids: %w", err)
	}
	var next bus.Next = m.Next
	b, err := bus.NewBus(next)
	if err != nil {
		return nil, fmt.Errorf("event bus: %w", err)
	}
	b.RegisterTopics(PositionStored, SessionOpened, SessionClosed)

	h := &Hub{bus: b}
	h.log = log.DefaultLogger
	h.log.Context = log.NewContext(nil).Str("module", "event-hub").Value()
	return h, nil
}

// Subscribe registers fn under key for topics matching the regular
// expression pattern.
func (h *Hub) Subscribe(key, pattern string, fn func(ctx context.Context, e Event)) {
	h.bus.RegisterHandler(key, bus.Handler{Handle: fn, Matcher: pattern})
}

func (h *Hub) Unsubscribe(key string) {
	h.bus.DeregisterHandler(key)
}

// Emit publishes data on topic. A nil hub drops the event.
func (h *Hub) Emit(ctx context.Context, topic string, data interface{}) {
	if h == nil {
		return
	}
	if err := h.bus.Emit(WithTxID(ctx), topic, data); err != nil {
		h.log.Error().Err(err).Str("topic", topic).Msg("emit failed")
	}
}

// WithTxID attaches a fresh transaction id unless ctx already carries one.
func WithTxID(ctx context.Context) context.Context {
	if TxID(ctx) != "" {
		return ctx
	}
	return context.WithValue(ctx, bus.CtxKeyTxID, util.GenUUID())
}

func TxID(ctx context.Context) string {
	if v, ok := ctx.Value(bus.CtxKeyTxID).(string); ok {
		return v
	}
	return ""
}
