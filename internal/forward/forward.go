// Package forward fans stored positions out to external systems. Each sink
// is fed through its own bounded queue so a slow broker never stalls the
// ingestion pipeline; positions that do not fit are dropped and counted.
package forward

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/gpsgate/internal/event"
	"nuha.dev/gpsgate/internal/metrics"
	"nuha.dev/gpsgate/internal/model"
)

const (
	DefaultQueue   = 256
	DefaultTimeout = 5 * time.Second
)

const (
	FORWARD_DROPPED string = "forward_dropped"
	FORWARD_FAILED  string = "forward_failed"
)

// Message is one encoded position ready for a sink.
type Message struct {
	DeviceID int64
	Token    string
	Payload  []byte
}

// Sink delivers messages to one external system.
type Sink interface {
	Name() string
	Send(ctx context.Context, m Message) error
	Close() error
}

type Forwarder struct {
	log     log.Logger
	sink    Sink
	tokens  *Tokenizer
	metrics *metrics.Metrics
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	ch     chan Message
	done   chan struct{}
}

func New(sink Sink, tokens *Tokenizer, queue int, m *metrics.Metrics) *Forwarder {
	if queue <= 0 {
		queue = DefaultQueue
	}
	f := &Forwarder{sink: sink, tokens: tokens, metrics: m, timeout: DefaultTimeout}
	f.log = log.DefaultLogger
	f.log.Context = log.NewContext(nil).Str("module", "forward").Str("sink", sink.Name()).Value()
	f.ch = make(chan Message, queue)
	f.done = make(chan struct{})
	return f
}

func (f *Forwarder) Name() string {
	return f.sink.Name()
}

// Subscribe attaches the forwarder to stored positions on the hub.
func (f *Forwarder) Subscribe(h *event.Hub) {
	h.Subscribe("forward."+f.sink.Name(), "^"+event.PositionStored+"$", f.Handle)
}

func (f *Forwarder) Handle(_ context.Context, e event.Event) {
	if p, ok := e.Data.(*model.Position); ok {
		f.Put(p)
	}
}

// Put queues p without blocking.
func (f *Forwarder) Put(p *model.Position) {
	payload, err := json.Marshal(p)
	if err != nil {
		f.log.Error().Err(err).EmbedObject(p).Msg("encode position")
		return
	}
	msg := Message{DeviceID: p.DeviceID, Token: f.tokens.Token(p.DeviceID), Payload: payload}

	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return
	}
	select {
	case f.ch <- msg:
	default:
		f.metrics.Forward(f.sink.Name(), "dropped")
		f.log.Warn().Str("event", FORWARD_DROPPED).Int64("device_id", p.DeviceID).Msg("forward queue full")
	}
}

// Run delivers queued messages until Close.
func (f *Forwarder) Run(ctx context.Context) {
	defer close(f.done)
	for msg := range f.ch {
		sctx, cancel := context.WithTimeout(ctx, f.timeout)
		err := f.sink.Send(sctx, msg)
		cancel()
		if err != nil {
			f.metrics.Forward(f.sink.Name(), "failed")
			f.log.Error().Err(err).Str("event", FORWARD_FAILED).Int64("device_id", msg.DeviceID).Msg("")
			continue
		}
		f.metrics.Forward(f.sink.Name(), "sent")
	}
}

// Close stops accepting positions, drains the queue and closes the sink.
// Run must have been started.
func (f *Forwarder) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	close(f.ch)
	f.mu.Unlock()
	<-f.done
	return f.sink.Close()
}
