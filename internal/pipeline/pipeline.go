// Package pipeline carries one frame from its decoder to storage: decode,
// validate, persist with retry, move the latest pointer and announce the
// stored position.
package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/gpsgate/internal/conn"
	"nuha.dev/gpsgate/internal/event"
	"nuha.dev/gpsgate/internal/metrics"
	"nuha.dev/gpsgate/internal/model"
	"nuha.dev/gpsgate/internal/normalize"
	"nuha.dev/gpsgate/internal/protocol"
	"nuha.dev/gpsgate/internal/retry"
)

const (
	DECODE_ERROR     string = "decode_error"
	POSITION_INVALID string = "position_invalid"
	POSITION_STORED  string = "position_stored"
	STORAGE_FAILED   string = "storage_failed"
	SCHEMA_ERROR     string = "schema_error"
	STORAGE_RETRY    string = "storage_retry"
)

// Persister stores a position and moves its device's latest pointer.
// store.DataManager implements it.
type Persister interface {
	Persist(ctx context.Context, p *model.Position, rc retry.Config) (sql.NullInt64, error)
}

type Config struct {
	FutureSkew time.Duration
	Retry      retry.Config
}

type Pipeline struct {
	log        log.Logger
	partitions []Persister
	hub        *event.Hub
	metrics    *metrics.Metrics
	skew       time.Duration
	retry      retry.Config
	now        func() time.Time
}

func New(partitions []Persister, hub *event.Hub, m *metrics.Metrics, cfg Config) (*Pipeline, error) {
	if len(partitions) == 0 {
		return nil, fmt.Errorf("pipeline: no storage partitions")
	}
	p := &Pipeline{partitions: partitions, hub: hub, metrics: m, skew: cfg.FutureSkew, now: time.Now}
	p.log = log.DefaultLogger
	p.log.Context = log.NewContext(nil).Str("module", "pipeline").Value()
	if p.skew <= 0 {
		p.skew = normalize.DefaultSkew
	}
	p.retry = cfg.Retry
	if p.retry.MaxAttempts == 0 {
		p.retry = retry.Default()
	}
	p.retry.OnRetry = func(attempt int, err error) {
		m.Retry()
		p.log.Warn().Err(err).Str("event", STORAGE_RETRY).Int("attempt", attempt).Msg("")
	}
	return p, nil
}

// Partition returns the storage instance owning deviceID.
func (p *Pipeline) Partition(deviceID int64) Persister {
	return p.partitions[uint64(deviceID)%uint64(len(p.partitions))]
}

// Handle runs one frame through the pipeline. Only decoder errors are
// returned; they mean the channel is unusable. Dropped frames and storage
// failures are logged and counted.
func (p *Pipeline) Handle(ctx context.Context, proto string, dec protocol.Decoder, ch conn.Channel, frame []byte) error {
	ctx = event.WithTxID(ctx)
	p.log.Trace().Str("protocol", proto).Str("channel", ch.ID()).Hex("frame", frame).Msg("")

	pos, err := dec.Decode(ctx, ch, frame)
	if err != nil {
		p.metrics.Outcome(proto, metrics.DecodeError)
		p.log.Warn().Err(err).Str("event", DECODE_ERROR).Str("protocol", proto).Str("channel", ch.ID()).Msg("")
		return err
	}
	if pos == nil || pos.DeviceID == 0 {
		p.metrics.Outcome(proto, metrics.Ignored)
		return nil
	}

	now := p.now()
	if pos.Time.IsZero() {
		pos.Time = now.UTC()
	}
	if err := normalize.Validate(pos, now, p.skew); err != nil {
		p.metrics.Outcome(proto, metrics.Invalid)
		p.log.Info().Err(err).Str("event", POSITION_INVALID).EmbedObject(pos).Msg("")
		return nil
	}
	normalize.Fill(pos)

	p.store(ctx, proto, pos)
	return nil
}

// store persists pos on its partition. The write outlives a closed channel
// and is bounded by the data manager timeout.
func (p *Pipeline) store(ctx context.Context, proto string, pos *model.Position) {
	wctx := context.WithoutCancel(ctx)
	start := time.Now()
	id, err := p.Partition(pos.DeviceID).Persist(wctx, pos, p.retry)
	p.metrics.Stored(start, err)
	if err != nil {
		if retry.IsNonRetryable(err) {
			p.metrics.Outcome(proto, metrics.Schema)
			p.log.Error().Err(err).Str("event", SCHEMA_ERROR).EmbedObject(pos).Msg("position discarded")
			return
		}
		p.metrics.Outcome(proto, metrics.Storage)
		p.log.Error().Err(err).Str("event", STORAGE_FAILED).EmbedObject(pos).Msg("position lost")
		return
	}
	if id.Valid {
		pos.ID = id.Int64
	}
	p.metrics.Outcome(proto, metrics.Stored)
	p.log.Debug().Str("event", POSITION_STORED).Int64("id", pos.ID).Str("tx", event.TxID(ctx)).EmbedObject(pos).Msg("")
	p.hub.Emit(ctx, event.PositionStored, pos)
}
