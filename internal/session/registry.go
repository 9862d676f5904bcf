package session

import (
	"context"
	"sort"
	"time"

	"github.com/phuslu/log"
	"github.com/puzpuzpuz/xsync/v2"
	"nuha.dev/gpsgate/internal/conn"
	"nuha.dev/gpsgate/internal/model"
)

const (
	SESSION_OPENED  string = "session_opened"
	SESSION_CLOSED  string = "session_closed"
	SESSION_REBOUND string = "session_rebound"
	UNKNOWN_DEVICE  string = "unknown_device"
)

// DeviceFinder resolves a device identifier. A nil device with a nil error
// means the identifier is not provisioned.
type DeviceFinder interface {
	DeviceByUniqueID(ctx context.Context, uniqueID string) (*model.Device, error)
}

// Hooks are invoked synchronously on registry changes.
type Hooks struct {
	Opened  func(s *DeviceSession)
	Closed  func(s *DeviceSession)
	Unknown func(protocol, uniqueID string)
}

// Registry holds at most one DeviceSession per channel.
type Registry struct {
	log      log.Logger
	finder   DeviceFinder
	sessions *xsync.MapOf[string, *DeviceSession]
	hooks    Hooks
	now      func() time.Time
}

func NewRegistry(finder DeviceFinder, hooks Hooks) *Registry {
	r := &Registry{}
	r.log = log.DefaultLogger
	r.log.Context = log.NewContext(nil).Str("module", "session-registry").Value()
	r.finder = finder
	r.sessions = xsync.NewMapOf[*DeviceSession]()
	r.hooks = hooks
	r.now = time.Now
	return r
}

// DeviceSession returns the session bound to ch, resolving and binding one
// from ids when none exists. Identifiers are tried in order; a miss on all of
// them returns nil without binding. Datagram channels re-resolve when the
// peer reports an identifier other than the bound one.
func (r *Registry) DeviceSession(ctx context.Context, protocol string, ch conn.Channel, ids ...string) (*DeviceSession, error) {
	key := ch.ID()
	now := r.now()
	bound, ok := r.sessions.Load(key)
	if ok && (!ch.Datagram() || len(ids) == 0 || contains(ids, bound.UniqueID)) {
		bound.Touch(now)
		return bound, nil
	}

	for _, id := range ids {
		if id == "" {
			continue
		}
		d, err := r.finder.DeviceByUniqueID(ctx, id)
		if err != nil {
			return nil, err
		}
		if d == nil {
			continue
		}
		s := newDeviceSession(d.ID, d.UniqueID, protocol, ch, now)
		if ok {
			r.sessions.Store(key, s)
			r.log.Info().Str("event", SESSION_REBOUND).EmbedObject(bound).EmbedObject(s).Msg("")
			r.closed(bound)
			r.opened(s)
			return s, nil
		}
		actual, loaded := r.sessions.LoadOrStore(key, s)
		if loaded {
			actual.Touch(now)
			return actual, nil
		}
		r.log.Info().Str("event", SESSION_OPENED).Str("protocol", protocol).EmbedObject(s).Msg("")
		r.opened(s)
		return s, nil
	}

	if ok {
		bound.Touch(now)
		return bound, nil
	}
	for _, id := range ids {
		if id != "" {
			r.log.Warn().Str("event", UNKNOWN_DEVICE).Str("protocol", protocol).Str("imei", id).Str("channel", key).Msg("")
			if r.hooks.Unknown != nil {
				r.hooks.Unknown(protocol, id)
			}
			break
		}
	}
	return nil, nil
}

// Get returns the session bound to ch without resolving anything.
func (r *Registry) Get(ch conn.Channel) *DeviceSession {
	s, ok := r.sessions.Load(ch.ID())
	if !ok {
		return nil
	}
	s.Touch(r.now())
	return s
}

// Release unbinds the session of a closed channel.
func (r *Registry) Release(ch conn.Channel) *DeviceSession {
	s, ok := r.sessions.LoadAndDelete(ch.ID())
	if !ok {
		return nil
	}
	r.log.Info().Str("event", SESSION_CLOSED).EmbedObject(s).Msg("")
	r.closed(s)
	return s
}

// Sweep releases datagram sessions idle for longer than maxIdle. Stream
// sessions end with their connection.
func (r *Registry) Sweep(maxIdle time.Duration) int {
	cutoff := r.now().Add(-maxIdle)
	n := 0
	r.sessions.Range(func(key string, s *DeviceSession) bool {
		if s.Channel.Datagram() && s.LastSeen().Before(cutoff) {
			if _, ok := r.sessions.LoadAndDelete(key); ok {
				r.log.Debug().Str("event", SESSION_CLOSED).Str("reason", "idle").EmbedObject(s).Msg("")
				r.closed(s)
				n++
			}
		}
		return true
	})
	return n
}

// Sessions returns a snapshot ordered by device id.
func (r *Registry) Sessions() []*DeviceSession {
	list := make([]*DeviceSession, 0, r.sessions.Size())
	r.sessions.Range(func(_ string, s *DeviceSession) bool {
		list = append(list, s)
		return true
	})
	sort.Slice(list, func(i, j int) bool {
		if list[i].DeviceID == list[j].DeviceID {
			return list[i].Channel.ID() < list[j].Channel.ID()
		}
		return list[i].DeviceID < list[j].DeviceID
	})
	return list
}

func (r *Registry) Len() int {
	return r.sessions.Size()
}

func (r *Registry) opened(s *DeviceSession) {
	if r.hooks.Opened != nil {
		r.hooks.Opened(s)
	}
}

func (r *Registry) closed(s *DeviceSession) {
	if r.hooks.Closed != nil {
		r.hooks.Closed(s)
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
