package session

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/gpsgate/internal/conn"
)

// DeviceSession binds a channel to a provisioned device. Dialect state that
// must survive between frames (time offsets, login flags) lives in the
// session, never in the decoder.
type DeviceSession struct {
	DeviceID   int64
	UniqueID   string
	Protocol   string
	Channel    conn.Channel
	RemoteAddr net.Addr
	Created    time.Time

	lastSeen int64
	mu       sync.Mutex
	state    map[string]interface{}
}

func newDeviceSession(deviceID int64, uniqueID, protocol string, ch conn.Channel, now time.Time) *DeviceSession {
	s := &DeviceSession{
		DeviceID:   deviceID,
		UniqueID:   uniqueID,
		Protocol:   protocol,
		Channel:    ch,
		RemoteAddr: ch.RemoteAddr(),
		Created:    now,
	}
	s.Touch(now)
	return s
}

func (s *DeviceSession) Set(key string, v interface{}) {
	s.mu.Lock()
	if s.state == nil {
		s.state = make(map[string]interface{})
	}
	s.state[key] = v
	s.mu.Unlock()
}

func (s *DeviceSession) Get(key string) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.state[key]
	return v, ok
}

func (s *DeviceSession) Touch(t time.Time) {
	atomic.StoreInt64(&s.lastSeen, t.UnixNano())
}

func (s *DeviceSession) LastSeen() time.Time {
	return time.Unix(0, atomic.LoadInt64(&s.lastSeen)).UTC()
}

func (s *DeviceSession) MarshalObject(e *log.Entry) {
	e.Int64("device_id", s.DeviceID).Str("imei", s.UniqueID).Str("channel", s.Channel.ID())
}
