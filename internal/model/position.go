package model

import (
	"time"

	"github.com/phuslu/log"
)

// Device is a provisioned tracker. Devices are created out of band and are
// read-only for the server.
type Device struct {
	ID       int64  `json:"id"`
	UniqueID string `json:"uniqueId"`
}

// Position is a decoded fix. Speed is km/h, course degrees, altitude metres.
// ID and DeviceID are zero until assigned.
type Position struct {
	ID         int64                  `json:"id,omitempty"`
	DeviceID   int64                  `json:"deviceId"`
	Protocol   string                 `json:"protocol"`
	Time       time.Time              `json:"fixTime"`
	Valid      bool                   `json:"valid"`
	Latitude   float64                `json:"latitude"`
	Longitude  float64                `json:"longitude"`
	Altitude   float64                `json:"altitude"`
	Speed      float64                `json:"speed"`
	Course     float64                `json:"course"`
	Attributes map[string]interface{} `json:"attributes"`
	Alarms     []string               `json:"alarms,omitempty"`
}

func NewPosition(protocol string, deviceID int64) *Position {
	return &Position{Protocol: protocol, DeviceID: deviceID, Attributes: make(map[string]interface{})}
}

func (p *Position) Set(key string, v interface{}) {
	if p.Attributes == nil {
		p.Attributes = make(map[string]interface{})
	}
	p.Attributes[key] = v
}

func (p *Position) Get(key string) (interface{}, bool) {
	v, ok := p.Attributes[key]
	return v, ok
}

// AddAlarm adds tag once; the alarm list behaves as an ordered set.
func (p *Position) AddAlarm(tag string) {
	if tag == "" || p.HasAlarm(tag) {
		return
	}
	p.Alarms = append(p.Alarms, tag)
}

func (p *Position) HasAlarm(tag string) bool {
	for _, a := range p.Alarms {
		if a == tag {
			return true
		}
	}
	return false
}

func (p *Position) MarshalObject(e *log.Entry) {
	e.Int64("device_id", p.DeviceID).Str("protocol", p.Protocol).Time("fix_time", p.Time).
		Bool("valid", p.Valid).Float64("lat", p.Latitude).Float64("lon", p.Longitude)
}
