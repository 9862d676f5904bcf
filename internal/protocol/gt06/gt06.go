// Package gt06 decodes the Concox GT06 binary dialect and its GK310
// variant.
package gt06

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/gpsgate/internal/conn"
	"nuha.dev/gpsgate/internal/model"
	"nuha.dev/gpsgate/internal/protocol"
	"nuha.dev/gpsgate/internal/session"
)

const Name = "gt06"

const (
	Login                 byte = 0x01
	GT06GPS               byte = 0x12
	StatusInformation     byte = 0x13
	StringInformation     byte = 0x15
	GT06GPSAlarm          byte = 0x16
	ServerCommandResponse byte = 0x21
	GK310GPS              byte = 0x22
	GK310GPSAlarm         byte = 0x26
	ServerCommand         byte = 0x80
	TimeCheck             byte = 0x8A
	InformationTxPacket   byte = 0x94
)

// session state key holding the login time offset
const offsetKey = "gt06.offset"

var alarms = map[int]string{
	0x01: model.AlarmSOS,
	0x02: model.AlarmPowerCut,
	0x03: model.AlarmVibration,
	0x04: model.AlarmGeofenceEnter,
	0x05: model.AlarmGeofenceExit,
	0x06: model.AlarmOverspeed,
	0x09: model.AlarmMovement,
	0x0E: model.AlarmLowPower,
}

func Protocol() protocol.Protocol {
	return protocol.Protocol{
		Name:      Name,
		NewFramer: func() protocol.Framer { return protocol.FramerFunc(readFrame) },
		NewDecoder: func(b *protocol.Base) protocol.Decoder {
			return &Decoder{Base: b, now: time.Now}
		},
	}
}

type Decoder struct {
	*protocol.Base
	now func() time.Time
}

type statusInfo struct {
	Arm        bool
	ACC        bool
	EngineDisc bool
	Charging   bool
	GPS        bool
	AlarmCode  int
	Voltage    int
	GSMSignal  int
	Language   int
}

func (s *statusInfo) MarshalObject(e *log.Entry) {
	e.Bool("acc", s.ACC).Int("voltage", s.Voltage).Int("signal", s.GSMSignal).Bool("engine_disc", s.EngineDisc).Bool("charging", s.Charging)
}

func (d *Decoder) Decode(ctx context.Context, ch conn.Channel, frame []byte) (*model.Position, error) {
	var msg message
	if !parseFrame(frame, &msg) {
		d.Log.Debug().Str("channel", ch.ID()).Hex("frame", frame).Msg("bad frame")
		return nil, nil
	}
	procode := strconv.FormatUint(uint64(msg.Protocol), 16)
	d.Log.Trace().Str("channel", ch.ID()).Str("procode", procode).Hex("payload", msg.Payload).Int("serial", msg.Serial).Msg("receive message from terminal")

	if msg.Protocol == Login {
		return nil, d.login(ctx, ch, &msg)
	}

	s, err := d.DeviceSession(ctx, ch)
	if err != nil || s == nil {
		return nil, err
	}

	switch msg.Protocol {
	case TimeCheck:
		t := d.now().UTC()
		payload := []byte{byte(t.Year() % 100), byte(t.Month()), byte(t.Day()), byte(t.Hour()), byte(t.Minute()), byte(t.Second())}
		return nil, d.Reply(ch, NewFrame(TimeCheck, payload, msg.Serial))

	case StatusInformation:
		if len(msg.Payload) < 5 {
			return nil, nil
		}
		st := parseStatusInformation(msg.Payload)
		d.Log.Trace().Str("channel", ch.ID()).Object("status", &st).Msg("heartbeat")
		return nil, d.Reply(ch, NewFrame(StatusInformation, nil, msg.Serial))

	case GT06GPS, GK310GPS:
		if len(msg.Payload) < 26 {
			return nil, nil
		}
		pos := d.NewPosition(s)
		parseGPSPart(msg.Payload, d.location(s, msg.Protocol), pos)
		parseLBSPart(msg.Payload[18:], pos)
		if msg.Protocol == GK310GPS && len(msg.Payload) > 26 {
			pos.Set(model.KeyIgnition, msg.Payload[26] != 0)
			if len(msg.Payload) > 27 {
				pos.Set(model.KeyEvent, int(msg.Payload[27]))
			}
		}
		return pos, nil

	case GT06GPSAlarm, GK310GPSAlarm:
		if len(msg.Payload) < 32 {
			return nil, nil
		}
		if err := d.Reply(ch, NewFrame(msg.Protocol, nil, msg.Serial)); err != nil {
			return nil, err
		}
		pos := d.NewPosition(s)
		parseGPSPart(msg.Payload, d.location(s, msg.Protocol), pos)
		parseLBSPart(msg.Payload[19:], pos)
		st := parseStatusInformation(msg.Payload[27:])
		applyStatus(pos, &st)
		if alarm, ok := alarms[st.AlarmCode]; ok {
			pos.AddAlarm(alarm)
		}
		return pos, nil

	case StringInformation, ServerCommandResponse:
		res, ok := parseCommandResponse(msg.Protocol, msg.Payload)
		if !ok {
			return nil, nil
		}
		d.Log.Info().Str("channel", ch.ID()).Uint32("server_flag", res.ServerFlag).Str("message", res.Message).Msg("command response")
		pos := d.NewPosition(s)
		pos.Set(model.KeyResult, res.Message)
		return pos, nil

	case InformationTxPacket:
		if len(msg.Payload) > 0 {
			d.Log.Trace().Str("channel", ch.ID()).Str("subprocode", strconv.FormatUint(uint64(msg.Payload[0]), 16)).Hex("data", msg.Payload[1:]).Msg("information packet")
		}
		return nil, nil
	}

	d.Log.Debug().Str("channel", ch.ID()).Str("procode", procode).Hex("data", msg.Payload).Msg("unhandled protocol")
	return nil, nil
}

func (d *Decoder) login(ctx context.Context, ch conn.Channel, msg *message) error {
	if len(msg.Payload) < 8 {
		return nil
	}
	lm := ParseLoginMessage(msg.Payload)
	s, err := d.DeviceSession(ctx, ch, lm.SN[1:], lm.SN)
	if err != nil || s == nil {
		return err
	}
	if lm.HasTimeOffset {
		s.Set(offsetKey, lm.TimeOffset)
	}
	return d.Reply(ch, NewFrame(Login, nil, msg.Serial))
}

// location returns the zone of the fix time. GK310 units report UTC, GT06
// units report local time at the offset announced on login.
func (d *Decoder) location(s *session.DeviceSession, proto byte) *time.Location {
	if proto == GK310GPS || proto == GK310GPSAlarm {
		return time.UTC
	}
	if v, ok := s.Get(offsetKey); ok {
		offset := v.(time.Duration)
		return time.FixedZone("", int(offset/time.Second))
	}
	return time.UTC
}

type LoginMessage struct {
	SN            string
	TimeOffset    time.Duration
	HasTimeOffset bool
	TypeID        [2]byte
}

func ParseLoginMessage(d []byte) LoginMessage {
	m := LoginMessage{}
	m.SN = hex.EncodeToString(d[:8])
	if len(d) >= 10 {
		copy(m.TypeID[:], d[8:10])
	}
	if len(d) >= 12 {
		m.HasTimeOffset = true
		bcdOffset := (uint16(d[10]) << 4) + (uint16(d[11]) >> 4)
		hOffset := bcdOffset / 100
		mOffset := bcdOffset % 100
		m.TimeOffset = time.Duration(hOffset)*time.Hour + time.Duration(mOffset)*time.Minute
		if d[11]&0b00001000 != 0 {
			m.TimeOffset = -m.TimeOffset
		}
	}
	return m
}

func parseStatusInformation(d []byte) statusInfo {
	m := statusInfo{}
	m.EngineDisc = d[0]&0b10000000 != 0
	m.GPS = d[0]&0b01000000 != 0
	m.Charging = d[0]&0b00000100 != 0
	m.ACC = d[0]&0b00000010 != 0
	m.Arm = d[0]&0b00000001 != 0
	m.Voltage = int(d[1])
	m.GSMSignal = int(d[2])
	m.AlarmCode = int(d[3])
	m.Language = int(d[4])
	return m
}

func applyStatus(pos *model.Position, st *statusInfo) {
	pos.Set(model.KeyIgnition, st.ACC)
	pos.Set(model.KeyArmed, st.Arm)
	pos.Set(model.KeyBlocked, st.EngineDisc)
	pos.Set(model.KeyCharge, st.Charging)
	pos.Set(model.KeyBatteryLevel, st.Voltage*100/6)
	pos.Set(model.KeyRSSI, st.GSMSignal)
}

func parseGPSPart(d []byte, l *time.Location, pos *model.Position) {
	pos.Time = time.Date(int(d[0])+2000, time.Month(d[1]), int(d[2]), int(d[3]), int(d[4]), int(d[5]), 0, l).UTC()
	pos.Set(model.KeySatellites, int(d[6]&0x0F))
	lat := float64(binary.BigEndian.Uint32(d[7:11])) / 1800000
	lon := float64(binary.BigEndian.Uint32(d[11:15])) / 1800000
	pos.Speed = float64(d[15])
	isNorth := d[16]&0b00000100 != 0
	isWest := d[16]&0b00001000 != 0
	if isNorth {
		pos.Latitude = lat
	} else {
		pos.Latitude = -lat
	}
	if isWest {
		pos.Longitude = -lon
	} else {
		pos.Longitude = lon
	}
	pos.Valid = d[16]&0b00010000 != 0
	pos.Course = float64(binary.BigEndian.Uint16([]byte{d[16] & 0b00000011, d[17]}))
}

func parseLBSPart(d []byte, pos *model.Position) {
	pos.Set(model.KeyMCC, int(binary.BigEndian.Uint16(d[0:2])))
	pos.Set(model.KeyMNC, int(d[2]))
	pos.Set(model.KeyLAC, int(binary.BigEndian.Uint16(d[3:5])))
	pos.Set(model.KeyCID, int(d[5])<<16|int(d[6])<<8|int(d[7]))
}

type CommandResponse struct {
	ServerFlag uint32
	Message    string
}

// 0x15 carries length, flag, text and a two byte language trailer. 0x21
// carries flag, encoding and text.
func parseCommandResponse(proto byte, d []byte) (CommandResponse, bool) {
	m := CommandResponse{}
	if proto == StringInformation {
		if len(d) < 7 {
			return m, false
		}
		m.ServerFlag = binary.BigEndian.Uint32(d[1:5])
		m.Message = string(d[5 : len(d)-2])
		return m, true
	}
	if len(d) < 5 {
		return m, false
	}
	m.ServerFlag = binary.BigEndian.Uint32(d[:4])
	m.Message = string(d[5:])
	return m, true
}
