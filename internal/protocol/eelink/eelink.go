// Package eelink decodes the Eelink binary dialect. Every frame starts with
// 0x6767, a type byte, a two byte length covering the rest of the frame and
// a two byte sequence index. Over UDP each frame is wrapped in an "EL" header
// that carries the device IMEI.
package eelink

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"nuha.dev/gpsgate/internal/conn"
	"nuha.dev/gpsgate/internal/model"
	"nuha.dev/gpsgate/internal/parser"
	"nuha.dev/gpsgate/internal/protocol"
	"nuha.dev/gpsgate/internal/session"
	"nuha.dev/gpsgate/internal/util/crc16"
)

const Name = "eelink"

const (
	msgLogin     = 0x01
	msgGPS       = 0x02
	msgHeartbeat = 0x03
	msgAlarm     = 0x04
	msgState     = 0x05
	msgSMS       = 0x06
	msgOBD       = 0x07
	msgNormal    = 0x12
	msgWarning   = 0x14
	msgReport    = 0x15
	msgDownlink  = 0x80
)

const (
	frameMagic  = 0x6767
	coordScale  = 1800000.0
	udpHeadSize = 14
)

var udpMagic = []byte("EL")

var alarms = map[uint8]string{
	0x01: model.AlarmPowerOff,
	0x02: model.AlarmSOS,
	0x03: model.AlarmLowBattery,
	0x04: model.AlarmVibration,
	0x08: model.AlarmGPSAntennaCut,
	0x09: model.AlarmGPSAntennaCut,
	0x25: model.AlarmRemoving,
	0x81: model.AlarmLowSpeed,
	0x82: model.AlarmOverspeed,
	0x83: model.AlarmGeofenceEnter,
	0x84: model.AlarmGeofenceExit,
	0x85: model.AlarmAccident,
	0x86: model.AlarmFallDown,
}

// fix reported in plain text inside a downlink result.
var resultPattern = parser.NewPatternBuilder().
	Text("Lat:").
	Expression("([NS])").
	Number("(d+.d+)").
	Expression("[\n,]").
	Text("Lon:").
	Expression("([EW])").
	Number("(d+.d+)").
	Expression("[\n,]").
	Text("Course:").
	Number("(d+.d+)").
	Expression("[\n,]").
	Text("Speed:").
	Number("(d+.d+)").
	Text("KM/H").
	Expression("[\n,]").
	Expression("Date ?Time:").
	Number("(dddd)-(dd)-(dd) ").
	Number("(dd):(dd):(dd)").
	Any().
	MustCompile()

func Protocol() protocol.Protocol {
	return protocol.Protocol{
		Name: Name,
		NewFramer: func() protocol.Framer {
			return &protocol.LengthFramer{Magic: []byte{0x67, 0x67}, Offset: 3, Size: 2, Adjust: 5, Max: 4096}
		},
		NewDecoder: func(b *protocol.Base) protocol.Decoder { return &Decoder{b} },
		Datagram:   true,
	}
}

type Decoder struct {
	*protocol.Base
}

func (d *Decoder) Decode(ctx context.Context, ch conn.Channel, msg []byte) (*model.Position, error) {
	c := parser.NewCursor(msg)

	var s *session.DeviceSession
	var err error
	if bytes.HasPrefix(msg, udpMagic) {
		c.Skip(6)
		imei := imeiOf(c.Bytes(8))
		if c.Err() != nil {
			return nil, nil
		}
		if s, err = d.DeviceSession(ctx, ch, imei); err != nil || s == nil {
			return nil, err
		}
	}

	if c.Uint16() != frameMagic {
		d.Log.Debug().Str("channel", ch.ID()).Hex("frame", msg).Msg("bad magic")
		return nil, nil
	}
	typ := c.Uint8()
	length := int(c.Uint16())
	if c.Err() != nil || length < 2 || length > c.Len() {
		d.Log.Debug().Str("channel", ch.ID()).Hex("frame", msg).Msg("bad length")
		return nil, nil
	}
	body := c.Sub(length)
	index := body.Uint16()

	if typ == msgLogin {
		if s == nil {
			if s, err = d.DeviceSession(ctx, ch, imeiOf(body.Bytes(8))); err != nil || s == nil {
				return nil, err
			}
		}
		return nil, d.ack(ch, s, typ, index)
	}

	if s == nil {
		if s, err = d.DeviceSession(ctx, ch); err != nil || s == nil {
			return nil, err
		}
	}

	var pos *model.Position
	switch typ {
	case msgHeartbeat:
		return nil, d.ack(ch, s, typ, index)
	case msgGPS, msgAlarm, msgState, msgSMS:
		if err := d.ack(ch, s, typ, index); err != nil {
			return nil, err
		}
		pos = d.decodeOld(s, body, typ, index)
	case msgNormal, msgWarning, msgReport:
		if err := d.ack(ch, s, typ, index); err != nil {
			return nil, err
		}
		pos = d.decodeNew(s, body, typ, index)
	case msgOBD:
		pos = d.decodeOBD(s, body)
	case msgDownlink:
		pos = d.decodeResult(s, body)
	default:
		d.Log.Debug().Str("channel", ch.ID()).Uint8("type", typ).Msg("unsupported type")
		return nil, nil
	}
	if body.Err() != nil {
		d.Log.Debug().Str("channel", ch.ID()).Hex("frame", msg).Msg("truncated frame")
		return nil, nil
	}
	return pos, nil
}

func (d *Decoder) ack(ch conn.Channel, s *session.DeviceSession, typ uint8, index uint16) error {
	return d.Reply(ch, Encode(ch.Datagram(), s.UniqueID, typ, index, nil))
}

// Encode builds an outbound frame. Datagram frames are wrapped in the EL
// header with an X.25 checksum over everything after the checksum field.
func Encode(datagram bool, imei string, typ uint8, index uint16, content []byte) []byte {
	frame := make([]byte, 0, 7+len(content))
	frame = binary.BigEndian.AppendUint16(frame, frameMagic)
	frame = append(frame, typ)
	frame = binary.BigEndian.AppendUint16(frame, uint16(2+len(content)))
	frame = binary.BigEndian.AppendUint16(frame, index)
	frame = append(frame, content...)
	if !datagram {
		return frame
	}

	id := make([]byte, 8)
	if raw, err := hex.DecodeString(fmt.Sprintf("%016s", imei)); err == nil && len(raw) == 8 {
		copy(id, raw)
	}
	out := make([]byte, 0, udpHeadSize+len(frame))
	out = append(out, udpMagic...)
	out = binary.BigEndian.AppendUint16(out, uint16(2+len(id)+len(frame)))
	out = append(out, 0, 0)
	out = append(out, id...)
	out = append(out, frame...)
	binary.BigEndian.PutUint16(out[4:], crc16.Checksum(crc16.X25, out[6:]))
	return out
}

func imeiOf(b []byte) string {
	if len(b) != 8 {
		return ""
	}
	return hex.EncodeToString(b)[1:]
}

func decodeStatus(pos *model.Position, status uint16) {
	v := uint64(status)
	if parser.Check(v, 1) {
		pos.Set(model.KeyIgnition, parser.Check(v, 2))
	}
	if parser.Check(v, 3) {
		pos.Set(model.KeyArmed, parser.Check(v, 4))
	}
	if parser.Check(v, 5) {
		pos.Set(model.KeyBlocked, !parser.Check(v, 6))
	}
	if parser.Check(v, 7) {
		pos.Set(model.KeyCharge, parser.Check(v, 8))
	}
	pos.Set(model.KeyStatus, int(status))
}

func unixTime(v uint32) time.Time {
	return time.Unix(int64(v), 0).UTC()
}

func (d *Decoder) decodeOld(s *session.DeviceSession, body *parser.Cursor, typ uint8, index uint16) *model.Position {
	pos := d.NewPosition(s)
	pos.Set(model.KeyIndex, int(index))
	pos.Time = unixTime(body.Uint32())
	pos.Latitude = float64(body.Int32()) / coordScale
	pos.Longitude = float64(body.Int32()) / coordScale
	pos.Speed = float64(body.Uint8())
	pos.Course = float64(body.Uint16())
	pos.Set(model.KeyMCC, int(body.Uint16()))
	pos.Set(model.KeyMNC, int(body.Uint16()))
	pos.Set(model.KeyLAC, int(body.Uint16()))
	pos.Set(model.KeyCID, int(body.Uint24()))
	pos.Valid = body.Uint8()&0x01 != 0

	switch typ {
	case msgGPS:
		if body.Len() >= 2 {
			decodeStatus(pos, body.Uint16())
		}
		if body.Len() >= 8 {
			pos.Set(model.KeyBattery, float64(body.Uint16())*0.001)
			pos.Set(model.KeyRSSI, int(body.Uint16()))
			pos.Set(model.KeyADC1, int(body.Uint16()))
			pos.Set(model.KeyADC2, int(body.Uint16()))
		}
	case msgAlarm:
		if alarm, ok := alarms[body.Uint8()]; ok {
			pos.AddAlarm(alarm)
		}
	case msgState:
		event := body.Uint8()
		pos.Set(model.KeyEvent, int(event))
		if event >= 1 && event <= 3 && body.Len() >= 6 {
			body.Skip(4)
			decodeStatus(pos, body.Uint16())
		}
	case msgSMS:
		pos.Set(model.KeyPhone, parser.Trim(body.Bytes(21)))
		pos.Set(model.KeyMessage, string(body.Rest()))
	}
	return pos
}

func (d *Decoder) decodeNew(s *session.DeviceSession, body *parser.Cursor, typ uint8, index uint16) *model.Position {
	pos := d.NewPosition(s)
	pos.Set(model.KeyIndex, int(index))
	pos.Time = unixTime(body.Uint32())

	flags := uint64(body.Uint8())
	if parser.Check(flags, 0) {
		pos.Latitude = float64(body.Int32()) / coordScale
		pos.Longitude = float64(body.Int32()) / coordScale
		pos.Altitude = float64(body.Int16())
		pos.Speed = float64(body.Uint16())
		pos.Course = float64(body.Uint16())
		pos.Set(model.KeySatellites, int(body.Uint8()))
	}
	if parser.Check(flags, 1) {
		pos.Set(model.KeyMCC, int(body.Uint16()))
		pos.Set(model.KeyMNC, int(body.Uint16()))
		pos.Set(model.KeyLAC, int(body.Uint16()))
		pos.Set(model.KeyCID, int64(body.Uint32()))
		pos.Set(model.KeyRSSI, int(body.Uint8()))
	}
	// second cell, wifi and bluetooth blocks
	for i := uint(2); i <= 6; i++ {
		if parser.Check(flags, i) {
			body.Skip(7)
		}
	}

	switch typ {
	case msgWarning:
		if alarm, ok := alarms[body.Uint8()]; ok {
			pos.AddAlarm(alarm)
		}
	case msgReport:
		pos.Set(model.KeyEvent, int(body.Uint8()))
	}

	status := body.Uint16()
	pos.Valid = parser.Check(uint64(status), 0)
	if parser.Check(uint64(status), 1) {
		pos.Set(model.KeyIgnition, parser.Check(uint64(status), 2))
	}
	pos.Set(model.KeyStatus, int(status))

	if typ != msgNormal {
		return pos
	}
	if body.Len() >= 2 {
		pos.Set(model.KeyPower, float64(body.Uint16())*0.001)
	}
	if body.Len() >= 2 {
		pos.Set(model.KeyBattery, float64(body.Uint16())*0.001)
	}
	if body.Len() >= 4 {
		pos.Set(model.KeyOdometer, int64(body.Uint32()))
	}
	if body.Len() >= 4 {
		body.Skip(4) // gsm and gps counters
	}
	if body.Len() >= 4 {
		pos.Set(model.KeySteps, int(body.Uint16()))
		body.Skip(2)
	}
	if body.Len() >= 2 {
		pos.Set(model.KeyADC1, int(body.Uint16()))
	}
	if body.Len() >= 12 {
		pos.Set(model.KeyTemp1, float64(body.Uint16())/256)
		pos.Set(model.KeyHumidity, float64(body.Uint16())*0.1)
		pos.Set(model.KeyIlluminance, float64(body.Uint32())/256)
		pos.Set(model.KeyCO2, int64(body.Uint32()))
	}
	if body.Len() >= 2 {
		pos.Set(model.KeyTemp2, float64(body.Int16())/16)
	}
	return pos
}

func (d *Decoder) decodeOBD(s *session.DeviceSession, body *parser.Cursor) *model.Position {
	pos := d.NewPosition(s)
	pos.Time = unixTime(body.Uint32())
	for body.Len() >= 5 {
		pid := body.Uint8()
		raw := body.Bytes(4)
		value := int64(binary.BigEndian.Uint32(raw))
		a, b := float64(raw[0]), float64(raw[1])
		switch pid {
		case 0x04:
			pos.Set(model.KeyEngineLoad, a*100/255)
		case 0x05:
			pos.Set(model.KeyCoolantTemp, a-40)
		case 0x0c:
			pos.Set(model.KeyRPM, (a*256+b)/4)
		case 0x0d:
			pos.Set(model.KeyOBDSpeed, a)
		case 0x0f:
			pos.Set(model.KeyIntakeTemp, a-40)
		case 0x10:
			pos.Set(model.KeyMAF, (a*256+b)/100)
		case 0x11:
			pos.Set(model.KeyThrottle, a*100/255)
		case 0x1f:
			pos.Set(model.KeyEngineHours, a*256+b)
		case 0x89:
			pos.Set(model.KeyFuelUsed, value)
		case 0x8a:
			pos.Set(model.KeyOdometer, value)
		case 0x8b:
			pos.Set(model.KeyFuelLevel, value)
		default:
			pos.Set(fmt.Sprintf("pid%02x", pid), value)
		}
	}
	return pos
}

func (d *Decoder) decodeResult(s *session.DeviceSession, body *parser.Cursor) *model.Position {
	pos := d.NewPosition(s)
	body.Skip(1) // downlink type
	body.Skip(4) // server uid
	text := string(body.Rest())
	pos.Set(model.KeyResult, text)

	p := parser.NewParser(resultPattern, text)
	if !p.Matches() {
		return pos
	}
	hemi := p.Next()
	pos.Latitude = p.NextDouble(0)
	if hemi == "S" {
		pos.Latitude = -pos.Latitude
	}
	hemi = p.Next()
	pos.Longitude = p.NextDouble(0)
	if strings.EqualFold(hemi, "W") {
		pos.Longitude = -pos.Longitude
	}
	pos.Course = p.NextDouble(0)
	pos.Speed = p.NextDouble(0)
	pos.Time = p.NextDateTime(parser.YMD_HMS)
	pos.Valid = true
	return pos
}
