// Package h02 decodes the ASCII H02 dialect:
//
//	*HQ,imei,V1,hhmmss,A,ddmm.mmmm,N,dddmm.mmmm,E,knots,course,ddmmyy,status#
//
// Status words are active low.
package h02

import (
	"context"
	"strings"

	"nuha.dev/gpsgate/internal/conn"
	"nuha.dev/gpsgate/internal/model"
	"nuha.dev/gpsgate/internal/normalize"
	"nuha.dev/gpsgate/internal/parser"
	"nuha.dev/gpsgate/internal/protocol"
)

const Name = "h02"

var pattern = parser.NewPatternBuilder().
	Text("*").
	Expression("[A-Z]{2},").
	Number("(d+),").
	Expression("V1,").
	Number("(dd)(dd)(dd),").
	Expression("([AV]),").
	Number("(d+)(dd.d+),").
	Expression("([NS]),").
	Number("(d+)(dd.d+),").
	Expression("([EW]),").
	Number("(d+.?d*),").
	Number("(d+.?d*),").
	Number("(dd)(dd)(dd),").
	Number("(x{8})").
	Any().
	MustCompile()

var heartbeat = parser.NewPatternBuilder().
	Text("*").
	Expression("[A-Z]{2},").
	Number("(d+),").
	Expression("(?:HTBT|LINK|XT)").
	Any().
	MustCompile()

var statusAlarms = []normalize.AlarmRule{
	{Mask: 1 << 0, Alarm: model.AlarmVibration, Inverted: true},
	{Mask: 1 << 1, Alarm: model.AlarmSOS, Inverted: true},
	{Mask: 1 << 2, Alarm: model.AlarmOverspeed, Inverted: true},
	{Mask: 1 << 3, Alarm: model.AlarmGeofenceExit, Inverted: true},
	{Mask: 1 << 19, Alarm: model.AlarmPowerCut, Inverted: true},
}

func Protocol() protocol.Protocol {
	return protocol.Protocol{
		Name:       Name,
		NewFramer:  func() protocol.Framer { return &protocol.DelimiterFramer{Delim: '#', Keep: true, Max: 512} },
		NewDecoder: func(b *protocol.Base) protocol.Decoder { return &Decoder{b} },
	}
}

type Decoder struct {
	*protocol.Base
}

func (d *Decoder) Decode(ctx context.Context, ch conn.Channel, msg []byte) (*model.Position, error) {
	text := strings.TrimSpace(string(msg))

	if hb := parser.NewParser(heartbeat, text); hb.Matches() {
		_, err := d.DeviceSession(ctx, ch, hb.Next())
		return nil, err
	}

	p := parser.NewParser(pattern, text)
	if !p.Matches() {
		d.Log.Debug().Str("channel", ch.ID()).Str("frame", text).Msg("unparseable frame")
		return nil, nil
	}

	s, err := d.DeviceSession(ctx, ch, p.Next())
	if err != nil || s == nil {
		return nil, err
	}

	pos := d.NewPosition(s)
	hour, minute, second := p.NextInt(0), p.NextInt(0), p.NextInt(0)
	pos.Valid = p.Next() == "A"
	pos.Latitude = p.NextCoordinate()
	pos.Longitude = p.NextCoordinate()
	pos.Speed = normalize.KnotsToKph(p.NextDouble(0))
	pos.Course = p.NextDouble(0)
	day, month, year := p.NextInt(0), p.NextInt(0), p.NextInt(0)
	pos.Time = parser.DateTime(year, month, day, hour, minute, second)

	status := p.NextHexLong()
	pos.Set(model.KeyStatus, int64(status))
	pos.Set(model.KeyIgnition, !parser.Check(status, 10))
	normalize.ApplyAlarms(pos, status, statusAlarms)
	return pos, nil
}
