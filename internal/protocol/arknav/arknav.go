// Package arknav decodes the Arknav ASCII dialect:
//
//	imei,idcode,status,model,A|V,ddmm.mmmm,N|S,dddmm.mmmm,E|W,knots,course,hdop,hh:mm:ss dd-mm-yy,unit,battery
package arknav

import (
	"context"

	"nuha.dev/gpsgate/internal/conn"
	"nuha.dev/gpsgate/internal/model"
	"nuha.dev/gpsgate/internal/normalize"
	"nuha.dev/gpsgate/internal/parser"
	"nuha.dev/gpsgate/internal/protocol"
)

const Name = "arknav"

var pattern = parser.NewPatternBuilder().
	Number("(d+),").
	Expression(".{6},").
	Number("(x{3}),").
	Expression("(.{4}),").
	Expression("([AV]),").
	Number("(dd)(dd.d+),").
	Expression("([NS]),").
	Number("(ddd)(dd.d+),").
	Expression("([EW]),").
	Number("(d+.?d*),").
	Number("(d+.?d*),").
	Number("(d+.?d*),").
	Number("(dd):(dd):(dd) ").
	Number("(dd)-(dd)-(dd),").
	Expression(".{4},").
	Expression("(..)").
	Any().
	MustCompile()

// PT33 status bits.
var pt33Alarms = []normalize.AlarmRule{
	{Mask: 0x100, Alarm: model.AlarmLowBattery},
	{Mask: 0x200, Alarm: model.AlarmMovement},
	{Mask: 0x400, Alarm: model.AlarmGeofenceExit},
	{Mask: 0x010, Alarm: model.AlarmSOS},
	{Mask: 0x001, Alarm: model.AlarmOverspeed},
}

func Protocol() protocol.Protocol {
	return protocol.Protocol{
		Name:       Name,
		NewFramer:  func() protocol.Framer { return &protocol.DelimiterFramer{Delim: '\n', Max: 512} },
		NewDecoder: func(b *protocol.Base) protocol.Decoder { return &Decoder{b} },
	}
}

type Decoder struct {
	*protocol.Base
}

func (d *Decoder) Decode(ctx context.Context, ch conn.Channel, msg []byte) (*model.Position, error) {
	p := parser.NewParser(pattern, string(msg))
	if !p.Matches() {
		d.Log.Debug().Str("channel", ch.ID()).Bytes("frame", msg).Msg("unparseable frame")
		return nil, nil
	}

	s, err := d.DeviceSession(ctx, ch, p.Next())
	if err != nil || s == nil {
		return nil, err
	}

	pos := d.NewPosition(s)
	status := p.NextHexLong()
	unitModel := p.Next()
	pos.Set(model.KeyModel, unitModel)
	pos.Valid = p.Next() == "A"
	pos.Latitude = p.NextCoordinate()
	pos.Longitude = p.NextCoordinate()
	pos.Speed = normalize.KnotsToKph(p.NextDouble(0))
	pos.Course = p.NextDouble(0)
	pos.Set(model.KeyHDOP, p.NextDouble(0))
	pos.Time = p.NextDateTime(parser.HMS_DMY)

	if unitModel == "PT33" {
		pos.Set(model.KeyBatteryLevel, p.NextInt(0))
		normalize.ApplyAlarms(pos, status, pt33Alarms)
	}
	return pos, nil
}
