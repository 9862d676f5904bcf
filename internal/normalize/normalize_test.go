package normalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nuha.dev/gpsgate/internal/model"
)

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func position(lat, lon, speed, course float64) *model.Position {
	p := model.NewPosition("test", 1)
	p.Time = now
	p.Valid = true
	p.Latitude, p.Longitude, p.Speed, p.Course = lat, lon, speed, course
	return p
}

func TestKnots(t *testing.T) {
	assert.InDelta(t, 18.52, KnotsToKph(10), 1e-9)
	assert.InDelta(t, 10, KphToKnots(18.52), 1e-9)
	assert.InDelta(t, 36, MpsToKph(10), 1e-9)
}

func TestValidateRanges(t *testing.T) {
	cases := []struct {
		name string
		p    *model.Position
		err  error
	}{
		{"ok", position(55.6, 37.5, 18.52, 90), nil},
		{"edge", position(-90, 180, 1000, 0), nil},
		{"lat", position(90.1, 0, 0, 0), ErrLatitude},
		{"lon", position(0, -180.5, 0, 0), ErrLongitude},
		{"speed negative", position(0, 0, -1, 0), ErrSpeed},
		{"speed high", position(0, 0, 1000.5, 0), ErrSpeed},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := Validate(c.p, now, 0)
			if c.err == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, c.err)
			}
		})
	}
}

func TestValidateFoldsCourse(t *testing.T) {
	p := position(0, 0, 0, 360)
	require.NoError(t, Validate(p, now, 0))
	assert.Equal(t, 0.0, p.Course)

	p = position(0, 0, 0, -90)
	require.NoError(t, Validate(p, now, 0))
	assert.Equal(t, 270.0, p.Course)
}

func TestValidateFutureFix(t *testing.T) {
	p := position(0, 0, 0, 0)
	p.Time = now.Add(4 * time.Minute)
	assert.NoError(t, Validate(p, now, 0))

	p.Time = now.Add(6 * time.Minute)
	assert.ErrorIs(t, Validate(p, now, 0), ErrFutureFix)
	assert.NoError(t, Validate(p, now, 10*time.Minute))
}

func TestApplyAlarms(t *testing.T) {
	rules := []AlarmRule{
		{Mask: 0x100, Alarm: model.AlarmLowBattery},
		{Mask: 0x010, Alarm: model.AlarmSOS},
		{Mask: 0x001, Alarm: model.AlarmVibration, Inverted: true},
	}
	p := model.NewPosition("test", 1)
	ApplyAlarms(p, 0x110, rules)
	assert.Equal(t, []string{model.AlarmLowBattery, model.AlarmSOS, model.AlarmVibration}, p.Alarms)

	p = model.NewPosition("test", 1)
	ApplyAlarms(p, 0x001, rules)
	assert.Empty(t, p.Alarms)
}

func TestFillMotion(t *testing.T) {
	p := position(0, 0, 20, 0)
	Fill(p)
	assert.Equal(t, true, p.Attributes[model.KeyMotion])

	p = position(0, 0, 0.5, 0)
	Fill(p)
	assert.Equal(t, false, p.Attributes[model.KeyMotion])

	p = position(0, 0, 20, 0)
	p.Valid = false
	Fill(p)
	_, ok := p.Attributes[model.KeyMotion]
	assert.False(t, ok)
}
