// Package normalize holds the unit conversions, status-bit alarm rules and
// range checks shared by every dialect.
package normalize

import (
	"errors"
	"fmt"
	"math"
	"time"

	"nuha.dev/gpsgate/internal/model"
)

const (
	MaxSpeed        = 1000.0
	DefaultSkew     = 5 * time.Minute
	motionThreshold = 1.852 // one knot, in km/h
	kphPerKnot      = 1.852
	kphPerMeterPerS = 3.6
	kphPerMilePerHr = 1.609344
)

var (
	ErrLatitude  = errors.New("latitude out of range")
	ErrLongitude = errors.New("longitude out of range")
	ErrSpeed     = errors.New("speed out of range")
	ErrFutureFix = errors.New("fix time in the future")
)

func KnotsToKph(v float64) float64 { return v * kphPerKnot }

func KphToKnots(v float64) float64 { return v / kphPerKnot }

func MpsToKph(v float64) float64 { return v * kphPerMeterPerS }

func MphToKph(v float64) float64 { return v * kphPerMilePerHr }

// AlarmRule maps a status bit mask to an alarm tag. With Inverted the alarm
// is raised when the masked bits are clear, for devices with active-low
// status words.
type AlarmRule struct {
	Mask     uint64
	Alarm    string
	Inverted bool
}

// ApplyAlarms adds every alarm whose rule matches status.
func ApplyAlarms(p *model.Position, status uint64, rules []AlarmRule) {
	for _, r := range rules {
		set := status&r.Mask != 0
		if set != r.Inverted {
			p.AddAlarm(r.Alarm)
		}
	}
}

// Validate checks the value ranges every stored position must satisfy.
// Course is folded into [0, 360).
func Validate(p *model.Position, now time.Time, skew time.Duration) error {
	if math.IsNaN(p.Latitude) || p.Latitude < -90 || p.Latitude > 90 {
		return fmt.Errorf("%w: %f", ErrLatitude, p.Latitude)
	}
	if math.IsNaN(p.Longitude) || p.Longitude < -180 || p.Longitude > 180 {
		return fmt.Errorf("%w: %f", ErrLongitude, p.Longitude)
	}
	if math.IsNaN(p.Speed) || p.Speed < 0 || p.Speed > MaxSpeed {
		return fmt.Errorf("%w: %f", ErrSpeed, p.Speed)
	}
	if math.IsNaN(p.Course) || math.IsInf(p.Course, 0) {
		p.Course = 0
	}
	p.Course = math.Mod(p.Course, 360)
	if p.Course < 0 {
		p.Course += 360
	}
	if skew <= 0 {
		skew = DefaultSkew
	}
	if p.Time.After(now.Add(skew)) {
		return fmt.Errorf("%w: %s", ErrFutureFix, p.Time.Format(time.RFC3339))
	}
	return nil
}

// Fill adds attributes derived from the standard fields.
func Fill(p *model.Position) {
	if p.Attributes == nil {
		p.Attributes = make(map[string]interface{})
	}
	if _, ok := p.Attributes[model.KeyMotion]; !ok && p.Valid {
		p.Attributes[model.KeyMotion] = p.Speed > motionThreshold
	}
}
