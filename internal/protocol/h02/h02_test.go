package h02

import (
	"bufio"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nuha.dev/gpsgate/internal/conn/conntest"
	"nuha.dev/gpsgate/internal/model"
	"nuha.dev/gpsgate/internal/protocol"
	"nuha.dev/gpsgate/internal/session"
)

type devices map[string]int64

func (d devices) DeviceByUniqueID(_ context.Context, id string) (*model.Device, error) {
	if v, ok := d[id]; ok {
		return &model.Device{ID: v, UniqueID: id}, nil
	}
	return nil, nil
}

func newDecoder() (protocol.Decoder, *session.Registry) {
	reg := session.NewRegistry(devices{"865205030330012": 3}, session.Hooks{})
	return Protocol().NewDecoder(protocol.NewBase(Name, reg)), reg
}

func TestDecode(t *testing.T) {
	dec, _ := newDecoder()
	pos, err := dec.Decode(context.Background(), conntest.NewStream("c1"),
		[]byte("*HQ,865205030330012,V1,145452,A,2240.55181,N,11358.32389,E,10.00,83,100815,FFFFFBFF#"))
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, int64(3), pos.DeviceID)
	assert.True(t, pos.Valid)
	assert.InDelta(t, 22.675864, pos.Latitude, 1e-6)
	assert.InDelta(t, 113.972065, pos.Longitude, 1e-6)
	assert.InDelta(t, 18.52, pos.Speed, 1e-9)
	assert.Equal(t, 83.0, pos.Course)
	assert.Equal(t, time.Date(2015, 8, 10, 14, 54, 52, 0, time.UTC), pos.Time)
	assert.Equal(t, true, pos.Attributes[model.KeyIgnition])
	assert.Empty(t, pos.Alarms)
}

func TestActiveLowAlarms(t *testing.T) {
	dec, _ := newDecoder()
	cases := map[string][]string{
		"FFFFFFFD": {model.AlarmSOS},
		"FFF7FFFF": {model.AlarmPowerCut},
		"FFFFFFF0": {model.AlarmVibration, model.AlarmSOS, model.AlarmOverspeed, model.AlarmGeofenceExit},
	}
	for status, want := range cases {
		frame := "*HQ,865205030330012,V1,145452,V,2240.55181,S,11358.32389,W,0.00,0,100815," + status + "#"
		pos, err := dec.Decode(context.Background(), conntest.NewStream("c1"), []byte(frame))
		require.NoError(t, err)
		require.NotNil(t, pos)
		assert.False(t, pos.Valid)
		assert.Less(t, pos.Latitude, 0.0)
		assert.Less(t, pos.Longitude, 0.0)
		assert.Equal(t, false, pos.Attributes[model.KeyIgnition])
		assert.Equal(t, want, pos.Alarms, status)
	}
}

func TestHeartbeatBindsSession(t *testing.T) {
	dec, reg := newDecoder()
	ch := conntest.NewStream("c1")
	pos, err := dec.Decode(context.Background(), ch, []byte("*HQ,865205030330012,HTBT#"))
	require.NoError(t, err)
	assert.Nil(t, pos)
	require.NotNil(t, reg.Get(ch))
	assert.Equal(t, int64(3), reg.Get(ch).DeviceID)
}

func TestUnparseable(t *testing.T) {
	dec, _ := newDecoder()
	for _, frame := range []string{"", "*HQ,865205030330012,V1,145452#", "$garbage#"} {
		pos, err := dec.Decode(context.Background(), conntest.NewStream("c1"), []byte(frame))
		assert.NoError(t, err)
		assert.Nil(t, pos, frame)
	}
}

func TestFramer(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("*HQ,1,HTBT#\r\n*HQ,2,HTBT#"))
	f := Protocol().NewFramer()
	frame, err := f.ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, "*HQ,1,HTBT#", string(frame))
	frame, err = f.ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, "*HQ,2,HTBT#", string(frame))
}
