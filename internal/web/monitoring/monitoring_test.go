package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nuha.dev/gpsgate/internal/conn/conntest"
	"nuha.dev/gpsgate/internal/forward"
	"nuha.dev/gpsgate/internal/metrics"
	"nuha.dev/gpsgate/internal/model"
	"nuha.dev/gpsgate/internal/session"
)

type finder map[string]int64

func (f finder) DeviceByUniqueID(_ context.Context, id string) (*model.Device, error) {
	if n, ok := f[id]; ok {
		return &model.Device{ID: n, UniqueID: id}, nil
	}
	return nil, nil
}

func setup(t *testing.T, health func(context.Context) error) (http.Handler, *forward.Tokenizer) {
	t.Helper()
	reg := session.NewRegistry(finder{"123456789012345": 1, "352544071750518": 2}, session.Hooks{})
	_, err := reg.DeviceSession(context.Background(), "gt06", conntest.NewStream("tcp-1"), "123456789012345")
	require.NoError(t, err)
	_, err = reg.DeviceSession(context.Background(), "eelink", conntest.NewDatagram("udp-1"), "352544071750518")
	require.NoError(t, err)

	tk, err := forward.NewTokenizer("monitoring")
	require.NoError(t, err)
	m := metrics.New()
	m.Outcome("gt06", metrics.Stored)
	api := NewMonApi(reg, tk, &MonitoringConfig{Health: health, Metrics: m.Handler()})
	return api.GetHandler(), tk
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestSessions(t *testing.T) {
	h, tk := setup(t, nil)
	rec := get(t, h, "/sessions")
	require.Equal(t, http.StatusOK, rec.Code)

	var list []sessionInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 2)
	assert.Equal(t, int64(1), list[0].DeviceID)
	assert.Equal(t, tk.Token(1), list[0].Token)
	assert.Equal(t, "gt06", list[0].Protocol)
	assert.False(t, list[0].Datagram)
	assert.True(t, list[1].Datagram)
	assert.Equal(t, "192.0.2.2:40001", list[1].Remote)
}

func TestDeviceSessionsByToken(t *testing.T) {
	h, tk := setup(t, nil)

	rec := get(t, h, "/sessions/"+tk.Token(2))
	require.Equal(t, http.StatusOK, rec.Code)
	var list []sessionInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "352544071750518", list[0].UniqueID)

	assert.Equal(t, http.StatusNotFound, get(t, h, "/sessions/"+tk.Token(9)).Code)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/sessions/!!").Code)
}

func TestHealth(t *testing.T) {
	h, _ := setup(t, func(context.Context) error { return nil })
	rec := get(t, h, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	var res map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "ok", res["status"])
	assert.Equal(t, 2.0, res["sessions"])

	h, _ = setup(t, func(context.Context) error { return errors.New("database unreachable") })
	rec = get(t, h, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "database unreachable")
}

func TestMetrics(t *testing.T) {
	h, _ := setup(t, nil)
	rec := get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `gpsgate_pipeline_positions_total{outcome="stored",protocol="gt06"} 1`)
}
