// Package metrics holds the prometheus collectors of the server. Every
// method is safe on a nil *Metrics so components can run without them.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gpsgate"

// Position outcomes.
const (
	Stored      = "stored"
	Ignored     = "ignored"
	Invalid     = "invalid"
	Storage     = "storage"
	Schema      = "schema"
	DecodeError = "decode_error"
)

type Metrics struct {
	Registry *prometheus.Registry

	Frames        *prometheus.CounterVec
	Bytes         *prometheus.CounterVec
	Positions     *prometheus.CounterVec
	Connections   *prometheus.GaugeVec
	Sessions      prometheus.Gauge
	StoreDuration *prometheus.HistogramVec
	Retries       prometheus.Counter
	Forwarded     *prometheus.CounterVec
	CacheRefresh  *prometheus.CounterVec
	CacheDevices  prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "frames_total",
			Help:      "Frames read from devices",
		}, []string{"protocol"}),
		Bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "bytes_total",
			Help:      "Bytes exchanged with devices",
		}, []string{"protocol", "direction"}),
		Positions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "positions_total",
			Help:      "Decoded frames by outcome",
		}, []string{"protocol", "outcome"}),
		Connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "connections",
			Help:      "Open device connections",
		}, []string{"protocol", "transport"}),
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Bound device sessions",
		}),
		StoreDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "duration_seconds",
			Help:      "Persistence latency including retries",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"status"}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "retries_total",
			Help:      "Retried database operations",
		}),
		Forwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "forward",
			Name:      "messages_total",
			Help:      "Forwarded positions by sink and status",
		}, []string{"sink", "status"}),
		CacheRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "refresh_total",
			Help:      "Device cache rebuilds",
		}, []string{"status"}),
		CacheDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "devices",
			Help:      "Devices in the current cache snapshot",
		}),
	}
	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Frames, m.Bytes, m.Positions, m.Connections, m.Sessions,
		m.StoreDuration, m.Retries, m.Forwarded, m.CacheRefresh, m.CacheDevices,
	)
	return m
}

func (m *Metrics) Frame(protocol string, n int) {
	if m == nil {
		return
	}
	m.Frames.WithLabelValues(protocol).Inc()
	m.Bytes.WithLabelValues(protocol, "in").Add(float64(n))
}

func (m *Metrics) Written(protocol string, n int) {
	if m == nil {
		return
	}
	m.Bytes.WithLabelValues(protocol, "out").Add(float64(n))
}

func (m *Metrics) Outcome(protocol, outcome string) {
	if m == nil {
		return
	}
	m.Positions.WithLabelValues(protocol, outcome).Inc()
}

func (m *Metrics) Connected(protocol, transport string, delta float64) {
	if m == nil {
		return
	}
	m.Connections.WithLabelValues(protocol, transport).Add(delta)
}

func (m *Metrics) SessionDelta(delta float64) {
	if m == nil {
		return
	}
	m.Sessions.Add(delta)
}

func (m *Metrics) Stored(start time.Time, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.StoreDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
}

func (m *Metrics) Retry() {
	if m == nil {
		return
	}
	m.Retries.Inc()
}

func (m *Metrics) Forward(sink, status string) {
	if m == nil {
		return
	}
	m.Forwarded.WithLabelValues(sink, status).Inc()
}

func (m *Metrics) CacheRefreshed(devices int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.CacheRefresh.WithLabelValues("error").Inc()
		return
	}
	m.CacheRefresh.WithLabelValues("ok").Inc()
	m.CacheDevices.Set(float64(devices))
}

// GaugeFunc exposes a value sampled at scrape time, such as a queue depth.
func (m *Metrics) GaugeFunc(subsystem, name, help string, f func() float64) {
	if m == nil {
		return
	}
	m.Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, f))
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
