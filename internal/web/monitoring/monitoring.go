package monitoring

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/phuslu/log"
	"nuha.dev/gpsgate/internal/session"
	"nuha.dev/gpsgate/internal/util"
)

// SessionLister is implemented by session.Registry.
type SessionLister interface {
	Sessions() []*session.DeviceSession
}

// Tokenizer is implemented by forward.Tokenizer.
type Tokenizer interface {
	Token(id int64) string
	DeviceID(token string) (int64, error)
}

type MonitoringConfig struct {
	ListenAddr string
	// Health, when set, is called by /health; a failure answers 503.
	Health  func(ctx context.Context) error
	Metrics http.Handler
}

type MonitoringServer struct {
	log      log.Logger
	sessions SessionLister
	tokens   Tokenizer
	config   *MonitoringConfig
	server   *http.Server
	started  time.Time
}

type sessionInfo struct {
	DeviceID int64     `json:"device_id"`
	Token    string    `json:"token"`
	UniqueID string    `json:"imei"`
	Protocol string    `json:"protocol"`
	Channel  string    `json:"channel"`
	Remote   string    `json:"remote"`
	Created  time.Time `json:"created"`
	LastSeen time.Time `json:"last_seen"`
	Datagram bool      `json:"datagram"`
}

func NewMonApi(sessions SessionLister, tokens Tokenizer, config *MonitoringConfig) *MonitoringServer {
	m := &MonitoringServer{sessions: sessions, tokens: tokens, config: config, started: time.Now()}
	m.log = log.DefaultLogger
	m.log.Context = log.NewContext(nil).Str("module", "monitoring").Value()
	m.server = &http.Server{
		Addr:           config.ListenAddr,
		Handler:        m.GetHandler(),
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return m
}

func (m *MonitoringServer) GetHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if m.config.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", m.config.Metrics)
	}
	r.Get("/health", m.health)
	r.Get("/sessions", m.listSessions)
	r.Get("/sessions/{token}", m.deviceSessions)
	return r
}

// Run serves until Shutdown.
func (m *MonitoringServer) Run() error {
	m.log.Info().Str("address", m.config.ListenAddr).Msg("monitoring api listening")
	err := m.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (m *MonitoringServer) Shutdown(ctx context.Context) error {
	return m.server.Shutdown(ctx)
}

func (m *MonitoringServer) health(w http.ResponseWriter, r *http.Request) {
	res := map[string]interface{}{
		"status":   "ok",
		"sessions": len(m.sessions.Sessions()),
		"uptime":   time.Since(m.started).Round(time.Second).String(),
	}
	if m.config.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := m.config.Health(ctx); err != nil {
			m.log.Warn().Err(err).Msg("health check failed")
			util.JsonError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	util.JsonWrite(w, res)
}

func (m *MonitoringServer) listSessions(w http.ResponseWriter, r *http.Request) {
	list := m.sessions.Sessions()
	res := make([]sessionInfo, 0, len(list))
	for _, s := range list {
		res = append(res, m.info(s))
	}
	util.JsonWrite(w, res)
}

func (m *MonitoringServer) deviceSessions(w http.ResponseWriter, r *http.Request) {
	id, err := m.tokens.DeviceID(chi.URLParam(r, "token"))
	if err != nil {
		util.JsonError(w, http.StatusBadRequest, "invalid token")
		return
	}
	res := []sessionInfo{}
	for _, s := range m.sessions.Sessions() {
		if s.DeviceID == id {
			res = append(res, m.info(s))
		}
	}
	if len(res) == 0 {
		util.JsonError(w, http.StatusNotFound, "device not connected")
		return
	}
	util.JsonWrite(w, res)
}

func (m *MonitoringServer) info(s *session.DeviceSession) sessionInfo {
	info := sessionInfo{
		DeviceID: s.DeviceID,
		Token:    m.tokens.Token(s.DeviceID),
		UniqueID: s.UniqueID,
		Protocol: s.Protocol,
		Channel:  s.Channel.ID(),
		Created:  s.Created,
		LastSeen: s.LastSeen(),
		Datagram: s.Channel.Datagram(),
	}
	if s.RemoteAddr != nil {
		info.Remote = s.RemoteAddr.String()
	}
	return info
}
