package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/phuslu/log"
	"github.com/spf13/pflag"
	"nuha.dev/gpsgate/internal/config"
	"nuha.dev/gpsgate/internal/event"
	"nuha.dev/gpsgate/internal/forward"
	"nuha.dev/gpsgate/internal/metrics"
	"nuha.dev/gpsgate/internal/pipeline"
	"nuha.dev/gpsgate/internal/protocol"
	"nuha.dev/gpsgate/internal/protocol/arknav"
	"nuha.dev/gpsgate/internal/protocol/eelink"
	"nuha.dev/gpsgate/internal/protocol/gt06"
	"nuha.dev/gpsgate/internal/protocol/h02"
	"nuha.dev/gpsgate/internal/server"
	"nuha.dev/gpsgate/internal/session"
	"nuha.dev/gpsgate/internal/store"
	"nuha.dev/gpsgate/internal/util"
	"nuha.dev/gpsgate/internal/web/monitoring"
)

func main() {
	config.Flags(pflag.CommandLine)
	pflag.Parse()

	protocols := protocol.NewRegistry(arknav.Protocol(), eelink.Protocol(), gt06.Protocol(), h02.Protocol())
	cfg, err := config.Load(pflag.CommandLine, protocols.Names())
	if err != nil {
		log.Fatal().Err(err).Msg("configuration")
	}
	setupLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	hub, err := event.NewHub(1)
	if err != nil {
		log.Fatal().Err(err).Msg("event hub")
	}

	db, err := store.Open(ctx, cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("database")
	}
	defer db.Close()
	parts, err := store.NewPartitions(db, cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("database statements")
	}
	cache := store.NewDeviceCache(parts[0], cfg.Database.RefreshDelay)
	cache.OnRefresh = m.CacheRefreshed
	if err := cache.Refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("initial device cache load failed, retrying on first lookup")
	}

	sessions := session.NewRegistry(cache, session.Hooks{
		Opened: func(s *session.DeviceSession) {
			m.SessionDelta(1)
			hub.Emit(context.Background(), event.SessionOpened, sessionEvent(s))
		},
		Closed: func(s *session.DeviceSession) {
			m.SessionDelta(-1)
			hub.Emit(context.Background(), event.SessionClosed, sessionEvent(s))
		},
	})

	tokens, err := forward.NewTokenizer(cfg.Forward.Salt)
	if err != nil {
		log.Fatal().Err(err).Msg("device tokens")
	}
	forwarders := startForwarders(ctx, cfg.Forward, tokens, hub, m)

	persisters := make([]pipeline.Persister, len(parts))
	for i, dm := range parts {
		persisters[i] = dm
	}
	pipe, err := pipeline.New(persisters, hub, m, pipeline.Config{FutureSkew: cfg.FutureSkew})
	if err != nil {
		log.Fatal().Err(err).Msg("pipeline")
	}

	var endpoints []server.Endpoint
	for name, addr := range cfg.Protocols {
		p, _ := protocols.Lookup(name)
		endpoints = append(endpoints, server.Endpoint{
			Protocol: p,
			Decoder:  p.NewDecoder(protocol.NewBase(name, sessions)),
			Address:  addr,
		})
	}
	srv, err := server.New(server.Config{
		ProxyProtocol: cfg.Server.ProxyProtocol,
		Timeout:       cfg.Server.Timeout,
		UDPIdle:       cfg.Server.UDPIdle,
		Workers:       cfg.Server.Workers,
		Queue:         cfg.Server.Queue,
		Tunnel: server.TunnelConfig{
			Address:  cfg.Server.Tunnel.Address,
			Token:    cfg.Server.Tunnel.Token,
			Protocol: cfg.Server.Tunnel.Protocol,
		},
	}, endpoints, sessions, pipe, m)
	if err != nil {
		log.Fatal().Err(err).Msg("server")
	}

	var mon *monitoring.MonitoringServer
	if cfg.WebAddress != "" {
		mon = monitoring.NewMonApi(sessions, tokens, &monitoring.MonitoringConfig{
			ListenAddr: cfg.WebAddress,
			Health:     db.PingContext,
			Metrics:    m.Handler(),
		})
		go func() {
			if err := mon.Run(); err != nil {
				log.Error().Err(err).Msg("monitoring api stopped")
			}
		}()
	}

	log.Info().Strs("protocols", protocols.Names()).Int("partitions", len(parts)).Msg("gpsgate starting")
	if err := srv.Run(ctx); err != nil {
		log.Error().Err(err).Msg("server stopped")
	}

	shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if mon != nil {
		_ = mon.Shutdown(shutdown)
	}
	for _, f := range forwarders {
		if err := f.Close(); err != nil {
			log.Warn().Err(err).Str("sink", f.Name()).Msg("forwarder close")
		}
	}
	log.Info().Msg("gpsgate stopped")
}

func setupLogger(c config.Log) {
	log.DefaultLogger.SetLevel(log.ParseLevel(c.Level))
	if c.Console {
		log.DefaultLogger.Writer = &log.ConsoleWriter{ColorOutput: true, EndWithMessage: true}
	}
}

func sessionEvent(s *session.DeviceSession) event.Session {
	e := event.Session{DeviceID: s.DeviceID, UniqueID: s.UniqueID, Protocol: s.Protocol, Channel: s.Channel.ID()}
	if s.RemoteAddr != nil {
		e.Remote = s.RemoteAddr.String()
	}
	return e
}

// startForwarders connects every configured sink. A sink that cannot be
// reached at startup is skipped.
func startForwarders(ctx context.Context, c config.Forward, tokens *forward.Tokenizer, hub *event.Hub, m *metrics.Metrics) []*forward.Forwarder {
	var sinks []forward.Sink
	add := func(name string, s forward.Sink, err error) {
		if err != nil {
			log.Error().Err(err).Str("sink", name).Msg("forwarder disabled")
			return
		}
		sinks = append(sinks, s)
	}
	if c.NATSURL != "" {
		s, err := forward.NewNATSSink(c.NATSURL, c.NATSSubject)
		add("nats", s, err)
	}
	if c.AMQPURL != "" {
		s, err := forward.NewAMQPSink(c.AMQPURL, c.AMQPExchange)
		add("amqp", s, err)
	}
	if len(c.KafkaBrokers) > 0 {
		s, err := forward.NewKafkaSink(c.KafkaBrokers, c.KafkaTopic)
		add("kafka", s, err)
	}
	if c.MQTTBroker != "" {
		s, err := forward.NewMQTTSink(c.MQTTBroker, "gpsgate-"+util.GenUUID()[:8], c.MQTTTopic)
		add("mqtt", s, err)
	}
	if c.RedisURL != "" {
		s, err := forward.NewRedisSink(ctx, c.RedisURL, c.RedisPrefix, 24*time.Hour)
		add("redis", s, err)
	}

	var list []*forward.Forwarder
	for _, s := range sinks {
		f := forward.New(s, tokens, c.Queue, m)
		f.Subscribe(hub)
		go f.Run(context.Background())
		list = append(list, f)
	}
	return list
}
