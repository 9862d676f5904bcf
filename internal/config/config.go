// Package config loads the server configuration from a properties, yaml or
// json file overlaid with GPSGATE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"nuha.dev/gpsgate/internal/store"
)

const envPrefix = "GPSGATE"

type Forward struct {
	NATSURL      string
	NATSSubject  string `validate:"required_with=NATSURL"`
	AMQPURL      string
	AMQPExchange string `validate:"required_with=AMQPURL"`
	KafkaBrokers []string
	KafkaTopic   string `validate:"required_with=KafkaBrokers"`
	MQTTBroker   string
	MQTTTopic    string `validate:"required_with=MQTTBroker"`
	RedisURL     string
	RedisPrefix  string `validate:"required_with=RedisURL"`
	Queue        int    `validate:"min=1"`
	Salt         string
}

type Tunnel struct {
	Address  string `validate:"omitempty,hostname_port"`
	Token    string `validate:"required_with=Address"`
	Protocol string `validate:"required_with=Address"`
}

type Server struct {
	ProxyProtocol bool
	Timeout       time.Duration `validate:"min=0"`
	UDPIdle       time.Duration `validate:"min=0"`
	Workers       int           `validate:"min=1"`
	Queue         int           `validate:"min=1"`
	Tunnel        Tunnel
}

type Log struct {
	Level   string `validate:"oneof=trace debug info warn error fatal"`
	Console bool
}

type Config struct {
	Database   store.Config
	Server     Server
	FutureSkew time.Duration `validate:"min=0"`
	// Protocols maps every enabled protocol to its listen address.
	Protocols  map[string]string
	Forward    Forward
	WebAddress string
	Log        Log
}

// Flags registers the command line flags understood by Load.
func Flags(fs *pflag.FlagSet) {
	fs.StringP("config", "c", "", "configuration file (properties, yaml or json)")
	fs.String("log-level", "", "override log.level")
}

func defaults(v *viper.Viper) {
	v.SetDefault("database.driver", "pgx")
	v.SetDefault("database.refreshDelay", 300)
	v.SetDefault("database.timeout", 10)
	v.SetDefault("database.partitions", 1)
	v.SetDefault("database.maxOpenConns", 10)
	v.SetDefault("server.proxyProtocol", false)
	v.SetDefault("server.timeout", 600)
	v.SetDefault("server.udpIdle", 600)
	v.SetDefault("server.workers", 16)
	v.SetDefault("server.queue", 1024)
	v.SetDefault("filter.futureSkew", 300)
	v.SetDefault("forward.nats.subject", "gpsgate.positions")
	v.SetDefault("forward.amqp.exchange", "gpsgate")
	v.SetDefault("forward.kafka.topic", "gpsgate.positions")
	v.SetDefault("forward.mqtt.topic", "gpsgate/positions")
	v.SetDefault("forward.redis.prefix", "gpsgate")
	v.SetDefault("forward.queue", 256)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.console", false)
}

// Load reads the file named by the --config flag, if any, and returns the
// validated configuration. protocols lists the dialects whose <name>.port
// key enables a listener.
func Load(fs *pflag.FlagSet, protocols []string) (*Config, error) {
	v := viper.New()
	defaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if f := fs.Lookup("log-level"); f != nil && f.Changed {
			if err := v.BindPFlag("log.level", f); err != nil {
				return nil, err
			}
		}
		if path, err := fs.GetString("config"); err == nil && path != "" {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read %s: %w", path, err)
			}
		}
	}
	return build(v, protocols)
}

func seconds(v *viper.Viper, key string) time.Duration {
	return time.Duration(v.GetFloat64(key) * float64(time.Second))
}

func build(v *viper.Viper, protocols []string) (*Config, error) {
	c := &Config{
		Database: store.Config{
			Driver:               v.GetString("database.driver"),
			URL:                  v.GetString("database.url"),
			User:                 v.GetString("database.user"),
			Password:             v.GetString("database.password"),
			RefreshDelay:         seconds(v, "database.refreshDelay"),
			SelectDevice:         v.GetString("database.selectDevice"),
			InsertPosition:       v.GetString("database.insertPosition"),
			UpdateLatestPosition: v.GetString("database.updateLatestPosition"),
			Timeout:              seconds(v, "database.timeout"),
			Partitions:           v.GetInt("database.partitions"),
			MaxOpenConns:         v.GetInt("database.maxOpenConns"),
		},
		Server: Server{
			ProxyProtocol: v.GetBool("server.proxyProtocol"),
			Timeout:       seconds(v, "server.timeout"),
			UDPIdle:       seconds(v, "server.udpIdle"),
			Workers:       v.GetInt("server.workers"),
			Queue:         v.GetInt("server.queue"),
			Tunnel: Tunnel{
				Address:  v.GetString("server.tunnel.address"),
				Token:    v.GetString("server.tunnel.token"),
				Protocol: v.GetString("server.tunnel.protocol"),
			},
		},
		FutureSkew: seconds(v, "filter.futureSkew"),
		Protocols:  make(map[string]string),
		Forward: Forward{
			NATSURL:      v.GetString("forward.nats.url"),
			NATSSubject:  v.GetString("forward.nats.subject"),
			AMQPURL:      v.GetString("forward.amqp.url"),
			AMQPExchange: v.GetString("forward.amqp.exchange"),
			KafkaBrokers: splitList(v.GetString("forward.kafka.brokers")),
			KafkaTopic:   v.GetString("forward.kafka.topic"),
			MQTTBroker:   v.GetString("forward.mqtt.broker"),
			MQTTTopic:    v.GetString("forward.mqtt.topic"),
			RedisURL:     v.GetString("forward.redis.url"),
			RedisPrefix:  v.GetString("forward.redis.prefix"),
			Queue:        v.GetInt("forward.queue"),
			Salt:         v.GetString("forward.salt"),
		},
		WebAddress: v.GetString("web.address"),
		Log: Log{
			Level:   strings.ToLower(v.GetString("log.level")),
			Console: v.GetBool("log.console"),
		},
	}
	c.Database.Driver = store.DriverName(c.Database.Driver)

	for _, name := range protocols {
		port := v.GetString(name + ".port")
		if port == "" {
			continue
		}
		c.Protocols[name] = net.JoinHostPort(v.GetString(name+".address"), port)
	}

	if err := validator.New().Struct(c); err != nil {
		return nil, describe(err)
	}
	if c.Server.Tunnel.Address != "" {
		if _, ok := c.Protocols[c.Server.Tunnel.Protocol]; !ok {
			return nil, fmt.Errorf("server.tunnel.protocol %q has no port configured", c.Server.Tunnel.Protocol)
		}
	}
	if len(c.Protocols) == 0 {
		return nil, errors.New("no protocol enabled, set <protocol>.port")
	}
	return c, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// describe turns validator errors into one readable error.
func describe(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}
