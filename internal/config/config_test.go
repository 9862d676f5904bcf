package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var protocols = []string{"arknav", "eelink", "gt06", "h02"}

const yamlConfig = `
database:
  driver: org.postgresql.Driver
  url: postgres://db:5432/gps
  user: gps
  password: secret
  selectDevice: SELECT id, uniqueid AS imei FROM devices
  insertPosition: INSERT INTO positions (deviceid) VALUES (:device_id)
  updateLatestPosition: UPDATE devices SET positionid = :id WHERE id = :device_id
  partitions: 4
eelink:
  port: 5064
h02:
  address: 127.0.0.1
  port: 5013
server:
  proxyProtocol: true
  timeout: 30
forward:
  kafka:
    brokers: "k1:9092, k2:9092"
`

const propertiesConfig = `
database.url=postgres://db:5432/gps
database.selectDevice=SELECT id, uniqueid AS imei FROM devices
database.insertPosition=INSERT INTO positions (deviceid) VALUES (:device_id)
database.updateLatestPosition=UPDATE devices SET positionid = :id WHERE id = :device_id
database.refreshDelay=60
arknav.port=5200
filter.futureSkew=120
`

func write(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func flags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	Flags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestLoadYAML(t *testing.T) {
	path := write(t, "gpsgate.yaml", yamlConfig)
	c, err := Load(flags(t, "-c", path), protocols)
	require.NoError(t, err)

	assert.Equal(t, "pgx", c.Database.Driver)
	assert.Equal(t, "gps", c.Database.User)
	assert.Equal(t, 4, c.Database.Partitions)
	assert.Equal(t, 300*time.Second, c.Database.RefreshDelay)
	assert.Equal(t, 10*time.Second, c.Database.Timeout)
	assert.Equal(t, 10, c.Database.MaxOpenConns)

	assert.Equal(t, map[string]string{"eelink": ":5064", "h02": "127.0.0.1:5013"}, c.Protocols)
	assert.True(t, c.Server.ProxyProtocol)
	assert.Equal(t, 30*time.Second, c.Server.Timeout)
	assert.Equal(t, 600*time.Second, c.Server.UDPIdle)
	assert.Equal(t, 16, c.Server.Workers)

	assert.Equal(t, []string{"k1:9092", "k2:9092"}, c.Forward.KafkaBrokers)
	assert.Equal(t, "gpsgate.positions", c.Forward.KafkaTopic)
	assert.Equal(t, 256, c.Forward.Queue)
	assert.Equal(t, 5*time.Minute, c.FutureSkew)
	assert.Equal(t, "info", c.Log.Level)
}

func TestLoadProperties(t *testing.T) {
	path := write(t, "gpsgate.properties", propertiesConfig)
	c, err := Load(flags(t, "--config", path), protocols)
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, c.Database.RefreshDelay)
	assert.Equal(t, 2*time.Minute, c.FutureSkew)
	assert.Equal(t, map[string]string{"arknav": ":5200"}, c.Protocols)
}

func TestEnvironmentAndFlagsOverride(t *testing.T) {
	path := write(t, "gpsgate.properties", propertiesConfig)
	t.Setenv("GPSGATE_DATABASE_PARTITIONS", "3")
	t.Setenv("GPSGATE_GT06_PORT", "5023")
	t.Setenv("GPSGATE_LOG_LEVEL", "warn")

	c, err := Load(flags(t, "-c", path), protocols)
	require.NoError(t, err)
	assert.Equal(t, 3, c.Database.Partitions)
	assert.Equal(t, ":5023", c.Protocols["gt06"])
	assert.Equal(t, "warn", c.Log.Level)

	c, err = Load(flags(t, "-c", path, "--log-level", "debug"), protocols)
	require.NoError(t, err)
	assert.Equal(t, "debug", c.Log.Level)
}

func TestLoadRejectsIncompleteConfig(t *testing.T) {
	for name, content := range map[string]string{
		"missing query":    "database.url=postgres://db/gps\narknav.port=5200\n",
		"no protocol":      "database.url=postgres://db/gps\ndatabase.selectDevice=s\ndatabase.insertPosition=i\ndatabase.updateLatestPosition=u\n",
		"bad log level":    propertiesConfig + "log.level=loud\n",
		"tunnel no token":  propertiesConfig + "server.tunnel.address=relay:5556\nserver.tunnel.protocol=arknav\n",
		"tunnel protocol":  propertiesConfig + "server.tunnel.address=relay:5556\nserver.tunnel.token=t\nserver.tunnel.protocol=h02\n",
		"forward no topic": propertiesConfig + "forward.mqtt.broker=tcp://mqtt:1883\nforward.mqtt.topic=\n",
	} {
		t.Run(name, func(t *testing.T) {
			path := write(t, "gpsgate.properties", content)
			_, err := Load(flags(t, "-c", path), protocols)
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(flags(t, "-c", filepath.Join(t.TempDir(), "nope.yaml")), protocols)
	assert.Error(t, err)
}
