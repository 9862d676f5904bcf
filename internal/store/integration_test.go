//go:build integration

package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"nuha.dev/gpsgate/internal/retry"
)

const schema = `
CREATE TABLE devices (id BIGSERIAL PRIMARY KEY, uniqueid VARCHAR(32) UNIQUE NOT NULL, positionid BIGINT);
CREATE TABLE positions (
	id BIGSERIAL PRIMARY KEY, deviceid BIGINT NOT NULL REFERENCES devices(id), fixtime TIMESTAMPTZ NOT NULL,
	valid BOOLEAN NOT NULL, latitude DOUBLE PRECISION, longitude DOUBLE PRECISION, altitude DOUBLE PRECISION,
	speed DOUBLE PRECISION, course DOUBLE PRECISION, power DOUBLE PRECISION, address TEXT, attributes JSONB);
INSERT INTO devices (uniqueid) VALUES ('123456789012345');`

func startPostgres(t *testing.T) Config {
	t.Helper()
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "gps",
			"POSTGRES_PASSWORD": "gps",
			"POSTGRES_DB":       "gps",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(time.Minute),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(ctx) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "5432")
	require.NoError(t, err)

	cfg := testConfig()
	cfg.URL = fmt.Sprintf("postgres://%s:%s/gps?sslmode=disable", host, port.Port())
	cfg.User = "gps"
	cfg.Password = "gps"
	return cfg
}

func TestPostgresRoundTrip(t *testing.T) {
	cfg := startPostgres(t)
	ctx := context.Background()
	for _, driver := range []string{"pgx", "postgres"} {
		t.Run(driver, func(t *testing.T) {
			cfg.Driver = driver
			db, err := Open(ctx, cfg)
			require.NoError(t, err)
			defer db.Close()
			_, _ = db.ExecContext(ctx, "DROP TABLE IF EXISTS positions; DROP TABLE IF EXISTS devices")
			_, err = db.ExecContext(ctx, schema)
			require.NoError(t, err)

			parts, err := NewPartitions(db, cfg)
			require.NoError(t, err)
			cache := NewDeviceCache(parts[0], time.Minute)
			d, err := cache.DeviceByUniqueID(ctx, "123456789012345")
			require.NoError(t, err)
			require.NotNil(t, d)

			var last int64
			for i := 0; i < 3; i++ {
				p := fix()
				p.DeviceID = d.ID
				p.Time = p.Time.Add(time.Duration(i) * time.Minute)
				id, err := parts[0].Persist(ctx, p, retry.Default())
				require.NoError(t, err)
				require.True(t, id.Valid)
				assert.Greater(t, id.Int64, last)
				last = id.Int64
			}
			var latest int64
			require.NoError(t, db.QueryRowContext(ctx, "SELECT positionid FROM devices WHERE id = $1", d.ID).Scan(&latest))
			assert.Equal(t, last, latest)
		})
	}
}
