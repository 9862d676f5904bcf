package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	_ "github.com/jackc/pgx/v4/stdlib"
	_ "github.com/lib/pq"
)

var driverAliases = map[string]string{
	"org.postgresql.driver": "pgx",
	"postgresql":            "pgx",
	"pgx":                   "pgx",
	"postgres":              "postgres",
}

// DriverName maps a configured driver onto a registered database/sql driver.
func DriverName(driver string) string {
	if n, ok := driverAliases[strings.ToLower(driver)]; ok {
		return n
	}
	return driver
}

// PlaceholderFor returns the positional parameter style of a driver.
func PlaceholderFor(driver string) Placeholder {
	switch DriverName(driver) {
	case "pgx", "postgres":
		return Dollar
	default:
		return Question
	}
}

// DSN folds the configured user and password into the connection URL.
func DSN(cfg Config) string {
	if cfg.User == "" {
		return cfg.URL
	}
	u, err := url.Parse(cfg.URL)
	if err == nil && (u.Scheme == "postgres" || u.Scheme == "postgresql") {
		u.User = url.UserPassword(cfg.User, cfg.Password)
		return u.String()
	}
	dsn := cfg.URL + " user=" + cfg.User
	if cfg.Password != "" {
		dsn += " password=" + cfg.Password
	}
	return strings.TrimSpace(dsn)
}

// Open connects and pings the configured database.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	db, err := sql.Open(DriverName(cfg.Driver), DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Driver, err)
	}
	return db, nil
}

// NewPartitions builds n data managers over db. Devices map onto a partition
// by id so one device is always written through the same instance.
func NewPartitions(db *sql.DB, cfg Config) ([]*DataManager, error) {
	n := cfg.Partitions
	if n <= 0 {
		n = 1
	}
	style := PlaceholderFor(cfg.Driver)
	parts := make([]*DataManager, n)
	for i := range parts {
		dm, err := NewDataManager(db, cfg, style)
		if err != nil {
			return nil, err
		}
		parts[i] = dm
	}
	return parts, nil
}
