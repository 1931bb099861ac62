// Package audit persists a copy of every relayed message to ClickHouse so
// operators can answer "what went through the gateway" after the fact.
package audit

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/caarlos0/env/v11"
	"go.uber.org/zap"
)

// Client wraps the ClickHouse connection
type Client interface {
	// Conn returns the underlying ClickHouse connection
	Conn() driver.Conn
	// Ping checks the connection to ClickHouse
	Ping(ctx context.Context) error
	// Close closes the connection
	Close() error
}

// ClickHouse setting keys
const (
	maxExecutionTime = "max_execution_time"
	asyncInsert      = "async_insert"
)

// Connection timeout for initial ping during client creation
const defaultPingTimeout = 10 * time.Second

type client struct {
	conn   driver.Conn
	logger *zap.SugaredLogger
}

// Config holds the configuration for the audit ClickHouse client.
// Audit writes are append-only and latency-insensitive, so async_insert is
// on by default and lets the server coalesce small inserts into blocks.
type Config struct {
	Addresses          []string `env:"AUDIT_CLICKHOUSE_ADDRESSES" envSeparator:"," envDefault:"localhost:9000"`
	Database           string   `env:"AUDIT_CLICKHOUSE_DATABASE" envDefault:"default"`
	Username           string   `env:"AUDIT_CLICKHOUSE_USERNAME" envDefault:"default"`
	Password           string   `env:"AUDIT_CLICKHOUSE_PASSWORD" envDefault:""`
	Table              string   `env:"AUDIT_CLICKHOUSE_TABLE" envDefault:"gateway_audit"`
	Debug              bool     `env:"AUDIT_CLICKHOUSE_DEBUG" envDefault:"false"`
	InsecureSkipVerify bool     `env:"AUDIT_CLICKHOUSE_INSECURE_SKIP_VERIFY" envDefault:"true"`
	AsyncInsert        bool     `env:"AUDIT_CLICKHOUSE_ASYNC_INSERT" envDefault:"true"`
	MaxExecutionTime   int      `env:"AUDIT_CLICKHOUSE_MAX_EXECUTION_TIME" envDefault:"60"` // seconds
	DialTimeout        int      `env:"AUDIT_CLICKHOUSE_DIAL_TIMEOUT" envDefault:"30"`       // seconds
	MaxOpenConns       int      `env:"AUDIT_CLICKHOUSE_MAX_OPEN_CONNS" envDefault:"5"`
	MaxIdleConns       int      `env:"AUDIT_CLICKHOUSE_MAX_IDLE_CONNS" envDefault:"5"`
	ConnMaxLifetime    int      `env:"AUDIT_CLICKHOUSE_CONN_MAX_LIFETIME" envDefault:"10"` // minutes
}

// Load loads audit configuration from environment variables.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse audit config: %w", err)
	}
	return cfg, nil
}

// New creates a new ClickHouse client with the provided configuration
func New(cfg Config, sugar *zap.SugaredLogger) (Client, error) {
	settings := clickhouse.Settings{
		maxExecutionTime: cfg.MaxExecutionTime,
	}
	if cfg.AsyncInsert {
		settings[asyncInsert] = 1
	}

	opts := &clickhouse.Options{
		Addr: cfg.Addresses,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialContext: func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		},
		Settings: settings,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		DialTimeout:      time.Duration(cfg.DialTimeout) * time.Second,
		MaxOpenConns:     cfg.MaxOpenConns,
		MaxIdleConns:     cfg.MaxIdleConns,
		ConnMaxLifetime:  time.Duration(cfg.ConnMaxLifetime) * time.Minute,
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
		TLS: &tls.Config{
			//nolint:gosec // InsecureSkipVerify is configurable via environment variable for development/testing
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		},
	}

	if cfg.Debug && sugar != nil {
		opts.Debugf = func(format string, v ...interface{}) {
			sugar.Debugf(format, v...)
		}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}

	// Test the connection. Audit is opt-in, so a bad address should surface
	// at startup rather than on the first archived message.
	ctx, cancel := context.WithTimeout(context.Background(), defaultPingTimeout)
	defer cancel()

	if err := conn.Ping(ctx); err != nil {
		if sugar != nil {
			sugar.Errorw("failed to ping ClickHouse", "error", err)
		}
		_ = conn.Close()
		return nil, err
	}

	return &client{conn: conn, logger: sugar}, nil
}

func (c *client) Conn() driver.Conn {
	return c.conn
}

func (c *client) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *client) Close() error {
	return c.conn.Close()
}
