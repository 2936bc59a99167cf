// Package archive stores MTTx case metrics in ClickHouse for long-term trend queries.
package archive

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// DefaultTable receives case metric rows when a destination names no table.
const DefaultTable = "mttx_case_metrics"

var (
	// ErrConnectionFailed indicates the archive database could not be reached.
	ErrConnectionFailed = errors.New("archive: connection failed")

	// ErrInvalidTable indicates a table name that is not a plain identifier.
	ErrInvalidTable = errors.New("archive: invalid table name")
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// ValidTableName reports whether name is a plain or database-qualified identifier.
func ValidTableName(name string) bool {
	return tableNamePattern.MatchString(name)
}

// Config holds the ClickHouse connection settings.
type Config struct {
	Enabled         bool          `yaml:"enabled"`
	Hosts           []string      `yaml:"hosts"`
	Database        string        `yaml:"database"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	TLSEnabled      bool          `yaml:"tls_enabled"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
}

// DefaultConfig returns the default archive configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:         false,
		Hosts:           []string{"localhost:9000"},
		Database:        "secops",
		Username:        "default",
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
		DialTimeout:     10 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Hosts) == 0 {
		return fmt.Errorf("archive: at least one host is required")
	}
	if c.Database == "" {
		return fmt.Errorf("archive: database is required")
	}
	return nil
}

// Client wraps the ClickHouse connection.
type Client struct {
	conn   driver.Conn
	config Config
}

// NewClient opens and pings a ClickHouse connection.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	opts := &clickhouse.Options{
		Addr: cfg.Hosts,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionZSTD,
		},
		DialTimeout:     cfg.DialTimeout,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	}
	if cfg.TLSEnabled {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	return &Client{conn: conn, config: cfg}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Ping checks if the connection is alive.
func (c *Client) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

// EnsureTable creates the case metric table if it doesn't exist.
func (c *Client) EnsureTable(ctx context.Context, table string) error {
	if !ValidTableName(table) {
		return fmt.Errorf("%w: %q", ErrInvalidTable, table)
	}
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			run_id UUID,
			schedule_id Int64,
			tenant_name LowCardinality(String),
			case_id String,
			mtta_seconds Nullable(Int64),
			mttc_seconds Nullable(Int64),
			mttr_seconds Nullable(Int64),
			mttd_seconds Nullable(Int64),
			environment LowCardinality(String),
			detection_rule_name String,
			tags Array(String),
			exported_at DateTime64(3)
		)
		ENGINE = MergeTree()
		PARTITION BY toYYYYMM(exported_at)
		ORDER BY (tenant_name, exported_at, case_id)
	`, table)
	return c.conn.Exec(ctx, query)
}

// PrepareBatch prepares a batch for insertion.
func (c *Client) PrepareBatch(ctx context.Context, query string) (driver.Batch, error) {
	return c.conn.PrepareBatch(ctx, query)
}
