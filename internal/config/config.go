// Package config handles configuration loading for the secops toolkit.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"secops-toolkit/internal/cache"
	"secops-toolkit/internal/chronicle"
	"secops-toolkit/internal/feeds"
	"secops-toolkit/internal/feeds/gti"
	"secops-toolkit/internal/feeds/misp"
	"secops-toolkit/internal/forwarder"
	"secops-toolkit/internal/kafka"
	"secops-toolkit/internal/sigma"
	"secops-toolkit/internal/soar"
	"secops-toolkit/internal/storage"
	"secops-toolkit/internal/storage/archive"
	"secops-toolkit/internal/storage/s3"
)

// DefaultPath is read when SECOPS_CONFIG_PATH is unset.
const DefaultPath = "configs/config.yaml"

// Config holds the complete application configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Database  storage.Config   `yaml:"database"`
	Auth      AuthConfig       `yaml:"auth"`
	CORS      CORSConfig       `yaml:"cors"`
	RateLimit RateLimitConfig  `yaml:"rate_limit"`
	Logging   LoggingConfig    `yaml:"logging"`
	Chronicle ChronicleConfig  `yaml:"chronicle"`
	SOAR      SOARConfig       `yaml:"soar"`
	Redis     cache.Config     `yaml:"redis"`
	Kafka     kafka.Config     `yaml:"kafka"`
	Archive   ArchiveConfig    `yaml:"archive"`
	S3        s3.Config        `yaml:"s3"`
	Feeds     FeedsConfig      `yaml:"feeds"`
	Forwarder forwarder.Config `yaml:"forwarder"`
	Sigma     sigma.Config     `yaml:"sigma"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	HTTPPort    int           `yaml:"http_port"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
	// WriteTimeout of zero disables the limit; rule test streams run for minutes.
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	ShutdownWait time.Duration `yaml:"shutdown_wait"`
	// Production sanitises error messages returned to clients.
	Production bool `yaml:"production"`
}

// AuthConfig holds API key authentication settings.
type AuthConfig struct {
	Enabled      bool   `yaml:"enabled"`
	APIKeyHeader string `yaml:"api_key_header"`
	// APIKeyHashes are bcrypt hashes of accepted keys.
	APIKeyHashes []string `yaml:"api_key_hashes"`
	// APIKeys are plaintext keys, normally supplied through SECOPS_API_KEY.
	APIKeys     []string `yaml:"-"`
	ExemptPaths []string `yaml:"exempt_paths"`
}

// CORSConfig holds CORS settings.
type CORSConfig struct {
	Enabled          bool     `yaml:"enabled"`
	AllowedOrigins   []string `yaml:"allowed_origins"`
	AllowedMethods   []string `yaml:"allowed_methods"`
	AllowedHeaders   []string `yaml:"allowed_headers"`
	ExposedHeaders   []string `yaml:"exposed_headers"`
	AllowCredentials bool     `yaml:"allow_credentials"`
	MaxAge           int      `yaml:"max_age"` // seconds
}

// RateLimitConfig holds per-client rate limiting settings.
type RateLimitConfig struct {
	Enabled           bool          `yaml:"enabled"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	BurstSize         int           `yaml:"burst_size"`
	CleanupPeriod     time.Duration `yaml:"cleanup_period"`
	ExemptPaths       []string      `yaml:"exempt_paths"`
	TrustProxy        bool          `yaml:"trust_proxy"` // trust X-Forwarded-For
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file,omitempty"`
}

// ChronicleConfig holds API client settings plus the instance used by the
// CLI tools. The servers take the instance from each tenant instead.
type ChronicleConfig struct {
	chronicle.Config `yaml:",inline"`
	ProjectID        string `yaml:"project_id"`
	Region           string `yaml:"region"`
	CustomerID       string `yaml:"customer_id"`
}

// Instance returns the configured instance.
func (c ChronicleConfig) Instance() chronicle.Instance {
	return chronicle.Instance{ProjectID: c.ProjectID, Region: c.Region, CustomerID: c.CustomerID}
}

// SOARConfig holds the SOAR client and bulk closer settings.
type SOARConfig struct {
	soar.ClientConfig `yaml:",inline"`
	Closer            soar.CloserConfig `yaml:"closer"`
}

// ArchiveConfig holds the ClickHouse archive connection and writer settings.
type ArchiveConfig struct {
	archive.Config `yaml:",inline"`
	Writer         archive.BatchWriterConfig `yaml:"writer"`
}

// FeedsConfig holds the IOC feed settings.
type FeedsConfig struct {
	Pipeline feeds.Config `yaml:"pipeline"`
	MISP     misp.Config  `yaml:"misp"`
	GTI      gti.Config   `yaml:"gti"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:     8000,
			ReadTimeout:  30 * time.Second,
			IdleTimeout:  2 * time.Minute,
			ShutdownWait: 30 * time.Second,
		},
		Database: storage.DefaultConfig(),
		Auth: AuthConfig{
			APIKeyHeader: "X-API-Key",
			ExemptPaths:  []string{"/health", "/metrics"},
		},
		CORS: CORSConfig{
			Enabled:        true,
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{
				"Accept",
				"Authorization",
				"Content-Type",
				"X-API-Key",
				"X-Request-ID",
			},
			ExposedHeaders: []string{"X-Request-ID"},
			MaxAge:         86400,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 20,
			BurstSize:         50,
			CleanupPeriod:     5 * time.Minute,
			ExemptPaths:       []string{"/health", "/metrics"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Chronicle: ChronicleConfig{
			Config: chronicle.DefaultConfig(),
			Region: "us",
		},
		SOAR: SOARConfig{
			ClientConfig: soar.ClientConfig{Timeout: 30 * time.Second},
			Closer:       soar.DefaultCloserConfig(),
		},
		Redis: cache.DefaultConfig(),
		Kafka: *kafka.DefaultConfig(),
		Archive: ArchiveConfig{
			Config: archive.DefaultConfig(),
			Writer: archive.DefaultBatchWriterConfig(),
		},
		S3: s3.DefaultConfig(),
		Feeds: FeedsConfig{
			Pipeline: feeds.DefaultConfig(),
			MISP:     misp.DefaultConfig(),
			GTI:      gti.DefaultConfig(),
		},
		Forwarder: forwarder.DefaultConfig(),
		Sigma:     sigma.DefaultConfig(),
	}
}

// Load builds the configuration from defaults, the YAML file named by
// SECOPS_CONFIG_PATH and SECOPS_* environment overrides, in that order.
// A missing file is not an error.
func Load() (*Config, error) {
	configPath := os.Getenv("SECOPS_CONFIG_PATH")
	if configPath == "" {
		configPath = DefaultPath
	}
	return LoadFile(configPath)
}

// LoadFile is Load with an explicit file path.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() error {
	var errs []string
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = n
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = b
		}
	}
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	setInt("SECOPS_HTTP_PORT", &c.Server.HTTPPort)
	setBool("SECOPS_PRODUCTION", &c.Server.Production)
	setString("SECOPS_LOG_LEVEL", &c.Logging.Level)
	setString("SECOPS_DB_PATH", &c.Database.Path)

	if apiKey := os.Getenv("SECOPS_API_KEY"); apiKey != "" {
		c.Auth.APIKeys = append(c.Auth.APIKeys, apiKey)
		c.Auth.Enabled = true
	}

	setBool("SECOPS_CORS_ENABLED", &c.CORS.Enabled)
	if origins := os.Getenv("SECOPS_CORS_ORIGINS"); origins != "" {
		c.CORS.AllowedOrigins = splitAndTrim(origins, ",")
	}
	setBool("SECOPS_RATELIMIT_ENABLED", &c.RateLimit.Enabled)
	setInt("SECOPS_RATELIMIT_BURST", &c.RateLimit.BurstSize)

	setString("SECOPS_CHRONICLE_CREDENTIALS", &c.Chronicle.CredentialsFile)
	setString("SECOPS_CHRONICLE_PROJECT", &c.Chronicle.ProjectID)
	setString("SECOPS_CHRONICLE_REGION", &c.Chronicle.Region)
	setString("SECOPS_CHRONICLE_CUSTOMER_ID", &c.Chronicle.CustomerID)

	setString("SECOPS_SOAR_URL", &c.SOAR.URL)
	setString("SECOPS_SOAR_API_KEY", &c.SOAR.APIKey)

	setString("SECOPS_REDIS_ADDR", &c.Redis.Addr)
	setString("SECOPS_REDIS_PASSWORD", &c.Redis.Password)
	if c.Redis.Addr != "" && os.Getenv("SECOPS_REDIS_ADDR") != "" {
		c.Redis.Enabled = true
	}

	if brokers := os.Getenv("SECOPS_KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = splitAndTrim(brokers, ",")
		c.Kafka.Enabled = true
	}
	setString("SECOPS_KAFKA_TOPIC", &c.Kafka.Topic)

	setBool("SECOPS_ARCHIVE_ENABLED", &c.Archive.Enabled)
	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		c.Archive.Hosts = []string{host}
	}
	setString("CLICKHOUSE_DATABASE", &c.Archive.Database)
	setString("CLICKHOUSE_USER", &c.Archive.Username)
	setString("CLICKHOUSE_PASSWORD", &c.Archive.Password)

	setBool("SECOPS_S3_ENABLED", &c.S3.Enabled)
	setString("SECOPS_S3_BUCKET", &c.S3.Bucket)
	setString("SECOPS_S3_REGION", &c.S3.Region)

	setString("SECOPS_MISP_SERVER", &c.Feeds.MISP.Server)
	setString("SECOPS_MISP_API_KEY", &c.Feeds.MISP.APIKey)
	setString("SECOPS_GTI_API_KEY", &c.Feeds.GTI.APIKey)

	setString("SECOPS_SIGMA_REPOS_DIR", &c.Sigma.ReposDir)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment overrides: %s", strings.Join(errs, "; "))
	}
	return nil
}

func splitAndTrim(s, sep string) []string {
	parts := make([]string, 0)
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port: %d", c.Server.HTTPPort)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid logging.level: %q", c.Logging.Level)
	}

	if c.Auth.Enabled && len(c.Auth.APIKeyHashes) == 0 && len(c.Auth.APIKeys) == 0 {
		return fmt.Errorf("auth enabled but no API keys configured")
	}
	if c.RateLimit.Enabled && c.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("rate_limit.requests_per_second must be positive")
	}

	if c.Kafka.Enabled {
		if err := c.Kafka.Validate(); err != nil {
			return err
		}
	}
	if err := c.Archive.Validate(); err != nil {
		return err
	}
	if err := c.S3.Validate(); err != nil {
		return err
	}
	if c.Archive.Enabled && !archive.ValidTableName(c.Archive.Writer.Table) {
		return fmt.Errorf("archive.writer.table: %w", archive.ErrInvalidTable)
	}
	return nil
}
