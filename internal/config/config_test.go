package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.HTTPPort != 8000 {
		t.Errorf("HTTPPort = %d, want 8000", cfg.Server.HTTPPort)
	}
	if cfg.Server.WriteTimeout != 0 {
		t.Errorf("WriteTimeout = %v, want 0", cfg.Server.WriteTimeout)
	}
	if cfg.Auth.APIKeyHeader != "X-API-Key" {
		t.Errorf("APIKeyHeader = %q, want X-API-Key", cfg.Auth.APIKeyHeader)
	}
	if cfg.Chronicle.Timeout != 60*time.Second {
		t.Errorf("Chronicle.Timeout = %v, want 60s", cfg.Chronicle.Timeout)
	}
	if cfg.SOAR.Closer.Title != "Overflow Case" {
		t.Errorf("SOAR.Closer.Title = %q, want Overflow Case", cfg.SOAR.Closer.Title)
	}
	if cfg.Archive.Writer.Table != "mttx_case_metrics" {
		t.Errorf("Archive.Writer.Table = %q", cfg.Archive.Writer.Table)
	}
	if cfg.Forwarder.MaxBatchBytes != 500000 {
		t.Errorf("Forwarder.MaxBatchBytes = %d, want 500000", cfg.Forwarder.MaxBatchBytes)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("DefaultConfig should be valid, got error: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"zero port", func(c *Config) { c.Server.HTTPPort = 0 }, true},
		{"too high port", func(c *Config) { c.Server.HTTPPort = 65536 }, true},
		{"empty db path", func(c *Config) { c.Database.Path = "" }, true},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, true},
		{"auth without keys", func(c *Config) { c.Auth.Enabled = true }, true},
		{"auth with hash", func(c *Config) {
			c.Auth.Enabled = true
			c.Auth.APIKeyHashes = []string{"$2a$10$abc"}
		}, false},
		{"zero rate", func(c *Config) { c.RateLimit.RequestsPerSecond = 0 }, true},
		{"kafka without brokers", func(c *Config) {
			c.Kafka.Enabled = true
			c.Kafka.Brokers = nil
		}, true},
		{"archive bad table", func(c *Config) {
			c.Archive.Enabled = true
			c.Archive.Writer.Table = "metrics; DROP TABLE x"
		}, true},
		{"s3 without bucket", func(c *Config) {
			c.S3.Enabled = true
			c.S3.Bucket = ""
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  http_port: 9090
  production: true
database:
  path: /tmp/test.db
chronicle:
  timeout: 15s
  project_id: proj
  region: europe
  customer_id: cust
soar:
  url: https://soar.example.com
  closer:
    days: 7
archive:
  enabled: true
  hosts: ["ch:9000"]
  writer:
    table: metrics
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if cfg.Server.HTTPPort != 9090 || !cfg.Server.Production {
		t.Errorf("Server = %+v", cfg.Server)
	}
	if cfg.Database.Path != "/tmp/test.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.Chronicle.Timeout != 15*time.Second {
		t.Errorf("Chronicle.Timeout = %v, want 15s", cfg.Chronicle.Timeout)
	}
	if got := cfg.Chronicle.Instance().Name(); got != "projects/proj/locations/europe/instances/cust" {
		t.Errorf("Instance().Name() = %q", got)
	}
	if cfg.SOAR.URL != "https://soar.example.com" || cfg.SOAR.Closer.Days != 7 {
		t.Errorf("SOAR = %+v", cfg.SOAR)
	}
	// Unset nested fields keep their defaults.
	if cfg.SOAR.Closer.Title != "Overflow Case" {
		t.Errorf("SOAR.Closer.Title = %q, want default", cfg.SOAR.Closer.Title)
	}
	if !cfg.Archive.Enabled || cfg.Archive.Hosts[0] != "ch:9000" || cfg.Archive.Writer.Table != "metrics" {
		t.Errorf("Archive = %+v", cfg.Archive)
	}
}

func TestLoadFileMissing(t *testing.T) {
	t.Setenv("SECOPS_HTTP_PORT", "7000")

	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if cfg.Server.HTTPPort != 7000 {
		t.Errorf("HTTPPort = %d, want 7000 from env", cfg.Server.HTTPPort)
	}
}

func TestLoadFileInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server: [unclosed"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestLoadUsesConfigPathEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.yaml")
	if err := os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SECOPS_CONFIG_PATH", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SECOPS_API_KEY", "secret-key")
	t.Setenv("SECOPS_CORS_ORIGINS", "https://a.example.com, https://b.example.com ,")
	t.Setenv("SECOPS_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("SECOPS_SOAR_API_KEY", "soar-key")
	t.Setenv("CLICKHOUSE_HOST", "clickhouse:9000")

	cfg := DefaultConfig()
	if err := cfg.applyEnvOverrides(); err != nil {
		t.Fatalf("applyEnvOverrides() error = %v", err)
	}

	if !cfg.Auth.Enabled || len(cfg.Auth.APIKeys) != 1 {
		t.Errorf("Auth = %+v", cfg.Auth)
	}
	if len(cfg.CORS.AllowedOrigins) != 2 || cfg.CORS.AllowedOrigins[1] != "https://b.example.com" {
		t.Errorf("AllowedOrigins = %v", cfg.CORS.AllowedOrigins)
	}
	if !cfg.Kafka.Enabled || len(cfg.Kafka.Brokers) != 2 {
		t.Errorf("Kafka = enabled %v brokers %v", cfg.Kafka.Enabled, cfg.Kafka.Brokers)
	}
	if cfg.SOAR.APIKey != "soar-key" {
		t.Errorf("SOAR.APIKey = %q", cfg.SOAR.APIKey)
	}
	if cfg.Archive.Hosts[0] != "clickhouse:9000" {
		t.Errorf("Archive.Hosts = %v", cfg.Archive.Hosts)
	}
}

func TestEnvOverridesInvalid(t *testing.T) {
	t.Setenv("SECOPS_HTTP_PORT", "eighty")

	cfg := DefaultConfig()
	if err := cfg.applyEnvOverrides(); err == nil {
		t.Error("expected error for non-numeric port")
	}
}

func TestSplitAndTrim(t *testing.T) {
	got := splitAndTrim(" a, b ,,c ", ",")
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("splitAndTrim() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("splitAndTrim()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
