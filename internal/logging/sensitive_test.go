package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestMaskSensitiveValue(t *testing.T) {
	tests := []struct {
		name      string
		fieldName string
		value     string
		expected  string
	}{
		{"password field", "password", "hunter2", MaskedValue},
		{"soar app key", "AppKey", "abc123", MaskedValue},
		{"gti header", "x-apikey", "vt-key", MaskedValue},
		{"contains keyword", "soar_api_key", "k", MaskedValue},
		{"normal field", "tenant", "acme", "acme"},
		{"empty value", "password", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MaskSensitiveValue(tt.fieldName, tt.value); got != tt.expected {
				t.Errorf("MaskSensitiveValue(%q, %q) = %q, want %q", tt.fieldName, tt.value, got, tt.expected)
			}
		})
	}
}

func TestMaskAPIKey(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"", ""},
		{"short", MaskedValue},
		{"12345678", MaskedValue},
		{"abcd1234efgh5678", "abcd****5678"},
	}
	for _, tt := range tests {
		if got := MaskAPIKey(tt.key); got != tt.want {
			t.Errorf("MaskAPIKey(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestMaskSensitivePatterns(t *testing.T) {
	in := `request failed: api_key=abc123def and Authorization: Bearer eyJhbGciOi.x.y token ya29.a0AfH6`
	got := MaskSensitivePatterns(in)

	for _, leaked := range []string{"abc123def", "eyJhbGciOi", "ya29.a0AfH6"} {
		if strings.Contains(got, leaked) {
			t.Errorf("MaskSensitivePatterns() leaked %q: %s", leaked, got)
		}
	}
	if !strings.Contains(got, "api_key="+MaskedValue) {
		t.Errorf("MaskSensitivePatterns() = %s, want key name kept", got)
	}
}

func TestLoggerRedactsAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, Options{Level: "debug"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	logger.Debug("calling soar", "url", "https://soar.example.com", "api_key", "top-secret")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["api_key"] != MaskedValue {
		t.Errorf("api_key = %v, want %q", entry["api_key"], MaskedValue)
	}
	if entry["url"] != "https://soar.example.com" {
		t.Errorf("url = %v", entry["url"])
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseLevel("verbose"); err == nil {
		t.Error("ParseLevel(verbose) expected error")
	}
}

func TestNewTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, Options{Level: "info", Format: "text"})
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("hello", "k", "v")
	if !strings.Contains(buf.String(), "k=v") {
		t.Errorf("text output = %q", buf.String())
	}
}
