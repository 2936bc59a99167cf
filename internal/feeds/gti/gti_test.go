package gti

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseOffset(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{"0", 0, false},
		{"-1d", -24 * time.Hour, false},
		{"+30m", 30 * time.Minute, false},
		{"2h", 2 * time.Hour, false},
		{"1w", 7 * 24 * time.Hour, false},
		{"1y", 0, true},
		{"-d", 0, true},
		{"30", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseOffset(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseOffset(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, ErrInvalidOffset) {
				t.Errorf("error = %v, want ErrInvalidOffset", err)
			}
			if got != tt.want {
				t.Errorf("ParseOffset(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestClean(t *testing.T) {
	in := map[string]any{
		"id":    "abc",
		"empty": "",
		"nil":   nil,
		"list":  []any{"", nil, "x", map[string]any{}, map[string]any{"k": "v", "e": ""}},
		"none":  []any{},
		"attributes": map[string]any{
			"score": 0.0,
			"inner": map[string]any{"gone": ""},
		},
	}
	want := map[string]any{
		"id":         "abc",
		"list":       []any{"x", map[string]any{"k": "v"}},
		"attributes": map[string]any{"score": 0.0},
	}
	if got := Clean(in); !reflect.DeepEqual(got, want) {
		t.Errorf("Clean() = %v, want %v", got, want)
	}
}

func TestFilter(t *testing.T) {
	now := time.Date(2024, 7, 2, 12, 0, 0, 0, time.UTC)
	src, err := NewSource(Config{APIKey: "k", Filters: "origin:hunting", Date: "-1d"}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	src.now = func() time.Time { return now }

	if got := src.Filter(time.Time{}); got != "origin:hunting date:2024-07-01T12:00:00+" {
		t.Errorf("Filter() = %q", got)
	}
	since := time.Date(2024, 7, 2, 11, 0, 0, 0, time.UTC)
	if got := src.Filter(since); got != "origin:hunting date:2024-07-02T11:00:00+" {
		t.Errorf("Filter(since) = %q", got)
	}

	src.cfg.Date = "0"
	if got := src.Filter(time.Time{}); got != "origin:hunting" {
		t.Errorf("Filter() without date = %q", got)
	}
}

func TestNewSourceValidation(t *testing.T) {
	if _, err := NewSource(Config{}, nil); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("missing key error = %v", err)
	}
	if _, err := NewSource(Config{APIKey: "k", Date: "yesterday"}, nil); !errors.Is(err, ErrInvalidOffset) {
		t.Errorf("bad date error = %v", err)
	}
}

func TestFetchFollowsNextLinks(t *testing.T) {
	var srv *httptest.Server
	var requests []string
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-apikey") != "vt-key" {
			t.Errorf("x-apikey = %q", r.Header.Get("x-apikey"))
		}
		requests = append(requests, r.URL.RawQuery)
		switch r.URL.Query().Get("cursor") {
		case "":
			fmt.Fprintf(w, `{"data":[{"id":"a","type":"file","attributes":{"tags":[]}},"junk"],"links":{"next":%q}}`,
				srv.URL+"/ioc_stream?cursor=2")
		case "2":
			w.Write([]byte(`{"data":[{"id":"b","type":"domain","context_attributes":{"origin":"hunting"}}],"links":{}}`))
		}
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.APIKey = "vt-key"
	cfg.BaseURL = srv.URL
	cfg.PageInterval = time.Millisecond
	src, err := NewSource(cfg, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	records, err := src.Fetch(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(records) != 2 || records[0]["id"] != "a" || records[1]["id"] != "b" {
		t.Fatalf("records = %v", records)
	}
	if _, ok := records[0]["attributes"]; ok {
		t.Error("empty attributes map not cleaned")
	}
	if len(requests) != 2 {
		t.Fatalf("requests = %d, want 2", len(requests))
	}
	if !strings.Contains(requests[0], "limit=40") || !strings.Contains(requests[0], "order=date-") ||
		!strings.Contains(requests[0], "filter=origin%3Ahunting+date%3A") {
		t.Errorf("first query = %q", requests[0])
	}
}

func TestFetchKeepsLargeNumbers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"id":"a","attributes":{"size":9007199254740993}}],"links":{}}`))
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.APIKey = "vt-key"
	cfg.BaseURL = srv.URL
	src, err := NewSource(cfg, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	records, err := src.Fetch(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records = %v", records)
	}
	attrs := records[0]["attributes"].(map[string]any)
	if n, ok := attrs["size"].(json.Number); !ok || n.String() != "9007199254740993" {
		t.Errorf("size = %#v, want exact json.Number", attrs["size"])
	}
}
