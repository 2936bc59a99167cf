// Package misp reads published events from a MISP server and flattens them
// into one IOC record per attribute or object.
package misp

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"secops-toolkit/internal/backoff"
	"secops-toolkit/internal/feeds"
)

// Defaults for the MISP feed.
const (
	DefaultLogType       = "MISP_IOC"
	DefaultUseCaseName   = "misp_ioc"
	DefaultInterval      = 5 * time.Minute
	DefaultRetentionDays = 365
)

// ErrNotConfigured is returned when the server or API key is missing.
var ErrNotConfigured = errors.New("misp: server and api key are required")

// Indicator categories used to pick a retention window.
const (
	CategoryIP     = "ip"
	CategoryDomain = "domain"
	CategoryURL    = "url"
	CategoryFile   = "file"
	CategoryUser   = "user"
	CategoryOther  = "other"
)

var attributeCategories = map[string]string{
	"ip-src":                 CategoryIP,
	"ip-dst":                 CategoryIP,
	"ip-dst|port":            CategoryIP,
	"ip-src|port":            CategoryIP,
	"domain|ip":              CategoryDomain,
	"domain":                 CategoryDomain,
	"hostname":               CategoryDomain,
	"url":                    CategoryURL,
	"filename|md5":           CategoryFile,
	"filename|sha1":          CategoryFile,
	"filename|sha256":        CategoryFile,
	"md5":                    CategoryFile,
	"sha1":                   CategoryFile,
	"sha256":                 CategoryFile,
	"filename":               CategoryFile,
	"email":                  CategoryUser,
	"email-src":              CategoryUser,
	"email-dst":              CategoryUser,
	"whois-registrant-email": CategoryUser,
}

// Category maps a MISP attribute type to a retention category.
func Category(attrType string) string {
	if c, ok := attributeCategories[attrType]; ok {
		return c
	}
	return CategoryOther
}

// Config holds the MISP connection and flattening settings.
type Config struct {
	Server   string        `yaml:"server"`
	APIKey   string        `yaml:"api_key"`
	OrgName  string        `yaml:"org_name"`
	Interval time.Duration `yaml:"interval"`
	LogType  string        `yaml:"log_type"`

	// RetentionDays sets the interval_start/interval_end window per category.
	// Missing categories use DefaultRetentionDays.
	RetentionDays map[string]int `yaml:"retention_days"`

	InsecureSkipVerify bool           `yaml:"insecure_skip_verify"`
	Timeout            time.Duration  `yaml:"timeout"`
	Retry              backoff.Policy `yaml:"retry"`
}

// DefaultConfig returns the default MISP configuration.
func DefaultConfig() Config {
	return Config{
		Interval: DefaultInterval,
		LogType:  DefaultLogType,
		Timeout:  60 * time.Second,
		Retry:    backoff.DefaultPolicy(),
	}
}

func (c Config) retention(category string) int {
	if d, ok := c.RetentionDays[category]; ok && d > 0 {
		return d
	}
	return DefaultRetentionDays
}

// Source polls events/restSearch. It implements feeds.Source.
type Source struct {
	cfg        Config
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

// NewSource validates cfg and creates a Source.
func NewSource(cfg Config, logger *slog.Logger) (*Source, error) {
	server := strings.TrimSpace(cfg.Server)
	if server == "" || strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrNotConfigured
	}
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.LogType == "" {
		cfg.LogType = def.LogType
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}

	base := server
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Source{
		cfg:        cfg,
		baseURL:    strings.TrimRight(base, "/"),
		apiKey:     CleanAPIKey(cfg.APIKey),
		httpClient: &http.Client{Timeout: cfg.Timeout, Transport: transport},
		logger:     logger.With("feed", "misp"),
		now:        time.Now,
	}, nil
}

// CleanAPIKey strips CR and LF, which secret stores often leave behind.
func CleanAPIKey(key string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(key)
}

// Name implements feeds.Source.
func (s *Source) Name() string { return "misp" }

// LogType implements feeds.Source.
func (s *Source) LogType() string { return s.cfg.LogType }

// lookbackMinutes covers the time since the last poll, or one interval.
func (s *Source) lookbackMinutes(since time.Time) int {
	window := s.cfg.Interval
	if !since.IsZero() {
		window = s.now().Sub(since)
	}
	m := int(math.Ceil(window.Minutes()))
	return max(m, 1)
}

type searchRequest struct {
	PublishTimestamp string `json:"publish_timestamp"`
	OrgName          string `json:"org_name,omitempty"`
}

// Fetch implements feeds.Source.
func (s *Source) Fetch(ctx context.Context, since time.Time) ([]feeds.Record, error) {
	body := searchRequest{
		PublishTimestamp: fmt.Sprintf("%dm", s.lookbackMinutes(since)),
		OrgName:          s.cfg.OrgName,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	s.logger.Info("retrieving MISP events", "publish_timestamp", body.PublishTimestamp)

	resp, err := backoff.Do(ctx, s.httpClient, s.cfg.Retry, s.logger, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/events/restSearch", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", s.apiKey)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, fmt.Errorf("misp restSearch: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		Response []map[string]map[string]any `json:"response"`
	}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("misp restSearch: decode response: %w", err)
	}

	var records []feeds.Record
	for _, wrapper := range out.Response {
		for _, event := range wrapper {
			records = append(records, Flatten(event, s.cfg, s.now())...)
		}
	}
	s.logger.Info("flattened MISP events", "events", len(out.Response), "records", len(records))
	return records, nil
}

// Flatten turns one event into records. Each record carries the event's
// string fields plus Org, Orgc and Tag, and either a single Attribute or one
// Object with its Attribute list.
func Flatten(event map[string]any, cfg Config, now time.Time) []feeds.Record {
	base := feeds.Record{}
	for k, v := range event {
		switch k {
		case "Org", "Orgc", "Tag":
			base[k] = v
		default:
			if s, ok := v.(string); ok {
				base[k] = s
			}
		}
	}

	var records []feeds.Record
	if attrs, ok := event["Attribute"].([]any); ok {
		for _, a := range attrs {
			attr, ok := a.(map[string]any)
			if !ok {
				continue
			}
			attr = maps.Clone(attr)
			ts := timestamp(attr["timestamp"], now)
			attrType, _ := attr["type"].(string)
			start, end := Interval(ts, cfg.retention(Category(attrType)))
			attr["interval_start"] = start
			attr["interval_end"] = end

			rec := maps.Clone(base)
			rec["Attribute"] = attr
			records = append(records, rec)
		}
	}

	if objects, ok := event["Object"].([]any); ok {
		for _, o := range objects {
			obj, ok := o.(map[string]any)
			if !ok {
				continue
			}
			rec := maps.Clone(base)
			for k, v := range obj {
				if s, ok := v.(string); ok {
					rec[k] = s
				}
			}
			if attrs, ok := obj["Attribute"].([]any); ok {
				rec["Attribute"] = append([]any(nil), attrs...)
			}
			ts := timestamp(obj["timestamp"], now)
			start, end := Interval(ts, cfg.retention(CategoryOther))
			rec["interval_start"] = start
			rec["interval_end"] = end
			records = append(records, rec)
		}
	}
	return records
}

// Interval returns ts minus and plus days as unix second strings.
func Interval(ts time.Time, days int) (string, string) {
	d := time.Duration(days) * 24 * time.Hour
	return strconv.FormatInt(ts.Add(-d).Unix(), 10), strconv.FormatInt(ts.Add(d).Unix(), 10)
}

// timestamp parses a MISP epoch string. "0", missing or unparseable values
// mean now.
func timestamp(v any, now time.Time) time.Time {
	var sec int64
	switch t := v.(type) {
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return now
		}
		sec = n
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return now
		}
		sec = n
	case float64:
		sec = int64(t)
	default:
		return now
	}
	if sec == 0 {
		return now
	}
	return time.Unix(sec, 0)
}
