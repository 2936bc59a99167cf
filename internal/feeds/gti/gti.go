// Package gti reads the Google Threat Intelligence (VirusTotal) IOC stream.
package gti

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"secops-toolkit/internal/backoff"
	"secops-toolkit/internal/feeds"
)

// Defaults for the IOC stream feed.
const (
	DefaultBaseURL      = "https://www.virustotal.com/api/v3"
	DefaultLogType      = "SDL_GTI_IOC_STREAM"
	DefaultUseCaseName  = "gti_ioc_stream"
	DefaultFilters      = "origin:hunting"
	DefaultDate         = "-1d"
	DefaultOrder        = "date-"
	DefaultLimit        = 40
	DefaultPageInterval = 500 * time.Millisecond
)

// TimestampLayout is the date filter format accepted by the stream.
const TimestampLayout = "2006-01-02T15:04:05"

var (
	// ErrNotConfigured is returned when the API key is missing.
	ErrNotConfigured = errors.New("gti: api key is required")

	// ErrInvalidOffset is returned for a date offset that is not [+-]N[hmdw].
	ErrInvalidOffset = errors.New("gti: invalid date offset")
)

// Config holds the IOC stream settings.
type Config struct {
	APIKey       string         `yaml:"api_key"`
	BaseURL      string         `yaml:"base_url"`
	Filters      string         `yaml:"filters"`
	Date         string         `yaml:"date"`
	Order        string         `yaml:"order"`
	Limit        int            `yaml:"limit"`
	PageInterval time.Duration  `yaml:"page_interval"`
	LogType      string         `yaml:"log_type"`
	Timeout      time.Duration  `yaml:"timeout"`
	Retry        backoff.Policy `yaml:"retry"`
}

// DefaultConfig returns the default IOC stream configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:      DefaultBaseURL,
		Filters:      DefaultFilters,
		Date:         DefaultDate,
		Order:        DefaultOrder,
		Limit:        DefaultLimit,
		PageInterval: DefaultPageInterval,
		LogType:      DefaultLogType,
		Timeout:      60 * time.Second,
		Retry:        backoff.DefaultPolicy(),
	}
}

// Source pages through ioc_stream. It implements feeds.Source.
type Source struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
	now        func() time.Time
}

// NewSource validates cfg and creates a Source.
func NewSource(cfg Config, logger *slog.Logger) (*Source, error) {
	if cfg.APIKey == "" {
		return nil, ErrNotConfigured
	}
	if _, err := ParseOffset(cfg.Date); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Order == "" {
		cfg.Order = def.Order
	}
	if cfg.Limit <= 0 {
		cfg.Limit = def.Limit
	}
	if cfg.LogType == "" {
		cfg.LogType = def.LogType
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}

	limit := rate.Inf
	if cfg.PageInterval > 0 {
		limit = rate.Every(cfg.PageInterval)
	}
	return &Source{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(limit, 1),
		logger:     logger.With("feed", "gti"),
		now:        time.Now,
	}, nil
}

// Name implements feeds.Source.
func (s *Source) Name() string { return DefaultUseCaseName }

// LogType implements feeds.Source.
func (s *Source) LogType() string { return s.cfg.LogType }

var offsetPattern = regexp.MustCompile(`^([+-]?)(\d+)([hmdw])$`)

// ParseOffset parses "-1d", "+30m", "2h" or "1w". "" and "0" mean no offset.
func ParseOffset(s string) (time.Duration, error) {
	if s == "" || s == "0" {
		return 0, nil
	}
	m := offsetPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("%w: %q (want e.g. -1d, +30m, 2h, 1w)", ErrInvalidOffset, s)
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidOffset, s)
	}

	unit := map[string]time.Duration{
		"m": time.Minute,
		"h": time.Hour,
		"d": 24 * time.Hour,
		"w": 7 * 24 * time.Hour,
	}[m[3]]
	d := time.Duration(n) * unit
	if m[1] == "-" {
		d = -d
	}
	return d, nil
}

// FormatTimestamp renders t as a date filter lower bound.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout) + "+"
}

// Filter returns the ioc_stream filter expression. A checkpoint replaces the
// configured date offset. With neither, no date clause is added.
func (s *Source) Filter(since time.Time) string {
	filter := s.cfg.Filters
	var from time.Time
	switch {
	case !since.IsZero():
		from = since
	case s.cfg.Date != "" && s.cfg.Date != "0":
		d, _ := ParseOffset(s.cfg.Date)
		from = s.now().Add(d)
	default:
		return filter
	}
	if filter != "" {
		filter += " "
	}
	return filter + "date:" + FormatTimestamp(from)
}

func (s *Source) firstPage(since time.Time) string {
	q := url.Values{}
	q.Set("filter", s.Filter(since))
	q.Set("order", s.cfg.Order)
	q.Set("limit", strconv.Itoa(s.cfg.Limit))
	return s.cfg.BaseURL + "/ioc_stream?" + q.Encode()
}

type page struct {
	Data  []any `json:"data"`
	Links struct {
		Next string `json:"next"`
	} `json:"links"`
}

// Fetch implements feeds.Source. It follows links.next until the stream is
// exhausted, pacing requests with the page interval.
func (s *Source) Fetch(ctx context.Context, since time.Time) ([]feeds.Record, error) {
	var records []feeds.Record
	next := s.firstPage(since)
	for n := 1; next != ""; n++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		p, err := s.fetchPage(ctx, next)
		if err != nil {
			return nil, fmt.Errorf("ioc_stream page %d: %w", n, err)
		}
		for i, item := range p.Data {
			obj, ok := item.(map[string]any)
			if !ok {
				s.logger.Warn("skipping non-object item", "page", n, "index", i)
				continue
			}
			cleaned := Clean(obj)
			if len(cleaned) == 0 {
				continue
			}
			records = append(records, feeds.Record(cleaned))
		}
		s.logger.Debug("fetched ioc_stream page", "page", n, "items", len(p.Data), "total", len(records))
		next = p.Links.Next
	}
	s.logger.Info("ioc_stream fetched", "records", len(records))
	return records, nil
}

func (s *Source) fetchPage(ctx context.Context, u string) (*page, error) {
	resp, err := backoff.Do(ctx, s.httpClient, s.cfg.Retry, s.logger, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("x-apikey", s.cfg.APIKey)
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var p page
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &p, nil
}

// Clean drops empty strings, nulls, empty lists and empty maps at every
// depth. Key order is left to the JSON encoder, which sorts map keys.
func Clean(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if c, keep := cleanValue(v); keep {
			out[k] = c
		}
	}
	return out
}

func cleanValue(v any) (any, bool) {
	switch t := v.(type) {
	case nil:
		return nil, false
	case string:
		return t, t != ""
	case map[string]any:
		c := Clean(t)
		return c, len(c) > 0
	case []any:
		var list []any
		for _, item := range t {
			if c, keep := cleanValue(item); keep {
				list = append(list, c)
			}
		}
		return list, len(list) > 0
	default:
		return v, true
	}
}
