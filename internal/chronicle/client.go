// Package chronicle is a client for the Google SecOps (Chronicle) v1alpha API
// and the regional ingestion API.
package chronicle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"secops-toolkit/internal/backoff"
)

// Scope is the OAuth scope requested for all Chronicle calls.
const Scope = "https://www.googleapis.com/auth/cloud-platform"

var (
	// ErrUnauthorized indicates the credentials were rejected.
	ErrUnauthorized = errors.New("chronicle: unauthorized")

	// ErrInvalidInstance indicates an instance missing project, region or customer id.
	ErrInvalidInstance = errors.New("chronicle: invalid instance")
)

// APIError is a non-2xx response from Chronicle.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chronicle API error %d: %s", e.StatusCode, e.Body)
}

// Unwrap lets errors.Is match ErrUnauthorized for 401 and 403 responses.
func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden {
		return ErrUnauthorized
	}
	return nil
}

// Config holds client-wide settings shared by every tenant.
type Config struct {
	// CredentialsFile is a service account JSON key. Empty means Application
	// Default Credentials.
	CredentialsFile string         `yaml:"credentials_file"`
	Timeout         time.Duration  `yaml:"timeout"`
	TestTimeout     time.Duration  `yaml:"test_timeout"`
	Retry           backoff.Policy `yaml:"retry"`
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:     60 * time.Second,
		TestTimeout: 300 * time.Second,
		Retry:       backoff.DefaultPolicy(),
	}
}

// Instance identifies a SecOps tenant.
type Instance struct {
	ProjectID  string
	Region     string
	CustomerID string
}

// Name returns the instance resource name.
func (i Instance) Name() string {
	return fmt.Sprintf("projects/%s/locations/%s/instances/%s", i.ProjectID, i.Region, i.CustomerID)
}

// Validate checks that every part of the resource name is present.
func (i Instance) Validate() error {
	if i.ProjectID == "" || i.Region == "" || i.CustomerID == "" {
		return fmt.Errorf("%w: project, region and customer id are required", ErrInvalidInstance)
	}
	return nil
}

// Client talks to one SecOps instance.
type Client struct {
	instance     Instance
	baseURL      string
	ingestionURL string
	httpClient   *http.Client
	retry        backoff.Policy
	testTimeout  time.Duration
	logger       *slog.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the authenticated HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBaseURL overrides the regional v1alpha endpoint.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithIngestionURL overrides the regional ingestion endpoint.
func WithIngestionURL(u string) Option {
	return func(c *Client) { c.ingestionURL = strings.TrimRight(u, "/") }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithRetry replaces the retry policy.
func WithRetry(p backoff.Policy) Option {
	return func(c *Client) { c.retry = p }
}

// BaseURL returns the v1alpha endpoint for a region.
func BaseURL(region string) string {
	return fmt.Sprintf("https://%s-chronicle.googleapis.com/v1alpha", region)
}

// NewClient creates a client for inst. Unless WithHTTPClient is given the
// client authenticates with cfg.CredentialsFile or ADC.
func NewClient(ctx context.Context, cfg Config, inst Instance, opts ...Option) (*Client, error) {
	if err := inst.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		instance:     inst,
		baseURL:      BaseURL(inst.Region),
		ingestionURL: IngestionHost(inst.Region),
		retry:        cfg.Retry,
		testTimeout:  cfg.TestTimeout,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		ts, err := TokenSource(ctx, cfg.CredentialsFile)
		if err != nil {
			return nil, err
		}
		hc := oauth2.NewClient(ctx, ts)
		hc.Timeout = cfg.Timeout
		c.httpClient = hc
	}
	if c.testTimeout <= 0 {
		c.testTimeout = DefaultConfig().TestTimeout
	}
	return c, nil
}

// TokenSource loads service account credentials from path, or ADC when path
// is empty.
func TokenSource(ctx context.Context, path string) (oauth2.TokenSource, error) {
	if path == "" {
		creds, err := google.FindDefaultCredentials(ctx, Scope)
		if err != nil {
			return nil, fmt.Errorf("find default credentials: %w", err)
		}
		return creds.TokenSource, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials file: %w", err)
	}
	creds, err := google.CredentialsFromJSON(ctx, data, Scope)
	if err != nil {
		return nil, fmt.Errorf("parse credentials file: %w", err)
	}
	return creds.TokenSource, nil
}

// Instance returns the instance this client targets.
func (c *Client) Instance() Instance {
	return c.instance
}

func (c *Client) instanceURL() string {
	return c.baseURL + "/" + c.instance.Name()
}

// do sends a JSON request with retries and decodes a JSON response into out.
func (c *Client) do(ctx context.Context, method, url string, body, out any) error {
	resp, err := c.send(ctx, method, url, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, url string, body any) (*http.Response, error) {
	return c.sendWith(ctx, c.httpClient, method, url, body)
}

func (c *Client) sendWith(ctx context.Context, hc *http.Client, method, url string, body any) (*http.Response, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
	}

	resp, err := backoff.Do(ctx, hc, c.retry, c.logger, func(ctx context.Context) (*http.Request, error) {
		var r io.Reader
		if payload != nil {
			r = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, r)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		return req, nil
	})
	if err != nil {
		var se *backoff.StatusError
		if errors.As(err, &se) {
			return nil, &APIError{StatusCode: se.StatusCode, Body: se.Body}
		}
		return nil, err
	}
	return resp, nil
}
