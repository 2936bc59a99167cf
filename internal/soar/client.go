// Package soar is a client for the SOAR (Siemplify) external API.
package soar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"secops-toolkit/internal/backoff"
)

// Bulk close defaults.
const (
	DefaultCloseComment = "Closed by Automation"
	DefaultCloseReason  = 2
	DefaultRootCause    = "Lab test"
	DefaultPageSize     = 100
)

// ErrNotConfigured is returned when the API root or key is missing.
var ErrNotConfigured = errors.New("soar: url and api key are required")

// Client calls the SOAR external API with an AppKey.
type Client struct {
	apiRoot    string
	apiKey     string
	httpClient *http.Client
	retry      backoff.Policy
	logger     *slog.Logger
}

// ClientConfig holds configuration for the SOAR client.
type ClientConfig struct {
	URL     string         `yaml:"url"`
	APIKey  string         `yaml:"api_key"`
	Timeout time.Duration  `yaml:"timeout"`
	Retry   backoff.Policy `yaml:"retry"`
}

// NewClient creates a client. The API root always ends in "/".
func NewClient(cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.URL) == "" || cfg.APIKey == "" {
		return nil, ErrNotConfigured
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	root := strings.TrimSpace(cfg.URL)
	if !strings.HasSuffix(root, "/") {
		root += "/"
	}
	return &Client{
		apiRoot:    root,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		retry:      cfg.Retry,
		logger:     logger,
	}, nil
}

// APIRoot returns the normalised API root.
func (c *Client) APIRoot() string {
	return c.apiRoot
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	resp, err := backoff.Do(ctx, c.httpClient, c.retry, c.logger, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiRoot+path, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("AppKey", c.apiKey)
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%s: decode response: %w", path, err)
	}
	return nil
}

// GetEnvironments returns the names of all environments.
func (c *Client) GetEnvironments(ctx context.Context) ([]string, error) {
	body := map[string]any{"searchTerm": "", "requestedPage": 0, "pageSize": DefaultPageSize}
	var resp struct {
		ObjectsList []struct {
			Name string `json:"name"`
		} `json:"objectsList"`
	}
	if err := c.post(ctx, "api/external/v1/settings/GetEnvironments", body, &resp); err != nil {
		return nil, err
	}
	envs := make([]string, 0, len(resp.ObjectsList))
	for _, o := range resp.ObjectsList {
		envs = append(envs, o.Name)
	}
	return envs, nil
}

// SearchRequest is the CaseSearchEverything payload. Unused filters are sent
// as empty lists.
type SearchRequest struct {
	Tags             []string `json:"tags"`
	RuleGenerator    []string `json:"ruleGenerator"`
	CaseSource       []string `json:"caseSource"`
	Stage            []string `json:"stage"`
	Environments     []string `json:"environments"`
	AssignedUsers    []string `json:"assignedUsers"`
	Products         []string `json:"products"`
	Ports            []string `json:"ports"`
	CategoryOutcomes []string `json:"categoryOutcomes"`
	Status           []string `json:"status"`
	CaseIDs          []int64  `json:"caseIds"`
	Incident         []string `json:"incident"`
	Importance       []string `json:"importance"`
	Priorities       []string `json:"priorities"`
	PageSize         int      `json:"pageSize"`
	IsCaseClosed     bool     `json:"isCaseClosed"`
	Title            string   `json:"title"`
	StartTime        string   `json:"startTime"`
	EndTime          string   `json:"endTime"`
	RequestedPage    int      `json:"requestedPage"`
	TimeRangeFilter  int      `json:"timeRangeFilter"`
}

// NewSearchRequest returns an open-case search for title within [start, end].
func NewSearchRequest(title string, start, end time.Time) SearchRequest {
	return SearchRequest{
		Tags:             []string{},
		RuleGenerator:    []string{},
		CaseSource:       []string{},
		Stage:            []string{},
		Environments:     []string{},
		AssignedUsers:    []string{},
		Products:         []string{},
		Ports:            []string{},
		CategoryOutcomes: []string{},
		Status:           []string{},
		CaseIDs:          []int64{},
		Incident:         []string{},
		Importance:       []string{},
		Priorities:       []string{},
		PageSize:         DefaultPageSize,
		Title:            title,
		StartTime:        isoSeconds(start),
		EndTime:          isoSeconds(end),
	}
}

func isoSeconds(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05") + "Z"
}

// CaseSummary is a search hit.
type CaseSummary struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	Environment string `json:"environment"`
}

// SearchCases returns one page of search results.
func (c *Client) SearchCases(ctx context.Context, req SearchRequest) ([]CaseSummary, error) {
	var resp struct {
		Results []CaseSummary `json:"results"`
	}
	if err := c.post(ctx, "api/external/v1/search/CaseSearchEverything", req, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

type bulkCloseRequest struct {
	CasesIDs     []int64 `json:"casesIds"`
	CloseComment string  `json:"closeComment"`
	CloseReason  int     `json:"closeReason"`
	RootCause    string  `json:"rootCause"`
}

// BulkClose closes ids in one request. Empty arguments use the defaults.
func (c *Client) BulkClose(ctx context.Context, ids []int64, comment string, reason int, rootCause string) error {
	if len(ids) == 0 {
		return nil
	}
	if comment == "" {
		comment = DefaultCloseComment
	}
	if reason == 0 {
		reason = DefaultCloseReason
	}
	if rootCause == "" {
		rootCause = DefaultRootCause
	}
	req := bulkCloseRequest{CasesIDs: ids, CloseComment: comment, CloseReason: reason, RootCause: rootCause}
	return c.post(ctx, "api/external/v1/cases-queue/bulk-operations/ExecuteBulkCloseCase", req, nil)
}

// Stage is a case stage definition.
type Stage struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// GetCaseStages returns the configured case stage definitions.
func (c *Client) GetCaseStages(ctx context.Context) ([]Stage, error) {
	var resp struct {
		ObjectsList []Stage `json:"objectsList"`
	}
	body := map[string]int{"pageSize": DefaultPageSize}
	if err := c.post(ctx, "api/external/v1/settings/GetCaseStageDefinitionRecords", body, &resp); err != nil {
		return nil, err
	}
	return resp.ObjectsList, nil
}
