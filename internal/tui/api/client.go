// Package api is the HTTP client the dashboard uses to reach the MTTx server.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"secops-toolkit/internal/mttx"
)

// DefaultAPIKeyHeader is the header the server reads API keys from.
const DefaultAPIKeyHeader = "X-API-Key"

// Client handles API communication with the MTTx server.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Tenant is the subset of tenant fields the dashboard shows.
type Tenant struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Region    string `json:"region"`
	GUID      string `json:"guid"`
	IsDefault bool   `json:"is_default"`
}

// Metrics is a calculation result with the tenant's console URL.
type Metrics struct {
	mttx.Metrics
	BaseURL string `json:"base_url"`
}

// HealthResponse is the /health body.
type HealthResponse struct {
	Status string `json:"status"`
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// NewClient creates a client. apiKey may be empty when auth is disabled.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			// Analysis runs the tenant's dashboard queries and can be slow.
			Timeout: 5 * time.Minute,
		},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set(DefaultAPIKeyHeader, c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var env errorEnvelope
		if json.NewDecoder(resp.Body).Decode(&env) == nil && env.Error.Message != "" {
			return fmt.Errorf("%s: %s", resp.Status, env.Error.Message)
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Health fetches /health.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var h HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// ListTenants fetches the configured tenants.
func (c *Client) ListTenants(ctx context.Context) ([]Tenant, error) {
	var tenants []Tenant
	if err := c.do(ctx, http.MethodGet, "/api/tenants", nil, &tenants); err != nil {
		return nil, err
	}
	return tenants, nil
}

// Analyze runs the tenant's queries for the last startVal timeUnits and
// calculates metrics from the result.
func (c *Client) Analyze(ctx context.Context, tenantID int64, timeUnit string, startVal int) (*Metrics, error) {
	var tables mttx.AnalysisResult
	run := map[string]any{"tenant_id": tenantID, "time_unit": timeUnit, "start_time_val": startVal}
	if err := c.do(ctx, http.MethodPost, "/api/analysis/run", run, &tables); err != nil {
		return nil, fmt.Errorf("run analysis: %w", err)
	}

	calc := map[string]any{
		"tenant_id":         tenantID,
		"case_history_data": tables.CaseHistoryData,
		"case_mttd_data":    tables.CaseMTTDData,
	}
	var m Metrics
	if err := c.do(ctx, http.MethodPost, "/api/analysis/calculate", calc, &m); err != nil {
		return nil, fmt.Errorf("calculate metrics: %w", err)
	}
	return &m, nil
}
