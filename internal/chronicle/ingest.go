package chronicle

import (
	"context"
	"fmt"
	"net/url"
)

var ingestionHosts = map[string]string{
	"europe":          "https://europe-malachiteingestion-pa.googleapis.com",
	"asia":            "https://asia-southeast1-malachiteingestion-pa.googleapis.com",
	"asia-southeast1": "https://asia-southeast1-malachiteingestion-pa.googleapis.com",
	"us":              "https://malachiteingestion-pa.googleapis.com",
}

// IngestionHost returns the ingestion API host for a region. Unknown regions
// use the US host.
func IngestionHost(region string) string {
	if h, ok := ingestionHosts[region]; ok {
		return h
	}
	return ingestionHosts["us"]
}

// KnownIngestionRegion reports whether region has a dedicated ingestion host.
func KnownIngestionRegion(region string) bool {
	_, ok := ingestionHosts[region]
	return ok
}

// LabelValue wraps an import label value.
type LabelValue struct {
	Value string `json:"value"`
}

// ImportLog is one entry of a logs:import request. Data is base64 encoded.
type ImportLog struct {
	Data                 string                `json:"data"`
	EnvironmentNamespace string                `json:"environment_namespace,omitempty"`
	Labels               map[string]LabelValue `json:"labels,omitempty"`
}

type importRequest struct {
	InlineSource struct {
		Logs      []ImportLog `json:"logs"`
		Forwarder string      `json:"forwarder,omitempty"`
	} `json:"inline_source"`
}

// ForwarderName returns the resource name of a forwarder in this instance.
func (c *Client) ForwarderName(id string) string {
	if id == "" {
		return ""
	}
	return c.instance.Name() + "/forwarders/" + id
}

// ImportLogs pushes logs of logType through the v1alpha import endpoint.
func (c *Client) ImportLogs(ctx context.Context, logType, forwarderID string, logs []ImportLog) error {
	var req importRequest
	req.InlineSource.Logs = logs
	req.InlineSource.Forwarder = c.ForwarderName(forwarderID)

	u := fmt.Sprintf("%s/logTypes/%s/logs:import", c.instanceURL(), url.PathEscape(logType))
	if err := c.do(ctx, "POST", u, req, nil); err != nil {
		return fmt.Errorf("import %d logs: %w", len(logs), err)
	}
	return nil
}

// Label is an ingestion label.
type Label struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// LogEntry is a single raw log line.
type LogEntry struct {
	LogText string `json:"log_text"`
}

// UnstructuredBatch is the body of unstructuredlogentries:batchCreate.
type UnstructuredBatch struct {
	CustomerID string     `json:"customer_id"`
	LogType    string     `json:"log_type"`
	Namespace  string     `json:"namespace,omitempty"`
	Labels     []Label    `json:"labels,omitempty"`
	Entries    []LogEntry `json:"entries"`
}

// IngestUnstructured sends a batch of raw log lines to the ingestion API.
func (c *Client) IngestUnstructured(ctx context.Context, batch UnstructuredBatch) error {
	if batch.CustomerID == "" {
		batch.CustomerID = c.instance.CustomerID
	}
	u := c.ingestionURL + "/v2/unstructuredlogentries:batchCreate"
	if err := c.do(ctx, "POST", u, batch, nil); err != nil {
		return fmt.Errorf("ingest %d entries: %w", len(batch.Entries), err)
	}
	return nil
}
