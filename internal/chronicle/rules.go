package chronicle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MaxTestResults is the largest maxResults a rule test accepts.
const MaxTestResults = 10000

// ErrInvalidMaxResults is returned for a rule test maxResults outside [1, MaxTestResults].
var ErrInvalidMaxResults = errors.New("chronicle: maxResults must be between 1 and 10000")

// Rule is a created detection rule.
type Rule struct {
	Name string `json:"name"`
	Text string `json:"text,omitempty"`
}

// ID returns the last path segment of the rule name.
func (r Rule) ID() string {
	if i := strings.LastIndex(r.Name, "/"); i >= 0 {
		return r.Name[i+1:]
	}
	return r.Name
}

// CreateRule uploads a YARA-L rule.
func (c *Client) CreateRule(ctx context.Context, text string) (*Rule, error) {
	var rule Rule
	body := map[string]string{"text": text}
	if err := c.do(ctx, "POST", c.instanceURL()+"/rules", body, &rule); err != nil {
		return nil, fmt.Errorf("create rule: %w", err)
	}
	return &rule, nil
}

// Position locates a compilation diagnostic in the rule text.
type Position map[string]int

// Verification is the result of a rule syntax check.
type Verification struct {
	Success  bool     `json:"success"`
	Message  string   `json:"message,omitempty"`
	Position Position `json:"position,omitempty"`
}

type verifyResponse struct {
	Success     bool `json:"success"`
	Diagnostics []struct {
		Message  string   `json:"message"`
		Position Position `json:"position"`
		Severity string   `json:"severity"`
	} `json:"compilationDiagnostics"`
}

// VerifyRule compiles text without running it.
func (c *Client) VerifyRule(ctx context.Context, text string) (*Verification, error) {
	var resp verifyResponse
	body := map[string]string{"ruleText": text}
	if err := c.do(ctx, "POST", c.instanceURL()+":verifyRuleText", body, &resp); err != nil {
		return nil, fmt.Errorf("verify rule: %w", err)
	}

	v := &Verification{Success: resp.Success}
	if len(resp.Diagnostics) > 0 {
		v.Message = resp.Diagnostics[0].Message
		v.Position = resp.Diagnostics[0].Position
	}
	return v, nil
}

// TestResult is one streamed item of a rule test, already reshaped into
// {"type": detection|progress|error|info, ...}. Unknown items pass through.
type TestResult map[string]any

// Type returns the result type, or "" for a pass-through item.
func (r TestResult) Type() string {
	s, _ := r["type"].(string)
	return s
}

type testRuleRequest struct {
	RuleText  string `json:"ruleText"`
	TimeRange struct {
		StartTime string `json:"startTime"`
		EndTime   string `json:"endTime"`
	} `json:"timeRange"`
	MaxResults int    `json:"maxResults"`
	Scope      string `json:"scope"`
}

const rfc3339Z = "2006-01-02T15:04:05Z"

// RunRuleTest runs text against historical data in [start, end] and calls fn
// for every result in the order the API returns them.
func (c *Client) RunRuleTest(ctx context.Context, text string, start, end time.Time, maxResults int, fn func(TestResult) error) error {
	if maxResults < 1 || maxResults > MaxTestResults {
		return ErrInvalidMaxResults
	}

	var req testRuleRequest
	req.RuleText = text
	req.TimeRange.StartTime = start.UTC().Format(rfc3339Z)
	req.TimeRange.EndTime = end.UTC().Format(rfc3339Z)
	req.MaxResults = maxResults

	hc := *c.httpClient
	hc.Timeout = c.testTimeout

	resp, err := c.sendWith(ctx, &hc, "POST", c.instanceURL()+"/legacy:legacyRunTestRule", req)
	if err != nil {
		return fmt.Errorf("test rule: %w", err)
	}
	defer resp.Body.Close()

	dec := json.NewDecoder(resp.Body)
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("parse rule test response: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		return fmt.Errorf("parse rule test response: expected array, got %v", tok)
	}

	for dec.More() {
		var item map[string]any
		if err := dec.Decode(&item); err != nil {
			return fmt.Errorf("parse rule test response: %w", err)
		}
		if err := fn(reshapeTestItem(item)); err != nil {
			return err
		}
	}
	return nil
}

func reshapeTestItem(item map[string]any) TestResult {
	if d, ok := item["detection"]; ok {
		return TestResult{"type": "detection", "detection": d}
	}
	if p, ok := item["progressPercent"]; ok {
		return TestResult{"type": "progress", "percentDone": p}
	}
	if e, ok := item["ruleCompilationError"]; ok {
		return TestResult{"type": "error", "message": e, "isCompilationError": true}
	}
	if e, ok := item["ruleError"]; ok {
		return TestResult{"type": "error", "message": e}
	}
	if tm, ok := item["tooManyDetections"].(bool); ok && tm {
		return TestResult{"type": "info", "message": "Too many detections found, results may be incomplete"}
	}
	return TestResult(item)
}
